// Package tree holds the in-memory message tree of a conversation: every
// branch ever created, the remembered child per node, and the head of the
// displayed path.
package tree

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/huandu/go-clone"

	"github.com/capitalize-ai/conversation-engine/internal/model"
)

// Root is the parent key of parentless nodes. Several parentless nodes exist
// only when the first message has been edited; they are siblings under Root.
const Root = ""

// ErrIntegrity is returned by Validate and Load when the tree is inconsistent.
var ErrIntegrity = errors.New("tree integrity violation")

// Tree is safe for concurrent use. Reads return deep copies.
type Tree struct {
	mu     sync.RWMutex
	nodes  map[string]*model.Node
	order  []string
	roots  []string
	active map[string]string
	head   string
	epoch  uint64

	now      func() time.Time
	onChange func()
}

// Option configures a Tree.
type Option func(*Tree)

// WithClock overrides the clock used for node timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Tree) { t.now = now }
}

// WithOnChange registers a callback invoked after every mutation that
// changed the tree, head or active path. It runs outside the tree lock.
func WithOnChange(fn func()) Option {
	return func(t *Tree) { t.onChange = fn }
}

// New creates an empty tree.
func New(opts ...Option) *Tree {
	t := &Tree{
		nodes:  make(map[string]*model.Node),
		active: make(map[string]string),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Load rebuilds a tree from persisted nodes. Nodes must be in insertion
// order. A missing or unknown head falls back to the leaf reached through
// remembered children, or the newest child where none is remembered.
func Load(nodes []model.Node, headID string, active map[string]string, opts ...Option) (*Tree, error) {
	t := New(opts...)
	for i := range nodes {
		n := clone.Clone(nodes[i]).(model.Node)
		if _, dup := t.nodes[n.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate node %s", ErrIntegrity, n.ID)
		}
		t.nodes[n.ID] = &n
		t.order = append(t.order, n.ID)
		if n.ParentID == Root {
			t.roots = append(t.roots, n.ID)
		}
	}
	if err := t.validateLocked(); err != nil {
		return nil, err
	}

	for parent, child := range active {
		c, ok := t.nodes[child]
		if !ok || c.ParentID != parent {
			continue
		}
		t.active[parent] = child
	}

	if _, ok := t.nodes[headID]; ok {
		t.head = headID
	} else if len(t.nodes) > 0 {
		t.head = t.leafLocked(Root)
	}
	return t, nil
}

// Result describes what a reconcile did.
type Result struct {
	NodeID    string
	Created   bool
	Updated   bool
	HeadMoved bool
}

// Changed reports whether the tree was mutated.
func (r Result) Changed() bool {
	return r.Created || r.Updated || r.HeadMoved
}

// Reconcile merges the flat message sequence produced by a stream into the
// tree. Only the last element is examined: an existing node has its content
// replaced when it differs; a new node is attached under the second-to-last
// element if that is in the tree, otherwise under the current head.
//
// epoch is the value of Epoch when the stream started. A stale epoch means
// the user branched or navigated away; the node is still recorded but head
// and the active path are left alone.
func (t *Tree) Reconcile(incoming []model.Message, epoch uint64) Result {
	if len(incoming) == 0 {
		return Result{}
	}

	t.mu.Lock()
	res := t.reconcileLocked(incoming, epoch)
	t.mu.Unlock()

	if res.Changed() {
		t.notify()
	}
	return res
}

func (t *Tree) reconcileLocked(incoming []model.Message, epoch uint64) Result {
	last := incoming[len(incoming)-1]

	if n, ok := t.nodes[last.ID]; ok {
		if sameContent(n.Message, last) {
			return Result{NodeID: last.ID}
		}
		n.Message = cloneMessage(last)
		return Result{NodeID: last.ID, Updated: true}
	}

	parent := t.head
	if len(incoming) > 1 {
		if prev := incoming[len(incoming)-2].ID; t.nodes[prev] != nil {
			parent = prev
		}
	}

	t.attachLocked(&model.Node{
		ID:        last.ID,
		ParentID:  parent,
		CreatedAt: t.now(),
		Message:   cloneMessage(last),
	})

	res := Result{NodeID: last.ID, Created: true}
	if epoch == t.epoch {
		t.active[parent] = last.ID
		if t.head != last.ID {
			t.head = last.ID
			res.HeadMoved = true
		}
	}
	return res
}

func (t *Tree) attachLocked(n *model.Node) {
	t.nodes[n.ID] = n
	t.order = append(t.order, n.ID)
	if n.ParentID == Root {
		t.roots = append(t.roots, n.ID)
		return
	}
	p := t.nodes[n.ParentID]
	p.ChildrenIDs = append(p.ChildrenIDs, n.ID)
}

// Update runs fn with exclusive access to the tree. The change callback
// fires after fn returns if fn mutated anything.
func (t *Tree) Update(fn func(tx *Txn)) bool {
	t.mu.Lock()
	tx := &Txn{t: t}
	fn(tx)
	t.mu.Unlock()

	if tx.changed {
		t.notify()
	}
	return tx.changed
}

func (t *Tree) notify() {
	if t.onChange != nil {
		t.onChange()
	}
}

// Head returns the leaf of the displayed path, or "" for an empty tree.
func (t *Tree) Head() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.head
}

// Epoch returns the current stream epoch.
func (t *Tree) Epoch() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.epoch
}

// Len returns the number of nodes.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// Node returns a copy of the node with the given id.
func (t *Tree) Node(id string) (model.Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	if !ok {
		return model.Node{}, false
	}
	return clone.Clone(*n).(model.Node), true
}

// Children returns the ordered children of a node. Use Root for the
// parentless nodes.
func (t *Tree) Children(id string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.childrenLocked(id)...)
}

func (t *Tree) childrenLocked(id string) []string {
	if id == Root {
		return t.roots
	}
	if n, ok := t.nodes[id]; ok {
		return n.ChildrenIDs
	}
	return nil
}

// Path returns copies of the nodes from the root down to id.
func (t *Tree) Path(id string) []model.Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	path := t.pathLocked(id)
	out := make([]model.Node, len(path))
	for i, n := range path {
		out[i] = clone.Clone(*n).(model.Node)
	}
	return out
}

// PathMessages returns the messages from the root down to id.
func (t *Tree) PathMessages(id string) []model.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pathMessagesLocked(id)
}

// DisplayedMessages returns the messages on the root→head path.
func (t *Tree) DisplayedMessages() []model.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pathMessagesLocked(t.head)
}

// Displayed returns the root→head path with branch metadata attached to
// every message whose parent has more than one child.
func (t *Tree) Displayed() []model.DisplayMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()

	path := t.pathLocked(t.head)
	out := make([]model.DisplayMessage, len(path))
	for i, n := range path {
		out[i] = model.DisplayMessage{
			Message:   cloneMessage(n.Message),
			ParentID:  n.ParentID,
			CreatedAt: n.CreatedAt,
			Branch:    t.branchInfoLocked(n),
		}
	}
	return out
}

// BranchInfo returns the sibling position of a node, or nil when the node is
// unknown or its parent has a single child.
func (t *Tree) BranchInfo(id string) *model.BranchInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	if !ok {
		return nil
	}
	return t.branchInfoLocked(n)
}

func (t *Tree) branchInfoLocked(n *model.Node) *model.BranchInfo {
	siblings := t.childrenLocked(n.ParentID)
	if len(siblings) < 2 {
		return nil
	}
	for i, id := range siblings {
		if id == n.ID {
			return &model.BranchInfo{Index: i, Count: len(siblings)}
		}
	}
	return nil
}

// ActivePath returns a copy of the remembered child per node.
func (t *Tree) ActivePath() map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]string, len(t.active))
	for k, v := range t.active {
		out[k] = v
	}
	return out
}

// Deepest descends the active path from id to the deepest remembered leaf.
func (t *Tree) Deepest(id string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.deepestLocked(id)
}

// deepestLocked stops at the first node without a remembered child, so
// replies of abandoned streams are never descended into.
func (t *Tree) deepestLocked(id string) string {
	for steps := 0; steps <= len(t.nodes); steps++ {
		next, ok := t.active[id]
		if !ok || t.nodes[next] == nil {
			return id
		}
		id = next
	}
	return id
}

// leafLocked is deepestLocked taking the newest child where none is
// remembered. It recovers a lost head.
func (t *Tree) leafLocked(id string) string {
	for steps := 0; steps <= len(t.nodes); steps++ {
		next, ok := t.active[id]
		if !ok || t.nodes[next] == nil {
			children := t.childrenLocked(id)
			if len(children) == 0 {
				return id
			}
			next = children[len(children)-1]
		}
		id = next
	}
	return id
}

// Snapshot is a deep copy of the persisted parts of the tree.
type Snapshot struct {
	Nodes      []model.Node
	HeadID     string
	ActivePath map[string]string
}

// Snapshot copies every node in insertion order plus head and active path.
func (t *Tree) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	nodes := make([]model.Node, 0, len(t.order))
	for _, id := range t.order {
		nodes = append(nodes, *t.nodes[id])
	}
	active := make(map[string]string, len(t.active))
	for k, v := range t.active {
		active[k] = v
	}
	return Snapshot{
		Nodes:      clone.Clone(nodes).([]model.Node),
		HeadID:     t.head,
		ActivePath: active,
	}
}

// Validate checks referential symmetry, acyclicity and head membership.
func (t *Tree) Validate() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if err := t.validateLocked(); err != nil {
		return err
	}
	if t.head != "" && t.nodes[t.head] == nil {
		return fmt.Errorf("%w: head %s not in tree", ErrIntegrity, t.head)
	}
	return nil
}

func (t *Tree) validateLocked() error {
	for id, n := range t.nodes {
		if n.ParentID == Root {
			if count(t.roots, id) != 1 {
				return fmt.Errorf("%w: root %s not listed once", ErrIntegrity, id)
			}
		} else {
			p, ok := t.nodes[n.ParentID]
			if !ok {
				return fmt.Errorf("%w: node %s has unknown parent %s", ErrIntegrity, id, n.ParentID)
			}
			if count(p.ChildrenIDs, id) != 1 {
				return fmt.Errorf("%w: node %s not listed once under %s", ErrIntegrity, id, n.ParentID)
			}
		}
		for _, c := range n.ChildrenIDs {
			child, ok := t.nodes[c]
			if !ok || child.ParentID != id {
				return fmt.Errorf("%w: node %s lists foreign child %s", ErrIntegrity, id, c)
			}
		}
		if len(t.pathLocked(id)) == 0 {
			return fmt.Errorf("%w: cycle through %s", ErrIntegrity, id)
		}
	}
	for _, r := range t.roots {
		n, ok := t.nodes[r]
		if !ok || n.ParentID != Root {
			return fmt.Errorf("%w: bad root entry %s", ErrIntegrity, r)
		}
	}
	return nil
}

// pathLocked returns nil when id is unknown or the walk does not terminate.
func (t *Tree) pathLocked(id string) []*model.Node {
	var rev []*model.Node
	for id != Root {
		n, ok := t.nodes[id]
		if !ok || len(rev) > len(t.nodes) {
			return nil
		}
		rev = append(rev, n)
		id = n.ParentID
	}
	path := make([]*model.Node, len(rev))
	for i, n := range rev {
		path[len(rev)-1-i] = n
	}
	return path
}

func (t *Tree) pathMessagesLocked(id string) []model.Message {
	path := t.pathLocked(id)
	out := make([]model.Message, len(path))
	for i, n := range path {
		out[i] = cloneMessage(n.Message)
	}
	return out
}

func sameContent(a, b model.Message) bool {
	if !reflect.DeepEqual(a.Parts, b.Parts) {
		return false
	}
	if len(a.Metadata) == 0 && len(b.Metadata) == 0 {
		return true
	}
	return reflect.DeepEqual(a.Metadata, b.Metadata)
}

func cloneMessage(m model.Message) model.Message {
	return clone.Clone(m).(model.Message)
}

func count(ids []string, id string) int {
	n := 0
	for _, v := range ids {
		if v == id {
			n++
		}
	}
	return n
}
