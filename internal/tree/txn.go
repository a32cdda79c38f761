package tree

import (
	"github.com/capitalize-ai/conversation-engine/internal/model"
)

// Txn is a view of the tree valid only inside Update.
type Txn struct {
	t       *Tree
	changed bool
}

// Node returns a copy of the node with the given id.
func (tx *Txn) Node(id string) (model.Node, bool) {
	n, ok := tx.t.nodes[id]
	if !ok {
		return model.Node{}, false
	}
	return model.Node{
		ID:          n.ID,
		ParentID:    n.ParentID,
		ChildrenIDs: append([]string(nil), n.ChildrenIDs...),
		CreatedAt:   n.CreatedAt,
		Message:     cloneMessage(n.Message),
	}, true
}

// Children returns the ordered children of id. Use Root for parentless nodes.
func (tx *Txn) Children(id string) []string {
	return append([]string(nil), tx.t.childrenLocked(id)...)
}

// Head returns the current head.
func (tx *Txn) Head() string {
	return tx.t.head
}

// PathMessages returns the messages from the root down to id.
func (tx *Txn) PathMessages(id string) []model.Message {
	return tx.t.pathMessagesLocked(id)
}

// Deepest descends the active path from id.
func (tx *Txn) Deepest(id string) string {
	return tx.t.deepestLocked(id)
}

// SetHead moves the head. id must be in the tree or Root.
func (tx *Txn) SetHead(id string) {
	if id != Root && tx.t.nodes[id] == nil {
		return
	}
	if tx.t.head != id {
		tx.t.head = id
		tx.changed = true
	}
}

// SetActive records child as the remembered branch of parent.
func (tx *Txn) SetActive(parent, child string) {
	c, ok := tx.t.nodes[child]
	if !ok || c.ParentID != parent {
		return
	}
	if tx.t.active[parent] != child {
		tx.t.active[parent] = child
		tx.changed = true
	}
}

// Abandon advances the epoch so that any running stream stops steering head
// and the active path.
func (tx *Txn) Abandon() {
	tx.t.epoch++
}
