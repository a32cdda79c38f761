// Package branch implements editing past user turns into new branches and
// moving between sibling branches.
package branch

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-engine/internal/model"
	"github.com/capitalize-ai/conversation-engine/internal/tree"
	"github.com/capitalize-ai/conversation-engine/pkg/logger"
	"github.com/capitalize-ai/conversation-engine/pkg/metrics"
)

// Direction selects a sibling relative to the current one.
type Direction int

const (
	Prev Direction = -1
	Next Direction = 1
)

// ErrInvalidDirection is returned by ParseDirection.
var ErrInvalidDirection = errors.New("direction must be prev or next")

// ParseDirection parses "prev" or "next".
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "prev", "previous":
		return Prev, nil
	case "next":
		return Next, nil
	default:
		return 0, ErrInvalidDirection
	}
}

// Submitter sends turns through the normal send path.
type Submitter interface {
	// Submit appends turn after history and streams a reply to it.
	Submit(ctx context.Context, history []model.Message, turn model.Message) error
	// Regenerate streams a new reply to the last message of history.
	Regenerate(ctx context.Context, history []model.Message) error
}

// Controller mutates branch structure of one conversation tree.
type Controller struct {
	tree   *tree.Tree
	submit Submitter
	logger *logger.Logger
}

// NewController creates a controller over t.
func NewController(t *tree.Tree, submit Submitter, log *logger.Logger) *Controller {
	return &Controller{
		tree:   t,
		submit: submit,
		logger: log,
	}
}

// Edit rewinds the displayed path to the parent of nodeID and submits parts
// as a fresh user turn, which becomes a new sibling of nodeID. The old
// branch is kept. Unknown ids and non-user messages are ignored and report
// false.
func (c *Controller) Edit(ctx context.Context, nodeID string, parts []model.Part) (bool, error) {
	var (
		history []model.Message
		orig    model.Node
		found   bool
	)

	c.tree.Update(func(tx *tree.Txn) {
		orig, found = tx.Node(nodeID)
		if !found || orig.Message.Role != model.RoleUser {
			found = false
			return
		}
		history = tx.PathMessages(orig.ParentID)
		tx.SetHead(orig.ParentID)
		tx.Abandon()
	})
	if !found {
		c.logger.Debug("edit ignored", zap.String("node_id", nodeID))
		return false, nil
	}

	turn := model.Message{
		ID:    uuid.Must(uuid.NewV7()).String(),
		Role:  model.RoleUser,
		Parts: parts,
	}
	if mode := orig.Message.Mode(); mode != "" {
		turn.Metadata = map[string]string{model.MetadataMode: mode}
	}

	metrics.BranchOperations.WithLabelValues("edit").Inc()

	if err := c.submit.Submit(ctx, history, turn); err != nil {
		return true, fmt.Errorf("submit edited turn: %w", err)
	}
	return true, nil
}

// Retry regenerates the reply of an assistant message as a new sibling
// under the same user turn.
func (c *Controller) Retry(ctx context.Context, nodeID string) (bool, error) {
	var (
		history []model.Message
		found   bool
	)

	c.tree.Update(func(tx *tree.Txn) {
		n, ok := tx.Node(nodeID)
		if !ok || n.Message.Role != model.RoleAssistant || n.ParentID == tree.Root {
			return
		}
		found = true
		history = tx.PathMessages(n.ParentID)
		tx.SetHead(n.ParentID)
		tx.Abandon()
	})
	if !found {
		c.logger.Debug("retry ignored", zap.String("node_id", nodeID))
		return false, nil
	}

	metrics.BranchOperations.WithLabelValues("retry").Inc()

	if err := c.submit.Regenerate(ctx, history); err != nil {
		return true, fmt.Errorf("regenerate reply: %w", err)
	}
	return true, nil
}

// Navigate moves from nodeID to its previous or next sibling and restores
// the deepest branch remembered below it. Moving past either end is a no-op.
func (c *Controller) Navigate(nodeID string, dir Direction) bool {
	changed := false

	c.tree.Update(func(tx *tree.Txn) {
		n, ok := tx.Node(nodeID)
		if !ok {
			return
		}
		siblings := tx.Children(n.ParentID)
		idx := -1
		for i, id := range siblings {
			if id == nodeID {
				idx = i
				break
			}
		}
		target := idx + int(dir)
		if idx < 0 || target < 0 || target >= len(siblings) {
			return
		}

		sibling := siblings[target]
		tx.SetActive(n.ParentID, sibling)
		tx.SetHead(tx.Deepest(sibling))
		tx.Abandon()
		changed = true
	})

	if changed {
		metrics.BranchOperations.WithLabelValues("navigate").Inc()
	}
	return changed
}
