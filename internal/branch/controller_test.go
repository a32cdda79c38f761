package branch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/conversation-engine/internal/model"
	"github.com/capitalize-ai/conversation-engine/internal/tree"
	"github.com/capitalize-ai/conversation-engine/pkg/logger"
)

// echoSubmitter plays the role of the send path: it reconciles the turn and
// a canned reply into the tree.
type echoSubmitter struct {
	tree    *tree.Tree
	replies int
	err     error
}

func (s *echoSubmitter) Submit(ctx context.Context, history []model.Message, turn model.Message) error {
	if s.err != nil {
		return s.err
	}
	epoch := s.tree.Epoch()
	seq := append(append([]model.Message(nil), history...), turn)
	s.tree.Reconcile(seq, epoch)
	s.reply(seq, epoch, "re: "+turn.Text())
	return nil
}

func (s *echoSubmitter) Regenerate(ctx context.Context, history []model.Message) error {
	epoch := s.tree.Epoch()
	s.reply(history, epoch, "again")
	return nil
}

func (s *echoSubmitter) reply(seq []model.Message, epoch uint64, text string) {
	s.replies++
	reply := model.Message{
		ID:    "reply-" + string(rune('a'+s.replies)),
		Role:  model.RoleAssistant,
		Parts: []model.Part{model.TextPart(text)},
	}
	s.tree.Reconcile(append(seq, reply), epoch)
}

func userMsg(id, text string) model.Message {
	return model.Message{ID: id, Role: model.RoleUser, Parts: []model.Part{model.TextPart(text)}}
}

func setup(t *testing.T) (*tree.Tree, *Controller, *echoSubmitter) {
	t.Helper()
	tr := tree.New()
	sub := &echoSubmitter{tree: tr}
	return tr, NewController(tr, sub, logger.Nop()), sub
}

func TestEdit_FirstMessageCreatesSiblingBranch(t *testing.T) {
	tr, ctrl, sub := setup(t)
	require.NoError(t, sub.Submit(context.Background(), nil, userMsg("u1", "Hi")))
	oldReply := tr.Head()

	changed, err := ctrl.Edit(context.Background(), "u1", []model.Part{model.TextPart("Hello")})
	require.NoError(t, err)
	require.True(t, changed)

	shown := tr.Displayed()
	require.Len(t, shown, 2)
	assert.Equal(t, "Hello", shown[0].Text())
	assert.Equal(t, "re: Hello", shown[1].Text())
	require.NotNil(t, shown[0].Branch)
	assert.Equal(t, model.BranchInfo{Index: 1, Count: 2}, *shown[0].Branch)

	// The original branch is still reachable.
	_, ok := tr.Node(oldReply)
	assert.True(t, ok)
	assert.Equal(t, 4, tr.Len())
	require.NoError(t, tr.Validate())

	require.True(t, ctrl.Navigate(shown[0].ID, Prev))
	assert.Equal(t, oldReply, tr.Head())
	assert.Equal(t, "Hi", tr.Displayed()[0].Text())
}

func TestEdit_KeepsModeTag(t *testing.T) {
	tr, ctrl, sub := setup(t)
	first := userMsg("u1", "Hi")
	first.Metadata = map[string]string{model.MetadataMode: "explain"}
	require.NoError(t, sub.Submit(context.Background(), nil, first))

	_, err := ctrl.Edit(context.Background(), "u1", []model.Part{model.TextPart("Hello")})
	require.NoError(t, err)
	assert.Equal(t, "explain", tr.Displayed()[0].Mode())
}

func TestEdit_UnknownOrAssistantNodeIsNoOp(t *testing.T) {
	tr, ctrl, sub := setup(t)
	require.NoError(t, sub.Submit(context.Background(), nil, userMsg("u1", "Hi")))
	head := tr.Head()

	changed, err := ctrl.Edit(context.Background(), "missing", []model.Part{model.TextPart("x")})
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = ctrl.Edit(context.Background(), head, []model.Part{model.TextPart("x")})
	require.NoError(t, err)
	assert.False(t, changed)

	assert.Equal(t, head, tr.Head())
	assert.Equal(t, 2, tr.Len())
}

func TestEdit_SubmitFailureIsReported(t *testing.T) {
	tr, ctrl, sub := setup(t)
	require.NoError(t, sub.Submit(context.Background(), nil, userMsg("u1", "Hi")))
	sub.err = errors.New("transport down")

	changed, err := ctrl.Edit(context.Background(), "u1", []model.Part{model.TextPart("Hello")})
	assert.True(t, changed)
	require.Error(t, err)
	assert.Equal(t, "", tr.Head())
}

func TestNavigate_ClampsAtBothEnds(t *testing.T) {
	tr, ctrl, sub := setup(t)
	require.NoError(t, sub.Submit(context.Background(), nil, userMsg("u1", "one")))
	_, err := ctrl.Edit(context.Background(), "u1", []model.Part{model.TextPart("two")})
	require.NoError(t, err)

	roots := tr.Children(tree.Root)
	require.Len(t, roots, 2)

	assert.False(t, ctrl.Navigate(roots[0], Prev))
	assert.False(t, ctrl.Navigate(roots[1], Next))
	assert.False(t, ctrl.Navigate("missing", Next))
	require.NoError(t, tr.Validate())
}

func TestNavigate_RestoresDeepestBranch(t *testing.T) {
	tr, ctrl, sub := setup(t)
	ctx := context.Background()

	require.NoError(t, sub.Submit(ctx, nil, userMsg("u1", "q1")))
	require.NoError(t, sub.Submit(ctx, tr.DisplayedMessages(), userMsg("u2", "q2")))
	deepLeaf := tr.Head()

	// Fork at the first turn, then come back.
	_, err := ctrl.Edit(ctx, "u1", []model.Part{model.TextPart("q1 bis")})
	require.NoError(t, err)
	forked := tr.Displayed()[0].ID

	require.True(t, ctrl.Navigate(forked, Prev))
	assert.Equal(t, deepLeaf, tr.Head())
	assert.Len(t, tr.Displayed(), 4)

	require.True(t, ctrl.Navigate("u1", Next))
	assert.Equal(t, forked, tr.Displayed()[0].ID)
	assert.Len(t, tr.Displayed(), 2)
}

func TestNavigate_AbandonsRunningStream(t *testing.T) {
	tr, ctrl, sub := setup(t)
	ctx := context.Background()
	require.NoError(t, sub.Submit(ctx, nil, userMsg("u1", "one")))
	_, err := ctrl.Edit(ctx, "u1", []model.Part{model.TextPart("two")})
	require.NoError(t, err)

	epoch := tr.Epoch()
	require.True(t, ctrl.Navigate(tr.Displayed()[0].ID, Prev))
	assert.Greater(t, tr.Epoch(), epoch)
}

func TestRetry_AddsSiblingReply(t *testing.T) {
	tr, ctrl, sub := setup(t)
	require.NoError(t, sub.Submit(context.Background(), nil, userMsg("u1", "Hi")))
	first := tr.Head()

	changed, err := ctrl.Retry(context.Background(), first)
	require.NoError(t, err)
	require.True(t, changed)

	assert.Equal(t, []string{first, tr.Head()}, tr.Children("u1"))
	assert.Equal(t, "again", tr.Displayed()[1].Text())

	changed, err = ctrl.Retry(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestParseDirection(t *testing.T) {
	d, err := ParseDirection("prev")
	require.NoError(t, err)
	assert.Equal(t, Prev, d)

	d, err = ParseDirection("next")
	require.NoError(t, err)
	assert.Equal(t, Next, d)

	_, err = ParseDirection("sideways")
	assert.ErrorIs(t, err, ErrInvalidDirection)
}
