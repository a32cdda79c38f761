package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-engine/internal/branch"
	"github.com/capitalize-ai/conversation-engine/internal/events"
	"github.com/capitalize-ai/conversation-engine/internal/model"
	"github.com/capitalize-ai/conversation-engine/internal/navigation"
	"github.com/capitalize-ai/conversation-engine/internal/title"
	"github.com/capitalize-ai/conversation-engine/internal/transport"
	"github.com/capitalize-ai/conversation-engine/internal/tree"
	"github.com/capitalize-ai/conversation-engine/pkg/logger"
	"github.com/capitalize-ai/conversation-engine/pkg/metrics"
)

// TurnResult is the outcome of an operation that may stream a reply.
type TurnResult struct {
	// Changed is false when a branch operation was a no-op.
	Changed bool
	// Stopped is set when the reply was cut short by Stop or a disconnect.
	Stopped bool
}

// Session is an open conversation: its tree, branch controller, navigation
// handler and the bookkeeping of at most one running stream.
type Session struct {
	id        string
	userID    string
	ephemeral bool
	createdAt time.Time

	svc    *ConversationService
	tree   *tree.Tree
	nav    *navigation.Handler
	logger *logger.Logger

	mu             sync.Mutex
	title          string
	titleGenerated bool
	metadata       model.ConversationMetadata
	updatedAt      time.Time
	cancel         context.CancelFunc
	streamID       uint64
	lastUsed       time.Time
	released       bool
	deleted        bool
}

func (c *ConversationService) newSession(rec *model.Conversation, ephemeral bool) (*Session, error) {
	s := &Session{
		id:             rec.ID,
		userID:         rec.UserID,
		ephemeral:      ephemeral,
		createdAt:      rec.CreatedAt,
		svc:            c,
		logger:         c.logger.ForConversation(rec.ID, rec.UserID),
		title:          rec.Title,
		titleGenerated: rec.TitleGenerated,
		metadata:       rec.Metadata,
		updatedAt:      rec.UpdatedAt,
		lastUsed:       time.Now(),
	}

	t, err := tree.Load(rec.Nodes, rec.HeadID, rec.ActivePath, tree.WithOnChange(s.changed))
	if err != nil {
		return nil, fmt.Errorf("restore conversation %s: %w", rec.ID, err)
	}
	s.tree = t
	s.nav = navigation.NewHandler(events.NewHost(c.bus, rec.ID, rec.UserID), c.cfg.Navigation, s.logger)
	return s, nil
}

// ID returns the conversation id.
func (s *Session) ID() string { return s.id }

// UserID returns the owner, empty for guests.
func (s *Session) UserID() string { return s.userID }

// Ephemeral reports whether the conversation is kept in memory only.
func (s *Session) Ephemeral() bool { return s.ephemeral }

// Tree exposes the message tree.
func (s *Session) Tree() *tree.Tree { return s.tree }

// Streaming reports whether a reply is being streamed.
func (s *Session) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Title returns the current title.
func (s *Session) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.title
}

// SyncStatus returns the cloud sync status without triggering a write.
func (s *Session) SyncStatus() model.SyncStatus {
	if s.ephemeral {
		return model.SyncIdle
	}
	return s.svc.store.Status(s.id)
}

// View returns the displayed conversation with branch metadata.
func (s *Session) View() model.ConversationView {
	s.mu.Lock()
	view := model.ConversationView{
		ID:        s.id,
		Title:     s.title,
		Metadata:  s.metadata,
		Streaming: s.cancel != nil,
		Ephemeral: s.ephemeral,
	}
	s.mu.Unlock()

	view.HeadID = s.tree.Head()
	view.Messages = s.tree.Displayed()
	view.SyncStatus = s.SyncStatus()
	return view
}

// BranchResponse returns the displayed path after an operation.
func (s *Session) BranchResponse(changed bool) model.BranchResponse {
	return model.BranchResponse{
		Changed: changed,
		HeadID:  s.tree.Head(),
		Path:    s.tree.Displayed(),
	}
}

// Send appends a user turn to the displayed path and streams the reply.
// Only one reply streams at a time; a second Send fails with
// ErrStreamInProgress.
func (s *Session) Send(ctx context.Context, req *model.SendMessageRequest, onUpdate transport.UpdateFunc) (TurnResult, error) {
	turn := model.Message{
		ID:    uuid.Must(uuid.NewV7()).String(),
		Role:  model.RoleUser,
		Parts: []model.Part{model.TextPart(req.Content)},
	}
	if req.Mode != "" {
		turn.Metadata = map[string]string{model.MetadataMode: req.Mode}
	}
	if req.Model != "" {
		s.mu.Lock()
		s.metadata.ModelID = req.Model
		s.mu.Unlock()
	}

	st := &streamer{s: s, onUpdate: onUpdate}
	err := st.Submit(ctx, s.tree.DisplayedMessages(), turn)
	return TurnResult{Changed: true, Stopped: st.stopped}, err
}

// Edit forks the conversation at a past user turn. A running stream is
// abandoned.
func (s *Session) Edit(ctx context.Context, messageID, content string, onUpdate transport.UpdateFunc) (TurnResult, error) {
	st := &streamer{s: s, onUpdate: onUpdate, preempt: true}
	changed, err := branch.NewController(s.tree, st, s.logger).
		Edit(ctx, messageID, []model.Part{model.TextPart(content)})
	return TurnResult{Changed: changed, Stopped: st.stopped}, err
}

// Retry regenerates an assistant reply as a new sibling. A running stream
// is abandoned.
func (s *Session) Retry(ctx context.Context, messageID string, onUpdate transport.UpdateFunc) (TurnResult, error) {
	st := &streamer{s: s, onUpdate: onUpdate, preempt: true}
	changed, err := branch.NewController(s.tree, st, s.logger).Retry(ctx, messageID)
	return TurnResult{Changed: changed, Stopped: st.stopped}, err
}

// Navigate switches to a sibling branch. A running stream is stopped and its
// partial reply stays on the branch it belonged to.
func (s *Session) Navigate(messageID string, dir branch.Direction) bool {
	changed := branch.NewController(s.tree, nil, s.logger).Navigate(messageID, dir)
	if changed {
		s.Stop()
	}
	return changed
}

// Stop aborts the running stream, if any. The partial reply is kept.
func (s *Session) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.cancel()
	s.cancel = nil
	return true
}

func (s *Session) beginStream(ctx context.Context, preempt bool) (context.Context, context.CancelFunc, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil, nil, 0, ErrNotFound
	}
	if s.cancel != nil {
		if !preempt {
			return nil, nil, 0, ErrStreamInProgress
		}
		s.cancel()
	}
	streamCtx, cancel := context.WithCancel(ctx)
	s.streamID++
	s.cancel = cancel
	s.lastUsed = time.Now()
	return streamCtx, cancel, s.streamID, nil
}

func (s *Session) endStream(id uint64, cancel context.CancelFunc) {
	cancel()
	s.mu.Lock()
	if s.streamID == id {
		s.cancel = nil
	}
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

func (s *Session) modelID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metadata.ModelID != "" {
		return s.metadata.ModelID
	}
	return s.svc.cfg.DefaultModel
}

// changed runs after every tree mutation.
func (s *Session) changed() {
	s.mu.Lock()
	s.updatedAt = time.Now().UTC()
	skip := s.ephemeral || s.released
	s.mu.Unlock()
	if !skip {
		s.svc.store.Touch(s.id)
	}
}

func (s *Session) observeTitle() {
	s.svc.titles.Observe(title.Observation{
		ConversationID: s.id,
		Skip:           s.ephemeral || s.userID == "",
		Messages:       s.tree.DisplayedMessages(),
	}, s.applyTitle)
}

func (s *Session) applyTitle(t string) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.title = t
	s.titleGenerated = true
	s.updatedAt = time.Now().UTC()
	s.mu.Unlock()

	ctx := context.Background()
	if err := s.svc.store.SaveNow(ctx, s.id); err != nil {
		s.logger.Warn("failed to save generated title", zap.Error(err))
	}
	s.svc.bus.Publish(ctx, model.ConversationEvent{
		ConversationID: s.id,
		UserID:         s.userID,
		Type:           model.EventTypeTitleUpdated,
		Data:           map[string]string{"title": t},
	})
}

// record builds the persisted record. There is nothing to persist before
// the first message or after the conversation was deleted.
func (s *Session) record() (*model.Conversation, bool) {
	s.mu.Lock()
	deleted := s.deleted
	s.mu.Unlock()
	if deleted {
		return nil, false
	}

	snap := s.tree.Snapshot()
	if len(snap.Nodes) == 0 {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted {
		return nil, false
	}
	return &model.Conversation{
		ID:             s.id,
		UserID:         s.userID,
		Title:          s.title,
		TitleGenerated: s.titleGenerated,
		Nodes:          snap.Nodes,
		HeadID:         snap.HeadID,
		ActivePath:     snap.ActivePath,
		Metadata:       s.metadata,
		CreatedAt:      s.createdAt,
		UpdatedAt:      s.updatedAt,
	}, true
}

// release stops the stream and pending side effects. The session must not
// be used afterwards.
func (s *Session) release() {
	s.mu.Lock()
	s.released = true
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
	s.nav.Close()
}

// releaseIdle releases the session unless a reply is streaming or it was
// used after cutoff. A zero cutoff only checks for a stream.
func (s *Session) releaseIdle(cutoff time.Time) bool {
	s.mu.Lock()
	if s.cancel != nil || (!cutoff.IsZero() && s.lastUsed.After(cutoff)) {
		s.mu.Unlock()
		return false
	}
	s.released = true
	s.mu.Unlock()
	s.nav.Close()
	return true
}

// discard releases the session of a deleted conversation. It produces no
// further records.
func (s *Session) discard() {
	s.mu.Lock()
	s.deleted = true
	s.mu.Unlock()
	s.release()
}

// streamer is the send path used by Send and by the branch controller.
type streamer struct {
	s        *Session
	onUpdate transport.UpdateFunc
	preempt  bool
	stopped  bool
}

func (st *streamer) Submit(ctx context.Context, history []model.Message, turn model.Message) error {
	return st.run(ctx, history, &turn)
}

func (st *streamer) Regenerate(ctx context.Context, history []model.Message) error {
	return st.run(ctx, history, nil)
}

func (st *streamer) emit(msg model.Message) {
	if st.onUpdate != nil {
		st.onUpdate(msg)
	}
}

func (st *streamer) run(ctx context.Context, history []model.Message, turn *model.Message) error {
	s := st.s

	streamCtx, cancel, id, err := s.beginStream(ctx, st.preempt)
	if err != nil {
		return err
	}
	defer s.endStream(id, cancel)

	spanCtx, span := s.svc.tracer.Start(streamCtx, "session.stream",
		trace.WithAttributes(
			attribute.String("conversation.id", s.id),
			attribute.Bool("stream.regenerate", turn == nil),
		))
	defer span.End()

	epoch := s.tree.Epoch()
	seq := history[:len(history):len(history)]
	if turn != nil {
		seq = append(seq, *turn)
		s.tree.Reconcile(seq, epoch)
		metrics.MessagesTotal.WithLabelValues(string(model.RoleUser)).Inc()
		st.emit(*turn)
	}
	seq = seq[:len(seq):len(seq)]

	final, err := s.svc.transport.Stream(spanCtx, transport.Request{
		ConversationID: s.id,
		UserID:         s.userID,
		History:        seq,
		Model:          s.modelID(),
	}, func(msg model.Message) {
		s.tree.Reconcile(append(seq, msg), epoch)
		st.emit(msg)
	})
	if len(final.Parts) > 0 {
		s.tree.Reconcile(append(seq, final), epoch)
	}

	if err != nil {
		if streamCtx.Err() != nil {
			st.stopped = true
			span.SetAttributes(attribute.Bool("stream.stopped", true))
			s.logger.Info("stream stopped", zap.String("message_id", final.ID))
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream failed")
		s.logger.Warn("stream failed, keeping partial reply",
			zap.String("message_id", final.ID),
			zap.Error(err),
		)
		return err
	}

	metrics.MessagesTotal.WithLabelValues(string(model.RoleAssistant)).Inc()
	if s.tree.Epoch() == epoch {
		s.nav.Completed(final)
	}
	s.observeTitle()
	return nil
}
