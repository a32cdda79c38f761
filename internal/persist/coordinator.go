package persist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-engine/internal/model"
	"github.com/capitalize-ai/conversation-engine/pkg/logger"
	"github.com/capitalize-ai/conversation-engine/pkg/metrics"
	"github.com/capitalize-ai/conversation-engine/pkg/tracing"
)

const (
	// DefaultDebounce is the quiet period before a local write.
	DefaultDebounce = 2000 * time.Millisecond

	// DefaultSyncTimeout bounds a single cloud upload.
	DefaultSyncTimeout = 30 * time.Second
)

// Config holds coordinator tuning.
type Config struct {
	Debounce    time.Duration
	SyncTimeout time.Duration
}

// Coordinator is the process-wide persistence service. Conversations are
// tracked by id while open; every change restarts that conversation's
// debounce window.
type Coordinator struct {
	local  LocalCache
	cloud  CloudSync
	cfg    Config
	logger *logger.Logger
	tracer trace.Tracer

	mu       sync.Mutex
	ready    bool
	closed   bool
	entries  map[string]*entry
	onStatus StatusFunc
	wg       sync.WaitGroup
}

type entry struct {
	id        string
	source    Source
	syncCloud bool

	timer *time.Timer
	gen   uint64
	armed bool

	writing bool
	queued  bool

	syncing bool
	resync  *model.Conversation

	// Closed and cleared when writing or syncing drops to false.
	writeDone chan struct{}
	syncDone  chan struct{}

	// deleted entries never write or upload again.
	deleted bool

	status model.SyncStatus
}

func wake(ch *chan struct{}) {
	if *ch != nil {
		close(*ch)
		*ch = nil
	}
}

// wait blocks until e has no local write in flight and, with cloud set, no
// upload either.
func (c *Coordinator) wait(ctx context.Context, e *entry, cloud bool) error {
	for {
		var ch chan struct{}
		c.mu.Lock()
		switch {
		case e.writing:
			if e.writeDone == nil {
				e.writeDone = make(chan struct{})
			}
			ch = e.writeDone
		case cloud && e.syncing:
			if e.syncDone == nil {
				e.syncDone = make(chan struct{})
			}
			ch = e.syncDone
		}
		c.mu.Unlock()
		if ch == nil {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// NewCoordinator creates a coordinator. cloud may be nil, in which case
// records stay local.
func NewCoordinator(local LocalCache, cloud CloudSync, cfg Config, log *logger.Logger) *Coordinator {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = DefaultSyncTimeout
	}
	return &Coordinator{
		local:   local,
		cloud:   cloud,
		cfg:     cfg,
		logger:  log.Named("persist"),
		tracer:  tracing.Tracer("persist"),
		entries: make(map[string]*entry),
	}
}

// Initialize verifies the local tier and enables writes.
func (c *Coordinator) Initialize(ctx context.Context) error {
	if p, ok := c.local.(Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("local cache unavailable: %w", err)
		}
	}

	c.mu.Lock()
	c.ready = true
	c.closed = false
	c.mu.Unlock()

	c.logger.Info("persistence initialized",
		zap.Bool("cloud_enabled", c.cloud != nil),
		zap.Duration("debounce", c.cfg.Debounce),
	)
	return nil
}

// OnStatus registers the sync status observer.
func (c *Coordinator) OnStatus(fn StatusFunc) {
	c.mu.Lock()
	c.onStatus = fn
	c.mu.Unlock()
}

// Track starts persisting a conversation. syncCloud is false for guest and
// ephemeral conversations.
func (c *Coordinator) Track(id string, src Source, syncCloud bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		e.source = src
		e.syncCloud = syncCloud && c.cloud != nil
		return
	}
	c.entries[id] = &entry{
		id:        id,
		source:    src,
		syncCloud: syncCloud && c.cloud != nil,
		status:    model.SyncIdle,
	}
}

// Touch records a change. Outside a write it restarts the debounce window;
// during a write it queues exactly one follow-up write.
func (c *Coordinator) Touch(id string) {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok || !c.ready || c.closed {
		c.mu.Unlock()
		return
	}
	if e.writing {
		e.queued = true
	} else {
		c.armLocked(e)
	}
	changed := e.syncCloud && e.status != model.SyncPending
	if changed {
		e.status = model.SyncPending
	}
	c.mu.Unlock()

	if changed {
		c.notify(id, model.SyncPending)
	}
}

func (c *Coordinator) armLocked(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.gen++
	gen := e.gen
	e.armed = true
	e.timer = time.AfterFunc(c.cfg.Debounce, func() {
		c.mu.Lock()
		stale := e.gen != gen || !e.armed
		c.mu.Unlock()
		if stale {
			return
		}
		_ = c.flush(context.Background(), e)
	})
}

// SaveNow writes immediately, bypassing the debounce window. If a write is
// in flight, one follow-up write is queued instead.
func (c *Coordinator) SaveNow(ctx context.Context, id string) error {
	c.mu.Lock()
	e, ok := c.entries[id]
	ready := c.ready && !c.closed
	c.mu.Unlock()
	if !ready {
		return ErrNotInitialized
	}
	if !ok {
		return fmt.Errorf("save %s: %w", id, ErrNotFound)
	}
	return c.flush(ctx, e)
}

// Status returns the sync status of a conversation without side effects.
func (c *Coordinator) Status(id string) model.SyncStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		return e.status
	}
	return model.SyncIdle
}

// Resync uploads every tracked conversation whose last sync did not
// complete. Conversations inside a debounce window sync after their write.
// Register it with the cloud connection's reconnect hook.
func (c *Coordinator) Resync() {
	c.mu.Lock()
	if !c.ready || c.closed {
		c.mu.Unlock()
		return
	}
	var stale []*entry
	for _, e := range c.entries {
		if !e.syncCloud || e.armed || e.writing {
			continue
		}
		if e.status == model.SyncPending || e.status == model.SyncError {
			stale = append(stale, e)
		}
	}
	c.mu.Unlock()

	for _, e := range stale {
		if rec, ok := e.source(); ok {
			c.startSync(e, rec)
		}
	}
	if len(stale) > 0 {
		c.logger.Info("resyncing conversations", zap.Int("count", len(stale)))
	}
}

// Forget flushes a pending window and stops tracking the conversation. It
// returns once no local write is in flight, so a later Track of the same id
// cannot overtake it. Uploads finish in the background.
func (c *Coordinator) Forget(ctx context.Context, id string) error {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	pending := e.armed
	delete(c.entries, id)
	c.mu.Unlock()

	if pending {
		if err := c.flush(ctx, e); err != nil {
			return err
		}
	}
	return c.wait(ctx, e, false)
}

func (c *Coordinator) flush(ctx context.Context, e *entry) error {
	c.mu.Lock()
	if e.deleted {
		c.mu.Unlock()
		return nil
	}
	if e.writing {
		e.queued = true
		c.mu.Unlock()
		return nil
	}
	e.writing = true
	e.armed = false
	if e.timer != nil {
		e.timer.Stop()
	}
	c.mu.Unlock()

	for {
		err := c.writeLocal(ctx, e)

		c.mu.Lock()
		if err != nil {
			e.writing = false
			e.queued = false
			wake(&e.writeDone)
			if !c.closed && !e.deleted {
				c.armLocked(e)
			}
			c.mu.Unlock()
			return err
		}
		if !e.queued || e.deleted {
			e.writing = false
			e.queued = false
			wake(&e.writeDone)
			c.mu.Unlock()
			return nil
		}
		e.queued = false
		c.mu.Unlock()
	}
}

func (c *Coordinator) writeLocal(ctx context.Context, e *entry) error {
	c.mu.Lock()
	deleted := e.deleted
	c.mu.Unlock()
	if deleted {
		return nil
	}

	rec, ok := e.source()
	if !ok {
		return nil
	}

	ctx, span := c.tracer.Start(ctx, "persist.local_write",
		trace.WithAttributes(
			attribute.String("conversation.id", rec.ID),
			attribute.Int("conversation.nodes", len(rec.Nodes)),
		))
	defer span.End()

	start := time.Now()
	err := c.local.Upsert(ctx, rec)
	metrics.LocalWriteDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.LocalWrites.WithLabelValues("failure").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "local write failed")
		c.logger.Warn("local write failed, retrying next cycle",
			zap.String("conversation_id", rec.ID),
			zap.Error(err),
		)
		return fmt.Errorf("local write %s: %w", rec.ID, err)
	}
	metrics.LocalWrites.WithLabelValues("success").Inc()

	c.mu.Lock()
	syncCloud := e.syncCloud
	c.mu.Unlock()

	if syncCloud {
		c.startSync(e, rec)
	} else {
		c.setStatus(e, model.SyncIdle)
	}
	return nil
}

// startSync uploads rec in the background. A record arriving while an
// upload runs replaces any earlier waiting one.
func (c *Coordinator) startSync(e *entry, rec *model.Conversation) {
	c.mu.Lock()
	if e.deleted {
		c.mu.Unlock()
		return
	}
	if e.syncing {
		e.resync = rec
		c.mu.Unlock()
		return
	}
	e.syncing = true
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		for rec != nil {
			status := c.upload(rec)

			c.mu.Lock()
			next := e.resync
			e.resync = nil
			if e.deleted {
				next = nil
			}
			if next == nil {
				e.syncing = false
				wake(&e.syncDone)
			}
			c.mu.Unlock()

			c.setStatus(e, status)
			rec = next
		}
	}()
}

func (c *Coordinator) upload(rec *model.Conversation) model.SyncStatus {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SyncTimeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "persist.cloud_sync",
		trace.WithAttributes(attribute.String("conversation.id", rec.ID)))
	defer span.End()

	err := c.cloud.Upload(ctx, rec)
	switch {
	case err == nil:
		metrics.CloudSyncs.WithLabelValues("success").Inc()
		return model.SyncSynced
	case errors.Is(err, ErrOffline):
		metrics.CloudSyncs.WithLabelValues("offline").Inc()
		c.logger.Debug("cloud sync skipped while offline", zap.String("conversation_id", rec.ID))
		return model.SyncPending
	default:
		metrics.CloudSyncs.WithLabelValues("failure").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "cloud sync failed")
		c.logger.Warn("cloud sync failed",
			zap.String("conversation_id", rec.ID),
			zap.Error(err),
		)
		return model.SyncError
	}
}

func (c *Coordinator) setStatus(e *entry, status model.SyncStatus) {
	c.mu.Lock()
	if e.deleted {
		c.mu.Unlock()
		return
	}
	changed := e.status != status
	e.status = status
	c.mu.Unlock()
	if changed {
		c.notify(e.id, status)
	}
}

func (c *Coordinator) notify(id string, status model.SyncStatus) {
	c.mu.Lock()
	fn := c.onStatus
	c.mu.Unlock()
	if fn != nil {
		fn(id, status)
	}
}

// Load reads a record, falling back to the cloud tier when the local cache
// misses. A cloud hit is written back to the local cache.
func (c *Coordinator) Load(ctx context.Context, userID, id string) (*model.Conversation, error) {
	rec, err := c.local.Get(ctx, id)
	if err == nil {
		if rec.UserID != userID {
			return nil, ErrNotFound
		}
		return rec, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("local read %s: %w", id, err)
	}
	if c.cloud == nil || userID == "" {
		return nil, ErrNotFound
	}

	rec, err = c.cloud.Download(ctx, userID, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrOffline) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("cloud read %s: %w", id, err)
	}
	if err := c.local.Upsert(ctx, rec); err != nil {
		c.logger.Warn("failed to warm local cache",
			zap.String("conversation_id", id),
			zap.Error(err),
		)
	}
	return rec, nil
}

// List returns a user's records from the local cache, newest first.
func (c *Coordinator) List(ctx context.Context, userID string) ([]model.Conversation, error) {
	recs, err := c.local.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return recs, nil
}

// Delete stops tracking a conversation and removes it from both tiers. A
// write or upload already in flight is waited for, so neither can put the
// record back afterwards.
func (c *Coordinator) Delete(ctx context.Context, userID, id string) error {
	c.mu.Lock()
	e, ok := c.entries[id]
	if ok {
		e.deleted = true
		e.armed = false
		e.queued = false
		e.resync = nil
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(c.entries, id)
	}
	c.mu.Unlock()

	if ok {
		if err := c.wait(ctx, e, true); err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
	}

	if err := c.local.Delete(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("local delete %s: %w", id, err)
	}
	if c.cloud == nil || userID == "" {
		return nil
	}
	if err := c.cloud.Delete(ctx, userID, id); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("cloud delete %s: %w", id, err)
	}
	return nil
}

// Close flushes every open debounce window and waits for running uploads.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	var pending []*entry
	for _, e := range c.entries {
		if e.armed {
			pending = append(pending, e)
		}
	}
	c.mu.Unlock()

	var errs []error
	for _, e := range pending {
		if err := c.flush(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for cloud sync: %w", ctx.Err()))
	}

	c.mu.Lock()
	c.ready = false
	c.mu.Unlock()

	return errors.Join(errs...)
}
