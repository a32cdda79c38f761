package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-engine/internal/model"
	"github.com/capitalize-ai/conversation-engine/internal/persist"
	"github.com/capitalize-ai/conversation-engine/pkg/logger"
)

// DefaultRecordBucket is the KeyValue bucket holding conversation records.
const DefaultRecordBucket = "CONVERSATION_RECORDS"

const guestKey = "guest"

// Connectivity reports whether the cloud tier is reachable.
type Connectivity interface {
	IsConnected() bool
}

// RecordSync stores conversation records in a JetStream KeyValue bucket,
// keyed by owner and conversation id.
type RecordSync struct {
	conn   Connectivity
	kv     jetstream.KeyValue
	logger *logger.Logger
}

// EnsureRecordBucket opens the records bucket, creating it when missing.
func EnsureRecordBucket(ctx context.Context, client *Client, bucket string) (jetstream.KeyValue, error) {
	js := client.JetStream()

	kv, err := js.KeyValue(ctx, bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, fmt.Errorf("failed to open bucket %s: %w", bucket, err)
	}

	kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "Latest record of every synced conversation",
		History:     1,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	return kv, nil
}

// NewRecordSync creates a cloud tier over kv.
func NewRecordSync(conn Connectivity, kv jetstream.KeyValue, log *logger.Logger) *RecordSync {
	return &RecordSync{
		conn:   conn,
		kv:     kv,
		logger: log.Named("cloud"),
	}
}

// RecordKey returns the bucket key for a conversation. Characters outside
// the KeyValue key alphabet are replaced.
func RecordKey(userID, conversationID string) string {
	if userID == "" {
		userID = guestKey
	}
	return sanitizeToken(userID) + "." + sanitizeToken(conversationID)
}

func sanitizeToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '=':
			return r
		default:
			return '_'
		}
	}, s)
}

// Upload writes the record. Without a connection nothing is attempted and
// persist.ErrOffline is returned.
func (s *RecordSync) Upload(ctx context.Context, rec *model.Conversation) error {
	if !s.conn.IsConnected() {
		return persist.ErrOffline
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}

	rev, err := s.kv.Put(ctx, RecordKey(rec.UserID, rec.ID), data)
	if err != nil {
		return s.classify(err)
	}

	s.logger.Debug("conversation uploaded",
		zap.String("conversation_id", rec.ID),
		zap.Uint64("revision", rev),
		zap.Int("bytes", len(data)),
	)
	return nil
}

// Download reads a record.
func (s *RecordSync) Download(ctx context.Context, userID, id string) (*model.Conversation, error) {
	if !s.conn.IsConnected() {
		return nil, persist.ErrOffline
	}

	entry, err := s.kv.Get(ctx, RecordKey(userID, id))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, persist.ErrNotFound
	}
	if err != nil {
		return nil, s.classify(err)
	}

	var rec model.Conversation
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode conversation: %w", err)
	}
	if rec.UserID != userID {
		return nil, persist.ErrNotFound
	}
	return &rec, nil
}

// Delete purges a record and its history.
func (s *RecordSync) Delete(ctx context.Context, userID, id string) error {
	if !s.conn.IsConnected() {
		return persist.ErrOffline
	}
	err := s.kv.Purge(ctx, RecordKey(userID, id))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return s.classify(err)
	}
	return nil
}

// classify maps failures caused by a dropped connection to ErrOffline.
func (s *RecordSync) classify(err error) error {
	if !s.conn.IsConnected() {
		return fmt.Errorf("%w: %v", persist.ErrOffline, err)
	}
	return fmt.Errorf("cloud tier: %w", err)
}
