// Package mediatrack remembers which stored files an outbound message carries
// and removes them once the transport confirms delivery.
package mediatrack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"aivr-agent/internal/domain"
)

// DefaultTTL bounds how long a record survives when no delivery callback arrives.
const DefaultTTL = 7 * 24 * time.Hour

const keyPrefix = "media:"

type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// FileDeleter removes a stored file by name. Deleting a missing file succeeds.
type FileDeleter interface {
	Delete(ctx context.Context, name string) error
}

type Tracker struct {
	kv     KV
	files  FileDeleter
	logger *slog.Logger
}

func New(kv KV, files FileDeleter, logger *slog.Logger) (*Tracker, error) {
	if kv == nil {
		return nil, errors.New("mediatrack: kv must not be nil")
	}
	if files == nil {
		return nil, errors.New("mediatrack: files must not be nil")
	}
	if logger == nil {
		return nil, errors.New("mediatrack: logger must not be nil")
	}
	return &Tracker{kv: kv, files: files, logger: logger}, nil
}

func recordKey(messageID string) string {
	return keyPrefix + messageID
}

// RecordPendingMedia stores the filenames attached to messageID. An empty list
// is not recorded.
func (t *Tracker) RecordPendingMedia(ctx context.Context, messageID string, filenames []string, ttl time.Duration) error {
	if len(filenames) == 0 {
		return nil
	}
	if messageID == "" {
		return errors.New("mediatrack: RecordPendingMedia: empty message id")
	}

	raw, err := json.Marshal(filenames)
	if err != nil {
		return fmt.Errorf("mediatrack: RecordPendingMedia: encode: %w", err)
	}
	if err := t.kv.Set(ctx, recordKey(messageID), string(raw), ttl); err != nil {
		return fmt.Errorf("mediatrack: RecordPendingMedia %s: %w", messageID, err)
	}
	return nil
}

// HandleStatus reacts to a delivery status callback. Only "delivered" triggers
// cleanup.
func (t *Tracker) HandleStatus(ctx context.Context, messageID, status string) error {
	if status != domain.StatusDelivered {
		t.logger.DebugContext(ctx, "ignoring message status", "message_id", messageID, "status", status)
		return nil
	}
	return t.OnDeliveryConfirmed(ctx, messageID)
}

// OnDeliveryConfirmed deletes every file recorded for messageID, then the
// record. Each file delete is independent; failures are logged and do not
// keep the record alive. A record that cannot be decoded is left for its TTL.
func (t *Tracker) OnDeliveryConfirmed(ctx context.Context, messageID string) error {
	key := recordKey(messageID)
	raw, ok, err := t.kv.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("mediatrack: OnDeliveryConfirmed %s: %w", messageID, err)
	}
	if !ok {
		return nil
	}

	var filenames []string
	if err := json.Unmarshal([]byte(raw), &filenames); err != nil {
		t.logger.ErrorContext(ctx, "malformed media record", "message_id", messageID, "err", err)
		return nil
	}

	var g errgroup.Group
	for _, name := range filenames {
		g.Go(func() error {
			if err := t.files.Delete(ctx, name); err != nil {
				t.logger.ErrorContext(ctx, "failed to delete delivered media", "message_id", messageID, "file", name, "err", err)
				return nil
			}
			t.logger.InfoContext(ctx, "deleted delivered media", "message_id", messageID, "file", name)
			return nil
		})
	}
	_ = g.Wait()

	if err := t.kv.Delete(ctx, key); err != nil {
		return fmt.Errorf("mediatrack: OnDeliveryConfirmed %s: delete record: %w", messageID, err)
	}
	return nil
}
