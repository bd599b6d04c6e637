// Package session keeps per-user conversation flags. Every field is a separate
// expiring entry, so mutating one field never touches another.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	DefaultPurpose = "whatsapp"

	fieldGreeted       = "greeted"
	fieldAwaitingStyle = "waiting_for_style"
	fieldImagePath     = "image_path"

	flagSet = "true"
)

// KV is the expiring key/value store session fields live in.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type State struct {
	kv      KV
	purpose string
}

func New(kv KV, purpose string) (*State, error) {
	if kv == nil {
		return nil, errors.New("session: kv must not be nil")
	}
	if purpose == "" {
		purpose = DefaultPurpose
	}
	return &State{kv: kv, purpose: purpose}, nil
}

func (s *State) key(userID, field string) string {
	return s.purpose + ":" + userID + ":" + field
}

func (s *State) IsGreeted(ctx context.Context, userID string) (bool, error) {
	return s.flag(ctx, userID, fieldGreeted)
}

func (s *State) MarkGreeted(ctx context.Context, userID string, ttl time.Duration) error {
	return s.set(ctx, userID, fieldGreeted, flagSet, ttl)
}

func (s *State) ClearGreeted(ctx context.Context, userID string) error {
	return s.clear(ctx, userID, fieldGreeted)
}

func (s *State) IsAwaitingStyle(ctx context.Context, userID string) (bool, error) {
	return s.flag(ctx, userID, fieldAwaitingStyle)
}

func (s *State) SetAwaitingStyle(ctx context.Context, userID string, ttl time.Duration) error {
	return s.set(ctx, userID, fieldAwaitingStyle, flagSet, ttl)
}

func (s *State) ClearAwaitingStyle(ctx context.Context, userID string) error {
	return s.clear(ctx, userID, fieldAwaitingStyle)
}

// PendingImagePath returns the stored upload reference, or "" when none is set.
func (s *State) PendingImagePath(ctx context.Context, userID string) (string, error) {
	v, _, err := s.kv.Get(ctx, s.key(userID, fieldImagePath))
	if err != nil {
		return "", fmt.Errorf("session: PendingImagePath: %w", err)
	}
	return v, nil
}

func (s *State) SetPendingImagePath(ctx context.Context, userID, path string, ttl time.Duration) error {
	return s.set(ctx, userID, fieldImagePath, path, ttl)
}

func (s *State) ClearPendingImagePath(ctx context.Context, userID string) error {
	return s.clear(ctx, userID, fieldImagePath)
}

func (s *State) flag(ctx context.Context, userID, field string) (bool, error) {
	v, ok, err := s.kv.Get(ctx, s.key(userID, field))
	if err != nil {
		return false, fmt.Errorf("session: read %s: %w", field, err)
	}
	return ok && v == flagSet, nil
}

func (s *State) set(ctx context.Context, userID, field, value string, ttl time.Duration) error {
	if err := s.kv.Set(ctx, s.key(userID, field), value, ttl); err != nil {
		return fmt.Errorf("session: set %s: %w", field, err)
	}
	return nil
}

func (s *State) clear(ctx context.Context, userID, field string) error {
	if err := s.kv.Delete(ctx, s.key(userID, field)); err != nil {
		return fmt.Errorf("session: clear %s: %w", field, err)
	}
	return nil
}
