// Package ttlstore provides an expiring key/value store on top of a document
// store that has no native expiry. The deadline travels inside each document
// and is checked when the key is read.
package ttlstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"aivr-agent/internal/repository"
)

const (
	DefaultContainer  = "aivr"
	DefaultCollection = "aivr_storage"
)

// Dispatcher runs best-effort background work.
type Dispatcher interface {
	Go(ctx context.Context, name string, fn func(ctx context.Context) error)
}

type Store struct {
	repo       repository.Store
	dispatcher Dispatcher
	logger     *slog.Logger
	now        func() time.Time

	containerName  string
	collectionName string

	mu  sync.Mutex
	col *repository.Collection
}

type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithNames overrides the container and collection the store provisions.
func WithNames(container, collection string) Option {
	return func(s *Store) {
		if container != "" {
			s.containerName = container
		}
		if collection != "" {
			s.collectionName = collection
		}
	}
}

func New(repo repository.Store, dispatcher Dispatcher, logger *slog.Logger, opts ...Option) (*Store, error) {
	if repo == nil {
		return nil, errors.New("ttlstore: repo must not be nil")
	}
	if dispatcher == nil {
		return nil, errors.New("ttlstore: dispatcher must not be nil")
	}
	if logger == nil {
		return nil, errors.New("ttlstore: logger must not be nil")
	}

	s := &Store{
		repo:           repo,
		dispatcher:     dispatcher,
		logger:         logger,
		now:            time.Now,
		containerName:  DefaultContainer,
		collectionName: DefaultCollection,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// collection resolves the backing collection, creating it on first use. Only
// a successful resolution is cached; a failure is retried on the next call.
func (s *Store) collection(ctx context.Context) (repository.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.col != nil {
		return *s.col, nil
	}

	c, err := repository.ResolveOrCreateContainer(ctx, s.repo, s.containerName)
	if err != nil {
		return repository.Collection{}, fmt.Errorf("resolve container %q: %w", s.containerName, err)
	}
	col, err := repository.ResolveOrCreateCollection(ctx, s.repo, c, s.collectionName)
	if err != nil {
		return repository.Collection{}, fmt.Errorf("resolve collection %q: %w", s.collectionName, err)
	}

	s.col = &col
	return col, nil
}

// Get returns the live value stored under key. Missing and expired keys both
// report ok=false; an expired key is also deleted in the background, unless a
// Set has given it a new deadline by the time the delete runs.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	col, err := s.collection(ctx)
	if err != nil {
		return "", false, fmt.Errorf("ttlstore: Get: %w", err)
	}

	doc, err := s.repo.GetItem(ctx, col, key)
	if errors.Is(err, repository.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("ttlstore: Get %q: %w", key, err)
	}

	if doc.Expired(s.now()) {
		expiresAt := doc.ExpiresAt
		s.dispatcher.Go(ctx, "ttlstore.expire", func(ctx context.Context) error {
			err := s.repo.DeleteItemIfExpires(ctx, col, key, expiresAt)
			if err != nil && !errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("ttlstore: expire %q: %w", key, err)
			}
			return nil
		})
		return "", false, nil
	}
	return doc.Value, true, nil
}

// Set stores value under key. A positive ttl sets a deadline of now+ttl; zero
// stores the value without expiry. The write is update-then-create and is not
// transactional: concurrent writers resolve to last-write-wins.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		return fmt.Errorf("ttlstore: Set %q: negative ttl %s", key, ttl)
	}

	col, err := s.collection(ctx)
	if err != nil {
		return fmt.Errorf("ttlstore: Set: %w", err)
	}

	doc := repository.Document{Value: value}
	if ttl > 0 {
		doc.ExpiresAt = s.now().Add(ttl).UnixMilli()
	}

	err = s.repo.UpdateItem(ctx, col, key, doc)
	if errors.Is(err, repository.ErrNotFound) {
		err = s.repo.CreateItem(ctx, col, key, doc)
		if errors.Is(err, repository.ErrAlreadyExists) {
			// Another writer created the key between our update and create.
			err = s.repo.UpdateItem(ctx, col, key, doc)
		}
	}
	if err != nil {
		return fmt.Errorf("ttlstore: Set %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key succeeds.
func (s *Store) Delete(ctx context.Context, key string) error {
	col, err := s.collection(ctx)
	if err != nil {
		return fmt.Errorf("ttlstore: Delete: %w", err)
	}
	if err := s.deleteItem(ctx, col, key); err != nil {
		return fmt.Errorf("ttlstore: %w", err)
	}
	return nil
}

func (s *Store) deleteItem(ctx context.Context, col repository.Collection, key string) error {
	err := s.repo.DeleteItem(ctx, col, key)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("Delete %q: %w", key, err)
	}
	return nil
}
