// Package memory is an in-process repository.Store used for local runs and tests.
package memory

import (
	"context"
	"errors"
	"sync"

	"aivr-agent/internal/repository"
)

type Store struct {
	mu          sync.RWMutex
	containers  map[string]struct{}
	collections map[repository.Collection]map[string]repository.Document
}

func NewStore() *Store {
	return &Store{
		containers:  make(map[string]struct{}),
		collections: make(map[repository.Collection]map[string]repository.Document),
	}
}

func (s *Store) LookupContainer(_ context.Context, name string) (repository.Container, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.containers[name]; !ok {
		return repository.Container{}, repository.NewError(repository.KindNotFound, "LookupContainer", errors.New(name))
	}
	return repository.Container{Name: name}, nil
}

func (s *Store) CreateContainer(_ context.Context, name string) (repository.Container, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.containers[name]; ok {
		return repository.Container{}, repository.NewError(repository.KindAlreadyExists, "CreateContainer", errors.New(name))
	}
	s.containers[name] = struct{}{}
	return repository.Container{Name: name}, nil
}

func (s *Store) LookupCollection(_ context.Context, c repository.Container, name string) (repository.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	col := repository.Collection{Container: c.Name, Name: name}
	if _, ok := s.collections[col]; !ok {
		return repository.Collection{}, repository.NewError(repository.KindNotFound, "LookupCollection", errors.New(name))
	}
	return col, nil
}

func (s *Store) CreateCollection(_ context.Context, c repository.Container, name string) (repository.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.containers[c.Name]; !ok {
		return repository.Collection{}, repository.NewError(repository.KindNotFound, "CreateCollection", errors.New(c.Name))
	}
	col := repository.Collection{Container: c.Name, Name: name}
	if _, ok := s.collections[col]; ok {
		return repository.Collection{}, repository.NewError(repository.KindAlreadyExists, "CreateCollection", errors.New(name))
	}
	s.collections[col] = make(map[string]repository.Document)
	return col, nil
}

func (s *Store) GetItem(_ context.Context, col repository.Collection, key string) (repository.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items, ok := s.collections[col]
	if !ok {
		return repository.Document{}, repository.NewError(repository.KindNotFound, "GetItem", errors.New(col.Name))
	}
	doc, ok := items[key]
	if !ok {
		return repository.Document{}, repository.NewError(repository.KindNotFound, "GetItem", errors.New(key))
	}
	return doc, nil
}

func (s *Store) UpdateItem(_ context.Context, col repository.Collection, key string, doc repository.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, ok := s.collections[col]
	if !ok {
		return repository.NewError(repository.KindNotFound, "UpdateItem", errors.New(col.Name))
	}
	if _, ok := items[key]; !ok {
		return repository.NewError(repository.KindNotFound, "UpdateItem", errors.New(key))
	}
	items[key] = doc
	return nil
}

func (s *Store) CreateItem(_ context.Context, col repository.Collection, key string, doc repository.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, ok := s.collections[col]
	if !ok {
		return repository.NewError(repository.KindNotFound, "CreateItem", errors.New(col.Name))
	}
	if _, ok := items[key]; ok {
		return repository.NewError(repository.KindAlreadyExists, "CreateItem", errors.New(key))
	}
	items[key] = doc
	return nil
}

func (s *Store) DeleteItem(_ context.Context, col repository.Collection, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, ok := s.collections[col]
	if !ok {
		return repository.NewError(repository.KindNotFound, "DeleteItem", errors.New(col.Name))
	}
	if _, ok := items[key]; !ok {
		return repository.NewError(repository.KindNotFound, "DeleteItem", errors.New(key))
	}
	delete(items, key)
	return nil
}

func (s *Store) DeleteItemIfExpires(_ context.Context, col repository.Collection, key string, expiresAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.collections[col][key]
	if !ok || doc.ExpiresAt != expiresAt {
		return repository.NewError(repository.KindNotFound, "DeleteItemIfExpires", errors.New(key))
	}
	delete(s.collections[col], key)
	return nil
}

// Len returns the number of items physically stored in a collection.
func (s *Store) Len(col repository.Collection) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[col])
}

// Has reports whether a key is physically stored, regardless of expiry.
func (s *Store) Has(col repository.Collection, key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.collections[col][key]
	return ok
}
