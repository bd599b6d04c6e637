// Package repository defines the remote document store contract that the TTL
// store is built on, and the error kinds every backend maps its failures to.
package repository

import (
	"context"
	"errors"
	"time"
)

// Container is a resolved top-level namespace (table, schema, root document).
type Container struct {
	Name string
}

// Collection is a resolved item namespace inside a container.
type Collection struct {
	Container string
	Name      string
}

// Document is the payload persisted for every key. ExpiresAt is a unix
// millisecond deadline; zero means the document never expires.
type Document struct {
	Value     string
	ExpiresAt int64
}

// Expired reports whether the embedded deadline has elapsed at now.
func (d Document) Expired(now time.Time) bool {
	return d.ExpiresAt > 0 && now.UnixMilli() >= d.ExpiresAt
}

// Store is the document store collaborator. Implementations report missing
// containers, collections and items with KindNotFound and duplicate creations
// with KindAlreadyExists.
type Store interface {
	LookupContainer(ctx context.Context, name string) (Container, error)
	CreateContainer(ctx context.Context, name string) (Container, error)
	LookupCollection(ctx context.Context, c Container, name string) (Collection, error)
	CreateCollection(ctx context.Context, c Container, name string) (Collection, error)

	GetItem(ctx context.Context, col Collection, key string) (Document, error)
	UpdateItem(ctx context.Context, col Collection, key string, doc Document) error
	CreateItem(ctx context.Context, col Collection, key string, doc Document) error
	DeleteItem(ctx context.Context, col Collection, key string) error
	// DeleteItemIfExpires removes key only while its stored deadline is still
	// expiresAt. A missing item, or one rewritten with another deadline, is
	// left alone and reported with KindNotFound.
	DeleteItemIfExpires(ctx context.Context, col Collection, key string, expiresAt int64) error
}

// ResolveOrCreateContainer looks the container up and creates it when it does
// not exist. Lookup and create are not atomic: a concurrent creator makes the
// create fail with KindAlreadyExists, which is treated as success.
func ResolveOrCreateContainer(ctx context.Context, s Store, name string) (Container, error) {
	c, err := s.LookupContainer(ctx, name)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Container{}, err
	}
	c, err = s.CreateContainer(ctx, name)
	if err != nil && !errors.Is(err, ErrAlreadyExists) {
		return Container{}, err
	}
	return Container{Name: name}, nil
}

// ResolveOrCreateCollection is the collection counterpart of
// ResolveOrCreateContainer and has the same race tolerance.
func ResolveOrCreateCollection(ctx context.Context, s Store, c Container, name string) (Collection, error) {
	col, err := s.LookupCollection(ctx, c, name)
	if err == nil {
		return col, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Collection{}, err
	}
	col, err = s.CreateCollection(ctx, c, name)
	if err != nil && !errors.Is(err, ErrAlreadyExists) {
		return Collection{}, err
	}
	return Collection{Container: c.Name, Name: name}, nil
}
