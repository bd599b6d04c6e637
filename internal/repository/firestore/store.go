// Package firestore implements repository.Store on Cloud Firestore.
//
// Layout: containers/{container}/collections/{collection}/items/{key}. Container
// and collection documents are markers; items hold the payload fields.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"aivr-agent/internal/repository"
)

const (
	containersCol  = "containers"
	collectionsCol = "collections"
	itemsCol       = "items"

	fieldValue   = "_value"
	fieldExpires = "_expires"
)

type Store struct {
	client *firestore.Client
}

// NewStore creates a Firestore store for projectID.
func NewStore(ctx context.Context, projectID string) (*Store, error) {
	if projectID == "" {
		return nil, errors.New("firestore: projectID is required")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("firestore: creating client: %w", err)
	}
	return &Store{client: client}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (s *Store) containerDoc(name string) *firestore.DocumentRef {
	return s.client.Collection(containersCol).Doc(docID(name))
}

func (s *Store) collectionDoc(container, name string) *firestore.DocumentRef {
	return s.containerDoc(container).Collection(collectionsCol).Doc(docID(name))
}

func (s *Store) itemDoc(col repository.Collection, key string) *firestore.DocumentRef {
	return s.collectionDoc(col.Container, col.Name).Collection(itemsCol).Doc(docID(key))
}

// docID makes an arbitrary key usable as a document id. Ids may not contain
// "/" and may not be "." or "..".
func docID(key string) string {
	switch key {
	case ".":
		return "%2E"
	case "..":
		return "%2E%2E"
	}
	return url.PathEscape(key)
}

type markerDoc struct {
	CreatedAt time.Time `firestore:"created_at"`
}

type itemDoc struct {
	Value   string `firestore:"_value"`
	Expires int64  `firestore:"_expires,omitempty"`
}

// ---------------------------------------------------------------------------
// repository.Store implementation
// ---------------------------------------------------------------------------

func (s *Store) LookupContainer(ctx context.Context, name string) (repository.Container, error) {
	if _, err := s.containerDoc(name).Get(ctx); err != nil {
		return repository.Container{}, classify("LookupContainer", err)
	}
	return repository.Container{Name: name}, nil
}

func (s *Store) CreateContainer(ctx context.Context, name string) (repository.Container, error) {
	if _, err := s.containerDoc(name).Create(ctx, markerDoc{CreatedAt: time.Now().UTC()}); err != nil {
		return repository.Container{}, classify("CreateContainer", err)
	}
	return repository.Container{Name: name}, nil
}

func (s *Store) LookupCollection(ctx context.Context, c repository.Container, name string) (repository.Collection, error) {
	if _, err := s.collectionDoc(c.Name, name).Get(ctx); err != nil {
		return repository.Collection{}, classify("LookupCollection", err)
	}
	return repository.Collection{Container: c.Name, Name: name}, nil
}

func (s *Store) CreateCollection(ctx context.Context, c repository.Container, name string) (repository.Collection, error) {
	if _, err := s.collectionDoc(c.Name, name).Create(ctx, markerDoc{CreatedAt: time.Now().UTC()}); err != nil {
		return repository.Collection{}, classify("CreateCollection", err)
	}
	return repository.Collection{Container: c.Name, Name: name}, nil
}

func (s *Store) GetItem(ctx context.Context, col repository.Collection, key string) (repository.Document, error) {
	snap, err := s.itemDoc(col, key).Get(ctx)
	if err != nil {
		return repository.Document{}, classify("GetItem", err)
	}

	var doc itemDoc
	if err := snap.DataTo(&doc); err != nil {
		return repository.Document{}, repository.NewError(repository.KindOther, "GetItem", fmt.Errorf("decode item: %w", err))
	}
	return repository.Document{Value: doc.Value, ExpiresAt: doc.Expires}, nil
}

// UpdateItem fails with KindNotFound when the item does not exist.
func (s *Store) UpdateItem(ctx context.Context, col repository.Collection, key string, doc repository.Document) error {
	var expires interface{} = firestore.Delete
	if doc.ExpiresAt > 0 {
		expires = doc.ExpiresAt
	}

	_, err := s.itemDoc(col, key).Update(ctx, []firestore.Update{
		{Path: fieldValue, Value: doc.Value},
		{Path: fieldExpires, Value: expires},
	})
	if err != nil {
		return classify("UpdateItem", err)
	}
	return nil
}

// CreateItem fails with KindAlreadyExists when the item exists.
func (s *Store) CreateItem(ctx context.Context, col repository.Collection, key string, doc repository.Document) error {
	if _, err := s.itemDoc(col, key).Create(ctx, itemDoc{Value: doc.Value, Expires: doc.ExpiresAt}); err != nil {
		return classify("CreateItem", err)
	}
	return nil
}

// DeleteItem fails with KindNotFound when the item does not exist.
func (s *Store) DeleteItem(ctx context.Context, col repository.Collection, key string) error {
	if _, err := s.itemDoc(col, key).Delete(ctx, firestore.Exists); err != nil {
		return classify("DeleteItem", err)
	}
	return nil
}

// DeleteItemIfExpires reads the item and deletes it with a last-update-time
// precondition, so a write landing between the read and the delete wins.
func (s *Store) DeleteItemIfExpires(ctx context.Context, col repository.Collection, key string, expiresAt int64) error {
	ref := s.itemDoc(col, key)
	snap, err := ref.Get(ctx)
	if err != nil {
		return classify("DeleteItemIfExpires", err)
	}

	var doc itemDoc
	if err := snap.DataTo(&doc); err != nil {
		return repository.NewError(repository.KindOther, "DeleteItemIfExpires", fmt.Errorf("decode item: %w", err))
	}
	if doc.Expires != expiresAt {
		return repository.NewError(repository.KindNotFound, "DeleteItemIfExpires", fmt.Errorf("key %q rewritten", key))
	}

	if _, err := ref.Delete(ctx, firestore.LastUpdateTime(snap.UpdateTime)); err != nil {
		if status.Code(err) == codes.FailedPrecondition {
			return repository.NewError(repository.KindNotFound, "DeleteItemIfExpires", err)
		}
		return classify("DeleteItemIfExpires", err)
	}
	return nil
}

func classify(op string, err error) error {
	return repository.NewError(kindOf(err), op, err)
}

func kindOf(err error) repository.Kind {
	switch status.Code(err) {
	case codes.NotFound:
		return repository.KindNotFound
	case codes.AlreadyExists:
		return repository.KindAlreadyExists
	case codes.InvalidArgument, codes.PermissionDenied, codes.Unauthenticated, codes.FailedPrecondition:
		return repository.KindOther
	default:
		return repository.KindTransient
	}
}
