package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"aivr-agent/internal/repository"
)

func TestResolveOrCreate_ProvisionsOnce(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	c, err := repository.ResolveOrCreateContainer(ctx, s, "aivr")
	require.NoError(t, err)
	require.Equal(t, "aivr", c.Name)

	col, err := repository.ResolveOrCreateCollection(ctx, s, c, "aivr_storage")
	require.NoError(t, err)
	require.Equal(t, repository.Collection{Container: "aivr", Name: "aivr_storage"}, col)

	// second resolution goes through lookup
	again, err := repository.ResolveOrCreateCollection(ctx, s, c, "aivr_storage")
	require.NoError(t, err)
	require.Equal(t, col, again)
}

func TestResolveOrCreate_ConcurrentColdStartsAreBenign(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := repository.ResolveOrCreateContainer(ctx, s, "aivr")
			if err != nil {
				errs[i] = err
				return
			}
			_, errs[i] = repository.ResolveOrCreateCollection(ctx, s, c, "aivr_storage")
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
}

func TestItems_NotFoundKinds(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	c, _ := repository.ResolveOrCreateContainer(ctx, s, "aivr")
	col, _ := repository.ResolveOrCreateCollection(ctx, s, c, "items")

	_, err := s.GetItem(ctx, col, "missing")
	require.ErrorIs(t, err, repository.ErrNotFound)

	err = s.UpdateItem(ctx, col, "missing", repository.Document{Value: "v"})
	require.ErrorIs(t, err, repository.ErrNotFound)

	err = s.DeleteItem(ctx, col, "missing")
	require.ErrorIs(t, err, repository.ErrNotFound)

	require.NoError(t, s.CreateItem(ctx, col, "k", repository.Document{Value: "v"}))
	err = s.CreateItem(ctx, col, "k", repository.Document{Value: "v2"})
	require.ErrorIs(t, err, repository.ErrAlreadyExists)
	require.Equal(t, repository.KindAlreadyExists, repository.KindOf(err))

	doc, err := s.GetItem(ctx, col, "k")
	require.NoError(t, err)
	require.Equal(t, "v", doc.Value)
}

func TestKindOf_ForeignError(t *testing.T) {
	require.Equal(t, repository.KindOther, repository.KindOf(errors.New("boom")))
}

func TestDeleteItemIfExpires_OnlyMatchingDeadline(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	c, _ := repository.ResolveOrCreateContainer(ctx, s, "aivr")
	col, _ := repository.ResolveOrCreateCollection(ctx, s, c, "items")

	require.NoError(t, s.CreateItem(ctx, col, "k", repository.Document{Value: "v", ExpiresAt: 100}))

	err := s.DeleteItemIfExpires(ctx, col, "k", 50)
	require.ErrorIs(t, err, repository.ErrNotFound)
	require.True(t, s.Has(col, "k"))

	require.NoError(t, s.DeleteItemIfExpires(ctx, col, "k", 100))
	require.False(t, s.Has(col, "k"))

	err = s.DeleteItemIfExpires(ctx, col, "k", 100)
	require.ErrorIs(t, err, repository.ErrNotFound)
}
