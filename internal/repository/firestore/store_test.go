package firestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"aivr-agent/internal/repository"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want repository.Kind
	}{
		{status.Error(codes.NotFound, "no document"), repository.KindNotFound},
		{status.Error(codes.AlreadyExists, "exists"), repository.KindAlreadyExists},
		{status.Error(codes.Unavailable, "try later"), repository.KindTransient},
		{status.Error(codes.DeadlineExceeded, "slow"), repository.KindTransient},
		{status.Error(codes.PermissionDenied, "nope"), repository.KindOther},
		{errors.New("connection reset"), repository.KindTransient},
		{fmt.Errorf("wrapped: %w", status.Error(codes.NotFound, "x")), repository.KindNotFound},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, kindOf(tc.err), tc.err.Error())
	}
}

func TestClassify_KeepsCause(t *testing.T) {
	cause := status.Error(codes.NotFound, "no document")
	err := classify("GetItem", cause)
	require.ErrorIs(t, err, repository.ErrNotFound)
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "GetItem")
}

func TestDocID(t *testing.T) {
	require.Equal(t, "whatsapp:+15550001111:greeted", docID("whatsapp:+15550001111:greeted"))
	require.Equal(t, "media%2Fa.png", docID("media/a.png"))
	require.Equal(t, "%2E", docID("."))
	require.Equal(t, "%2E%2E", docID(".."))
}

// The contract test runs against the Firestore emulator when one is configured.
func TestStore_Emulator(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	ctx := context.Background()
	s, err := NewStore(ctx, "aivr-test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	name := "c-" + uuid.NewString()
	c, err := repository.ResolveOrCreateContainer(ctx, s, name)
	require.NoError(t, err)
	_, err = s.CreateContainer(ctx, name)
	require.ErrorIs(t, err, repository.ErrAlreadyExists)

	col, err := repository.ResolveOrCreateCollection(ctx, s, c, "aivr_storage")
	require.NoError(t, err)

	err = s.UpdateItem(ctx, col, "k", repository.Document{Value: "v"})
	require.ErrorIs(t, err, repository.ErrNotFound)

	require.NoError(t, s.CreateItem(ctx, col, "k", repository.Document{Value: "v", ExpiresAt: 99}))
	require.ErrorIs(t, s.CreateItem(ctx, col, "k", repository.Document{Value: "v"}), repository.ErrAlreadyExists)

	require.NoError(t, s.UpdateItem(ctx, col, "k", repository.Document{Value: "w"}))
	doc, err := s.GetItem(ctx, col, "k")
	require.NoError(t, err)
	require.Equal(t, repository.Document{Value: "w"}, doc)

	require.NoError(t, s.DeleteItem(ctx, col, "k"))
	require.ErrorIs(t, s.DeleteItem(ctx, col, "k"), repository.ErrNotFound)
	_, err = s.GetItem(ctx, col, "k")
	require.ErrorIs(t, err, repository.ErrNotFound)

	require.NoError(t, s.CreateItem(ctx, col, "ttl", repository.Document{Value: "v", ExpiresAt: 10}))
	require.NoError(t, s.UpdateItem(ctx, col, "ttl", repository.Document{Value: "v", ExpiresAt: 20}))
	require.ErrorIs(t, s.DeleteItemIfExpires(ctx, col, "ttl", 10), repository.ErrNotFound)
	require.NoError(t, s.DeleteItemIfExpires(ctx, col, "ttl", 20))
	require.ErrorIs(t, s.DeleteItemIfExpires(ctx, col, "ttl", 20), repository.ErrNotFound)
}

func TestNewStore_RequiresProject(t *testing.T) {
	_, err := NewStore(context.Background(), "")
	require.Error(t, err)
}
