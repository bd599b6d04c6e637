package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type setCall struct {
	value string
	ttl   time.Duration
}

type fakeKV struct {
	data   map[string]string
	sets   map[string]setCall
	getErr error
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: map[string]string{}, sets: map[string]setCall{}}
}

func (f *fakeKV) Get(_ context.Context, key string) (string, bool, error) {
	if f.getErr != nil {
		return "", false, f.getErr
	}
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeKV) Set(_ context.Context, key, value string, ttl time.Duration) error {
	f.data[key] = value
	f.sets[key] = setCall{value: value, ttl: ttl}
	return nil
}

func (f *fakeKV) Delete(_ context.Context, key string) error {
	delete(f.data, key)
	return nil
}

func mustNewState(t *testing.T, kv KV) *State {
	t.Helper()
	s, err := New(kv, "")
	require.NoError(t, err)
	return s
}

func TestNew_NilKV(t *testing.T) {
	_, err := New(nil, "")
	require.Error(t, err)
}

func TestGreeted_RoundTrip(t *testing.T) {
	kv := newFakeKV()
	s := mustNewState(t, kv)
	ctx := context.Background()

	ok, err := s.IsGreeted(ctx, "+15550001111")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.MarkGreeted(ctx, "+15550001111", time.Hour))
	require.Equal(t, setCall{value: "true", ttl: time.Hour}, kv.sets["whatsapp:+15550001111:greeted"])

	ok, err = s.IsGreeted(ctx, "+15550001111")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.ClearGreeted(ctx, "+15550001111"))
	ok, err = s.IsGreeted(ctx, "+15550001111")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFields_AreIndependent(t *testing.T) {
	kv := newFakeKV()
	s := mustNewState(t, kv)
	ctx := context.Background()
	user := "+15550002222"

	require.NoError(t, s.MarkGreeted(ctx, user, time.Hour))
	require.NoError(t, s.SetAwaitingStyle(ctx, user, time.Hour))
	require.NoError(t, s.SetPendingImagePath(ctx, user, "abc.jpg", time.Hour))

	require.NoError(t, s.ClearAwaitingStyle(ctx, user))

	greeted, err := s.IsGreeted(ctx, user)
	require.NoError(t, err)
	require.True(t, greeted)

	path, err := s.PendingImagePath(ctx, user)
	require.NoError(t, err)
	require.Equal(t, "abc.jpg", path)

	awaiting, err := s.IsAwaitingStyle(ctx, user)
	require.NoError(t, err)
	require.False(t, awaiting)

	require.NoError(t, s.ClearPendingImagePath(ctx, user))
	path, err = s.PendingImagePath(ctx, user)
	require.NoError(t, err)
	require.Empty(t, path)
}

func TestKeys_UsePurposeAndUser(t *testing.T) {
	kv := newFakeKV()
	s, err := New(kv, "sms")
	require.NoError(t, err)

	require.NoError(t, s.SetAwaitingStyle(context.Background(), "u1", time.Minute))
	require.NoError(t, s.SetPendingImagePath(context.Background(), "u1", "x.png", time.Minute))
	require.Contains(t, kv.data, "sms:u1:waiting_for_style")
	require.Contains(t, kv.data, "sms:u1:image_path")
}

func TestFlag_OnlyTrueCounts(t *testing.T) {
	kv := newFakeKV()
	kv.data["whatsapp:u:greeted"] = "false"
	s := mustNewState(t, kv)

	ok, err := s.IsGreeted(context.Background(), "u")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReadErrorsSurface(t *testing.T) {
	kv := newFakeKV()
	kv.getErr = errors.New("store down")
	s := mustNewState(t, kv)

	_, err := s.IsAwaitingStyle(context.Background(), "u")
	require.ErrorContains(t, err, "store down")
	_, err = s.PendingImagePath(context.Background(), "u")
	require.ErrorContains(t, err, "store down")
}
