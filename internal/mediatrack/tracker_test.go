package mediatrack

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeKV struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeKV) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeKV) Set(_ context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	f.ttls[key] = ttl
	return nil
}

func (f *fakeKV) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

type fakeFiles struct {
	mu      sync.Mutex
	deleted []string
	failOn  map[string]error
}

func (f *fakeFiles) Delete(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn[name]; err != nil {
		return err
	}
	f.deleted = append(f.deleted, name)
	return nil
}

func (f *fakeFiles) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.deleted...)
	sort.Strings(out)
	return out
}

func newTracker(t *testing.T) (*Tracker, *fakeKV, *fakeFiles, *bytes.Buffer) {
	t.Helper()
	kv := newFakeKV()
	files := &fakeFiles{}
	var logs bytes.Buffer
	tr, err := New(kv, files, slog.New(slog.NewTextHandler(&logs, nil)))
	require.NoError(t, err)
	return tr, kv, files, &logs
}

func TestNew_RejectsNilDeps(t *testing.T) {
	_, err := New(nil, &fakeFiles{}, slog.Default())
	require.Error(t, err)
	_, err = New(newFakeKV(), nil, slog.Default())
	require.Error(t, err)
	_, err = New(newFakeKV(), &fakeFiles{}, nil)
	require.Error(t, err)
}

func TestRecordPendingMedia(t *testing.T) {
	tr, kv, _, _ := newTracker(t)

	require.NoError(t, tr.RecordPendingMedia(context.Background(), "SM1", []string{"a.png", "b.png"}, DefaultTTL))
	require.Equal(t, `["a.png","b.png"]`, kv.data["media:SM1"])
	require.Equal(t, 7*24*time.Hour, kv.ttls["media:SM1"])
}

func TestRecordPendingMedia_EmptyListNotRecorded(t *testing.T) {
	tr, kv, _, _ := newTracker(t)

	require.NoError(t, tr.RecordPendingMedia(context.Background(), "SM1", nil, DefaultTTL))
	require.Empty(t, kv.data)
}

func TestHandleStatus_NonDeliveredLeavesRecord(t *testing.T) {
	tr, kv, files, _ := newTracker(t)
	ctx := context.Background()
	require.NoError(t, tr.RecordPendingMedia(ctx, "SM1", []string{"a.png"}, DefaultTTL))

	for _, status := range []string{"queued", "sent", "failed", "undelivered", "read"} {
		require.NoError(t, tr.HandleStatus(ctx, "SM1", status))
	}
	require.Contains(t, kv.data, "media:SM1")
	require.Empty(t, files.Deleted())
}

func TestHandleStatus_DeliveredCleansUp(t *testing.T) {
	tr, kv, files, _ := newTracker(t)
	ctx := context.Background()
	require.NoError(t, tr.RecordPendingMedia(ctx, "SM1", []string{"a.png", "b.png"}, DefaultTTL))

	require.NoError(t, tr.HandleStatus(ctx, "SM1", "delivered"))
	require.Equal(t, []string{"a.png", "b.png"}, files.Deleted())
	require.NotContains(t, kv.data, "media:SM1")
}

func TestOnDeliveryConfirmed_UnknownMessageIsNoop(t *testing.T) {
	tr, _, files, _ := newTracker(t)
	require.NoError(t, tr.OnDeliveryConfirmed(context.Background(), "SM404"))
	require.Empty(t, files.Deleted())
}

func TestOnDeliveryConfirmed_PartialFailureStillRemovesRecord(t *testing.T) {
	tr, kv, files, logs := newTracker(t)
	ctx := context.Background()
	files.failOn = map[string]error{"b.png": errors.New("permission denied")}
	require.NoError(t, tr.RecordPendingMedia(ctx, "SM1", []string{"a.png", "b.png", "c.png"}, DefaultTTL))

	require.NoError(t, tr.OnDeliveryConfirmed(ctx, "SM1"))
	require.Equal(t, []string{"a.png", "c.png"}, files.Deleted())
	require.NotContains(t, kv.data, "media:SM1")
	require.Contains(t, logs.String(), "permission denied")
}

func TestOnDeliveryConfirmed_MalformedRecordIsLeft(t *testing.T) {
	tr, kv, files, logs := newTracker(t)
	kv.data["media:SM1"] = "not-json"

	require.NoError(t, tr.OnDeliveryConfirmed(context.Background(), "SM1"))
	require.Equal(t, "not-json", kv.data["media:SM1"])
	require.Empty(t, files.Deleted())
	require.Contains(t, logs.String(), "malformed media record")
}

func TestOnDeliveryConfirmed_DuplicateCallbacks(t *testing.T) {
	tr, _, files, _ := newTracker(t)
	ctx := context.Background()
	require.NoError(t, tr.RecordPendingMedia(ctx, "SM1", []string{"a.png"}, DefaultTTL))

	require.NoError(t, tr.HandleStatus(ctx, "SM1", "delivered"))
	require.NoError(t, tr.HandleStatus(ctx, "SM1", "delivered"))
	require.Equal(t, []string{"a.png"}, files.Deleted())
}
