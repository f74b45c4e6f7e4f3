package file

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/wagate/pkg/storage/repository"
)

func connect(t *testing.T, dir string) *FileStorage {
	t.Helper()
	fs, err := NewFileStorage(dir)
	require.NoError(t, err)
	require.NoError(t, fs.Connect(context.Background()))
	return fs
}

func TestOutboxLifecycle(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fs := connect(t, dir)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	d := repository.Delivery{
		ID:            "d1",
		Tenant:        "shop",
		Endpoint:      "store_message",
		Fields:        map[string]string{"body": "hi"},
		CreatedAt:     now,
		NextAttemptAt: now,
	}
	require.NoError(t, fs.Outbox().Enqueue(ctx, d))
	assert.Error(t, fs.Outbox().Enqueue(ctx, d), "duplicate id")

	due, err := fs.Outbox().Due(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "hi", due[0].Fields["body"])

	require.NoError(t, fs.Outbox().MarkFailed(ctx, "d1", "502", now.Add(time.Minute), false))
	due, err = fs.Outbox().Due(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = fs.Outbox().Due(ctx, now.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].Attempts)
	assert.Equal(t, "502", due[0].LastError)

	require.NoError(t, fs.Outbox().MarkDelivered(ctx, "d1", now.Add(2*time.Minute)))

	// Records survive a reload.
	reopened := connect(t, dir)
	got, err := reopened.Outbox().Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
	require.NotNil(t, got.DeliveredAt)
	assert.False(t, got.Pending())

	stats, err := reopened.Outbox().Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, repository.OutboxStats{Delivered: 1}, stats)

	removed, err := reopened.Outbox().Prune(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = reopened.Outbox().Get(ctx, "d1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestOutboxDueOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	fs := connect(t, t.TempDir())
	base := time.Now().UTC()

	for i, id := range []string{"c", "a", "b"} {
		require.NoError(t, fs.Outbox().Enqueue(ctx, repository.Delivery{
			ID:            id,
			Endpoint:      "update_device",
			CreatedAt:     base,
			NextAttemptAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, fs.Outbox().MarkFailed(ctx, "b", "gone", base, true))

	due, err := fs.Outbox().Due(ctx, base.Add(time.Hour), 1)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "c", due[0].ID)

	due, err = fs.Outbox().Due(ctx, base.Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Len(t, due, 2, "abandoned deliveries are never due")
}

func TestDeviceStates(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fs := connect(t, dir)

	got, err := fs.Devices().Get(ctx, "shop")
	require.NoError(t, err)
	assert.Nil(t, got)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, fs.Devices().Save(ctx, repository.DeviceState{Tenant: "shop", State: "ready", Status: "Ready", UpdatedAt: now}))
	require.NoError(t, fs.Devices().Save(ctx, repository.DeviceState{Tenant: "alpha", State: "unauthenticated", Status: "Unauthenticated", UpdatedAt: now}))

	reopened := connect(t, dir)
	list, err := reopened.Devices().List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].Tenant)
	assert.Equal(t, "Ready", list[1].Status)
	assert.NoError(t, reopened.Ping(ctx))
}

func TestNewFileStorageRequiresPath(t *testing.T) {
	_, err := NewFileStorage("")
	assert.Error(t, err)
}
