package postgres_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/mrsync/internal/storage/postgres"
	"github.com/cory-johannsen/mrsync/internal/testutil"
	"github.com/cory-johannsen/mrsync/migrations"
)

func uniqueID(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}

func TestSessionRepository(t *testing.T) {
	pc := testutil.NewPostgresContainer(t)
	repo := postgres.NewSessionRepository(pc.Pool.DB())
	ctx := context.Background()

	t.Run("first connection inserts", func(t *testing.T) {
		id := uniqueID("s")
		rec, err := repo.RecordConnection(ctx, id, "192.0.2.1")
		require.NoError(t, err)
		assert.Equal(t, id, rec.SessionID)
		assert.Equal(t, int64(1), rec.ConnectCount)
		assert.Equal(t, "192.0.2.1", rec.LastClientAddr)
	})

	t.Run("reconnect bumps count and address", func(t *testing.T) {
		id := uniqueID("s")
		first, err := repo.RecordConnection(ctx, id, "192.0.2.1")
		require.NoError(t, err)
		second, err := repo.RecordConnection(ctx, id, "192.0.2.2")
		require.NoError(t, err)

		assert.Equal(t, int64(2), second.ConnectCount)
		assert.Equal(t, "192.0.2.2", second.LastClientAddr)
		assert.True(t, first.FirstSeen.Equal(second.FirstSeen))
		assert.False(t, second.LastSeen.Before(first.LastSeen))

		got, err := repo.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, second.ConnectCount, got.ConnectCount)
	})

	t.Run("missing session", func(t *testing.T) {
		_, err := repo.Get(ctx, uniqueID("missing"))
		assert.ErrorIs(t, err, postgres.ErrSessionNotFound)
	})

	t.Run("recent", func(t *testing.T) {
		id := uniqueID("recent")
		_, err := repo.RecordConnection(ctx, id, "")
		require.NoError(t, err)
		recs, err := repo.Recent(ctx, 1)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, id, recs[0].SessionID)
	})

	t.Run("health", func(t *testing.T) {
		assert.NoError(t, pc.Pool.Health(ctx, time.Second))
	})

	t.Run("migrate again is a no-op", func(t *testing.T) {
		res, err := postgres.Migrate(pc.Config.DSN(), migrations.FS, 0, false)
		require.NoError(t, err)
		assert.True(t, res.NoChange)
		assert.Equal(t, uint(1), res.Version)
	})
}
