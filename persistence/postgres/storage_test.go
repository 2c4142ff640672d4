//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/TriviaNFT/triviaNFT-sub002/persistence"
	"github.com/TriviaNFT/triviaNFT-sub002/persistence/storagetest"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupPostgres(t *testing.T) string {
	ctx := context.Background()
	container, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15"),
		tcpostgres.WithDatabase("orchy_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(context.Background()))
	})

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, Migrate(url))
	// running twice is a no-op
	require.NoError(t, Migrate(url))
	return url
}

func TestPostgresStorage(t *testing.T) {
	url := setupPostgres(t)
	storagetest.RunStorageTests(t, func(t *testing.T) persistence.Storage {
		ctx := context.Background()
		storage, err := NewPostgresStorage(ctx, Config{URL: url, MaxConns: 8})
		require.NoError(t, err)
		_, err = storage.pool.Exec(ctx, `TRUNCATE TABLE sleep_timers, step_records, workflow_runs`)
		require.NoError(t, err)
		return storage
	})
}

func TestMigrateDown(t *testing.T) {
	url := setupPostgres(t)
	require.NoError(t, MigrateDown(url, 1))
	require.NoError(t, Migrate(url))
}
