//go:build integration

package redis

import (
	"context"
	"testing"

	"github.com/TriviaNFT/triviaNFT-sub002/persistence"
	"github.com/TriviaNFT/triviaNFT-sub002/persistence/storagetest"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedis(t *testing.T) string {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(context.Background()))
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)
	return host + ":" + port.Port()
}

func TestRedisStorage(t *testing.T) {
	addr := setupRedis(t)
	storagetest.RunStorageTests(t, func(t *testing.T) persistence.Storage {
		// a fresh namespace per scenario keeps them isolated
		storage := NewRedisStorage(Config{Addrs: []string{addr}, Namespace: "test-" + uuid.NewString()})
		require.NoError(t, storage.Ping(context.Background()))
		return storage
	})
}
