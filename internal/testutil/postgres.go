package testutil

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/planforge/planforge/internal/store"
)

// StartPostgres runs a throwaway Postgres container for a test, applies
// the schema, and returns a connected pool. The container and pool are
// torn down via t.Cleanup. Callers should skip in short mode.
func StartPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()

	// Registers label-based container cleanup for this test.
	_ = DockerClient(t)

	port, err := FindFreePort()
	if err != nil {
		t.Fatalf("failed to find free port: %v", err)
	}

	mgr, err := store.NewDockerManager(store.DockerConfig{
		ContainerName: UniqueContainerName(t, "postgres"),
		HostPort:      port,
		Labels:        ContainerLabels(t),
	})
	if err != nil {
		t.Fatalf("failed to create docker manager: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	pool, err := store.Connect(ctx, store.Config{
		DSN:            mgr.DSN(),
		ConnectTimeout: 30 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to connect to postgres: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := store.Migrate(ctx, pool); err != nil {
		t.Fatalf("failed to apply schema: %v", err)
	}

	return pool
}

// FindFreePort finds an available TCP port and returns it as a string.
func FindFreePort() (string, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	defer listener.Close()
	return fmt.Sprintf("%d", listener.Addr().(*net.TCPAddr).Port), nil
}
