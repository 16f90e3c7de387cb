// Package testqdrant starts a disposable Qdrant container for adapter tests.
package testqdrant

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// StartQdrant starts a Qdrant container and returns its gRPC host and port.
func StartQdrant(tb testing.TB) (string, int) {
	tb.Helper()
	if testing.Short() {
		tb.Skip("skipping container-backed test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "qdrant/qdrant:v1.12.4",
			ExposedPorts: []string{"6334/tcp"},
			WaitingFor:   wait.ForListeningPort("6334/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		tb.Fatalf("start qdrant container: %v", err)
	}

	tb.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := container.Terminate(ctx); err != nil {
			tb.Errorf("terminate qdrant container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		tb.Fatalf("get qdrant host: %v", err)
	}
	mappedPort, err := container.MappedPort(ctx, "6334")
	if err != nil {
		tb.Fatalf("get qdrant mapped port: %v", err)
	}
	return host, mappedPort.Int()
}
