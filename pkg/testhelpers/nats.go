package testhelpers

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// NATSImage is the JetStream-enabled broker image used in integration tests.
const NATSImage = "nats:2.11.7-alpine"

// NATSServer is a shared JetStream broker container.
type NATSServer struct {
	Container testcontainers.Container
	URL       string
}

var (
	sharedNATS     *NATSServer
	sharedNATSOnce sync.Once
	sharedNATSErr  error
)

// GetNATS returns a shared NATS container with JetStream enabled.
func GetNATS(t *testing.T) *NATSServer {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	sharedNATSOnce.Do(func() {
		sharedNATS, sharedNATSErr = setupNATS()
	})

	if sharedNATSErr != nil {
		t.Fatalf("Failed to setup NATS: %v", sharedNATSErr)
	}

	return sharedNATS
}

func setupNATS() (*NATSServer, error) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        NATSImage,
		ExposedPorts: []string{"4222/tcp", "8222/tcp"},
		Cmd:          []string{"--port", "4222", "--http_port", "8222", "--js"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("4222/tcp"),
			wait.ForHTTP("/").WithPort("8222/tcp").WithStartupTimeout(30*time.Second),
		),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start NATS container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}

	port, err := container.MappedPort(ctx, "4222")
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	return &NATSServer{
		Container: container,
		URL:       fmt.Sprintf("nats://%s:%s", host, port.Port()),
	}, nil
}
