// Package adminclient talks to a running relayd: gRPC health over the
// instance socket and the JSON status endpoint over HTTP.
package adminclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/matheus3301/relay/internal/daemon"
)

// Client wraps the admin connections to one daemon.
type Client struct {
	conn      *grpc.ClientConn
	Health    healthpb.HealthClient
	statusURL string
	http      *http.Client
}

// New dials the daemon's Unix domain socket. listen is the daemon's HTTP
// address as recorded in its lock file.
func New(socketPath, listen string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}

	return &Client{
		conn:      conn,
		Health:    healthpb.NewHealthClient(conn),
		statusURL: "http://" + listen + "/status",
		http:      &http.Client{},
	}, nil
}

// Serving reports the daemon's overall health status.
func (c *Client) Serving(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := c.Health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check: %w", err)
	}
	return resp.Status, nil
}

// Status fetches the daemon's live report.
func (c *Client) Status(ctx context.Context) (*daemon.StatusReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.statusURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get status: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get status: %s", resp.Status)
	}
	var report daemon.StatusReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &report, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
