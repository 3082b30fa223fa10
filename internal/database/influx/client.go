// Package influx records pool time-series: submission verdicts, session
// counts and process resource usage.
package influx

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementSubmissions = "submissions"
	MeasurementSessions    = "sessions"
	MeasurementSystem      = "system"
)

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient connects and checks server health.
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := checkHealth(healthCtx, client); err != nil {
		client.Close()
		return nil, err
	}

	return &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
	}, nil
}

func checkHealth(ctx context.Context, client influxdb2.Client) error {
	health, err := client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check InfluxDB health: %w", err)
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("InfluxDB health check failed: %s", msg)
	}
	return nil
}

// Close flushes pending points and closes the client.
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	return checkHealth(ctx, c.client)
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// Errors exposes asynchronous write failures.
func (c *Client) Errors() <-chan error {
	return c.writeAPI.Errors()
}

// WriteSubmission records one judged submission.
func (c *Client) WriteSubmission(accountID, target string, accepted bool, reason string, at time.Time) {
	c.writeAPI.WritePoint(SubmissionPoint(accountID, target, accepted, reason, at))
}

// WriteSessions records the live sessions on this instance and the keys
// connected across the pool. A negative connected count is omitted.
func (c *Client) WriteSessions(service string, active, connected int64, at time.Time) {
	c.writeAPI.WritePoint(SessionsPoint(service, active, connected, at))
}

// WriteSystem records process resource usage.
func (c *Client) WriteSystem(service string, cpuPercent, memPercent float64, goroutines int, at time.Time) {
	c.writeAPI.WritePoint(SystemPoint(service, cpuPercent, memPercent, goroutines, at))
}

// SubmissionPoint builds the point written by WriteSubmission.
func SubmissionPoint(accountID, target string, accepted bool, reason string, at time.Time) *write.Point {
	tags := map[string]string{
		"account_id": accountID,
		"target":     target,
		"accepted":   strconv.FormatBool(accepted),
	}
	fields := map[string]any{
		"count":  1,
		"reason": reason,
	}
	return write.NewPoint(MeasurementSubmissions, tags, fields, at)
}

// SessionsPoint builds the point written by WriteSessions.
func SessionsPoint(service string, active, connected int64, at time.Time) *write.Point {
	fields := map[string]any{"active": active}
	if connected >= 0 {
		fields["connected_keys"] = connected
	}
	return write.NewPoint(MeasurementSessions, map[string]string{"service": service}, fields, at)
}

// SystemPoint builds the point written by WriteSystem.
func SystemPoint(service string, cpuPercent, memPercent float64, goroutines int, at time.Time) *write.Point {
	return write.NewPoint(MeasurementSystem,
		map[string]string{"service": service},
		map[string]any{
			"cpu_percent":    cpuPercent,
			"memory_percent": memPercent,
			"goroutines":     goroutines,
		},
		at)
}
