package influxdb

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/nerrad567/opcua-device-simulator/internal/infrastructure/config"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPingTimeout    = 5 * time.Second

	defaultBatchSize     = 100
	defaultFlushInterval = 10 // seconds

	// SourceTag is added to every point so simulator data is easy to
	// separate from real devices sharing the bucket.
	SourceTag   = "source"
	SourceValue = "opcua-simulator"
)

// Client queues simulator readings to one InfluxDB v2 bucket.
// Writes are non-blocking and batched. It is safe for concurrent use.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	org      string
	bucket   string

	closed  atomic.Bool
	failed  atomic.Uint64
	onError atomic.Pointer[func(error)]
}

// Connect creates the client, pings the server and starts the batched
// write API. It returns ErrDisabled when cfg is not enabled.
func Connect(cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, clientOptions(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()
	if err := ping(ctx, client); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		org:      cfg.Org,
		bucket:   cfg.Bucket,
	}
	go c.forwardErrors(c.writeAPI.Errors())

	return c, nil
}

// clientOptions applies the batch settings, falling back to defaults
// for non-positive values.
func clientOptions(cfg config.InfluxDBConfig) *influxdb2.Options {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}

	// #nosec G115 -- both values are positive here
	return influxdb2.DefaultOptions().
		SetBatchSize(uint(batchSize)).
		SetFlushInterval(uint(time.Duration(flushInterval) * time.Second / time.Millisecond)).
		AddDefaultTag(SourceTag, SourceValue)
}

func ping(ctx context.Context, client influxdb2.Client) error {
	healthy, err := client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	if !healthy {
		return fmt.Errorf("server not healthy")
	}
	return nil
}

func (c *Client) forwardErrors(errs <-chan error) {
	for err := range errs {
		c.failed.Add(1)
		if fn := c.onError.Load(); fn != nil {
			(*fn)(fmt.Errorf("%w: %w", ErrWriteFailed, err))
		}
	}
}

// Close flushes pending points and closes the client. It is safe on a
// nil client and idempotent.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	if c.closed.Swap(true) {
		return nil
	}
	c.writeAPI.Flush()
	c.client.Close()
	return nil
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	checkCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := ping(checkCtx, c.client); err != nil {
		return fmt.Errorf("influxdb health check: %w", err)
	}
	return nil
}

// IsConnected reports whether the client is open.
func (c *Client) IsConnected() bool {
	return c != nil && c.client != nil && !c.closed.Load()
}

// SetOnError sets the callback for asynchronous write failures. Errors
// passed to it wrap ErrWriteFailed.
func (c *Client) SetOnError(callback func(err error)) {
	if callback == nil {
		c.onError.Store(nil)
		return
	}
	c.onError.Store(&callback)
}

// FailedWrites returns how many batches the server rejected.
func (c *Client) FailedWrites() uint64 {
	return c.failed.Load()
}

// Bucket returns the org/bucket points are written to.
func (c *Client) Bucket() string {
	return c.org + "/" + c.bucket
}

// Flush forces buffered points out. No-op after Close.
func (c *Client) Flush() {
	if c.IsConnected() {
		c.writeAPI.Flush()
	}
}
