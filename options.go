package shardring

import (
	"context"
	"io"
	"log/slog"
	"time"
)

const (
	defaultRingSize  = 1 << 32
	defaultBatchSize = 100
)

// HealthProbe reports whether a node is reachable.
type HealthProbe func(ctx context.Context, id NodeID, store RecordStore) bool

// options configures the Cluster behavior (internal only).
type options struct {
	ringSize       int
	vnodeCount     int
	batchSize      int
	maxRetries     int
	retryBackoff   time.Duration
	healthInterval time.Duration
	healthProbe    HealthProbe
	logger         *slog.Logger
}

// defaultOptions returns sensible defaults.
func defaultOptions() options {
	return options{
		ringSize:       defaultRingSize,
		vnodeCount:     1,
		batchSize:      defaultBatchSize,
		maxRetries:     3,
		retryBackoff:   50 * time.Millisecond,
		healthInterval: 0,
		healthProbe:    pingProbe,
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// Option is a functional option for configuring a Cluster or a Ring.
type Option func(*options)

// WithRingSize sets the size of the hash circle.
// Smaller rings make position collisions more likely; ties resolve by node id.
func WithRingSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.ringSize = size
		}
	}
}

// WithVNodeCount sets the number of positions each node occupies on the ring.
// DEFAULT: 1
func WithVNodeCount(count int) Option {
	return func(o *options) {
		if count > 0 {
			o.vnodeCount = count
		}
	}
}

// WithBatchSize sets the page size used when scanning stores during migrations.
func WithBatchSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.batchSize = size
		}
	}
}

// WithMaxRetries sets how many times a single record copy is retried before the key is left pending.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxRetries = n
		}
	}
}

// WithRetryBackoff sets the initial backoff between copy retries. It doubles on every attempt.
func WithRetryBackoff(d time.Duration) Option {
	return func(o *options) {
		o.retryBackoff = d
	}
}

// WithHealthCheck enables the background health worker.
// A nil probe pings stores that implement Pinger and treats all other stores as live.
func WithHealthCheck(interval time.Duration, probe HealthProbe) Option {
	return func(o *options) {
		o.healthInterval = interval
		if probe != nil {
			o.healthProbe = probe
		}
	}
}

// WithLogger sets the logger for the cluster.
// If the logger is nil, the cluster will use a no-op logger.
// DEFAULT: A no-op logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger == nil {
			o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
			return
		}

		o.logger = logger
	}
}
