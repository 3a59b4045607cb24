package stats

import (
	"context"
	"sync/atomic"
	"time"
)

// AtomicInt64Counter is a lock-free 64-bit integer counter
type AtomicInt64Counter int64

// Add atomically adds delta to the counter and returns the new value
func (c *AtomicInt64Counter) Add(delta int64) int64 {
	return atomic.AddInt64((*int64)(c), delta)
}

// Load atomically loads the current value
func (c *AtomicInt64Counter) Load() int64 {
	return atomic.LoadInt64((*int64)(c))
}

// Store atomically stores the value
func (c *AtomicInt64Counter) Store(value int64) {
	atomic.StoreInt64((*int64)(c), value)
}

// AtomicCollector is an in-memory Collector backed by atomic counters.
// It holds no persistent state and is safe for concurrent use from all
// proxy connections.
type AtomicCollector struct {
	nextConnectionID  AtomicInt64Counter
	totalConnections  AtomicInt64Counter
	activeConnections AtomicInt64Counter
	allowedRequests   AtomicInt64Counter
	blockedRequests   AtomicInt64Counter
	tunnels           AtomicInt64Counter
	totalErrors       AtomicInt64Counter
	bytesSent         AtomicInt64Counter
	bytesReceived     AtomicInt64Counter
}

// NewAtomicCollector creates a new in-memory collector
func NewAtomicCollector() *AtomicCollector {
	return &AtomicCollector{}
}

// StartConnection registers a new connection and returns its ID.
func (c *AtomicCollector) StartConnection(_ context.Context, _, _ string, _ int, _ string) (int64, error) {
	c.totalConnections.Add(1)
	c.activeConnections.Add(1)
	return c.nextConnectionID.Add(1), nil
}

// EndConnection records the end of a connection and its transferred bytes.
func (c *AtomicCollector) EndConnection(_ context.Context, _ int64, bytesSent, bytesReceived int64, _ time.Duration, _ string) error {
	c.activeConnections.Add(-1)
	c.bytesSent.Add(bytesSent)
	c.bytesReceived.Add(bytesReceived)
	return nil
}

// RecordAllowedRequest counts a request permitted by the allowlist.
func (c *AtomicCollector) RecordAllowedRequest(_ context.Context, _, _ string) error {
	c.allowedRequests.Add(1)
	return nil
}

// RecordBlockedRequest counts a request rejected by the allowlist.
func (c *AtomicCollector) RecordBlockedRequest(_ context.Context, _, _, _ string) error {
	c.blockedRequests.Add(1)
	return nil
}

// RecordHTTPResponse counts a relayed upstream response.
func (c *AtomicCollector) RecordHTTPResponse(_ context.Context, _ int64, _ int, contentLength int64) error {
	if contentLength > 0 {
		c.bytesReceived.Add(contentLength)
	}
	return nil
}

// RecordTunnel counts an established CONNECT tunnel.
func (c *AtomicCollector) RecordTunnel(_ context.Context, _ int64) error {
	c.tunnels.Add(1)
	return nil
}

// RecordError counts a connection-level error.
func (c *AtomicCollector) RecordError(_ context.Context, _ int64, _, _ string) error {
	c.totalErrors.Add(1)
	return nil
}

// Snapshot returns a copy of all counter values
func (c *AtomicCollector) Snapshot() Summary {
	return Summary{
		TotalConnections:  c.totalConnections.Load(),
		ActiveConnections: c.activeConnections.Load(),
		AllowedRequests:   c.allowedRequests.Load(),
		BlockedRequests:   c.blockedRequests.Load(),
		Tunnels:           c.tunnels.Load(),
		TotalErrors:       c.totalErrors.Load(),
		BytesSent:         c.bytesSent.Load(),
		BytesReceived:     c.bytesReceived.Load(),
	}
}

// Close is a no-op for the in-memory collector.
func (c *AtomicCollector) Close() error {
	return nil
}
