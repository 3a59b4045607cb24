package stats

import (
	"context"
	"time"
)

// Collector defines the interface for collecting proxy statistics
type Collector interface {
	// Connection tracking
	StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, protocol string) (int64, error)
	EndConnection(ctx context.Context, connectionID int64, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error

	// Security events
	RecordAllowedRequest(ctx context.Context, clientIP, targetHost string) error
	RecordBlockedRequest(ctx context.Context, clientIP, targetHost, reason string) error

	// Response and error tracking
	RecordHTTPResponse(ctx context.Context, connectionID int64, statusCode int, contentLength int64) error
	RecordTunnel(ctx context.Context, connectionID int64) error
	RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error

	// Snapshot returns the current counter values
	Snapshot() Summary

	// Close cleans up resources
	Close() error
}

// Summary is a point-in-time copy of the collected counters
type Summary struct {
	TotalConnections  int64
	ActiveConnections int64
	AllowedRequests   int64
	BlockedRequests   int64
	Tunnels           int64
	TotalErrors       int64
	BytesSent         int64
	BytesReceived     int64
}
