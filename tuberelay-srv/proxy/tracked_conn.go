package proxy

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/tuberelay/tuberelay-srv/stats"
)

// trackedConn wraps a net.Conn and counts the bytes flowing through it.
// Totals are reported to the collector exactly once, when the connection
// closes.
type trackedConn struct {
	net.Conn
	collector     stats.Collector
	connectionID  int64
	bytesSent     int64 // accessed atomically
	bytesReceived int64 // accessed atomically
	startTime     time.Time
	ctx           context.Context
	endOnce       sync.Once
}

func newTrackedConn(ctx context.Context, conn net.Conn, collector stats.Collector, connectionID int64) *trackedConn {
	return &trackedConn{
		Conn:         conn,
		collector:    collector,
		connectionID: connectionID,
		startTime:    time.Now(),
		ctx:          ctx,
	}
}

func (c *trackedConn) Read(b []byte) (n int, err error) {
	n, err = c.Conn.Read(b)
	if n > 0 {
		atomic.AddInt64(&c.bytesReceived, int64(n))
	}
	return n, err
}

func (c *trackedConn) Write(b []byte) (n int, err error) {
	n, err = c.Conn.Write(b)
	if n > 0 {
		atomic.AddInt64(&c.bytesSent, int64(n))
	}
	return n, err
}

// CloseWrite half-closes the write side when the underlying connection
// supports it, so the peer sees EOF while its own data can still drain.
func (c *trackedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	duration := time.Since(c.startTime)
	closeReason := "normal"
	if err != nil {
		closeReason = err.Error()
	}
	c.endOnce.Do(func() {
		finalSent := atomic.LoadInt64(&c.bytesSent)
		finalReceived := atomic.LoadInt64(&c.bytesReceived)
		_ = c.collector.EndConnection(c.ctx, c.connectionID, finalSent, finalReceived, duration, closeReason)
	})
	return err
}
