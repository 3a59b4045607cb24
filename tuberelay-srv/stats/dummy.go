package stats

import (
	"context"
	"time"
)

// DummyCollector discards everything. Used when statistics are disabled so
// callers never have to nil-check the collector.
type DummyCollector struct{}

// NewDummyCollector creates a no-op collector
func NewDummyCollector() *DummyCollector {
	return &DummyCollector{}
}

func (d *DummyCollector) StartConnection(_ context.Context, _, _ string, _ int, _ string) (int64, error) {
	return 0, nil
}

func (d *DummyCollector) EndConnection(_ context.Context, _ int64, _, _ int64, _ time.Duration, _ string) error {
	return nil
}

func (d *DummyCollector) RecordAllowedRequest(_ context.Context, _, _ string) error { return nil }

func (d *DummyCollector) RecordBlockedRequest(_ context.Context, _, _, _ string) error { return nil }

func (d *DummyCollector) RecordHTTPResponse(_ context.Context, _ int64, _ int, _ int64) error {
	return nil
}

func (d *DummyCollector) RecordTunnel(_ context.Context, _ int64) error { return nil }

func (d *DummyCollector) RecordError(_ context.Context, _ int64, _, _ string) error { return nil }

func (d *DummyCollector) Snapshot() Summary { return Summary{} }

func (d *DummyCollector) Close() error { return nil }
