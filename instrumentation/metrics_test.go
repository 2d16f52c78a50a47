package instrumentation

import (
	"context"
	"testing"
)

func TestNew_GlobalProviders(t *testing.T) {
	m, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := context.Background()
	m.RecordCodeIssued(ctx)
	m.RecordRedemption(ctx, OutcomeSuccess)
	m.RecordTokenIssued(ctx)
	m.RecordRefresh(ctx, OutcomeReplay)
	m.RecordRateLimited(ctx)

	ctx, end := m.StartSpan(ctx, "test")
	if ctx == nil {
		t.Fatal("StartSpan returned nil context")
	}
	end()
}

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	m.RecordCodeIssued(ctx)
	m.RecordRedemption(ctx, OutcomeError)
	m.RecordTokenIssued(ctx)
	m.RecordRefresh(ctx, OutcomeExpired)
	m.RecordRateLimited(ctx)

	ctx, end := m.StartSpan(ctx, "test")
	if ctx == nil {
		t.Fatal("StartSpan returned nil context")
	}
	end()
}
