package journal

import (
	"context"
	"strings"
	"testing"
	"time"

	"premium-hedge-bot/internal/config"

	"go.uber.org/zap"
)

func TestNewDisabledReturnsNil(t *testing.T) {
	w, err := New(config.JournalConfig{Enabled: false}, zap.NewNop())
	if err != nil || w != nil {
		t.Fatalf("expected nil writer, got %v %v", w, err)
	}
	// Nil writers are inert.
	w.RecordDecision(Decision{})
	w.RecordOrder(Order{})
	w.Start(context.Background())
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestNewRequiresDSN(t *testing.T) {
	if _, err := New(config.JournalConfig{Enabled: true}, zap.NewNop()); err == nil {
		t.Fatalf("expected dsn error")
	}
}

func TestQueueDropsWhenFull(t *testing.T) {
	w := newWriter(nil, zap.NewNop(), "", 1)
	w.RecordOrder(Order{Venue: "spot"})
	w.RecordOrder(Order{Venue: "spot"})
	w.RecordOrder(Order{Venue: "spot"})
	w.RecordDecision(Decision{})
	if dec, orders := w.Dropped(); dec != 0 || orders != 2 {
		t.Fatalf("expected 0/2 drops, got %d/%d", dec, orders)
	}
}

func TestQueriesUseSchema(t *testing.T) {
	w := newWriter(nil, zap.NewNop(), "audit", 4)
	if !strings.Contains(w.orderQuery(), "audit.order_audit") {
		t.Fatalf("unexpected order query: %s", w.orderQuery())
	}
	if !strings.Contains(w.decisionQuery(), "audit.engine_decisions") {
		t.Fatalf("unexpected decision query: %s", w.decisionQuery())
	}
	if got := len(orderArgs(Order{Time: time.Now()})); got != 16 {
		t.Fatalf("expected 16 order args, got %d", got)
	}
	if got := len(decisionArgs(Decision{})); got != 10 {
		t.Fatalf("expected 10 decision args, got %d", got)
	}
}
