package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/salesos/collab/v1/entity"
	"github.com/salesos/collab/v1/metrics"
)

func TestTopicIsPerEntity(t *testing.T) {
	a := Topic(entity.New("deal", "1"))
	b := Topic(entity.New("deal", "1:2"))
	if a == b {
		t.Fatalf("topics collide: %q", a)
	}
	if !strings.HasPrefix(a, "collab.events.") {
		t.Fatalf("unexpected topic %q", a)
	}
}

func TestEmitterPublishesJSON(t *testing.T) {
	bus := NewInMemory()
	key := entity.New("deal", "42")
	ch, err := bus.Watch(context.Background(), Topic(key))
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	em := NewEmitter(bus, nil)
	em.Emit(context.Background(), Event{Type: LockAcquired, Entity: key, UserID: "u1"})

	var evt Event
	if err := json.Unmarshal(receive(t, ch), &evt); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt.ID == "" || evt.At.IsZero() {
		t.Fatalf("expected id and timestamp, got %+v", evt)
	}
	if evt.Type != LockAcquired || evt.Entity != key || evt.UserID != "u1" {
		t.Fatalf("unexpected event %+v", evt)
	}
}

func TestNilEmitterIsNoop(t *testing.T) {
	var em *Emitter
	em.Emit(context.Background(), Event{Type: PresenceJoined})
}

func TestEmitterLogsAndCountsFailures(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	em := NewEmitter(&flakyBus{err: errors.New("broker down")}, logger)

	before := counterValue(t, metrics.EventPublishFailures)
	em.Emit(context.Background(), Event{Type: LockReleased, Entity: entity.New("deal", "1"), At: time.Now()})
	if got := counterValue(t, metrics.EventPublishFailures); got != before+1 {
		t.Fatalf("expected failure counter to grow by one, got %v -> %v", before, got)
	}
	if !strings.Contains(buf.String(), "event publish failed") {
		t.Fatalf("expected warning in log, got %q", buf.String())
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}
