package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	uuid "github.com/hashicorp/go-uuid"

	"github.com/salesos/collab/v1/entity"
	"github.com/salesos/collab/v1/metrics"
)

// Type names a collaboration event.
type Type string

const (
	LockAcquired      Type = "lock.acquired"
	LockRefreshed     Type = "lock.refreshed"
	LockReleased      Type = "lock.released"
	LockForceReleased Type = "lock.force_released"
	PresenceJoined    Type = "presence.joined"
	PresenceLeft      Type = "presence.left"
)

// Event is the payload streamed to clients watching an entity.
type Event struct {
	ID          string     `json:"id"`
	Type        Type       `json:"type"`
	Entity      entity.Key `json:"entity"`
	UserID      string     `json:"userId,omitempty"`
	DisplayName string     `json:"displayName,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	At          time.Time  `json:"at"`
}

// Topic returns the bus topic carrying events for key.
func Topic(key entity.Key) string {
	return "collab.events." + key.Segment()
}

// Emitter publishes events on a Bus. A nil *Emitter discards every event, so
// components can hold one unconditionally.
type Emitter struct {
	bus    Bus
	logger *slog.Logger
	now    func() time.Time
}

// NewEmitter returns an Emitter publishing on bus. A nil logger selects
// slog.Default().
func NewEmitter(bus Bus, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{bus: bus, logger: logger, now: time.Now}
}

// Emit stamps evt with an id and timestamp and publishes it. Failures are
// logged and counted, never returned.
func (e *Emitter) Emit(ctx context.Context, evt Event) {
	if e == nil || e.bus == nil {
		return
	}
	if evt.ID == "" {
		id, err := uuid.GenerateUUID()
		if err != nil {
			e.logger.Warn("collab: event id generation failed", "error", err)
			return
		}
		evt.ID = id
	}
	if evt.At.IsZero() {
		evt.At = e.now().UTC()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		e.logger.Warn("collab: event encoding failed", "type", evt.Type, "error", err)
		return
	}
	if err := e.bus.Publish(ctx, Topic(evt.Entity), data); err != nil {
		metrics.EventPublishFailures.Inc()
		e.logger.Warn("collab: event publish failed",
			"type", evt.Type,
			"entity", evt.Entity.String(),
			"error", err)
	}
}
