package presence

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/salesos/collab/v1/entity"
	"github.com/salesos/collab/v1/events"
	"github.com/salesos/collab/v1/metrics"
	"github.com/salesos/collab/v1/store"
)

const (
	DefaultTTL = 60 * time.Second

	// KeyPrefix namespaces presence records in the store.
	KeyPrefix = "collab:presence:"

	defaultSummaryConcurrency = 8
)

var tracer = otel.Tracer("github.com/salesos/collab/v1/presence")

// Viewer is the identity reported by a client viewing an entity.
type Viewer struct {
	UserID      string
	DisplayName string
	Email       string
	AvatarURL   string
}

// Record is a live presence entry.
type Record struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Email       string    `json:"email"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
	EnteredAt   time.Time `json:"enteredAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
}

// Tracker records and reports entity viewers over a shared store.
type Tracker struct {
	store       store.Store
	codec       store.Codec
	ttl         time.Duration
	now         func() time.Time
	emitter     *events.Emitter
	logger      *slog.Logger
	concurrency int
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithTTL sets the presence window. Non-positive values are ignored.
func WithTTL(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.ttl = d
		}
	}
}

// WithClock overrides the clock used for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithEmitter publishes joins and leaves through e.
func WithEmitter(e *events.Emitter) Option {
	return func(t *Tracker) {
		t.emitter = e
	}
}

// WithLogger sets the logger used for diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithCodec sets the codec used to encode presence records.
func WithCodec(c store.Codec) Option {
	return func(t *Tracker) {
		if c != nil {
			t.codec = c
		}
	}
}

// WithSummaryConcurrency bounds the number of concurrent lookups made by
// Summary.
func WithSummaryConcurrency(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.concurrency = n
		}
	}
}

// NewTracker returns a Tracker backed by s.
func NewTracker(s store.Store, opts ...Option) *Tracker {
	t := &Tracker{
		store:       s,
		codec:       store.JSONCodec{},
		ttl:         DefaultTTL,
		now:         time.Now,
		logger:      slog.Default(),
		concurrency: defaultSummaryConcurrency,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// TTL returns the presence window.
func (t *Tracker) TTL() time.Duration { return t.ttl }

func entityPrefix(key entity.Key) string {
	return KeyPrefix + key.Segment() + ":"
}

func recordKey(key entity.Key, userID string) string {
	return entityPrefix(key) + entity.EscapeComponent(userID)
}

func (t *Tracker) live(r Record, now time.Time) bool {
	return now.Before(r.LastSeenAt.Add(t.ttl))
}

func startSpan(ctx context.Context, op string, key entity.Key) (context.Context, trace.Span) {
	return tracer.Start(ctx, "presence."+op, trace.WithAttributes(
		attribute.String("collab.entity_type", key.Type),
		attribute.String("collab.entity_id", key.ID),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// get returns the live record of userID on key, if any.
func (t *Tracker) get(ctx context.Context, key entity.Key, userID string) (*Record, error) {
	raw, ok, err := t.store.Get(ctx, recordKey(key, userID))
	if err != nil || !ok {
		return nil, err
	}
	var r Record
	if err := t.codec.Unmarshal(raw, &r); err != nil {
		t.logger.Warn("collab: discarding undecodable presence record",
			"entity", key.String(), "user", userID, "error", err)
		return nil, nil
	}
	if !t.live(r, t.now()) {
		return nil, nil
	}
	return &r, nil
}

// RecordView marks v as viewing key. Repeated calls act as heartbeats: the
// entry time is kept while the record is live and the window restarts.
func (t *Tracker) RecordView(ctx context.Context, key entity.Key, v Viewer) error {
	if !key.Valid() || v.UserID == "" {
		return nil
	}
	ctx, span := startSpan(ctx, "RecordView", key)
	existing, err := t.get(ctx, key, v.UserID)
	if err != nil {
		endSpan(span, err)
		return err
	}
	now := t.now()
	r := Record{
		UserID:      v.UserID,
		DisplayName: v.DisplayName,
		Email:       v.Email,
		AvatarURL:   v.AvatarURL,
		EnteredAt:   now,
		LastSeenAt:  now,
	}
	if existing != nil {
		r.EnteredAt = existing.EnteredAt
	}
	data, err := t.codec.Marshal(r)
	if err != nil {
		endSpan(span, err)
		return err
	}
	err = t.store.Set(ctx, recordKey(key, v.UserID), data, t.ttl)
	endSpan(span, err)
	if err != nil {
		return err
	}
	metrics.PresenceViewCounter.Inc()
	if existing == nil {
		t.emitter.Emit(ctx, events.Event{
			Type:        events.PresenceJoined,
			Entity:      key,
			UserID:      r.UserID,
			DisplayName: r.DisplayName,
		})
	}
	return nil
}

// Viewers returns the live viewers of key ordered by entry time.
func (t *Tracker) Viewers(ctx context.Context, key entity.Key) ([]Record, error) {
	out := make([]Record, 0)
	if !key.Valid() {
		return out, nil
	}
	ctx, span := startSpan(ctx, "Viewers", key)
	entries, err := t.store.Scan(ctx, entityPrefix(key))
	endSpan(span, err)
	if err != nil {
		return nil, err
	}
	now := t.now()
	for _, e := range entries {
		var r Record
		if err := t.codec.Unmarshal(e.Value, &r); err != nil {
			t.logger.Warn("collab: skipping undecodable presence record", "key", e.Key, "error", err)
			continue
		}
		if t.live(r, now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EnteredAt.Equal(out[j].EnteredAt) {
			return out[i].EnteredAt.Before(out[j].EnteredAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

// Count returns the number of live viewers of key.
func (t *Tracker) Count(ctx context.Context, key entity.Key) (int, error) {
	viewers, err := t.Viewers(ctx, key)
	if err != nil {
		return 0, err
	}
	return len(viewers), nil
}

// Summary returns the viewer count of every key. Keys nobody is viewing map to
// zero.
func (t *Tracker) Summary(ctx context.Context, keys []entity.Key) (map[entity.Key]int, error) {
	out := make(map[entity.Key]int, len(keys))
	var unique []entity.Key
	for _, k := range keys {
		if _, seen := out[k]; seen {
			continue
		}
		out[k] = 0
		if k.Valid() {
			unique = append(unique, k)
		}
	}

	counts := make([]int, len(unique))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.concurrency)
	for i, k := range unique {
		g.Go(func() error {
			n, err := t.Count(gctx, k)
			if err != nil {
				return err
			}
			counts[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, k := range unique {
		out[k] = counts[i]
	}
	return out, nil
}

// Leave removes userID from the viewers of key. It reports whether a live
// record was removed.
func (t *Tracker) Leave(ctx context.Context, key entity.Key, userID string) (bool, error) {
	if !key.Valid() || userID == "" {
		return false, nil
	}
	ctx, span := startSpan(ctx, "Leave", key)
	existing, err := t.get(ctx, key, userID)
	if err != nil {
		endSpan(span, err)
		return false, err
	}
	deleted, err := t.store.Delete(ctx, recordKey(key, userID))
	endSpan(span, err)
	if err != nil || !deleted || existing == nil {
		return false, err
	}
	t.emitter.Emit(ctx, events.Event{
		Type:        events.PresenceLeft,
		Entity:      key,
		UserID:      existing.UserID,
		DisplayName: existing.DisplayName,
	})
	return true, nil
}
