package lock

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/salesos/collab/v1/entity"
	"github.com/salesos/collab/v1/events"
	"github.com/salesos/collab/v1/metrics"
	"github.com/salesos/collab/v1/store"
)

const (
	DefaultTTL = 300 * time.Second
	MinTTL     = 30 * time.Second
	MaxTTL     = time.Hour

	// KeyPrefix namespaces lock records in the store.
	KeyPrefix = "collab:lock:"

	// maxAttempts bounds how often a lost conditional write is re-evaluated
	// against the fresh state before giving up.
	maxAttempts = 3
)

// ErrInvalidTTLBounds is returned by NewManager when the configured TTLs do
// not satisfy 0 < min <= default <= max.
var ErrInvalidTTLBounds = errors.New("lock: invalid ttl bounds")

var tracer = otel.Tracer("github.com/salesos/collab/v1/lock")

// Manager grants, renews and releases entity locks over a shared store.
// It keeps no lock state of its own.
type Manager struct {
	store   store.Store
	codec   store.Codec
	now     func() time.Time
	emitter *events.Emitter
	logger  *slog.Logger

	defaultTTL time.Duration
	minTTL     time.Duration
	maxTTL     time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithDefaultTTL sets the TTL applied when a caller passes zero.
func WithDefaultTTL(d time.Duration) Option {
	return func(m *Manager) {
		m.defaultTTL = d
	}
}

// WithTTLBounds sets the range requested TTLs are clamped into.
func WithTTLBounds(min, max time.Duration) Option {
	return func(m *Manager) {
		m.minTTL = min
		m.maxTTL = max
	}
}

// WithClock overrides the clock used for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithEmitter publishes lock transitions through e.
func WithEmitter(e *events.Emitter) Option {
	return func(m *Manager) {
		m.emitter = e
	}
}

// WithLogger sets the logger used for diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithCodec sets the codec used to encode lock records.
func WithCodec(c store.Codec) Option {
	return func(m *Manager) {
		if c != nil {
			m.codec = c
		}
	}
}

// NewManager returns a Manager backed by s.
func NewManager(s store.Store, opts ...Option) (*Manager, error) {
	m := &Manager{
		store:      s,
		codec:      store.JSONCodec{},
		now:        time.Now,
		logger:     slog.Default(),
		defaultTTL: DefaultTTL,
		minTTL:     MinTTL,
		maxTTL:     MaxTTL,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.minTTL <= 0 || m.minTTL > m.maxTTL || m.defaultTTL < m.minTTL || m.defaultTTL > m.maxTTL {
		return nil, ErrInvalidTTLBounds
	}
	return m, nil
}

// TTL returns the effective TTL for a requested duration: zero selects the
// default, anything else is clamped into the configured bounds.
func (m *Manager) TTL(requested time.Duration) time.Duration {
	switch {
	case requested <= 0:
		return m.defaultTTL
	case requested < m.minTTL:
		return m.minTTL
	case requested > m.maxTTL:
		return m.maxTTL
	}
	return requested
}

func storeKey(key entity.Key) string {
	return KeyPrefix + key.Segment()
}

func (m *Manager) startSpan(ctx context.Context, op string, key entity.Key) (context.Context, trace.Span) {
	return tracer.Start(ctx, "lock."+op, trace.WithAttributes(
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

// read returns the raw record stored for key together with its decoded form.
// An undecodable record yields a nil Lock but keeps raw so that it can be
// replaced by a conditional write.
func (m *Manager) read(ctx context.Context, key entity.Key) ([]byte, *Lock, error) {
	raw, ok, err := m.store.Get(ctx, storeKey(key))
	if err != nil || !ok {
		return nil, nil, err
	}
	var l Lock
	if err := m.codec.Unmarshal(raw, &l); err != nil {
		m.logger.Warn("collab: discarding undecodable lock record",
			"entity", key.String(), "error", err)
		return raw, nil, nil
	}
	return raw, &l, nil
}

// live returns the current lock for key when it has not expired.
func (m *Manager) live(ctx context.Context, key entity.Key) ([]byte, *Lock, error) {
	raw, l, err := m.read(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if l != nil && !l.Live(m.now()) {
		l = nil
	}
	return raw, l, nil
}

// Status returns the live lock on key, or nil when the entity is not locked.
func (m *Manager) Status(ctx context.Context, key entity.Key) (*Lock, error) {
	if !key.Valid() {
		return nil, nil
	}
	ctx, span := m.startSpan(ctx, "Status", key)
	_, l, err := m.live(ctx, key)
	endSpan(span, err)
	return l, err
}

// Acquire grants h a lock on key for ttl. When h already holds the lock it is
// extended instead. When another user holds it the Result carries that lock
// and ReasonHeldByOther, and nothing is written.
func (m *Manager) Acquire(ctx context.Context, key entity.Key, h Holder, ttl time.Duration) (Result, error) {
	if !key.Valid() || h.UserID == "" {
		return Result{Reason: ReasonInvalid}, nil
	}
	ctx, span := m.startSpan(ctx, "Acquire", key)
	res, outcome, err := m.acquire(ctx, key, h, m.TTL(ttl))
	endSpan(span, err)
	if err != nil {
		return Result{}, err
	}
	metrics.LockAcquireCounter.WithLabelValues(outcome).Inc()
	if res.Success {
		typ := events.LockAcquired
		if outcome == "reentered" {
			typ = events.LockRefreshed
		}
		m.emit(ctx, typ, res.Lock)
	}
	return res, nil
}

func (m *Manager) acquire(ctx context.Context, key entity.Key, h Holder, ttl time.Duration) (Result, string, error) {
	sk := storeKey(key)
	var cur *Lock
	for attempt := 0; attempt < maxAttempts; attempt++ {
		raw, l, err := m.live(ctx, key)
		if err != nil {
			return Result{}, "", err
		}
		cur = l
		now := m.now()

		if cur != nil && cur.HolderUserID != h.UserID {
			return Result{Lock: cur, Reason: ReasonHeldByOther}, string(ReasonHeldByOther), nil
		}

		var next Lock
		outcome := "acquired"
		if cur != nil {
			next = *cur
			next.HolderDisplayName = h.DisplayName
			next.HolderEmail = h.Email
			outcome = "reentered"
		} else {
			next = Lock{
				ID:                uuid.NewString(),
				EntityType:        key.Type,
				EntityID:          key.ID,
				HolderUserID:      h.UserID,
				HolderDisplayName: h.DisplayName,
				HolderEmail:       h.Email,
				AcquiredAt:        now,
			}
		}
		next.ExpiresAt = now.Add(ttl)
		next.TTLSeconds = int(ttl / time.Second)

		data, err := m.codec.Marshal(next)
		if err != nil {
			return Result{}, "", err
		}
		var ok bool
		if raw == nil {
			ok, err = m.store.SetNX(ctx, sk, data, ttl)
		} else {
			// replaces our own live lock, or a record that is logically
			// expired but still physically present
			ok, err = m.store.CompareAndSwap(ctx, sk, raw, data, ttl)
		}
		if err != nil {
			return Result{}, "", err
		}
		if ok {
			return Result{Success: true, Lock: &next}, outcome, nil
		}
		m.logger.Debug("collab: lock write lost a race, re-evaluating",
			"entity", key.String(), "attempt", attempt+1)
	}

	_, cur, err := m.live(ctx, key)
	if err != nil {
		return Result{}, "", err
	}
	if cur != nil && cur.HolderUserID != h.UserID {
		return Result{Lock: cur, Reason: ReasonHeldByOther}, string(ReasonHeldByOther), nil
	}
	return Result{Reason: ReasonContended}, string(ReasonContended), nil
}

// Refresh extends the lock held by userID on key by ttl from now.
func (m *Manager) Refresh(ctx context.Context, key entity.Key, userID string, ttl time.Duration) (Result, error) {
	if !key.Valid() || userID == "" {
		return Result{Reason: ReasonNotFound}, nil
	}
	ctx, span := m.startSpan(ctx, "Refresh", key)
	res, err := m.refresh(ctx, key, userID, m.TTL(ttl))
	endSpan(span, err)
	if err != nil {
		return Result{}, err
	}
	outcome := "refreshed"
	if !res.Success {
		outcome = string(res.Reason)
	}
	metrics.LockRefreshCounter.WithLabelValues(outcome).Inc()
	if res.Success {
		m.emit(ctx, events.LockRefreshed, res.Lock)
	}
	return res, nil
}

func (m *Manager) refresh(ctx context.Context, key entity.Key, userID string, ttl time.Duration) (Result, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		raw, cur, err := m.live(ctx, key)
		if err != nil {
			return Result{}, err
		}
		if cur == nil {
			return Result{Reason: ReasonNotFound}, nil
		}
		if cur.HolderUserID != userID {
			return Result{Lock: cur, Reason: ReasonHeldByOther}, nil
		}
		next := *cur
		next.ExpiresAt = m.now().Add(ttl)
		next.TTLSeconds = int(ttl / time.Second)
		data, err := m.codec.Marshal(next)
		if err != nil {
			return Result{}, err
		}
		ok, err := m.store.CompareAndSwap(ctx, storeKey(key), raw, data, ttl)
		if err != nil {
			return Result{}, err
		}
		if ok {
			return Result{Success: true, Lock: &next}, nil
		}
	}
	_, cur, err := m.live(ctx, key)
	if err != nil {
		return Result{}, err
	}
	switch {
	case cur == nil:
		return Result{Reason: ReasonNotFound}, nil
	case cur.HolderUserID != userID:
		return Result{Lock: cur, Reason: ReasonHeldByOther}, nil
	}
	return Result{Reason: ReasonContended}, nil
}

// Release removes the lock on key when userID holds it. It reports false when
// there is no live lock or someone else holds it.
func (m *Manager) Release(ctx context.Context, key entity.Key, userID string) (bool, error) {
	if !key.Valid() || userID == "" {
		return false, nil
	}
	ctx, span := m.startSpan(ctx, "Release", key)
	raw, cur, err := m.live(ctx, key)
	if err != nil || cur == nil || cur.HolderUserID != userID {
		endSpan(span, err)
		return false, err
	}
	ok, err := m.store.CompareAndDelete(ctx, storeKey(key), raw)
	endSpan(span, err)
	if err != nil || !ok {
		return false, err
	}
	metrics.LockReleaseCounter.Inc()
	m.emit(ctx, events.LockReleased, cur)
	return true, nil
}

// Owns reports whether userID currently holds the lock on key.
func (m *Manager) Owns(ctx context.Context, key entity.Key, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	l, err := m.Status(ctx, key)
	if err != nil || l == nil {
		return false, err
	}
	return l.HolderUserID == userID, nil
}

// UserLocks returns the live locks held by userID ordered by acquisition
// time. Locks are rebuilt from a scan of the lock namespace on every call.
func (m *Manager) UserLocks(ctx context.Context, userID string) ([]Lock, error) {
	if userID == "" {
		return nil, nil
	}
	ctx, span := tracer.Start(ctx, "lock.UserLocks")
	entries, err := m.store.Scan(ctx, KeyPrefix)
	endSpan(span, err)
	if err != nil {
		return nil, err
	}
	now := m.now()
	out := make([]Lock, 0)
	for _, e := range entries {
		var l Lock
		if err := m.codec.Unmarshal(e.Value, &l); err != nil {
			m.logger.Warn("collab: skipping undecodable lock record",
				"key", strings.TrimPrefix(e.Key, KeyPrefix), "error", err)
			continue
		}
		if l.HolderUserID != userID || !l.Live(now) {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AcquiredAt.Equal(out[j].AcquiredAt) {
			return out[i].AcquiredAt.Before(out[j].AcquiredAt)
		}
		return out[i].Key().String() < out[j].Key().String()
	})
	return out, nil
}

// ForceRelease deletes the lock on key whoever holds it. It reports whether a
// live lock was removed. Callers are responsible for authorising the request.
func (m *Manager) ForceRelease(ctx context.Context, key entity.Key) (bool, error) {
	if !key.Valid() {
		return false, nil
	}
	ctx, span := m.startSpan(ctx, "ForceRelease", key)
	cur, err := m.forceRelease(ctx, key)
	endSpan(span, err)
	if err != nil || cur == nil {
		return false, err
	}
	metrics.LockForceReleaseCounter.Inc()
	m.logger.Info("collab: lock force released",
		"entity", key.String(), "holder", cur.HolderUserID)
	m.emit(ctx, events.LockForceReleased, cur)
	return true, nil
}

// forceRelease deletes exactly the record it read and returns it when it was
// live. A record replaced in between is read again.
func (m *Manager) forceRelease(ctx context.Context, key entity.Key) (*Lock, error) {
	sk := storeKey(key)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		raw, cur, err := m.live(ctx, key)
		if err != nil || raw == nil {
			return nil, err
		}
		ok, err := m.store.CompareAndDelete(ctx, sk, raw)
		if err != nil {
			return nil, err
		}
		if ok {
			return cur, nil
		}
		m.logger.Debug("collab: force release lost a race, re-evaluating",
			"entity", key.String(), "attempt", attempt+1)
	}
	return nil, nil
}

func (m *Manager) emit(ctx context.Context, typ events.Type, l *Lock) {
	if l == nil {
		return
	}
	evt := events.Event{
		Type:        typ,
		Entity:      l.Key(),
		UserID:      l.HolderUserID,
		DisplayName: l.HolderDisplayName,
	}
	if typ == events.LockAcquired || typ == events.LockRefreshed {
		exp := l.ExpiresAt
		evt.ExpiresAt = &exp
	}
	m.emitter.Emit(ctx, evt)
}
