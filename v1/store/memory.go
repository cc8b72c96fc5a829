package store

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemoryStore is a Store kept in local memory. It is suitable for tests and
// single-process deployments; it gives no cross-process guarantees.
type InMemoryStore struct {
	mu            sync.Mutex
	items         map[string]item
	now           func() time.Time
	sweepInterval time.Duration
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

type item struct {
	value     []byte
	expiresAt time.Time
}

func (it item) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && !now.Before(it.expiresAt)
}

// InMemoryOption configures an InMemoryStore.
type InMemoryOption func(*InMemoryStore)

// WithSweepInterval sets the interval at which expired items are removed.
// A zero or negative duration disables the background sweeper; expired items
// are then only dropped when touched.
func WithSweepInterval(d time.Duration) InMemoryOption {
	return func(s *InMemoryStore) {
		s.sweepInterval = d
	}
}

// WithNow overrides the clock used for expiry decisions.
func WithNow(now func() time.Time) InMemoryOption {
	return func(s *InMemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

const defaultSweepInterval = time.Minute

// NewInMemory returns a new InMemoryStore. A background sweeper removes
// expired items every minute unless configured otherwise.
func NewInMemory(opts ...InMemoryOption) *InMemoryStore {
	ctx, cancel := context.WithCancel(context.Background())
	s := &InMemoryStore{
		items:         make(map[string]item),
		now:           time.Now,
		sweepInterval: defaultSweepInterval,
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sweepInterval > 0 {
		s.wg.Add(1)
		go s.sweeper()
	}
	return s
}

func (s *InMemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// lookup returns the live item for key, dropping it when expired.
// The caller must hold s.mu.
func (s *InMemoryStore) lookup(key string) (item, bool) {
	it, ok := s.items[key]
	if !ok {
		return item{}, false
	}
	if it.expired(s.now()) {
		delete(s.items, key)
		return item{}, false
	}
	return it, true
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}

// Get implements Store.Get.
func (s *InMemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.lookup(key)
	if !ok {
		return nil, false, nil
	}
	return clone(it.value), true, nil
}

// Set implements Store.Set.
func (s *InMemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.items[key] = item{value: clone(value), expiresAt: s.expiry(ttl)}
	s.mu.Unlock()
	return nil
}

// SetNX implements Store.SetNX.
func (s *InMemoryStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookup(key); ok {
		return false, nil
	}
	s.items[key] = item{value: clone(value), expiresAt: s.expiry(ttl)}
	return true, nil
}

// CompareAndSwap implements Store.CompareAndSwap.
func (s *InMemoryStore) CompareAndSwap(ctx context.Context, key string, old, new []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.lookup(key)
	if !ok || !bytes.Equal(it.value, old) {
		return false, nil
	}
	s.items[key] = item{value: clone(new), expiresAt: s.expiry(ttl)}
	return true, nil
}

// CompareAndDelete implements Store.CompareAndDelete.
func (s *InMemoryStore) CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.lookup(key)
	if !ok || !bytes.Equal(it.value, old) {
		return false, nil
	}
	delete(s.items, key)
	return true, nil
}

// Delete implements Store.Delete.
func (s *InMemoryStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.lookup(key)
	delete(s.items, key)
	return ok, nil
}

// Scan implements Store.Scan. Entries are returned in key order.
func (s *InMemoryStore) Scan(ctx context.Context, prefix string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := s.now()
	s.mu.Lock()
	var out []Entry
	for k, it := range s.items {
		if !strings.HasPrefix(k, prefix) || it.expired(now) {
			continue
		}
		out = append(out, Entry{Key: k, Value: clone(it.value)})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Ping implements Store.Ping.
func (s *InMemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Len returns the number of physically stored items, expired or not.
func (s *InMemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// sweeper periodically samples items and removes the expired ones, repeating
// while a large share of the sample turns out to be stale.
func (s *InMemoryStore) sweeper() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	const (
		sampleSize    = 20
		evictionRatio = 0.25
	)

	for {
		select {
		case <-ticker.C:
			for {
				expiredCount := 0
				checkedCount := 0
				now := s.now()

				s.mu.Lock()
				if len(s.items) == 0 {
					s.mu.Unlock()
					break
				}
				for k, it := range s.items {
					checkedCount++
					if it.expired(now) {
						delete(s.items, k)
						expiredCount++
					}
					if checkedCount >= sampleSize {
						break
					}
				}
				s.mu.Unlock()

				if float64(expiredCount) < float64(sampleSize)*evictionRatio {
					break
				}
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// Close stops the sweeper and drops all items.
func (s *InMemoryStore) Close() {
	s.cancel()
	s.wg.Wait()
	s.mu.Lock()
	s.items = make(map[string]item)
	s.mu.Unlock()
}
