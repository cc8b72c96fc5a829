package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	redis "github.com/redis/go-redis/v9"

	"github.com/salesos/collab/v1/entity"
	"github.com/salesos/collab/v1/events"
	"github.com/salesos/collab/v1/lock"
	"github.com/salesos/collab/v1/presence"
	"github.com/salesos/collab/v1/store"
)

type testServer struct {
	*httptest.Server
	bus *events.InMemoryBus
}

func newTestServer(t *testing.T, s store.Store, auth Authenticator, opts ...Option) *testServer {
	t.Helper()
	bus := events.NewInMemory()
	emitter := events.NewEmitter(bus, nil)
	mgr, err := lock.NewManager(s, lock.WithEmitter(emitter))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	tracker := presence.NewTracker(s, presence.WithEmitter(emitter))
	opts = append([]Option{WithEventBus(bus), WithHealthCheck(s)}, opts...)
	srv := httptest.NewServer(NewServer(mgr, tracker, auth, opts...))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, bus: bus}
}

func newMemoryServer(t *testing.T, opts ...Option) *testServer {
	s := store.NewInMemory(store.WithSweepInterval(0))
	t.Cleanup(s.Close)
	return newTestServer(t, s, HeaderAuthenticator{}, opts...)
}

func (ts *testServer) do(t *testing.T, method, path, user, body string, out any) int {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if user != "" {
		req.Header.Set("X-User-Id", user)
		req.Header.Set("X-User-Name", strings.ToUpper(user[:1])+user[1:])
		req.Header.Set("X-User-Email", user+"@example.com")
		if user == "root" {
			req.Header.Set("X-User-Roles", "sales, admin")
		}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestLockLifecycle(t *testing.T) {
	ts := newMemoryServer(t)
	const path = "/collaboration/locks/deal/42"

	var res lock.Result
	if code := ts.do(t, http.MethodPost, path, "alice", `{"ttlSeconds":120}`, &res); code != http.StatusOK || !res.Success {
		t.Fatalf("acquire: %d %+v", code, res)
	}
	if res.Lock.HolderDisplayName != "Alice" || res.Lock.TTLSeconds != 120 {
		t.Fatalf("unexpected lock %+v", res.Lock)
	}

	var conflict lock.Result
	if code := ts.do(t, http.MethodPost, path, "bob", "", &conflict); code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", code)
	}
	if conflict.Reason != lock.ReasonHeldByOther || conflict.Lock.HolderUserID != "alice" {
		t.Fatalf("unexpected conflict %+v", conflict)
	}

	var status lockStatus
	ts.do(t, http.MethodGet, path, "bob", "", &status)
	if !status.Locked || status.Lock.HolderUserID != "alice" {
		t.Fatalf("unexpected status %+v", status)
	}

	var owned map[string]bool
	ts.do(t, http.MethodGet, path+"/owned", "alice", "", &owned)
	if !owned["owned"] {
		t.Fatal("alice should own the lock")
	}
	ts.do(t, http.MethodGet, path+"/owned", "bob", "", &owned)
	if owned["owned"] {
		t.Fatal("bob should not own the lock")
	}

	if code := ts.do(t, http.MethodPost, path+"/refresh", "bob", "", nil); code != http.StatusConflict {
		t.Fatalf("refresh by bob: expected 409, got %d", code)
	}
	if code := ts.do(t, http.MethodPost, path+"/refresh", "alice", "", nil); code != http.StatusOK {
		t.Fatalf("refresh by alice: expected 200, got %d", code)
	}

	var mine []lock.Lock
	ts.do(t, http.MethodGet, "/collaboration/locks/my-locks", "alice", "", &mine)
	if len(mine) != 1 || mine[0].EntityID != "42" {
		t.Fatalf("unexpected my-locks %+v", mine)
	}

	var released map[string]bool
	ts.do(t, http.MethodDelete, path, "bob", "", &released)
	if released["released"] {
		t.Fatal("bob released alice's lock")
	}
	ts.do(t, http.MethodDelete, path, "alice", "", &released)
	if !released["released"] {
		t.Fatal("alice could not release her lock")
	}
	ts.do(t, http.MethodGet, path, "bob", "", &status)
	if status.Locked || status.Lock != nil {
		t.Fatalf("expected unlocked, got %+v", status)
	}
	if code := ts.do(t, http.MethodPost, path+"/refresh", "alice", "", nil); code != http.StatusNotFound {
		t.Fatalf("refresh without lock: expected 404, got %d", code)
	}
}

func TestAcquireRejectsBadBody(t *testing.T) {
	ts := newMemoryServer(t)
	if code := ts.do(t, http.MethodPost, "/collaboration/locks/deal/1", "alice", `{"ttlSeconds":"soon"}`, nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
	if code := ts.do(t, http.MethodPost, "/collaboration/locks/deal/1", "alice", `{"ttlSeconds":-5}`, nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
}

func TestOversizedTTLIsClampedToMax(t *testing.T) {
	ts := newMemoryServer(t)
	const path = "/collaboration/locks/deal/1"
	want := int(lock.MaxTTL / time.Second)

	var res lock.Result
	if code := ts.do(t, http.MethodPost, path, "alice", `{"ttlSeconds":10000000000}`, &res); code != http.StatusOK || !res.Success {
		t.Fatalf("acquire: %d %+v", code, res)
	}
	if res.Lock.TTLSeconds != want {
		t.Fatalf("acquire: expected ttl %d, got %d", want, res.Lock.TTLSeconds)
	}
	res = lock.Result{}
	if code := ts.do(t, http.MethodPost, path+"/refresh", "alice", `{"ttlSeconds":9223372036854775807}`, &res); code != http.StatusOK || !res.Success {
		t.Fatalf("refresh: %d %+v", code, res)
	}
	if res.Lock.TTLSeconds != want {
		t.Fatalf("refresh: expected ttl %d, got %d", want, res.Lock.TTLSeconds)
	}
}

func TestForceRelease(t *testing.T) {
	ts := newMemoryServer(t)
	const path = "/collaboration/locks/deal/42"
	ts.do(t, http.MethodPost, path, "alice", "", nil)

	if code := ts.do(t, http.MethodDelete, path+"/force", "root", "", nil); code != http.StatusBadRequest {
		t.Fatalf("missing confirm: expected 400, got %d", code)
	}
	if code := ts.do(t, http.MethodDelete, path+"/force?confirm=true", "bob", "", nil); code != http.StatusForbidden {
		t.Fatalf("non admin: expected 403, got %d", code)
	}
	var released map[string]bool
	if code := ts.do(t, http.MethodDelete, path+"/force?confirm=true", "root", "", &released); code != http.StatusOK || !released["released"] {
		t.Fatalf("force release: %d %v", code, released)
	}
	var status lockStatus
	ts.do(t, http.MethodGet, path, "bob", "", &status)
	if status.Locked {
		t.Fatal("lock survived force release")
	}
}

func TestForceReleaseWithoutAdminRole(t *testing.T) {
	ts := newMemoryServer(t, WithAdminRole(""))
	const path = "/collaboration/locks/deal/42"
	ts.do(t, http.MethodPost, path, "alice", "", nil)
	var released map[string]bool
	if code := ts.do(t, http.MethodDelete, path+"/force?confirm=true", "bob", "", &released); code != http.StatusOK || !released["released"] {
		t.Fatalf("force release: %d %v", code, released)
	}
}

func TestPresenceEndpoints(t *testing.T) {
	ts := newMemoryServer(t)
	const path = "/collaboration/presence/deal/42"

	if code := ts.do(t, http.MethodPost, path, "alice", `{"avatarUrl":"https://example.com/a.png"}`, nil); code != http.StatusNoContent {
		t.Fatalf("record view: expected 204, got %d", code)
	}
	if code := ts.do(t, http.MethodPost, path, "bob", "", nil); code != http.StatusNoContent {
		t.Fatalf("record view: expected 204, got %d", code)
	}

	var viewers []presence.Record
	ts.do(t, http.MethodGet, path, "carol", "", &viewers)
	if len(viewers) != 2 || viewers[0].UserID != "alice" || viewers[0].AvatarURL == "" {
		t.Fatalf("unexpected viewers %+v", viewers)
	}
	var count map[string]int
	ts.do(t, http.MethodGet, path+"/count", "carol", "", &count)
	if count["count"] != 2 {
		t.Fatalf("unexpected count %v", count)
	}

	var summary struct {
		Summary []struct {
			EntityType string `json:"entityType"`
			EntityID   string `json:"entityId"`
			Count      int    `json:"count"`
		} `json:"summary"`
	}
	body := `{"entities":[{"entityType":"deal","entityId":"42"},{"entityType":"deal","entityId":"43"}]}`
	if code := ts.do(t, http.MethodPost, "/collaboration/presence/summary", "carol", body, &summary); code != http.StatusOK {
		t.Fatalf("summary: %d", code)
	}
	if len(summary.Summary) != 2 || summary.Summary[0].Count != 2 || summary.Summary[1].Count != 0 || summary.Summary[1].EntityID != "43" {
		t.Fatalf("unexpected summary %+v", summary)
	}

	var left map[string]bool
	ts.do(t, http.MethodDelete, path, "bob", "", &left)
	if !left["left"] {
		t.Fatal("bob could not leave")
	}
	ts.do(t, http.MethodGet, path+"/count", "carol", "", &count)
	if count["count"] != 1 {
		t.Fatalf("unexpected count after leave %v", count)
	}
}

func TestUnauthenticated(t *testing.T) {
	ts := newMemoryServer(t)
	for _, path := range []string{"/collaboration/locks/deal/1", "/collaboration/presence/deal/1", "/collaboration/locks/my-locks"} {
		if code := ts.do(t, http.MethodGet, path, "", "", nil); code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, code)
		}
	}
}

func TestStoreUnavailableIs503(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	ts := newTestServer(t, store.NewRedis(client), HeaderAuthenticator{})

	if code := ts.do(t, http.MethodGet, "/healthz", "", "", nil); code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", code)
	}
	mr.Close()

	if code := ts.do(t, http.MethodPost, "/collaboration/locks/deal/1", "alice", "", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("acquire: expected 503, got %d", code)
	}
	if code := ts.do(t, http.MethodGet, "/collaboration/presence/deal/1/count", "alice", "", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("count: expected 503, got %d", code)
	}
	if code := ts.do(t, http.MethodGet, "/healthz", "", "", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("healthz: expected 503, got %d", code)
	}
}

func signToken(t *testing.T, secret []byte, claims Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func TestJWTAuthenticator(t *testing.T) {
	secret := []byte("s3cret")
	s := store.NewInMemory(store.WithSweepInterval(0))
	t.Cleanup(s.Close)
	ts := newTestServer(t, s, NewJWTAuthenticator(secret))

	token := signToken(t, secret, Claims{
		Email: "alice@example.com",
		Name:  "Alice",
		Roles: []string{"sales"},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/collaboration/locks/deal/1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	var res lock.Result
	_ = json.NewDecoder(resp.Body).Decode(&res)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || res.Lock.HolderUserID != "alice" || res.Lock.HolderEmail != "alice@example.com" {
		t.Fatalf("acquire: %d %+v", resp.StatusCode, res)
	}

	bad := []string{
		signToken(t, []byte("other"), Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "alice"}}),
		signToken(t, secret, Claims{RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		}}),
		signToken(t, secret, Claims{Name: "nobody"}),
	}
	for i, tok := range bad {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/collaboration/locks/deal/1?access_token="+tok, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("case %d: %v", i, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("case %d: expected 401, got %d", i, resp.StatusCode)
		}
	}
}

func waitForWatcher(t *testing.T, bus *events.InMemoryBus, topic string) {
	t.Helper()
	for i := 0; i < 100; i++ {
		if bus.Watchers(topic) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("watcher never registered")
}

func TestEventStreamSSE(t *testing.T) {
	ts := newMemoryServer(t)
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/collaboration/events/deal/42", nil)
	req.Header.Set("X-User-Id", "carol")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	waitForWatcher(t, ts.bus, events.Topic(entity.New("deal", "42")))

	ts.do(t, http.MethodPost, "/collaboration/locks/deal/42", "alice", "", nil)

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	payload, ok := strings.CutPrefix(strings.TrimSpace(line), "data: ")
	if !ok {
		t.Fatalf("unexpected line %q", line)
	}
	var evt events.Event
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt.Type != events.LockAcquired || evt.UserID != "alice" || evt.ExpiresAt == nil {
		t.Fatalf("unexpected event %+v", evt)
	}
}

func TestEventStreamWebSocket(t *testing.T) {
	ts := newMemoryServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/collaboration/events/deal/42/ws"
	header := http.Header{}
	header.Set("X-User-Id", "carol")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitForWatcher(t, ts.bus, events.Topic(entity.New("deal", "42")))

	ts.do(t, http.MethodPost, "/collaboration/presence/deal/42", "bob", "", nil)

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var evt events.Event
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read: %v", err)
	}
	if evt.Type != events.PresenceJoined || evt.UserID != "bob" {
		t.Fatalf("unexpected event %+v", evt)
	}
}

func TestEventStreamDisabled(t *testing.T) {
	s := store.NewInMemory(store.WithSweepInterval(0))
	t.Cleanup(s.Close)
	mgr, _ := lock.NewManager(s)
	srv := httptest.NewServer(NewServer(mgr, presence.NewTracker(s), HeaderAuthenticator{}))
	defer srv.Close()

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL+"/collaboration/events/deal/42", nil)
	req.Header.Set("X-User-Id", "carol")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
