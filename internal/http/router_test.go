package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	redis "github.com/redis/go-redis/v9"

	"github.com/splax/previewd/internal/domain"
	"github.com/splax/previewd/internal/ports"
	"github.com/splax/previewd/internal/service/preview"
	"github.com/splax/previewd/internal/ws"
	jwtpkg "github.com/splax/previewd/pkg/jwt"
)

type deploymentsStub struct {
	mu         sync.Mutex
	createResp domain.Deployment
	createErr  error
	stopResp   domain.Deployment
	stopErr    error
	restart    preview.RestartResult
	restartErr error
	logs       []string
	logsErr    error
	list       []domain.Deployment

	lastKey     domain.Key
	lastRepoURL string
	lastTail    int
	creates     int
}

func (s *deploymentsStub) GetOrCreate(_ context.Context, req preview.CreateRequest) (domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastKey = req.Key
	s.lastRepoURL = req.RepoURL
	s.creates++
	d := s.createResp
	d.Key = req.Key
	return d, s.createErr
}

func (s *deploymentsStub) Stop(_ context.Context, key domain.Key) (domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastKey = key
	return s.stopResp, s.stopErr
}

func (s *deploymentsStub) Restart(_ context.Context, key domain.Key) (preview.RestartResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastKey = key
	return s.restart, s.restartErr
}

func (s *deploymentsStub) Status(key domain.Key) preview.StatusView {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastKey = key
	return preview.StatusView{Key: key.String(), TeamID: key.TeamID, Branch: key.Branch, State: preview.StateNone}
}

func (s *deploymentsStub) Logs(_ context.Context, key domain.Key, tail int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastKey = key
	s.lastTail = tail
	return s.logs, s.logsErr
}

func (s *deploymentsStub) List(teamID string) []domain.Deployment {
	var out []domain.Deployment
	for _, d := range s.list {
		if d.Key.TeamID == teamID {
			out = append(out, d)
		}
	}
	return out
}

type statsStub struct{}

func (statsStub) Stats() ports.Stats {
	return ports.Stats{Total: 10, Leased: 1, Free: 9, MinPort: 7000, MaxPort: 7010}
}

func newTestRouter(t *testing.T, stub *deploymentsStub, mutate func(*Dependencies)) *Router {
	t.Helper()
	deps := Dependencies{
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Deployments: stub,
		Ports:       statsStub{},
		ProxyPrefix: "/preview",
		Proxy: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
			_, _ = io.WriteString(w, "proxied "+r.URL.Path)
		}),
		LogTailMax: 500,
	}
	if mutate != nil {
		mutate(&deps)
	}
	router := NewRouter(deps)
	t.Cleanup(router.Close)
	return router
}

func doJSON(t *testing.T, router http.Handler, method, path, team string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if team != "" {
		req.Header.Set(teamHeader, team)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestCreateRequiresTeam(t *testing.T) {
	router := newTestRouter(t, &deploymentsStub{}, nil)
	rec := doJSON(t, router, http.MethodPost, "/create", "", map[string]string{"branch": "main"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}
}

func TestCreateReturnsDeployment(t *testing.T) {
	stub := &deploymentsStub{createResp: domain.Deployment{
		State:      domain.StateRunning,
		Port:       7003,
		Handle:     "local-abc",
		PublicPath: "/preview/t1/main/",
		URL:        "http://localhost:4100/preview/t1/main/",
	}}
	router := newTestRouter(t, stub, nil)
	rec := doJSON(t, router, http.MethodPost, "/create", "t1", map[string]string{"branch": "main", "repo_url": " https://example.com/r.git "})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["port"] != float64(7003) || body["status"] != "Running" || body["handle"] != "local-abc" {
		t.Fatalf("unexpected body %+v", body)
	}
	if body["url"] != "http://localhost:4100/preview/t1/main/" {
		t.Fatalf("unexpected url %v", body["url"])
	}
	if stub.lastKey != domain.NewKey("t1", "main") || stub.lastRepoURL != "https://example.com/r.git" {
		t.Fatalf("unexpected request %+v %q", stub.lastKey, stub.lastRepoURL)
	}
}

func TestCreateWithoutBodyUsesDefaultBranch(t *testing.T) {
	stub := &deploymentsStub{createResp: domain.Deployment{State: domain.StateRunning, Port: 7000}}
	router := newTestRouter(t, stub, nil)
	rec := doJSON(t, router, http.MethodPost, "/create", "t1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	if stub.lastKey.Branch != domain.DefaultBranch {
		t.Fatalf("expected default branch, got %q", stub.lastKey.Branch)
	}
}

func TestCreateMapsErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		branch string
		want   int
	}{
		{name: "exhaustion", err: fmt.Errorf("%w: [7000, 7001)", ports.ErrPortExhaustion), branch: "a", want: http.StatusServiceUnavailable},
		{name: "launch", err: fmt.Errorf("%w: exit status 1", preview.ErrLaunchFailure), branch: "a", want: http.StatusBadGateway},
		{name: "health", err: fmt.Errorf("%w after 45s", preview.ErrHealthTimeout), branch: "a", want: http.StatusBadGateway},
		{name: "canceled", err: preview.ErrCanceled, branch: "a", want: http.StatusConflict},
		{name: "shutdown", err: preview.ErrShuttingDown, branch: "a", want: http.StatusServiceUnavailable},
		{name: "unexpected", err: errors.New("boom"), branch: "a", want: http.StatusInternalServerError},
		{name: "bad branch", branch: "a/b", want: http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stub := &deploymentsStub{createErr: tc.err, createResp: domain.Deployment{State: domain.StateError, LastError: "exit status 1"}}
			router := newTestRouter(t, stub, nil)
			rec := doJSON(t, router, http.MethodPost, "/create", "t1", map[string]string{"branch": tc.branch})
			if rec.Code != tc.want {
				t.Fatalf("expected %d got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
			if tc.want == http.StatusBadGateway {
				body := decode(t, rec)
				if body["status"] != "Error" || body["last_error"] != "exit status 1" {
					t.Fatalf("unexpected failure body %+v", body)
				}
			}
		})
	}
}

func TestStopUnknownIsIdempotent(t *testing.T) {
	router := newTestRouter(t, &deploymentsStub{stopErr: preview.ErrNotFound}, nil)
	rec := doJSON(t, router, http.MethodPost, "/stop", "t1", map[string]string{"branch": "main"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if body := decode(t, rec); body["status"] != "none" {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestStopReportsState(t *testing.T) {
	stub := &deploymentsStub{stopResp: domain.Deployment{State: domain.StateStopped}}
	router := newTestRouter(t, stub, nil)
	rec := doJSON(t, router, http.MethodPost, "/stop?branch=feature", "t1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if body := decode(t, rec); body["status"] != "Stopped" {
		t.Fatalf("unexpected body %+v", body)
	}
	if stub.lastKey.Branch != "feature" {
		t.Fatalf("expected branch from query, got %q", stub.lastKey.Branch)
	}
}

func TestRestartReportsPortChange(t *testing.T) {
	stub := &deploymentsStub{restart: preview.RestartResult{
		Deployment:   domain.Deployment{Key: domain.NewKey("t1", "main"), State: domain.StateRunning, Port: 7005, URL: "http://x/preview/t1/main/"},
		PreviousPort: 7001,
		PortChanged:  true,
	}}
	router := newTestRouter(t, stub, nil)
	rec := doJSON(t, router, http.MethodPost, "/restart", "t1", map[string]string{"branch": "main"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	body := decode(t, rec)
	if body["port_changed"] != true || body["port"] != float64(7005) || body["previous_port"] != float64(7001) {
		t.Fatalf("unexpected body %+v", body)
	}

	stub.restartErr = preview.ErrNotFound
	rec = doJSON(t, router, http.MethodPost, "/restart", "t1", map[string]string{"branch": "gone"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
}

func TestStatusForUnknownKey(t *testing.T) {
	router := newTestRouter(t, &deploymentsStub{}, nil)
	rec := doJSON(t, router, http.MethodGet, "/status?branch=nope", "t1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	body := decode(t, rec)
	if body["state"] != "none" || body["branch"] != "nope" {
		t.Fatalf("unexpected body %+v", body)
	}
	if _, ok := body["port"]; ok {
		t.Fatal("unknown key should not report a port")
	}
}

func TestLogsTailIsBounded(t *testing.T) {
	stub := &deploymentsStub{logs: []string{"a", "b"}}
	router := newTestRouter(t, stub, nil)
	rec := doJSON(t, router, http.MethodGet, "/logs/main?tail=99999", "t1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if stub.lastTail != 500 || stub.lastKey.Branch != "main" {
		t.Fatalf("unexpected call tail=%d key=%+v", stub.lastTail, stub.lastKey)
	}
	body := decode(t, rec)
	if lines, ok := body["lines"].([]any); !ok || len(lines) != 2 {
		t.Fatalf("unexpected lines %+v", body)
	}

	rec = doJSON(t, router, http.MethodGet, "/logs/main?tail=-1", "t1", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
	stub.logsErr = preview.ErrNotFound
	rec = doJSON(t, router, http.MethodGet, "/logs/", "t1", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
	if stub.lastKey.Branch != domain.DefaultBranch {
		t.Fatalf("expected default branch, got %q", stub.lastKey.Branch)
	}
}

func TestStatsAndDeployments(t *testing.T) {
	stub := &deploymentsStub{list: []domain.Deployment{
		{Key: domain.NewKey("t1", "a"), State: domain.StateRunning, Port: 7000, URL: "http://x/preview/t1/a/"},
		{Key: domain.NewKey("t2", "b"), State: domain.StateRunning, Port: 7001},
		{Key: domain.NewKey("t1", "c"), State: domain.StateError, LastError: "health timeout"},
	}}
	router := newTestRouter(t, stub, nil)

	rec := doJSON(t, router, http.MethodGet, "/stats", "t1", nil)
	if body := decode(t, rec); body["total"] != float64(10) || body["leased"] != float64(1) {
		t.Fatalf("unexpected stats %+v", body)
	}

	rec = doJSON(t, router, http.MethodGet, "/deployments", "t1", nil)
	body := decode(t, rec)
	items, ok := body["deployments"].([]any)
	if !ok || len(items) != 2 {
		t.Fatalf("expected only t1 deployments, got %+v", body)
	}
	second := items[1].(map[string]any)
	if second["branch"] != "c" || second["last_error"] != "health timeout" {
		t.Fatalf("unexpected item %+v", second)
	}
}

func TestJWTTeamContext(t *testing.T) {
	const secret = "s3cret"
	stub := &deploymentsStub{}
	router := newTestRouter(t, stub, func(d *Dependencies) { d.JWTSecret = secret })

	rec := doJSON(t, router, http.MethodGet, "/status", "t1", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("header-only team should be rejected when a secret is set, got %d", rec.Code)
	}

	token, err := jwtpkg.IssueTeamToken("team-jwt", "u1", secret, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/status?branch=main", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	if stub.lastKey.TeamID != "team-jwt" {
		t.Fatalf("team should come from the token, got %q", stub.lastKey.TeamID)
	}

	bad, _ := jwtpkg.IssueTeamToken("team-jwt", "u1", "other", time.Minute)
	req = httptest.NewRequest(http.MethodGet, "/status?access_token="+bad, nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for foreign signature, got %d", rec.Code)
	}
}

func TestCreateIsRateLimitedPerTeam(t *testing.T) {
	stub := &deploymentsStub{createResp: domain.Deployment{State: domain.StateRunning}}
	router := newTestRouter(t, stub, nil)
	for i := 0; i < rateLimitMutate; i++ {
		rec := doJSON(t, router, http.MethodPost, "/create", "busy", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200 got %d", i, rec.Code)
		}
	}
	rec := doJSON(t, router, http.MethodPost, "/create", "busy", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 got %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("unexpected remaining header %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
	if rec := doJSON(t, router, http.MethodPost, "/create", "quiet", nil); rec.Code != http.StatusOK {
		t.Fatalf("other teams should not share the limit, got %d", rec.Code)
	}
}

func TestProxyMountedUnderPrefix(t *testing.T) {
	router := newTestRouter(t, &deploymentsStub{}, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/preview/t1/main/app.js", nil))
	if rec.Code != http.StatusTeapot || rec.Body.String() != "proxied /preview/t1/main/app.js" {
		t.Fatalf("unexpected proxy response %d %q", rec.Code, rec.Body.String())
	}
}

func TestHealthzReportsDependencyFailure(t *testing.T) {
	router := newTestRouter(t, &deploymentsStub{}, func(d *Dependencies) {
		d.Health = func(context.Context) error { return errors.New("database unreachable") }
	})
	rec := doJSON(t, router, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", rec.Code)
	}
	healthy := newTestRouter(t, &deploymentsStub{}, nil)
	if rec := doJSON(t, healthy, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	router := newTestRouter(t, &deploymentsStub{}, nil)
	doJSON(t, router, http.MethodGet, "/healthz", "", nil)
	rec := doJSON(t, router, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "previewd_api_http_requests_total") {
		t.Fatalf("expected request metrics exposed, got %d", rec.Code)
	}
}

func TestEventsWebsocketStreamsTeamEvents(t *testing.T) {
	hub := ws.NewHub()
	defer hub.Stop()
	router := newTestRouter(t, &deploymentsStub{}, func(d *Dependencies) { d.Hub = hub })
	server := httptest.NewServer(router)
	defer server.Close()

	header := http.Header{}
	header.Set(teamHeader, "t1")
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/ws/events", header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers("t1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	hub.Broadcast("t2", []byte(`{"key":"t2:x"}`))
	hub.Broadcast("t1", []byte(`{"key":"t1:main","state":"Running"}`))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(msg), "t1:main") {
		t.Fatalf("unexpected message %s", msg)
	}
}

func TestRedisLimiterFailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	limiter := newRedisRateLimiter(client, nil)
	defer limiter.Close()
	if decision := limiter.Allow("team:t1", 1, time.Minute); !decision.allowed {
		t.Fatal("unreachable redis should not block requests")
	}
}

func TestMemoryLimiterWindowResets(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewMemoryRateLimiter().(*memoryRateLimiter)
	defer rl.Close()
	rl.now = func() time.Time { return now }
	if !rl.Allow("k", 1, time.Second).allowed {
		t.Fatal("first request should pass")
	}
	if rl.Allow("k", 1, time.Second).allowed {
		t.Fatal("second request in window should be limited")
	}
	now = now.Add(2 * time.Second)
	if !rl.Allow("k", 1, time.Second).allowed {
		t.Fatal("request in new window should pass")
	}
	rl.cleanup(now.Add(time.Hour))
	if len(rl.entries) != 0 {
		t.Fatal("expired windows should be swept")
	}
}
