package httpx

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/previewd/internal/domain"
	"github.com/splax/previewd/internal/ports"
	"github.com/splax/previewd/internal/service/preview"
	"github.com/splax/previewd/internal/ws"
)

// Deployments is the registry surface the HTTP layer drives.
type Deployments interface {
	GetOrCreate(ctx context.Context, req preview.CreateRequest) (domain.Deployment, error)
	Stop(ctx context.Context, key domain.Key) (domain.Deployment, error)
	Restart(ctx context.Context, key domain.Key) (preview.RestartResult, error)
	Status(key domain.Key) preview.StatusView
	Logs(ctx context.Context, key domain.Key, tail int) ([]string, error)
	List(teamID string) []domain.Deployment
}

// PortStats reports the lease table.
type PortStats interface {
	Stats() ports.Stats
}

// Dependencies wires the router.
type Dependencies struct {
	Logger      *slog.Logger
	Deployments Deployments
	Ports       PortStats
	Proxy       http.Handler
	ProxyPrefix string
	Hub         *ws.Hub
	Limiter     RateLimiter
	JWTSecret   string
	LogTailMax  int
	Health      func(context.Context) error
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	deployments Deployments
	ports       PortStats
	proxy       http.Handler
	proxyPrefix string
	hub         *ws.Hub
	upgrader    websocket.Upgrader
	limiter     RateLimiter
	jwtSecret   string
	logTailMax  int
	health      func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	proxyRequests      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitMutate    = 30
	rateLimitRead      = 240
	rateLimitStream    = 30
	healthCheckTimeout = 2 * time.Second
	sseHeartbeat       = 15 * time.Second
	defaultLogTailMax  = 2000
)

// NewRouter assembles routes with dependencies.
func NewRouter(deps Dependencies) *Router {
	r := &Router{
		mux:         http.NewServeMux(),
		logger:      deps.Logger,
		deployments: deps.Deployments,
		ports:       deps.Ports,
		proxy:       deps.Proxy,
		proxyPrefix: strings.TrimRight(deps.ProxyPrefix, "/"),
		hub:         deps.Hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:    deps.Limiter,
		jwtSecret:  strings.TrimSpace(deps.JWTSecret),
		logTailMax: deps.LogTailMax,
		health:     deps.Health,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.logTailMax <= 0 {
		r.logTailMax = defaultLogTailMax
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/status", r.audit("/status", r.handlerTeamRate("/status", rateLimitRead, rateWindowDefault, r.handleStatus)))
	r.mux.HandleFunc("/create", r.audit("/create", r.handlerTeamRate("/create", rateLimitMutate, rateWindowDefault, r.handleCreate)))
	r.mux.HandleFunc("/stop", r.audit("/stop", r.handlerTeamRate("/stop", rateLimitMutate, rateWindowDefault, r.handleStop)))
	r.mux.HandleFunc("/restart", r.audit("/restart", r.handlerTeamRate("/restart", rateLimitMutate, rateWindowDefault, r.handleRestart)))
	r.mux.HandleFunc("/logs/", r.audit("/logs", r.handlerTeamRate("/logs", rateLimitRead, rateWindowDefault, r.handleLogs)))
	r.mux.HandleFunc("/stats", r.audit("/stats", r.requireTeam(r.handleStats)))
	r.mux.HandleFunc("/deployments", r.audit("/deployments", r.handlerTeamRate("/deployments", rateLimitRead, rateWindowDefault, r.handleDeployments)))
	r.mux.HandleFunc("/ws/events", r.audit("/ws/events", r.handlerTeamRate("/ws/events", rateLimitStream, rateWindowRealtime, r.handleEventsWS)))
	r.mux.HandleFunc("/events", r.audit("/events", r.handlerTeamRate("/events", rateLimitStream, rateWindowRealtime, r.handleEventsSSE)))
	if r.proxy != nil && r.proxyPrefix != "" {
		r.mux.Handle(r.proxyPrefix+"/", r.proxied(r.proxy))
	}
}

type branchRequest struct {
	Branch  string `json:"branch"`
	RepoURL string `json:"repo_url"`
}

// keyFor builds the deployment key from the authenticated team and branch.
func (r *Router) keyFor(w http.ResponseWriter, req *http.Request, branch string) (domain.Key, bool) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return domain.Key{}, false
	}
	key := domain.NewKey(info.TeamID, branch)
	if err := key.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return domain.Key{}, false
	}
	return key, true
}

func (r *Router) readBranchRequest(w http.ResponseWriter, req *http.Request) (branchRequest, bool) {
	var payload branchRequest
	if err := decodeBody(w, req, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return branchRequest{}, false
	}
	if payload.Branch == "" {
		payload.Branch = req.URL.Query().Get("branch")
	}
	return payload, true
}

func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	key, ok := r.keyFor(w, req, req.URL.Query().Get("branch"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, r.deployments.Status(key))
}

func (r *Router) handleCreate(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	payload, ok := r.readBranchRequest(w, req)
	if !ok {
		return
	}
	key, ok := r.keyFor(w, req, payload.Branch)
	if !ok {
		return
	}
	d, err := r.deployments.GetOrCreate(req.Context(), preview.CreateRequest{Key: key, RepoURL: strings.TrimSpace(payload.RepoURL)})
	if err != nil {
		r.writeLifecycleError(w, key, d, err)
		return
	}
	writeJSON(w, http.StatusOK, deploymentResponse(d))
}

func (r *Router) handleStop(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	payload, ok := r.readBranchRequest(w, req)
	if !ok {
		return
	}
	key, ok := r.keyFor(w, req, payload.Branch)
	if !ok {
		return
	}
	d, err := r.deployments.Stop(req.Context(), key)
	if errors.Is(err, preview.ErrNotFound) {
		writeJSON(w, http.StatusOK, map[string]any{"status": preview.StateNone})
		return
	}
	if err != nil {
		r.writeLifecycleError(w, key, d, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": d.State})
}

func (r *Router) handleRestart(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	payload, ok := r.readBranchRequest(w, req)
	if !ok {
		return
	}
	key, ok := r.keyFor(w, req, payload.Branch)
	if !ok {
		return
	}
	res, err := r.deployments.Restart(req.Context(), key)
	if err != nil {
		r.writeLifecycleError(w, key, res.Deployment, err)
		return
	}
	body := deploymentResponse(res.Deployment)
	body["port_changed"] = res.PortChanged
	if res.PreviousPort != 0 {
		body["previous_port"] = res.PreviousPort
	}
	writeJSON(w, http.StatusOK, body)
}

func (r *Router) handleLogs(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	branch := strings.Trim(strings.TrimPrefix(req.URL.Path, "/logs/"), "/")
	key, ok := r.keyFor(w, req, branch)
	if !ok {
		return
	}
	tail := 0
	if raw := req.URL.Query().Get("tail"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "tail must be a non-negative integer")
			return
		}
		tail = n
	}
	if tail > r.logTailMax {
		tail = r.logTailMax
	}
	lines, err := r.deployments.Logs(req.Context(), key, tail)
	if err != nil {
		if errors.Is(err, preview.ErrNotFound) {
			writeError(w, http.StatusNotFound, "deployment not found")
			return
		}
		r.logger.Error("read logs failed", "key", key.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read logs")
		return
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": lines})
}

func (r *Router) handleStats(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.ports == nil {
		writeError(w, http.StatusServiceUnavailable, "port stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, r.ports.Stats())
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, _ := authInfoFromContext(req.Context())
	list := r.deployments.List(info.TeamID)
	items := make([]map[string]any, 0, len(list))
	for _, d := range list {
		item := deploymentResponse(d)
		item["branch"] = d.Key.Branch
		item["backend"] = d.Backend
		item["profile"] = d.Profile
		item["created_at"] = d.CreatedAt
		item["updated_at"] = d.UpdatedAt
		if d.LastError != "" {
			item["last_error"] = d.LastError
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"deployments": items})
}

func (r *Router) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for events websocket", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(info.TeamID, client)
	go func() {
		defer r.hub.Unregister(info.TeamID, client)
		client.Serve()
	}()
}

func (r *Router) handleEventsSSE(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, _ := authInfoFromContext(req.Context())
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, "deployment", r.logger)
	r.hub.Register(info.TeamID, client)
	defer func() {
		r.hub.Unregister(info.TeamID, client)
		client.Close()
	}()

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-client.Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		r.methodNotAllowed(w)
		return
	}
	status := map[string]any{"status": "ok"}
	if r.health != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.health(ctx); err != nil {
			r.logger.Warn("dependency health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, status)
}

// proxied forwards preview traffic and counts responses by class.
func (r *Router) proxied(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, req)
		status := recorder.status
		if status == 0 {
			status = http.StatusSwitchingProtocols
		}
		r.recordProxyRequest(status)
	})
}

func deploymentResponse(d domain.Deployment) map[string]any {
	body := map[string]any{
		"key":    d.Key.String(),
		"status": d.State,
		"port":   d.Port,
		"handle": d.Handle,
	}
	if d.State == domain.StateRunning {
		body["url"] = d.URL
		body["public_path"] = d.PublicPath
	}
	return body
}

// writeLifecycleError maps registry errors onto status codes.
func (r *Router) writeLifecycleError(w http.ResponseWriter, key domain.Key, d domain.Deployment, err error) {
	switch {
	case errors.Is(err, preview.ErrInvalidKey):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, preview.ErrNotFound):
		writeError(w, http.StatusNotFound, "deployment not found")
	case errors.Is(err, ports.ErrPortExhaustion):
		writeError(w, http.StatusServiceUnavailable, "no free ports available")
	case errors.Is(err, preview.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, preview.ErrCanceled):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, preview.ErrLaunchFailure), errors.Is(err, preview.ErrHealthTimeout):
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":      err.Error(),
			"status":     d.State,
			"last_error": d.LastError,
		})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "request abandoned before the deployment was ready")
	default:
		r.logger.Error("deployment operation failed", "key", key.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				r.logger.Error("handler panic", "path", req.URL.Path, "panic", fmt.Sprint(rec))
				if recorder.status == 0 {
					writeError(recorder, http.StatusInternalServerError, "internal error")
				}
			}
			r.logRequest(route, recorder, req, time.Since(start))
		}()
		next(recorder, req)
	}
}

func (r *Router) logRequest(route string, recorder *statusRecorder, req *http.Request, duration time.Duration) {
	status := recorder.status
	if status == 0 {
		status = http.StatusOK
	}
	ctx := recorder.ctx
	if ctx == nil {
		ctx = req.Context()
	}
	fields := []any{
		"method", req.Method,
		"path", req.URL.Path,
		"status", status,
		"bytes", recorder.bytes,
		"duration_ms", duration.Milliseconds(),
	}
	if ip := clientIP(req); ip != "" {
		fields = append(fields, "ip", ip)
	}
	if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
		fields = append(fields, "request_id", reqID)
	}
	if info, ok := authInfoFromContext(ctx); ok {
		fields = append(fields, "team_id", info.TeamID)
		if info.UserID != "" {
			fields = append(fields, "user_id", info.UserID)
		}
	}
	r.recordRequestMetrics(req.Method, route, status, duration)

	switch {
	case status >= http.StatusInternalServerError:
		r.logger.Error("http_request", fields...)
	case status >= http.StatusBadRequest:
		r.logger.Warn("http_request", fields...)
	default:
		r.logger.Info("http_request", fields...)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		if sr.status == 0 {
			sr.status = http.StatusSwitchingProtocols
		}
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
