// Package proxy routes public preview paths to internal instance addresses.
package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrUpstreamUnavailable is reported when no live target serves a path.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// Route is one registered public path.
type Route struct {
	PublicPath   string    `json:"public_path"`
	Target       string    `json:"target"`
	RegisteredAt time.Time `json:"registered_at"`
}

type route struct {
	Route
	target *url.URL
	proxy  *httputil.ReverseProxy
}

// Options tune the forwarding transport.
type Options struct {
	DialTimeout           time.Duration
	ResponseHeaderTimeout time.Duration
	Logger                *slog.Logger
}

// Router forwards requests by longest matching public path prefix.
type Router struct {
	mu        sync.RWMutex
	routes    map[string]*route
	transport *http.Transport
	logger    *slog.Logger
	now       func() time.Time
}

// NewRouter constructs an empty Router.
func NewRouter(opts Options) *Router {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.ResponseHeaderTimeout <= 0 {
		opts.ResponseHeaderTimeout = 60 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	dialer := &net.Dialer{Timeout: opts.DialTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
	}
	return &Router{
		routes:    make(map[string]*route),
		transport: transport,
		logger:    opts.Logger,
		now:       time.Now,
	}
}

// NormalizePath cleans a public path into "/a/b/" form.
func NormalizePath(publicPath string) string {
	trimmed := strings.Trim(strings.TrimSpace(publicPath), "/")
	if trimmed == "" {
		return "/"
	}
	return "/" + trimmed + "/"
}

// Register maps publicPath to target, replacing any previous mapping.
func (r *Router) Register(publicPath, target string) error {
	u, err := url.Parse(strings.TrimSpace(target))
	if err != nil {
		return fmt.Errorf("parse target: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("target %q must be an absolute http url", target)
	}
	path := NormalizePath(publicPath)
	if path == "/" {
		return fmt.Errorf("refusing to register the root path")
	}
	rt := &route{
		Route:  Route{PublicPath: path, Target: u.String(), RegisteredAt: r.now().UTC()},
		target: u,
	}
	rt.proxy = r.newReverseProxy(rt)

	r.mu.Lock()
	r.routes[path] = rt
	r.mu.Unlock()
	r.logger.Info("proxy route registered", "path", path, "target", rt.Target)
	return nil
}

// Unregister removes publicPath. Removing an unknown path is a no-op.
func (r *Router) Unregister(publicPath string) {
	path := NormalizePath(publicPath)
	r.mu.Lock()
	_, ok := r.routes[path]
	delete(r.routes, path)
	r.mu.Unlock()
	if ok {
		r.logger.Info("proxy route removed", "path", path)
	}
}

// Lookup returns the route serving requestPath, if any.
func (r *Router) Lookup(requestPath string) (Route, bool) {
	rt := r.match(requestPath)
	if rt == nil {
		return Route{}, false
	}
	return rt.Route, true
}

// Routes lists registrations ordered by path.
func (r *Router) Routes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Route, 0, len(r.routes))
	for _, rt := range r.routes {
		out = append(out, rt.Route)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PublicPath < out[j].PublicPath })
	return out
}

func (r *Router) match(requestPath string) *route {
	candidate := requestPath
	if !strings.HasSuffix(candidate, "/") {
		candidate += "/"
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	// Walk up segment boundaries so "/p/a/bc" never matches "/p/a/b/".
	for {
		if rt, ok := r.routes[candidate]; ok {
			return rt
		}
		if candidate == "/" {
			return nil
		}
		idx := strings.LastIndex(strings.TrimSuffix(candidate, "/"), "/")
		if idx < 0 {
			return nil
		}
		candidate = candidate[:idx+1]
	}
}

// ServeHTTP forwards the request, including protocol upgrades, to the matched target.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	rt := r.match(req.URL.Path)
	if rt == nil {
		writeUnavailable(w, http.StatusServiceUnavailable, "no live deployment for "+req.URL.Path)
		return
	}
	// Relative asset URLs only resolve against the prefix when it ends in a slash.
	if req.URL.Path+"/" == rt.PublicPath && !isUpgrade(req) {
		target := rt.PublicPath
		if req.URL.RawQuery != "" {
			target += "?" + req.URL.RawQuery
		}
		http.Redirect(w, req, target, http.StatusTemporaryRedirect)
		return
	}
	rt.proxy.ServeHTTP(w, req)
}

func (r *Router) newReverseProxy(rt *route) *httputil.ReverseProxy {
	prefix := strings.TrimSuffix(rt.PublicPath, "/")
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Path = stripPrefix(pr.In.URL.Path, prefix)
			if pr.In.URL.RawPath != "" {
				pr.Out.URL.RawPath = stripPrefix(pr.In.URL.RawPath, prefix)
			}
			pr.SetURL(rt.target)
			pr.SetXForwarded()
			pr.Out.Header.Set("X-Forwarded-Prefix", prefix)
		},
		Transport:     r.transport,
		FlushInterval: -1,
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			r.logger.Warn("proxy upstream error", "path", req.URL.Path, "target", rt.Target, "error", err)
			writeUnavailable(w, http.StatusBadGateway, err.Error())
		},
	}
}

func stripPrefix(path, prefix string) string {
	rest := strings.TrimPrefix(path, prefix)
	if rest == "" || rest[0] != '/' {
		rest = "/" + rest
	}
	return rest
}

func isUpgrade(req *http.Request) bool {
	for _, v := range req.Header.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return req.Header.Get("Upgrade") != ""
			}
		}
	}
	return false
}

func writeUnavailable(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":  ErrUpstreamUnavailable.Error(),
		"detail": detail,
	})
}
