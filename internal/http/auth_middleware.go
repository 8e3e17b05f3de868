package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	jwtpkg "github.com/splax/previewd/pkg/jwt"
)

type authContextKey string

type authInfo struct {
	TeamID string
	UserID string
}

const contextKeyAuth authContextKey = "previewd-auth-info"

// teamHeader carries the team identifier when no JWT secret is configured.
const teamHeader = "X-Team-ID"

type contextSetter interface {
	SetContext(context.Context)
}

// requireTeam resolves the caller's team before invoking the handler.
func (r *Router) requireTeam(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, _, ok := r.ensureTeam(w, req)
		if !ok {
			return
		}
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// ensureTeam reads the team from a bearer token when a secret is configured,
// otherwise from the X-Team-ID header. The identifier itself is trusted.
func (r *Router) ensureTeam(w http.ResponseWriter, req *http.Request) (context.Context, authInfo, bool) {
	var info authInfo
	if r.jwtSecret != "" {
		token, err := bearerToken(req.Header.Get("Authorization"))
		if err != nil {
			// EventSource and websocket clients cannot set headers.
			token = strings.TrimSpace(req.URL.Query().Get("access_token"))
		}
		if token == "" {
			r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return req.Context(), authInfo{}, false
		}
		claims, err := jwtpkg.ParseTeamToken(token, r.jwtSecret)
		if err != nil {
			r.logger.Warn("token validation failed", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "authentication failed")
			return req.Context(), authInfo{}, false
		}
		info = authInfo{TeamID: claims.TeamID, UserID: claims.UserID}
	} else {
		info.TeamID = strings.TrimSpace(req.Header.Get(teamHeader))
		if info.TeamID == "" {
			writeError(w, http.StatusUnauthorized, "team context required")
			return req.Context(), authInfo{}, false
		}
	}
	ctx := context.WithValue(req.Context(), contextKeyAuth, info)
	return ctx, info, true
}

// authInfoFromContext extracts auth metadata from context.
func authInfoFromContext(ctx context.Context) (authInfo, bool) {
	value := ctx.Value(contextKeyAuth)
	if value == nil {
		return authInfo{}, false
	}
	info, ok := value.(authInfo)
	return info, ok
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
