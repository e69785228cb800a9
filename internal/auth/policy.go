package auth

import (
	"net/http"
	"strings"
)

// Policy determines required roles by request.
type Policy struct {
	ExemptPaths    map[string]struct{}
	ExemptPrefixes []string
	// QueryTokenPaths may carry the token as ?access_token= because browsers
	// cannot set headers on EventSource or WebSocket handshakes.
	QueryTokenPaths map[string]struct{}
}

// NewDefaultPolicy builds a default policy with exemptions.
func NewDefaultPolicy(exemptPaths []string, exemptPrefixes []string) Policy {
	set := make(map[string]struct{}, len(exemptPaths))
	for _, path := range exemptPaths {
		set[path] = struct{}{}
	}
	return Policy{
		ExemptPaths:    set,
		ExemptPrefixes: exemptPrefixes,
		QueryTokenPaths: map[string]struct{}{
			"/ws":                     {},
			"/api/v1/machines/stream": {},
		},
	}
}

// DevicePolicy exempts every route a loom controller calls.
func DevicePolicy() Policy {
	return NewDefaultPolicy(
		[]string{
			"/api/machine-data",
			"/api/register-device",
			"/api/health",
			"/api/version",
			"/healthz",
			"/metrics",
		},
		[]string{"/api/check-update/"},
	)
}

// IsExempt returns true when a request should skip auth/RBAC.
func (p Policy) IsExempt(r *http.Request) bool {
	if r == nil {
		return true
	}
	if _, ok := p.ExemptPaths[r.URL.Path]; ok {
		return true
	}
	for _, prefix := range p.ExemptPrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return true
		}
	}
	return false
}

// AllowsQueryToken reports whether the request path accepts access_token.
func (p Policy) AllowsQueryToken(r *http.Request) bool {
	if r == nil {
		return false
	}
	_, ok := p.QueryTokenPaths[r.URL.Path]
	return ok
}

// RequiredRole resolves required role for the request.
func (p Policy) RequiredRole(r *http.Request) (Role, bool) {
	if r == nil {
		return "", false
	}
	path := r.URL.Path
	method := r.Method

	switch {
	case path == "/ws", path == "/api/v1/machines/stream":
		return RoleViewer, true
	case strings.HasPrefix(path, "/api/v1/rollups"), path == "/api/longtime-storage":
		return RoleViewer, true
	case strings.HasPrefix(path, "/api/materials"):
		if method == http.MethodGet {
			return RoleViewer, true
		}
		return RoleAdmin, true
	case strings.HasPrefix(path, "/api/machines/"):
		if method == http.MethodGet {
			return RoleViewer, true
		}
		return RoleOperator, true
	}

	if strings.HasPrefix(path, "/api/") {
		if method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions {
			return RoleViewer, true
		}
		return RoleOperator, true
	}
	return "", false
}
