package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// Middleware validates JWTs and enforces RBAC.
type Middleware struct {
	Secret []byte
	Policy Policy
}

// NewMiddleware constructs an auth middleware. An empty secret yields nil,
// and Wrap on a nil middleware passes every request through.
func NewMiddleware(secret []byte, policy Policy) *Middleware {
	if len(secret) == 0 {
		return nil
	}
	return &Middleware{Secret: secret, Policy: policy}
}

// Wrap applies auth and RBAC to the handler.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Policy.IsExempt(r) {
			next.ServeHTTP(w, r)
			return
		}

		required, ok := m.Policy.RequiredRole(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		ctx, err := m.authorize(r, required)
		if errors.Is(err, ErrForbidden) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authorize returns a context carrying the caller identity. It fails with
// ErrUnauthorized or ErrInvalidToken for a missing or bad token and with
// ErrForbidden when the role is below required.
func (m *Middleware) authorize(r *http.Request, required Role) (context.Context, error) {
	token := extractBearer(r)
	if token == "" && m.Policy.AllowsQueryToken(r) {
		token = r.URL.Query().Get("access_token")
	}
	claims, err := ParseJWT(token, m.Secret)
	if err != nil {
		return nil, err
	}
	role, _ := NormalizeRole(claims.Role)
	if !RoleAtLeast(role, required) {
		return nil, ErrForbidden
	}
	return WithIdentity(r.Context(), role, claims.Subject), nil
}

func extractBearer(r *http.Request) string {
	if r == nil {
		return ""
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
