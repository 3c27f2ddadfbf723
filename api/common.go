package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/vigilcam/vigil/common"
)

// methodHandlers DICT of method-endpoint handler
type methodHandlers map[string]http.HandlerFunc

// registerPathPrefix registers new method handler for a path prefix
func registerPathPrefix(parent *mux.Router, prefix string, handler methodHandlers) *mux.Router {
	router := parent.PathPrefix(prefix).Subrouter()
	for method, handler := range handler {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// Role caller role as asserted by the fronting gateway
type Role string

const (
	// RoleViewer read recordings and streams
	RoleViewer Role = "viewer"
	// RoleOperator viewer plus deletion, retention overrides, and channel control
	RoleOperator Role = "operator"
	// RoleAdmin operator plus legal holds and retention administration
	RoleAdmin Role = "admin"
)

// roleRank relative privilege ordering
var roleRank = map[Role]int{RoleViewer: 1, RoleOperator: 2, RoleAdmin: 3}

// AtLeast whether this role carries the privileges of minimum
func (r Role) AtLeast(minimum Role) bool {
	return roleRank[r] >= roleRank[minimum]
}

// Identity caller identity extracted from the gateway supplied headers
type Identity struct {
	// Subject caller subject
	Subject string
	// TenantID caller tenant
	TenantID string
	// Role caller role
	Role Role
}

type identityContextKey struct{}

// IdentityFromContext read the caller identity installed by the auth
// middleware
func IdentityFromContext(ctxt context.Context) (Identity, bool) {
	identity, ok := ctxt.Value(identityContextKey{}).(Identity)
	return identity, ok
}

// ContextWithIdentity install a caller identity, used by handler tests
func ContextWithIdentity(ctxt context.Context, identity Identity) context.Context {
	return context.WithValue(ctxt, identityContextKey{}, identity)
}

// Gateway identity headers. Every request must carry all three; there is no
// anonymous fallback.
const (
	headerSubject = "X-Subject"
	headerTenant  = "X-Tenant"
	headerRole    = "X-Role"
)

/*
AuthMiddleware require the gateway identity headers on every request.
Requests without a complete identity are rejected outright.

	@param next http.Handler - wrapped handler
	@returns middleware handler
*/
func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := Identity{
			Subject:  r.Header.Get(headerSubject),
			TenantID: r.Header.Get(headerTenant),
			Role:     Role(r.Header.Get(headerRole)),
		}
		if identity.Subject == "" || identity.TenantID == "" {
			http.Error(w, `{"error":{"msg":"missing gateway identity"}}`, http.StatusUnauthorized)
			return
		}
		if _, known := roleRank[identity.Role]; !known {
			http.Error(w, `{"error":{"msg":"unknown role"}}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), identity)))
	})
}

// statusOf resolve the HTTP status for a core error
func statusOf(err error) int {
	return common.HTTPStatusOf(err)
}
