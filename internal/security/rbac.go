package security

import (
	"net/http"
	"slices"
	"strings"
)

// Roles
const (
	RoleAdmin    = "admin"
	RoleDevice   = "device"
	RoleReadonly = "readonly"
)

// ValidRoles lists all valid roles.
var ValidRoles = []string{RoleAdmin, RoleDevice, RoleReadonly}

// IsValidRole reports whether role is one of ValidRoles.
func IsValidRole(role string) bool {
	return slices.Contains(ValidRoles, role)
}

// routePermission defines which roles can access a method+path pattern.
type routePermission struct {
	Method  string // HTTP method, "*" for any
	Pattern string // path prefix with {param} wildcards
	Roles   []string
}

// permissions is checked top to bottom; the first match decides.
// Admin is always allowed.
var permissions = []routePermission{
	{Method: "PUT", Pattern: "/api/records/{collection}/{key}", Roles: []string{RoleDevice}},
	{Method: "POST", Pattern: "/api/sync", Roles: []string{RoleDevice}},
	{Method: "POST", Pattern: "/api/network/{state}", Roles: []string{RoleDevice}},
	{Method: "GET", Pattern: "/api/", Roles: []string{RoleDevice, RoleReadonly}},
	// queue clear, backup and cleanup are admin only
	{Method: "*", Pattern: "/api/", Roles: nil},
}

// RequireRole returns middleware that checks the JWT role against allowed roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := GetClaims(r)
			if err != nil {
				// no claims means dev mode
				next.ServeHTTP(w, r)
				return
			}
			if !slices.Contains(roles, claims.Role) {
				writeAuthError(w, http.StatusForbidden, ErrInsufficientRole)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RBACMiddleware enforces the permission table for authenticated requests.
func RBACMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := GetClaims(r)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		if !CheckPermission(claims.Role, r.Method, r.URL.Path) {
			writeAuthError(w, http.StatusForbidden, ErrInsufficientRole)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CheckPermission checks if the given role is allowed to access method+path.
func CheckPermission(role, method, path string) bool {
	if role == RoleAdmin {
		return true
	}
	if !IsValidRole(role) {
		return false
	}

	for _, perm := range permissions {
		if (perm.Method == "*" || perm.Method == method) && matchRoute(perm.Pattern, path) {
			return slices.Contains(perm.Roles, role)
		}
	}
	return false
}

// matchRoute checks if a path matches a route pattern (prefix-based with {param} wildcards).
func matchRoute(pattern, path string) bool {
	if strings.HasSuffix(pattern, "/") {
		return strings.HasPrefix(path, pattern)
	}

	patParts := strings.Split(strings.Trim(pattern, "/"), "/")
	pathParts := strings.Split(strings.Trim(path, "/"), "/")
	if len(pathParts) != len(patParts) {
		return false
	}
	for i, pp := range patParts {
		if strings.HasPrefix(pp, "{") && strings.HasSuffix(pp, "}") {
			if pathParts[i] == "" {
				return false
			}
			continue
		}
		if pp != pathParts[i] {
			return false
		}
	}
	return true
}
