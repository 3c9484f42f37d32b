package models

import "strings"

// Permission namespaces. Permissions are dot/colon scoped strings resolved per
// principal through the permission cache, e.g. "users:read", "system:settings".
const (
	// PrivilegedNamespace marks permissions that administer the platform
	// itself. Principals holding any permission in this namespace must have
	// MFA enabled before a login can complete.
	PrivilegedNamespace = "system:"

	// PermissionAll grants every permission (super-admin only)
	PermissionAll = "*"
)

// HasPermission checks if a permission set contains a required permission.
// The wildcard grants everything.
func HasPermission(permissions []string, required string) bool {
	for _, p := range permissions {
		if p == PermissionAll || p == required {
			return true
		}
	}
	return false
}

// HasPrivilegedPermission reports whether any permission lives in the
// privileged namespace. The wildcard counts: it implies everything in it.
func HasPrivilegedPermission(permissions []string) bool {
	for _, p := range permissions {
		if p == PermissionAll || strings.HasPrefix(p, PrivilegedNamespace) {
			return true
		}
	}
	return false
}
