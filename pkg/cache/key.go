package cache

import (
	"slices"
	"strings"
)

// TokenKey identifies the token of one client identity.
type TokenKey struct {
	TenantID string
	ClientID string
	Scopes   []string
}

// String generates a deterministic key.
// Format: graph:token:tenant:client:scope1 scope2
//
// Example:
//
//	graph:token:contoso:1111:https://graph.microsoft.com/.default
func (k TokenKey) String() string {
	parts := []string{"graph", "token"}

	if k.TenantID != "" {
		parts = append(parts, strings.ToLower(k.TenantID))
	}
	if k.ClientID != "" {
		parts = append(parts, strings.ToLower(k.ClientID))
	}

	// Scope order does not change the token
	if len(k.Scopes) > 0 {
		scopes := slices.Clone(k.Scopes)
		slices.Sort(scopes)
		parts = append(parts, strings.Join(slices.Compact(scopes), " "))
	}

	return strings.Join(parts, ":")
}
