package core

import (
	"fmt"
	"strings"
)

// Scope identifies who owns a write: a tenant and, optionally, one scheme.
// It is passed explicitly through every ingestion call.
type Scope struct {
	TenantID string
	SchemeID *string
}

// Validate rejects scopes without a tenant.
func (s Scope) Validate() error {
	if strings.TrimSpace(s.TenantID) == "" {
		return fmt.Errorf("%w: tenant is required", ErrBadRequest)
	}
	if s.SchemeID != nil && strings.TrimSpace(*s.SchemeID) == "" {
		return fmt.Errorf("%w: scheme id must not be blank", ErrBadRequest)
	}
	return nil
}

// SearchScope limits a read to one tenant and a set of its schemes.
// An empty SchemeIDs means every scheme of the tenant. Tenant-wide
// chunks (no scheme) are always visible to the tenant.
type SearchScope struct {
	TenantID  string
	SchemeIDs []string
}

// Validate rejects scopes without a tenant.
func (s SearchScope) Validate() error {
	if strings.TrimSpace(s.TenantID) == "" {
		return fmt.Errorf("%w: tenant is required", ErrBadRequest)
	}
	return nil
}

// Allows reports whether a chunk in schemeID is visible under this scope.
func (s SearchScope) Allows(schemeID *string) bool {
	if schemeID == nil || len(s.SchemeIDs) == 0 {
		return true
	}
	for _, id := range s.SchemeIDs {
		if id == *schemeID {
			return true
		}
	}
	return false
}
