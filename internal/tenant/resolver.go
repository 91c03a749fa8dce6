package tenant

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnknownPrincipal is returned when a principal resolves to no tenants.
var ErrUnknownPrincipal = errors.New("unknown principal")

// Resolver maps an authenticated principal to the tenants it may read.
// Authentication itself is the external system's job; every read path in
// this service filters through a Resolver before touching tenant data.
type Resolver interface {
	ResolveScope(ctx context.Context, principal string) ([]string, error)
}

// StaticResolver resolves scope from a fixed map. It backs tests and
// single-tenant deployments; production wires the membership service here.
type StaticResolver map[string][]string

// ResolveScope implements Resolver.
func (r StaticResolver) ResolveScope(_ context.Context, principal string) ([]string, error) {
	tenants, ok := r[principal]
	if !ok || len(tenants) == 0 {
		return nil, fmt.Errorf("principal %q: %w", principal, ErrUnknownPrincipal)
	}
	return tenants, nil
}

// Authorized reports whether tenantID is in the resolved scope.
func Authorized(scope []string, tenantID string) bool {
	for _, t := range scope {
		if t == tenantID || t == "*" {
			return true
		}
	}
	return false
}
