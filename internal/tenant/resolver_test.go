package tenant

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticResolverScope(t *testing.T) {
	r := StaticResolver{
		"svc-dashboard": {"acme", "globex"},
		"admin":         {"*"},
		"empty":         {},
	}
	ctx := context.Background()

	scope, err := r.ResolveScope(ctx, "svc-dashboard")
	require.NoError(t, err)
	assert.Equal(t, []string{"acme", "globex"}, scope)

	_, err = r.ResolveScope(ctx, "nobody")
	assert.ErrorIs(t, err, ErrUnknownPrincipal)

	// An empty membership list is indistinguishable from no membership.
	_, err = r.ResolveScope(ctx, "empty")
	assert.ErrorIs(t, err, ErrUnknownPrincipal)
}

func TestAuthorized(t *testing.T) {
	tests := []struct {
		name   string
		scope  []string
		tenant string
		want   bool
	}{
		{"direct member", []string{"acme", "globex"}, "acme", true},
		{"not a member", []string{"acme"}, "globex", false},
		{"wildcard", []string{"*"}, "anyone", true},
		{"empty scope", nil, "acme", false},
		{"empty tenant never matches members", []string{"acme"}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Authorized(tt.scope, tt.tenant))
		})
	}
}
