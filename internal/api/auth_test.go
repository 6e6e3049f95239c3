package api

import (
	"context"
	"net/http/httptest"
	"testing"
)

func TestStaticAccess(t *testing.T) {
	access := NewStaticAccess([]string{
		"tok-a:admin_1:org_1:admin",
		"tok-o:operator_1:org_1:operator",
		"malformed-entry",
	})

	ident, ok := access.Authenticate("tok-a")
	if !ok || ident.UserID != "admin_1" || ident.Role != "admin" {
		t.Fatalf("unexpected identity: %+v ok=%v", ident, ok)
	}
	if _, ok := access.Authenticate("tok-missing"); ok {
		t.Fatalf("unknown token authenticated")
	}

	ctx := context.Background()
	cases := []struct {
		user, org, role string
		want            bool
	}{
		{"admin_1", "org_1", "admin", true},
		{"admin_1", "org_1", "viewer", true},  // higher role satisfies lower
		{"operator_1", "org_1", "admin", false},
		{"operator_1", "org_1", "operator", true},
		{"admin_1", "org_2", "viewer", false}, // wrong org
		{"ghost", "org_1", "viewer", false},
	}
	for _, tc := range cases {
		got, err := access.HasOrgAccess(ctx, tc.user, tc.org, tc.role)
		if err != nil {
			t.Fatalf("HasOrgAccess(%s, %s, %s): %v", tc.user, tc.org, tc.role, err)
		}
		if got != tc.want {
			t.Fatalf("HasOrgAccess(%s, %s, %s) = %v, want %v", tc.user, tc.org, tc.role, got, tc.want)
		}
	}
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer tok-1")
	if got := bearerToken(r); got != "tok-1" {
		t.Fatalf("expected tok-1, got %q", got)
	}
	r.Header.Set("Authorization", "Basic dXNlcg==")
	if got := bearerToken(r); got != "" {
		t.Fatalf("expected empty for non-bearer, got %q", got)
	}
}
