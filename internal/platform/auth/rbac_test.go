package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHasAtLeast(t *testing.T) {
	tests := []struct {
		name     string
		roles    []string
		required string
		want     bool
	}{
		{name: "viewer reads", roles: []string{"viewer"}, required: RoleViewer, want: true},
		{name: "viewer cannot approve", roles: []string{"viewer"}, required: RoleApprover, want: false},
		{name: "operator approves", roles: []string{" Operator "}, required: RoleApprover, want: true},
		{name: "unknown required", roles: []string{"admin"}, required: "root", want: false},
		{name: "no roles", roles: nil, required: RoleViewer, want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := HasAtLeast(tc.roles, tc.required); got != tc.want {
				t.Fatalf("HasAtLeast(%v, %q)=%v, want %v", tc.roles, tc.required, got, tc.want)
			}
		})
	}
}

func TestRequiredRoleForRequest(t *testing.T) {
	tests := []struct {
		method string
		path   string
		want   string
	}{
		{method: http.MethodGet, path: "/runs/r1", want: RoleViewer},
		{method: http.MethodPost, path: "/tickets/t1/decision", want: RoleApprover},
		{method: http.MethodPost, path: "/decisions/verify", want: RoleViewer},
		{method: http.MethodPost, path: "/runs", want: RoleOperator},
		{method: http.MethodPost, path: "/runs/r1/cancel", want: RoleOperator},
	}
	for _, tc := range tests {
		req := httptest.NewRequest(tc.method, "http://example.test"+tc.path, nil)
		if got := RequiredRoleForRequest(req); got != tc.want {
			t.Fatalf("RequiredRoleForRequest(%s %s)=%q, want %q", tc.method, tc.path, got, tc.want)
		}
	}
}
