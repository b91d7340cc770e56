package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func requestWithRoles(roles ...string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	return req.WithContext(WithIdentity(context.Background(), "u1", roles))
}

func TestRequireRole_Allowed(t *testing.T) {
	_, _, err := run(t, RequireRole(Clinical...), requestWithRoles(RolePhysician))
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestRequireRole_Denied(t *testing.T) {
	_, _, err := run(t, RequireRole(Clinical...), requestWithRoles(RoleViewer))
	expectStatus(t, err, http.StatusForbidden)

	_, _, err = run(t, RequireRole(Clinical...), httptest.NewRequest(http.MethodGet, "/", nil))
	expectStatus(t, err, http.StatusForbidden)
}

func TestRequireRole_AdminBypass(t *testing.T) {
	_, _, err := run(t, RequireRole(RoleNurse), requestWithRoles(RoleAdmin))
	if err != nil {
		t.Errorf("expected admin to pass, got %v", err)
	}
}

func TestRequireRole_AnyRole(t *testing.T) {
	for _, role := range []string{RoleViewer, RoleNurse, RolePhysician} {
		if _, _, err := run(t, RequireRole(AnyRole...), requestWithRoles(role)); err != nil {
			t.Errorf("role %s: expected read access, got %v", role, err)
		}
	}
}

func TestUserIDFromContext(t *testing.T) {
	ctx := WithIdentity(context.Background(), "nurse-1", []string{RoleNurse})
	if UserIDFromContext(ctx) != "nurse-1" || ActorFromContext(ctx) != "nurse-1" {
		t.Error("expected identity to round trip")
	}
	if UserIDFromContext(context.Background()) != "" {
		t.Error("expected empty identity on bare context")
	}
}
