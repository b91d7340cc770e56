package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func validClaims(subject string, roles ...string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "carewatch-test",
			Audience:  jwt.ClaimStrings{"carewatch"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: roles,
	}
}

var testConfig = JWTConfig{Issuer: "carewatch-test", Audience: "carewatch", SigningKey: testSigningKey}

// run executes mw against a request and reports the handler's view of the
// identity along with the middleware error.
func run(t *testing.T, mw echo.MiddlewareFunc, req *http.Request) (user string, roles []string, err error) {
	t.Helper()
	e := echo.New()
	c := e.NewContext(req, httptest.NewRecorder())
	err = mw(func(c echo.Context) error {
		user = ActorFromContext(c.Request().Context())
		roles = RolesFromContext(c.Request().Context())
		return c.String(http.StatusOK, "ok")
	})(c)
	return user, roles, err
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	_, _, err := run(t, JWTMiddleware(testConfig), httptest.NewRequest(http.MethodGet, "/", nil))
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", tt.header)
			_, _, err := run(t, JWTMiddleware(testConfig), req)
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+createTestToken(t, validClaims("nurse-7", RoleNurse), testSigningKey))

	user, roles, err := run(t, JWTMiddleware(testConfig), req)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if user != "nurse-7" || len(roles) != 1 || roles[0] != RoleNurse {
		t.Errorf("unexpected identity %q %v", user, roles)
	}
}

func TestJWTMiddleware_QueryToken(t *testing.T) {
	tok := createTestToken(t, validClaims("viewer-1", RoleViewer), testSigningKey)
	user, _, err := run(t, JWTMiddleware(testConfig), httptest.NewRequest(http.MethodGet, "/ws?access_token="+tok, nil))
	if err != nil || user != "viewer-1" {
		t.Fatalf("expected query token to authenticate, got %q %v", user, err)
	}
}

func TestJWTMiddleware_RejectsBadTokens(t *testing.T) {
	expired := validClaims("u", RoleNurse)
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	wrongIssuer := validClaims("u", RoleNurse)
	wrongIssuer.Issuer = "someone-else"
	wrongAudience := validClaims("u", RoleNurse)
	wrongAudience.Audience = jwt.ClaimStrings{"other"}
	noSubject := validClaims("", RoleNurse)

	tests := []struct {
		name  string
		token string
	}{
		{"expired", createTestToken(t, expired, testSigningKey)},
		{"wrong issuer", createTestToken(t, wrongIssuer, testSigningKey)},
		{"wrong audience", createTestToken(t, wrongAudience, testSigningKey)},
		{"no subject", createTestToken(t, noSubject, testSigningKey)},
		{"wrong key", createTestToken(t, validClaims("u"), []byte("another-key"))},
		{"garbage", "not.a.token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", "Bearer "+tt.token)
			_, _, err := run(t, JWTMiddleware(testConfig), req)
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestDevAuthMiddleware_NoToken(t *testing.T) {
	user, roles, err := run(t, DevAuthMiddleware(JWTConfig{}), httptest.NewRequest(http.MethodGet, "/", nil))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if user != "dev-user" || len(roles) != 1 || roles[0] != RoleAdmin {
		t.Errorf("unexpected dev identity %q %v", user, roles)
	}
}

func TestDevAuthMiddleware_ValidatesTokenWhenKeyed(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+createTestToken(t, validClaims("dr-2", RolePhysician), testSigningKey))
	user, _, err := run(t, DevAuthMiddleware(testConfig), req)
	if err != nil || user != "dr-2" {
		t.Fatalf("expected token identity, got %q %v", user, err)
	}

	bad := httptest.NewRequest(http.MethodGet, "/", nil)
	bad.Header.Set("Authorization", "Bearer nope")
	_, _, err = run(t, DevAuthMiddleware(testConfig), bad)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestAuthSkipper(t *testing.T) {
	for _, path := range []string{"/health", "/health/db", "/metrics"} {
		if !IsPublicPath(path) {
			t.Errorf("expected %s to be public", path)
		}
	}
	for _, path := range []string{"/api/v1/alarms", "/api/v1/ws", "/"} {
		if IsPublicPath(path) {
			t.Errorf("expected %s to be protected", path)
		}
	}
}

func TestJWTMiddleware_SkipsPublicPaths(t *testing.T) {
	e := echo.New()
	cfg := testConfig
	cfg.Skipper = AuthSkipper
	e.Use(JWTMiddleware(cfg))
	e.GET("/health", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/api/v1/alarms", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected public path to pass, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/alarms", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected protected path to require a token, got %d", rec.Code)
	}
}
