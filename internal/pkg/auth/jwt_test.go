package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bissquit/incident-medic/internal/domain"
	"github.com/bissquit/incident-medic/internal/pkg/httputil"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	a, err := NewAuthenticator(Config{SecretKey: testSecret, Issuer: "incident-medic", TokenDuration: time.Hour})
	require.NoError(t, err)
	return a
}

func TestNewAuthenticator(t *testing.T) {
	_, err := NewAuthenticator(Config{})
	assert.Error(t, err)

	a, err := NewAuthenticator(Config{SecretKey: testSecret})
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, a.config.TokenDuration)
}

func TestAuthenticator_RoundTrip(t *testing.T) {
	a := newTestAuthenticator(t)

	token, expiresAt, err := a.IssueToken("oncall@example.com", domain.RoleOperator)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 5*time.Second)

	subject, role, err := a.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "oncall@example.com", subject)
	assert.Equal(t, domain.RoleOperator, role)
}

func TestAuthenticator_IssueToken_InvalidRole(t *testing.T) {
	_, _, err := newTestAuthenticator(t).IssueToken("someone", domain.Role("root"))
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestAuthenticator_ValidateToken_Rejects(t *testing.T) {
	a := newTestAuthenticator(t)
	valid, _, err := a.IssueToken("someone", domain.RoleAdmin)
	require.NoError(t, err)

	expired := newTestAuthenticator(t)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expiredToken, _, err := expired.IssueToken("someone", domain.RoleAdmin)
	require.NoError(t, err)

	otherIssuer, err := NewAuthenticator(Config{SecretKey: testSecret, Issuer: "someone-else"})
	require.NoError(t, err)
	otherIssuerToken, _, err := otherIssuer.IssueToken("someone", domain.RoleAdmin)
	require.NoError(t, err)

	otherKey, err := NewAuthenticator(Config{SecretKey: "ffffffffffffffffffffffffffffffff", Issuer: "incident-medic"})
	require.NoError(t, err)
	otherKeyToken, _, err := otherKey.IssueToken("someone", domain.RoleAdmin)
	require.NoError(t, err)

	noneToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		Role: domain.RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "incident-medic",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	badRoleToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: domain.Role("root"),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "incident-medic",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{name: "garbage", token: "not-a-token", wantErr: ErrInvalidToken},
		{name: "tampered", token: valid + "x", wantErr: ErrInvalidToken},
		{name: "expired", token: expiredToken, wantErr: ErrInvalidToken},
		{name: "wrong issuer", token: otherIssuerToken, wantErr: ErrInvalidToken},
		{name: "wrong key", token: otherKeyToken, wantErr: ErrInvalidToken},
		{name: "alg none", token: noneToken, wantErr: ErrInvalidToken},
		{name: "unknown role", token: badRoleToken, wantErr: ErrInvalidRole},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := a.ValidateToken(context.Background(), tt.token)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestAuthenticator_Middleware(t *testing.T) {
	a := newTestAuthenticator(t)
	operator, _, err := a.IssueToken("op", domain.RoleOperator)
	require.NoError(t, err)
	viewer, _, err := a.IssueToken("viewer", domain.RoleViewer)
	require.NoError(t, err)

	handler := httputil.AuthMiddleware(a)(httputil.RequireRole(domain.RoleOperator)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "op", httputil.Subject(r.Context()))
			w.WriteHeader(http.StatusNoContent)
		}),
	))

	tests := []struct {
		name   string
		header string
		status int
	}{
		{name: "operator", header: "Bearer " + operator, status: http.StatusNoContent},
		{name: "viewer", header: "Bearer " + viewer, status: http.StatusForbidden},
		{name: "missing", header: "", status: http.StatusUnauthorized},
		{name: "invalid", header: "Bearer nope", status: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/incidents/x/remediate", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}
