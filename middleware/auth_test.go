package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gigchat/models"
)

const testSecret = "test-secret"

func newTestAuthenticator(issuer string) *Authenticator {
	return NewAuthenticator(testSecret, issuer, zap.NewNop())
}

func TestAuthenticator_IssueAndVerify(t *testing.T) {
	a := newTestAuthenticator("identity.gigchat")

	token, err := a.Issue(models.Identity{UserID: "alice", Name: "Alice", Avatar: "a.png", Roles: []string{"customer"}}, time.Hour)
	require.NoError(t, err)

	id, err := a.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.UserID)
	assert.Equal(t, "Alice", id.Name)
	assert.Equal(t, "a.png", id.Avatar)
	assert.Equal(t, []string{"customer"}, id.Roles)
	assert.False(t, id.ExpiresAt.IsZero())
}

func TestAuthenticator_Verify(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	sign := func(secret string, claims jwt.Claims, method jwt.SigningMethod) string {
		tok, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
		require.NoError(t, err)
		return tok
	}
	registered := func(sub string, exp time.Time) jwt.RegisteredClaims {
		return jwt.RegisteredClaims{Subject: sub, ExpiresAt: jwt.NewNumericDate(exp)}
	}

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{
			name:    "empty token",
			token:   "  ",
			wantErr: ErrNoToken,
		},
		{
			name:    "garbage",
			token:   "not-a-jwt",
			wantErr: ErrInvalidToken,
		},
		{
			name:    "wrong secret",
			token:   sign("other", registered("alice", now.Add(time.Hour)), jwt.SigningMethodHS256),
			wantErr: ErrInvalidToken,
		},
		{
			name:    "expired",
			token:   sign(testSecret, registered("alice", now.Add(-time.Minute)), jwt.SigningMethodHS256),
			wantErr: ErrInvalidToken,
		},
		{
			name:    "no expiry",
			token:   sign(testSecret, jwt.RegisteredClaims{Subject: "alice"}, jwt.SigningMethodHS256),
			wantErr: ErrInvalidToken,
		},
		{
			name:    "no subject",
			token:   sign(testSecret, registered("", now.Add(time.Hour)), jwt.SigningMethodHS256),
			wantErr: ErrInvalidToken,
		},
		{
			name:  "valid HS512",
			token: sign(testSecret, registered("alice", now.Add(time.Hour)), jwt.SigningMethodHS512),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAuthenticator("")
			a.now = func() time.Time { return now }

			id, err := a.Verify(tt.token)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, id)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "alice", id.UserID)
		})
	}
}

func TestAuthenticator_VerifyIssuer(t *testing.T) {
	issuerA := newTestAuthenticator("issuer-a")
	issuerB := newTestAuthenticator("issuer-b")

	token, err := issuerA.Issue(models.Identity{UserID: "alice"}, time.Hour)
	require.NoError(t, err)

	_, err = issuerB.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestClaims_NormalizedRoles(t *testing.T) {
	tests := []struct {
		name  string
		role  string
		roles string
		want  []string
	}{
		{name: "single role string", role: `"provider"`, want: []string{"provider"}},
		{name: "roles list", roles: `["customer","admin"]`, want: []string{"customer", "admin"}},
		{name: "both merged without duplicates", role: `"admin"`, roles: `["customer","admin"]`, want: []string{"admin", "customer"}},
		{name: "role given as list", role: `["provider"]`, want: []string{"provider"}},
		{name: "nothing", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Claims{}
			if tt.role != "" {
				c.Role = []byte(tt.role)
			}
			if tt.roles != "" {
				c.Roles = []byte(tt.roles)
			}
			assert.Equal(t, tt.want, c.NormalizedRoles())
		})
	}
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=from-query", nil)
	r.Header.Set("Authorization", "Bearer from-header")
	assert.Equal(t, "from-query", TokenFromRequest(r))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "bearer from-header")
	assert.Equal(t, "from-header", TokenFromRequest(r))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.AddCookie(&http.Cookie{Name: "access_token", Value: "from-cookie"})
	assert.Equal(t, "from-cookie", TokenFromRequest(r))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.Empty(t, TokenFromRequest(r))
}

func TestRequireAuth(t *testing.T) {
	a := newTestAuthenticator("")
	var seen *models.Identity
	h := a.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/conversations", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "No token provided")
	assert.Nil(t, seen)

	token, err := a.Issue(models.Identity{UserID: "bob"}, time.Minute)
	require.NoError(t, err)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "bob", seen.UserID)
}
