package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"gigchat/models"
)

type contextKey string

const IdentityContextKey contextKey = "identity"

var (
	ErrNoToken      = errors.New("No token provided")
	ErrInvalidToken = errors.New("Invalid token")
)

// Claims is the identity token payload. Older issuers put a single role
// string in "role"; newer ones send a "roles" list. Both are accepted.
type Claims struct {
	Name   string          `json:"name,omitempty"`
	Avatar string          `json:"avatar,omitempty"`
	Role   json.RawMessage `json:"role,omitempty"`
	Roles  json.RawMessage `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// NormalizedRoles merges role and roles into one de-duplicated list.
func (c *Claims) NormalizedRoles() []string {
	var out []string
	seen := map[string]bool{}
	add := func(r string) {
		r = strings.TrimSpace(r)
		if r != "" && !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	for _, raw := range []json.RawMessage{c.Role, c.Roles} {
		if len(raw) == 0 {
			continue
		}
		var single string
		if err := json.Unmarshal(raw, &single); err == nil {
			add(single)
			continue
		}
		var list []string
		if err := json.Unmarshal(raw, &list); err == nil {
			for _, r := range list {
				add(r)
			}
		}
	}
	return out
}

// Authenticator verifies identity tokens signed by the identity service
// with a shared HMAC secret.
type Authenticator struct {
	secret []byte
	issuer string
	log    *zap.Logger
	now    func() time.Time
}

// NewAuthenticator creates a new authenticator. An empty issuer skips the
// iss check.
func NewAuthenticator(secret, issuer string, log *zap.Logger) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		issuer: issuer,
		log:    log,
		now:    time.Now,
	}
}

// Verify checks the token signature and expiry and returns the identity it
// carries. It returns ErrNoToken or ErrInvalidToken.
func (a *Authenticator) Verify(token string) (*models.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrNoToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		a.log.Warn("token_rejected", zap.Error(err))
		return nil, ErrInvalidToken
	}

	if strings.TrimSpace(claims.Subject) == "" {
		a.log.Warn("token_rejected", zap.String("reason", "missing subject"))
		return nil, ErrInvalidToken
	}

	id := &models.Identity{
		UserID: claims.Subject,
		Name:   claims.Name,
		Avatar: claims.Avatar,
		Roles:  claims.NormalizedRoles(),
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}

// Issue signs a token for identity valid for ttl. Production tokens come
// from the identity service; this is used by the token command and tests.
func (a *Authenticator) Issue(identity models.Identity, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		Name:   identity.Name,
		Avatar: identity.Avatar,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if len(identity.Roles) > 0 {
		b, err := json.Marshal(identity.Roles)
		if err != nil {
			return "", err
		}
		claims.Roles = b
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// TokenFromRequest extracts the token from the "token" query parameter, an
// Authorization bearer header or the access_token cookie, in that order.
func TokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	if c, err := r.Cookie("access_token"); err == nil {
		return c.Value
	}
	return ""
}

// Authenticate resolves the identity of an HTTP request.
func (a *Authenticator) Authenticate(r *http.Request) (*models.Identity, error) {
	return a.Verify(TokenFromRequest(r))
}

// RequireAuth rejects requests without a valid token and adds the identity
// to the request context.
func (a *Authenticator) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := a.Authenticate(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

// WithIdentity returns a copy of ctx carrying identity.
func WithIdentity(ctx context.Context, identity *models.Identity) context.Context {
	return context.WithValue(ctx, IdentityContextKey, identity)
}

// IdentityFromContext retrieves the identity from the request context
func IdentityFromContext(ctx context.Context) *models.Identity {
	identity, ok := ctx.Value(IdentityContextKey).(*models.Identity)
	if !ok {
		return nil
	}
	return identity
}
