package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/invoicemind-labs/invoicemind/pkg/config"
)

// Roles recognized by the API.
const (
	RoleAdmin   = "admin"
	RoleAnalyst = "analyst"
	RoleViewer  = "viewer"
)

// Claims are the JWT claims carried by InvoiceMind tokens.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles"`
}

// roleRank orders roles so that a higher role satisfies a lower requirement:
// admin > analyst > viewer.
var roleRank = map[string]int{
	RoleViewer:  1,
	RoleAnalyst: 2,
	RoleAdmin:   3,
}

// HasRole reports whether the token satisfies the role requirement.
func (c *Claims) HasRole(role string) bool {
	required := roleRank[role]
	if required == 0 {
		return false
	}
	for _, r := range c.Roles {
		if roleRank[r] >= required {
			return true
		}
	}
	return false
}

type contextKey string

const claimsKey contextKey = "claims"

// WithClaims attaches validated claims to the context.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

// ClaimsFrom retrieves the validated claims, or nil outside the middleware.
func ClaimsFrom(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey).(*Claims)
	return c
}

// user is a locally provisioned account. Production deployments plug in an
// external IdP; these exist so a fresh install is usable immediately.
type user struct {
	passwordHash []byte
	tenantID     string
	roles        []string
}

// Authenticator issues and validates HS256 tokens and holds the local user
// table.
type Authenticator struct {
	secret []byte
	expiry time.Duration
	users  map[string]user
	now    func() time.Time
}

// NewAuthenticator builds an authenticator from config. The bundled accounts
// are admin@invoicemind.local/admin and analyst@invoicemind.local/analyst,
// both in the default tenant.
func NewAuthenticator(cfg *config.Config) (*Authenticator, error) {
	a := &Authenticator{
		secret: []byte(cfg.JWTSecret),
		expiry: cfg.TokenExpiry,
		users:  map[string]user{},
		now:    time.Now,
	}
	seed := []struct {
		email    string
		password string
		roles    []string
	}{
		{"admin@invoicemind.local", "admin", []string{RoleAdmin}},
		{"analyst@invoicemind.local", "analyst", []string{RoleAnalyst}},
		{"viewer@invoicemind.local", "viewer", []string{RoleViewer}},
	}
	for _, s := range seed {
		hash, err := bcrypt.GenerateFromPassword([]byte(s.password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash seed password: %w", err)
		}
		a.users[s.email] = user{
			passwordHash: hash,
			tenantID:     cfg.DefaultTenantID,
			roles:        s.roles,
		}
	}
	return a, nil
}

// Login verifies credentials and issues a token.
func (a *Authenticator) Login(email, password string) (string, *Claims, error) {
	u, ok := a.users[email]
	if !ok {
		// Burn a comparison anyway so missing and wrong credentials take the
		// same time.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$invalidinvalidinvalidinvalie"), []byte(password))
		return "", nil, fmt.Errorf("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword(u.passwordHash, []byte(password)); err != nil {
		return "", nil, fmt.Errorf("invalid credentials")
	}
	return a.Issue(email, u.tenantID, u.roles)
}

// Issue signs a token for the subject.
func (a *Authenticator) Issue(subject, tenantID string, roles []string) (string, *Claims, error) {
	now := a.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.expiry)),
		},
		TenantID: tenantID,
		Roles:    roles,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return token, claims, nil
}

// Validate parses and validates a token string.
func (a *Authenticator) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.TenantID == "" {
		return nil, fmt.Errorf("token missing tenant_id")
	}
	return claims, nil
}

// publicPaths are endpoints that do not require authentication.
var publicPaths = []string{
	"/healthz",
	"/version",
	"/api/auth/login",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// Middleware enforces Bearer auth on every non-public path (fail closed).
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			WriteUnauthorized(w, "Missing Authorization header")
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
			return
		}
		claims, err := a.Validate(parts[1])
		if err != nil {
			WriteUnauthorized(w, "Invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// requireRole guards a handler behind a role.
func requireRole(role string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := ClaimsFrom(r.Context())
		if claims == nil {
			WriteUnauthorized(w, "")
			return
		}
		if !claims.HasRole(role) {
			WriteForbidden(w, fmt.Sprintf("Requires role %q", role))
			return
		}
		next(w, r)
	}
}
