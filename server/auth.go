package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jupark12/go-extract-queue/gateway"
)

// RoleAdmin grants access to every job.
const RoleAdmin = "admin"

var (
	errMissingToken = errors.New("missing bearer token")
	errInvalidToken = errors.New("invalid token")
)

// Claims represents JWT claims
type Claims struct {
	Sub  string `json:"sub"`
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator validates HMAC-signed bearer tokens. Credential issuance lives
// elsewhere; Issue exists for operators and tests.
type Authenticator struct {
	secret     []byte
	adminOwner string
}

// NewAuthenticator creates an authenticator. Tokens whose subject equals
// adminOwner are treated as admin.
func NewAuthenticator(secret, adminOwner string) *Authenticator {
	return &Authenticator{secret: []byte(secret), adminOwner: adminOwner}
}

// Issue signs a token for sub.
func (a *Authenticator) Issue(sub, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Sub:  sub,
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Validate parses tokenString and returns the identity it carries.
func (a *Authenticator) Validate(tokenString string) (gateway.Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return a.secret, nil
	})
	if err != nil {
		return gateway.Identity{}, errInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Sub == "" {
		return gateway.Identity{}, errInvalidToken
	}
	return gateway.Identity{
		OwnerID: claims.Sub,
		Admin:   claims.Role == RoleAdmin || (a.adminOwner != "" && claims.Sub == a.adminOwner),
	}, nil
}

// Authenticate reads the bearer token from the Authorization header, or from
// the token query parameter for WebSocket upgrades where browsers cannot set
// headers.
func (a *Authenticator) Authenticate(r *http.Request) (gateway.Identity, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.Split(header, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return gateway.Identity{}, errInvalidToken
		}
		return a.Validate(parts[1])
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return a.Validate(token)
	}
	return gateway.Identity{}, errMissingToken
}

type identityKey struct{}

// Middleware rejects unauthenticated requests and stores the identity in the
// request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.Authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error(), "")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}

// IdentityFrom returns the identity stored by Middleware.
func IdentityFrom(ctx context.Context) (gateway.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(gateway.Identity)
	return id, ok
}
