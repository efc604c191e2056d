package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MaxCustomerIDLength bounds customer ids carried in tokens, ingest paths and
// MQTT topics.
const MaxCustomerIDLength = 64

// ErrInvalidCustomer indicates a malformed customer id.
var ErrInvalidCustomer = errors.New("auth: invalid customer id")

// Claims are the JWT claims issued for dashboard and API users.
type Claims struct {
	CustomerID string `json:"customer_id"`
	Role       string `json:"role"`
	jwt.RegisteredClaims
}

// Identity is the authenticated caller. CustomerID scopes every query the
// request makes.
type Identity struct {
	CustomerID string
	Role       Role
	Subject    string
}

// ValidateCustomerID accepts 1 to MaxCustomerIDLength characters of ASCII
// letters, digits, '-', '_' and '.'. Ids never contain '/' or MQTT wildcards.
func ValidateCustomerID(customerID string) error {
	if customerID == "" || len(customerID) > MaxCustomerIDLength {
		return ErrInvalidCustomer
	}
	for i := 0; i < len(customerID); i++ {
		c := customerID[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidCustomer, customerID)
		}
	}
	return nil
}

// ParseIdentity validates an HS256 token and returns the caller it names.
func ParseIdentity(tokenString string, secret []byte, now time.Time) (Identity, error) {
	if tokenString == "" {
		return Identity{}, errors.Join(ErrUnauthorized, errors.New("auth: empty token"))
	}
	if len(secret) == 0 {
		return Identity{}, errors.New("auth: empty secret")
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	claims := &Claims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		return Identity{}, errors.Join(ErrInvalidToken, err)
	}
	if !token.Valid {
		return Identity{}, ErrInvalidToken
	}
	if err := ValidateCustomerID(claims.CustomerID); err != nil {
		return Identity{}, errors.Join(ErrInvalidToken, err)
	}
	role, ok := NormalizeRole(claims.Role)
	if !ok {
		return Identity{}, errors.Join(ErrInvalidToken, fmt.Errorf("auth: invalid role %q", claims.Role))
	}
	return Identity{CustomerID: claims.CustomerID, Role: role, Subject: claims.Subject}, nil
}

type identityKey struct{}

// WithIdentity stores the caller in ctx.
func WithIdentity(ctx context.Context, customerID string, role Role, subject string) context.Context {
	return context.WithValue(ctx, identityKey{}, Identity{CustomerID: customerID, Role: role, Subject: subject})
}

// IdentityFromContext returns the caller stored by WithIdentity.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	identity, ok := ctx.Value(identityKey{}).(Identity)
	return identity, ok
}

// CustomerIDFromContext returns the caller's customer, empty when unauthenticated.
func CustomerIDFromContext(ctx context.Context) string {
	identity, _ := IdentityFromContext(ctx)
	return identity.CustomerID
}

func RoleFromContext(ctx context.Context) Role {
	identity, _ := IdentityFromContext(ctx)
	return identity.Role
}

func SubjectFromContext(ctx context.Context) string {
	identity, _ := IdentityFromContext(ctx)
	return identity.Subject
}
