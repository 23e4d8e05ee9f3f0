// Package identity resolves caller credentials to canonical usernames and
// exposes the verified-identity records the trade flows depend on.
package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lumenfeed/market_layer/internal/docstore"
	"github.com/lumenfeed/market_layer/internal/errors"
	"github.com/lumenfeed/market_layer/internal/logging"
)

// Claims are the JWT claims carried by a bearer credential.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// VerifiedIdentity is the stored result of the external KYC provider's
// verification, read-only from this service's perspective.
type VerifiedIdentity struct {
	Username  string `json:"username"`
	LegalName string `json:"legalName"`
	Verified  bool   `json:"verified"`
}

// Resolver validates credentials and loads the backing user document. It
// fails closed: unknown, disabled or banned users never resolve.
type Resolver struct {
	secret []byte
	store  docstore.Store
	log    *logging.Logger
}

// NewResolver creates a resolver validating HMAC-signed tokens.
func NewResolver(secret []byte, store docstore.Store, log *logging.Logger) *Resolver {
	return &Resolver{secret: secret, store: store, log: log}
}

// Resolve parses and validates the credential, then checks the user account
// is present and in good standing.
func (r *Resolver) Resolve(ctx context.Context, credential string) (string, error) {
	token, err := jwt.ParseWithClaims(credential, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil {
		return "", errors.InvalidToken(err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", errors.InvalidToken(nil)
	}

	username := claims.Username
	if username == "" {
		username = claims.Subject
	}
	if username == "" {
		return "", errors.Unauthorized("credential carries no identity")
	}

	doc, err := r.store.Get(ctx, "users/"+username)
	if err != nil {
		return "", errors.Unauthorized("unknown user")
	}
	if disabled, _ := docstore.FieldBool(doc.Data, "disabled"); disabled {
		return "", errors.Unauthorized("account disabled")
	}
	if banned, _ := docstore.FieldBool(doc.Data, "banned"); banned {
		return "", errors.Unauthorized("account banned")
	}

	return username, nil
}

// Verification loads the verified-identity record for username. Absent or
// unverified records are a business-rule rejection.
func (r *Resolver) Verification(ctx context.Context, username string) (VerifiedIdentity, error) {
	doc, err := r.store.Get(ctx, "identityVerifications/"+username)
	if err != nil {
		return VerifiedIdentity{}, errors.Forbidden("identity not verified").WithDetails("username", username)
	}

	v := VerifiedIdentity{Username: username}
	v.LegalName, _ = docstore.FieldString(doc.Data, "legalName")
	v.Verified, _ = docstore.FieldBool(doc.Data, "verified")
	if !v.Verified || v.LegalName == "" {
		return VerifiedIdentity{}, errors.Forbidden("identity not verified").WithDetails("username", username)
	}
	return v, nil
}

// IsVerifiedCreator reports whether username carries the trusted-creator
// flag required to create trade collectibles.
func (r *Resolver) IsVerifiedCreator(ctx context.Context, username string) (bool, error) {
	doc, err := r.store.Get(ctx, "users/"+username)
	if err != nil {
		return false, fmt.Errorf("load user %s: %w", username, err)
	}
	verified, _ := docstore.FieldBool(doc.Data, "verifiedCreator")
	return verified, nil
}

// MintToken signs a credential for username. Used by tooling and tests.
func MintToken(secret []byte, username string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
