// Package auth mints and verifies the bearer tokens that bind a caller
// identity to a specific actor. Tokens are HS256 JWS; the verifier never
// accepts any other algorithm.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/actorkit/backend/internal/core"
)

const (
	// AccessTokenTTL is the lifetime of an access token.
	AccessTokenTTL = 30 * 24 * time.Hour

	// ConnectionTokenTTL is the lifetime of a connection token.
	ConnectionTokenTTL = 24 * time.Hour
)

var validMethods = jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})

// IssueAccessToken signs a token authorizing caller to reach actor for the
// access TTL. Claims: jti = actorId, sub = "<callerType>-<callerId>",
// aud = actorType.
func IssueAccessToken(signingKey []byte, actor core.Address, caller core.Caller) (string, error) {
	return issue(signingKey, actor.ID, actor.Type, caller, AccessTokenTTL)
}

// IssueConnectionToken signs a short-lived token that lets a re-entering
// client reclaim its server-side caller record without re-presenting the
// access token. Same shape as an access token but jti = connectionId.
func IssueConnectionToken(signingKey []byte, actorType, connectionID string, caller core.Caller) (string, error) {
	return issue(signingKey, connectionID, actorType, caller, ConnectionTokenTTL)
}

func issue(signingKey []byte, jti, audience string, caller core.Caller, ttl time.Duration) (string, error) {
	if caller.Type == core.CallerSystem {
		return "", fmt.Errorf("system callers are never minted into tokens")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		ID:        jti,
		Subject:   caller.String(),
		Audience:  jwt.ClaimStrings{audience},
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks an access token against the actor it is expected to be
// bound to and returns the caller it carries. Every failure mode — bad
// signature, wrong algorithm, expiry, jti/aud mismatch, unparsable sub —
// comes back as core.ErrUnauthorized.
func Verify(signingKey []byte, token string, expected core.Address) (core.Caller, error) {
	claims, err := parse(signingKey, token)
	if err != nil {
		return core.Caller{}, err
	}
	if claims.ID != expected.ID {
		return core.Caller{}, fmt.Errorf("%w: token is bound to another actor", core.ErrUnauthorized)
	}
	return callerFromClaims(claims, expected.Type)
}

// VerifyConnection checks a connection token against the expected actor
// type and returns the caller plus the connection id it reclaims.
func VerifyConnection(signingKey []byte, token, expectedActorType string) (core.Caller, string, error) {
	claims, err := parse(signingKey, token)
	if err != nil {
		return core.Caller{}, "", err
	}
	if claims.ID == "" {
		return core.Caller{}, "", fmt.Errorf("%w: connection token has no connection id", core.ErrUnauthorized)
	}
	caller, err := callerFromClaims(claims, expectedActorType)
	if err != nil {
		return core.Caller{}, "", err
	}
	return caller, claims.ID, nil
}

func parse(signingKey []byte, token string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return signingKey, nil
	}, validMethods, jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrUnauthorized, err)
	}
	return claims, nil
}

func callerFromClaims(claims *jwt.RegisteredClaims, expectedActorType string) (core.Caller, error) {
	audOK := false
	for _, aud := range claims.Audience {
		if aud == expectedActorType {
			audOK = true
			break
		}
	}
	if !audOK {
		return core.Caller{}, fmt.Errorf("%w: token audience does not match actor type", core.ErrUnauthorized)
	}
	caller, err := core.ParseCaller(claims.Subject)
	if err != nil {
		return core.Caller{}, fmt.Errorf("%w: %v", core.ErrUnauthorized, err)
	}
	return caller, nil
}
