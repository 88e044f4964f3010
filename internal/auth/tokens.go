// Package auth issues and verifies the HS256 tokens used at the service
// boundary: user tokens identify the caller, batch tokens grant read access
// to the status feed of one batch.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned for missing, malformed, expired or mismatched tokens.
var ErrUnauthorized = errors.New("unauthorized")

const (
	audienceUser  = "wecook:user"
	audienceBatch = "wecook:batch"
	issuer        = "wecook"
)

// Tokens signs and verifies tokens with a shared secret.
type Tokens struct {
	secret   []byte
	batchTTL time.Duration
	now      func() time.Time
}

// NewTokens creates a token service. Batch tokens expire after batchTTL.
func NewTokens(secret string, batchTTL time.Duration) *Tokens {
	return &Tokens{
		secret:   []byte(secret),
		batchTTL: batchTTL,
		now:      time.Now,
	}
}

type batchClaims struct {
	BatchID string `json:"bid"`
	jwt.RegisteredClaims
}

// IssueUserToken returns a token identifying userID, valid for ttl.
func (t *Tokens) IssueUserToken(userID string, ttl time.Duration) (string, error) {
	now := t.now()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   userID,
		Audience:  jwt.ClaimStrings{audienceUser},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return t.sign(claims)
}

// VerifyUserToken returns the user id carried by a valid user token.
func (t *Tokens) VerifyUserToken(token string) (string, error) {
	var claims jwt.RegisteredClaims
	if err := t.parse(token, &claims, audienceUser); err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	return claims.Subject, nil
}

// IssueBatchToken returns an access token for the status feed of batchID.
func (t *Tokens) IssueBatchToken(batchID, userID string) (string, error) {
	now := t.now()
	claims := batchClaims{
		BatchID: batchID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			Audience:  jwt.ClaimStrings{audienceBatch},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.batchTTL)),
		},
	}
	return t.sign(claims)
}

// VerifyBatchToken checks that token grants access to batchID.
func (t *Tokens) VerifyBatchToken(token, batchID string) error {
	var claims batchClaims
	if err := t.parse(token, &claims, audienceBatch); err != nil {
		return err
	}
	if claims.BatchID != batchID {
		return fmt.Errorf("%w: token is not valid for batch %s", ErrUnauthorized, batchID)
	}
	return nil
}

func (t *Tokens) sign(claims jwt.Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (t *Tokens) parse(token string, claims jwt.Claims, audience string) error {
	if token == "" {
		return fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	_, err := jwt.ParseWithClaims(token, claims, func(tok *jwt.Token) (interface{}, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return nil
}
