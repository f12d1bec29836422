// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Candor Contributors

// Package auth verifies client tokens and yields the identity a session is
// registered under.
package auth

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// CodeAuthError marks every token verification failure. The transport maps
// it onto authFailed without distinguishing causes for the client.
const CodeAuthError = "AUTH_ERROR"

// Identity is the authenticated principal carried by a valid token.
type Identity struct {
	UserID   ulid.ULID
	Username string
}

// Verifier validates bearer tokens. Implementations must be safe for
// concurrent use.
type Verifier interface {
	VerifyToken(token string) (Identity, error)
}

type claims struct {
	UserID   string `json:"uid"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HMAC-SHA256 signed tokens. Expiry and not-before are
// enforced by the parser.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier over the shared signing secret.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// VerifyToken parses and validates the token, returning the embedded
// identity. Any failure (malformed token, wrong algorithm, bad signature,
// expiry, missing or malformed claims) carries CodeAuthError.
func (v *JWTVerifier) VerifyToken(token string) (Identity, error) {
	if token == "" {
		return Identity{}, oops.Code(CodeAuthError).
			Errorf("empty token")
	}

	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Identity{}, oops.Code(CodeAuthError).
			Wrapf(err, "token validation failed")
	}
	if !parsed.Valid {
		return Identity{}, oops.Code(CodeAuthError).
			Errorf("token not valid")
	}

	userID, err := ulid.Parse(c.UserID)
	if err != nil {
		return Identity{}, oops.Code(CodeAuthError).
			With("uid", c.UserID).
			Wrapf(err, "malformed uid claim")
	}
	if c.Username == "" {
		return Identity{}, oops.Code(CodeAuthError).
			Errorf("missing username claim")
	}

	return Identity{UserID: userID, Username: c.Username}, nil
}
