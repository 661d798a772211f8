// Package auth verifies bearer tokens for Kobo.
//
// Tokens are Ed25519 (EdDSA) JWTs carrying the caller's identity and the
// workspaces they belong to. Keys are loaded from PEM files; the private key
// is optional and only needed to issue tokens.
package auth

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "kobo"

// Role is the caller's privilege level.
type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// ErrNoSigningKey is returned by IssueToken on a verify-only manager.
var ErrNoSigningKey = errors.New("auth: no signing key configured")

// Claims extends jwt.RegisteredClaims with workspace membership.
type Claims struct {
	jwt.RegisteredClaims
	Role       Role        `json:"role"`
	Workspaces []uuid.UUID `json:"workspaces,omitempty"`
}

// UserID returns the subject as a UUID. Validated tokens always parse.
func (c *Claims) UserID() uuid.UUID {
	id, _ := uuid.Parse(c.Subject)
	return id
}

// CanAccess reports whether the caller may act in workspaceID. Admins can
// access every workspace.
func (c *Claims) CanAccess(workspaceID uuid.UUID) bool {
	if c == nil {
		return false
	}
	return c.Role == RoleAdmin || slices.Contains(c.Workspaces, workspaceID)
}

// JWTManager issues and validates tokens.
type JWTManager struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	expiration time.Duration
}

// NewJWTManager loads keys from PEM files. publicKeyPath is required;
// privateKeyPath may be empty for a verify-only manager. When both are given
// they must form a pair.
func NewJWTManager(privateKeyPath, publicKeyPath string, expiration time.Duration) (*JWTManager, error) {
	if publicKeyPath == "" {
		return nil, fmt.Errorf("auth: public key path is required")
	}
	pubPEM, err := os.ReadFile(publicKeyPath) //nolint:gosec // path comes from validated config
	if err != nil {
		return nil, fmt.Errorf("auth: read public key: %w", err)
	}
	pubBlock, _ := pem.Decode(pubPEM)
	if pubBlock == nil {
		return nil, fmt.Errorf("auth: decode public key PEM")
	}
	pubKey, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	edPub, ok := pubKey.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("auth: public key is not Ed25519")
	}
	m := &JWTManager{publicKey: edPub, expiration: expiration}
	if privateKeyPath == "" {
		return m, nil
	}

	privPEM, err := os.ReadFile(privateKeyPath) //nolint:gosec // path comes from validated config
	if err != nil {
		return nil, fmt.Errorf("auth: read private key: %w", err)
	}
	block, _ := pem.Decode(privPEM)
	if block == nil {
		return nil, fmt.Errorf("auth: decode private key PEM")
	}
	privKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse private key: %w", err)
	}
	edPriv, ok := privKey.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("auth: private key is not Ed25519")
	}
	// Catch a private key from one environment deployed with another's public key.
	if !bytes.Equal(edPriv.Public().(ed25519.PublicKey), edPub) {
		return nil, fmt.Errorf("auth: public key does not match private key")
	}
	m.privateKey = edPriv
	return m, nil
}

// NewEphemeralJWTManager generates an in-memory key pair. Tokens do not
// survive a restart; intended for tests and local development.
func NewEphemeralJWTManager(expiration time.Duration) (*JWTManager, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("auth: generate key pair: %w", err)
	}
	return &JWTManager{privateKey: priv, publicKey: pub, expiration: expiration}, nil
}

// IssueToken signs a token for userID.
func (m *JWTManager) IssueToken(userID uuid.UUID, role Role, workspaces []uuid.UUID) (string, time.Time, error) {
	if m.privateKey == nil {
		return "", time.Time{}, ErrNoSigningKey
	}
	now := time.Now().UTC()
	exp := now.Add(m.expiration)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{issuer},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		Role:       role,
		Workspaces: workspaces,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(m.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken parses and validates a JWT, returning the claims.
func (m *JWTManager) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return m.publicKey, nil
		},
		jwt.WithAudience(issuer),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}
	if _, err := uuid.Parse(claims.Subject); err != nil {
		return nil, fmt.Errorf("auth: invalid subject (expected UUID): %w", err)
	}
	switch claims.Role {
	case RoleMember, RoleAdmin:
	default:
		return nil, fmt.Errorf("auth: invalid role %q", claims.Role)
	}
	return claims, nil
}

// DevClaims are attached to requests when authentication is disabled.
func DevClaims() *Claims {
	return &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: uuid.Nil.String(), Issuer: issuer},
		Role:             RoleAdmin,
	}
}
