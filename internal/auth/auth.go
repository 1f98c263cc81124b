// Package auth issues and validates the tokens Denwa hands out.
//
// Two kinds of Ed25519-signed JWT exist: operator tokens for the control
// API, and short-lived call tokens presented to the media service when a
// call's audio stream is opened. Operator credentials are Argon2id hashes.
package auth

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	issuer = "denwa"

	// AudienceAPI is the audience of operator tokens.
	AudienceAPI = "denwa"
	// AudienceMedia is the audience of call-scoped media tokens.
	AudienceMedia = "denwa-media"

	// MaxCallTokenTTL caps the lifetime of a call token.
	MaxCallTokenTTL = time.Hour
)

// TokenKind distinguishes operator and call tokens.
type TokenKind string

const (
	KindOperator TokenKind = "operator"
	KindCall     TokenKind = "call"
)

// ErrWrongKind is returned when a token is valid but of the wrong kind.
var ErrWrongKind = errors.New("auth: wrong token kind")

// Claims extends jwt.RegisteredClaims with Denwa-specific fields. Call
// fields are empty on operator tokens.
type Claims struct {
	jwt.RegisteredClaims
	Kind      TokenKind `json:"kind"`
	CallID    string    `json:"call_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
}

// JWTManager handles JWT creation and validation using Ed25519.
type JWTManager struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	expiration time.Duration
	now        func() time.Time
}

// NewJWTManager creates a JWTManager from PEM key files. expiration is the
// lifetime of operator tokens. If either path is empty an ephemeral key
// pair is generated (development only).
func NewJWTManager(privateKeyPath, publicKeyPath string, expiration time.Duration) (*JWTManager, error) {
	if privateKeyPath == "" || publicKeyPath == "" {
		slog.Warn("auth: no JWT key files configured, generating ephemeral key pair (not for production)")
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("auth: generate key pair: %w", err)
		}
		return &JWTManager{privateKey: priv, publicKey: pub, expiration: expiration, now: time.Now}, nil
	}

	priv, pub, err := loadKeyPair(privateKeyPath, publicKeyPath)
	if err != nil {
		return nil, err
	}
	return &JWTManager{privateKey: priv, publicKey: pub, expiration: expiration, now: time.Now}, nil
}

func loadKeyPair(privateKeyPath, publicKeyPath string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	block, err := readPEM(privateKeyPath, "private")
	if err != nil {
		return nil, nil, err
	}
	rawPriv, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("auth: parse private key: %w", err)
	}
	priv, ok := rawPriv.(ed25519.PrivateKey)
	if !ok {
		return nil, nil, fmt.Errorf("auth: private key is not Ed25519")
	}

	block, err = readPEM(publicKeyPath, "public")
	if err != nil {
		return nil, nil, err
	}
	rawPub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	pub, ok := rawPub.(ed25519.PublicKey)
	if !ok {
		return nil, nil, fmt.Errorf("auth: public key is not Ed25519")
	}

	// A mismatched pair signs tokens nobody can verify.
	if !bytes.Equal(priv.Public().(ed25519.PublicKey), pub) {
		return nil, nil, fmt.Errorf("auth: public key does not match private key")
	}
	return priv, pub, nil
}

func readPEM(path, which string) (*pem.Block, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from validated config
	if err != nil {
		return nil, fmt.Errorf("auth: read %s key: %w", which, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("auth: decode %s key PEM", which)
	}
	return block, nil
}

// PublicKey returns the verification key, for sharing with the media
// service.
func (m *JWTManager) PublicKey() ed25519.PublicKey { return m.publicKey }

// IssueOperatorToken creates a control API token for operatorID.
func (m *JWTManager) IssueOperatorToken(operatorID string) (string, time.Time, error) {
	if operatorID == "" {
		return "", time.Time{}, fmt.Errorf("auth: operator id is required")
	}
	return m.sign(Claims{Kind: KindOperator}, operatorID, AudienceAPI, m.expiration)
}

// IssueCallToken creates a media token scoped to one call. ttl is capped
// at MaxCallTokenTTL; a non-positive ttl uses the cap.
func (m *JWTManager) IssueCallToken(callID, sessionID, agentID string, ttl time.Duration) (string, time.Time, error) {
	if callID == "" {
		return "", time.Time{}, fmt.Errorf("auth: call id is required")
	}
	if ttl <= 0 || ttl > MaxCallTokenTTL {
		ttl = MaxCallTokenTTL
	}
	claims := Claims{Kind: KindCall, CallID: callID, SessionID: sessionID, AgentID: agentID}
	return m.sign(claims, callID, AudienceMedia, ttl)
}

func (m *JWTManager) sign(claims Claims, subject, audience string, ttl time.Duration) (string, time.Time, error) {
	now := m.now().UTC()
	exp := now.Add(ttl)
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    issuer,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
		ID:        uuid.New().String(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign %s token: %w", claims.Kind, err)
	}
	return signed, exp, nil
}

// ValidateOperatorToken validates a control API token.
func (m *JWTManager) ValidateOperatorToken(tokenStr string) (*Claims, error) {
	return m.validate(tokenStr, AudienceAPI, KindOperator)
}

// ValidateCallToken validates a media token and returns its call claims.
func (m *JWTManager) ValidateCallToken(tokenStr string) (*Claims, error) {
	claims, err := m.validate(tokenStr, AudienceMedia, KindCall)
	if err != nil {
		return nil, err
	}
	if claims.CallID == "" || claims.CallID != claims.Subject {
		return nil, fmt.Errorf("auth: call token subject does not match call_id")
	}
	return claims, nil
}

func (m *JWTManager) validate(tokenStr, audience string, kind TokenKind) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return m.publicKey, nil
		},
		jwt.WithAudience(audience),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}
	if claims.Kind != kind {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrWrongKind, claims.Kind, kind)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("auth: token has no subject")
	}
	return claims, nil
}
