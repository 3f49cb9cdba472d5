// Package auth issues and verifies the access/refresh token pairs that
// authenticate dashboard users and federation probes, resolves roles to
// permissions, and checks login credentials against the configured
// credential store. The token codec is hand-rolled HMAC-SHA256, avoiding
// a JWT library for a three-field, symmetric-key token.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fiberstack/fiber/internal/kv"
	"github.com/fiberstack/fiber/internal/utils"
)

var (
	ErrInvalidToken          = errors.New("invalid token")
	ErrTokenExpired          = errors.New("token expired")
	ErrInvalidSegment        = errors.New("invalid token segment")
	ErrWrongTokenType        = errors.New("wrong token type")
	ErrTokenRevoked          = errors.New("token revoked")
	ErrRevocationCheckFailed = errors.New("revocation check failed")
)

// TokenType discriminates access tokens from refresh tokens.
type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
)

// Claims is the JWT-shaped payload carried by both token types.
type Claims struct {
	Subject  string    `json:"sub"`
	Role     string    `json:"role"`
	Issuer   string    `json:"iss"`
	Audience string    `json:"aud"`
	IssuedAt int64     `json:"iat"`
	Expiry   int64     `json:"exp"`
	Jti      string    `json:"jti"`
	Type     TokenType `json:"type"`
}

// Codec issues and verifies HMAC-signed token pairs.
type Codec struct {
	secret         []byte
	issuer         string
	audience       string
	accessTTL      time.Duration
	refreshTTL     time.Duration
	revocationSkew time.Duration
	store          *kv.Store
}

// NewCodec builds a token codec bound to a secret and the shared kv-store
// used for jti revocation.
func NewCodec(secret, issuer, audience string, accessTTL, refreshTTL time.Duration, store *kv.Store) *Codec {
	return &Codec{
		secret:         []byte(secret),
		issuer:         issuer,
		audience:       audience,
		accessTTL:      accessTTL,
		refreshTTL:     refreshTTL,
		revocationSkew: 5 * time.Minute,
		store:          store,
	}
}

// TokenPair is the result of a successful login or refresh rotation.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	Role         string
}

var jwtHeaderB64 = base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))

// IssueTokens mints a fresh access/refresh pair for the given subject and role.
func (c *Codec) IssueTokens(subject, role string) (*TokenPair, error) {
	now := utils.NowUTC()

	access, err := c.sign(Claims{
		Subject:  subject,
		Role:     role,
		Issuer:   c.issuer,
		Audience: c.audience,
		IssuedAt: now.Unix(),
		Expiry:   now.Add(c.accessTTL).Unix(),
		Jti:      uuid.NewString(),
		Type:     TokenAccess,
	})
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	refresh, err := c.sign(Claims{
		Subject:  subject,
		Role:     role,
		Issuer:   c.issuer,
		Audience: c.audience,
		IssuedAt: now.Unix(),
		Expiry:   now.Add(c.refreshTTL).Unix(),
		Jti:      uuid.NewString(),
		Type:     TokenRefresh,
	})
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(c.accessTTL.Seconds()),
		Role:         role,
	}, nil
}

func (c *Codec) sign(claims Claims) (string, error) {
	payloadJSON, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}

	payloadB64 := base64.RawURLEncoding.EncodeToString(payloadJSON)
	signingInput := jwtHeaderB64 + "." + payloadB64
	sig := hmacSHA256([]byte(signingInput), c.secret)
	sigB64 := base64.RawURLEncoding.EncodeToString(sig)

	return signingInput + "." + sigB64, nil
}

// Verify checks a token's signature, expiry, audience, and expected type,
// but does NOT consult the revocation denylist — callers that need
// fail-closed revocation enforcement should also call VerifyAndCheckRevoked.
func (c *Codec) Verify(token string, want TokenType) (*Claims, error) {
	parts := splitToken(token)
	if parts == nil {
		return nil, ErrInvalidToken
	}

	signingInput := parts[0] + "." + parts[1]
	expectedSig := hmacSHA256([]byte(signingInput), c.secret)

	actualSig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, ErrInvalidSegment
	}
	if !hmac.Equal(expectedSig, actualSig) {
		return nil, ErrInvalidToken
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalidSegment
	}

	var claims Claims
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return nil, fmt.Errorf("unmarshal claims: %w", err)
	}

	if claims.Audience != c.audience {
		return nil, ErrInvalidToken
	}
	if claims.Expiry > 0 && utils.NowUTC().Unix() > claims.Expiry {
		return nil, ErrTokenExpired
	}
	if claims.Type != want {
		return nil, ErrWrongTokenType
	}

	return &claims, nil
}

// VerifyAndCheckRevoked verifies a token and fails closed if its jti has
// already been revoked.
func (c *Codec) VerifyAndCheckRevoked(ctx context.Context, token string, want TokenType) (*Claims, error) {
	claims, err := c.Verify(token, want)
	if err != nil {
		return nil, err
	}

	revoked, err := c.store.IsJtiRevoked(ctx, claims.Jti)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRevocationCheckFailed, err)
	}
	if revoked {
		return nil, ErrTokenRevoked
	}

	return claims, nil
}

// Revoke denylists a jti until its natural expiry plus the skew buffer.
func (c *Codec) Revoke(ctx context.Context, claims *Claims) error {
	remaining := time.Until(time.Unix(claims.Expiry, 0))
	if remaining < 0 {
		remaining = 0
	}
	return c.store.RevokeJti(ctx, claims.Jti, remaining+c.revocationSkew)
}

// RotateRefresh validates a presented refresh token, revokes its jti (so a
// reused refresh token is rejected as a replay), and issues a new pair.
func (c *Codec) RotateRefresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := c.VerifyAndCheckRevoked(ctx, refreshToken, TokenRefresh)
	if err != nil {
		return nil, err
	}

	if err := c.Revoke(ctx, claims); err != nil {
		return nil, fmt.Errorf("revoke old refresh token: %w", err)
	}

	return c.IssueTokens(claims.Subject, claims.Role)
}

func hmacSHA256(data, key []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// splitToken splits a token into exactly 3 non-empty '.'-delimited parts.
func splitToken(token string) []string {
	var parts [3]string
	idx := 0
	start := 0
	for i := 0; i < len(token); i++ {
		if token[i] == '.' {
			if idx >= 2 {
				return nil
			}
			parts[idx] = token[start:i]
			idx++
			start = i + 1
		}
	}
	if idx != 2 {
		return nil
	}
	parts[2] = token[start:]
	if parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return nil
	}
	return parts[:]
}
