// Package session mints and validates the signed session tokens issued
// once every login factor has passed.
package session

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"vaultgate/internal/auth/storage"
	"vaultgate/internal/platform/config"
	apperrors "vaultgate/internal/platform/errors"
	"vaultgate/internal/platform/id"
)

const minKeyBytes = 32

// sessionEnv holds raw env values before post-parse validation.
type sessionEnv struct {
	Issuer   string        `env:"VAULTGATE_SESSION_ISSUER" envDefault:"vaultgate"`
	Audience string        `env:"VAULTGATE_SESSION_AUDIENCE" envDefault:"vaultgate"`
	Key      string        `env:"VAULTGATE_SESSION_KEY"`
	TTL      time.Duration `env:"VAULTGATE_SESSION_TTL" envDefault:"12h"`
}

// Config defines how session tokens are signed and verified.
type Config struct {
	Issuer   string
	Audience string
	Key      []byte
	TTL      time.Duration
}

// LoadConfigFromEnv reads session signing configuration. The HMAC key is
// required and must decode to at least 32 bytes.
func LoadConfigFromEnv() (Config, error) {
	var raw sessionEnv
	if err := config.ParseEnv(&raw); err != nil {
		return Config{}, fmt.Errorf("parse session env: %w", err)
	}
	key := strings.TrimSpace(raw.Key)
	if key == "" {
		return Config{}, fmt.Errorf("VAULTGATE_SESSION_KEY is required")
	}
	keyBytes, err := decodeBase64(key)
	if err != nil {
		return Config{}, fmt.Errorf("decode session key: %w", err)
	}
	if len(keyBytes) < minKeyBytes {
		return Config{}, fmt.Errorf("session key must be at least %d bytes", minKeyBytes)
	}
	if raw.TTL <= 0 {
		return Config{}, fmt.Errorf("session ttl must be positive")
	}
	return Config{
		Issuer:   strings.TrimSpace(raw.Issuer),
		Audience: strings.TrimSpace(raw.Audience),
		Key:      keyBytes,
		TTL:      raw.TTL,
	}, nil
}

// sessionClaims is the internal claims type used for JWT parsing.
type sessionClaims struct {
	jwt.RegisteredClaims
}

// Token is a freshly minted session token and its durable record id.
type Token struct {
	Token     string
	SessionID string
	ExpiresAt time.Time
}

// Issuer mints session tokens and keeps a durable record per session so
// individual sessions can be inspected and revoked.
type Issuer struct {
	store       storage.SessionStore
	cfg         Config
	clock       func() time.Time
	idGenerator func() (string, error)
}

// NewIssuer returns an issuer backed by the provided store.
func NewIssuer(store storage.SessionStore, cfg Config) *Issuer {
	return &Issuer{
		store:       store,
		cfg:         cfg,
		clock:       func() time.Time { return time.Now().UTC() },
		idGenerator: id.NewID,
	}
}

// Issue mints a signed token for the user and records the session. Any
// failure here surfaces as a session creation error so callers can
// discard the login flow rather than retry blindly.
func (i *Issuer) Issue(ctx context.Context, userID string) (Token, error) {
	if i == nil || i.store == nil {
		return Token{}, apperrors.New(apperrors.CodeSessionCreation, "session issuer not configured")
	}
	if len(i.cfg.Key) < minKeyBytes {
		return Token{}, apperrors.New(apperrors.CodeSessionCreation, "session signing key not configured")
	}
	if userID == "" {
		return Token{}, apperrors.New(apperrors.CodeSessionCreation, "user id is required")
	}

	sessionID, err := i.idGenerator()
	if err != nil {
		return Token{}, apperrors.Wrap(apperrors.CodeSessionCreation, "generate session id", err)
	}
	now := i.clock()
	expiresAt := now.Add(i.cfg.TTL)

	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.cfg.Issuer,
			Subject:   userID,
			Audience:  jwt.ClaimStrings{i.cfg.Audience},
			ID:        sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.cfg.Key)
	if err != nil {
		return Token{}, apperrors.Wrap(apperrors.CodeSessionCreation, "sign session token", err)
	}

	record := storage.Session{
		ID:          sessionID,
		UserID:      userID,
		TokenDigest: digest(signed),
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
	}
	if err := i.store.PutSession(ctx, record); err != nil {
		return Token{}, apperrors.Wrap(apperrors.CodeSessionCreation, "store session", err)
	}
	return Token{Token: signed, SessionID: sessionID, ExpiresAt: expiresAt}, nil
}

// Validate verifies a token signature and checks the durable session
// record is still live. It returns the session on success.
func (i *Issuer) Validate(ctx context.Context, token string) (storage.Session, error) {
	if i == nil || i.store == nil {
		return storage.Session{}, apperrors.New(apperrors.CodeUnknown, "session issuer not configured")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return storage.Session{}, apperrors.New(apperrors.CodeInvalidCredentials, "session token is required")
	}

	var parsed sessionClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(_ *jwt.Token) (any, error) {
		return i.cfg.Key, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return storage.Session{}, mapJWTError(err)
	}
	if parsed.Issuer != i.cfg.Issuer {
		return storage.Session{}, apperrors.New(apperrors.CodeInvalidCredentials, "session issuer mismatch")
	}
	if !audienceContains(parsed.Audience, i.cfg.Audience) {
		return storage.Session{}, apperrors.New(apperrors.CodeInvalidCredentials, "session audience mismatch")
	}
	if parsed.ID == "" || parsed.ExpiresAt == nil {
		return storage.Session{}, apperrors.New(apperrors.CodeInvalidCredentials, "session token is malformed")
	}

	now := i.clock()
	if !parsed.ExpiresAt.Time.After(now) {
		return storage.Session{}, apperrors.New(apperrors.CodeInvalidCredentials, "session token is expired")
	}

	record, err := i.store.GetSession(ctx, parsed.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Session{}, apperrors.New(apperrors.CodeNotFound, "session not found")
	}
	if err != nil {
		return storage.Session{}, apperrors.Wrap(apperrors.CodeUnknown, "load session", err)
	}
	if !hmac.Equal([]byte(record.TokenDigest), []byte(digest(token))) {
		return storage.Session{}, apperrors.New(apperrors.CodeInvalidCredentials, "session token mismatch")
	}
	if record.RevokedAt != nil {
		return storage.Session{}, apperrors.New(apperrors.CodeInvalidCredentials, "session is revoked")
	}
	if !record.ExpiresAt.After(now) {
		return storage.Session{}, apperrors.New(apperrors.CodeInvalidCredentials, "session is expired")
	}
	return record, nil
}

// Get loads a session record by id.
func (i *Issuer) Get(ctx context.Context, sessionID string) (storage.Session, error) {
	if i == nil || i.store == nil {
		return storage.Session{}, apperrors.New(apperrors.CodeUnknown, "session issuer not configured")
	}
	record, err := i.store.GetSession(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Session{}, apperrors.New(apperrors.CodeNotFound, "session not found")
	}
	if err != nil {
		return storage.Session{}, apperrors.Wrap(apperrors.CodeUnknown, "load session", err)
	}
	return record, nil
}

// Revoke marks a session as revoked. Revocation is idempotent.
func (i *Issuer) Revoke(ctx context.Context, sessionID string) error {
	if i == nil || i.store == nil {
		return apperrors.New(apperrors.CodeUnknown, "session issuer not configured")
	}
	err := i.store.RevokeSession(ctx, sessionID, i.clock())
	if errors.Is(err, storage.ErrNotFound) {
		return apperrors.New(apperrors.CodeNotFound, "session not found")
	}
	if err != nil {
		return apperrors.Wrap(apperrors.CodeUnknown, "revoke session", err)
	}
	return nil
}

// mapJWTError translates jwt library errors to application errors.
func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		return apperrors.New(apperrors.CodeInvalidCredentials, "session signature is invalid")
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return apperrors.New(apperrors.CodeInvalidCredentials, "session alg is invalid")
	}
	return apperrors.New(apperrors.CodeInvalidCredentials, "session token is invalid")
}

// audienceContains reports whether the audience list contains the given value.
func audienceContains(aud jwt.ClaimStrings, value string) bool {
	for _, item := range aud {
		if item == value {
			return true
		}
	}
	return false
}

func digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func decodeBase64(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("empty base64 value")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(value)
}
