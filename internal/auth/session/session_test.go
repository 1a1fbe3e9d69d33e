package session

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"vaultgate/internal/auth/storage"
	apperrors "vaultgate/internal/platform/errors"
)

type fakeSessionStore struct {
	sessions map[string]storage.Session
	putErr   error
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: make(map[string]storage.Session)}
}

func (s *fakeSessionStore) PutSession(_ context.Context, session storage.Session) error {
	if s.putErr != nil {
		return s.putErr
	}
	s.sessions[session.ID] = session
	return nil
}

func (s *fakeSessionStore) GetSession(_ context.Context, sessionID string) (storage.Session, error) {
	session, ok := s.sessions[sessionID]
	if !ok {
		return storage.Session{}, storage.ErrNotFound
	}
	return session, nil
}

func (s *fakeSessionStore) RevokeSession(_ context.Context, sessionID string, revokedAt time.Time) error {
	session, ok := s.sessions[sessionID]
	if !ok {
		return storage.ErrNotFound
	}
	if session.RevokedAt == nil {
		session.RevokedAt = &revokedAt
		s.sessions[sessionID] = session
	}
	return nil
}

func testKey() []byte {
	return []byte("0123456789abcdef0123456789abcdef")
}

func newTestIssuer(store *fakeSessionStore) (*Issuer, *time.Time) {
	issuer := NewIssuer(store, Config{
		Issuer:   "vaultgate",
		Audience: "vaultgate",
		Key:      testKey(),
		TTL:      time.Hour,
	})
	current := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	issuer.clock = func() time.Time { return current }
	counter := 0
	issuer.idGenerator = func() (string, error) {
		counter++
		return "session-" + string(rune('0'+counter)), nil
	}
	return issuer, &current
}

func TestIssueAndValidate(t *testing.T) {
	store := newFakeSessionStore()
	issuer, _ := newTestIssuer(store)
	ctx := context.Background()

	token, err := issuer.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if token.Token == "" || token.SessionID == "" {
		t.Fatal("expected token and session id")
	}
	record, ok := store.sessions[token.SessionID]
	if !ok {
		t.Fatal("expected durable session record")
	}
	if record.UserID != "user-1" {
		t.Fatalf("user id = %q, want user-1", record.UserID)
	}
	if record.TokenDigest == token.Token {
		t.Fatal("store must hold a digest, not the raw token")
	}

	validated, err := issuer.Validate(ctx, token.Token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if validated.ID != token.SessionID {
		t.Fatalf("session id = %q, want %q", validated.ID, token.SessionID)
	}
}

func TestIssueRequiresUser(t *testing.T) {
	issuer, _ := newTestIssuer(newFakeSessionStore())
	_, err := issuer.Issue(context.Background(), "")
	if apperrors.GetCode(err) != apperrors.CodeSessionCreation {
		t.Fatalf("code = %q, want SESSION_CREATION_FAILED", apperrors.GetCode(err))
	}
}

func TestIssueStoreFailure(t *testing.T) {
	store := newFakeSessionStore()
	store.putErr = storage.ErrNotFound
	issuer, _ := newTestIssuer(store)
	_, err := issuer.Issue(context.Background(), "user-1")
	if apperrors.GetCode(err) != apperrors.CodeSessionCreation {
		t.Fatalf("code = %q, want SESSION_CREATION_FAILED", apperrors.GetCode(err))
	}
}

func TestValidateRejectsTamperedToken(t *testing.T) {
	store := newFakeSessionStore()
	issuer, _ := newTestIssuer(store)
	ctx := context.Background()
	token, err := issuer.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	tampered := token.Token[:len(token.Token)-2] + "xx"
	if _, err := issuer.Validate(ctx, tampered); apperrors.GetCode(err) != apperrors.CodeInvalidCredentials {
		t.Fatalf("code = %q, want INVALID_CREDENTIALS", apperrors.GetCode(err))
	}
}

func TestValidateRejectsWrongKey(t *testing.T) {
	store := newFakeSessionStore()
	issuer, _ := newTestIssuer(store)
	ctx := context.Background()
	token, err := issuer.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	other := NewIssuer(store, Config{
		Issuer:   "vaultgate",
		Audience: "vaultgate",
		Key:      []byte(strings.Repeat("x", 32)),
		TTL:      time.Hour,
	})
	if _, err := other.Validate(ctx, token.Token); apperrors.GetCode(err) != apperrors.CodeInvalidCredentials {
		t.Fatalf("code = %q, want INVALID_CREDENTIALS", apperrors.GetCode(err))
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	store := newFakeSessionStore()
	issuer, current := newTestIssuer(store)
	ctx := context.Background()
	token, err := issuer.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	*current = current.Add(2 * time.Hour)
	if _, err := issuer.Validate(ctx, token.Token); apperrors.GetCode(err) != apperrors.CodeInvalidCredentials {
		t.Fatalf("code = %q, want INVALID_CREDENTIALS", apperrors.GetCode(err))
	}
}

func TestValidateRejectsRevokedSession(t *testing.T) {
	store := newFakeSessionStore()
	issuer, _ := newTestIssuer(store)
	ctx := context.Background()
	token, err := issuer.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if err := issuer.Revoke(ctx, token.SessionID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := issuer.Validate(ctx, token.Token); apperrors.GetCode(err) != apperrors.CodeInvalidCredentials {
		t.Fatalf("code = %q, want INVALID_CREDENTIALS", apperrors.GetCode(err))
	}
}

func TestRevokeUnknownSession(t *testing.T) {
	issuer, _ := newTestIssuer(newFakeSessionStore())
	err := issuer.Revoke(context.Background(), "missing")
	if apperrors.GetCode(err) != apperrors.CodeNotFound {
		t.Fatalf("code = %q, want NOT_FOUND", apperrors.GetCode(err))
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	key := base64.StdEncoding.EncodeToString(testKey())
	t.Setenv("VAULTGATE_SESSION_KEY", key)
	t.Setenv("VAULTGATE_SESSION_ISSUER", "authd")
	t.Setenv("VAULTGATE_SESSION_TTL", "30m")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Issuer != "authd" {
		t.Fatalf("issuer = %q, want authd", cfg.Issuer)
	}
	if cfg.TTL != 30*time.Minute {
		t.Fatalf("ttl = %v, want 30m", cfg.TTL)
	}
	if len(cfg.Key) != 32 {
		t.Fatalf("key length = %d, want 32", len(cfg.Key))
	}
}

func TestLoadConfigFromEnvRequiresKey(t *testing.T) {
	t.Setenv("VAULTGATE_SESSION_KEY", "")
	if _, err := LoadConfigFromEnv(); err == nil {
		t.Fatal("expected error for missing key")
	}
}

func TestLoadConfigFromEnvRejectsShortKey(t *testing.T) {
	t.Setenv("VAULTGATE_SESSION_KEY", base64.StdEncoding.EncodeToString([]byte("short")))
	if _, err := LoadConfigFromEnv(); err == nil {
		t.Fatal("expected error for short key")
	}
}
