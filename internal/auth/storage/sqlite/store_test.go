package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"vaultgate/internal/auth/storage"
	"vaultgate/internal/auth/user"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func seedUser(t *testing.T, store *Store, id, email string) user.User {
	t.Helper()
	now := time.Date(2026, time.April, 2, 9, 0, 0, 0, time.UTC)
	record := user.User{
		ID:           id,
		Email:        email,
		DisplayName:  "Alpha",
		PasswordHash: "$2a$10$hash",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := store.PutUser(context.Background(), record); err != nil {
		t.Fatalf("put user: %v", err)
	}
	return record
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open(""); err == nil {
		t.Fatal("expected empty path error")
	}
}

func TestUserRoundTrip(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	seedUser(t, store, "user-1", "a@b.co")

	got, err := store.GetUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if got.Email != "a@b.co" {
		t.Fatalf("email = %q, want a@b.co", got.Email)
	}

	byEmail, err := store.GetUserByEmail(context.Background(), "A@B.CO")
	if err != nil {
		t.Fatalf("get user by email: %v", err)
	}
	if byEmail.ID != "user-1" {
		t.Fatalf("id = %q, want user-1", byEmail.ID)
	}

	if _, err := store.GetUser(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPasskeyCredentialRoundTrip(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	seedUser(t, store, "user-1", "a@b.co")
	now := time.Date(2026, time.April, 2, 9, 0, 0, 0, time.UTC)
	record := storage.PasskeyCredential{
		CredentialID:   "cred-1",
		UserID:         "user-1",
		Label:          "Work laptop",
		CredentialJSON: `{"id":"Y3JlZC0x"}`,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.PutPasskeyCredential(context.Background(), record); err != nil {
		t.Fatalf("put passkey credential: %v", err)
	}

	got, err := store.GetPasskeyCredential(context.Background(), "cred-1")
	if err != nil {
		t.Fatalf("get passkey credential: %v", err)
	}
	if got.Label != "Work laptop" {
		t.Fatalf("label = %q, want Work laptop", got.Label)
	}
	if got.LastUsedAt != nil {
		t.Fatal("expected no last-used timestamp")
	}

	used := now.Add(time.Minute)
	record.LastUsedAt = &used
	record.UpdatedAt = used
	if err := store.PutPasskeyCredential(context.Background(), record); err != nil {
		t.Fatalf("update passkey credential: %v", err)
	}
	got, err = store.GetPasskeyCredential(context.Background(), "cred-1")
	if err != nil {
		t.Fatalf("get passkey credential: %v", err)
	}
	if got.LastUsedAt == nil || !got.LastUsedAt.Equal(used) {
		t.Fatalf("last used = %v, want %v", got.LastUsedAt, used)
	}

	credentials, err := store.ListPasskeyCredentials(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("list passkey credentials: %v", err)
	}
	if len(credentials) != 1 {
		t.Fatalf("credentials = %d, want 1", len(credentials))
	}

	if err := store.DeletePasskeyCredential(context.Background(), "cred-1"); err != nil {
		t.Fatalf("delete passkey credential: %v", err)
	}
	if err := store.DeletePasskeyCredential(context.Background(), "cred-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestConsumeCeremonySessionIsSingleUse(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	now := time.Date(2026, time.April, 2, 9, 0, 0, 0, time.UTC)
	session := storage.CeremonySession{
		ID:          "cs-1",
		Kind:        "login",
		FlowID:      "flow-1",
		UserID:      "user-1",
		SessionJSON: `{"challenge":"abc"}`,
		ExpiresAt:   now.Add(5 * time.Minute),
	}
	if err := store.PutCeremonySession(context.Background(), session); err != nil {
		t.Fatalf("put ceremony session: %v", err)
	}

	got, err := store.ConsumeCeremonySession(context.Background(), "cs-1")
	if err != nil {
		t.Fatalf("consume ceremony session: %v", err)
	}
	if got.Kind != "login" || got.FlowID != "flow-1" {
		t.Fatalf("unexpected session: %+v", got)
	}
	if !got.ExpiresAt.Equal(session.ExpiresAt) {
		t.Fatalf("expires at = %v, want %v", got.ExpiresAt, session.ExpiresAt)
	}

	if _, err := store.ConsumeCeremonySession(context.Background(), "cs-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("second consume err = %v, want ErrNotFound", err)
	}
}

func TestDeleteExpiredCeremonySessions(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	now := time.Date(2026, time.April, 2, 9, 0, 0, 0, time.UTC)
	expired := storage.CeremonySession{
		ID: "cs-old", Kind: "login", FlowID: "flow-1", UserID: "user-1",
		SessionJSON: "{}", ExpiresAt: now.Add(-time.Minute),
	}
	live := storage.CeremonySession{
		ID: "cs-new", Kind: "login", FlowID: "flow-1", UserID: "user-1",
		SessionJSON: "{}", ExpiresAt: now.Add(time.Minute),
	}
	for _, session := range []storage.CeremonySession{expired, live} {
		if err := store.PutCeremonySession(context.Background(), session); err != nil {
			t.Fatalf("put ceremony session: %v", err)
		}
	}

	if err := store.DeleteExpiredCeremonySessions(context.Background(), now); err != nil {
		t.Fatalf("delete expired ceremony sessions: %v", err)
	}
	if _, err := store.ConsumeCeremonySession(context.Background(), "cs-old"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expired session err = %v, want ErrNotFound", err)
	}
	if _, err := store.ConsumeCeremonySession(context.Background(), "cs-new"); err != nil {
		t.Fatalf("live session: %v", err)
	}
}

func TestVaultPinFailureLifecycle(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	seedUser(t, store, "user-1", "a@b.co")
	now := time.Date(2026, time.April, 2, 9, 0, 0, 0, time.UTC)
	if err := store.PutVaultPinState(context.Background(), storage.VaultPinState{
		UserID:    "user-1",
		PinHash:   "$2a$10$pin",
		UpdatedAt: now,
	}); err != nil {
		t.Fatalf("put vault pin state: %v", err)
	}

	for i := 1; i <= 2; i++ {
		state, err := store.RecordPinFailure(context.Background(), "user-1", now, 3, 5*time.Minute)
		if err != nil {
			t.Fatalf("record pin failure %d: %v", i, err)
		}
		if state.FailedAttempts != i {
			t.Fatalf("failed attempts = %d, want %d", state.FailedAttempts, i)
		}
		if state.LockedUntil != nil {
			t.Fatalf("unexpected lock after %d failures", i)
		}
	}

	state, err := store.RecordPinFailure(context.Background(), "user-1", now, 3, 5*time.Minute)
	if err != nil {
		t.Fatalf("record pin failure 3: %v", err)
	}
	if state.LockedUntil == nil {
		t.Fatal("expected lock at threshold")
	}
	if !state.LockedUntil.Equal(now.Add(5 * time.Minute)) {
		t.Fatalf("locked until = %v, want %v", state.LockedUntil, now.Add(5*time.Minute))
	}

	if err := store.ResetPinFailures(context.Background(), "user-1", now.Add(6*time.Minute)); err != nil {
		t.Fatalf("reset pin failures: %v", err)
	}
	got, err := store.GetVaultPinState(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("get vault pin state: %v", err)
	}
	if got.FailedAttempts != 0 || got.LockedUntil != nil {
		t.Fatalf("unexpected state after reset: %+v", got)
	}

	if _, err := store.RecordPinFailure(context.Background(), "missing", now, 3, time.Minute); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateLoginFlowGuardsState(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	now := time.Date(2026, time.April, 2, 9, 0, 0, 0, time.UTC)
	flow := storage.LoginFlow{
		ID:        "flow-1",
		State:     "unauthenticated",
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(15 * time.Minute),
	}
	if err := store.PutLoginFlow(context.Background(), flow); err != nil {
		t.Fatalf("put login flow: %v", err)
	}

	flow.State = "password_verified"
	flow.Email = "a@b.co"
	flow.UserID = "user-1"
	if err := store.UpdateLoginFlow(context.Background(), flow, "unauthenticated"); err != nil {
		t.Fatalf("update login flow: %v", err)
	}

	// A second update from the stale state must lose.
	flow.State = "pin_challenge"
	if err := store.UpdateLoginFlow(context.Background(), flow, "unauthenticated"); !errors.Is(err, storage.ErrStaleFlow) {
		t.Fatalf("err = %v, want ErrStaleFlow", err)
	}

	got, err := store.GetLoginFlow(context.Background(), "flow-1")
	if err != nil {
		t.Fatalf("get login flow: %v", err)
	}
	if got.State != "password_verified" {
		t.Fatalf("state = %q, want password_verified", got.State)
	}
}

func TestDeleteExpiredLoginFlows(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	now := time.Date(2026, time.April, 2, 9, 0, 0, 0, time.UTC)
	expired := storage.LoginFlow{ID: "flow-old", State: "unauthenticated", CreatedAt: now, UpdatedAt: now, ExpiresAt: now.Add(-time.Minute)}
	live := storage.LoginFlow{ID: "flow-new", State: "unauthenticated", CreatedAt: now, UpdatedAt: now, ExpiresAt: now.Add(time.Minute)}
	for _, flow := range []storage.LoginFlow{expired, live} {
		if err := store.PutLoginFlow(context.Background(), flow); err != nil {
			t.Fatalf("put login flow: %v", err)
		}
	}

	if err := store.DeleteExpiredLoginFlows(context.Background(), now); err != nil {
		t.Fatalf("delete expired login flows: %v", err)
	}
	if _, err := store.GetLoginFlow(context.Background(), "flow-old"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expired flow err = %v, want ErrNotFound", err)
	}
	if _, err := store.GetLoginFlow(context.Background(), "flow-new"); err != nil {
		t.Fatalf("live flow: %v", err)
	}
}

func TestSessionRevocation(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	seedUser(t, store, "user-1", "a@b.co")
	now := time.Date(2026, time.April, 2, 9, 0, 0, 0, time.UTC)
	session := storage.Session{
		ID:          "session-1",
		UserID:      "user-1",
		TokenDigest: "digest",
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
	}
	if err := store.PutSession(context.Background(), session); err != nil {
		t.Fatalf("put session: %v", err)
	}

	revokedAt := now.Add(time.Minute)
	if err := store.RevokeSession(context.Background(), "session-1", revokedAt); err != nil {
		t.Fatalf("revoke session: %v", err)
	}
	got, err := store.GetSession(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.RevokedAt == nil || !got.RevokedAt.Equal(revokedAt) {
		t.Fatalf("revoked at = %v, want %v", got.RevokedAt, revokedAt)
	}

	// Revoking again keeps the original timestamp.
	if err := store.RevokeSession(context.Background(), "session-1", now.Add(time.Hour)); err != nil {
		t.Fatalf("revoke session again: %v", err)
	}
	got, err = store.GetSession(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if !got.RevokedAt.Equal(revokedAt) {
		t.Fatalf("revoked at = %v, want original %v", got.RevokedAt, revokedAt)
	}

	if err := store.RevokeSession(context.Background(), "missing", now); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestLoginAttemptsNewestFirst(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	base := time.Date(2026, time.April, 2, 9, 0, 0, 0, time.UTC)
	stages := []string{"password", "passkey", "pin"}
	for i, stage := range stages {
		if err := store.PutLoginAttempt(context.Background(), storage.LoginAttempt{
			ID:        stage,
			Email:     "a@b.co",
			Stage:     stage,
			Success:   true,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("put login attempt: %v", err)
		}
	}

	attempts, err := store.ListLoginAttemptsByEmail(context.Background(), "a@b.co", 2)
	if err != nil {
		t.Fatalf("list login attempts: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(attempts))
	}
	if attempts[0].Stage != "pin" || attempts[1].Stage != "passkey" {
		t.Fatalf("unexpected order: %q, %q", attempts[0].Stage, attempts[1].Stage)
	}
}
