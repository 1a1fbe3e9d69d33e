// Package storage defines persistence contracts for the auth service.
package storage

import (
	"context"
	"time"

	"vaultgate/internal/auth/user"
	"vaultgate/internal/platform/errors"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New(errors.CodeNotFound, "record not found")

// ErrStaleFlow indicates a login flow update lost a concurrent race.
var ErrStaleFlow = errors.New(errors.CodeFlowState, "login flow was modified concurrently")

// UserStore persists auth user records.
type UserStore interface {
	PutUser(ctx context.Context, u user.User) error
	GetUser(ctx context.Context, userID string) (user.User, error)
	GetUserByEmail(ctx context.Context, email string) (user.User, error)
}

// PasskeyCredential stores a WebAuthn credential for a user.
type PasskeyCredential struct {
	CredentialID   string
	UserID         string
	Label          string
	CredentialJSON string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastUsedAt     *time.Time
}

// CeremonySession stores the server half of one WebAuthn ceremony attempt.
// It is single-use: consumed on any verification attempt and swept on expiry.
type CeremonySession struct {
	ID          string
	Kind        string
	FlowID      string
	UserID      string
	SessionJSON string
	ExpiresAt   time.Time
}

// PasskeyStore persists WebAuthn credential and ceremony session data.
type PasskeyStore interface {
	PutPasskeyCredential(ctx context.Context, credential PasskeyCredential) error
	GetPasskeyCredential(ctx context.Context, credentialID string) (PasskeyCredential, error)
	ListPasskeyCredentials(ctx context.Context, userID string) ([]PasskeyCredential, error)
	DeletePasskeyCredential(ctx context.Context, credentialID string) error
	PutCeremonySession(ctx context.Context, session CeremonySession) error
	// ConsumeCeremonySession atomically fetches and deletes a ceremony session
	// so a challenge can never be replayed across concurrent attempts.
	ConsumeCeremonySession(ctx context.Context, id string) (CeremonySession, error)
	DeleteExpiredCeremonySessions(ctx context.Context, now time.Time) error
}

// VaultPinState tracks per-user PIN failure counting and lockout.
type VaultPinState struct {
	UserID         string
	PinHash        string
	FailedAttempts int
	LockedUntil    *time.Time
	UpdatedAt      time.Time
}

// VaultPinStore persists PIN secrets and lockout state.
type VaultPinStore interface {
	PutVaultPinState(ctx context.Context, state VaultPinState) error
	GetVaultPinState(ctx context.Context, userID string) (VaultPinState, error)
	// RecordPinFailure atomically increments the failure counter and applies
	// the lockout window once the counter reaches threshold. It returns the
	// post-increment state.
	RecordPinFailure(ctx context.Context, userID string, now time.Time, threshold int, lockFor time.Duration) (VaultPinState, error)
	// ResetPinFailures atomically clears the failure counter and lockout.
	ResetPinFailures(ctx context.Context, userID string, now time.Time) error
}

// LoginFlow is the server-held record of one multi-factor login attempt.
type LoginFlow struct {
	ID                   string
	State                string
	Email                string
	UserID               string
	Branch               string
	EnrolledCredentialID string
	CreatedAt            time.Time
	UpdatedAt            time.Time
	ExpiresAt            time.Time
}

// FlowStore persists login flows.
type FlowStore interface {
	PutLoginFlow(ctx context.Context, flow LoginFlow) error
	GetLoginFlow(ctx context.Context, flowID string) (LoginFlow, error)
	// UpdateLoginFlow persists flow only when the stored state still equals
	// fromState, returning ErrStaleFlow otherwise. This is the gate that keeps
	// two tabs from advancing the same flow twice.
	UpdateLoginFlow(ctx context.Context, flow LoginFlow, fromState string) error
	DeleteLoginFlow(ctx context.Context, flowID string) error
	DeleteExpiredLoginFlows(ctx context.Context, now time.Time) error
}

// Session is a durable authenticated session minted after all factors pass.
type Session struct {
	ID          string
	UserID      string
	TokenDigest string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	RevokedAt   *time.Time
}

// SessionStore persists authenticated sessions.
type SessionStore interface {
	PutSession(ctx context.Context, session Session) error
	GetSession(ctx context.Context, sessionID string) (Session, error)
	RevokeSession(ctx context.Context, sessionID string, revokedAt time.Time) error
}

// LoginAttempt records one stage outcome for audit purposes.
type LoginAttempt struct {
	ID         string
	Email      string
	Stage      string
	Success    bool
	Reason     string
	RemoteAddr string
	CreatedAt  time.Time
}

// AuditStore persists the append-only login attempt log.
type AuditStore interface {
	PutLoginAttempt(ctx context.Context, attempt LoginAttempt) error
	ListLoginAttemptsByEmail(ctx context.Context, email string, limit int) ([]LoginAttempt, error)
}
