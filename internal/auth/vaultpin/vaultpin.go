// Package vaultpin verifies the short numeric vault PIN that gates the
// final login stage, enforcing a bounded-attempt lockout window.
package vaultpin

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"golang.org/x/crypto/bcrypt"

	"vaultgate/internal/auth/storage"
	"vaultgate/internal/platform/config"
	apperrors "vaultgate/internal/platform/errors"
)

// Status is the outcome of a single PIN verification attempt.
type Status string

const (
	StatusValid   Status = "valid"
	StatusInvalid Status = "invalid"
	StatusLocked  Status = "locked"
)

var pinPattern = regexp.MustCompile(`^[0-9]{3}$`)

// Config tunes the lockout policy. The defaults match the shipped
// product behavior: three consecutive failures lock the user out for
// five minutes.
type Config struct {
	MaxAttempts  int           `env:"VAULTGATE_PIN_MAX_ATTEMPTS" envDefault:"3"`
	LockDuration time.Duration `env:"VAULTGATE_PIN_LOCK_DURATION" envDefault:"5m"`
}

// LoadConfigFromEnv reads the lockout policy from the environment.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse vault pin config: %w", err)
	}
	return cfg, nil
}

// Result reports the outcome of a verification attempt. RemainingSeconds
// is only meaningful when Status is StatusLocked.
type Result struct {
	Status           Status
	RemainingSeconds int
}

// Verifier evaluates vault PINs against per-user stored secrets.
type Verifier struct {
	store storage.VaultPinStore
	cfg   Config
	clock func() time.Time
}

// NewVerifier returns a verifier backed by the provided store.
func NewVerifier(store storage.VaultPinStore, cfg Config) *Verifier {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = 5 * time.Minute
	}
	return &Verifier{
		store: store,
		cfg:   cfg,
		clock: func() time.Time { return time.Now().UTC() },
	}
}

// Enroll hashes and stores a new PIN for the user, clearing any previous
// failure state.
func (v *Verifier) Enroll(ctx context.Context, userID, pin string) error {
	if v == nil || v.store == nil {
		return apperrors.New(apperrors.CodeUnknown, "vault pin verifier not configured")
	}
	if userID == "" {
		return apperrors.New(apperrors.CodeUnknown, "user id is required")
	}
	if !pinPattern.MatchString(pin) {
		return apperrors.New(apperrors.CodePinMalformed, "pin must be exactly three digits")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeUnknown, "hash pin", err)
	}
	now := v.clock()
	state := storage.VaultPinState{
		UserID:    userID,
		PinHash:   string(hash),
		UpdatedAt: now,
	}
	if err := v.store.PutVaultPinState(ctx, state); err != nil {
		return apperrors.Wrap(apperrors.CodeUnknown, "store pin state", err)
	}
	return nil
}

// Enrolled reports whether the user has a vault PIN on record.
func (v *Verifier) Enrolled(ctx context.Context, userID string) (bool, error) {
	if v == nil || v.store == nil {
		return false, apperrors.New(apperrors.CodeUnknown, "vault pin verifier not configured")
	}
	_, err := v.store.GetVaultPinState(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, apperrors.Wrap(apperrors.CodeUnknown, "load pin state", err)
	}
	return true, nil
}

// Verify evaluates one PIN attempt. While a lockout window is active every
// attempt, including a correct one, returns StatusLocked with the remaining
// countdown and does not consume another attempt. A malformed PIN is
// rejected before any secret comparison and does not consume an attempt.
func (v *Verifier) Verify(ctx context.Context, userID, pin string) (Result, error) {
	if v == nil || v.store == nil {
		return Result{}, apperrors.New(apperrors.CodeUnknown, "vault pin verifier not configured")
	}
	state, err := v.store.GetVaultPinState(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return Result{}, apperrors.New(apperrors.CodePinNotEnrolled, "no vault pin enrolled")
	}
	if err != nil {
		return Result{}, apperrors.Wrap(apperrors.CodeUnknown, "load pin state", err)
	}

	now := v.clock()
	if remaining := lockRemaining(state, now); remaining > 0 {
		return Result{Status: StatusLocked, RemainingSeconds: remaining}, nil
	}
	if state.LockedUntil != nil {
		// The lockout window has elapsed. Clear it so the user gets a
		// fresh set of attempts before this one is evaluated.
		if err := v.store.ResetPinFailures(ctx, userID, now); err != nil {
			return Result{}, apperrors.Wrap(apperrors.CodeUnknown, "clear expired lockout", err)
		}
	}

	if !pinPattern.MatchString(pin) {
		return Result{}, apperrors.New(apperrors.CodePinMalformed, "pin must be exactly three digits")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(state.PinHash), []byte(pin)); err != nil {
		if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return Result{}, apperrors.Wrap(apperrors.CodeUnknown, "compare pin", err)
		}
		updated, recordErr := v.store.RecordPinFailure(ctx, userID, now, v.cfg.MaxAttempts, v.cfg.LockDuration)
		if recordErr != nil {
			return Result{}, apperrors.Wrap(apperrors.CodeUnknown, "record pin failure", recordErr)
		}
		if remaining := lockRemaining(updated, now); remaining > 0 {
			return Result{Status: StatusLocked, RemainingSeconds: remaining}, nil
		}
		return Result{Status: StatusInvalid}, nil
	}

	if err := v.store.ResetPinFailures(ctx, userID, now); err != nil {
		return Result{}, apperrors.Wrap(apperrors.CodeUnknown, "reset pin failures", err)
	}
	return Result{Status: StatusValid}, nil
}

// lockRemaining returns the whole seconds left in the lockout window,
// rounded up, or zero when no lock is active. An attempt at the exact
// expiry instant is evaluable.
func lockRemaining(state storage.VaultPinState, now time.Time) int {
	if state.LockedUntil == nil || !now.Before(*state.LockedUntil) {
		return 0
	}
	remaining := state.LockedUntil.Sub(now)
	seconds := int(remaining / time.Second)
	if remaining%time.Second != 0 {
		seconds++
	}
	return seconds
}
