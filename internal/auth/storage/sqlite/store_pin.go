package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"vaultgate/internal/auth/storage"
)

// PutVaultPinState persists a user's PIN secret and lockout state.
func (s *Store) PutVaultPinState(ctx context.Context, state storage.VaultPinState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(state.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(state.PinHash) == "" {
		return fmt.Errorf("pin hash is required")
	}

	var lockedUntil sql.NullInt64
	if state.LockedUntil != nil {
		lockedUntil = sql.NullInt64{Int64: toMillis(*state.LockedUntil), Valid: true}
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO vault_pin_states (
	user_id, pin_hash, failed_attempts, locked_until, updated_at
) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
	pin_hash = excluded.pin_hash,
	failed_attempts = excluded.failed_attempts,
	locked_until = excluded.locked_until,
	updated_at = excluded.updated_at
`,
		state.UserID,
		state.PinHash,
		state.FailedAttempts,
		lockedUntil,
		toMillis(state.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put vault pin state: %w", err)
	}
	return nil
}

// GetVaultPinState fetches a user's PIN state.
func (s *Store) GetVaultPinState(ctx context.Context, userID string) (storage.VaultPinState, error) {
	if err := ctx.Err(); err != nil {
		return storage.VaultPinState{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.VaultPinState{}, fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return storage.VaultPinState{}, fmt.Errorf("user id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT user_id, pin_hash, failed_attempts, locked_until, updated_at
FROM vault_pin_states
WHERE user_id = ?
`, userID)
	state, err := scanVaultPinState(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.VaultPinState{}, storage.ErrNotFound
		}
		return storage.VaultPinState{}, fmt.Errorf("get vault pin state: %w", err)
	}
	return state, nil
}

// RecordPinFailure increments the failure counter inside one transaction
// and applies the lockout window once the counter reaches threshold.
// Concurrent attempts therefore cannot each observe a pre-threshold count.
func (s *Store) RecordPinFailure(ctx context.Context, userID string, now time.Time, threshold int, lockFor time.Duration) (storage.VaultPinState, error) {
	if err := ctx.Err(); err != nil {
		return storage.VaultPinState{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.VaultPinState{}, fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return storage.VaultPinState{}, fmt.Errorf("user id is required")
	}
	if threshold <= 0 {
		return storage.VaultPinState{}, fmt.Errorf("threshold must be greater than zero")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.VaultPinState{}, fmt.Errorf("begin record pin failure: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
SELECT user_id, pin_hash, failed_attempts, locked_until, updated_at
FROM vault_pin_states
WHERE user_id = ?
`, userID)
	state, err := scanVaultPinState(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.VaultPinState{}, storage.ErrNotFound
		}
		return storage.VaultPinState{}, fmt.Errorf("load vault pin state: %w", err)
	}

	state.FailedAttempts++
	if state.FailedAttempts >= threshold {
		lockedUntil := now.Add(lockFor).UTC()
		state.LockedUntil = &lockedUntil
	}
	state.UpdatedAt = now.UTC()

	var lockedUntil sql.NullInt64
	if state.LockedUntil != nil {
		lockedUntil = sql.NullInt64{Int64: toMillis(*state.LockedUntil), Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE vault_pin_states
SET failed_attempts = ?, locked_until = ?, updated_at = ?
WHERE user_id = ?
`, state.FailedAttempts, lockedUntil, toMillis(state.UpdatedAt), userID); err != nil {
		return storage.VaultPinState{}, fmt.Errorf("update vault pin state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return storage.VaultPinState{}, fmt.Errorf("commit record pin failure: %w", err)
	}
	return state, nil
}

// ResetPinFailures clears the failure counter and lockout after a
// successful verification or an elapsed lockout window.
func (s *Store) ResetPinFailures(ctx context.Context, userID string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("user id is required")
	}

	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE vault_pin_states
SET failed_attempts = 0, locked_until = NULL, updated_at = ?
WHERE user_id = ?
`, toMillis(now), userID)
	if err != nil {
		return fmt.Errorf("reset pin failures: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reset pin failures rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func scanVaultPinState(scanner interface{ Scan(...any) error }) (storage.VaultPinState, error) {
	var state storage.VaultPinState
	var lockedUntil sql.NullInt64
	var updatedAt int64
	if err := scanner.Scan(
		&state.UserID,
		&state.PinHash,
		&state.FailedAttempts,
		&lockedUntil,
		&updatedAt,
	); err != nil {
		return storage.VaultPinState{}, err
	}
	if lockedUntil.Valid {
		value := fromMillis(lockedUntil.Int64)
		state.LockedUntil = &value
	}
	state.UpdatedAt = fromMillis(updatedAt)
	return state, nil
}
