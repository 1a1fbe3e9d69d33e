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

// PutLoginFlow persists a login flow record.
func (s *Store) PutLoginFlow(ctx context.Context, flow storage.LoginFlow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(flow.ID) == "" {
		return fmt.Errorf("flow id is required")
	}
	if strings.TrimSpace(flow.State) == "" {
		return fmt.Errorf("flow state is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO login_flows (
	id, state, email, user_id, branch, enrolled_credential_id, created_at, updated_at, expires_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	state = excluded.state,
	email = excluded.email,
	user_id = excluded.user_id,
	branch = excluded.branch,
	enrolled_credential_id = excluded.enrolled_credential_id,
	updated_at = excluded.updated_at,
	expires_at = excluded.expires_at
`,
		flow.ID,
		flow.State,
		flow.Email,
		flow.UserID,
		flow.Branch,
		flow.EnrolledCredentialID,
		toMillis(flow.CreatedAt),
		toMillis(flow.UpdatedAt),
		toMillis(flow.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("put login flow: %w", err)
	}
	return nil
}

// GetLoginFlow fetches a login flow by ID.
func (s *Store) GetLoginFlow(ctx context.Context, flowID string) (storage.LoginFlow, error) {
	if err := ctx.Err(); err != nil {
		return storage.LoginFlow{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.LoginFlow{}, fmt.Errorf("storage is not configured")
	}
	flowID = strings.TrimSpace(flowID)
	if flowID == "" {
		return storage.LoginFlow{}, fmt.Errorf("flow id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, state, email, user_id, branch, enrolled_credential_id, created_at, updated_at, expires_at
FROM login_flows
WHERE id = ?
`, flowID)
	flow, err := scanLoginFlow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.LoginFlow{}, storage.ErrNotFound
		}
		return storage.LoginFlow{}, fmt.Errorf("get login flow: %w", err)
	}
	return flow, nil
}

// UpdateLoginFlow persists flow only when the stored state still equals
// fromState. The guarded write is what serializes two tabs racing to
// advance the same flow.
func (s *Store) UpdateLoginFlow(ctx context.Context, flow storage.LoginFlow, fromState string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(flow.ID) == "" {
		return fmt.Errorf("flow id is required")
	}
	if strings.TrimSpace(flow.State) == "" {
		return fmt.Errorf("flow state is required")
	}
	if strings.TrimSpace(fromState) == "" {
		return fmt.Errorf("from state is required")
	}

	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE login_flows
SET state = ?, email = ?, user_id = ?, branch = ?, enrolled_credential_id = ?, updated_at = ?, expires_at = ?
WHERE id = ? AND state = ?
`,
		flow.State,
		flow.Email,
		flow.UserID,
		flow.Branch,
		flow.EnrolledCredentialID,
		toMillis(flow.UpdatedAt),
		toMillis(flow.ExpiresAt),
		flow.ID,
		fromState,
	)
	if err != nil {
		return fmt.Errorf("update login flow: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update login flow rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrStaleFlow
	}
	return nil
}

// DeleteLoginFlow removes a login flow.
func (s *Store) DeleteLoginFlow(ctx context.Context, flowID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	flowID = strings.TrimSpace(flowID)
	if flowID == "" {
		return fmt.Errorf("flow id is required")
	}

	res, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM login_flows WHERE id = ?
`, flowID)
	if err != nil {
		return fmt.Errorf("delete login flow: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete login flow rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeleteExpiredLoginFlows sweeps flows past their expiry.
func (s *Store) DeleteExpiredLoginFlows(ctx context.Context, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM login_flows WHERE expires_at <= ?
`, toMillis(now))
	if err != nil {
		return fmt.Errorf("delete expired login flows: %w", err)
	}
	return nil
}

func scanLoginFlow(scanner interface{ Scan(...any) error }) (storage.LoginFlow, error) {
	var flow storage.LoginFlow
	var createdAt int64
	var updatedAt int64
	var expiresAt int64
	if err := scanner.Scan(
		&flow.ID,
		&flow.State,
		&flow.Email,
		&flow.UserID,
		&flow.Branch,
		&flow.EnrolledCredentialID,
		&createdAt,
		&updatedAt,
		&expiresAt,
	); err != nil {
		return storage.LoginFlow{}, err
	}
	flow.CreatedAt = fromMillis(createdAt)
	flow.UpdatedAt = fromMillis(updatedAt)
	flow.ExpiresAt = fromMillis(expiresAt)
	return flow, nil
}
