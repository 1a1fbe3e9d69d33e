package sqlite

import (
	"context"
	"fmt"
	"strings"

	"vaultgate/internal/auth/storage"
)

// PutLoginAttempt appends one attempt to the audit log.
func (s *Store) PutLoginAttempt(ctx context.Context, attempt storage.LoginAttempt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(attempt.ID) == "" {
		return fmt.Errorf("attempt id is required")
	}
	if strings.TrimSpace(attempt.Stage) == "" {
		return fmt.Errorf("attempt stage is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO login_attempts (
	id, email, stage, success, reason, remote_addr, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?)
`,
		attempt.ID,
		attempt.Email,
		attempt.Stage,
		attempt.Success,
		attempt.Reason,
		attempt.RemoteAddr,
		toMillis(attempt.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("put login attempt: %w", err)
	}
	return nil
}

// ListLoginAttemptsByEmail returns the newest attempts for an email,
// most recent first.
func (s *Store) ListLoginAttemptsByEmail(ctx context.Context, email string, limit int) ([]storage.LoginAttempt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, fmt.Errorf("email is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, email, stage, success, reason, remote_addr, created_at
FROM login_attempts
WHERE email = ?
ORDER BY created_at DESC, id DESC
LIMIT ?
`, email, limit)
	if err != nil {
		return nil, fmt.Errorf("list login attempts: %w", err)
	}
	defer rows.Close()

	attempts := make([]storage.LoginAttempt, 0, limit)
	for rows.Next() {
		var attempt storage.LoginAttempt
		var createdAt int64
		if err := rows.Scan(
			&attempt.ID,
			&attempt.Email,
			&attempt.Stage,
			&attempt.Success,
			&attempt.Reason,
			&attempt.RemoteAddr,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan login attempt row: %w", err)
		}
		attempt.CreatedAt = fromMillis(createdAt)
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate login attempt rows: %w", err)
	}
	return attempts, nil
}
