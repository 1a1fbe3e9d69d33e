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

// PutPasskeyCredential persists a passkey credential record.
func (s *Store) PutPasskeyCredential(ctx context.Context, record storage.PasskeyCredential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(record.CredentialID) == "" {
		return fmt.Errorf("credential id is required")
	}
	if strings.TrimSpace(record.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(record.CredentialJSON) == "" {
		return fmt.Errorf("credential json is required")
	}

	var lastUsedAt sql.NullInt64
	if record.LastUsedAt != nil {
		lastUsedAt = sql.NullInt64{Int64: toMillis(*record.LastUsedAt), Valid: true}
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO passkey_credentials (
	credential_id, user_id, label, credential_json, created_at, updated_at, last_used_at
) VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(credential_id) DO UPDATE SET
	user_id = excluded.user_id,
	label = excluded.label,
	credential_json = excluded.credential_json,
	updated_at = excluded.updated_at,
	last_used_at = excluded.last_used_at
`,
		record.CredentialID,
		record.UserID,
		record.Label,
		record.CredentialJSON,
		toMillis(record.CreatedAt),
		toMillis(record.UpdatedAt),
		lastUsedAt,
	)
	if err != nil {
		return fmt.Errorf("put passkey credential: %w", err)
	}
	return nil
}

// GetPasskeyCredential fetches a passkey credential by its encoded ID.
func (s *Store) GetPasskeyCredential(ctx context.Context, credentialID string) (storage.PasskeyCredential, error) {
	if err := ctx.Err(); err != nil {
		return storage.PasskeyCredential{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.PasskeyCredential{}, fmt.Errorf("storage is not configured")
	}
	credentialID = strings.TrimSpace(credentialID)
	if credentialID == "" {
		return storage.PasskeyCredential{}, fmt.Errorf("credential id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT credential_id, user_id, label, credential_json, created_at, updated_at, last_used_at
FROM passkey_credentials
WHERE credential_id = ?
`, credentialID)
	record, err := scanPasskeyCredential(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.PasskeyCredential{}, storage.ErrNotFound
		}
		return storage.PasskeyCredential{}, fmt.Errorf("get passkey credential: %w", err)
	}
	return record, nil
}

// ListPasskeyCredentials returns all credentials enrolled by a user.
func (s *Store) ListPasskeyCredentials(ctx context.Context, userID string) ([]storage.PasskeyCredential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT credential_id, user_id, label, credential_json, created_at, updated_at, last_used_at
FROM passkey_credentials
WHERE user_id = ?
ORDER BY created_at
`, userID)
	if err != nil {
		return nil, fmt.Errorf("list passkey credentials: %w", err)
	}
	defer rows.Close()

	credentials := make([]storage.PasskeyCredential, 0)
	for rows.Next() {
		record, err := scanPasskeyCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan passkey credential row: %w", err)
		}
		credentials = append(credentials, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate passkey credential rows: %w", err)
	}
	return credentials, nil
}

// DeletePasskeyCredential removes one enrolled credential.
func (s *Store) DeletePasskeyCredential(ctx context.Context, credentialID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	credentialID = strings.TrimSpace(credentialID)
	if credentialID == "" {
		return fmt.Errorf("credential id is required")
	}

	res, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM passkey_credentials WHERE credential_id = ?
`, credentialID)
	if err != nil {
		return fmt.Errorf("delete passkey credential: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete passkey credential rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// PutCeremonySession persists the server half of a ceremony challenge.
func (s *Store) PutCeremonySession(ctx context.Context, session storage.CeremonySession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(session.ID) == "" {
		return fmt.Errorf("ceremony session id is required")
	}
	if strings.TrimSpace(session.Kind) == "" {
		return fmt.Errorf("ceremony session kind is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO ceremony_sessions (
	id, kind, flow_id, user_id, session_json, expires_at
) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	kind = excluded.kind,
	flow_id = excluded.flow_id,
	user_id = excluded.user_id,
	session_json = excluded.session_json,
	expires_at = excluded.expires_at
`,
		session.ID,
		session.Kind,
		session.FlowID,
		session.UserID,
		session.SessionJSON,
		toMillis(session.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("put ceremony session: %w", err)
	}
	return nil
}

// ConsumeCeremonySession fetches and deletes a ceremony session in one
// transaction so concurrent verification attempts cannot share a challenge.
func (s *Store) ConsumeCeremonySession(ctx context.Context, id string) (storage.CeremonySession, error) {
	if err := ctx.Err(); err != nil {
		return storage.CeremonySession{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.CeremonySession{}, fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return storage.CeremonySession{}, fmt.Errorf("ceremony session id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.CeremonySession{}, fmt.Errorf("begin consume ceremony session: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
SELECT id, kind, flow_id, user_id, session_json, expires_at
FROM ceremony_sessions
WHERE id = ?
`, id)
	var session storage.CeremonySession
	var expiresAt int64
	if err := row.Scan(
		&session.ID,
		&session.Kind,
		&session.FlowID,
		&session.UserID,
		&session.SessionJSON,
		&expiresAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.CeremonySession{}, storage.ErrNotFound
		}
		return storage.CeremonySession{}, fmt.Errorf("load ceremony session: %w", err)
	}
	session.ExpiresAt = fromMillis(expiresAt)

	res, err := tx.ExecContext(ctx, `DELETE FROM ceremony_sessions WHERE id = ?`, id)
	if err != nil {
		return storage.CeremonySession{}, fmt.Errorf("delete ceremony session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storage.CeremonySession{}, fmt.Errorf("delete ceremony session rows affected: %w", err)
	}
	if affected == 0 {
		return storage.CeremonySession{}, storage.ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return storage.CeremonySession{}, fmt.Errorf("commit consume ceremony session: %w", err)
	}
	return session, nil
}

// DeleteExpiredCeremonySessions sweeps challenges past their expiry.
func (s *Store) DeleteExpiredCeremonySessions(ctx context.Context, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM ceremony_sessions WHERE expires_at <= ?
`, toMillis(now))
	if err != nil {
		return fmt.Errorf("delete expired ceremony sessions: %w", err)
	}
	return nil
}

func scanPasskeyCredential(scanner interface{ Scan(...any) error }) (storage.PasskeyCredential, error) {
	var record storage.PasskeyCredential
	var createdAt int64
	var updatedAt int64
	var lastUsedAt sql.NullInt64
	if err := scanner.Scan(
		&record.CredentialID,
		&record.UserID,
		&record.Label,
		&record.CredentialJSON,
		&createdAt,
		&updatedAt,
		&lastUsedAt,
	); err != nil {
		return storage.PasskeyCredential{}, err
	}
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	if lastUsedAt.Valid {
		value := fromMillis(lastUsedAt.Int64)
		record.LastUsedAt = &value
	}
	return record, nil
}
