// Package audit keeps the append-only log of login stage outcomes.
package audit

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"vaultgate/internal/auth/storage"
)

// Stage labels for recorded attempts.
const (
	StagePassword = "password"
	StagePasskey  = "passkey"
	StagePin      = "pin"
	StageSession  = "session"
)

// Recorder writes login attempts. Recording is best effort: a storage
// failure is logged and swallowed so auditing can never block a login.
type Recorder struct {
	store  storage.AuditStore
	clock  func() time.Time
	logger *log.Logger
}

// NewRecorder returns a recorder backed by the provided store. A nil
// store disables recording.
func NewRecorder(store storage.AuditStore, logger *log.Logger) *Recorder {
	if logger == nil {
		logger = log.Default()
	}
	return &Recorder{
		store:  store,
		clock:  func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// Record persists one stage outcome.
func (r *Recorder) Record(ctx context.Context, email, stage string, success bool, reason, remoteAddr string) {
	if r == nil || r.store == nil {
		return
	}
	attempt := storage.LoginAttempt{
		ID:         uuid.NewString(),
		Email:      email,
		Stage:      stage,
		Success:    success,
		Reason:     reason,
		RemoteAddr: remoteAddr,
		CreatedAt:  r.clock(),
	}
	if err := r.store.PutLoginAttempt(ctx, attempt); err != nil {
		r.logger.Printf("record login attempt: %v", err)
	}
}

// RecentByEmail returns the newest attempts for an email, most recent first.
func (r *Recorder) RecentByEmail(ctx context.Context, email string, limit int) ([]storage.LoginAttempt, error) {
	if r == nil || r.store == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	return r.store.ListLoginAttemptsByEmail(ctx, email, limit)
}
