// Package http exposes the login flow and account management endpoints
// as a JSON API.
package http

import (
	"log"
	"net/http"

	"vaultgate/internal/auth/audit"
	"vaultgate/internal/auth/ceremony"
	"vaultgate/internal/auth/sequencer"
	"vaultgate/internal/auth/session"
	"vaultgate/internal/auth/storage"
	"vaultgate/internal/auth/vaultpin"
	"vaultgate/internal/platform/httpx"
)

// Service bundles the handlers for the auth API.
type Service struct {
	sequencer  *sequencer.Sequencer
	ceremonies *ceremony.Engine
	pins       *vaultpin.Verifier
	sessions   *session.Issuer
	auditor    *audit.Recorder
	users      storage.UserStore
	logger     *log.Logger
}

// NewService wires the API handlers.
func NewService(seq *sequencer.Sequencer, ceremonies *ceremony.Engine, pins *vaultpin.Verifier, sessions *session.Issuer, auditor *audit.Recorder, users storage.UserStore, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		sequencer:  seq,
		ceremonies: ceremonies,
		pins:       pins,
		sessions:   sessions,
		auditor:    auditor,
		users:      users,
		logger:     logger,
	}
}

// Routes returns the full handler tree for the API.
func (s *Service) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/enrollment", s.handleCheckEnrollment)

	mux.HandleFunc("POST /v1/flows", s.handleStartFlow)
	mux.HandleFunc("GET /v1/flows/{flowID}", s.handleGetFlow)
	mux.HandleFunc("DELETE /v1/flows/{flowID}", s.handleCancelFlow)
	mux.HandleFunc("POST /v1/flows/{flowID}/password", s.handlePassword)
	mux.HandleFunc("POST /v1/flows/{flowID}/passkey/register/begin", s.handleRegisterBegin)
	mux.HandleFunc("POST /v1/flows/{flowID}/passkey/register/finish", s.handleRegisterFinish)
	mux.HandleFunc("POST /v1/flows/{flowID}/passkey/login/begin", s.handleLoginBegin)
	mux.HandleFunc("POST /v1/flows/{flowID}/passkey/login/finish", s.handleLoginFinish)
	mux.HandleFunc("POST /v1/flows/{flowID}/pin", s.handlePin)

	mux.HandleFunc("GET /v1/me", s.handleMe)
	mux.HandleFunc("DELETE /v1/me/session", s.handleLogout)
	mux.HandleFunc("GET /v1/me/passkeys", s.handleListPasskeys)
	mux.HandleFunc("DELETE /v1/me/passkeys/{credentialID}", s.handleRemovePasskey)
	mux.HandleFunc("POST /v1/me/pin", s.handleEnrollPin)
	mux.HandleFunc("GET /v1/me/attempts", s.handleListAttempts)

	return httpx.Chain(mux, httpx.RequestID(), httpx.RecoverPanic())
}
