// Package sequencer drives the multi-factor login flow: password, a
// WebAuthn ceremony (with an enrollment detour for new users), then the
// vault PIN. A session token exists only after all three factors pass in
// order.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"vaultgate/internal/auth/audit"
	"vaultgate/internal/auth/ceremony"
	"vaultgate/internal/auth/password"
	"vaultgate/internal/auth/session"
	"vaultgate/internal/auth/storage"
	"vaultgate/internal/auth/vaultpin"
	"vaultgate/internal/platform/config"
	apperrors "vaultgate/internal/platform/errors"
	"vaultgate/internal/platform/id"
)

// Login flow states. A flow only ever moves forward; the single
// exception is the lockout countdown, which holds the flow in
// StatePinChallenge until it elapses.
const (
	StateUnauthenticated   = "unauthenticated"
	StatePasswordVerified  = "password_verified"
	StateEnrollmentOffered = "enrollment_offered"
	StatePinChallenge      = "pin_challenge"
	StateSessionIssued     = "session_issued"
	StateUnavailable       = "unavailable"
)

// Ceremony branches chosen after the password stage.
const (
	BranchEnroll = "enroll"
	BranchLogin  = "login"
)

// Next-step hints returned to the client after the password stage.
const (
	NextRegister    = "register"
	NextAssert      = "assert"
	NextUnavailable = "unavailable"
)

// Config tunes flow lifetimes.
type Config struct {
	FlowTTL time.Duration `env:"VAULTGATE_FLOW_TTL" envDefault:"15m"`
}

// LoadConfigFromEnv reads sequencer configuration from the environment.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse sequencer config: %w", err)
	}
	return cfg, nil
}

// ceremonyEngine is the slice of the ceremony engine the sequencer
// depends on.
type ceremonyEngine interface {
	Available() bool
	HasCredentials(ctx context.Context, userID string) (bool, error)
	BeginRegistration(ctx context.Context, flowID, userID string) (ceremony.Options, error)
	FinishRegistration(ctx context.Context, flowID, sessionID string, response []byte, label string) (storage.PasskeyCredential, error)
	BeginLogin(ctx context.Context, flowID, userID string) (ceremony.Options, error)
	FinishLogin(ctx context.Context, flowID, sessionID string, response []byte) (storage.PasskeyCredential, error)
}

// Sequencer coordinates the per-stage verifiers around a server-held
// flow record so ordering cannot be bypassed by a client.
type Sequencer struct {
	flows       storage.FlowStore
	passwords   *password.Verifier
	ceremonies  ceremonyEngine
	pins        *vaultpin.Verifier
	sessions    *session.Issuer
	auditor     *audit.Recorder
	cfg         Config
	clock       func() time.Time
	idGenerator func() (string, error)
	logger      *log.Logger
}

// New wires a sequencer from its stage verifiers.
func New(flows storage.FlowStore, passwords *password.Verifier, ceremonies ceremonyEngine, pins *vaultpin.Verifier, sessions *session.Issuer, auditor *audit.Recorder, cfg Config, logger *log.Logger) *Sequencer {
	if cfg.FlowTTL <= 0 {
		cfg.FlowTTL = 15 * time.Minute
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Sequencer{
		flows:       flows,
		passwords:   passwords,
		ceremonies:  ceremonies,
		pins:        pins,
		sessions:    sessions,
		auditor:     auditor,
		cfg:         cfg,
		clock:       func() time.Time { return time.Now().UTC() },
		idGenerator: id.NewID,
		logger:      logger,
	}
}

func (s *Sequencer) ready() error {
	if s == nil {
		return apperrors.New(apperrors.CodeUnknown, "sequencer is not configured")
	}
	if s.flows == nil {
		return apperrors.New(apperrors.CodeUnknown, "flow store is not configured")
	}
	if s.passwords == nil || s.ceremonies == nil || s.pins == nil || s.sessions == nil {
		return apperrors.New(apperrors.CodeUnknown, "stage verifiers are not configured")
	}
	return nil
}

// Start creates a fresh login flow in the unauthenticated state.
func (s *Sequencer) Start(ctx context.Context) (storage.LoginFlow, error) {
	if err := s.ready(); err != nil {
		return storage.LoginFlow{}, err
	}
	flowID, err := s.idGenerator()
	if err != nil {
		return storage.LoginFlow{}, apperrors.Wrap(apperrors.CodeUnknown, "generate flow id", err)
	}
	now := s.clock()
	flow := storage.LoginFlow{
		ID:        flowID,
		State:     StateUnauthenticated,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.cfg.FlowTTL),
	}
	if err := s.flows.PutLoginFlow(ctx, flow); err != nil {
		return storage.LoginFlow{}, apperrors.Wrap(apperrors.CodeUnknown, "store login flow", err)
	}
	return flow, nil
}

// Get returns a live flow by id.
func (s *Sequencer) Get(ctx context.Context, flowID string) (storage.LoginFlow, error) {
	if err := s.ready(); err != nil {
		return storage.LoginFlow{}, err
	}
	return s.loadLive(ctx, flowID)
}

// Cancel abandons a flow. Progress already made is discarded.
func (s *Sequencer) Cancel(ctx context.Context, flowID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.flows.DeleteLoginFlow(ctx, flowID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return apperrors.Wrap(apperrors.CodeUnknown, "delete login flow", err)
	}
	return nil
}

// PasswordOutcome reports the branch chosen after a successful password
// verification.
type PasswordOutcome struct {
	Flow     storage.LoginFlow
	NextStep string
}

// SubmitPassword runs stage one. On success the flow branches on whether
// the user has enrolled passkeys; when the biometric stage cannot run at
// all the flow parks in a terminal unavailable state rather than skipping
// the factor.
func (s *Sequencer) SubmitPassword(ctx context.Context, flowID, email, pwd, remoteAddr string) (PasswordOutcome, error) {
	if err := s.ready(); err != nil {
		return PasswordOutcome{}, err
	}
	flow, err := s.loadLive(ctx, flowID)
	if err != nil {
		return PasswordOutcome{}, err
	}
	if flow.State != StateUnauthenticated {
		return PasswordOutcome{}, apperrors.New(apperrors.CodeFlowState, "flow already passed the password stage")
	}

	verified, err := s.passwords.Verify(ctx, email, pwd)
	if err != nil {
		s.auditor.Record(ctx, email, audit.StagePassword, false, reasonFor(err), remoteAddr)
		return PasswordOutcome{}, err
	}
	s.auditor.Record(ctx, verified.Email, audit.StagePassword, true, "", remoteAddr)

	now := s.clock()
	flow.Email = verified.Email
	flow.UserID = verified.ID
	flow.UpdatedAt = now

	if !s.ceremonies.Available() {
		flow.State = StateUnavailable
		if err := s.flows.UpdateLoginFlow(ctx, flow, StateUnauthenticated); err != nil {
			return PasswordOutcome{}, s.mapFlowUpdate(err)
		}
		return PasswordOutcome{Flow: flow, NextStep: NextUnavailable}, nil
	}

	enrolled, err := s.ceremonies.HasCredentials(ctx, verified.ID)
	if err != nil {
		return PasswordOutcome{}, apperrors.Wrap(apperrors.CodeUnknown, "check enrollment", err)
	}
	next := NextAssert
	if enrolled {
		flow.State = StatePasswordVerified
		flow.Branch = BranchLogin
	} else {
		flow.State = StateEnrollmentOffered
		flow.Branch = BranchEnroll
		next = NextRegister
	}
	if err := s.flows.UpdateLoginFlow(ctx, flow, StateUnauthenticated); err != nil {
		return PasswordOutcome{}, s.mapFlowUpdate(err)
	}
	return PasswordOutcome{Flow: flow, NextStep: next}, nil
}

// BeginEnrollment starts a registration ceremony for a flow parked in the
// enrollment branch.
func (s *Sequencer) BeginEnrollment(ctx context.Context, flowID string) (ceremony.Options, error) {
	if err := s.ready(); err != nil {
		return ceremony.Options{}, err
	}
	flow, err := s.loadLive(ctx, flowID)
	if err != nil {
		return ceremony.Options{}, err
	}
	if flow.State != StateEnrollmentOffered {
		return ceremony.Options{}, apperrors.New(apperrors.CodeFlowState, "flow is not in the enrollment stage")
	}
	return s.ceremonies.BeginRegistration(ctx, flow.ID, flow.UserID)
}

// FinishEnrollment verifies an attestation response. The flow stays in
// the enrollment stage: the fresh credential must still pass a full
// assertion ceremony before the biometric factor counts.
func (s *Sequencer) FinishEnrollment(ctx context.Context, flowID, sessionID string, response []byte, label, remoteAddr string) (storage.PasskeyCredential, error) {
	if err := s.ready(); err != nil {
		return storage.PasskeyCredential{}, err
	}
	flow, err := s.loadLive(ctx, flowID)
	if err != nil {
		return storage.PasskeyCredential{}, err
	}
	if flow.State != StateEnrollmentOffered {
		return storage.PasskeyCredential{}, apperrors.New(apperrors.CodeFlowState, "flow is not in the enrollment stage")
	}

	credential, err := s.ceremonies.FinishRegistration(ctx, flow.ID, sessionID, response, label)
	if err != nil {
		s.auditor.Record(ctx, flow.Email, audit.StagePasskey, false, reasonFor(err), remoteAddr)
		return storage.PasskeyCredential{}, err
	}
	s.auditor.Record(ctx, flow.Email, audit.StagePasskey, true, "enrolled", remoteAddr)

	flow.EnrolledCredentialID = credential.CredentialID
	flow.UpdatedAt = s.clock()
	if err := s.flows.UpdateLoginFlow(ctx, flow, StateEnrollmentOffered); err != nil {
		return storage.PasskeyCredential{}, s.mapFlowUpdate(err)
	}
	return credential, nil
}

// BeginAssertion starts a login ceremony. Reachable either directly for
// users with existing passkeys or right after enrollment.
func (s *Sequencer) BeginAssertion(ctx context.Context, flowID string) (ceremony.Options, error) {
	if err := s.ready(); err != nil {
		return ceremony.Options{}, err
	}
	flow, err := s.loadLive(ctx, flowID)
	if err != nil {
		return ceremony.Options{}, err
	}
	if err := assertionAllowed(flow); err != nil {
		return ceremony.Options{}, err
	}
	return s.ceremonies.BeginLogin(ctx, flow.ID, flow.UserID)
}

// FinishAssertion verifies an assertion response and, on success,
// advances the flow to the PIN challenge. The intermediate verified
// state is not observable: the transition to the PIN stage is automatic.
func (s *Sequencer) FinishAssertion(ctx context.Context, flowID, sessionID string, response []byte, remoteAddr string) (storage.LoginFlow, error) {
	if err := s.ready(); err != nil {
		return storage.LoginFlow{}, err
	}
	flow, err := s.loadLive(ctx, flowID)
	if err != nil {
		return storage.LoginFlow{}, err
	}
	if err := assertionAllowed(flow); err != nil {
		return storage.LoginFlow{}, err
	}

	if _, err := s.ceremonies.FinishLogin(ctx, flow.ID, sessionID, response); err != nil {
		s.auditor.Record(ctx, flow.Email, audit.StagePasskey, false, reasonFor(err), remoteAddr)
		return storage.LoginFlow{}, err
	}
	s.auditor.Record(ctx, flow.Email, audit.StagePasskey, true, "", remoteAddr)

	fromState := flow.State
	flow.State = StatePinChallenge
	flow.UpdatedAt = s.clock()
	if err := s.flows.UpdateLoginFlow(ctx, flow, fromState); err != nil {
		return storage.LoginFlow{}, s.mapFlowUpdate(err)
	}
	return flow, nil
}

// PinOutcome reports a PIN attempt. Token is set only when Status is
// valid and a session was minted.
type PinOutcome struct {
	Status           vaultpin.Status
	RemainingSeconds int
	Token            session.Token
}

// SubmitPin runs the final stage. A valid PIN re-confirms the password
// before minting the session; that second check failing discards the
// flow instead of issuing anything.
func (s *Sequencer) SubmitPin(ctx context.Context, flowID, pin, pwd, remoteAddr string) (PinOutcome, error) {
	if err := s.ready(); err != nil {
		return PinOutcome{}, err
	}
	flow, err := s.loadLive(ctx, flowID)
	if err != nil {
		return PinOutcome{}, err
	}
	if flow.State != StatePinChallenge {
		return PinOutcome{}, apperrors.New(apperrors.CodeFlowState, "flow is not in the pin stage")
	}

	result, err := s.pins.Verify(ctx, flow.UserID, pin)
	if err != nil {
		s.auditor.Record(ctx, flow.Email, audit.StagePin, false, reasonFor(err), remoteAddr)
		return PinOutcome{}, err
	}
	switch result.Status {
	case vaultpin.StatusLocked:
		s.auditor.Record(ctx, flow.Email, audit.StagePin, false, "locked", remoteAddr)
		return PinOutcome{Status: result.Status, RemainingSeconds: result.RemainingSeconds}, nil
	case vaultpin.StatusInvalid:
		s.auditor.Record(ctx, flow.Email, audit.StagePin, false, "invalid pin", remoteAddr)
		return PinOutcome{Status: result.Status}, nil
	}
	s.auditor.Record(ctx, flow.Email, audit.StagePin, true, "", remoteAddr)

	if _, err := s.passwords.Verify(ctx, flow.Email, pwd); err != nil {
		s.auditor.Record(ctx, flow.Email, audit.StageSession, false, "password reconfirmation failed", remoteAddr)
		s.discard(ctx, flow.ID)
		return PinOutcome{}, apperrors.Wrap(apperrors.CodeSessionCreation, "password reconfirmation failed", err)
	}

	token, err := s.sessions.Issue(ctx, flow.UserID)
	if err != nil {
		s.auditor.Record(ctx, flow.Email, audit.StageSession, false, reasonFor(err), remoteAddr)
		return PinOutcome{}, err
	}

	flow.State = StateSessionIssued
	flow.UpdatedAt = s.clock()
	if err := s.flows.UpdateLoginFlow(ctx, flow, StatePinChallenge); err != nil {
		// Another attempt won the race. The minted session must not leak.
		if revokeErr := s.sessions.Revoke(ctx, token.SessionID); revokeErr != nil {
			s.logger.Printf("revoke racing session %s: %v", token.SessionID, revokeErr)
		}
		return PinOutcome{}, s.mapFlowUpdate(err)
	}
	s.auditor.Record(ctx, flow.Email, audit.StageSession, true, "", remoteAddr)
	s.discard(ctx, flow.ID)
	return PinOutcome{Status: vaultpin.StatusValid, Token: token}, nil
}

// SweepExpired removes expired flows and ceremony sessions. Meant to run
// periodically in the background.
func (s *Sequencer) SweepExpired(ctx context.Context, passkeys storage.PasskeyStore) error {
	if err := s.ready(); err != nil {
		return err
	}
	now := s.clock()
	if err := s.flows.DeleteExpiredLoginFlows(ctx, now); err != nil {
		return fmt.Errorf("delete expired login flows: %w", err)
	}
	if passkeys != nil {
		if err := passkeys.DeleteExpiredCeremonySessions(ctx, now); err != nil {
			return fmt.Errorf("delete expired ceremony sessions: %w", err)
		}
	}
	return nil
}

func assertionAllowed(flow storage.LoginFlow) error {
	switch flow.State {
	case StatePasswordVerified:
		return nil
	case StateEnrollmentOffered:
		if flow.EnrolledCredentialID == "" {
			return apperrors.New(apperrors.CodeFlowState, "enrollment must complete before the login ceremony")
		}
		return nil
	default:
		return apperrors.New(apperrors.CodeFlowState, "flow is not in the biometric stage")
	}
}

func (s *Sequencer) loadLive(ctx context.Context, flowID string) (storage.LoginFlow, error) {
	flow, err := s.flows.GetLoginFlow(ctx, flowID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.LoginFlow{}, apperrors.New(apperrors.CodeNotFound, "login flow not found")
	}
	if err != nil {
		return storage.LoginFlow{}, apperrors.Wrap(apperrors.CodeUnknown, "load login flow", err)
	}
	if !flow.ExpiresAt.After(s.clock()) {
		s.discard(ctx, flow.ID)
		return storage.LoginFlow{}, apperrors.New(apperrors.CodeFlowExpired, "login flow expired")
	}
	return flow, nil
}

func (s *Sequencer) discard(ctx context.Context, flowID string) {
	if err := s.flows.DeleteLoginFlow(ctx, flowID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Printf("delete login flow %s: %v", flowID, err)
	}
}

func (s *Sequencer) mapFlowUpdate(err error) error {
	if errors.Is(err, storage.ErrStaleFlow) {
		return apperrors.New(apperrors.CodeFlowState, "flow advanced concurrently")
	}
	return apperrors.Wrap(apperrors.CodeUnknown, "update login flow", err)
}

func reasonFor(err error) string {
	if err == nil {
		return ""
	}
	if code := apperrors.GetCode(err); code != apperrors.CodeUnknown {
		return string(code)
	}
	return "internal error"
}
