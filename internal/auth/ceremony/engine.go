// Package ceremony orchestrates WebAuthn registration and authentication
// ceremonies against a server-side single-use challenge store.
package ceremony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"vaultgate/internal/auth/passkey"
	"vaultgate/internal/auth/storage"
	"vaultgate/internal/auth/user"
	apperrors "vaultgate/internal/platform/errors"
	"vaultgate/internal/platform/id"
)

// ErrNoCredentials signals that a user has no enrolled passkeys, so callers
// can branch into the enrollment flow instead of a generic failure.
var ErrNoCredentials = apperrors.New(apperrors.CodeNoCredentials, "no passkeys enrolled for user")

const defaultCredentialLabel = "Passkey"

// provider is the slice of the webauthn library the engine depends on.
type provider interface {
	BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
	BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	ValidateLogin(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error)
}

type parser interface {
	ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error)
	ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error)
}

type defaultParser struct{}

func (defaultParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return protocol.ParseCredentialCreationResponseBytes(data)
}

func (defaultParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return protocol.ParseCredentialRequestResponseBytes(data)
}

// Engine drives both WebAuthn ceremonies for the biometric stage.
//
// Each ceremony is options generation, the client-side authenticator exchange,
// then verification bound to a stored single-use session.
type Engine struct {
	users       storage.UserStore
	passkeys    storage.PasskeyStore
	config      passkey.Config
	webAuthn    provider
	initErr     error
	parser      parser
	clock       func() time.Time
	idGenerator func() (string, error)
	tracer      trace.Tracer
}

// NewEngine builds a ceremony engine with the relying-party settings in cfg.
func NewEngine(users storage.UserStore, passkeys storage.PasskeyStore, cfg passkey.Config) *Engine {
	webAuthn, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
	})
	return &Engine{
		users:       users,
		passkeys:    passkeys,
		config:      cfg,
		webAuthn:    webAuthn,
		initErr:     err,
		parser:      defaultParser{},
		clock:       time.Now,
		idGenerator: id.NewID,
		tracer:      otel.Tracer("vaultgate/ceremony"),
	}
}

// Options is the serialized browser-facing half of a ceremony begin call.
type Options struct {
	SessionID   string
	OptionsJSON []byte
}

func (e *Engine) ready() error {
	if e == nil {
		return fmt.Errorf("ceremony engine is not configured")
	}
	if e.users == nil {
		return fmt.Errorf("user store is not configured")
	}
	if e.passkeys == nil {
		return fmt.Errorf("passkey store is not configured")
	}
	if e.initErr != nil || e.webAuthn == nil {
		return fmt.Errorf("webauthn configuration is not available")
	}
	if e.parser == nil {
		return fmt.Errorf("credential parser is not configured")
	}
	return nil
}

// Available reports whether the biometric stage can run at all: the
// relying-party configuration parsed and the feature is not
// administratively disabled.
func (e *Engine) Available() bool {
	if e == nil || e.config.Disabled {
		return false
	}
	return e.ready() == nil
}

// HasCredentials reports whether the user has at least one enrolled passkey.
// The answer is stable across repeated calls absent a registration in between.
func (e *Engine) HasCredentials(ctx context.Context, userID string) (bool, error) {
	if e == nil || e.passkeys == nil {
		return false, fmt.Errorf("passkey store is not configured")
	}
	credentials, err := e.passkeys.ListPasskeyCredentials(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("list passkey credentials: %w", err)
	}
	return len(credentials) > 0, nil
}

// ListCredentials returns the user's enrolled passkeys for device management.
func (e *Engine) ListCredentials(ctx context.Context, userID string) ([]storage.PasskeyCredential, error) {
	if e == nil || e.passkeys == nil {
		return nil, fmt.Errorf("passkey store is not configured")
	}
	return e.passkeys.ListPasskeyCredentials(ctx, userID)
}

// RemoveCredential deletes one enrolled passkey by its encoded credential ID.
func (e *Engine) RemoveCredential(ctx context.Context, credentialID string) error {
	if e == nil || e.passkeys == nil {
		return fmt.Errorf("passkey store is not configured")
	}
	if strings.TrimSpace(credentialID) == "" {
		return fmt.Errorf("credential id is required")
	}
	return e.passkeys.DeletePasskeyCredential(ctx, credentialID)
}

// BeginRegistration starts an enrollment ceremony for the user and stores the
// server half of the challenge, keyed by a fresh session ID bound to the flow.
func (e *Engine) BeginRegistration(ctx context.Context, flowID, userID string) (Options, error) {
	if err := e.ready(); err != nil {
		return Options{}, err
	}
	baseUser, err := e.users.GetUser(ctx, userID)
	if err != nil {
		return Options{}, fmt.Errorf("get user: %w", err)
	}
	ceremonyUser, err := e.loadCeremonyUser(ctx, baseUser)
	if err != nil {
		return Options{}, fmt.Errorf("load ceremony user: %w", err)
	}

	options := []webauthn.RegistrationOption{
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
	}
	if len(ceremonyUser.credentials) > 0 {
		options = append(options, webauthn.WithExclusions(webauthn.Credentials(ceremonyUser.credentials).CredentialDescriptors()))
	}

	creation, session, err := e.webAuthn.BeginRegistration(ceremonyUser, options...)
	if err != nil {
		return Options{}, apperrors.Wrap(apperrors.CodeEnrollment, "begin registration ceremony", err)
	}
	return e.storeSessionOptions(ctx, passkey.SessionKindRegistration, flowID, baseUser.ID, session, creation)
}

// FinishRegistration verifies an attestation response against the stored
// challenge and persists the new credential. The challenge is consumed whether
// or not verification succeeds.
func (e *Engine) FinishRegistration(ctx context.Context, flowID, sessionID string, response []byte, label string) (storage.PasskeyCredential, error) {
	if err := e.ready(); err != nil {
		return storage.PasskeyCredential{}, err
	}
	ctx, span := e.tracer.Start(ctx, "ceremony.finish_registration")
	defer span.End()

	session, err := e.consumeSession(ctx, sessionID, passkey.SessionKindRegistration, flowID)
	if err != nil {
		return storage.PasskeyCredential{}, err
	}
	baseUser, err := e.users.GetUser(ctx, session.UserID)
	if err != nil {
		return storage.PasskeyCredential{}, fmt.Errorf("get user: %w", err)
	}
	ceremonyUser, err := e.loadCeremonyUser(ctx, baseUser)
	if err != nil {
		return storage.PasskeyCredential{}, fmt.Errorf("load ceremony user: %w", err)
	}

	parsed, err := e.parser.ParseCredentialCreationResponseBytes(response)
	if err != nil {
		return storage.PasskeyCredential{}, apperrors.Wrap(apperrors.CodeEnrollment, "parse attestation response", err)
	}
	credential, err := e.webAuthn.CreateCredential(ceremonyUser, session.Data, parsed)
	if err != nil {
		return storage.PasskeyCredential{}, apperrors.Wrap(apperrors.CodeEnrollment, "validate attestation response", err)
	}

	record, err := e.storeCredential(ctx, baseUser.ID, *credential, label, false)
	if err != nil {
		return storage.PasskeyCredential{}, fmt.Errorf("store passkey credential: %w", err)
	}
	return record, nil
}

// BeginLogin starts an assertion ceremony scoped to the user's enrolled
// credentials. Users without credentials fail fast with ErrNoCredentials.
func (e *Engine) BeginLogin(ctx context.Context, flowID, userID string) (Options, error) {
	if err := e.ready(); err != nil {
		return Options{}, err
	}
	baseUser, err := e.users.GetUser(ctx, userID)
	if err != nil {
		return Options{}, fmt.Errorf("get user: %w", err)
	}
	ceremonyUser, err := e.loadCeremonyUser(ctx, baseUser)
	if err != nil {
		return Options{}, fmt.Errorf("load ceremony user: %w", err)
	}
	if len(ceremonyUser.credentials) == 0 {
		return Options{}, ErrNoCredentials
	}

	assertion, session, err := e.webAuthn.BeginLogin(ceremonyUser)
	if err != nil {
		return Options{}, apperrors.Wrap(apperrors.CodeAssertion, "begin login ceremony", err)
	}
	return e.storeSessionOptions(ctx, passkey.SessionKindLogin, flowID, baseUser.ID, session, assertion)
}

// FinishLogin verifies an assertion response, enforces the monotonic signature
// counter, and records the credential as used.
func (e *Engine) FinishLogin(ctx context.Context, flowID, sessionID string, response []byte) (storage.PasskeyCredential, error) {
	if err := e.ready(); err != nil {
		return storage.PasskeyCredential{}, err
	}
	ctx, span := e.tracer.Start(ctx, "ceremony.finish_login")
	defer span.End()

	session, err := e.consumeSession(ctx, sessionID, passkey.SessionKindLogin, flowID)
	if err != nil {
		return storage.PasskeyCredential{}, err
	}
	baseUser, err := e.users.GetUser(ctx, session.UserID)
	if err != nil {
		return storage.PasskeyCredential{}, fmt.Errorf("get user: %w", err)
	}
	ceremonyUser, err := e.loadCeremonyUser(ctx, baseUser)
	if err != nil {
		return storage.PasskeyCredential{}, fmt.Errorf("load ceremony user: %w", err)
	}

	parsed, err := e.parser.ParseCredentialRequestResponseBytes(response)
	if err != nil {
		return storage.PasskeyCredential{}, apperrors.Wrap(apperrors.CodeAssertion, "parse assertion response", err)
	}

	stored, ok := ceremonyUser.credentialByID(parsed.RawID)
	if !ok {
		return storage.PasskeyCredential{}, apperrors.New(apperrors.CodeAssertion, "assertion references an unknown credential")
	}
	if err := checkSignCount(stored.Authenticator.SignCount, parsed.Response.AuthenticatorData.Counter); err != nil {
		return storage.PasskeyCredential{}, err
	}

	validated, err := e.webAuthn.ValidateLogin(ceremonyUser, session.Data, parsed)
	if err != nil {
		return storage.PasskeyCredential{}, apperrors.Wrap(apperrors.CodeAssertion, "validate assertion response", err)
	}
	if validated.Authenticator.CloneWarning {
		return storage.PasskeyCredential{}, apperrors.New(apperrors.CodeAssertion, "signature counter indicates a cloned authenticator")
	}

	record, err := e.storeCredential(ctx, baseUser.ID, *validated, "", true)
	if err != nil {
		return storage.PasskeyCredential{}, fmt.Errorf("store passkey credential: %w", err)
	}
	return record, nil
}

// checkSignCount rejects assertions whose counter did not advance. Counters
// stuck at zero on both sides mean the authenticator does not implement them.
func checkSignCount(stored, presented uint32) error {
	if stored == 0 && presented == 0 {
		return nil
	}
	if presented <= stored {
		return apperrors.WithMetadata(apperrors.CodeAssertion, "signature counter did not increase", map[string]string{
			"stored_counter":    fmt.Sprintf("%d", stored),
			"presented_counter": fmt.Sprintf("%d", presented),
		})
	}
	return nil
}

// ceremonyUser adapts a user record and enrolled credentials to webauthn.User.
type ceremonyUser struct {
	user        user.User
	credentials []webauthn.Credential
}

func (u *ceremonyUser) WebAuthnID() []byte {
	return []byte(u.user.ID)
}

func (u *ceremonyUser) WebAuthnName() string {
	return u.user.Email
}

func (u *ceremonyUser) WebAuthnDisplayName() string {
	return u.user.DisplayName
}

func (u *ceremonyUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}

func (u *ceremonyUser) credentialByID(rawID []byte) (webauthn.Credential, bool) {
	encoded := EncodeCredentialID(rawID)
	for _, credential := range u.credentials {
		if EncodeCredentialID(credential.ID) == encoded {
			return credential, true
		}
	}
	return webauthn.Credential{}, false
}

func (e *Engine) loadCeremonyUser(ctx context.Context, base user.User) (*ceremonyUser, error) {
	records, err := e.passkeys.ListPasskeyCredentials(ctx, base.ID)
	if err != nil {
		return nil, err
	}
	parsed, err := decodeStoredCredentials(records)
	if err != nil {
		return nil, err
	}
	return &ceremonyUser{user: base, credentials: parsed}, nil
}

func decodeStoredCredentials(records []storage.PasskeyCredential) ([]webauthn.Credential, error) {
	if len(records) == 0 {
		return nil, nil
	}
	credentials := make([]webauthn.Credential, 0, len(records))
	for _, record := range records {
		var credential webauthn.Credential
		if err := json.Unmarshal([]byte(record.CredentialJSON), &credential); err != nil {
			return nil, fmt.Errorf("decode credential %s: %w", record.CredentialID, err)
		}
		credentials = append(credentials, credential)
	}
	return credentials, nil
}

func (e *Engine) storeCredential(ctx context.Context, userID string, credential webauthn.Credential, label string, used bool) (storage.PasskeyCredential, error) {
	credentialID := EncodeCredentialID(credential.ID)
	now := e.clock().UTC()
	stored, err := e.passkeys.GetPasskeyCredential(ctx, credentialID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return storage.PasskeyCredential{}, err
	}
	if errors.Is(err, storage.ErrNotFound) && used {
		return storage.PasskeyCredential{}, fmt.Errorf("passkey credential not found")
	}

	createdAt := now
	if err == nil {
		createdAt = stored.CreatedAt
		if label == "" {
			label = stored.Label
		}
	}
	if strings.TrimSpace(label) == "" {
		label = defaultCredentialLabel
	}
	credentialJSON, err := json.Marshal(credential)
	if err != nil {
		return storage.PasskeyCredential{}, err
	}
	var lastUsed *time.Time
	if used {
		value := now
		lastUsed = &value
	} else if stored.LastUsedAt != nil {
		lastUsed = stored.LastUsedAt
	}
	record := storage.PasskeyCredential{
		CredentialID:   credentialID,
		UserID:         userID,
		Label:          strings.TrimSpace(label),
		CredentialJSON: string(credentialJSON),
		CreatedAt:      createdAt,
		UpdatedAt:      now,
		LastUsedAt:     lastUsed,
	}
	if err := e.passkeys.PutPasskeyCredential(ctx, record); err != nil {
		return storage.PasskeyCredential{}, err
	}
	return record, nil
}

func (e *Engine) storeSessionOptions(ctx context.Context, kind passkey.SessionKind, flowID, userID string, session *webauthn.SessionData, options any) (Options, error) {
	if session == nil {
		return Options{}, fmt.Errorf("session data is required")
	}
	sessionID, err := e.idGenerator()
	if err != nil {
		return Options{}, fmt.Errorf("create ceremony session id: %w", err)
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return Options{}, fmt.Errorf("encode ceremony session: %w", err)
	}
	if err := e.passkeys.PutCeremonySession(ctx, storage.CeremonySession{
		ID:          sessionID,
		Kind:        string(kind),
		FlowID:      flowID,
		UserID:      userID,
		SessionJSON: string(payload),
		ExpiresAt:   e.clock().UTC().Add(e.config.SessionTTL),
	}); err != nil {
		return Options{}, fmt.Errorf("store ceremony session: %w", err)
	}
	optionsJSON, err := json.Marshal(options)
	if err != nil {
		return Options{}, fmt.Errorf("encode ceremony options: %w", err)
	}
	return Options{SessionID: sessionID, OptionsJSON: optionsJSON}, nil
}

type loadedSession struct {
	Data   webauthn.SessionData
	UserID string
}

// consumeSession removes the ceremony session before validating it, so one
// challenge can never satisfy two verification attempts.
func (e *Engine) consumeSession(ctx context.Context, sessionID string, expectedKind passkey.SessionKind, flowID string) (loadedSession, error) {
	if strings.TrimSpace(sessionID) == "" {
		return loadedSession{}, fmt.Errorf("ceremony session id is required")
	}
	stored, err := e.passkeys.ConsumeCeremonySession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return loadedSession{}, apperrors.New(apperrors.CodeChallengeExpired, "ceremony session not found or already used")
		}
		return loadedSession{}, fmt.Errorf("consume ceremony session: %w", err)
	}
	if stored.Kind != string(expectedKind) {
		return loadedSession{}, apperrors.New(apperrors.CodeChallengeMismatch, "ceremony session kind mismatch")
	}
	if flowID != "" && stored.FlowID != flowID {
		return loadedSession{}, apperrors.New(apperrors.CodeChallengeMismatch, "ceremony session belongs to another flow")
	}
	if stored.ExpiresAt.Before(e.clock().UTC()) {
		return loadedSession{}, apperrors.New(apperrors.CodeChallengeExpired, "ceremony session expired")
	}

	var session webauthn.SessionData
	if err := json.Unmarshal([]byte(stored.SessionJSON), &session); err != nil {
		return loadedSession{}, fmt.Errorf("decode ceremony session: %w", err)
	}
	return loadedSession{Data: session, UserID: stored.UserID}, nil
}

// EncodeCredentialID renders a raw credential ID in the form stored and
// exchanged with clients. Round-trips byte-exact.
func EncodeCredentialID(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCredentialID restores raw credential ID bytes from the stored form.
func DecodeCredentialID(encoded string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(encoded)
}
