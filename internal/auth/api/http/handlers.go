package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"vaultgate/internal/auth/sequencer"
	"vaultgate/internal/auth/storage"
	"vaultgate/internal/auth/vaultpin"
	apperrors "vaultgate/internal/platform/errors"
	"vaultgate/internal/platform/httpx"
)

const maxBodyBytes = 1 << 20

type flowResponse struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	Branch    string `json:"branch,omitempty"`
	ExpiresAt string `json:"expiresAt"`
}

func toFlowResponse(flow storage.LoginFlow) flowResponse {
	return flowResponse{
		ID:        flow.ID,
		State:     flow.State,
		Branch:    flow.Branch,
		ExpiresAt: flow.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

type ceremonyOptionsResponse struct {
	SessionID string          `json:"sessionId"`
	Options   json.RawMessage `json:"options"`
}

type passkeyResponse struct {
	CredentialID string `json:"credentialId"`
	Label        string `json:"label"`
	CreatedAt    string `json:"createdAt"`
	LastUsedAt   string `json:"lastUsedAt,omitempty"`
}

func toPasskeyResponse(credential storage.PasskeyCredential) passkeyResponse {
	resp := passkeyResponse{
		CredentialID: credential.CredentialID,
		Label:        credential.Label,
		CreatedAt:    credential.CreatedAt.UTC().Format(time.RFC3339),
	}
	if credential.LastUsedAt != nil {
		resp.LastUsedAt = credential.LastUsedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

type enrollmentResponse struct {
	Enrolled bool `json:"enrolled"`
}

// handleCheckEnrollment reports whether an email has at least one
// enrolled passkey. Unknown emails report false rather than an error so
// the endpoint does not confirm which accounts exist.
func (s *Service) handleCheckEnrollment(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(r.URL.Query().Get("email"))
	if email == "" {
		httpx.WriteError(w, apperrors.New(apperrors.CodeInvalidRequest, "email is required"))
		return
	}
	account, err := s.users.GetUserByEmail(r.Context(), email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httpx.WriteJSON(w, http.StatusOK, enrollmentResponse{Enrolled: false})
			return
		}
		httpx.WriteError(w, err)
		return
	}
	enrolled, err := s.ceremonies.HasCredentials(r.Context(), account.ID)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, enrollmentResponse{Enrolled: enrolled})
}

func (s *Service) handleStartFlow(w http.ResponseWriter, r *http.Request) {
	flow, err := s.sequencer.Start(r.Context())
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toFlowResponse(flow))
}

func (s *Service) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	flow, err := s.sequencer.Get(r.Context(), r.PathValue("flowID"))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toFlowResponse(flow))
}

func (s *Service) handleCancelFlow(w http.ResponseWriter, r *http.Request) {
	if err := s.sequencer.Cancel(r.Context(), r.PathValue("flowID")); err != nil {
		httpx.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type passwordRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type passwordResponse struct {
	Flow     flowResponse `json:"flow"`
	NextStep string       `json:"nextStep"`
}

func (s *Service) handlePassword(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	outcome, err := s.sequencer.SubmitPassword(r.Context(), r.PathValue("flowID"), req.Email, req.Password, remoteAddr(r))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, passwordResponse{
		Flow:     toFlowResponse(outcome.Flow),
		NextStep: outcome.NextStep,
	})
}

func (s *Service) handleRegisterBegin(w http.ResponseWriter, r *http.Request) {
	options, err := s.sequencer.BeginEnrollment(r.Context(), r.PathValue("flowID"))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, ceremonyOptionsResponse{
		SessionID: options.SessionID,
		Options:   json.RawMessage(options.OptionsJSON),
	})
}

type registerFinishRequest struct {
	SessionID string          `json:"sessionId"`
	Response  json.RawMessage `json:"response"`
	Label     string          `json:"label"`
}

func (s *Service) handleRegisterFinish(w http.ResponseWriter, r *http.Request) {
	var req registerFinishRequest
	if err := decodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	credential, err := s.sequencer.FinishEnrollment(r.Context(), r.PathValue("flowID"), req.SessionID, req.Response, req.Label, remoteAddr(r))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toPasskeyResponse(credential))
}

func (s *Service) handleLoginBegin(w http.ResponseWriter, r *http.Request) {
	options, err := s.sequencer.BeginAssertion(r.Context(), r.PathValue("flowID"))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, ceremonyOptionsResponse{
		SessionID: options.SessionID,
		Options:   json.RawMessage(options.OptionsJSON),
	})
}

type loginFinishRequest struct {
	SessionID string          `json:"sessionId"`
	Response  json.RawMessage `json:"response"`
}

func (s *Service) handleLoginFinish(w http.ResponseWriter, r *http.Request) {
	var req loginFinishRequest
	if err := decodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	flow, err := s.sequencer.FinishAssertion(r.Context(), r.PathValue("flowID"), req.SessionID, req.Response, remoteAddr(r))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toFlowResponse(flow))
}

type pinRequest struct {
	Pin      string `json:"pin"`
	Password string `json:"password"`
}

type pinResponse struct {
	Status           string `json:"status"`
	RemainingSeconds int    `json:"remainingSeconds,omitempty"`
	Token            string `json:"token,omitempty"`
	SessionID        string `json:"sessionId,omitempty"`
	ExpiresAt        string `json:"expiresAt,omitempty"`
}

func (s *Service) handlePin(w http.ResponseWriter, r *http.Request) {
	var req pinRequest
	if err := decodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	outcome, err := s.sequencer.SubmitPin(r.Context(), r.PathValue("flowID"), req.Pin, req.Password, remoteAddr(r))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, pinStatusCode(outcome), toPinResponse(outcome))
}

func pinStatusCode(outcome sequencer.PinOutcome) int {
	switch outcome.Status {
	case vaultpin.StatusValid:
		return http.StatusOK
	case vaultpin.StatusLocked:
		return http.StatusLocked
	default:
		return http.StatusUnauthorized
	}
}

func toPinResponse(outcome sequencer.PinOutcome) pinResponse {
	resp := pinResponse{
		Status:           string(outcome.Status),
		RemainingSeconds: outcome.RemainingSeconds,
	}
	if outcome.Token.Token != "" {
		resp.Token = outcome.Token.Token
		resp.SessionID = outcome.Token.SessionID
		resp.ExpiresAt = outcome.Token.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return resp
}

type sessionResponse struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	ExpiresAt string `json:"expiresAt"`
}

func (s *Service) handleMe(w http.ResponseWriter, r *http.Request) {
	record, err := s.authenticate(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, sessionResponse{
		SessionID: record.ID,
		UserID:    record.UserID,
		ExpiresAt: record.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Service) handleLogout(w http.ResponseWriter, r *http.Request) {
	record, err := s.authenticate(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if err := s.sessions.Revoke(r.Context(), record.ID); err != nil {
		httpx.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleListPasskeys(w http.ResponseWriter, r *http.Request) {
	record, err := s.authenticate(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	credentials, err := s.ceremonies.ListCredentials(r.Context(), record.UserID)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	resp := make([]passkeyResponse, 0, len(credentials))
	for _, credential := range credentials {
		resp = append(resp, toPasskeyResponse(credential))
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (s *Service) handleRemovePasskey(w http.ResponseWriter, r *http.Request) {
	record, err := s.authenticate(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	credentialID := r.PathValue("credentialID")
	owned, err := s.ownsCredential(r.Context(), record.UserID, credentialID)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if !owned {
		httpx.WriteError(w, apperrors.New(apperrors.CodeNotFound, "credential not found"))
		return
	}
	if err := s.ceremonies.RemoveCredential(r.Context(), credentialID); err != nil {
		httpx.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type enrollPinRequest struct {
	Pin string `json:"pin"`
}

func (s *Service) handleEnrollPin(w http.ResponseWriter, r *http.Request) {
	record, err := s.authenticate(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	var req enrollPinRequest
	if err := decodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	if err := s.pins.Enroll(r.Context(), record.UserID, req.Pin); err != nil {
		httpx.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type attemptResponse struct {
	Stage      string `json:"stage"`
	Success    bool   `json:"success"`
	Reason     string `json:"reason,omitempty"`
	RemoteAddr string `json:"remoteAddr,omitempty"`
	CreatedAt  string `json:"createdAt"`
}

func (s *Service) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	record, err := s.authenticate(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	account, err := s.users.GetUser(r.Context(), record.UserID)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			httpx.WriteError(w, apperrors.New(apperrors.CodeInvalidRequest, "limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	attempts, err := s.auditor.RecentByEmail(r.Context(), account.Email, limit)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	resp := make([]attemptResponse, 0, len(attempts))
	for _, attempt := range attempts {
		resp = append(resp, attemptResponse{
			Stage:      attempt.Stage,
			Success:    attempt.Success,
			Reason:     attempt.Reason,
			RemoteAddr: attempt.RemoteAddr,
			CreatedAt:  attempt.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

// ownsCredential reports whether credentialID belongs to userID.
func (s *Service) ownsCredential(ctx context.Context, userID, credentialID string) (bool, error) {
	credentials, err := s.ceremonies.ListCredentials(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, credential := range credentials {
		if credential.CredentialID == credentialID {
			return true, nil
		}
	}
	return false, nil
}

// authenticate resolves the bearer token into its live session record.
func (s *Service) authenticate(r *http.Request) (storage.Session, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return storage.Session{}, apperrors.New(apperrors.CodeInvalidCredentials, "missing bearer token")
	}
	return s.sessions.Validate(r.Context(), strings.TrimSpace(token))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := decoder.Decode(v); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidRequest, "invalid request body", err)
	}
	return nil
}

func remoteAddr(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if first, _, found := strings.Cut(forwarded, ","); found {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(forwarded)
	}
	return r.RemoteAddr
}
