// Package errors provides structured error handling for auth flows.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// CodeInvalidRequest rejects malformed transport input before it
	// reaches a stage verifier.
	CodeInvalidRequest Code = "INVALID_REQUEST"

	// Stage 1 (password) errors
	CodeInvalidCredentials Code = "INVALID_CREDENTIALS"

	// Stage 2 (passkey ceremony) errors
	CodeNoCredentials     Code = "NO_CREDENTIALS"
	CodeEnrollment        Code = "ENROLLMENT_FAILED"
	CodeAssertion         Code = "ASSERTION_FAILED"
	CodeCeremonyCancelled Code = "CEREMONY_CANCELLED"
	CodeChallengeExpired  Code = "CHALLENGE_EXPIRED"
	CodeChallengeMismatch Code = "CHALLENGE_MISMATCH"

	// Stage 3 (vault PIN) errors
	CodeInvalidPin     Code = "INVALID_PIN"
	CodePinLocked      Code = "PIN_LOCKED"
	CodePinNotEnrolled Code = "PIN_NOT_ENROLLED"
	CodePinMalformed   Code = "PIN_MALFORMED"

	// Sequencer errors
	CodeFlowState          Code = "FLOW_STATE_INVALID"
	CodeFlowExpired        Code = "FLOW_EXPIRED"
	CodeSessionCreation    Code = "SESSION_CREATION_FAILED"
	CodePasskeyUnavailable Code = "PASSKEY_UNAVAILABLE"

	// User errors
	CodeUserEmptyEmail   Code = "USER_EMPTY_EMAIL"
	CodeUserInvalidEmail Code = "USER_INVALID_EMAIL"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)

// HTTPStatus maps domain codes to HTTP status codes for the JSON transport.
func (c Code) HTTPStatus() int {
	switch c {
	// BadRequest - validation failures, bad input
	case CodeInvalidRequest,
		CodeUserEmptyEmail,
		CodeUserInvalidEmail,
		CodePinMalformed,
		CodeChallengeMismatch:
		return http.StatusBadRequest

	// Unauthorized - a factor was presented and rejected
	case CodeInvalidCredentials,
		CodeAssertion,
		CodeInvalidPin:
		return http.StatusUnauthorized

	// Conflict - flow is not in a state that allows the operation
	case CodeFlowState:
		return http.StatusConflict

	// Gone - single-use material already consumed or timed out
	case CodeFlowExpired,
		CodeChallengeExpired:
		return http.StatusGone

	// UnprocessableEntity - ceremony payload could not be validated
	case CodeEnrollment,
		CodeCeremonyCancelled:
		return http.StatusUnprocessableEntity

	// Locked - PIN lockout window is active
	case CodePinLocked:
		return http.StatusLocked

	// NotFound - resource doesn't exist
	case CodeNotFound,
		CodeNoCredentials,
		CodePinNotEnrolled:
		return http.StatusNotFound

	// ServiceUnavailable - passkey support is off or absent
	case CodePasskeyUnavailable:
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}
