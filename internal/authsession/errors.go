package authsession

import (
	"context"
	"errors"
	"fmt"

	"chordauth/pkg/oauth2"
)

// ErrNotAuthenticated is returned by reads when no complete credential pair is stored.
var ErrNotAuthenticated = errors.New("not authenticated")

// Code identifies a failure. Provider codes keep their wire spelling.
type Code string

const (
	CodeAccessDenied            Code = "access_denied"
	CodeInvalidClient           Code = "invalid_client"
	CodeInvalidGrant            Code = "invalid_grant"
	CodeInvalidRequest          Code = "invalid_request"
	CodeUnauthorizedClient      Code = "unauthorized_client"
	CodeUnsupportedResponseType Code = "unsupported_response_type"
	CodeInvalidScope            Code = "invalid_scope"
	CodeServerError             Code = "server_error"
	CodeTemporarilyUnavailable  Code = "temporarily_unavailable"

	CodePopupBlocked  Code = "popup_blocked"
	CodeNetworkError  Code = "network_error"
	CodeTimeout       Code = "timeout_error"
	CodeStateMismatch Code = "state_mismatch"
	CodeUserCancelled Code = "user_cancelled"

	CodeTokenExchangeFailed Code = "token_exchange_failed"
	CodeProfileFetchFailed  Code = "profile_fetch_failed"
	CodeRefreshFailed       Code = "refresh_failed"
	CodeNoRefreshToken      Code = "no_refresh_token"
	CodeStorageError        Code = "storage_error"

	// CodeUnmapped marks a code this package does not know. AuthError.Raw holds it.
	CodeUnmapped Code = "unmapped"
)

var providerCodes = map[string]Code{
	string(CodeAccessDenied):            CodeAccessDenied,
	string(CodeInvalidClient):           CodeInvalidClient,
	string(CodeInvalidGrant):            CodeInvalidGrant,
	string(CodeInvalidRequest):          CodeInvalidRequest,
	string(CodeUnauthorizedClient):      CodeUnauthorizedClient,
	string(CodeUnsupportedResponseType): CodeUnsupportedResponseType,
	string(CodeInvalidScope):            CodeInvalidScope,
	string(CodeServerError):             CodeServerError,
	string(CodeTemporarilyUnavailable):  CodeTemporarilyUnavailable,
}

// Kind groups codes into the failure categories hosts branch on.
type Kind int

const (
	KindUnmapped Kind = iota
	KindConfiguration
	KindPopupBlocked
	KindUserCancelled
	KindTimeout
	KindStateMismatch
	KindInvalidRequest
	KindTokenExchangeFailed
	KindProfileFetchFailed
	KindRefreshFailed
	KindNoRefreshToken
	KindNetwork
	KindProvider
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "ConfigurationError"
	case KindPopupBlocked:
		return "PopupBlocked"
	case KindUserCancelled:
		return "UserCancelled"
	case KindTimeout:
		return "Timeout"
	case KindStateMismatch:
		return "StateMismatch"
	case KindInvalidRequest:
		return "InvalidRequest"
	case KindTokenExchangeFailed:
		return "TokenExchangeFailed"
	case KindProfileFetchFailed:
		return "ProfileFetchFailed"
	case KindRefreshFailed:
		return "RefreshFailed"
	case KindNoRefreshToken:
		return "NoRefreshToken"
	case KindNetwork:
		return "NetworkError"
	case KindProvider:
		return "ProviderError"
	case KindStorage:
		return "StorageError"
	default:
		return "Unmapped"
	}
}

// AuthError is the only error type the Manager returns for a failed attempt.
type AuthError struct {
	Code Code
	// Raw is the code as received; set for every provider code and for CodeUnmapped.
	Raw string
	Err error
}

func newError(code Code, err error) *AuthError {
	return &AuthError{Code: code, Raw: string(code), Err: err}
}

// errorFromCode maps a provider error string onto a Code.
func errorFromCode(raw string, err error) *AuthError {
	if code, ok := providerCodes[raw]; ok {
		return &AuthError{Code: code, Raw: raw, Err: err}
	}
	return &AuthError{Code: CodeUnmapped, Raw: raw, Err: err}
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth %s: %v", e.ErrorCode(), e.Err)
	}
	return "auth " + e.ErrorCode()
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Is matches another *AuthError with the same code.
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	if !ok {
		return false
	}
	if t.Code == CodeUnmapped && t.Raw != "" {
		return e.Code == CodeUnmapped && e.Raw == t.Raw
	}
	return e.Code == t.Code
}

// ErrorCode is the code shown to hosts. Unmapped codes surface as received.
func (e *AuthError) ErrorCode() string {
	if e.Code == CodeUnmapped {
		if e.Raw == "" {
			return "unknown_error"
		}
		return e.Raw
	}
	return string(e.Code)
}

func (e *AuthError) Kind() Kind {
	switch e.Code {
	case CodeInvalidClient, CodeUnauthorizedClient:
		return KindConfiguration
	case CodeAccessDenied, CodeUserCancelled:
		return KindUserCancelled
	case CodeInvalidRequest:
		return KindInvalidRequest
	case CodeInvalidGrant, CodeUnsupportedResponseType, CodeInvalidScope, CodeServerError, CodeTemporarilyUnavailable:
		return KindProvider
	case CodePopupBlocked:
		return KindPopupBlocked
	case CodeNetworkError:
		return KindNetwork
	case CodeTimeout:
		return KindTimeout
	case CodeStateMismatch:
		return KindStateMismatch
	case CodeTokenExchangeFailed:
		return KindTokenExchangeFailed
	case CodeProfileFetchFailed:
		return KindProfileFetchFailed
	case CodeRefreshFailed:
		return KindRefreshFailed
	case CodeNoRefreshToken:
		return KindNoRefreshToken
	case CodeStorageError:
		return KindStorage
	default:
		return KindUnmapped
	}
}

func (e *AuthError) Message() string {
	switch e.Code {
	case CodeAccessDenied:
		return "You cancelled the login. You can still use public search."
	case CodeInvalidClient:
		return "App configuration error. Please contact support."
	case CodeInvalidGrant:
		return "Login session expired. Please try again."
	case CodeInvalidRequest:
		return "Login request failed. Please try again."
	case CodeUnauthorizedClient:
		return "App not authorized. Please contact support."
	case CodeUnsupportedResponseType:
		return "Login method not supported."
	case CodeInvalidScope:
		return "Permissions error. Some features may be limited."
	case CodeServerError:
		return "Spotify servers are having issues. Please try later."
	case CodeTemporarilyUnavailable:
		return "Spotify login is temporarily unavailable."
	case CodePopupBlocked:
		return "Login popup was blocked. Please allow popups and try again."
	case CodeNetworkError:
		return "Network connection failed. Please check your internet."
	case CodeTimeout:
		return "Login took too long. Please try again."
	case CodeStateMismatch:
		return "Security validation failed. Please try again."
	case CodeUserCancelled:
		return "The login window was closed before finishing."
	case CodeTokenExchangeFailed:
		return "Could not complete the Spotify login. Please try again."
	case CodeProfileFetchFailed:
		return "Could not load your Spotify profile. Please try again."
	case CodeRefreshFailed, CodeNoRefreshToken:
		return "Your Spotify session has ended. Please log in again."
	case CodeStorageError:
		return "Could not save your login on this device."
	default:
		return "Login failed: " + e.ErrorCode()
	}
}

func (e *AuthError) Retryable() bool {
	switch e.Code {
	case CodeNetworkError, CodeTimeout, CodeServerError, CodeTemporarilyUnavailable, CodePopupBlocked:
		return true
	default:
		return false
	}
}

// Failure is the only shape of an error hosts show to users.
type Failure struct {
	ErrorCode string `json:"error"`
	Message   string `json:"message"`
	CanRetry  bool   `json:"canRetry"`
}

// Describe converts any error into a Failure. Non-auth errors become unmapped.
func Describe(err error) Failure {
	if err == nil {
		return Failure{}
	}
	ae := asAuthError(err)
	return Failure{ErrorCode: ae.ErrorCode(), Message: ae.Message(), CanRetry: ae.Retryable()}
}

// CodeOf returns the Code carried by err, or CodeUnmapped.
func CodeOf(err error) Code {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeUnmapped
}

func asAuthError(err error) *AuthError {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae
	}
	if errors.Is(err, ErrNotAuthenticated) {
		return &AuthError{Code: CodeUnmapped, Raw: "not_authenticated", Err: err}
	}
	if ce := contextError(err); ce != nil {
		return ce
	}
	return &AuthError{Code: CodeUnmapped, Err: err}
}

func contextError(err error) *AuthError {
	switch {
	case errors.Is(err, context.Canceled):
		return newError(CodeUserCancelled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return newError(CodeTimeout, err)
	}
	return nil
}

// providerError classifies an error returned by an oauth2.Provider call.
// Response codes are kept only when honorCode is set, otherwise fallback wins.
func providerError(err error, fallback Code, honorCode bool) *AuthError {
	if ce := contextError(err); ce != nil {
		return ce
	}

	var te *oauth2.TransportError
	if errors.As(err, &te) {
		return newError(CodeNetworkError, err)
	}

	var re *oauth2.ResponseError
	if honorCode && errors.As(err, &re) && re.Code != "" {
		return errorFromCode(re.Code, err)
	}
	return newError(fallback, err)
}
