package oauth2

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"

	"golang.org/x/oauth2"
)

var (
	ErrMissingClientID     = errors.New("client id is not configured")
	ErrMissingClientSecret = errors.New("client secret is not configured")
	ErrMissingRedirectURL  = errors.New("redirect url is not configured")
)

// ResponseError is a non-2xx answer from the provider.
type ResponseError struct {
	Op          string
	StatusCode  int
	Code        string
	Description string
}

func (e *ResponseError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
}

// TransportError means the provider could not be reached.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// classify turns errors from x/oauth2 and net/http into the package error types.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		out := &ResponseError{Op: op, Code: re.ErrorCode, Description: re.ErrorDescription}
		if re.Response != nil {
			out.StatusCode = re.Response.StatusCode
		}
		if out.Code == "" {
			out.Code, out.Description = parseErrorBody(re.Body)
		}
		return out
	}

	var ue *url.Error
	var ne net.Error
	if errors.As(err, &ue) || errors.As(err, &ne) {
		return &TransportError{Op: op, Err: err}
	}

	return fmt.Errorf("%s: %w", op, err)
}

// parseErrorBody understands both the RFC 6749 shape and the Web API shape
// {"error":{"status":401,"message":"..."}}.
func parseErrorBody(body []byte) (code, description string) {
	if len(body) == 0 {
		return "", ""
	}

	var flat struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &flat); err == nil && flat.Error != "" {
		return flat.Error, flat.ErrorDescription
	}

	var nested struct {
		Error struct {
			Status  int    `json:"status"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &nested); err == nil {
		return "", nested.Error.Message
	}
	return "", ""
}
