package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrorHeader carries the server's error message on failed requests
const ErrorHeader = "X-Influx-Error"

// maxErrorBody bounds how much of a failed response is kept
const maxErrorBody = 64 * 1024

// ServiceError is a non-success HTTP response from the query server
type ServiceError struct {
	StatusCode int
	Message    string
	Header     http.Header
	Body       string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("query service returned %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether the server side failed, as opposed to the request
func (e *ServiceError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// newServiceError reads and closes the body of a failed response. The message
// comes from the error header, then the JSON body, then the raw body, then the
// status text.
func newServiceError(resp *http.Response) *ServiceError {
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	body := strings.TrimSpace(string(raw))

	se := &ServiceError{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}

	if msg := resp.Header.Get(ErrorHeader); msg != "" {
		se.Message = msg
		return se
	}

	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil {
		switch {
		case payload.Error != "":
			se.Message = payload.Error
			return se
		case payload.Message != "":
			se.Message = payload.Message
			return se
		}
	}

	if body != "" {
		se.Message = body
	} else {
		se.Message = http.StatusText(resp.StatusCode)
	}
	return se
}

// IsServerFailure reports whether err should count against the circuit
// breaker: transport failures and 5xx responses do, client errors and
// caller cancellation do not.
func IsServerFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}
