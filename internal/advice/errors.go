package advice

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNoInput is returned for an empty payload; no request is sent.
var ErrNoInput = errors.New("no audio captured; nothing to submit")

// NetworkError reports a transport-level failure before a response arrived.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("could not reach advice service: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError is a non-2xx response that carried a readable detail message.
type ServerError struct {
	Code   int
	Detail string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("advice service error (HTTP %d): %s", e.Code, e.Detail)
}

// MalformedResponseError covers bodies that could not be interpreted. Code is
// the HTTP status of the response.
type MalformedResponseError struct {
	Code   int
	Reason string
}

func (e *MalformedResponseError) Error() string {
	if e.Code < 200 || e.Code > 299 {
		return fmt.Sprintf("request failed: HTTP %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("malformed response from advice service: %s", e.Reason)
}
