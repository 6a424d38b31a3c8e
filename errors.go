package pawchat

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthRequired is returned when no usable bearer credential is present.
	ErrAuthRequired = errors.New("pawchat: authentication required")

	// ErrNotConnected is returned by hub operations while no live connection exists.
	ErrNotConnected = errors.New("pawchat: not connected")

	// ErrConnectionClosed is returned to invocations pending on a connection that went away.
	ErrConnectionClosed = errors.New("pawchat: connection closed")
)

// ConnectionError wraps a transport failure on the hub connection.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("pawchat: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RequestError is returned for a non-2xx REST response.
type RequestError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("pawchat: %s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("pawchat: %s %s: HTTP %d", e.Method, e.Path, e.StatusCode)
}

// NotFound reports whether the server answered 404.
func (e *RequestError) NotFound() bool { return e.StatusCode == 404 }

// HubError is an error reported by the hub in an invocation completion.
type HubError struct {
	Target  string
	Message string
}

func (e *HubError) Error() string {
	return fmt.Sprintf("pawchat: hub %s: %s", e.Target, e.Message)
}

func isNotFound(err error) bool {
	var re *RequestError
	return errors.As(err, &re) && re.NotFound()
}
