package common

import (
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/target"
)

var (
	// ErrConnectionClosed is returned by calls abandoned because the
	// browser connection shut down.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrPoolClosed is returned by checkouts against a closed pool.
	ErrPoolClosed = errors.New("session pool closed")
)

// TimeoutError is returned when a checkout or a CDP call exceeds its
// configured bound.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}

// CrashError is returned for calls in flight on a session whose target
// crashed and whose grace period elapsed without a matching response.
type CrashError struct {
	TargetID target.ID
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("target %q crashed", e.TargetID)
}

// ProtocolError carries an error payload returned by the browser
// verbatim, e.g. a malformed command or a script evaluation exception.
type ProtocolError struct {
	Method  string
	Code    int64
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s (code %d)", e.Method, e.Message, e.Code)
}

// TransportError reports a failure of the browser connection itself. It
// is pool-wide: every session on the connection is invalid once it
// occurs.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("browser connection failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
