package common

import (
	"context"
	"sync/atomic"

	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"

	"github.com/xaviRodri/chromic-pdf/log"
)

// SessionStatus is the lifecycle state of a Session.
type SessionStatus int32

const (
	SessionIdle SessionStatus = iota
	SessionBusy
	SessionCrashed
)

func (s SessionStatus) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionBusy:
		return "busy"
	case SessionCrashed:
		return "crashed"
	}
	return "unknown"
}

// Session is a handle to one browser execution context (a page target).
// It routes commands through the shared Connection using its CDP
// session id. A Session is owned by at most one invocation at a time;
// the pool enforces this through its checkout/checkin discipline.
type Session struct {
	conn     *Connection
	id       target.SessionID
	targetID target.ID
	status   int32
	logger   *log.Logger
}

// NewSession wraps an already attached CDP session.
func NewSession(conn *Connection, id target.SessionID, targetID target.ID, logger *log.Logger) *Session {
	return &Session{
		conn:     conn,
		id:       id,
		targetID: targetID,
		logger:   logger,
	}
}

// ID returns the CDP session id commands are routed with.
func (s *Session) ID() target.SessionID { return s.id }

// TargetID returns the id of the page target behind this session.
func (s *Session) TargetID() target.ID { return s.targetID }

// Status returns the session's current lifecycle state.
func (s *Session) Status() SessionStatus {
	return SessionStatus(atomic.LoadInt32(&s.status))
}

// Crashed reports whether the session's target has crashed. A crashed
// session is never reused; the pool discards it on checkin.
func (s *Session) Crashed() bool {
	return s.Status() == SessionCrashed
}

func (s *Session) setStatus(st SessionStatus) {
	atomic.StoreInt32(&s.status, int32(st))
}

func (s *Session) markCrashed() {
	atomic.StoreInt32(&s.status, int32(SessionCrashed))
}

// Call sends a session-scoped command and waits for its response.
func (s *Session) Call(ctx context.Context, method string, params interface{}) (easyjson.RawMessage, error) {
	if s.Crashed() {
		return nil, &CrashError{TargetID: s.targetID}
	}
	return s.conn.Call(ctx, s.id, method, params)
}

// Post sends a session-scoped command and returns a handle to consume
// the response later.
func (s *Session) Post(method string, params interface{}) (*InflightCall, error) {
	if s.Crashed() {
		return nil, &CrashError{TargetID: s.targetID}
	}
	return s.conn.Post(s.id, method, params)
}

// Notify sends a session-scoped fire-and-forget command.
func (s *Session) Notify(method string, params interface{}) error {
	if s.Crashed() {
		return &CrashError{TargetID: s.targetID}
	}
	return s.conn.Notify(s.id, method, params)
}

// Subscribe registers an event listener scoped to this session.
func (s *Session) Subscribe(methods ...string) *EventListener {
	return s.conn.Subscribe(s.id, methods...)
}

// Unsubscribe removes a listener registered through Subscribe.
func (s *Session) Unsubscribe(l *EventListener) {
	s.conn.Unsubscribe(l)
}
