package common

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"

	"github.com/xaviRodri/chromic-pdf/log"
)

const wsWriteBufferSize = 1 << 20

type callResult struct {
	msg *cdproto.Message
	err error
}

// pendingCall is one outstanding command. Its result channel has
// capacity one so delivery never blocks; whoever removes the call from
// the pending table is the only writer, which makes removal idempotent
// with respect to late responses.
type pendingCall struct {
	id        int64
	sessionID target.SessionID
	ch        chan callResult
}

// InflightCall is the caller-side handle for a command that has been
// sent but whose response has not been consumed yet.
type InflightCall struct {
	conn    *Connection
	pc      *pendingCall
	method  string
	started time.Time
}

// Wait blocks until the matching response arrives, the context expires,
// or the call is abandoned because of a crash or transport failure.
func (ic *InflightCall) Wait(ctx context.Context) (easyjson.RawMessage, error) {
	select {
	case res := <-ic.pc.ch:
		return ic.unpack(res)
	case <-ctx.Done():
		if pc := ic.conn.take(ic.pc.id); pc == nil {
			// The response won the race against the context; it is
			// already in the result channel (or about to be).
			return ic.unpack(<-ic.pc.ch)
		}
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &TimeoutError{
				Op:    "call " + ic.method,
				After: time.Since(ic.started).Round(time.Millisecond),
			}
		}
		return nil, ctx.Err()
	}
}

func (ic *InflightCall) unpack(res callResult) (easyjson.RawMessage, error) {
	if res.err != nil {
		return nil, res.err
	}
	if res.msg.Error != nil {
		return nil, &ProtocolError{
			Method:  ic.method,
			Code:    res.msg.Error.Code,
			Message: res.msg.Error.Message,
		}
	}
	return res.msg.Result, nil
}

// EventListener receives unsolicited CDP events for one session,
// filtered by method name. Delivery is best-effort: if the listener's
// buffer is full the event is dropped.
type EventListener struct {
	sessionID target.SessionID
	methods   map[cdproto.MethodType]struct{}
	ch        chan *cdproto.Message
}

// Events returns the channel the listener's events are delivered on.
func (l *EventListener) Events() <-chan *cdproto.Message { return l.ch }

func (l *EventListener) matches(msg *cdproto.Message) bool {
	if msg.SessionID != l.sessionID {
		return false
	}
	if len(l.methods) == 0 {
		return true
	}
	_, ok := l.methods[msg.Method]
	return ok
}

// Connection owns the WebSocket connection to the browser process and
// correlates outgoing commands with inbound responses and events.
//
// Inbound messages carrying an id fulfill the matching pending call;
// messages carrying a method but no id are events and are dispatched to
// every registered listener whose session and method filter match.
// Exactly one goroutine reads from the socket and exactly one writes to
// it; callers communicate with both through channels.
type Connection struct {
	ctx    context.Context
	wsURL  string
	logger *log.Logger
	conn   *websocket.Conn

	sendCh       chan *cdproto.Message
	done         chan struct{}
	shutdownOnce sync.Once
	msgID        int64

	// Invoked once, after the pending table has been failed, when the
	// connection shuts down for any reason.
	onClose func(error)

	pendingMu sync.Mutex
	pending   map[int64]*pendingCall
	closed    bool

	listenersMu sync.Mutex
	listeners   map[*EventListener]struct{}
}

// NewConnection dials the browser's DevTools WebSocket URL and starts
// the read and write loops. onClose may be nil.
func NewConnection(ctx context.Context, wsURL string, logger *log.Logger, onClose func(error)) (*Connection, error) {
	wsd := websocket.Dialer{
		HandshakeTimeout: time.Second * 60,
		Proxy:            http.ProxyFromEnvironment,
		WriteBufferSize:  wsWriteBufferSize,
	}

	conn, _, err := wsd.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing browser WebSocket URL: %w", err)
	}

	c := Connection{
		ctx:       ctx,
		wsURL:     wsURL,
		logger:    logger,
		conn:      conn,
		sendCh:    make(chan *cdproto.Message, 32), // avoid blocking senders on the write loop
		done:      make(chan struct{}),
		onClose:   onClose,
		pending:   make(map[int64]*pendingCall),
		listeners: make(map[*EventListener]struct{}),
	}

	go c.recvLoop()
	go c.sendLoop()

	return &c, nil
}

// Call sends a command on the given session and blocks until its
// response arrives or ctx expires. An empty session id addresses the
// root browser session.
func (c *Connection) Call(ctx context.Context, sessionID target.SessionID, method string, params interface{}) (easyjson.RawMessage, error) {
	ic, err := c.post(sessionID, method, params, true)
	if err != nil {
		return nil, err
	}
	return ic.Wait(ctx)
}

// Notify sends a fire-and-forget command: no pending call is
// registered and any eventual response is silently discarded.
func (c *Connection) Notify(sessionID target.SessionID, method string, params interface{}) error {
	_, err := c.post(sessionID, method, params, false)
	return err
}

// Post sends a command and returns a handle to wait on its response
// later. It is the issue-now, consume-later half of Call.
func (c *Connection) Post(sessionID target.SessionID, method string, params interface{}) (*InflightCall, error) {
	return c.post(sessionID, method, params, true)
}

func (c *Connection) post(sessionID target.SessionID, method string, params interface{}, wantReply bool) (*InflightCall, error) {
	var buf easyjson.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshaling %s params: %w", method, err)
		}
		buf = easyjson.RawMessage(b)
	}

	id := atomic.AddInt64(&c.msgID, 1)
	msg := &cdproto.Message{
		ID:        id,
		SessionID: sessionID,
		Method:    cdproto.MethodType(method),
		Params:    buf,
	}

	var ic *InflightCall
	if wantReply {
		pc := &pendingCall{id: id, sessionID: sessionID, ch: make(chan callResult, 1)}
		c.pendingMu.Lock()
		if c.closed {
			c.pendingMu.Unlock()
			return nil, ErrConnectionClosed
		}
		c.pending[id] = pc
		c.pendingMu.Unlock()
		ic = &InflightCall{conn: c, pc: pc, method: method, started: time.Now()}
	}

	select {
	case c.sendCh <- msg:
	case <-c.done:
		if ic != nil {
			c.take(id)
		}
		return nil, ErrConnectionClosed
	}
	return ic, nil
}

// Subscribe registers a listener for events on the given session. With
// no methods every event of the session matches.
func (c *Connection) Subscribe(sessionID target.SessionID, methods ...string) *EventListener {
	l := &EventListener{
		sessionID: sessionID,
		methods:   make(map[cdproto.MethodType]struct{}, len(methods)),
		ch:        make(chan *cdproto.Message, 16),
	}
	for _, m := range methods {
		l.methods[cdproto.MethodType(m)] = struct{}{}
	}
	c.listenersMu.Lock()
	c.listeners[l] = struct{}{}
	c.listenersMu.Unlock()
	return l
}

// Unsubscribe removes a listener. Events already buffered on the
// listener remain readable.
func (c *Connection) Unsubscribe(l *EventListener) {
	c.listenersMu.Lock()
	delete(c.listeners, l)
	c.listenersMu.Unlock()
}

// take removes and returns the pending call with the given id, or nil
// if it was already fulfilled, timed out or abandoned.
func (c *Connection) take(id int64) *pendingCall {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	pc, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return pc
}

// abandonSession schedules every call in flight on the given session to
// fail with a CrashError once the grace period has elapsed. Calls whose
// response arrives during the grace period still succeed.
func (c *Connection) abandonSession(sessionID target.SessionID, targetID target.ID, grace time.Duration) {
	time.AfterFunc(grace, func() {
		var abandoned []*pendingCall
		c.pendingMu.Lock()
		for id, pc := range c.pending {
			if pc.sessionID == sessionID {
				delete(c.pending, id)
				abandoned = append(abandoned, pc)
			}
		}
		c.pendingMu.Unlock()

		for _, pc := range abandoned {
			pc.ch <- callResult{err: &CrashError{TargetID: targetID}}
		}
		if len(abandoned) > 0 {
			c.logger.Warnf("cdp", "crash confirmed for target %s, abandoned %d in-flight call(s)", targetID, len(abandoned))
		}
	})
}

func (c *Connection) recvLoop() {
	for {
		_, buf, err := c.conn.ReadMessage()
		if err != nil {
			c.handleIOError(err)
			return
		}

		c.logger.Tracef("cdp:recv", "<- %s", buf)

		var msg cdproto.Message
		decoder := jlexer.Lexer{Data: buf}
		msg.UnmarshalEasyJSON(&decoder)
		if err := decoder.Error(); err != nil {
			c.logger.Errorf("cdp", "malformed incoming message: %v", err)
			continue
		}

		switch {
		case msg.ID != 0:
			pc := c.take(msg.ID)
			if pc == nil {
				// Late response for a call that already timed out or
				// was abandoned.
				c.logger.Debugf("cdp", "discarding response for unknown call id %d", msg.ID)
				continue
			}
			pc.ch <- callResult{msg: &msg}

		case msg.Method != "":
			c.dispatchEvent(&msg)

		default:
			c.logger.Errorf("cdp", "ignoring malformed incoming message (missing id and method): %s", buf)
		}
	}
}

func (c *Connection) dispatchEvent(msg *cdproto.Message) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	for l := range c.listeners {
		if !l.matches(msg) {
			continue
		}
		select {
		case l.ch <- msg:
		default:
			c.logger.Warnf("cdp", "dropping event %s for session %s: listener buffer full", msg.Method, msg.SessionID)
		}
	}
}

func (c *Connection) sendLoop() {
	for {
		select {
		case msg := <-c.sendCh:
			encoder := jwriter.Writer{}
			msg.MarshalEasyJSON(&encoder)
			if err := encoder.Error; err != nil {
				if pc := c.take(msg.ID); pc != nil {
					pc.ch <- callResult{err: err}
				}
				continue
			}
			buf, _ := encoder.BuildBytes()
			c.logger.Tracef("cdp:send", "-> %s", buf)
			if err := c.conn.WriteMessage(websocket.TextMessage, buf); err != nil {
				c.handleIOError(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Connection) handleIOError(err error) {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.shutdown(ErrConnectionClosed)
		return
	}
	c.shutdown(&TransportError{Err: err})
}

// shutdown tears the connection down once: it fails every pending call
// with cause, stops both loops and notifies the owner.
func (c *Connection) shutdown(cause error) {
	c.shutdownOnce.Do(func() {
		c.pendingMu.Lock()
		c.closed = true
		abandoned := make([]*pendingCall, 0, len(c.pending))
		for id, pc := range c.pending {
			delete(c.pending, id)
			abandoned = append(abandoned, pc)
		}
		c.pendingMu.Unlock()

		for _, pc := range abandoned {
			pc.ch <- callResult{err: cause}
		}

		close(c.done)
		_ = c.conn.Close()

		if c.onClose != nil {
			c.onClose(cause)
		}
	})
}

// Close cleanly closes the WebSocket connection. Pending calls fail
// with ErrConnectionClosed.
func (c *Connection) Close() {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
		time.Now().Add(10*time.Second),
	)
	c.shutdown(ErrConnectionClosed)
}
