package common

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"

	"github.com/xaviRodri/chromic-pdf/log"
)

// BlankPage is where sessions park between invocations.
const BlankPage = "about:blank"

const (
	BrowserStateOpen int64 = iota
	BrowserStateClosing
	BrowserStateClosed
)

// Browser supervises one browser subprocess: it owns the CDP connection
// and the session pool, and runs protocols against pooled sessions.
type Browser struct {
	ctx      context.Context
	cancelFn context.CancelFunc

	state int64

	browserProc *BrowserProcess
	opts        *BrowserOptions

	conn *Connection
	pool *SessionPool

	logger *log.Logger
}

// NewBrowser connects to the given browser process and prepares the
// session pool. cancelFn must tear the process context down.
func NewBrowser(ctx context.Context, cancelFn context.CancelFunc, browserProc *BrowserProcess, opts *BrowserOptions, logger *log.Logger) (*Browser, error) {
	b := Browser{
		ctx:         ctx,
		cancelFn:    cancelFn,
		state:       BrowserStateOpen,
		browserProc: browserProc,
		opts:        opts,
		logger:      logger,
	}
	if err := b.connect(); err != nil {
		return nil, err
	}
	return &b, nil
}

func (b *Browser) connect() error {
	b.logger.Infof("Browser:connect", "wsurl=%v", b.browserProc.WsURL())
	conn, err := NewConnection(b.ctx, b.browserProc.WsURL(), b.logger, b.onConnectionClose)
	if err != nil {
		return fmt.Errorf("connecting to browser WS URL: %w", err)
	}
	b.conn = conn
	b.pool = NewSessionPool(b.opts.poolOptions(), b.newSession, b.logger)
	return nil
}

// onConnectionClose handles the loss of the browser connection, for any
// reason. Every session is invalid once this fires, so the whole pool
// is invalidated.
func (b *Browser) onConnectionClose(cause error) {
	if atomic.LoadInt64(&b.state) == BrowserStateOpen {
		b.logger.Warnf("browser", "connection to browser lost: %v", cause)
	}
	b.pool.Close(cause)
	b.browserProc.didLoseConnection()
	b.cancelFn()
}

// newSession creates a fresh page target, attaches to it and enables
// the Page domain. Used by the pool as its spawn function.
func (b *Browser) newSession(ctx context.Context) (*Session, error) {
	res, err := b.conn.Call(ctx, "", cdproto.CommandTargetCreateTarget,
		map[string]interface{}{"url": BlankPage})
	if err != nil {
		return nil, fmt.Errorf("creating target: %w", err)
	}
	var created struct {
		TargetID target.ID `json:"targetId"`
	}
	if err := json.Unmarshal(res, &created); err != nil {
		return nil, fmt.Errorf("decoding createTarget result: %w", err)
	}

	res, err = b.conn.Call(ctx, "", cdproto.CommandTargetAttachToTarget,
		map[string]interface{}{"targetId": created.TargetID, "flatten": true})
	if err != nil {
		return nil, fmt.Errorf("attaching to target %s: %w", created.TargetID, err)
	}
	var attached struct {
		SessionID target.SessionID `json:"sessionId"`
	}
	if err := json.Unmarshal(res, &attached); err != nil {
		return nil, fmt.Errorf("decoding attachToTarget result: %w", err)
	}

	s := NewSession(b.conn, attached.SessionID, created.TargetID, b.logger)
	if _, err := s.Call(ctx, cdproto.CommandPageEnable, nil); err != nil {
		return nil, fmt.Errorf("enabling Page domain: %w", err)
	}
	return s, nil
}

// Run checks a session out of the pool, executes the protocol against
// it and checks the session back in. Separate invocations run in
// parallel up to the pool size; each invocation is strictly sequential.
func (b *Browser) Run(ctx context.Context, p *Protocol, initial State) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()

	s, err := b.pool.Checkout(ctx)
	if err != nil {
		return nil, err
	}
	defer b.pool.Checkin(s)

	b.logger.Debugf("browser", "running %s on target %s", p.Name(), s.TargetID())
	return p.Run(ctx, s, initial)
}

// IsConnected reports whether the CDP connection is still up.
func (b *Browser) IsConnected() bool {
	select {
	case <-b.conn.done:
		return false
	default:
		return true
	}
}

// Close shuts down the browser: it asks the process to quit via CDP,
// then terminates it and closes the connection.
func (b *Browser) Close() {
	if !atomic.CompareAndSwapInt64(&b.state, BrowserStateOpen, BrowserStateClosing) {
		return
	}
	b.logger.Infof("Browser:Close", "pid=%d", b.browserProc.Pid())

	b.pool.Close(ErrPoolClosed)
	b.browserProc.GracefulClose()
	_ = b.conn.Notify("", "Browser.close", nil)
	b.conn.Close()
	b.browserProc.Terminate()

	atomic.StoreInt64(&b.state, BrowserStateClosed)
}
