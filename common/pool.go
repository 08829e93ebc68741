package common

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto"

	"github.com/xaviRodri/chromic-pdf/log"
)

const (
	DefaultPoolSize        = 1
	DefaultCheckoutTimeout = 5 * time.Second
	DefaultGracePeriod     = 500 * time.Millisecond
)

// PoolOptions configures a SessionPool.
type PoolOptions struct {
	// Size is the maximum number of concurrently live sessions.
	Size int
	// CheckoutTimeout bounds how long Checkout blocks for a free
	// session.
	CheckoutTimeout time.Duration
	// GracePeriod is how long in-flight calls on a crashed session may
	// still receive a legitimate late response before they are failed
	// with a CrashError.
	GracePeriod time.Duration
}

func (o PoolOptions) withDefaults() PoolOptions {
	if o.Size <= 0 {
		o.Size = DefaultPoolSize
	}
	if o.CheckoutTimeout <= 0 {
		o.CheckoutTimeout = DefaultCheckoutTimeout
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = DefaultGracePeriod
	}
	return o
}

// SpawnFunc creates a fresh session. The pool calls it lazily: on first
// demand and to replace discarded crashed sessions.
type SpawnFunc func(context.Context) (*Session, error)

// waiter is one blocked checkout. Receiving a session means it was
// handed over directly; receiving nil means a capacity slot was
// reserved and the waiter spawns its own session. A closed channel
// means the pool shut down.
type waiter struct {
	ch chan *Session
}

// SessionPool bounds concurrency against the browser process and
// isolates failures per execution context. Waiters are served in
// arrival order.
type SessionPool struct {
	opts   PoolOptions
	spawn  SpawnFunc
	logger *log.Logger

	mu       sync.Mutex
	closed   bool
	closeErr error
	idle     []*Session
	waiters  []*waiter
	total    int
	watches  map[*Session]func()
}

// NewSessionPool creates a pool. No session exists until the first
// checkout.
func NewSessionPool(opts PoolOptions, spawn SpawnFunc, logger *log.Logger) *SessionPool {
	return &SessionPool{
		opts:    opts.withDefaults(),
		spawn:   spawn,
		logger:  logger,
		watches: make(map[*Session]func()),
	}
}

// Checkout returns a busy session, blocking until one is idle or the
// pool has spare capacity to create one. It fails with a TimeoutError
// when no session becomes available within the checkout timeout.
func (p *SessionPool) Checkout(ctx context.Context) (*Session, error) {
	p.mu.Lock()
	if p.closed {
		err := p.closeErr
		p.mu.Unlock()
		return nil, err
	}
	if len(p.idle) > 0 {
		s := p.idle[0]
		p.idle = p.idle[1:]
		p.mu.Unlock()
		return p.lease(s), nil
	}
	if p.total < p.opts.Size {
		p.total++
		p.mu.Unlock()
		return p.spawnLease(ctx)
	}
	w := &waiter{ch: make(chan *Session, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	timer := time.NewTimer(p.opts.CheckoutTimeout)
	defer timer.Stop()

	select {
	case s, ok := <-w.ch:
		if !ok {
			p.mu.Lock()
			err := p.closeErr
			p.mu.Unlock()
			return nil, err
		}
		if s == nil {
			return p.spawnLease(ctx)
		}
		return p.lease(s), nil
	case <-timer.C:
		p.cancelWaiter(w)
		return nil, &TimeoutError{Op: "session checkout", After: p.opts.CheckoutTimeout}
	case <-ctx.Done():
		p.cancelWaiter(w)
		return nil, ctx.Err()
	}
}

// Checkin returns a session to the pool. Crashed sessions are discarded
// and their capacity is restored lazily for the next checkout.
func (p *SessionPool) Checkin(s *Session) {
	if s == nil {
		return
	}
	p.stopWatch(s)

	if s.Crashed() {
		p.logger.Warnf("pool", "discarding crashed session for target %s", s.TargetID())
		// Best effort: the target may already be gone.
		_ = s.conn.Notify("", cdproto.CommandTargetCloseTarget,
			map[string]interface{}{"targetId": s.TargetID()})
		p.releaseSlot()
		return
	}

	s.setStatus(SessionIdle)
	p.mu.Lock()
	if p.closed {
		p.total--
		p.mu.Unlock()
		return
	}
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		w.ch <- s
		return
	}
	p.idle = append(p.idle, s)
	p.mu.Unlock()
}

// Close shuts the pool down. Blocked and future checkouts fail with
// cause, or ErrPoolClosed if cause is nil. Used for pool-wide
// invalidation when the browser connection is lost.
func (p *SessionPool) Close(cause error) {
	if cause == nil {
		cause = ErrPoolClosed
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.closeErr = cause
	waiters := p.waiters
	p.waiters = nil
	p.idle = nil
	p.mu.Unlock()

	for _, w := range waiters {
		close(w.ch)
	}
}

// lease marks a session busy and starts watching it for target crashes.
func (p *SessionPool) lease(s *Session) *Session {
	s.setStatus(SessionBusy)
	p.startWatch(s)
	return s
}

func (p *SessionPool) spawnLease(ctx context.Context) (*Session, error) {
	s, err := p.spawn(ctx)
	if err != nil {
		p.releaseSlot()
		return nil, fmt.Errorf("creating session: %w", err)
	}
	p.logger.Debugf("pool", "created session %s for target %s", s.ID(), s.TargetID())
	return p.lease(s), nil
}

// releaseSlot frees one unit of capacity. If a waiter is queued the
// slot stays reserved and the waiter is told to spawn its own session.
func (p *SessionPool) releaseSlot() {
	p.mu.Lock()
	if p.closed {
		p.total--
		p.mu.Unlock()
		return
	}
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		w.ch <- nil
		return
	}
	p.total--
	p.mu.Unlock()
}

// cancelWaiter removes w from the queue. If w is no longer queued it
// was already popped for a handoff that lost the race against the
// timeout; the delivery is recovered and returned to the pool.
func (p *SessionPool) cancelWaiter(w *waiter) {
	p.mu.Lock()
	for i, q := range p.waiters {
		if q == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()

	// Every queue removal is paired with a send or with closing the
	// channel, so this receive cannot block forever. The send may still
	// be in flight between the pop and the channel write.
	s, ok := <-w.ch
	if !ok {
		return
	}
	if s == nil {
		p.releaseSlot()
		return
	}
	p.mu.Lock()
	if !p.closed {
		p.idle = append(p.idle, s)
	} else {
		p.total--
	}
	p.mu.Unlock()
}

// startWatch subscribes the session to its target's crash event for the
// duration of the checkout. On a crash the session is marked crashed
// immediately and its in-flight calls are abandoned after the grace
// period.
func (p *SessionPool) startWatch(s *Session) {
	l := s.Subscribe(cdproto.EventInspectorTargetCrashed)
	done := make(chan struct{})
	go func() {
		select {
		case <-done:
		case <-l.Events():
			p.logger.Warnf("pool", "crash detected for target %s, awaiting possible late response for %s",
				s.TargetID(), p.opts.GracePeriod)
			s.markCrashed()
			s.conn.abandonSession(s.id, s.targetID, p.opts.GracePeriod)
		}
	}()
	p.mu.Lock()
	p.watches[s] = func() {
		close(done)
		s.Unsubscribe(l)
	}
	p.mu.Unlock()
}

func (p *SessionPool) stopWatch(s *Session) {
	p.mu.Lock()
	stop := p.watches[s]
	delete(p.watches, s)
	p.mu.Unlock()
	if stop != nil {
		stop()
	}
}
