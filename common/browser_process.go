package common

import (
	"context"
	"os"
)

// BrowserProcess is the handle to a running browser subprocess: its OS
// process, the DevTools WebSocket URL scraped from its output, and the
// user-data directory it writes to.
type BrowserProcess struct {
	ctx    context.Context
	cancel context.CancelFunc

	process *os.Process

	// Channels for managing termination.
	lostConnection             chan struct{}
	processIsGracefullyClosing chan struct{}

	wsURL       string
	userDataDir string
}

// NewBrowserProcess wraps a started browser subprocess. cancel must
// terminate the process when called.
func NewBrowserProcess(ctx context.Context, cancel context.CancelFunc, process *os.Process, wsURL, userDataDir string) *BrowserProcess {
	p := BrowserProcess{
		ctx:                        ctx,
		cancel:                     cancel,
		process:                    process,
		lostConnection:             make(chan struct{}),
		processIsGracefullyClosing: make(chan struct{}),
		wsURL:                      wsURL,
		userDataDir:                userDataDir,
	}

	go func() {
		// If we lose connection to the browser and we're not in
		// progress with a clean browser-initiated termination then
		// cancel the context to clean up.
		select {
		case <-p.lostConnection:
		case <-ctx.Done():
		}

		select {
		case <-p.processIsGracefullyClosing:
		default:
			p.cancel()
		}
	}()

	return &p
}

func (p *BrowserProcess) didLoseConnection() {
	select {
	case <-p.lostConnection:
	default:
		close(p.lostConnection)
	}
}

// GracefulClose triggers a graceful closing of the browser process.
func (p *BrowserProcess) GracefulClose() {
	select {
	case <-p.processIsGracefullyClosing:
	default:
		close(p.processIsGracefullyClosing)
	}
}

// Terminate triggers the termination of the browser process.
func (p *BrowserProcess) Terminate() {
	p.cancel()
}

// WsURL returns the WebSocket URL the browser listens on for CDP
// clients.
func (p *BrowserProcess) WsURL() string { return p.wsURL }

// Pid returns the browser process ID.
func (p *BrowserProcess) Pid() int { return p.process.Pid }

// UserDataDir returns the directory the browser stores user data in.
func (p *BrowserProcess) UserDataDir() string { return p.userDataDir }
