package common

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xaviRodri/chromic-pdf/log"
	"github.com/xaviRodri/chromic-pdf/tests/ws"
)

// browserHandler combines the session bootstrap with the
// navigate-and-print exchange of renderHandler.
func browserHandler(conn *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, done chan struct{}) {
	switch msg.Method {
	case cdproto.MethodType(cdproto.CommandTargetCreateTarget),
		cdproto.MethodType(cdproto.CommandTargetAttachToTarget):
		ws.CDPDefaultHandler(conn, msg, writeCh, done)
	default:
		renderHandler(conn, msg, writeCh, done)
	}
}

func newTestBrowser(t *testing.T, opts *BrowserOptions, fn func(*websocket.Conn, *cdproto.Message, chan cdproto.Message, chan struct{})) *Browser {
	t.Helper()

	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", fn, nil))

	self, err := os.FindProcess(os.Getpid())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	proc := NewBrowserProcess(ctx, cancel, self, wsURL(t, server, "/cdp"), "")
	proc.GracefulClose() // the subprocess here is the test itself; never signal it

	b, err := NewBrowser(ctx, cancel, proc, opts, log.NewNullLogger())
	require.NoError(t, err)
	return b
}

func TestBrowserRunProtocol(t *testing.T) {
	b := newTestBrowser(t, NewBrowserOptions(), browserHandler)
	defer b.Close()

	require.True(t, b.IsConnected())

	p := NewProtocol("printToPDF", StepList{
		Call{
			Method: "Page.navigate",
			Params: func(s State) interface{} {
				url, _ := s.Get("url")
				return map[string]interface{}{"url": url}
			},
		},
		AwaitResponse{Extract: map[string]string{"frameId": "frameId"}},
		AwaitEvent{
			Method: cdproto.EventPageFrameStoppedLoading,
			Match: func(state, event State) bool {
				want, _ := state.Get("frameId")
				got, _ := event.Get("frameId")
				return want == got
			},
		},
		Call{Method: "Page.printToPDF"},
		AwaitResponse{Extract: map[string]string{"data": "data"}},
		Output{Key: "data"},
	})

	out, err := b.Run(context.Background(), p, State{"url": "https://example.com"})
	require.NoError(t, err)
	assert.Equal(t, pdfData, out)
}

func TestBrowserRunSerializesOnPoolSize(t *testing.T) {
	opts := NewBrowserOptions()
	opts.PoolSize = 1
	b := newTestBrowser(t, opts, browserHandler)
	defer b.Close()

	p := NewProtocol("navigate", StepList{
		Call{
			Method: "Page.navigate",
			Params: func(s State) interface{} {
				url, _ := s.Get("url")
				return map[string]interface{}{"url": url}
			},
		},
		AwaitResponse{Extract: map[string]string{"frameId": "frameId"}},
		Output{Key: "frameId"},
	})

	// Both invocations share the single pooled session; they must both
	// complete, one after the other.
	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			out, err := b.Run(context.Background(), p, State{"url": "https://example.com"})
			if err == nil && out != "F1" {
				t.Errorf("unexpected output %v", out)
			}
			done <- err
		}()
	}
	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("invocation did not complete")
		}
	}
}

// Losing the browser connection mid-run invalidates the whole pool:
// the in-flight invocation fails and every later checkout carries the
// transport failure.
func TestBrowserConnectionLossInvalidatesPool(t *testing.T) {
	handler := func(conn *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, done chan struct{}) {
		switch msg.Method {
		case cdproto.MethodType(cdproto.CommandTargetCreateTarget),
			cdproto.MethodType(cdproto.CommandTargetAttachToTarget):
			ws.CDPDefaultHandler(conn, msg, writeCh, done)
		case "Conn.drop":
			// Kill the socket without a close handshake.
			_ = conn.Close()
		default:
			renderHandler(conn, msg, writeCh, done)
		}
	}
	b := newTestBrowser(t, NewBrowserOptions(), handler)

	p := NewProtocol("drop", StepList{
		Call{Method: "Conn.drop"},
		AwaitResponse{},
	})
	_, err := b.Run(context.Background(), p, nil)
	require.Error(t, err)
	var terr *TransportError
	assert.ErrorAs(t, err, &terr)

	require.Eventually(t, func() bool { return !b.IsConnected() }, 5*time.Second, 10*time.Millisecond)

	_, err = b.pool.Checkout(context.Background())
	require.ErrorAs(t, err, &terr)
}

func TestBrowserClose(t *testing.T) {
	b := newTestBrowser(t, NewBrowserOptions(), browserHandler)

	b.Close()
	assert.False(t, b.IsConnected())

	_, err := b.pool.Checkout(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)

	// Closing twice is a no-op.
	b.Close()
}
