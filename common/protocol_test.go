package common

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xaviRodri/chromic-pdf/log"
	"github.com/xaviRodri/chromic-pdf/tests/ws"
)

var pdfData = base64.StdEncoding.EncodeToString([]byte("%PDF-1.7 fake"))

// renderHandler plays the browser side of a navigate-and-print
// exchange. Page.navigate is answered with frame "F1" followed by two
// frameStoppedLoading events, a foreign frame first so predicates are
// exercised.
func renderHandler(conn *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, done chan struct{}) {
	reply := func(result string) cdproto.Message {
		return cdproto.Message{ID: msg.ID, SessionID: msg.SessionID, Result: easyjson.RawMessage([]byte(result))}
	}
	event := func(method cdproto.MethodType, params string) cdproto.Message {
		return cdproto.Message{Method: method, SessionID: msg.SessionID, Params: easyjson.RawMessage([]byte(params))}
	}
	switch msg.Method {
	case cdproto.MethodType(cdproto.CommandPageNavigate):
		writeCh <- reply(`{"frameId":"F1","loaderId":"L1"}`)
		writeCh <- event(cdproto.EventPageFrameStoppedLoading, `{"frameId":"OTHER"}`)
		writeCh <- event(cdproto.EventPageFrameStoppedLoading, `{"frameId":"F1"}`)
	case cdproto.MethodType(cdproto.CommandPagePrintToPDF):
		writeCh <- reply(`{"data":"` + pdfData + `"}`)
	default:
		writeCh <- reply("{}")
	}
}

func protocolSession(t *testing.T, fn func(*websocket.Conn, *cdproto.Message, chan cdproto.Message, chan struct{})) *Session {
	t.Helper()
	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", fn, nil))
	conn, err := NewConnection(context.Background(), wsURL(t, server, "/cdp"), log.NewNullLogger(), nil)
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return NewSession(conn, "", "", log.NewNullLogger())
}

func TestStepListFlatten(t *testing.T) {
	inner := StepList{
		Call{Method: "Page.navigate"},
		AwaitResponse{},
	}
	nested := StepList{
		Call{Method: "Target.setDiscoverTargets", NoReply: true},
		Include{Steps: StepList{
			Include{Steps: inner},
			AwaitEvent{Method: "Page.frameStoppedLoading"},
		}},
		Output{Key: "frameId"},
	}
	inlined := StepList{
		Call{Method: "Target.setDiscoverTargets", NoReply: true},
		Call{Method: "Page.navigate"},
		AwaitResponse{},
		AwaitEvent{Method: "Page.frameStoppedLoading"},
		Output{Key: "frameId"},
	}

	flat := nested.Flatten()
	require.Len(t, flat, len(inlined))
	for i := range flat {
		assert.IsType(t, inlined[i], flat[i], "step %d", i)
	}
}

func TestProtocolRunNavigate(t *testing.T) {
	s := protocolSession(t, renderHandler)

	p := NewProtocol("navigate", StepList{
		Call{Method: "Target.setDiscoverTargets", NoReply: true},
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

	out, err := p.Run(context.Background(), s, State{"url": "https://example.com"})
	require.NoError(t, err)
	assert.Equal(t, "F1", out)
}

func TestProtocolRunAwaitEvent(t *testing.T) {
	s := protocolSession(t, renderHandler)

	p := NewProtocol("navigate", StepList{
		Call{
			Method: "Page.navigate",
			Params: func(s State) interface{} {
				url, _ := s.Get("url")
				return map[string]interface{}{"url": url}
			},
		},
		AwaitResponse{Extract: map[string]string{"frameId": "frameId"}},
		// The foreign-frame event the stub emits first must be skipped.
		AwaitEvent{
			Method: cdproto.EventPageFrameStoppedLoading,
			Match: func(state, event State) bool {
				want, _ := state.Get("frameId")
				got, _ := event.Get("frameId")
				return want == got
			},
			Extract: map[string]string{"stoppedFrame": "frameId"},
		},
		Output{Key: "stoppedFrame"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := p.Run(ctx, s, State{"url": "https://example.com"})
	require.NoError(t, err)
	assert.Equal(t, "F1", out)
}

func TestProtocolRunPrintPipeline(t *testing.T) {
	s := protocolSession(t, renderHandler)

	navigate := StepList{
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
	}
	p := NewProtocol("printToPDF", StepList{
		Include{Steps: navigate},
		Call{Method: "Page.printToPDF"},
		AwaitResponse{Extract: map[string]string{"data": "data"}},
		Output{Key: "data"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Step lists are immutable templates; repeated runs against the
	// same exchange must produce identical results.
	for i := 0; i < 2; i++ {
		out, err := p.Run(ctx, s, State{"url": "https://example.com"})
		require.NoError(t, err)
		assert.Equal(t, pdfData, out)
	}
}

func TestProtocolRunTimeout(t *testing.T) {
	s := protocolSession(t, func(conn *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, done chan struct{}) {
		// Never answer.
	})

	p := NewProtocol("navigate", StepList{
		Call{Method: "Page.navigate"},
		AwaitResponse{},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err := p.Run(ctx, s, nil)

	var terr *TimeoutError
	require.ErrorAs(t, err, &terr)
	assert.Contains(t, err.Error(), "protocol navigate")
}

func TestProtocolRunAwaitWithoutCall(t *testing.T) {
	s := protocolSession(t, renderHandler)

	p := NewProtocol("broken", StepList{AwaitResponse{}})
	_, err := p.Run(context.Background(), s, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no call in flight")
}

func TestProtocolRunMissingOutput(t *testing.T) {
	s := protocolSession(t, renderHandler)

	p := NewProtocol("noop", StepList{Output{Key: "never.set"}})
	out, err := p.Run(context.Background(), s, nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestStateGet(t *testing.T) {
	state := State{
		"url": "https://example.com",
		"result": map[string]interface{}{
			"frame": map[string]interface{}{"id": "F1"},
		},
		"nested": State{"key": "value"},
	}

	tests := []struct {
		path  string
		want  interface{}
		found bool
	}{
		{"url", "https://example.com", true},
		{"result.frame.id", "F1", true},
		{"nested.key", "value", true},
		{"missing", nil, false},
		{"result.frame.missing", nil, false},
		{"url.not.a.map", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := state.Get(tt.path)
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
