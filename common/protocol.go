package common

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mailru/easyjson"
)

// State is the mutable mapping accumulated across the steps of one
// protocol invocation: initial params, resolved call params and fields
// extracted from responses and events. It is scoped to a single
// invocation and never shared.
type State map[string]interface{}

// Get resolves a dot-separated key path ("result.frameId") against the
// state, descending into nested objects decoded from JSON payloads.
func (s State) Get(path string) (interface{}, bool) {
	var cur interface{} = map[string]interface{}(s)
	for _, part := range strings.Split(path, ".") {
		var m map[string]interface{}
		switch t := cur.(type) {
		case map[string]interface{}:
			m = t
		case State:
			m = t
		default:
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// Step is one node of a protocol template. The concrete variants are
// Call, AwaitResponse, AwaitEvent, Include and Output.
type Step interface {
	step()
}

// Call issues a CDP command. Params, if non-nil, builds the command
// parameters from the current state. With NoReply set the command is
// fire-and-forget; otherwise its response stays in flight until the
// next AwaitResponse step consumes it.
type Call struct {
	Method  string
	Params  func(State) interface{}
	NoReply bool
}

// AwaitResponse consumes the response of the immediately preceding Call
// and merges the extracted fields into the state. Keys of Extract are
// state keys, values are dot-separated paths into the response payload.
type AwaitResponse struct {
	Extract map[string]string
}

// AwaitEvent blocks until an event with the given method arrives whose
// decoded payload satisfies Match (if set), then merges the extracted
// fields into the state.
type AwaitEvent struct {
	Method  string
	Match   func(state State, event State) bool
	Extract map[string]string
}

// Include inlines another step list at this position.
type Include struct {
	Steps StepList
}

// Output designates a state key path as the invocation's return value.
type Output struct {
	Key string
}

func (Call) step()          {}
func (AwaitResponse) step() {}
func (AwaitEvent) step()    {}
func (Include) step()       {}
func (Output) step()        {}

// StepList is an ordered, immutable sequence of steps, reused across
// many invocations.
type StepList []Step

// Flatten resolves Include nodes recursively into a flat sequence.
func (l StepList) Flatten() StepList {
	out := make(StepList, 0, len(l))
	for _, st := range l {
		if inc, ok := st.(Include); ok {
			out = append(out, inc.Steps.Flatten()...)
			continue
		}
		out = append(out, st)
	}
	return out
}

func (l StepList) eventMethods() []string {
	seen := make(map[string]struct{})
	var methods []string
	for _, st := range l {
		if ev, ok := st.(AwaitEvent); ok {
			if _, dup := seen[ev.Method]; !dup {
				seen[ev.Method] = struct{}{}
				methods = append(methods, ev.Method)
			}
		}
	}
	return methods
}

// Protocol is an executable step list. Since step lists are immutable,
// includes are flattened once at construction.
type Protocol struct {
	name  string
	steps StepList
}

// NewProtocol creates a protocol from a step list. The name appears in
// error messages and logs.
func NewProtocol(name string, steps StepList) *Protocol {
	return &Protocol{name: name, steps: steps.Flatten()}
}

// Name returns the protocol's name.
func (p *Protocol) Name() string { return p.name }

// Run executes the protocol's steps strictly in order against the given
// session, threading the accumulated state through them, and returns
// the value designated by the Output step (or nil without one). The
// first failing step aborts the invocation; the engine never retries.
func (p *Protocol) Run(ctx context.Context, s *Session, initial State) (interface{}, error) {
	state := make(State, len(initial))
	for k, v := range initial {
		state[k] = v
	}

	// One listener for every event the protocol awaits, registered up
	// front so an event firing before its await step is not lost.
	var events *EventListener
	if methods := p.steps.eventMethods(); len(methods) > 0 {
		events = s.Subscribe(methods...)
		defer s.Unsubscribe(events)
	}

	var (
		inflight *InflightCall
		output   interface{}
	)
	for i, raw := range p.steps {
		var err error
		switch st := raw.(type) {
		case Call:
			var params interface{}
			if st.Params != nil {
				params = st.Params(state)
			}
			if st.NoReply {
				err = s.Notify(st.Method, params)
			} else {
				inflight, err = s.Post(st.Method, params)
			}
		case AwaitResponse:
			if inflight == nil {
				err = fmt.Errorf("no call in flight to await")
				break
			}
			var res easyjson.RawMessage
			res, err = inflight.Wait(ctx)
			inflight = nil
			if err == nil {
				err = extractInto(state, st.Extract, res)
			}
		case AwaitEvent:
			err = awaitEvent(ctx, events, st, state)
		case Output:
			if v, ok := state.Get(st.Key); ok {
				output = v
			}
		default:
			err = fmt.Errorf("unsupported step type %T", raw)
		}
		if err != nil {
			return nil, fmt.Errorf("protocol %s, step %d: %w", p.name, i+1, err)
		}
	}
	return output, nil
}

func awaitEvent(ctx context.Context, l *EventListener, st AwaitEvent, state State) error {
	started := time.Now()
	for {
		select {
		case msg := <-l.Events():
			if string(msg.Method) != st.Method {
				continue
			}
			ev := State{}
			if len(msg.Params) > 0 {
				if err := json.Unmarshal(msg.Params, &ev); err != nil {
					return fmt.Errorf("decoding %s event: %w", st.Method, err)
				}
			}
			if st.Match != nil && !st.Match(state, ev) {
				continue
			}
			for key, path := range st.Extract {
				if v, ok := ev.Get(path); ok {
					state[key] = v
				}
			}
			return nil
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return &TimeoutError{
					Op:    "await event " + st.Method,
					After: time.Since(started).Round(time.Millisecond),
				}
			}
			return ctx.Err()
		}
	}
}

func extractInto(state State, spec map[string]string, payload easyjson.RawMessage) error {
	if len(spec) == 0 {
		return nil
	}
	doc := State{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &doc); err != nil {
			return fmt.Errorf("decoding response payload: %w", err)
		}
	}
	for key, path := range spec {
		if v, ok := doc.Get(path); ok {
			state[key] = v
		}
	}
	return nil
}
