package llm

import (
	"context"
	"sync"
)

// StreamEventType discriminates StreamEvent's payload. Values mirror the
// phases of a streamed generation: a text/reasoning/tool-call span opening,
// receiving deltas, and closing, plus stream-level start/finish/error
// markers.
type StreamEventType string

const (
	StreamEventStreamStart    StreamEventType = "stream_start"
	StreamEventTextStart      StreamEventType = "text_start"
	StreamEventTextDelta      StreamEventType = "text_delta"
	StreamEventTextEnd        StreamEventType = "text_end"
	StreamEventToolCallStart  StreamEventType = "tool_call_start"
	StreamEventToolCallDelta  StreamEventType = "tool_call_delta"
	StreamEventToolCallEnd    StreamEventType = "tool_call_end"
	StreamEventReasoningStart StreamEventType = "reasoning_start"
	StreamEventReasoningDelta StreamEventType = "reasoning_delta"
	StreamEventReasoningEnd   StreamEventType = "reasoning_end"
	StreamEventFinish         StreamEventType = "finish"
	StreamEventStepFinish     StreamEventType = "step_finish"
	StreamEventError          StreamEventType = "error"
	StreamEventProviderEvent  StreamEventType = "provider_event"
)

// StreamEvent is one unit of a streamed generation. Only the fields
// relevant to Type are populated.
type StreamEvent struct {
	Type StreamEventType

	TextID         string
	Delta          string
	ReasoningDelta string

	ToolCall *ToolCallData

	FinishReason *FinishReason
	Usage        *Usage
	Response     *Response

	Err error
	Raw any
}

// Stream is a live, cancelable sequence of StreamEvents from a single
// Complete-equivalent call.
type Stream interface {
	Events() <-chan StreamEvent
	Close() error
}

// ChanStream is the channel-backed Stream implementation provider adapters
// build: a producer goroutine calls Send for each event and CloseSend when
// done, while the consumer ranges over Events() and calls Close to cancel
// early.
type ChanStream struct {
	ch         chan StreamEvent
	cancel     context.CancelFunc
	closeOnce  sync.Once
	sendClosed sync.Once
}

// NewChanStream creates a ChanStream whose Close cancels cancel (typically
// the CancelFunc of the context the producer reads from).
func NewChanStream(cancel context.CancelFunc) *ChanStream {
	return &ChanStream{
		ch:     make(chan StreamEvent, 16),
		cancel: cancel,
	}
}

// Send delivers ev to the stream's consumer. Safe to call from the
// producer goroutine only.
func (s *ChanStream) Send(ev StreamEvent) {
	s.ch <- ev
}

// CloseSend closes the event channel, signaling no more events will be
// sent. Idempotent.
func (s *ChanStream) CloseSend() {
	s.sendClosed.Do(func() { close(s.ch) })
}

func (s *ChanStream) Events() <-chan StreamEvent { return s.ch }

// Close cancels the stream's producer context. It does not wait for the
// producer goroutine to finish draining.
func (s *ChanStream) Close() error {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
	return nil
}

// StreamAccumulator folds a sequence of StreamEvents into a single
// Response, the way a provider adapter's completeViaStream reconstructs a
// non-streaming result from a streaming call.
type StreamAccumulator struct {
	resp   Response
	texts  map[string]*stringsBuilder
	tools  map[string]*ToolCallData
	toolOrder []string
	err    error
}

type stringsBuilder struct {
	s string
}

func (b *stringsBuilder) WriteString(s string) { b.s += s }
func (b *stringsBuilder) String() string       { return b.s }

// NewStreamAccumulator creates an empty accumulator.
func NewStreamAccumulator() *StreamAccumulator {
	return &StreamAccumulator{
		texts: map[string]*stringsBuilder{},
		tools: map[string]*ToolCallData{},
	}
}

// Process folds one event into the accumulator's running Response.
func (a *StreamAccumulator) Process(ev StreamEvent) {
	switch ev.Type {
	case StreamEventTextStart:
		if _, ok := a.texts[ev.TextID]; !ok {
			a.texts[ev.TextID] = &stringsBuilder{}
		}
	case StreamEventTextDelta:
		b, ok := a.texts[ev.TextID]
		if !ok {
			b = &stringsBuilder{}
			a.texts[ev.TextID] = b
		}
		b.WriteString(ev.Delta)
	case StreamEventToolCallStart:
		if ev.ToolCall != nil {
			tc := *ev.ToolCall
			a.tools[tc.ID] = &tc
			a.toolOrder = append(a.toolOrder, tc.ID)
		}
	case StreamEventToolCallDelta:
		if ev.ToolCall != nil {
			if existing, ok := a.tools[ev.ToolCall.ID]; ok {
				existing.Arguments = append(existing.Arguments, ev.ToolCall.Arguments...)
				if existing.Name == "" {
					existing.Name = ev.ToolCall.Name
				}
			} else {
				tc := *ev.ToolCall
				a.tools[tc.ID] = &tc
				a.toolOrder = append(a.toolOrder, tc.ID)
			}
		}
	case StreamEventToolCallEnd:
		if ev.ToolCall != nil {
			tc := *ev.ToolCall
			if _, ok := a.tools[tc.ID]; !ok {
				a.toolOrder = append(a.toolOrder, tc.ID)
			}
			a.tools[tc.ID] = &tc
		}
	case StreamEventError:
		a.err = ev.Err
	case StreamEventFinish:
		if ev.Response != nil {
			a.resp = *ev.Response
		}
		if ev.FinishReason != nil {
			a.resp.Finish = *ev.FinishReason
		}
		if ev.Usage != nil {
			a.resp.Usage = *ev.Usage
		}
	}
}

// Response returns the accumulated Response. When no terminal
// StreamEventFinish carried a full Response, it is reconstructed from the
// accumulated text and tool-call parts.
func (a *StreamAccumulator) Response() *Response {
	if len(a.resp.Message.Content) > 0 || a.resp.Finish.Reason != "" {
		r := a.resp
		return &r
	}

	var parts []ContentPart
	for id, b := range a.texts {
		if b.String() == "" {
			continue
		}
		_ = id
		parts = append(parts, ContentPart{Kind: ContentText, Text: b.String()})
	}
	for _, id := range a.toolOrder {
		if tc, ok := a.tools[id]; ok {
			parts = append(parts, ContentPart{Kind: ContentToolCall, ToolCall: tc})
		}
	}
	r := a.resp
	r.Message = Message{Role: RoleAssistant, Content: parts}
	return &r
}

// Err returns the error carried by the most recent StreamEventError, if
// any.
func (a *StreamAccumulator) Err() error { return a.err }
