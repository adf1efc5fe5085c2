package llm

import (
	"context"
	"encoding/json"
	"fmt"
)

// Tool pairs a ToolDefinition the model can see with the handler
// StreamGenerate invokes when the model calls it. Execute left nil makes
// the tool passive: StreamGenerate stops the loop on a tool_calls finish
// without emitting StreamEventStepFinish or feeding a result back, letting
// the caller handle the call itself.
type Tool struct {
	Definition ToolDefinition
	Execute    func(ctx context.Context, args any) (any, error)
}

// GenerateOptions configures StreamGenerate's streaming, tool-calling
// generation loop.
type GenerateOptions struct {
	Client   *Client
	Provider string
	Model    string

	System   *string
	Prompt   *string
	Messages []Message

	MaxTokens       *int
	Temperature     *float64
	ResponseFormat  *ResponseFormat
	ReasoningEffort *string
	ProviderOptions map[string]any

	Tools         []Tool
	MaxToolRounds *int

	RetryPolicy *RetryPolicy
	Sleep       SleepFunc
}

const defaultMaxToolRounds = 25

// GenerateStream is StreamGenerate's handle on an in-flight generation: a
// relayed event feed plus the eventually-settled final Response.
type GenerateStream struct {
	events chan StreamEvent

	done     chan struct{}
	finalRsp *Response
	finalErr error
}

// Events returns the channel of relayed StreamEvents, closed once the
// generation (including any tool-call rounds) finishes.
func (g *GenerateStream) Events() <-chan StreamEvent { return g.events }

// Response blocks until the generation settles, returning the final
// Response or the error that ended it.
func (g *GenerateStream) Response() (*Response, error) {
	<-g.done
	return g.finalRsp, g.finalErr
}

// Close drains any remaining events without blocking the caller further.
// Safe to call after Response or mid-stream.
func (g *GenerateStream) Close() error {
	go func() {
		for range g.events {
		}
	}()
	return nil
}

// StreamGenerate drives a streaming Complete call through Client.Stream,
// relaying every StreamEvent to the caller, and — when the model finishes
// with tool_calls naming at least one tool with an Execute handler —
// appends the assistant turn and the handlers' tool results to the
// conversation and starts another round, up to MaxToolRounds. A tool_calls
// finish where no named tool has a handler (a "passive" tool) ends the
// loop immediately without a StreamEventStepFinish, leaving the caller to
// act on the pending call.
func StreamGenerate(ctx context.Context, opts GenerateOptions) (*GenerateStream, error) {
	if opts.Client == nil {
		return nil, &ConfigurationError{Message: "StreamGenerate: Client is required"}
	}

	messages := append([]Message{}, opts.Messages...)
	if opts.System != nil {
		messages = append([]Message{System(*opts.System)}, messages...)
	}
	if opts.Prompt != nil {
		messages = append(messages, User(*opts.Prompt))
	}

	req := Request{
		Provider:        opts.Provider,
		Model:           opts.Model,
		Messages:        messages,
		MaxTokens:       opts.MaxTokens,
		Temperature:     opts.Temperature,
		ResponseFormat:  opts.ResponseFormat,
		ReasoningEffort: opts.ReasoningEffort,
		ProviderOptions: opts.ProviderOptions,
	}

	execByName := map[string]func(context.Context, any) (any, error){}
	for _, tl := range opts.Tools {
		req.Tools = append(req.Tools, tl.Definition)
		if tl.Execute != nil {
			execByName[tl.Definition.Name] = tl.Execute
		}
	}

	maxRounds := defaultMaxToolRounds
	if opts.MaxToolRounds != nil {
		maxRounds = *opts.MaxToolRounds
	}

	policy := DefaultRetryPolicy()
	if opts.RetryPolicy != nil {
		policy = *opts.RetryPolicy
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = defaultSleep
	}

	result := &GenerateStream{
		events: make(chan StreamEvent, 32),
		done:   make(chan struct{}),
	}

	go runGenerateLoop(ctx, opts.Client, req, execByName, maxRounds, policy, sleep, result)

	return result, nil
}

func runGenerateLoop(
	ctx context.Context,
	client *Client,
	req Request,
	execByName map[string]func(context.Context, any) (any, error),
	maxRounds int,
	policy RetryPolicy,
	sleep SleepFunc,
	result *GenerateStream,
) {
	defer close(result.events)

	provider := req.Provider

	var finalResp *Response
	var finalErr error

	for round := 0; ; round++ {
		stepResp, stepErr := runGenerateStep(ctx, client, req, provider, policy, sleep, result.events)
		if stepErr != nil {
			finalErr = stepErr
			break
		}
		if stepResp == nil {
			finalErr = fmt.Errorf("llm: stream ended without a finish event")
			break
		}

		toolCalls := stepResp.ToolCalls()
		if len(toolCalls) == 0 || round >= maxRounds {
			finalResp = stepResp
			break
		}

		anyExecutable := false
		for _, tc := range toolCalls {
			if _, ok := execByName[tc.Name]; ok {
				anyExecutable = true
				break
			}
		}
		if !anyExecutable {
			finalResp = stepResp
			break
		}

		result.events <- StreamEvent{Type: StreamEventStepFinish, Response: stepResp}

		req.Messages = append(req.Messages, stepResp.Message)
		for _, tc := range toolCalls {
			fn, ok := execByName[tc.Name]
			if !ok {
				continue
			}
			var args any
			if len(tc.Arguments) > 0 {
				_ = json.Unmarshal(tc.Arguments, &args)
			}
			out, err := fn(ctx, args)
			res := &ToolResultData{ToolCallID: tc.ID, Name: tc.Name}
			if err != nil {
				res.Content = err.Error()
				res.IsError = true
			} else {
				res.Content = out
			}
			req.Messages = append(req.Messages, Message{
				Role:    RoleTool,
				Content: []ContentPart{{Kind: ContentToolResult, ToolResult: res}},
			})
		}
	}

	result.finalRsp = finalResp
	result.finalErr = finalErr
	close(result.done)
}

// runGenerateStep drives a single Client.Stream call to completion,
// relaying every event. A failure before any event has been forwarded is
// retried per policy; a failure after data has already reached the caller
// (an ERROR event, or the outer ctx being canceled mid-stream) is reported
// immediately, since replaying the call would duplicate already-delivered
// output.
func runGenerateStep(
	ctx context.Context,
	client *Client,
	req Request,
	provider string,
	policy RetryPolicy,
	sleep SleepFunc,
	out chan<- StreamEvent,
) (*Response, error) {
	attempts := policy.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		resp, err, delivered := relayOneStream(ctx, client, req, provider, out)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if delivered || attempt == attempts-1 || !isRetryableError(err) {
			return nil, err
		}
		if serr := sleep(ctx, backoffDelay(policy, attempt)); serr != nil {
			return nil, serr
		}
	}
	return nil, lastErr
}

// relayOneStream opens one Client.Stream call and relays its events to
// out until the stream closes, an ERROR event arrives, or ctx is
// canceled. delivered reports whether any event reached out, which callers
// use to decide whether a retry would risk duplicating output.
func relayOneStream(ctx context.Context, client *Client, req Request, provider string, out chan<- StreamEvent) (resp *Response, err error, delivered bool) {
	stream, serr := client.Stream(ctx, req)
	if serr != nil {
		return nil, serr, false
	}
	defer stream.Close()

	var stepResp *Response
	for {
		select {
		case <-ctx.Done():
			ae := NewAbortError(provider)
			out <- StreamEvent{Type: StreamEventError, Err: ae}
			return nil, ae, true
		case ev, ok := <-stream.Events():
			if !ok {
				return stepResp, nil, delivered
			}
			delivered = true
			if ev.Type == StreamEventFinish && ev.Response != nil {
				rp := *ev.Response
				stepResp = &rp
			}
			out <- ev
			if ev.Type == StreamEventError {
				return nil, ev.Err, true
			}
		}
	}
}
