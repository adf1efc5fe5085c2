package llm

import "context"

// CompleteFunc is the signature of Client.Complete, and of the "next" a
// Complete middleware wraps.
type CompleteFunc func(ctx context.Context, req Request) (Response, error)

// StreamFunc is the signature of Client.Stream, and of the "next" a Stream
// middleware wraps.
type StreamFunc func(ctx context.Context, req Request) (Stream, error)

// Middleware wraps the request and streaming call paths. Client.Use applies
// middleware in registration order on the request phase (the first
// registered sees the request first) and in reverse order on the
// response/event phase (the first registered sees the response/events
// last), matching the usual onion-handler ordering.
type Middleware interface {
	WrapComplete(next CompleteFunc) CompleteFunc
	WrapStream(next StreamFunc) StreamFunc
}

// MiddlewareFunc adapts a pair of plain functions to Middleware. Either
// field may be left nil, in which case that call path passes through
// unmodified.
type MiddlewareFunc struct {
	Complete func(ctx context.Context, req Request, next CompleteFunc) (Response, error)
	Stream   func(ctx context.Context, req Request, next StreamFunc) (Stream, error)
}

func (m MiddlewareFunc) WrapComplete(next CompleteFunc) CompleteFunc {
	if m.Complete == nil {
		return next
	}
	return func(ctx context.Context, req Request) (Response, error) {
		return m.Complete(ctx, req, next)
	}
}

func (m MiddlewareFunc) WrapStream(next StreamFunc) StreamFunc {
	if m.Stream == nil {
		return next
	}
	return func(ctx context.Context, req Request) (Stream, error) {
		return m.Stream(ctx, req, next)
	}
}

// applyMiddlewareComplete builds the handler chain so mws[0] is the
// outermost layer (sees the request first, the response last).
func applyMiddlewareComplete(base CompleteFunc, mws []Middleware) CompleteFunc {
	handler := base
	for i := len(mws) - 1; i >= 0; i-- {
		handler = mws[i].WrapComplete(handler)
	}
	return handler
}

// applyMiddlewareStream mirrors applyMiddlewareComplete for the streaming
// call path.
func applyMiddlewareStream(base StreamFunc, mws []Middleware) StreamFunc {
	handler := base
	for i := len(mws) - 1; i >= 0; i-- {
		handler = mws[i].WrapStream(handler)
	}
	return handler
}
