package llm

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strings"
)

// SSEEvent is one decoded server-sent event frame: the event name (default
// "message" when the stream omits an "event:" line) and the concatenated
// bytes of its "data:" lines.
type SSEEvent struct {
	Event string
	Data  []byte
}

// ParseSSE reads r as a server-sent event stream, calling fn once per frame
// (a run of event:/data: lines terminated by a blank line). It stops at
// EOF, at ctx cancellation, or at the first error fn returns.
func ParseSSE(ctx context.Context, r io.Reader, fn func(SSEEvent) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var eventName string
	var data bytes.Buffer

	flush := func() error {
		if data.Len() == 0 && eventName == "" {
			return nil
		}
		name := eventName
		if name == "" {
			name = "message"
		}
		payload := bytes.TrimSuffix(data.Bytes(), []byte("\n"))
		out := make([]byte, len(payload))
		copy(out, payload)
		eventName = ""
		data.Reset()
		return fn(SSEEvent{Event: name, Data: out})
	}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			data.WriteByte('\n')
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive line, ignored
		default:
			// unrecognized field, ignored
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return flush()
}
