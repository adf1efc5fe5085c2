package engine

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"testing"
)

// runCmd runs name with args in dir, failing the test on any error.
func runCmd(t *testing.T, dir, name string, args ...string) {
	t.Helper()
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("%s %s: %v\n%s", name, strings.Join(args, " "), err, out)
	}
}

// runCmdOut is runCmd but returns combined stdout/stderr instead of discarding it.
func runCmdOut(t *testing.T, dir, name string, args ...string) string {
	t.Helper()
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("%s %s: %v\n%s", name, strings.Join(args, " "), err, out)
	}
	return string(out)
}

// assertExists fails the test if path does not exist.
func assertExists(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected %s to exist: %v", path, err)
	}
}

// anyToString is anyToStringValue under the name call sites reach for when
// there's no ambiguity about the value already being loosely typed.
func anyToString(v any) string {
	return anyToStringValue(v)
}

// decodeJSONBody reads and JSON-decodes an HTTP request body, failing the
// test on any error. Used by fake provider servers asserting on request
// shape.
func decodeJSONBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	defer func() { _ = r.Body.Close() }()
	var body map[string]any
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		t.Fatalf("decode request body: %v", err)
	}
	return body
}

// envHasKey reports whether env (a process-env-style []string of "K=V"
// entries) carries key, regardless of its value.
func envHasKey(env []string, key string) bool {
	prefix := key + "="
	for _, v := range env {
		if strings.HasPrefix(v, prefix) {
			return true
		}
	}
	return false
}

// envLookup returns the value of key in env, or "" if absent.
func envLookup(env []string, key string) string {
	prefix := key + "="
	for _, v := range env {
		if strings.HasPrefix(v, prefix) {
			return strings.TrimPrefix(v, prefix)
		}
	}
	return ""
}

// asInt coerces a JSON-decoded numeric value (float64, json.Number, or a
// native int/int64) to int, returning 0 for anything else.
func asInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case json.Number:
		n, _ := t.Int64()
		return int(n)
	default:
		return 0
	}
}

// isKimiCodingContractRequest checks a decoded request body against the
// kimi coding contract (ExecutionPolicy("kimi")): streaming enabled and
// max_tokens bumped to at least the provider's enforced floor.
func isKimiCodingContractRequest(body map[string]any) bool {
	stream, _ := body["stream"].(bool)
	if !stream {
		return false
	}
	return asInt(body["max_tokens"]) >= 16000
}

// writeAnthropicStreamOK writes a minimal but complete Anthropic
// messages-API SSE stream (message_start .. message_stop) whose single text
// content block is text, for fake servers standing in for a real API
// backend.
func writeAnthropicStreamOK(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	send := func(event string, data map[string]any) {
		b, _ := json.Marshal(data)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
		if flusher != nil {
			flusher.Flush()
		}
	}

	send("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":    "msg_test",
			"type":  "message",
			"role":  "assistant",
			"model": "test",
			"usage": map[string]any{"input_tokens": 1, "output_tokens": 0},
		},
	})
	send("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         0,
		"content_block": map[string]any{"type": "text", "text": ""},
	})
	send("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": 0,
		"delta": map[string]any{"type": "text_delta", "text": text},
	})
	send("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": 0,
	})
	send("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": "end_turn"},
		"usage": map[string]any{"output_tokens": 1},
	})
	send("message_stop", map[string]any{
		"type": "message_stop",
	})
}
