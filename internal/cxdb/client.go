package cxdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client talks to cxdb's HTTP surface: health checks, context creation, turn
// reads, and registry bundle publication. It has no call that lists
// contexts. Turn writes go over the binary
// protocol (BinaryClient); Client.AppendTurn exists only as a compatibility
// fallback for deployments that expose a write-capable HTTP route.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) url(path string, query url.Values) string {
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("cxdb: marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path, query), reader)
	if err != nil {
		return fmt.Errorf("cxdb: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("cxdb: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("cxdb: read response body: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("cxdb: %s %s: status %d: %s", method, path, resp.StatusCode, string(raw))
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("cxdb: decode response from %s: %w", path, err)
	}
	return nil
}

// Health checks GET /healthz.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil, nil)
}

// ContextInfo describes a context-store context: its id and current head
// turn, returned both by context creation and by forking.
type ContextInfo struct {
	ContextID  string `json:"context_id"`
	HeadTurnID string `json:"head_turn_id"`
}

// ForkContext creates a new context rooted at baseTurnID via POST
// /v1/contexts, the HTTP-side equivalent of the binary CTX_CREATE message.
func (c *Client) ForkContext(ctx context.Context, baseTurnID string) (ContextInfo, error) {
	var info ContextInfo
	body := map[string]any{"base_turn_id": baseTurnID}
	if err := c.do(ctx, http.MethodPost, "/v1/contexts", nil, body, &info); err != nil {
		return ContextInfo{}, err
	}
	return info, nil
}

// CreateContext is ForkContext under the name callers reach for when a
// context is being created fresh (base_turn_id "0") rather than forked from
// a live head.
func (c *Client) CreateContext(ctx context.Context, baseTurnID string) (ContextInfo, error) {
	return c.ForkContext(ctx, baseTurnID)
}

// Turn is one entry in a context's append-only turn log, as returned by the
// typed view of GET /v1/contexts/<id>/turns.
type Turn struct {
	TurnID   string         `json:"turn_id"`
	ParentID string         `json:"parent_turn_id"`
	Depth    int            `json:"depth"`
	TypeID   string         `json:"type_id"`
	Version  int            `json:"type_version"`
	Payload  map[string]any `json:"payload"`
}

type ListTurnsOptions struct {
	Limit int
	Since string
}

// ListTurns reads GET /v1/contexts/<id>/turns?limit&view=typed.
func (c *Client) ListTurns(ctx context.Context, contextID string, opts ListTurnsOptions) ([]Turn, error) {
	q := url.Values{}
	q.Set("view", "typed")
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Since != "" {
		q.Set("since", opts.Since)
	}

	var resp struct {
		Turns []Turn `json:"turns"`
	}
	path := "/v1/contexts/" + url.PathEscape(contextID) + "/turns"
	if err := c.do(ctx, http.MethodGet, path, q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Turns, nil
}

// AppendTurnRequest mirrors the fields the binary APPEND_TURN message
// carries, for callers that only have an HTTP compatibility route.
type AppendTurnRequest struct {
	TypeID         string         `json:"type_id"`
	TypeVersion    int            `json:"type_version"`
	Data           map[string]any `json:"data"`
	ParentTurnID   string         `json:"parent_turn_id,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

type AppendTurnResponse struct {
	TurnID      string `json:"turn_id"`
	ContentHash string `json:"content_hash"`
}

// AppendTurn posts to the context's turn log over HTTP. This is a fallback
// path; the binary protocol (BinaryClient.AppendTurn) is preferred.
func (c *Client) AppendTurn(ctx context.Context, contextID string, req AppendTurnRequest) (AppendTurnResponse, error) {
	var resp AppendTurnResponse
	path := "/v1/contexts/" + url.PathEscape(contextID) + "/turns"
	if err := c.do(ctx, http.MethodPost, path, nil, req, &resp); err != nil {
		return AppendTurnResponse{}, err
	}
	return resp, nil
}

// PutRegistryBundle publishes a type bundle via PUT /v1/registry/bundles/<id>,
// so the append path below can reference typeID/fields by the tags it
// assigns.
func (c *Client) PutRegistryBundle(ctx context.Context, bundleID string, bundle RegistryBundle) error {
	path := "/v1/registry/bundles/" + url.PathEscape(bundleID)
	return c.do(ctx, http.MethodPut, path, nil, bundle, nil)
}

// PublishRegistryBundle is PutRegistryBundle with a boolean result: it
// returns true whenever the PUT succeeds and false with the error otherwise.
// It does not report whether the server already had the bundle. Multiple
// runs publishing the same bundle ID is expected, since the bundle content
// is a pure function of the type definitions.
func (c *Client) PublishRegistryBundle(ctx context.Context, bundleID string, bundle RegistryBundle) (bool, error) {
	if err := c.PutRegistryBundle(ctx, bundleID, bundle); err != nil {
		return false, err
	}
	return true, nil
}
