// Package sandboxrpc is the JSON-over-HTTP client for the RPC surface every
// container sandbox exposes (POST {rpcEndpoint}/{verb}).
package sandboxrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentplane/internal/common/logger"
	"github.com/kandev/agentplane/internal/common/tracing"
)

// Sandbox RPC verbs.
const (
	VerbSpawn         = "spawn"
	VerbPause         = "pause"
	VerbResume        = "resume"
	VerbKill          = "kill"
	VerbResolve       = "resolve"
	VerbInjectContext = "inject-context"
	VerbUpdateBrief   = "update-brief"
	VerbCheckpoint    = "checkpoint"
)

// RPCError is returned when a sandbox answers with a non-2xx status.
type RPCError struct {
	Endpoint string
	Status   int
	Body     string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("sandbox rpc %s failed with status %d: %s", e.Endpoint, e.Status, truncateBody([]byte(e.Body)))
}

// Client performs sandbox RPC calls. It holds no per-agent state; the
// endpoint is passed on every call.
type Client struct {
	httpClient *http.Client
	logger     *logger.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a new sandbox RPC client.
func NewClient(log *logger.Logger, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: log.WithFields(zap.String("component", "sandbox-rpc")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call issues POST {endpoint}/{verb} with body encoded as JSON. A non-empty
// response body is decoded into out when out is non-nil; an empty body
// leaves out untouched.
func (c *Client) Call(ctx context.Context, agentID, endpoint, verb string, body, out any) error {
	url := strings.TrimRight(endpoint, "/") + "/" + verb

	ctx, span := tracing.TraceSandboxRequest(ctx, http.MethodPost, verb, agentID)
	defer span.End()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", verb, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		tracing.TraceSandboxResponse(span, 0, err)
		return fmt.Errorf("sandbox rpc %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := readResponseBody(resp)
	if err != nil {
		tracing.TraceSandboxResponse(span, resp.StatusCode, err)
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		rpcErr := &RPCError{Endpoint: url, Status: resp.StatusCode, Body: string(respBody)}
		tracing.TraceSandboxResponse(span, resp.StatusCode, rpcErr)
		c.logger.Debug("sandbox rpc failed",
			zap.String("agent_id", agentID),
			zap.String("verb", verb),
			zap.Int("status", resp.StatusCode))
		return rpcErr
	}
	tracing.TraceSandboxResponse(span, resp.StatusCode, nil)

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse %s response (status %d, body: %s): %w", verb, resp.StatusCode, truncateBody(respBody), err)
	}
	return nil
}

// Get issues GET {url} and decodes a JSON body into out.
func (c *Client) Get(ctx context.Context, agentID, url string, out any) error {
	ctx, span := tracing.TraceSandboxRequest(ctx, http.MethodGet, "health", agentID)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		tracing.TraceSandboxResponse(span, 0, err)
		return fmt.Errorf("sandbox rpc %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := readResponseBody(resp)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		rpcErr := &RPCError{Endpoint: url, Status: resp.StatusCode, Body: string(respBody)}
		tracing.TraceSandboxResponse(span, resp.StatusCode, rpcErr)
		return rpcErr
	}
	tracing.TraceSandboxResponse(span, resp.StatusCode, nil)

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response (status %d, body: %s): %w", resp.StatusCode, truncateBody(respBody), err)
	}
	return nil
}

func readResponseBody(resp *http.Response) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// truncateBody truncates body for error messages to avoid huge logs
func truncateBody(body []byte) string {
	const maxLen = 200
	if len(body) > maxLen {
		return string(body[:maxLen]) + "..."
	}
	return string(body)
}
