// Package sdk is a Go client for the teamrouter HTTP API. Agent processes
// use it to exchange messages, acknowledgments, and presence with the local
// router.
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to one router instance.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for the given base URL (default
// http://127.0.0.1:8765).
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8765"
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response from the router.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("router: %s (status %d)", e.Message, e.StatusCode)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (map[string]any, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= 400 {
		message, _ := decoded["error"].(string)
		if message == "" {
			message = "request failed"
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: message}
	}
	return decoded, nil
}

// SendMessage posts a message for routing and returns the delivery receipt.
func (c *Client) SendMessage(ctx context.Context, message map[string]any) (map[string]any, error) {
	return c.do(ctx, http.MethodPost, "/messages", nil, message)
}

// Ack posts an acknowledgment for a previously delivered message.
func (c *Client) Ack(ctx context.Context, stage, messageID, agent string) (map[string]any, error) {
	return c.do(ctx, http.MethodPost, "/acks", nil, map[string]any{
		"ack_stage": stage,
		"corr":      messageID,
		"agent":     agent,
	})
}

// Nack reports a delivery rejection with a reason code.
func (c *Client) Nack(ctx context.Context, messageID, agent, reason string) (map[string]any, error) {
	return c.do(ctx, http.MethodPost, "/acks", nil, map[string]any{
		"ack_stage": "nack",
		"corr":      messageID,
		"agent":     agent,
		"reason":    reason,
	})
}

// PopInbox dequeues up to limit pending messages for the agent.
func (c *Client) PopInbox(ctx context.Context, agent string, limit int) ([]map[string]any, error) {
	query := url.Values{"agent": {agent}}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	result, err := c.do(ctx, http.MethodGet, "/inbox", query, nil)
	if err != nil {
		return nil, err
	}
	raw, _ := result["messages"].([]any)
	messages := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			messages = append(messages, m)
		}
	}
	return messages, nil
}

// Status fetches the router status, optionally including tasks.
func (c *Client) Status(ctx context.Context, includeTasks bool, filterTask string) (map[string]any, error) {
	query := url.Values{}
	if includeTasks {
		query.Set("tasks", "1")
	}
	if filterTask != "" {
		query.Set("filter_task", filterTask)
	}
	return c.do(ctx, http.MethodGet, "/status", query, nil)
}

// TraceMessage reconstructs one message's log history.
func (c *Client) TraceMessage(ctx context.Context, messageID string) (map[string]any, error) {
	return c.do(ctx, http.MethodGet, "/trace", url.Values{"id": {messageID}}, nil)
}

// TraceTask reconstructs a task's full message and ack history.
func (c *Client) TraceTask(ctx context.Context, taskID string) (map[string]any, error) {
	return c.do(ctx, http.MethodGet, "/trace", url.Values{"task": {taskID}}, nil)
}

// RegisterPresence marks the agent online with optional metadata (for role
// routing set meta["role"]).
func (c *Client) RegisterPresence(ctx context.Context, agent string, meta map[string]any) (map[string]any, error) {
	payload := map[string]any{"agent": agent}
	if meta != nil {
		payload["meta"] = meta
	}
	return c.do(ctx, http.MethodPost, "/presence/register", nil, payload)
}

// Heartbeat refreshes the agent's presence.
func (c *Client) Heartbeat(ctx context.Context, agent string) (map[string]any, error) {
	return c.do(ctx, http.MethodPost, "/presence/heartbeat", nil, map[string]any{"agent": agent})
}

// Presence fetches presence for one agent, or all agents when empty.
func (c *Client) Presence(ctx context.Context, agent string) (map[string]any, error) {
	query := url.Values{}
	if agent != "" {
		query.Set("agent", agent)
	}
	return c.do(ctx, http.MethodGet, "/presence", query, nil)
}

// Health probes the router.
func (c *Client) Health(ctx context.Context) error {
	result, err := c.do(ctx, http.MethodGet, "/health", nil, nil)
	if err != nil {
		return err
	}
	if result["status"] != "ok" {
		return fmt.Errorf("unexpected health payload: %v", result)
	}
	return nil
}
