package executor

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/liamcoop/sentinel/internal/logger"
	"github.com/liamcoop/sentinel/rules"
)

// NewDefaultRegistry wires the four built-in handlers. db may be nil, in
// which case data updates fall back to an in-process record map. client
// may be nil for a default 30s-timeout client.
func NewDefaultRegistry(db *sql.DB, client *http.Client) *Registry {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	r := NewRegistry()
	r.Register(rules.ActionAlert, &AlertHandler{Client: client})
	r.Register(rules.ActionAPICall, &APICallHandler{Client: client})
	r.Register(rules.ActionDataUpdate, NewDataUpdateHandler(db))
	r.Register(rules.ActionWorkflowTrigger, &WorkflowHandler{Client: client})
	return r
}

// AlertHandler sends notifications. Channel "log" writes to the service
// log, "webhook" and "slack" POST to the configured URL. Transport
// payload details beyond that are owned by the receiving side.
type AlertHandler struct {
	Client *http.Client
}

func (h *AlertHandler) Execute(ctx context.Context, params map[string]any) (Result, error) {
	message, _ := params["message"].(string)
	if message == "" {
		return nil, fmt.Errorf("alert requires a message")
	}
	channel, _ := params["channel"].(string)
	if channel == "" {
		channel = "log"
	}
	priority, _ := params["priority"].(string)
	if priority == "" {
		priority = "medium"
	}

	switch channel {
	case "log":
		logger.Info("alert", "message", message, "priority", priority)
		return Result{"channel": channel, "message_id": alertID()}, nil
	case "webhook", "slack":
		url, _ := params["webhook_url"].(string)
		if url == "" {
			return nil, fmt.Errorf("%s alert requires webhook_url", channel)
		}
		payload := map[string]any{
			"text":      message,
			"priority":  priority,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}
		if err := postJSON(ctx, h.Client, url, payload, nil); err != nil {
			return nil, err
		}
		return Result{"channel": channel, "message_id": alertID()}, nil
	default:
		return nil, fmt.Errorf("unsupported alert channel %q", channel)
	}
}

// APICallHandler calls an external HTTP API.
type APICallHandler struct {
	Client *http.Client
}

func (h *APICallHandler) Execute(ctx context.Context, params map[string]any) (Result, error) {
	endpoint, _ := params["endpoint"].(string)
	if endpoint == "" {
		return nil, fmt.Errorf("api_call requires an endpoint")
	}
	method, _ := params["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete:
	default:
		return nil, fmt.Errorf("unsupported method %q", method)
	}

	var body io.Reader
	if payload, ok := params["payload"]; ok {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := params["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api call failed: %w", err)
	}
	defer resp.Body.Close()

	// Cap the recorded body; the full response belongs to the callee.
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("api call returned %d: %s", resp.StatusCode, snippet)
	}
	return Result{
		"status_code": resp.StatusCode,
		"body":        string(snippet),
	}, nil
}

// DataUpdateHandler upserts key/value records, into the records table
// when a database is configured and an in-process map otherwise.
type DataUpdateHandler struct {
	db *sql.DB

	mu      sync.Mutex
	records map[string]any
}

func NewDataUpdateHandler(db *sql.DB) *DataUpdateHandler {
	return &DataUpdateHandler{db: db, records: make(map[string]any)}
}

func (h *DataUpdateHandler) Execute(ctx context.Context, params map[string]any) (Result, error) {
	key, _ := params["key"].(string)
	if key == "" {
		return nil, fmt.Errorf("data_update requires a key")
	}
	value, ok := params["value"]
	if !ok {
		return nil, fmt.Errorf("data_update requires a value")
	}

	if h.db == nil {
		h.mu.Lock()
		h.records[key] = value
		h.mu.Unlock()
		return Result{"key": key, "stored": "memory"}, nil
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	_, err = h.db.ExecContext(ctx, `
		INSERT INTO records (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = $2, updated_at = NOW()
	`, key, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert record: %w", err)
	}
	return Result{"key": key, "stored": "database"}, nil
}

// Get reads back a record from the in-process fallback map. Test hook.
func (h *DataUpdateHandler) Get(key string) (any, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.records[key]
	return v, ok
}

// WorkflowFunc is a locally registered workflow.
type WorkflowFunc func(ctx context.Context, inputs map[string]any) (Result, error)

// WorkflowHandler triggers named workflows: locally registered functions
// first, else a webhook_url parameter.
type WorkflowHandler struct {
	Client *http.Client

	mu        sync.RWMutex
	workflows map[string]WorkflowFunc
}

// RegisterWorkflow binds a local workflow by name.
func (h *WorkflowHandler) RegisterWorkflow(name string, fn WorkflowFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.workflows == nil {
		h.workflows = make(map[string]WorkflowFunc)
	}
	h.workflows[name] = fn
}

func (h *WorkflowHandler) Execute(ctx context.Context, params map[string]any) (Result, error) {
	name, _ := params["workflow"].(string)
	if name == "" {
		return nil, fmt.Errorf("workflow_trigger requires a workflow name")
	}
	inputs, _ := params["inputs"].(map[string]any)

	h.mu.RLock()
	fn, ok := h.workflows[name]
	h.mu.RUnlock()
	if ok {
		return fn(ctx, inputs)
	}

	url, _ := params["webhook_url"].(string)
	if url == "" {
		return nil, fmt.Errorf("unknown workflow %q and no webhook_url", name)
	}
	payload := map[string]any{"workflow": name, "inputs": inputs}
	if err := postJSON(ctx, h.Client, url, payload, nil); err != nil {
		return nil, err
	}
	return Result{"workflow": name, "triggered": "webhook"}, nil
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any, headers map[string]string) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("post returned %d", resp.StatusCode)
	}
	return nil
}

func alertID() string {
	return fmt.Sprintf("alert_%d", time.Now().UnixNano())
}
