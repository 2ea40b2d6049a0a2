// Package client provides a Go client for the KektorBrain HTTP API.
//
// It covers entity management, links, semantic search, question answering
// and the asynchronous maintenance tasks. Errors returned by the server are
// surfaced as *APIError carrying the HTTP status and the engine error code.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sanonone/kektorbrain/pkg/engine"
	"github.com/sanonone/kektorbrain/pkg/graph"
	"github.com/sanonone/kektorbrain/pkg/rag"
)

// APIError represents an error returned by the API (status >= 400).
type APIError struct {
	StatusCode int
	// Code is the engine error code ("not_found", "generation_failure", ...),
	// empty for transport-level failures such as 401.
	Code    string
	Message string
	// Sources and Trace are set when a query failed after retrieval.
	Sources []rag.Source
	Trace   rag.Trace
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error (status %d, %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is an API error for a missing entity.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Entity is the public form of a node. Attributes are left raw because
// their shape depends on Type.
type Entity struct {
	ID         string          `json:"id"`
	Type       graph.NodeType  `json:"type"`
	Title      string          `json:"title"`
	Attributes json.RawMessage `json:"attributes"`
	Embedded   bool            `json:"embedded"`
	Refined    bool            `json:"refined"`
	Revision   uint64          `json:"revision"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Edges      []graph.Edge    `json:"edges,omitempty"`
	Embedding  []float32       `json:"embedding,omitempty"`
}

// Task represents an asynchronous maintenance operation on the server.
type Task struct {
	ID              string          `json:"id"`
	Kind            string          `json:"kind,omitempty"`
	Status          string          `json:"status"`
	ProgressMessage string          `json:"progress_message,omitempty"`
	Error           string          `json:"error,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`

	client *Client // Reference to the client for polling.
}

// Client is the Go client for KektorBrain.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a client for the server at baseURL, e.g. "http://localhost:9091".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// jsonRequest executes a request against the API and decodes the response
// into out when out is non-nil.
func (c *Client) jsonRequest(ctx context.Context, method, endpoint string, payload, out any) error {
	var reqBody io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal JSON payload: %w", err)
		}
		reqBody = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connection error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error   string       `json:"error"`
			Code    string       `json:"code"`
			Sources []rag.Source `json:"sources"`
			Trace   rag.Trace    `json:"trace"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return &APIError{
				StatusCode: resp.StatusCode,
				Code:       errResp.Code,
				Message:    errResp.Error,
				Sources:    errResp.Sources,
				Trace:      errResp.Trace,
			}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("invalid JSON response for %s %s: %w", method, endpoint, err)
	}
	return nil
}

// Refresh updates the task's status by querying the server.
func (t *Task) Refresh(ctx context.Context) error {
	if t.client == nil {
		return fmt.Errorf("client is not associated with the task")
	}
	updated, err := t.client.GetTask(ctx, t.ID)
	if err != nil {
		return err
	}
	t.Kind = updated.Kind
	t.Status = updated.Status
	t.ProgressMessage = updated.ProgressMessage
	t.Error = updated.Error
	t.Result = updated.Result
	return nil
}

// Wait blocks until the task finishes, checking its status every interval.
// The context bounds the total wait.
func (t *Task) Wait(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for task %s: %w", t.ID, ctx.Err())
		case <-ticker.C:
			if err := t.Refresh(ctx); err != nil {
				return err
			}
			switch t.Status {
			case "completed":
				return nil
			case "failed":
				return fmt.Errorf("task %s failed with error: %s", t.ID, t.Error)
			case "running", "started":
			default:
				return fmt.Errorf("unknown task status: %s", t.Status)
			}
		}
	}
}

// --- Entities ---

// Upsert creates or updates an entity. An empty id lets the server assign
// one. attributes must match the entity type, e.g. graph.TaskAttrs.
func (c *Client) Upsert(ctx context.Context, id string, typ graph.NodeType, attributes any) (*Entity, error) {
	payload := map[string]any{"type": typ, "attributes": attributes}
	if id != "" {
		payload["id"] = id
	}
	var ent Entity
	if err := c.jsonRequest(ctx, http.MethodPost, "/entities", payload, &ent); err != nil {
		return nil, err
	}
	return &ent, nil
}

// Get retrieves an entity and its edges.
func (c *Client) Get(ctx context.Context, id string, withVector bool) (*Entity, error) {
	endpoint := "/entities/" + url.PathEscape(id)
	if withVector {
		endpoint += "?include_vector=true"
	}
	var ent Entity
	if err := c.jsonRequest(ctx, http.MethodGet, endpoint, nil, &ent); err != nil {
		return nil, err
	}
	return &ent, nil
}

// List returns entities, optionally filtered by type and tag.
func (c *Client) List(ctx context.Context, typ graph.NodeType, tag string) ([]Entity, error) {
	q := url.Values{}
	if typ != "" {
		q.Set("type", string(typ))
	}
	if tag != "" {
		q.Set("tag", tag)
	}
	endpoint := "/entities"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Entities []Entity `json:"entities"`
	}
	if err := c.jsonRequest(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Entities, nil
}

// Delete removes an entity and its edges.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.jsonRequest(ctx, http.MethodDelete, "/entities/"+url.PathEscape(id), nil, nil)
}

// Similar returns the k entities closest to id, excluding id itself.
func (c *Client) Similar(ctx context.Context, id string, k int) ([]engine.Match, error) {
	endpoint := fmt.Sprintf("/entities/%s/similar?k=%d", url.PathEscape(id), k)
	var resp struct {
		Results []engine.Match `json:"results"`
	}
	if err := c.jsonRequest(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Neighbors returns the ids reachable from id within hops.
func (c *Client) Neighbors(ctx context.Context, id string, hops int, rels ...graph.RelationType) ([]string, error) {
	q := url.Values{"hops": {strconv.Itoa(hops)}}
	if len(rels) > 0 {
		names := make([]string, len(rels))
		for i, r := range rels {
			names[i] = string(r)
		}
		q.Set("relations", strings.Join(names, ","))
	}
	var resp struct {
		Neighbors []string `json:"neighbors"`
	}
	endpoint := "/entities/" + url.PathEscape(id) + "/neighbors?" + q.Encode()
	if err := c.jsonRequest(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Neighbors, nil
}

// --- Links ---

// Link creates or reweights an explicit relation between two entities.
func (c *Client) Link(ctx context.Context, src, dst string, rel graph.RelationType, weight float64) error {
	payload := map[string]any{"source": src, "target": dst, "relation": rel, "weight": weight}
	return c.jsonRequest(ctx, http.MethodPost, "/links", payload, nil)
}

// Unlink removes a relation.
func (c *Client) Unlink(ctx context.Context, src, dst string, rel graph.RelationType) error {
	payload := map[string]any{"source": src, "target": dst, "relation": rel}
	return c.jsonRequest(ctx, http.MethodDelete, "/links", payload, nil)
}

// FindPath returns the shortest chain of ids from src to dst.
func (c *Client) FindPath(ctx context.Context, src, dst string, maxDepth int) ([]string, error) {
	q := url.Values{"from": {src}, "to": {dst}}
	if maxDepth > 0 {
		q.Set("max_depth", strconv.Itoa(maxDepth))
	}
	var resp struct {
		Path []string `json:"path"`
	}
	if err := c.jsonRequest(ctx, http.MethodGet, "/path?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Path, nil
}

// --- Retrieval ---

// Search performs a semantic search over entities.
func (c *Client) Search(ctx context.Context, text string, k int, types ...graph.NodeType) ([]engine.Match, error) {
	payload := map[string]any{"text": text}
	if k > 0 {
		payload["k"] = k
	}
	if len(types) > 0 {
		payload["types"] = types
	}
	var resp struct {
		Results []engine.Match `json:"results"`
	}
	if err := c.jsonRequest(ctx, http.MethodPost, "/search", payload, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Ask answers a question from the knowledge graph. On failure the returned
// *APIError carries the sources retrieved before the failure.
func (c *Client) Ask(ctx context.Context, question string) (*rag.Answer, error) {
	var ans rag.Answer
	if err := c.jsonRequest(ctx, http.MethodPost, "/query", map[string]string{"question": question}, &ans); err != nil {
		return nil, err
	}
	return &ans, nil
}

// GraphSnapshot exports the whole graph, optionally with vectors.
func (c *Client) GraphSnapshot(ctx context.Context, withVectors bool) (*engine.GraphExport, error) {
	endpoint := "/graph"
	if withVectors {
		endpoint += "?include_vectors=true"
	}
	var exp engine.GraphExport
	if err := c.jsonRequest(ctx, http.MethodGet, endpoint, nil, &exp); err != nil {
		return nil, err
	}
	return &exp, nil
}

// Stats returns graph and index statistics.
func (c *Client) Stats(ctx context.Context) (*engine.Stats, error) {
	var st engine.Stats
	if err := c.jsonRequest(ctx, http.MethodGet, "/stats", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// --- Administration ---

// Save forces a snapshot to disk.
func (c *Client) Save(ctx context.Context) error {
	return c.jsonRequest(ctx, http.MethodPost, "/system/save", nil, nil)
}

// Reconcile starts an index rebuild and returns the task tracking it.
func (c *Client) Reconcile(ctx context.Context) (*Task, error) {
	return c.startTask(ctx, "/system/reconcile")
}

// Backfill starts embedding entities whose vectors are missing or stale.
func (c *Client) Backfill(ctx context.Context) (*Task, error) {
	return c.startTask(ctx, "/system/backfill")
}

// Refine starts a refinement pass over the whole graph.
func (c *Client) Refine(ctx context.Context) (*Task, error) {
	return c.startTask(ctx, "/system/refine")
}

func (c *Client) startTask(ctx context.Context, endpoint string) (*Task, error) {
	var accepted struct {
		TaskID string `json:"task_id"`
		Status string `json:"status"`
	}
	if err := c.jsonRequest(ctx, http.MethodPost, endpoint, nil, &accepted); err != nil {
		return nil, err
	}
	return &Task{ID: accepted.TaskID, Status: accepted.Status, client: c}, nil
}

// GetTask retrieves the status of a long-running task.
func (c *Client) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	if err := c.jsonRequest(ctx, http.MethodGet, "/system/tasks/"+url.PathEscape(taskID), nil, &task); err != nil {
		return nil, err
	}
	task.client = c
	return &task, nil
}
