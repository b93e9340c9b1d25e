package jobset

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/seantiz/launchpad/internal/model"
)

// Client is a thin HTTP wrapper for the launchpad queue server.
type Client struct {
	URL        string
	HTTPClient *http.Client
}

var _ API = (*Client)(nil)

// NewClient creates a client for the queue server at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		URL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-2xx response from the queue server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("queue server: HTTP %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps status codes onto the package sentinels so callers can use errors.Is.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusConflict:
		return ErrConflict
	case http.StatusNotFound:
		return ErrNotFound
	}
	return nil
}

func itemsPath(js model.JobSet) string {
	return "/v1/jobsets/" + url.PathEscape(js.Entity) + "/" + url.PathEscape(js.Project) + "/" + url.PathEscape(js.Name) + "/items"
}

func itemPath(js model.JobSet, itemID string) string {
	return itemsPath(js) + "/" + url.PathEscape(itemID)
}

type popRequest struct {
	AgentID string `json:"agentId"`
}

type ackRequest struct {
	RunID string `json:"runId"`
}

type failRequest struct {
	Reason string `json:"reason"`
}

// PopRunQueueItem implements API.
func (c *Client) PopRunQueueItem(ctx context.Context, js model.JobSet, agentID string) (*model.QueueItem, error) {
	var item model.QueueItem
	status, err := c.do(ctx, http.MethodPost, itemsPath(js)+"/pop", popRequest{AgentID: agentID}, &item)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &item, nil
}

// LeaseRunQueueItem implements API.
func (c *Client) LeaseRunQueueItem(ctx context.Context, js model.JobSet, itemID, agentID string) error {
	_, err := c.do(ctx, http.MethodPost, itemPath(js, itemID)+"/lease", popRequest{AgentID: agentID}, nil)
	return err
}

// AckRunQueueItem implements API.
func (c *Client) AckRunQueueItem(ctx context.Context, js model.JobSet, itemID, runID string) (model.AckResult, error) {
	var res model.AckResult
	if _, err := c.do(ctx, http.MethodPost, itemPath(js, itemID)+"/ack", ackRequest{RunID: runID}, &res); err != nil {
		return model.AckResult{}, err
	}
	return res, nil
}

// FailRunQueueItem implements API.
func (c *Client) FailRunQueueItem(ctx context.Context, js model.JobSet, itemID, reason string) error {
	_, err := c.do(ctx, http.MethodPost, itemPath(js, itemID)+"/fail", failRequest{Reason: reason}, nil)
	return err
}

// ListRunQueueItems implements API.
func (c *Client) ListRunQueueItems(ctx context.Context, js model.JobSet) ([]model.QueueItem, error) {
	var items []model.QueueItem
	if _, err := c.do(ctx, http.MethodGet, itemsPath(js), nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// UpsertRun implements API.
func (c *Client) UpsertRun(ctx context.Context, rec model.RunRecord) error {
	_, err := c.do(ctx, http.MethodPut, "/v1/runs/"+url.PathEscape(rec.ID), rec, nil)
	return err
}

// GetRun fetches a run's tracking record.
func (c *Client) GetRun(ctx context.Context, runID string) (*model.RunRecord, error) {
	var rec model.RunRecord
	if _, err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Enqueue adds a run spec to the job-set's queue.
func (c *Client) Enqueue(ctx context.Context, js model.JobSet, runSpec json.RawMessage) (*model.QueueItemRecord, error) {
	var rec model.QueueItemRecord
	if _, err := c.do(ctx, http.MethodPost, itemsPath(js), runSpec, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.URL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(respBody))
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			msg = errResp.Error
		}
		return resp.StatusCode, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out != nil && resp.StatusCode != http.StatusNoContent && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
