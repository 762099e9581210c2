package hub

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

	"github.com/danmuck/opshub/internal/jobs"
)

// Client drives the hub HTTP API.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// APIError is a structured non-2xx hub response.
type APIError struct {
	Status int
	Code   string
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("hub: %d %s: %s", e.Status, e.Code, e.Detail)
	}
	return fmt.Sprintf("hub: %d %s", e.Status, e.Code)
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
}

type jobResponse struct {
	OK    bool       `json:"ok"`
	State jobs.State `json:"state,omitempty"`
	Job   jobs.Job   `json:"job"`
}

type listResponse struct {
	OK   bool       `json:"ok"`
	Jobs []jobs.Job `json:"jobs"`
}

func (c *Client) Submit(ctx context.Context, payload json.RawMessage) (jobs.Job, error) {
	var out jobResponse
	err := c.do(ctx, http.MethodPost, "/api/hub/jobs/submit", nil, payload, &out)
	return out.Job, err
}

func (c *Client) Confirm(ctx context.Context, id, actor string) (jobs.Job, error) {
	var out jobResponse
	err := c.do(ctx, http.MethodPost, "/api/hub/jobs/confirm", nil, actionRequest{ID: id, Actor: actor}, &out)
	return out.Job, err
}

func (c *Client) Archive(ctx context.Context, id, actor string) (jobs.Job, error) {
	var out jobResponse
	err := c.do(ctx, http.MethodPost, "/api/hub/jobs/archive", nil, actionRequest{ID: id, Actor: actor}, &out)
	return out.Job, err
}

func (c *Client) List(ctx context.Context, state jobs.State, limit int) ([]jobs.Job, error) {
	q := url.Values{}
	if state != "" {
		q.Set("state", string(state))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out listResponse
	err := c.do(ctx, http.MethodGet, "/api/hub/jobs/list", q, nil, &out)
	return out.Jobs, err
}

func (c *Client) Get(ctx context.Context, id string) (jobs.Job, jobs.State, error) {
	var out jobResponse
	err := c.do(ctx, http.MethodGet, "/api/hub/jobs/get", url.Values{"id": {id}}, nil, &out)
	return out.Job, out.State, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	target := c.BaseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("hub: encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("hub: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes*4))
	if err != nil {
		return fmt.Errorf("hub: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error  string `json:"error"`
			Detail string `json:"detail"`
		}
		_ = json.Unmarshal(data, &apiErr)
		if apiErr.Error == "" {
			apiErr.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Code: apiErr.Error, Detail: apiErr.Detail}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("hub: decode response: %w", err)
	}
	return nil
}
