// Package apiclient is the CLI's client for the testrun control plane.
package apiclient

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

	"github.com/izavyalov-dev/testrun/orchestrator"
	"github.com/izavyalov-dev/testrun/protocol"
)

// RunProjectRequest selects which tests of a project to run.
// Folder and ID lists are comma separated.
type RunProjectRequest struct {
	UserID         string                    `json:"userId,omitempty"`
	Folder         string                    `json:"folder,omitempty"`
	FolderIDs      string                    `json:"folderIds,omitempty"`
	TestIDs        string                    `json:"testIds,omitempty"`
	IdempotencyKey string                    `json:"-"`
	Config         orchestrator.RunOverrides `json:"config"`
}

// APIError is a non-2xx answer from the control plane.
type APIError struct {
	StatusCode int
	Message    string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("control plane returned %d", e.StatusCode)
	}
	return fmt.Sprintf("control plane returned %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// RunProject starts a project-level build. A result with a nil Build means no
// test matched the selection.
func (c *Client) RunProject(ctx context.Context, projectID string, req RunProjectRequest) (orchestrator.BatchResult, error) {
	path := fmt.Sprintf("/api/v1/projects/%s/runs", url.PathEscape(projectID))
	headers := map[string]string{}
	if req.IdempotencyKey != "" {
		headers["Idempotency-Key"] = req.IdempotencyKey
	}

	var result orchestrator.BatchResult
	status, err := c.do(ctx, http.MethodPost, path, headers, req, &result)
	if err != nil {
		return orchestrator.BatchResult{}, err
	}
	if status == http.StatusNoContent {
		return orchestrator.BatchResult{}, nil
	}
	return result, nil
}

// BuildStatus fetches a build's status through the control plane.
func (c *Client) BuildStatus(ctx context.Context, projectID, buildID string) (protocol.BuildStatusReport, error) {
	path := fmt.Sprintf("/api/v1/projects/%s/builds/%s", url.PathEscape(projectID), url.PathEscape(buildID))

	var report protocol.BuildStatusReport
	if _, err := c.do(ctx, http.MethodGet, path, nil, nil, &report); err != nil {
		return protocol.BuildStatusReport{}, err
	}
	if !report.Status.Known() {
		return protocol.BuildStatusReport{}, fmt.Errorf("unknown build status %q", report.Status)
	}
	if report.BuildID == "" {
		report.BuildID = buildID
	}
	return report, nil
}

func (c *Client) do(ctx context.Context, method, path string, headers map[string]string, payload, out any) (int, error) {
	var reader io.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return resp.StatusCode, decodeAPIError(resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return APIError{StatusCode: resp.StatusCode, Message: body.Error}
	}
	return APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
}
