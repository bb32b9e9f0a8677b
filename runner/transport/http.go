package transport

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

	"github.com/izavyalov-dev/testrun/protocol"
)

// HTTPClient talks to the Runner over its JSON API.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
	now     func() time.Time
}

func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
		now: time.Now,
	}
}

// Submit hands the resolved tests and run request to the Runner. A rejected
// payload, including an empty test set, yields protocol.SubmissionError.
func (c *HTTPClient) Submit(ctx context.Context, tests []protocol.Test, req protocol.RunRequest) (protocol.BuildHandle, error) {
	if len(tests) == 0 {
		return protocol.BuildHandle{}, protocol.SubmissionError{Reason: "empty test set"}
	}

	var resp protocol.SubmitResponse
	status, body, err := c.do(ctx, http.MethodPost, "/api/v1/builds", protocol.SubmitBuild{
		Type:    "SubmitBuild",
		Tests:   tests,
		Request: req,
	}, &resp)
	if err != nil {
		return protocol.BuildHandle{}, err
	}
	if status >= 300 {
		return protocol.BuildHandle{}, protocol.SubmissionError{StatusCode: status, Reason: body}
	}
	if resp.BuildID == "" {
		return protocol.BuildHandle{}, protocol.SubmissionError{StatusCode: status, Reason: "runner returned no build id"}
	}
	return protocol.BuildHandle{BuildID: resp.BuildID, SubmittedAt: c.now().UTC()}, nil
}

// BuildStatus fetches the current status of a build in a project.
func (c *HTTPClient) BuildStatus(ctx context.Context, projectID, buildID string) (protocol.BuildStatusReport, error) {
	path := fmt.Sprintf("/api/v1/projects/%s/builds/%s/status", url.PathEscape(projectID), url.PathEscape(buildID))

	var report protocol.BuildStatusReport
	status, body, err := c.do(ctx, http.MethodGet, path, nil, &report)
	if err != nil {
		return protocol.BuildStatusReport{}, err
	}
	if status >= 300 {
		return protocol.BuildStatusReport{}, fmt.Errorf("unexpected status %d: %s", status, body)
	}
	if !report.Status.Known() {
		return protocol.BuildStatusReport{}, fmt.Errorf("unknown build status %q", report.Status)
	}
	if report.BuildID == "" {
		report.BuildID = buildID
	}
	return report, nil
}

// do sends payload as JSON and decodes a 2xx response into out. Non-2xx
// responses return their status code and a trimmed body.
func (c *HTTPClient) do(ctx context.Context, method, path string, payload, out any) (int, string, error) {
	var reader io.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return 0, "", err
		}
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, "", err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, strings.TrimSpace(string(raw)), nil
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, "", fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return resp.StatusCode, "", nil
}
