package controller

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gameops/fleetctl/internal/deployment"
	"github.com/gameops/fleetctl/internal/resilience"
	"github.com/gameops/fleetctl/pkg/metrics"
)

// readRetryPolicy governs retries for the read-only, idempotent calls this
// client makes (status polling, config reads) - write/restart/rollback
// calls are never retried here, since the agent already treats them as
// side-effecting and the orchestrator owns their failure handling; the
// agent itself never retries silently.
var readRetryPolicy = &resilience.RetryPolicy{
	MaxRetries:    2,
	BaseDelay:     50 * time.Millisecond,
	MaxDelay:      500 * time.Millisecond,
	Multiplier:    2.0,
	Jitter:        true,
	ErrorChecker:  resilience.NewAgentErrorChecker(),
	Metrics:       metrics.NewRetryMetrics(),
	OperationName: "agent_read",
}

// HTTPAgentClient talks to one remote agent over the JSON-over-HTTP surface
// agent.Server exposes - the multi-host
// counterpart to deployment.LocalAgentClient's in-process "lite" profile.
type HTTPAgentClient struct {
	BaseURL    string
	Credential string
	HTTP       *http.Client
}

// NewHTTPAgentClient returns a client targeting baseURL (e.g.
// "http://host-a:8181"). credential, when non-empty, is sent as a bearer
// token on every call - the agent refuses anything else with 401 and no
// side effect. A nil httpClient falls back to http.DefaultClient.
func NewHTTPAgentClient(baseURL, credential string, httpClient *http.Client) *HTTPAgentClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPAgentClient{BaseURL: baseURL, Credential: credential, HTTP: httpClient}
}

func (c *HTTPAgentClient) setAuth(req *http.Request) {
	if c.Credential != "" {
		req.Header.Set("Authorization", "Bearer "+c.Credential)
	}
}

func (c *HTTPAgentClient) post(ctx context.Context, path string, body any, out any) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, fmt.Errorf("controller: calling agent %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("controller: agent %s returned %d", path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func (c *HTTPAgentClient) Status(ctx context.Context) (*AgentStatus, error) {
	return resilience.WithRetryFunc(ctx, readRetryPolicy, func() (*AgentStatus, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/status", nil)
		if err != nil {
			return nil, err
		}
		c.setAuth(req)
		resp, err := c.HTTP.Do(req)
		if err != nil {
			return nil, fmt.Errorf("controller: calling agent /status: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("controller: agent /status returned %d", resp.StatusCode)
		}
		var out AgentStatus
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, err
		}
		return &out, nil
	})
}

// ReadConfig is idempotent (a plain file read) so transient
// connection errors are retried via resilience.WithRetryFunc; a definitive
// 404 short-circuits without retrying.
func (c *HTTPAgentClient) ReadConfig(ctx context.Context, instance, file string) ([]byte, error) {
	return resilience.WithRetryFunc(ctx, readRetryPolicy, func() ([]byte, error) {
		var out struct {
			BytesB64 string `json:"bytes_b64"`
		}
		status, err := c.post(ctx, "/read", map[string]string{"instance": instance, "file": file}, &out)
		if status == http.StatusNotFound {
			return nil, resilience.Terminal(deployment.ErrObservedNotFound)
		}
		if err != nil {
			return nil, err
		}
		return base64.StdEncoding.DecodeString(out.BytesB64)
	})
}

func (c *HTTPAgentClient) WriteConfig(ctx context.Context, instance, file string, data []byte, deploymentID string) error {
	body := map[string]string{
		"instance":      instance,
		"file":          file,
		"bytes_b64":     base64.StdEncoding.EncodeToString(data),
		"deployment_id": deploymentID,
	}
	_, err := c.post(ctx, "/write", body, nil)
	return err
}

func (c *HTTPAgentClient) Restart(ctx context.Context, instance string) error {
	_, err := c.post(ctx, "/restart", map[string]string{"instance": instance}, nil)
	return err
}

func (c *HTTPAgentClient) Rollback(ctx context.Context, deploymentID string) error {
	_, err := c.post(ctx, "/rollback", map[string]string{"deployment_id": deploymentID}, nil)
	return err
}
