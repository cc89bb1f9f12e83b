// Package boingo is the client for the upstream Boingo API where
// finalized listings are delivered and fleet analytics are pulled from.
package boingo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/boingo-ai/property-pipeline/internal/pipeline"
)

// Config controls client behavior. Credentials are exchanged for a
// bearer token on first use and re-exchanged on 401.
type Config struct {
	BaseURL  string
	Email    string
	Password string
	Timeout  time.Duration
}

// Client talks to the Boingo API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger

	mu    sync.Mutex
	token string
}

// ResultPayload is the delivery envelope for one finalized listing.
type ResultPayload struct {
	RunID       string           `json:"run_id"`
	TargetID    string           `json:"target_id"`
	Listing     pipeline.Listing `json:"listing"`
	FinalizedAt time.Time        `json:"finalized_at"`
}

// AgentAnalytics is the upstream's view of one agent's throughput.
type AgentAnalytics struct {
	AgentKind string  `json:"agent_kind"`
	Processed int64   `json:"processed"`
	Failed    int64   `json:"failed"`
	ErrorRate float64 `json:"error_rate"`
}

// New constructs a Client.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// Login exchanges credentials for a bearer token.
func (c *Client) Login(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{
		"email":    c.cfg.Email,
		"password": c.cfg.Password,
	})
	if err != nil {
		return fmt.Errorf("marshal login payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/auth/login", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login returned %d", resp.StatusCode)
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("decode login response: %w", err)
	}
	if parsed.AccessToken == "" {
		return fmt.Errorf("login response had no access token")
	}
	c.mu.Lock()
	c.token = parsed.AccessToken
	c.mu.Unlock()
	c.logger.Debug("boingo login succeeded")
	return nil
}

// CreateResult delivers a finalized listing upstream.
func (c *Client) CreateResult(ctx context.Context, payload ResultPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal result payload: %w", err)
	}
	resp, err := c.doAuthed(ctx, http.MethodPost, "/scraping-results", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("create result returned %d", resp.StatusCode)
	}
	return nil
}

// UpdateRunStatus reflects a run's terminal state upstream.
func (c *Client) UpdateRunStatus(ctx context.Context, runID, status string) error {
	body, err := json.Marshal(map[string]string{"status": status})
	if err != nil {
		return fmt.Errorf("marshal status payload: %w", err)
	}
	resp, err := c.doAuthed(ctx, http.MethodPatch, "/scraping-results/"+runID, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("update run status returned %d", resp.StatusCode)
	}
	return nil
}

// FetchAgentAnalytics pulls the upstream fleet view.
func (c *Client) FetchAgentAnalytics(ctx context.Context) ([]AgentAnalytics, error) {
	resp, err := c.doAuthed(ctx, http.MethodGet, "/agent-status", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent analytics returned %d", resp.StatusCode)
	}
	var analytics []AgentAnalytics
	if err := json.NewDecoder(resp.Body).Decode(&analytics); err != nil {
		return nil, fmt.Errorf("decode agent analytics: %w", err)
	}
	return analytics, nil
}

// doAuthed performs a bearer-authenticated request, logging in lazily
// and once more when the token has expired.
func (c *Client) doAuthed(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	if c.currentToken() == "" {
		if err := c.Login(ctx); err != nil {
			return nil, err
		}
	}
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	c.logger.Debug("boingo token expired, re-authenticating")
	if err := c.Login(ctx); err != nil {
		return nil, err
	}
	return c.send(ctx, method, path, body)
}

func (c *Client) send(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.currentToken())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}
