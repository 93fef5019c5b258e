// Package backend provides an HTTP client for the externally-owned
// messaging backend. The backend is treated as an opaque HTTP peer: this
// client only probes its status endpoint and proxies send/chats/history
// calls, returning the backend's JSON verbatim.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// DefaultBaseURL is the backend address used when none is configured.
const DefaultBaseURL = "http://localhost:3001"

type Client struct {
	Logger *zap.SugaredLogger

	baseURL                  string
	probeTimeout             time.Duration
	callTimeout              time.Duration
	waitInterval             time.Duration
	customizeRetryableClient func(*retryablehttp.Client)

	// probeClient carries the short probe timeout and never retries.
	probeClient *http.Client
	// callClient serves the pass-through GETs and is built from a
	// retryablehttp client so transient backend hiccups get retried.
	callClient *http.Client
	// sendClient posts messages; sends are not idempotent so no retries.
	sendClient *http.Client
}

type Option func(c *Client)

func WithProbeTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.probeTimeout = d
	}
}

func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.callTimeout = d
	}
}

func WithWaitInterval(d time.Duration) Option {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) Option {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

func NewClient(log *zap.SugaredLogger, baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		Logger:       log.Named("backend_client"),
		baseURL:      baseURL,
		probeTimeout: 2 * time.Second,
		callTimeout:  10 * time.Second,
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 2
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 100 * time.Millisecond
	}
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}
	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.probeClient = &http.Client{Timeout: c.probeTimeout}
	c.callClient = retryClient.StandardClient()
	c.callClient.Timeout = c.callTimeout
	c.sendClient = &http.Client{Timeout: c.callTimeout}

	return c
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// Probe reports whether the backend's status endpoint answers with a
// success code within the probe timeout. All failures, including timeouts
// and connection errors, fold into false.
func (c *Client) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		c.Logger.Debugf("building probe request: %s", err)
		return false
	}
	resp, err := c.probeClient.Do(req)
	if err != nil {
		c.Logger.Debugf("probe error: %s", err)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// WaitReady polls the backend until a probe succeeds or the context is done.
func (c *Client) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if c.Probe(ctx) {
				c.Logger.Debug("probe succeeded, done waiting for backend")
				return nil
			}
		}
	}
}

type sendMessageRequest struct {
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
}

// SendMessage posts a message to the backend and returns its response body
// verbatim. Only transport failures are errors; the backend's own status
// handling is carried in the returned JSON.
func (c *Client) SendMessage(ctx context.Context, recipient, message string) ([]byte, error) {
	b, err := json.Marshal(sendMessageRequest{Recipient: recipient, Message: message})
	if err != nil {
		return nil, fmt.Errorf("marshaling send request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/send-message", bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("building send request: %w", err)
	}
	req.Header.Add("Content-Type", "application/json")

	resp, err := c.sendClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending message: %w", err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// Chats returns the backend's chat list response verbatim.
func (c *Client) Chats(ctx context.Context) ([]byte, error) {
	return c.get(ctx, c.baseURL+"/get-chats")
}

// ChatHistory returns the backend's chat history for a contact verbatim.
func (c *Client) ChatHistory(ctx context.Context, contact string, limit int) ([]byte, error) {
	u := c.baseURL + "/get-chat-history/" + url.PathEscape(contact) + "?limit=" + strconv.Itoa(limit)
	return c.get(ctx, u)
}

func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := c.callClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling backend: %w", err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}
