// Package client sends single-message chat-completion requests to an
// OpenAI-compatible endpoint and reports transport failures as classified errors.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for chat-completion calls.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_requests_total",
		Help: "Total chat-completion requests by HTTP status (or error class when no response)",
	}, []string{"status"})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_request_duration_seconds",
		Help:    "Chat-completion round-trip duration in seconds",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
	})
)

const (
	// DefaultPath is the chat-completions sub-path appended to the base URL.
	DefaultPath = "/v1/chat/completions"

	// DefaultModel is the model identifier sent when none is configured.
	DefaultModel = "gpt-3.5-turbo"

	// maxBodyBytes bounds how much of a response body is read.
	maxBodyBytes = 8 << 20
)

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the JSON body posted to the endpoint.
type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

// Response is a successful (2xx, well-formed JSON) completion.
type Response struct {
	StatusCode int
	Body       json.RawMessage
	Elapsed    time.Duration
}

// Config holds the client configuration.
type Config struct {
	// BaseURL of the service, e.g. "https://api.openai.com".
	BaseURL string

	// Path appended to BaseURL (default DefaultPath).
	Path string

	// APIKey is sent as a bearer token. Empty means no Authorization header.
	APIKey string

	// Model identifier placed in every request.
	Model string

	// Timeout per request (default 60s).
	Timeout time.Duration

	// HTTPClient overrides the shared client (tests).
	HTTPClient *http.Client
}

// Client is a chat-completion client. One Client, and its connection pool, is
// shared by all executors of a run.
type Client struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	model      string
	logger     zerolog.Logger
}

// New creates a new chat-completion client.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, ErrMissingBaseURL
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		httpClient: httpClient,
		endpoint:   strings.TrimRight(cfg.BaseURL, "/") + "/" + strings.TrimLeft(cfg.Path, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		logger:     logger,
	}, nil
}

// Endpoint returns the full URL requests are posted to.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Complete posts text as a single user message. Any failure to obtain a 2xx
// response with a JSON body is returned as *APIError.
func (c *Client) Complete(ctx context.Context, text string) (*Response, error) {
	payload, err := json.Marshal(ChatRequest{
		Model:    c.model,
		Messages: []Message{{Role: "user", Content: text}},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return nil, &APIError{Class: ErrorClassNetwork, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	elapsed := time.Since(start)
	requestDuration.Observe(elapsed.Seconds())
	requestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	if err != nil {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Class:      ErrorClassNetwork,
			Message:    "read response body",
			Err:        err,
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Class:      classifyStatus(resp.StatusCode),
			Message:    resp.Status,
		}
	}

	if !json.Valid(body) {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Class:      ErrorClassDecode,
			Message:    "response is not JSON",
			Err:        ErrMalformedResponse,
		}
	}

	c.logger.Debug().
		Int("status_code", resp.StatusCode).
		Dur("duration", elapsed).
		Int("bytes", len(body)).
		Msg("Chat completion received")

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       json.RawMessage(body),
		Elapsed:    elapsed,
	}, nil
}
