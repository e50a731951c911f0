// ABOUTME: HTTP client for the KOOK REST API with envelope decoding and bot auth
// ABOUTME: Gateway URL lookups go through a sony/gobreaker circuit breaker

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
)

// DefaultBaseURL is the public KOOK API root.
const DefaultBaseURL = "https://www.kookapp.cn/api/v3"

// Error is a response whose envelope carried a non-zero code.
type Error struct {
	Code    int64
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Code, e.Message)
}

// StatusError is a response with a non-200 HTTP status.
type StatusError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.Status)
}

// ErrBreakerOpen is returned while the gateway lookup breaker is open.
var ErrBreakerOpen = gobreaker.ErrOpenState

type envelope struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Client calls the KOOK HTTP API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger.With("component", "api") }
}

// WithBreaker overrides the gateway lookup breaker settings. Name and
// OnStateChange are filled in when empty.
func WithBreaker(settings gobreaker.Settings) Option {
	return func(c *Client) { c.breaker = c.newBreaker(settings) }
}

// New creates a client for baseURL authenticated with a bot token.
func New(baseURL, token string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default().With("component", "api"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = c.newBreaker(gobreaker.Settings{
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
	}
	return c
}

func (c *Client) newBreaker(settings gobreaker.Settings) *gobreaker.CircuitBreaker {
	if settings.Name == "" {
		settings.Name = "gateway-index"
	}
	if settings.OnStateChange == nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		}
	}
	return gobreaker.NewCircuitBreaker(settings)
}

type gatewayIndexData struct {
	URL string `json:"url"`
}

// GatewayURL calls /gateway/index and returns the websocket URL to dial.
func (c *Client) GatewayURL(ctx context.Context, compress bool) (string, error) {
	q := url.Values{}
	q.Set("compress", "0")
	if compress {
		q.Set("compress", "1")
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		var data gatewayIndexData
		if err := c.do(ctx, http.MethodGet, "/gateway/index", q, nil, &data); err != nil {
			return nil, err
		}
		if data.URL == "" {
			return nil, errors.New("gateway index returned an empty url")
		}
		return data.URL, nil
	})
	if err != nil {
		return "", fmt.Errorf("fetching gateway url: %w", err)
	}
	return result.(string), nil
}

// CreateMessageRequest is the body of /message/create.
type CreateMessageRequest struct {
	Type         int    `json:"type,omitempty"`
	TargetID     string `json:"target_id"`
	Content      string `json:"content"`
	Quote        string `json:"quote,omitempty"`
	Nonce        string `json:"nonce,omitempty"`
	TempTargetID string `json:"temp_target_id,omitempty"`
}

// CreateMessageResult is the data returned by /message/create.
type CreateMessageResult struct {
	MsgID        string `json:"msg_id"`
	MsgTimestamp int64  `json:"msg_timestamp"`
	Nonce        string `json:"nonce"`
}

// CreateMessage posts a channel message. A nonce is generated when the
// request has none.
func (c *Client) CreateMessage(ctx context.Context, req CreateMessageRequest) (*CreateMessageResult, error) {
	if req.Nonce == "" {
		req.Nonce = uuid.NewString()
	}
	var result CreateMessageResult
	if err := c.do(ctx, http.MethodPost, "/message/create", nil, req, &result); err != nil {
		return nil, fmt.Errorf("creating message: %w", err)
	}
	return &result, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return &StatusError{Method: method, URL: c.baseURL + path, Status: resp.StatusCode, Body: string(raw)}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decoding response envelope: %w", err)
	}
	if env.Code != 0 {
		return &Error{Code: env.Code, Message: env.Message}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decoding response data: %w", err)
	}

	c.logger.Debug("api call", "method", method, "path", path)
	return nil
}
