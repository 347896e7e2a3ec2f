// Package contentstore provides clients for the remote content store the
// sync core pushes document content to. The store owns merging of
// concurrent edits; clients see whole-content reads, writes, and change
// notifications per key.
package contentstore

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

	"nhooyr.io/websocket"
)

var ErrKeyNotFound = errors.New("key not found")

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrKeyNotFound && e.StatusCode == http.StatusNotFound
}

// Wire contracts at the store boundary. Payload shapes are explicit and
// notifications are schema-validated before dispatch.
type readResponse struct {
	Key      string `json:"key"`
	Revision string `json:"revision,omitempty"`
	Content  string `json:"content"`
}

type writeRequest struct {
	Content string `json:"content"`
}

type writeResponse struct {
	Key      string `json:"key"`
	Revision string `json:"revision,omitempty"`
}

type changeNotification struct {
	Key     string `json:"key"`
	Content string `json:"content"`
}

type Logger interface {
	Printf(format string, args ...any)
}

// Client talks to the content store over HTTP, with websocket change
// subscriptions. Transient failures (5xx, 429, transport errors) are
// retried with exponential backoff.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     Logger
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

type ClientOptions struct {
	HTTPClient *http.Client
	Logger     Logger
}

func NewClient(baseURL, token string, opts ClientOptions) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		logger:     opts.Logger,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *Client) Read(ctx context.Context, key string) ([]byte, error) {
	q := url.Values{}
	q.Set("key", key)
	var out readResponse
	err := c.doJSON(ctx, http.MethodGet, "/v1/content?"+q.Encode(), nil, &out)
	if err != nil {
		return nil, err
	}
	return []byte(out.Content), nil
}

func (c *Client) Write(ctx context.Context, key string, data []byte) error {
	q := url.Values{}
	q.Set("key", key)
	body := writeRequest{Content: string(data)}
	var out writeResponse
	return c.doJSON(ctx, http.MethodPut, "/v1/content?"+q.Encode(), body, &out)
}

// Subscribe opens a websocket for change notifications on key and invokes
// onChange with each new content payload. The returned handle stops the
// subscription; dropped connections are re-dialed with backoff until then.
func (c *Client) Subscribe(ctx context.Context, key string, onChange func(data []byte)) (func(), error) {
	if onChange == nil {
		return nil, fmt.Errorf("onChange is required")
	}
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	conn, err := c.dial(ctx, key)
	if err != nil {
		cancel()
		return nil, err
	}
	go c.readLoop(subCtx, conn, key, onChange)

	return func() { cancel() }, nil
}

func (c *Client) dial(ctx context.Context, key string) (*websocket.Conn, error) {
	q := url.Values{}
	q.Set("key", key)
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/v1/subscribe?" + q.Encode()
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", key, err)
	}
	conn.SetReadLimit(16 << 20)
	return conn, nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, key string, onChange func(data []byte)) {
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "unsubscribe")
	}()
	for {
		_, payload, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logf("subscription %s dropped: %v", key, err)
			next, dialErr := c.redial(ctx, key)
			if dialErr != nil {
				return
			}
			_ = conn.Close(websocket.StatusNormalClosure, "reconnect")
			conn = next
			continue
		}
		notification, err := parseNotification(payload)
		if err != nil {
			c.logf("subscription %s: discarding malformed notification: %v", key, err)
			continue
		}
		if notification.Key != "" && notification.Key != key {
			continue
		}
		onChange([]byte(notification.Content))
	}
}

func (c *Client) redial(ctx context.Context, key string) (*websocket.Conn, error) {
	for attempt := 1; ; attempt++ {
		if err := waitWithContext(ctx, c.retryDelay(attempt, "")); err != nil {
			return nil, err
		}
		conn, err := c.dial(ctx, key)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logf("subscription %s: redial attempt %d failed: %v", key, attempt, err)
	}
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
