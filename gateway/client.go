package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/guseggert/scriptrelay/session"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Health is the response of the health endpoint.
type Health struct {
	Status         string
	ActiveSessions int
}

// Client talks to a gateway: it checks its health and opens session connections.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	wsURL                    string
	origin                   string
	customizeRetryableClient func(*retryablehttp.Client)

	waitInterval time.Duration
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("gateway_client").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

// WithOrigin sets the Origin header sent when opening session connections.
func WithOrigin(origin string) ClientOption {
	return func(c *Client) {
		c.origin = origin
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

func NewClient(log *zap.SugaredLogger, host string, port int, opts ...ClientOption) *Client {
	c := &Client{
		Logger:       log.Named("gateway_client"),
		baseURL:      fmt.Sprintf("http://%s:%d", host, port),
		wsURL:        fmt.Sprintf("ws://%s:%d/ws", host, port),
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c
}

// Health fetches the health of the gateway.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Close = true

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected health status code %d", resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading health response: %w", err)
	}
	health := &Health{}
	if err := json.Unmarshal(b, health); err != nil {
		return nil, fmt.Errorf("unmarshaling health response: %w", err)
	}
	return health, nil
}

// WaitForServer polls the health endpoint until the gateway answers.
func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, err := c.Health(ctx)
			if err == nil {
				c.Logger.Debug("health check succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got health check error: %s", err)
		}
	}
}

// Connect opens a session connection to the gateway.
func (c *Client) Connect(ctx context.Context) (*session.Conn, error) {
	header := http.Header{}
	if c.origin != "" {
		header.Set("Origin", c.origin)
	}
	sessionClient := &session.Client{
		// the upgrade handshake can't go through the retrying transport
		HTTPClient: &http.Client{},
		URL:        c.wsURL,
		Header:     header,
		Logger:     c.Logger,
	}
	return sessionClient.Dial(ctx)
}
