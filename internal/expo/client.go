package expo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultURL is the public send endpoint.
const DefaultURL = "https://exp.host/--/api/v2/push/send"

const maxResponseBytes = 4 << 20

// Config holds gateway client settings.
type Config struct {
	URL         string
	AccessToken string        // optional enhanced-security access token
	Timeout     time.Duration // whole-request timeout, default 30s
	RateLimit   float64       // requests per second, 0 disables pacing
	Burst       int
	HTTPClient  *http.Client // overrides the default transport, mainly for tests
}

// Client sends message batches to the push gateway.
type Client struct {
	http        *http.Client
	url         string
	accessToken string
	limiter     *rate.Limiter
	logger      *zap.Logger
}

// NewClient creates a gateway client
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				DialContext:         (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Client{
		http:        hc,
		url:         cfg.URL,
		accessToken: cfg.AccessToken,
		limiter:     limiter,
		logger:      logger,
	}
}

// URL returns the configured send endpoint.
func (c *Client) URL() string {
	return c.url
}

// Send posts msgs in one request and returns one ticket per message, in
// submission order. Any error means no ticket is trustworthy.
func (c *Client) Send(ctx context.Context, msgs []Message) ([]Ticket, error) {
	if len(msgs) == 0 {
		return nil, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for send slot: %w", err)
	}

	body, err := json.Marshal(msgs)
	if err != nil {
		return nil, fmt.Errorf("encode push messages: %w", err)
	}

	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}

	if len(resp.Errors) > 0 && len(resp.Data) == 0 {
		return nil, fmt.Errorf("push gateway rejected request: %s: %s", resp.Errors[0].Code, resp.Errors[0].Message)
	}

	c.logger.Debug("push batch sent",
		zap.Int("messages", len(msgs)),
		zap.Int("tickets", len(resp.Data)),
	)

	return resp.Data, nil
}

// Probe sends a throwaway message to check the gateway answers. A ticket
// error for the fake token still counts as reachable.
func (c *Client) Probe(ctx context.Context) error {
	body, err := json.Marshal([]Message{{
		To:    tokenPrefix + "probe" + tokenSuffix,
		Title: "probe",
		Body:  "connection test",
	}})
	if err != nil {
		return fmt.Errorf("encode probe: %w", err)
	}

	_, err = c.post(ctx, body)
	return err
}

func (c *Client) post(ctx context.Context, body []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create push request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "familypush/1.0")
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("push request failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		preview, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return nil, fmt.Errorf("push gateway returned non-2xx status: %d, body: %s", res.StatusCode, string(preview))
	}

	var out Response
	if err := json.NewDecoder(io.LimitReader(res.Body, maxResponseBytes)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode push response: %w", err)
	}
	return &out, nil
}
