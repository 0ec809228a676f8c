package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/martinjo/ai/config"
	"github.com/martinjo/ai/proto"
	"github.com/martinjo/ai/stream"
)

// Protocol selects the wire mode of the endpoint's response stream.
type Protocol string

// Wire modes.
const (
	ProtocolData Protocol = "data"
	ProtocolText Protocol = "text"
)

// CredentialsMode controls whether stored credentials accompany requests.
type CredentialsMode string

// Credential modes.
const (
	CredentialsInclude CredentialsMode = "include"
	CredentialsOmit    CredentialsMode = "omit"
)

// ClientConfig represents the configuration for the completion endpoint
// client.
type ClientConfig struct {
	// Endpoint is the URL POSTed to for each exchange.
	Endpoint string

	// APIKey is sent as a bearer token unless Credentials is
	// [CredentialsOmit].
	APIKey string

	Credentials CredentialsMode
	Protocol    Protocol

	// Headers and Body are merged into every request.
	Headers http.Header
	Body    map[string]any

	// MaxRetries is how often the establishing call is retried. Retries
	// never resume a partially-read stream.
	MaxRetries int

	HTTPClient *http.Client
}

// DefaultClientConfig returns the default configuration for the given
// endpoint.
func DefaultClientConfig(endpoint string) ClientConfig {
	return ClientConfig{
		Endpoint:    endpoint,
		Credentials: CredentialsInclude,
		Protocol:    ProtocolData,
		MaxRetries:  2,
	}
}

// Client issues exchanges against a completion endpoint.
type Client struct {
	config ClientConfig
	http   *http.Client
}

// NewClient creates a new [Client] with the given [ClientConfig].
func NewClient(config ClientConfig) *Client {
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if config.Protocol == "" {
		config.Protocol = ProtocolData
	}
	return &Client{
		config: config,
		http:   httpClient,
	}
}

// NewClientFromConfig creates a [Client] from loaded library settings.
func NewClientFromConfig(cfg config.Config) *Client {
	clientConfig := DefaultClientConfig(cfg.Endpoint)
	clientConfig.APIKey = cfg.APIKey
	clientConfig.MaxRetries = cfg.MaxRetries
	if cfg.Protocol != "" {
		clientConfig.Protocol = Protocol(cfg.Protocol)
	}
	if cfg.Timeout > 0 {
		clientConfig.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return NewClient(clientConfig)
}

// RequestOptions are per-exchange overrides passed through to the endpoint.
type RequestOptions struct {
	Headers http.Header
	Body    map[string]any

	Tools       []mcp.Tool
	Temperature *float64
	TopP        *float64
	MaxTokens   *int64
	Stop        []string
}

// send establishes an exchange and returns the raw response plus a decoder
// for its body. The caller owns closing the response body.
func (c *Client) send(ctx context.Context, req proto.Request, opts *RequestOptions) (*http.Response, stream.Decoder, error) {
	if opts != nil {
		req.Tools = opts.Tools
		req.Temperature = opts.Temperature
		req.TopP = opts.TopP
		req.MaxTokens = opts.MaxTokens
		req.Stop = opts.Stop
	}

	body, err := c.buildBody(req, opts)
	if err != nil {
		return nil, nil, err
	}

	for attempt := 0; ; attempt++ {
		resp, err := c.post(ctx, body, opts)
		if err != nil {
			if isAbort(err) || attempt >= c.config.MaxRetries {
				return nil, nil, err
			}
			if sleepErr := sleep(ctx, backoffDelay(attempt)); sleepErr != nil {
				return nil, nil, sleepErr
			}
			continue
		}
		if resp.StatusCode/100 == 2 {
			return resp, c.decoder(resp.Body), nil
		}

		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		transportErr := &TransportError{
			StatusCode: resp.StatusCode,
			Body:       string(bytes.TrimSpace(payload)),
		}
		if !retryable(resp.StatusCode) || attempt >= c.config.MaxRetries {
			return nil, nil, transportErr
		}
		if sleepErr := sleep(ctx, backoffDelay(attempt)); sleepErr != nil {
			return nil, nil, sleepErr
		}
	}
}

// buildBody marshals the request and merges the client and per-call extra
// body fields over it.
func (c *Client) buildBody(req proto.Request, opts *RequestOptions) ([]byte, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("chat: encode request: %w", err)
	}
	if len(c.config.Body) == 0 && (opts == nil || len(opts.Body) == 0) {
		return raw, nil
	}

	var merged map[string]any
	if err := json.Unmarshal(raw, &merged); err != nil {
		return nil, fmt.Errorf("chat: encode request: %w", err)
	}
	for k, v := range c.config.Body {
		merged[k] = v
	}
	if opts != nil {
		for k, v := range opts.Body {
			merged[k] = v
		}
	}
	raw, err = json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("chat: encode request: %w", err)
	}
	return raw, nil
}

func (c *Client) post(ctx context.Context, body []byte, opts *RequestOptions) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, vs := range c.config.Headers {
		httpReq.Header[k] = vs
	}
	if opts != nil {
		for k, vs := range opts.Headers {
			httpReq.Header[k] = vs
		}
	}
	if c.config.Credentials != CredentialsOmit && c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if isAbort(err) || isAbort(ctx.Err()) {
			return nil, context.Canceled
		}
		return nil, &TransportError{Err: err}
	}
	return resp, nil
}

func (c *Client) decoder(body io.Reader) stream.Decoder {
	if c.config.Protocol == ProtocolText {
		return stream.NewTextDecoder(body)
	}
	return stream.NewDataDecoder(body)
}

func retryable(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return status >= 500
}

// backoffDelay is exponential with jitter, starting at 200ms and capped at
// 3s.
func backoffDelay(attempt int) time.Duration {
	if attempt > 6 {
		attempt = 6
	}
	delay := 200 * time.Millisecond << attempt
	if delay > 3*time.Second {
		delay = 3 * time.Second
	}
	jitter := time.Duration(rand.Int64N(int64(delay) / 5))
	return delay + jitter
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return context.Canceled
	case <-timer.C:
		return nil
	}
}
