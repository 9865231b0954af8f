// Package aigateway provides a client for the universal endpoint of an AI
// gateway that proxies chat completion requests to a language model
// provider.
package aigateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/itchyny/gojq"
	"go.uber.org/zap"

	"github.com/simplesurance/depbump/internal/bumperr"
	"github.com/simplesurance/depbump/internal/logfields"
)

const (
	DefaultBaseURL      = "https://gateway.ai.cloudflare.com/v1"
	DefaultTimeout      = time.Minute
	DefaultEndpoint     = "chat/completions"
	DefaultContentQuery = ".choices[0].message.content"
)

const (
	loggerName  = "ai_gateway_client"
	opComplete  = "aigateway.complete"
	maxBodySize = 4 << 20
)

// Config describes the gateway and the provider the requests are routed to.
type Config struct {
	BaseURL   string
	Account   string
	GatewayID string
	Provider  string
	Endpoint  string
	Model     string
	// AuthToken is the credential of the provider, it is forwarded by the
	// gateway.
	AuthToken string
	Timeout   time.Duration
	// ContentQuery is a jq query extracting the generated text from the
	// provider response.
	ContentQuery string
}

type Retryer interface {
	Run(ctx context.Context, fn func(context.Context) error, logF []zap.Field) error
}

// Client sends chat completion requests to the gateway.
type Client struct {
	cfg          Config
	url          string
	contentQuery *gojq.Code
	httpClient   *http.Client
	retryer      Retryer
	logger       *zap.Logger
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type query struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
}

type providerRequest struct {
	Provider string            `json:"provider"`
	Endpoint string            `json:"endpoint"`
	Headers  map[string]string `json:"headers"`
	Query    query             `json:"query"`
}

// New returns a new gateway client.
// retryer can be nil, requests are then not retried.
func New(cfg Config, retryer Retryer) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ContentQuery == "" {
		cfg.ContentQuery = DefaultContentQuery
	}

	if cfg.Account == "" || cfg.GatewayID == "" {
		return nil, errors.New("gateway account and gateway id must be set")
	}

	if cfg.Provider == "" || cfg.Model == "" {
		return nil, errors.New("provider and model must be set")
	}

	q, err := gojq.Parse(cfg.ContentQuery)
	if err != nil {
		return nil, fmt.Errorf("parsing content query %q failed: %w", cfg.ContentQuery, err)
	}

	code, err := gojq.Compile(q)
	if err != nil {
		return nil, fmt.Errorf("compiling content query %q failed: %w", cfg.ContentQuery, err)
	}

	return &Client{
		cfg:          cfg,
		url:          fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(cfg.BaseURL, "/"), cfg.Account, cfg.GatewayID),
		contentQuery: code,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		retryer:      retryer,
		logger:       zap.L().Named(loggerName),
	}, nil
}

// Model returns the name of the model the requests are sent to.
func (c *Client) Model() string {
	return c.cfg.Model
}

// Complete sends the system and user message to the model and returns the
// generated text.
func (c *Client) Complete(ctx context.Context, systemMsg, userMsg string) (string, error) {
	payload, err := json.Marshal([]providerRequest{
		{
			Provider: c.cfg.Provider,
			Endpoint: c.cfg.Endpoint,
			Headers: map[string]string{
				"Authorization": "Bearer " + c.cfg.AuthToken,
				"Content-Type":  "application/json",
			},
			Query: query{
				Model: c.cfg.Model,
				Messages: []message{
					{Role: "system", Content: systemMsg},
					{Role: "user", Content: userMsg},
				},
			},
		},
	})
	if err != nil {
		return "", bumperr.New(bumperr.KindInternal, opComplete, err)
	}

	logF := []zap.Field{
		logfields.Operation(opComplete),
		zap.String("ai.provider", c.cfg.Provider),
		zap.String("ai.model", c.cfg.Model),
	}

	var result string
	fn := func(ctx context.Context) error {
		var err error
		result, err = c.send(ctx, payload)
		return err
	}

	if c.retryer != nil {
		err = c.retryer.Run(ctx, fn, logF)
	} else {
		err = fn(ctx)
	}
	if err != nil {
		c.logger.Info(
			"completion request failed",
			append(logF, logfields.Event("ai_gateway_request_failed"), zap.Error(err))...,
		)
		return "", err
	}

	c.logger.Debug(
		"completion request succeeded",
		append(logF, logfields.Event("ai_gateway_request_succeeded"), zap.Int("ai.response_length", len(result)))...,
	)

	return result, nil
}

func (c *Client) send(ctx context.Context, payload []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return "", bumperr.New(bumperr.KindInternal, opComplete, err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}

		return "", bumperr.NewRetryableAnytimeError(bumperr.UpstreamUnavailable(opComplete, err))
	}

	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return "", bumperr.NewRetryableAnytimeError(
			bumperr.UpstreamUnavailable(opComplete, fmt.Errorf("reading response body failed: %w", err)),
		)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := bumperr.UpstreamUnavailable(opComplete, fmt.Errorf("gateway responded with status %d: %q", resp.StatusCode, truncate(body)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return "", bumperr.NewRetryableAnytimeError(err)
		}

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return "", bumperr.Unauthorized(opComplete, err)
		}

		return "", err
	}

	return c.extractContent(ctx, body)
}

func (c *Client) extractContent(ctx context.Context, body []byte) (string, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", bumperr.UpstreamUnavailable(opComplete, fmt.Errorf("decoding response failed: %w", err))
	}

	res, ok := c.contentQuery.RunWithContext(ctx, doc).Next()
	if !ok {
		return "", bumperr.UpstreamUnavailable(opComplete, errors.New("message content not found in response"))
	}

	if err, isErr := res.(error); isErr {
		return "", bumperr.UpstreamUnavailable(opComplete, fmt.Errorf("message content not found in response: %w", err))
	}

	content, ok := res.(string)
	if !ok {
		return "", bumperr.UpstreamUnavailable(opComplete, fmt.Errorf("message content not found in response, query returned: %v", res))
	}

	return content, nil
}

func truncate(b []byte) string {
	const maxLen = 256

	if len(b) > maxLen {
		return string(b[:maxLen])
	}

	return string(b)
}
