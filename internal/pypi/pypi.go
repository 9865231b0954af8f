// Package pypi provides a client for the JSON API of a Python package index.
package pypi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/itchyny/gojq"
	"go.uber.org/zap"

	"github.com/simplesurance/depbump/internal/bumperr"
	"github.com/simplesurance/depbump/internal/logfields"
)

const (
	DefaultBaseURL      = "https://pypi.org/pypi"
	DefaultTimeout      = 10 * time.Second
	DefaultVersionQuery = ".info.version"
)

const (
	loggerName      = "pypi_client"
	opLatestVersion = "pypi.latest_version"
	maxBodySize     = 16 << 20
)

// Retryer runs fn repeatedly while it fails with a bumperr.RetryableError.
type Retryer interface {
	Run(ctx context.Context, fn func(context.Context) error, logF []zap.Field) error
}

// Client queries the latest released version of packages.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	versionQuery *gojq.Code
	retryer      Retryer
	cache        *expirable.LRU[string, string]
	logger       *zap.Logger
}

type Option func(*Client) error

// WithTimeout sets the timeout of a single http request.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) error {
		c.httpClient.Timeout = timeout
		return nil
	}
}

func WithHTTPClient(clt *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = clt
		return nil
	}
}

// WithVersionQuery sets the jq query that extracts the version from the
// JSON document returned by the index.
func WithVersionQuery(query string) Option {
	return func(c *Client) error {
		code, err := CompileQuery(query)
		if err != nil {
			return err
		}

		c.versionQuery = code
		return nil
	}
}

// WithRetryer enables retrying lookups that failed with a temporary error.
func WithRetryer(r Retryer) Option {
	return func(c *Client) error {
		c.retryer = r
		return nil
	}
}

// WithCache caches successful lookups for ttl.
// If size is <=0, caching is disabled.
func WithCache(size int, ttl time.Duration) Option {
	return func(c *Client) error {
		if size <= 0 {
			c.cache = nil
			return nil
		}

		c.cache = expirable.NewLRU[string, string](size, nil, ttl)
		return nil
	}
}

// CompileQuery parses and compiles a jq query.
func CompileQuery(query string) (*gojq.Code, error) {
	q, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("parsing jq query %q failed: %w", query, err)
	}

	code, err := gojq.Compile(q)
	if err != nil {
		return nil, fmt.Errorf("compiling jq query %q failed: %w", query, err)
	}

	return code, nil
}

// New returns a client for the package index reachable at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	c := Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     zap.L().Named(loggerName),
	}

	for _, o := range append([]Option{WithVersionQuery(DefaultVersionQuery)}, opts...) {
		if err := o(&c); err != nil {
			return nil, err
		}
	}

	return &c, nil
}

// LatestVersion returns the latest version of the package.
// If the index does not know the package or the response does not contain a
// version, a bumperr.KindNotFound error is returned.
// Network errors, timeouts and non-2xx responses are returned as
// bumperr.KindUpstreamUnavailable errors.
func (c *Client) LatestVersion(ctx context.Context, packageName string) (string, error) {
	packageName = strings.TrimSpace(packageName)
	if packageName == "" {
		return "", bumperr.MalformedInput(opLatestVersion, errors.New("package name is empty"))
	}

	if c.cache != nil {
		if v, ok := c.cache.Get(packageName); ok {
			metrics.LookupInc(lookupResultCached)
			return v, nil
		}
	}

	logF := []zap.Field{logfields.Package(packageName), logfields.Operation(opLatestVersion)}

	var result string
	err := c.run(ctx, func(ctx context.Context) error {
		var err error
		result, err = c.latestVersion(ctx, packageName)
		return err
	}, logF)
	if err != nil {
		if bumperr.Is(err, bumperr.KindNotFound) {
			metrics.LookupInc(lookupResultNotFound)
		} else {
			metrics.LookupInc(lookupResultFailed)
		}

		c.logger.Debug(
			"looking up latest version failed",
			append(logF, logfields.Event("pypi_lookup_failed"), zap.Error(err))...,
		)

		return "", err
	}

	metrics.LookupInc(lookupResultFound)

	if c.cache != nil {
		c.cache.Add(packageName, result)
	}

	c.logger.Debug(
		"looked up latest version",
		append(logF, logfields.Event("pypi_lookup_succeeded"), logfields.LatestVersion(result))...,
	)

	return result, nil
}

func (c *Client) run(ctx context.Context, fn func(context.Context) error, logF []zap.Field) error {
	if c.retryer == nil {
		return fn(ctx)
	}

	return c.retryer.Run(ctx, fn, logF)
}

func (c *Client) latestVersion(ctx context.Context, packageName string) (string, error) {
	reqURL := fmt.Sprintf("%s/%s/json", c.baseURL, url.PathEscape(packageName))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", bumperr.MalformedInput(opLatestVersion, err)
	}

	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}

		return "", bumperr.NewRetryableAnytimeError(bumperr.UpstreamUnavailable(opLatestVersion, err))
	}

	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return "", bumperr.NewRetryableAnytimeError(
			bumperr.UpstreamUnavailable(opLatestVersion, fmt.Errorf("reading response body failed: %w", err)),
		)
	}

	if err := statusToError(resp.StatusCode, body); err != nil {
		return "", err
	}

	return c.extractVersion(ctx, body)
}

func statusToError(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	httpErr := &ErrorHTTPRequest{Status: status, Body: body}

	switch {
	case status == http.StatusNotFound:
		return bumperr.NotFound(opLatestVersion, httpErr)

	case status == http.StatusTooManyRequests, status >= 500:
		return bumperr.NewRetryableAnytimeError(bumperr.UpstreamUnavailable(opLatestVersion, httpErr))

	default:
		return bumperr.UpstreamUnavailable(opLatestVersion, httpErr)
	}
}

func (c *Client) extractVersion(ctx context.Context, body []byte) (string, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", bumperr.UpstreamUnavailable(opLatestVersion, fmt.Errorf("decoding response failed: %w", err))
	}

	iter := c.versionQuery.RunWithContext(ctx, doc)

	res, ok := iter.Next()
	if !ok {
		return "", bumperr.NotFound(opLatestVersion, errors.New("response contains no version"))
	}

	if err, isErr := res.(error); isErr {
		return "", bumperr.UpstreamUnavailable(opLatestVersion, fmt.Errorf("evaluating version query failed: %w", err))
	}

	version, ok := res.(string)
	if !ok || version == "" {
		return "", bumperr.NotFound(opLatestVersion, fmt.Errorf("response contains no version, query returned: %v", res))
	}

	return version, nil
}
