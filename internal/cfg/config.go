package cfg

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/itchyny/gojq"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml"
)

type Config struct {
	HTTPListenAddr   string       `toml:"http_server_listen_addr"`
	HTTPSListenAddr  string       `toml:"https_server_listen_addr"`
	HTTPSCertFile    string       `toml:"https_ssl_cert_file"`
	HTTPSKeyFile     string       `toml:"https_ssl_key_file"`
	MetricsEndpoint  string       `toml:"metrics_endpoint"`
	LogFormat        string       `toml:"log_format"`
	LogTimeKey       string       `toml:"log_time_key"`
	LogLevel         string       `toml:"log_level"`
	GithubAPIToken   string       `toml:"github_api_token"`
	DryRun           bool         `toml:"dry_run"`
	ManifestFilePath string       `toml:"manifest_file_path"`
	BranchPrefix     string       `toml:"branch_prefix"`
	PackageIndex     PackageIndex `toml:"package_index"`
	AIGateway        AIGateway    `toml:"ai_gateway"`
	Github           Github       `toml:"github"`
}

type PackageIndex struct {
	BaseURL      string `toml:"base_url"`
	Timeout      string `toml:"timeout"`
	Concurrency  int    `toml:"concurrency"`
	CacheSize    int    `toml:"cache_size"`
	CacheTTL     string `toml:"cache_ttl"`
	VersionQuery string `toml:"version_query"`
	MaxRetryTime string `toml:"max_retry_time"`
}

type AIGateway struct {
	BaseURL        string `toml:"base_url"`
	Account        string `toml:"account"`
	GatewayID      string `toml:"gateway_id"`
	Provider       string `toml:"provider"`
	Endpoint       string `toml:"endpoint"`
	Model          string `toml:"model"`
	AuthToken      string `toml:"auth_token"`
	Timeout        string `toml:"timeout"`
	MaxRetryTime   string `toml:"max_retry_time"`
	ContentQuery   string `toml:"content_query"`
	SummaryHeading string `toml:"summary_heading"`
}

// Enabled returns true if the gateway account is configured.
func (c *AIGateway) Enabled() bool {
	return c.Account != ""
}

type Github struct {
	Timeout      string `toml:"timeout"`
	MaxRetryTime string `toml:"max_retry_time"`
}

// Environment variables that override settings of the configuration file.
const (
	EnvGithubToken        = "GITHUB_TOKEN"
	EnvAIGatewayAuthToken = "GROQ_API_KEY"
	EnvAIGatewayAccount   = "AI_GATEWAY_ACCOUNT"
	EnvAIGatewayID        = "AI_GATEWAY_ID"
	EnvAIGatewayProvider  = "AI_GATEWAY_PROVIDER"
	EnvAIGatewayModel     = "AI_GATEWAY_MODEL"
	EnvHTTPListenAddr     = "DEPBUMP_HTTP_LISTEN_ADDR"
)

// DefaultHTTPListenAddr is the listen address of the HTTP server when no
// configuration file exists.
const DefaultHTTPListenAddr = ":8000"

// Default returns the configuration that is used when no configuration file
// exists.
func Default() *Config {
	c := Config{HTTPListenAddr: DefaultHTTPListenAddr}
	c.setDefaults()
	return &c
}

func (c *Config) setDefaults() {
	setIfEmpty := func(s *string, def string) {
		if *s == "" {
			*s = def
		}
	}

	setIfEmpty(&c.MetricsEndpoint, "/metrics")
	setIfEmpty(&c.LogFormat, "logfmt")
	setIfEmpty(&c.LogTimeKey, "time")
	setIfEmpty(&c.LogLevel, "info")
	setIfEmpty(&c.ManifestFilePath, "requirements.txt")
	setIfEmpty(&c.BranchPrefix, "update-dependencies-")

	setIfEmpty(&c.PackageIndex.BaseURL, "https://pypi.org/pypi")
	setIfEmpty(&c.PackageIndex.Timeout, "10s")
	setIfEmpty(&c.PackageIndex.CacheTTL, "10m")
	setIfEmpty(&c.PackageIndex.VersionQuery, ".info.version")
	setIfEmpty(&c.PackageIndex.MaxRetryTime, "30s")
	if c.PackageIndex.Concurrency == 0 {
		c.PackageIndex.Concurrency = 8
	}

	setIfEmpty(&c.AIGateway.BaseURL, "https://gateway.ai.cloudflare.com/v1")
	setIfEmpty(&c.AIGateway.GatewayID, "aiproxy")
	setIfEmpty(&c.AIGateway.Provider, "groq")
	setIfEmpty(&c.AIGateway.Endpoint, "chat/completions")
	setIfEmpty(&c.AIGateway.Model, "llama-3.2-3b-preview")
	setIfEmpty(&c.AIGateway.Timeout, "1m")
	setIfEmpty(&c.AIGateway.MaxRetryTime, "30s")
	setIfEmpty(&c.AIGateway.ContentQuery, ".choices[0].message.content")
	setIfEmpty(&c.AIGateway.SummaryHeading, "Llama")

	setIfEmpty(&c.Github.Timeout, "30s")
	setIfEmpty(&c.Github.MaxRetryTime, "1m")
}

// Load reads a TOML configuration from reader. Settings that are not
// specified are set to their default values, except the listen addresses.
func Load(reader io.Reader) (*Config, error) {
	var result Config

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	result.setDefaults()

	return &result, nil
}

// LoadFile loads the configuration file at path.
// If the file does not exist, the default configuration is returned.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}

		return nil, err
	}

	defer f.Close()

	return Load(f)
}

// LoadDotEnv loads environment variables from the given .env files into
// the process environment. Variables that are already set are not
// overwritten. Files that do not exist are ignored.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}

		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("loading %s failed: %w", p, err)
		}
	}

	return nil
}

// ApplyEnv overrides settings with the values of environment variables.
// lookupEnv is usually os.LookupEnv.
func (c *Config) ApplyEnv(lookupEnv func(string) (string, bool)) {
	overrides := []struct {
		env string
		dst *string
	}{
		{EnvGithubToken, &c.GithubAPIToken},
		{EnvAIGatewayAuthToken, &c.AIGateway.AuthToken},
		{EnvAIGatewayAccount, &c.AIGateway.Account},
		{EnvAIGatewayID, &c.AIGateway.GatewayID},
		{EnvAIGatewayProvider, &c.AIGateway.Provider},
		{EnvAIGatewayModel, &c.AIGateway.Model},
		{EnvHTTPListenAddr, &c.HTTPListenAddr},
	}

	for _, o := range overrides {
		if val, exists := lookupEnv(o.env); exists && val != "" {
			*o.dst = val
		}
	}
}

// Validate returns an error describing all invalid settings.
func (c *Config) Validate() error {
	var errs *multierror.Error

	if c.HTTPListenAddr == "" && c.HTTPSListenAddr == "" {
		errs = multierror.Append(errs, errors.New("https_server_listen_addr or http_server_listen_addr must be defined, both are unset"))
	}

	if c.HTTPSListenAddr != "" && (c.HTTPSCertFile == "" || c.HTTPSKeyFile == "") {
		errs = multierror.Append(errs, errors.New("https_ssl_cert_file and https_ssl_key_file must be defined when https_server_listen_addr is set"))
	}

	switch c.LogFormat {
	case "logfmt", "console", "json":
	default:
		errs = multierror.Append(errs, fmt.Errorf("log_format: unsupported value %q", c.LogFormat))
	}

	if c.PackageIndex.Concurrency <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("package_index.concurrency: must be positive, is %d", c.PackageIndex.Concurrency))
	}

	if c.PackageIndex.CacheSize < 0 {
		errs = multierror.Append(errs, fmt.Errorf("package_index.cache_size: must not be negative, is %d", c.PackageIndex.CacheSize))
	}

	durations := map[string]string{
		"package_index.timeout":        c.PackageIndex.Timeout,
		"package_index.cache_ttl":      c.PackageIndex.CacheTTL,
		"package_index.max_retry_time": c.PackageIndex.MaxRetryTime,
		"ai_gateway.timeout":           c.AIGateway.Timeout,
		"ai_gateway.max_retry_time":    c.AIGateway.MaxRetryTime,
		"github.timeout":               c.Github.Timeout,
		"github.max_retry_time":        c.Github.MaxRetryTime,
	}

	for key, val := range durations {
		if _, err := parseDuration(val); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}

	queries := map[string]string{
		"package_index.version_query": c.PackageIndex.VersionQuery,
		"ai_gateway.content_query":    c.AIGateway.ContentQuery,
	}

	for key, val := range queries {
		if _, err := gojq.Parse(val); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: invalid jq query: %w", key, err))
		}
	}

	return errs.ErrorOrNil()
}

func parseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}

	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, is %s", s)
	}

	return d, nil
}

// mustParseDuration parses a duration that was checked by Validate.
func mustParseDuration(s string) time.Duration {
	d, err := parseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("parsing validated duration %q failed: %s", s, err))
	}

	return d
}

func (c *PackageIndex) TimeoutDuration() time.Duration {
	return mustParseDuration(c.Timeout)
}

func (c *PackageIndex) CacheTTLDuration() time.Duration {
	return mustParseDuration(c.CacheTTL)
}

func (c *PackageIndex) MaxRetryTimeDuration() time.Duration {
	return mustParseDuration(c.MaxRetryTime)
}

func (c *AIGateway) TimeoutDuration() time.Duration {
	return mustParseDuration(c.Timeout)
}

func (c *AIGateway) MaxRetryTimeDuration() time.Duration {
	return mustParseDuration(c.MaxRetryTime)
}

func (c *Github) TimeoutDuration() time.Duration {
	return mustParseDuration(c.Timeout)
}

func (c *Github) MaxRetryTimeDuration() time.Duration {
	return mustParseDuration(c.MaxRetryTime)
}

func (c *Config) Marshal(writer io.Writer) error {
	return toml.NewEncoder(writer).Encode(c)
}
