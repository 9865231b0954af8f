package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	zaplogfmt "github.com/sykesm/zap-logfmt"
	"github.com/thecodeteam/goodbye"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/simplesurance/depbump/internal/aigateway"
	"github.com/simplesurance/depbump/internal/cfg"
	"github.com/simplesurance/depbump/internal/githubclt"
	"github.com/simplesurance/depbump/internal/httpapi"
	"github.com/simplesurance/depbump/internal/logfields"
	"github.com/simplesurance/depbump/internal/planner"
	"github.com/simplesurance/depbump/internal/pypi"
	"github.com/simplesurance/depbump/internal/retryer"
	"github.com/simplesurance/depbump/internal/updater"
)

const appName = "depbump"

var logger *zap.Logger

// Version is set via a ldflag on compilation
var Version = "unknown"

func exitOnErr(msg string, err error) {
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, "ERROR:", msg+", error:", err.Error())
	os.Exit(1)
}

func panicHandler() {
	if r := recover(); r != nil {
		logger.Info(
			"panic caught, terminating gracefully",
			zap.String("panic", fmt.Sprintf("%v", r)),
			zap.StackSkip("stacktrace", 1),
		)

		ctx, cancelFn := context.WithTimeout(context.Background(), time.Minute)
		defer cancelFn()

		goodbye.Exit(ctx, 1)
	}
}

// startServer starts serving on listenAddr in a new go-routine, with TLS if
// certFile is set. The server is shut down when the process terminates.
func startServer(name, listenAddr, certFile, keyFile string, handler http.Handler) {
	srv := http.Server{
		Addr:              listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 30 * time.Second,
	}

	logger := logger.With(zap.String("server", name))

	goodbye.Register(func(context.Context, os.Signal) {
		const shutdownTimeout = 30 * time.Second
		ctx, cancelFn := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelFn()

		logger.Debug(
			"terminating server",
			logfields.Event("server_terminating"),
			zap.Duration("shutdown_timeout", shutdownTimeout),
		)

		err := srv.Shutdown(ctx)
		if err != nil {
			logger.Warn(
				"shutting down server failed",
				logfields.Event("server_termination_failed"),
				zap.Error(err),
			)
		}
	})

	go func() {
		defer panicHandler()

		logger.Info(
			"server started",
			logfields.Event("server_started"),
			zap.String("listenAddr", listenAddr),
		)

		var err error
		if certFile != "" {
			err = srv.ListenAndServeTLS(certFile, keyFile)
		} else {
			err = srv.ListenAndServe()
		}

		if errors.Is(err, http.ErrServerClosed) {
			logger.Info("server terminated", logfields.Event("server_terminated"))
			return
		}

		logger.Fatal(
			"server terminated unexpectedly",
			logfields.Event("server_terminated_unexpectedly"),
			zap.Error(err),
		)
	}()
}

type arguments struct {
	Verbose     *bool
	ConfigFile  *string
	EnvFile     *string
	ShowVersion *bool
}

var args arguments

const (
	defConfigFile = "/etc/depbump/config.toml"
	defEnvFile    = ".env"
)

func mustParseCommandlineParams() {
	args = arguments{
		Verbose: pflag.BoolP(
			"verbose",
			"v",
			false,
			"enable verbose logging",
		),
		ConfigFile: pflag.StringP(
			"cfg-file",
			"c",
			defConfigFile,
			"path to the depbump configuration file, defaults are used if it does not exist",
		),
		EnvFile: pflag.String(
			"env-file",
			defEnvFile,
			"path to a file defining environment variables, it is ignored if it does not exist",
		),
		ShowVersion: pflag.Bool(
			"version",
			false,
			"print the version and exit",
		),
	}

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTION]\nServe an HTTP API that updates python dependencies of GitHub repositories.\n", appName)
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()
}

func mustParseCfg() *cfg.Config {
	// we use exitOnErr in this function instead of logger.Fatal() because
	// the logger is not initialized yet

	err := cfg.LoadDotEnv(*args.EnvFile)
	exitOnErr("could not load environment file", err)

	config, err := cfg.LoadFile(*args.ConfigFile)
	exitOnErr(fmt.Sprintf("could not load configuration file: %s", *args.ConfigFile), err)

	config.ApplyEnv(os.LookupEnv)

	err = config.Validate()
	exitOnErr(fmt.Sprintf("invalid configuration in %s", *args.ConfigFile), err)

	return config
}

func initLogFmtLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	cfg := zapEncoderConfig(config)

	logger := zap.New(zapcore.NewCore(
		zaplogfmt.NewEncoder(cfg),
		os.Stdout,
		logLevel),
	)

	return logger
}

func zapEncoderConfig(config *cfg.Config) zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()

	cfg.LevelKey = "loglevel"
	cfg.TimeKey = config.LogTimeKey
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder

	return cfg
}

func mustInitZapFormatLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil
	cfg.EncoderConfig = zapEncoderConfig(config)
	cfg.OutputPaths = []string{"stdout"}
	cfg.Encoding = config.LogFormat
	cfg.Level = zap.NewAtomicLevelAt(logLevel)

	logger, err := cfg.Build()
	exitOnErr("could not initialize logger", err)

	return logger
}

func mustInitLogger(config *cfg.Config) {
	var logLevel zapcore.Level
	if *args.Verbose {
		logLevel = zapcore.DebugLevel
	} else {
		if err := (&logLevel).Set(config.LogLevel); err != nil {
			fmt.Fprintf(os.Stderr, "can not set log level to %q: %s\n", config.LogLevel, err)
			os.Exit(2)
		}
	}

	switch config.LogFormat {
	case "logfmt":
		logger = initLogFmtLogger(config, logLevel)
	case "console", "json":
		logger = mustInitZapFormatLogger(config, logLevel)
	default:
		fmt.Fprintf(os.Stderr, "unsupported log-format argument: %q\n", config.LogFormat)
		os.Exit(2)
	}

	zap.ReplaceGlobals(logger)
	logger = logger.Named("main")

	goodbye.Register(func(context.Context, os.Signal) {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "flushing logs failed: %s\n", err)
		}
	})
}

func hide(in string) string {
	if in == "" {
		return in
	}

	return "**hidden**"
}

func mustInitPackageIndex(config *cfg.Config, r *retryer.Retryer) *pypi.Client {
	clt, err := pypi.New(
		config.PackageIndex.BaseURL,
		pypi.WithTimeout(config.PackageIndex.TimeoutDuration()),
		pypi.WithVersionQuery(config.PackageIndex.VersionQuery),
		pypi.WithRetryer(r),
		pypi.WithCache(config.PackageIndex.CacheSize, config.PackageIndex.CacheTTLDuration()),
	)
	if err != nil {
		logger.Fatal(
			"initializing package index client failed",
			logfields.Event("package_index_client_init_failed"),
			zap.Error(err),
		)
	}

	return clt
}

func mustInitSummarizer(config *cfg.Config, r *retryer.Retryer) updater.Option {
	if !config.AIGateway.Enabled() {
		logger.Info(
			"ai gateway account is not configured, diff summaries are disabled",
			logfields.Event("summaries_disabled"),
		)
		return updater.WithSummarizer(nil, "")
	}

	clt, err := aigateway.New(aigateway.Config{
		BaseURL:      config.AIGateway.BaseURL,
		Account:      config.AIGateway.Account,
		GatewayID:    config.AIGateway.GatewayID,
		Provider:     config.AIGateway.Provider,
		Endpoint:     config.AIGateway.Endpoint,
		Model:        config.AIGateway.Model,
		AuthToken:    config.AIGateway.AuthToken,
		Timeout:      config.AIGateway.TimeoutDuration(),
		ContentQuery: config.AIGateway.ContentQuery,
	}, r)
	if err != nil {
		logger.Fatal(
			"initializing ai gateway client failed",
			logfields.Event("ai_gateway_client_init_failed"),
			zap.Error(err),
		)
	}

	return updater.WithSummarizer(clt, config.AIGateway.SummaryHeading)
}

func repoHostFactory(config *cfg.Config) updater.RepoHostFactory {
	timeout := config.Github.TimeoutDuration()

	f := func(token string) (updater.RepoHost, error) {
		clt, err := githubclt.New(token, githubclt.WithTimeout(timeout))
		if err != nil {
			return nil, err
		}

		return clt, nil
	}

	if config.DryRun {
		return updater.DryRepoHostFactory(f, zap.L())
	}

	return f
}

func main() {
	defer panicHandler()

	defer goodbye.Exit(context.Background(), 1)
	goodbye.Notify(context.Background())

	mustParseCommandlineParams()

	if *args.ShowVersion {
		fmt.Printf("%s %s\n", appName, Version)
		os.Exit(0) // nolint:gocritic // defer functions won't run
	}

	config := mustParseCfg()

	mustInitLogger(config)

	logger.Info(
		"loaded cfg file",
		logfields.Event("cfg_loaded"),
		zap.String("cfg_file", *args.ConfigFile),
		zap.String("http_server_listen_addr", config.HTTPListenAddr),
		zap.String("https_server_listen_addr", config.HTTPSListenAddr),
		zap.String("metrics_endpoint", config.MetricsEndpoint),
		zap.String("github_api_token", hide(config.GithubAPIToken)),
		zap.Bool("dry_run", config.DryRun),
		zap.String("manifest_file_path", config.ManifestFilePath),
		zap.String("package_index.base_url", config.PackageIndex.BaseURL),
		zap.Int("package_index.concurrency", config.PackageIndex.Concurrency),
		zap.String("ai_gateway.account", config.AIGateway.Account),
		zap.String("ai_gateway.provider", config.AIGateway.Provider),
		zap.String("ai_gateway.model", config.AIGateway.Model),
		zap.String("ai_gateway.auth_token", hide(config.AIGateway.AuthToken)),
		zap.String("log_format", config.LogFormat),
		zap.String("log_time_key", config.LogTimeKey),
		zap.String("log_level", config.LogLevel),
	)

	if config.GithubAPIToken == "" {
		logger.Warn(
			"no github api token configured, requests must provide a bearer token",
			logfields.Event("github_token_missing"),
		)
	}

	goodbye.Register(func(_ context.Context, sig os.Signal) {
		logger.Info(fmt.Sprintf("terminating, received signal %s", sig.String()))
	})

	indexRetryer := retryer.New(config.PackageIndex.MaxRetryTimeDuration())
	gatewayRetryer := retryer.New(config.AIGateway.MaxRetryTimeDuration())
	githubRetryer := retryer.New(config.Github.MaxRetryTimeDuration())
	goodbye.Register(func(context.Context, os.Signal) {
		indexRetryer.Stop()
		gatewayRetryer.Stop()
		githubRetryer.Stop()
	})

	index := mustInitPackageIndex(config, indexRetryer)

	svc := updater.New(
		repoHostFactory(config),
		index,
		updater.WithDefaultToken(config.GithubAPIToken),
		updater.WithRetryer(githubRetryer),
		updater.WithManifestPath(config.ManifestFilePath),
		updater.WithBranchPrefix(config.BranchPrefix),
		updater.WithPlannerOptions(
			planner.WithConcurrency(config.PackageIndex.Concurrency),
			planner.WithLookupTimeout(
				config.PackageIndex.TimeoutDuration()+config.PackageIndex.MaxRetryTimeDuration(),
			),
		),
		mustInitSummarizer(config, gatewayRetryer),
	)

	mux := http.NewServeMux()

	httpapi.New(svc).RegisterHandlers(mux)

	if config.MetricsEndpoint != "" {
		mux.Handle(config.MetricsEndpoint, promhttp.Handler())
		logger.Info(
			"registered prometheus metrics http endpoint",
			logfields.Event("metrics_http_handler_registered"),
			zap.String("endpoint", config.MetricsEndpoint),
		)
	}

	handler := httpapi.CORS(mux)

	if config.HTTPListenAddr != "" {
		startServer("http", config.HTTPListenAddr, "", "", handler)
	}

	if config.HTTPSListenAddr != "" {
		startServer(
			"https",
			config.HTTPSListenAddr,
			config.HTTPSCertFile,
			config.HTTPSKeyFile,
			handler,
		)
	}

	select {}
}
