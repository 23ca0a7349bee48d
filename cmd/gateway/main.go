package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"corsgate/internal/api"
	"corsgate/internal/config"
	"corsgate/internal/core/gateway"
	"corsgate/internal/logging"
	"corsgate/internal/metrics"
	"corsgate/internal/resolver"
)

var version = "dev" // can be set at build time with -ldflags

func main() {
	if err := loadEnvFile(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadEnvFile reads ENV_FILE (default .env) without overriding variables that
// are already set. A missing file is not an error.
func loadEnvFile() error {
	path := os.Getenv("ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "corsgate",
		Usage:   "CORS-solving HTTP and WebSocket forwarding gateway",
		Version: version,
		Flags:   globalFlags(),
		// Header values may contain commas.
		DisableSliceFlagSeparator: true,
		Action:                    serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the gateway (default)",
				Flags:  globalFlags(),
				Action: serve,
			},
			{
				Name:      "resolve",
				Usage:     "Print the upstream a request would be forwarded to",
				ArgsUsage: "<request-uri>",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "method", Aliases: []string{"X"}, Value: http.MethodGet, Usage: "request method"},
					&cli.StringSliceFlag{Name: "header", Aliases: []string{"H"}, Usage: `request header as "Name: value", repeatable`},
				}, globalFlags()...),
				Action: resolveCommand,
			},
			{
				Name:   "config",
				Usage:  "Print the effective configuration as YAML",
				Flags:  globalFlags(),
				Action: printConfig,
			},
		},
	}
}

// globalFlags are accepted both before and after the command name.
func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Usage: "configuration source: file path, etcd://host:port/key or consul://host:port/key", EnvVars: []string{"CONFIG_SOURCE"}},
		&cli.IntFlag{Name: "port", Usage: "public listener port", EnvVars: []string{"PORT"}},
		&cli.StringFlag{Name: "target-url", Usage: "default upstream URL", EnvVars: []string{"TARGET_URL", "DEFAULT_TARGET_URL"}},
		&cli.StringFlag{Name: "allowed-origins", Usage: `comma separated origins, or "*"`, EnvVars: []string{"ALLOWED_ORIGINS"}},
		&cli.BoolFlag{Name: "cors-allow-credentials", Usage: "send Access-Control-Allow-Credentials", EnvVars: []string{"CORS_ALLOW_CREDENTIALS"}},
		&cli.IntFlag{Name: "cors-max-age", Usage: "preflight cache lifetime in seconds", EnvVars: []string{"CORS_MAX_AGE"}},
		&cli.BoolFlag{Name: "allow-target-header", Usage: "accept the target from a request header", EnvVars: []string{"ALLOW_TARGET_HEADER"}},
		&cli.BoolFlag{Name: "allow-target-query", Usage: "accept the target from a query parameter", EnvVars: []string{"ALLOW_TARGET_QUERY"}},
		&cli.BoolFlag{Name: "path-target-mode", Usage: "accept a full URL embedded in the path", EnvVars: []string{"PATH_TARGET_MODE"}},
		&cli.StringFlag{Name: "strip-prefix", Usage: "path prefix removed before resolution", EnvVars: []string{"STRIP_PREFIX"}},
		&cli.BoolFlag{Name: "forward-path", Usage: "append the incoming path to header, query and default targets", EnvVars: []string{"FORWARD_PATH"}},
		&cli.BoolFlag{Name: "secure-proxy", Usage: "verify upstream TLS certificates", EnvVars: []string{"SECURE_PROXY"}},
		&cli.IntFlag{Name: "proxy-timeout-ms", Usage: "upstream timeout in milliseconds, 0 disables it", EnvVars: []string{"PROXY_TIMEOUT_MS"}},
		&cli.IntFlag{Name: "admin-port", Usage: "health and metrics port, 0 disables it", EnvVars: []string{"ADMIN_PORT"}},
		&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error", EnvVars: []string{"LOG_LEVEL"}},
		&cli.StringFlag{Name: "log-format", Usage: "json or console", EnvVars: []string{"LOG_FORMAT"}},
		&cli.StringFlag{Name: "log-file", Usage: "write logs to a rotated file instead of stdout", EnvVars: []string{"LOG_FILE"}},
	}
}

// loadConfig layers defaults, the optional configuration document and the
// flags or environment variables that were set.
func loadConfig(c *cli.Context) (*config.Config, error) {
	var location string
	stringFlag(c, "config", &location)
	src, err := config.NewSource(location)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(c.Context, src)
	if err != nil {
		return nil, err
	}

	applyFlags(c, cfg)
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlags(c *cli.Context, cfg *config.Config) {
	intFlag(c, "port", &cfg.Server.Port)
	stringFlag(c, "target-url", &cfg.Target.DefaultURL)
	var origins string
	if stringFlag(c, "allowed-origins", &origins) {
		cfg.CORS.AllowedOrigins = config.ParseOrigins(origins)
	}
	boolFlag(c, "cors-allow-credentials", &cfg.CORS.AllowCredentials)
	intFlag(c, "cors-max-age", &cfg.CORS.MaxAge)
	boolFlag(c, "allow-target-header", &cfg.Target.AllowHeader)
	boolFlag(c, "allow-target-query", &cfg.Target.AllowQuery)
	boolFlag(c, "path-target-mode", &cfg.Target.PathMode)
	stringFlag(c, "strip-prefix", &cfg.Target.StripPrefix)
	boolFlag(c, "forward-path", &cfg.Target.ForwardPath)
	boolFlag(c, "secure-proxy", &cfg.Upstream.VerifyTLS)
	intFlag(c, "proxy-timeout-ms", &cfg.Upstream.TimeoutMs)
	intFlag(c, "admin-port", &cfg.Admin.Port)
	stringFlag(c, "log-level", &cfg.Logging.Level)
	stringFlag(c, "log-format", &cfg.Logging.Format)
	stringFlag(c, "log-file", &cfg.Logging.File)
}

// setIn returns the innermost context in which the flag was given. A flag
// defined on both the app and a command is only visible through the
// context it was parsed in.
func setIn(c *cli.Context, name string) *cli.Context {
	for _, ctx := range c.Lineage() {
		if ctx.IsSet(name) {
			return ctx
		}
	}
	return nil
}

func intFlag(c *cli.Context, name string, dst *int) bool {
	if ctx := setIn(c, name); ctx != nil {
		*dst = ctx.Int(name)
		return true
	}
	return false
}

func stringFlag(c *cli.Context, name string, dst *string) bool {
	if ctx := setIn(c, name); ctx != nil {
		*dst = ctx.String(name)
		return true
	}
	return false
}

func boolFlag(c *cli.Context, name string, dst *bool) bool {
	if ctx := setIn(c, name); ctx != nil {
		*dst = ctx.Bool(name)
		return true
	}
	return false
}

func serve(c *cli.Context) error {
	startTime := time.Now()

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(logging.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Starting corsgate", logging.String("version", version))

	metricsCollector := metrics.NewCollector()
	admin := api.NewAdminAPI(api.Options{
		Config:  cfg,
		Logger:  logger,
		Metrics: metricsCollector,
		Version: version,
	})

	gw, err := gateway.NewGateway(gateway.Dependencies{
		Config:  cfg,
		Logger:  logger,
		Metrics: metricsCollector,
		Admin:   admin.Handler(),
	})
	if err != nil {
		logger.Error("Failed to create gateway", err)
		return err
	}
	logger.Info("Gateway startup complete", logging.Duration("startup_time", time.Since(startTime)))

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := gw.Serve(ctx); err != nil {
		logger.Error("Gateway server error", err)
		return err
	}
	return nil
}

func resolveCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.NArg() != 1 {
		return fmt.Errorf("expected exactly one request URI, got %d", c.NArg())
	}

	r, err := buildRequest(c.String("method"), c.Args().First(), c.StringSlice("header"))
	if err != nil {
		return err
	}

	res := resolver.New(resolver.OptionsFromConfig(cfg))
	result, ok := res.Resolve(r)

	out := c.App.Writer
	for _, rejected := range result.Rejected {
		fmt.Fprintf(out, "rejected: %v\n", rejected)
	}
	if !ok {
		return errors.New(res.Hint())
	}
	fmt.Fprintf(out, "source:   %s\n", result.Source)
	fmt.Fprintf(out, "upstream: %s %s\n", r.Method, result.URL.Redacted())
	return nil
}

// buildRequest turns a request-target as it would appear on the wire into
// an inbound request.
func buildRequest(method, uri string, headers []string) (*http.Request, error) {
	if !strings.HasPrefix(uri, "/") {
		uri = "/" + uri
	}
	u, err := url.ParseRequestURI(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid request URI %q: %w", uri, err)
	}

	r := &http.Request{
		Method:     strings.ToUpper(method),
		URL:        u,
		RequestURI: uri,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
		Host:       "localhost",
	}
	for _, h := range headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q, expected \"Name: value\"", h)
		}
		r.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return r.WithContext(context.Background()), nil
}

func printConfig(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(c.App.Writer)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(cfg.Redacted())
}
