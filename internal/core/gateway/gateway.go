package gateway

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"sync"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"corsgate/internal/config"
	"corsgate/internal/core/errors"
	"corsgate/internal/cors"
	"corsgate/internal/logging"
	"corsgate/internal/metrics"
	"corsgate/internal/resolver"
	"corsgate/internal/websocket"
)

// Gateway represents the forwarding gateway instance.
// Every inbound request gets CORS headers, preflights are answered directly,
// and everything else is relayed to a per-request upstream.
type Gateway struct {
	config   *config.Config
	router   *mux.Router
	metrics  *metrics.Collector
	logger   *logging.Logger
	resolver *resolver.Resolver
	cors     *cors.Engine
	proxy    *httputil.ReverseProxy
	ws       *websocket.Proxy
	admin    http.Handler

	server      *http.Server
	adminServer *http.Server

	// State management
	mu       sync.Mutex
	shutdown chan struct{}
}

// Dependencies contains all the dependencies required to create a Gateway
type Dependencies struct {
	Config  *config.Config
	Logger  *logging.Logger
	Metrics *metrics.Collector
	// Admin is served on the admin port when one is configured.
	Admin http.Handler
	// Transport overrides the upstream transport, mostly for tests.
	Transport http.RoundTripper
}

// NewGateway creates a new Gateway instance with the provided dependencies
func NewGateway(deps Dependencies) (*Gateway, error) {
	if deps.Config == nil {
		return nil, errors.NewConfigError("config is required", nil)
	}

	if deps.Logger == nil {
		return nil, errors.NewConfigError("logger is required", nil)
	}

	// Validate configuration
	if err := deps.Config.Validate(); err != nil {
		return nil, errors.NewConfigError("invalid configuration", err)
	}

	cfg := deps.Config
	g := &Gateway{
		config:   cfg,
		router:   mux.NewRouter(),
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		resolver: resolver.New(resolver.OptionsFromConfig(cfg)),
		cors:     cors.New(cors.PolicyFromConfig(cfg)),
		ws: websocket.NewProxy(websocket.Options{
			DialTimeout:        cfg.Upstream.Timeout(),
			InsecureSkipVerify: !cfg.Upstream.VerifyTLS,
		}, deps.Logger, deps.Metrics),
		admin:    deps.Admin,
		shutdown: make(chan struct{}),
	}

	transport := deps.Transport
	if transport == nil {
		transport = newTransport(cfg.Upstream)
	}
	g.proxy = g.newReverseProxy(transport)

	g.setupMiddleware()
	g.setupRoutes()

	if !cfg.Upstream.VerifyTLS {
		g.logger.Warn("Upstream TLS certificate verification is disabled")
	}
	g.logger.Debug("Gateway initialized")
	return g, nil
}

// setupRoutes registers the two entry points. Paths are matched as sent:
// embedded targets contain "//" which must not be cleaned or redirected.
func (g *Gateway) setupRoutes() {
	g.router.SkipClean(true)

	g.router.MatcherFunc(func(r *http.Request, _ *mux.RouteMatch) bool {
		return websocket.IsUpgradeRequest(r)
	}).HandlerFunc(g.websocketHandler)

	// Catch-all, including "OPTIONS *".
	g.router.MatcherFunc(func(*http.Request, *mux.RouteMatch) bool {
		return true
	}).HandlerFunc(g.forwardHandler)
}

// setupMiddleware configures the middleware chain
func (g *Gateway) setupMiddleware() {
	g.router.Use(g.loggingMiddleware())
	g.router.Use(g.recoveryMiddleware())
	g.router.Use(g.metricsMiddleware())
	g.router.Use(g.cors.Middleware())
}

// Handler returns the gateway's root handler.
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// Serve starts the gateway (and the admin listener when configured) and
// blocks until ctx is done, Shutdown is called, or a listener fails.
func (g *Gateway) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", g.config.Server.Addr(), err)
	}

	var adminLn net.Listener
	if g.config.Admin.Enabled() && g.admin != nil {
		adminLn, err = net.Listen("tcp", g.config.Admin.Addr())
		if err != nil {
			ln.Close()
			return fmt.Errorf("listen on %s: %w", g.config.Admin.Addr(), err)
		}
	}

	return g.serve(ctx, ln, adminLn)
}

func (g *Gateway) serve(ctx context.Context, ln, adminLn net.Listener) error {
	g.mu.Lock()
	g.server = g.newServer(g.router)
	if adminLn != nil {
		g.adminServer = g.newServer(g.admin)
	}
	g.mu.Unlock()

	eg, egCtx := errgroup.WithContext(ctx)

	g.logger.LogGatewayStart(ln.Addr().String(), g.config.Redacted().Target.DefaultURL)
	eg.Go(func() error {
		if err := g.server.Serve(ln); !stderrors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway server: %w", err)
		}
		return nil
	})

	if adminLn != nil {
		g.logger.Info("Admin API listening", logging.String("addr", adminLn.Addr().String()))
		eg.Go(func() error {
			if err := g.adminServer.Serve(adminLn); !stderrors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
	}

	eg.Go(func() error {
		select {
		case <-egCtx.Done():
		case <-g.shutdown:
		}
		g.logger.LogGatewayStop()

		shutdownCtx := context.Background()
		if d := g.config.Server.ShutdownTimeoutDuration(); d > 0 {
			var cancel context.CancelFunc
			shutdownCtx, cancel = context.WithTimeout(shutdownCtx, d)
			defer cancel()
		}

		err := g.server.Shutdown(shutdownCtx)
		if g.adminServer != nil {
			if adminErr := g.adminServer.Shutdown(shutdownCtx); err == nil {
				err = adminErr
			}
		}
		if err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	return eg.Wait()
}

func (g *Gateway) newServer(h http.Handler) *http.Server {
	return &http.Server{
		Handler:           h,
		ReadHeaderTimeout: g.config.Server.ReadHeaderTimeoutDuration(),
		IdleTimeout:       g.config.Server.IdleTimeoutDuration(),
		ErrorLog:          g.logger.StdLog(),
		// "OPTIONS *" is a preflight like any other.
		DisableGeneralOptionsHandler: true,
	}
}

// Shutdown gracefully shuts down the gateway
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	defer g.mu.Unlock()

	select {
	case <-g.shutdown:
		// Already shutting down
		return
	default:
		close(g.shutdown)
	}
}
