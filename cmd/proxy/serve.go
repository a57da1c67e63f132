package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"pseudonymizing-proxy/internal/config"
	"pseudonymizing-proxy/internal/correlation"
	"pseudonymizing-proxy/internal/interceptor"
	"pseudonymizing-proxy/internal/logger"
	"pseudonymizing-proxy/internal/management"
	"pseudonymizing-proxy/internal/metrics"
	"pseudonymizing-proxy/internal/mitm"
	"pseudonymizing-proxy/internal/proxy"
	"pseudonymizing-proxy/internal/pseudo"
	"pseudonymizing-proxy/internal/relay"
	"pseudonymizing-proxy/internal/reqlog"
	"pseudonymizing-proxy/internal/telemetry"
	"pseudonymizing-proxy/internal/uifallback"
)

const shutdownTimeout = 10 * time.Second

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}
	logLevel, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return fmt.Errorf("failed to get log-level flag: %w", err)
	}

	cfg := loadConfig(configPath, logLevel)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger.SetFormat(cfg.LogFormat)
	printBanner(cmd.OutOrStdout(), cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint: cfg.OTLPEndpoint,
		Insecure: cfg.OTLPInsecure,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if path := config.Resolve(configPath); path != "" {
		w, err := config.Watch(path, func(next *config.Config) {
			if logLevel != "" {
				next.LogLevel = logLevel
			}
			a.reload(next)
		})
		if err != nil {
			a.log.Warnf("watch", "config reload disabled: %v", err)
		} else {
			defer w.Close() //nolint:errcheck // shutdown path
		}
	}
	return a.run(ctx)
}

// loadConfig loads the layered config and applies the --log-level
// override.
func loadConfig(path, logLevel string) *config.Config {
	cfg := config.Load(path)
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg
}

// app is the fully wired proxy process.
type app struct {
	cfg  *config.Config
	log  *logger.Logger
	logs []*logger.Logger

	pseudo   *pseudo.Client
	store    correlation.Store
	memory   *correlation.MemoryStore // nil with the redis backend
	requests *reqlog.Ring
	ic       *interceptor.Interceptor
	proxy    *proxy.Server
	mgmt     *management.Server
}

// newApp builds every component from cfg. Nothing listens until run.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	a.log = a.logger("PROXY")

	ttl := cfg.Correlation.TTL.Duration
	switch cfg.Correlation.Backend {
	case "redis":
		rs, err := correlation.DialRedis(ctx, cfg.Correlation.RedisAddr, ttl)
		if err != nil {
			return nil, err
		}
		a.store = rs
	default:
		a.memory = correlation.NewMemoryStore(ttl, a.logger("STORE"))
		a.store = a.memory
	}

	a.requests = reqlog.NewRing(cfg.RequestLogSize)
	if cfg.RequestLogArchive != "" {
		archive, err := reqlog.OpenArchive(cfg.RequestLogArchive, cfg.RequestLogMaxArchived)
		if err != nil {
			_ = a.store.Close()
			return nil, err
		}
		a.requests.WithArchive(archive, a.logger("REQLOG"))
	}

	m := metrics.New()
	ui := uifallback.New(ttl, a.logger("UI"), m)
	a.pseudo = pseudo.New(pseudoOptions(cfg.Pseudonymizer), a.logger("PSEUDO"))
	policy := interceptor.NewPolicy(cfg.Allow, cfg.Block, cfg.InterceptMethods, cfg.AllowListFile, a.logger("POLICY"))

	icCfg := interceptor.Config{
		Policy:              policy,
		Pseudonymizer:       a.pseudo,
		Store:               a.store,
		Transport:           otelhttp.NewTransport(proxy.NewTransport()),
		Log:                 a.logger("INTERCEPT"),
		Metrics:             m,
		Requests:            a.requests,
		UI:                  ui,
		PseudonymizeTimeout: cfg.Pseudonymizer.Budget.Duration,
		UpstreamTimeout:     cfg.UpstreamTimeout.Duration,
	}
	if err := icCfg.Validate(); err != nil {
		a.Close()
		return nil, err
	}
	a.ic = interceptor.New(icCfg)

	deps := management.Deps{
		Policy:        policy,
		Metrics:       m,
		Requests:      a.requests,
		Pseudonymizer: a.pseudo,
		Relay:         relay.NewServer(a.ic, ui, cfg.RelayTimeout.Duration, a.logger("RELAY")),
	}
	if a.memory != nil {
		deps.Store = a.memory
	}
	a.mgmt = management.New(cfg, deps, a.logger("MANAGEMENT"))

	var ca *mitm.CA
	if cfg.CACertFile != "" && cfg.CAKeyFile != "" {
		var err error
		ca, err = mitm.LoadOrGenerateCA(cfg.CACertFile, cfg.CAKeyFile, a.logger("MITM"))
		if err != nil {
			a.log.Warnf("ca", "HTTPS interception disabled: %v", err)
			ca = nil
		}
	} else {
		a.log.Warn("ca", "no CA configured, HTTPS is tunneled without interception")
	}
	a.proxy = proxy.New(a.ic, ca, a.log)
	return a, nil
}

// logger returns a module logger whose level follows config reloads.
func (a *app) logger(module string) *logger.Logger {
	l := logger.New(module, a.cfg.LogLevel)
	a.logs = append(a.logs, l)
	return l
}

func pseudoOptions(p config.Pseudonymizer) pseudo.Options {
	return pseudo.Options{
		Enabled:    p.Enabled,
		BaseURL:    p.URL,
		Timeout:    p.Timeout.Duration,
		MaxRetries: p.MaxRetries,
		Backoff:    p.Backoff.Duration,
	}
}

// reload applies the settings that can change without a restart: log
// levels and the pseudonymizer client options. A config that fails
// validation is ignored.
func (a *app) reload(next *config.Config) {
	if err := next.Validate(); err != nil {
		a.log.Warnf("reload", "ignoring invalid config: %v", err)
		return
	}
	for _, l := range a.logs {
		l.SetLevel(next.LogLevel)
	}
	a.pseudo.Update(pseudoOptions(next.Pseudonymizer))
	a.log.Infof("reload", "applied (pseudonymizer enabled=%v url=%s)", next.Pseudonymizer.Enabled, next.Pseudonymizer.URL)
}

// run serves the proxy and management listeners until ctx is done or
// either fails.
func (a *app) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if a.memory != nil {
		g.Go(func() error {
			a.memory.Run(ctx)
			return nil
		})
	}
	g.Go(func() error { return a.mgmt.ListenAndServe(ctx) })
	g.Go(func() error {
		addr := fmt.Sprintf("%s:%d", a.cfg.BindAddress, a.cfg.ProxyPort)
		a.log.Infof("listen", "listening on %s", addr)
		return serveUntilDone(ctx, &http.Server{
			Addr:              addr,
			Handler:           a.proxy,
			ReadHeaderTimeout: 10 * time.Second,
		})
	})
	return g.Wait()
}

// Close releases the store and flushes the request archive.
func (a *app) Close() {
	if a.requests != nil {
		if err := a.requests.Close(); err != nil {
			a.log.Warnf("close", "request archive: %v", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warnf("close", "correlation store: %v", err)
		}
	}
}

// serveUntilDone runs srv until ctx is done, then shuts it down
// gracefully. Hijacked tunnels are not waited for.
func serveUntilDone(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
