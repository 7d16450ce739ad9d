package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"muxd/internal/config"
	"muxd/internal/logging"
	"muxd/internal/usermgmt"
	"muxd/pkg/h2"
	"muxd/pkg/middleware"
	"muxd/pkg/server"
	"muxd/pkg/shutdown"
	"muxd/pkg/sshmux"
)

func serveCmd() *cobra.Command {
	var (
		h2Addr, sshAddr, metricsAddr string
		certFile, keyFile, hostKey   string
		userDB, logLevel, logFormat  string
		h2c, noAuth                  bool
		drainTimeout                 time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP/2 and SSH servers",
		Long: `Start the HTTP/2 and SSH listeners and serve until SIGINT or SIGTERM.

Defaults come from the config directory and MUXD_* environment
variables; flags override both. An empty address disables a listener.

Examples:
  muxd serve
  muxd serve --h2c --h2-addr=127.0.0.1:8080 --ssh-addr=
  muxd serve --drain-timeout=2m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			for name, apply := range map[string]func(){
				"h2-addr":       func() { cfg.H2Addr = h2Addr },
				"ssh-addr":      func() { cfg.SSHAddr = sshAddr },
				"metrics-addr":  func() { cfg.MetricsAddr = metricsAddr },
				"cert":          func() { cfg.CertFile = certFile },
				"key":           func() { cfg.KeyFile = keyFile },
				"host-key":      func() { cfg.HostKeyPath = hostKey },
				"users":         func() { cfg.UserDBPath = userDB },
				"log-level":     func() { cfg.LogLevel = logLevel },
				"log-format":    func() { cfg.LogFormat = logFormat },
				"h2c":           func() { cfg.H2C = h2c },
				"no-auth":       func() { cfg.NoAuth = noAuth },
				"drain-timeout": func() { cfg.DrainTimeout = drainTimeout },
			} {
				if flags.Changed(name) {
					apply()
				}
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, stop, cfg, cmd.ErrOrStderr())
		},
	}

	// Flag zero values mean "not set"; the effective defaults come from
	// config.Load, so the usage text names them explicitly.
	def := config.DefaultIn("")
	f := cmd.Flags()
	f.StringVar(&h2Addr, "h2-addr", "", fmt.Sprintf("HTTP/2 listen address (default %s)", def.H2Addr))
	f.StringVar(&sshAddr, "ssh-addr", "", fmt.Sprintf("SSH listen address (default %s)", def.SSHAddr))
	f.StringVar(&metricsAddr, "metrics-addr", "", fmt.Sprintf("Prometheus /metrics address (default %s)", def.MetricsAddr))
	f.StringVar(&certFile, "cert", "", "TLS certificate file")
	f.StringVar(&keyFile, "key", "", "TLS private key file")
	f.StringVar(&hostKey, "host-key", "", "SSH host key file, generated if missing")
	f.StringVar(&userDB, "users", "", "User database for SSH password auth")
	f.StringVar(&logLevel, "log-level", "", fmt.Sprintf("Log level: debug, info, warn, error (default %s)", def.LogLevel))
	f.StringVar(&logFormat, "log-format", "", fmt.Sprintf("Log format: text or json (default %s)", def.LogFormat))
	f.BoolVar(&h2c, "h2c", false, "Serve HTTP/2 in cleartext (prior knowledge) instead of TLS")
	f.BoolVar(&noAuth, "no-auth", false, "Accept SSH sessions without a password")
	f.DurationVar(&drainTimeout, "drain-timeout", 0, fmt.Sprintf("How long to wait for in-flight streams on shutdown (default %s, 0 waits forever)", def.DrainTimeout))

	return cmd
}

// listener is one transport served by runServe.
type listener struct {
	name  string
	addr  net.Addr
	start func(context.Context) <-chan error
	close func() error
	// attrs are extra fields for the "listening" log line.
	attrs []any
}

func newListener[S, Req, Res any](name string, srv *server.Server[S, Req, Res], ln io.Closer, attrs ...any) *listener {
	return &listener{
		name:  name,
		addr:  srv.Addr(),
		attrs: attrs,
		start: func(ctx context.Context) <-chan error {
			errc, _ := srv.ServeWithGracefulShutdown(ctx)
			return errc
		},
		close: ln.Close,
	}
}

type stopped struct {
	name string
	err  error
}

// runServe serves every configured listener on one shared token until ctx is
// done, then drains. stop restores default signal handling so a second
// signal terminates the process.
func runServe(ctx context.Context, stop func(), cfg *config.Config, logOut io.Writer) error {
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, logOut)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	tok := shutdown.New()
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := middleware.NewMetrics(middleware.WithRegistry(reg))
	metrics.ObserveToken(tok)

	var listeners []*listener
	closeAll := func() {
		for _, l := range listeners {
			l.close()
		}
	}
	if cfg.H2Addr != "" {
		l, err := newH2Listener(cfg, log, tok, metrics)
		if err != nil {
			closeAll()
			return err
		}
		listeners = append(listeners, l)
	}
	if cfg.SSHAddr != "" {
		l, err := newSSHListener(cfg, log, tok, metrics)
		if err != nil {
			closeAll()
			return err
		}
		listeners = append(listeners, l)
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
	}

	// Accept loops get a context that is never cancelled: they stop through
	// the token, so in-flight admissions finish normally.
	serveCtx := context.WithoutCancel(ctx)
	stoppedc := make(chan stopped, len(listeners))
	for _, l := range listeners {
		errc := l.start(serveCtx)
		log.Info("listening", append([]any{"transport", l.name, "addr", l.addr.String()}, l.attrs...)...)
		go func(name string) { stoppedc <- stopped{name: name, err: <-errc} }(l.name)
	}

	pending := len(listeners)
	select {
	case <-ctx.Done():
		log.Info("shutdown requested", "outstanding", tok.Outstanding())
	case s := <-stoppedc:
		pending--
		log.Error("listener stopped unexpectedly", "transport", s.name, "error", s.err)
	}
	stop()

	tok.Signal()
	drained, err := tok.WaitDrained()
	if err != nil {
		return err
	}

	waitCtx := context.Background()
	if cfg.DrainTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(waitCtx, cfg.DrainTimeout)
		defer cancel()
	}
	for ; pending > 0; pending-- {
		select {
		case s := <-stoppedc:
			if s.err != nil {
				log.Warn("listener stopped with error", "transport", s.name, "error", s.err)
			}
		case <-waitCtx.Done():
			pending = 0
		}
	}
	waitErr := drained.Wait(waitCtx)

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}

	if waitErr != nil {
		log.Warn("drain incomplete", "outstanding", tok.Outstanding(), "error", waitErr)
		return fmt.Errorf("drain incomplete after %s: %w", cfg.DrainTimeout, waitErr)
	}
	log.Info("drained")
	return nil
}

func newH2Listener(cfg *config.Config, log *slog.Logger, tok *shutdown.Token, m *middleware.Metrics) (*listener, error) {
	h2cfg := h2.Config{
		HandshakeTimeout:     cfg.HandshakeTimeout,
		MaxConcurrentStreams: cfg.MaxConcurrentStreams,
		Logger:               log,
	}
	if !cfg.H2C {
		tlsConf, err := h2.LoadTLSConfig(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificate (see 'muxd gencert'): %w", err)
		}
		h2cfg.TLSConfig = tlsConf
	}
	ln, err := h2.Listen(cfg.H2Addr, h2cfg)
	if err != nil {
		return nil, err
	}

	conns := &connTracker{log: log.With("transport", "h2")}
	var handler server.Handler[connInfo, *h2.Request, *h2.Response] = server.HandlerFuncs[connInfo, *h2.Request, *h2.Response]{
		AdmitFunc:  conns.admit,
		StreamFunc: h2.HTTPHandler[connInfo](newRouter(tok)),
		CloseFunc:  conns.close,
	}
	handler = middleware.Instrument(m, middleware.Trace(handler, middleware.WithAttributeExtractor(h2Attributes)))

	srv := server.New[connInfo, *h2.Request, *h2.Response](ln, handler, server.WithLogger(log), server.WithToken(tok))
	return newListener("h2", srv, ln, "tls", ln.TLS()), nil
}

func newSSHListener(cfg *config.Config, log *slog.Logger, tok *shutdown.Token, m *middleware.Metrics) (*listener, error) {
	sshCfg := sshmux.Config{
		HostKeyPath:      cfg.HostKeyPath,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Logger:           log,
	}
	if !cfg.NoAuth {
		um, err := usermgmt.NewManager(cfg.UserDBPath, os.Stdin, io.Discard)
		if err != nil {
			return nil, err
		}
		if err := um.CreateDefaultUserFromEnv(log); err != nil {
			log.Warn("failed to create default user", "error", err)
		}
		db := um.UserDB()
		if len(db.ListUsers()) == 0 {
			log.Warn("user database is empty, no SSH login can succeed", "path", db.Path())
		}
		sshCfg.Auth = db
	}
	ln, err := sshmux.Listen(cfg.SSHAddr, sshCfg)
	if err != nil {
		return nil, err
	}

	conns := &connTracker{log: log.With("transport", "ssh")}
	var handler server.Handler[connInfo, *sshmux.Request, *sshmux.Response] = server.HandlerFuncs[connInfo, *sshmux.Request, *sshmux.Response]{
		AdmitFunc:  conns.admit,
		StreamFunc: sshStream,
		CloseFunc:  conns.close,
	}
	handler = middleware.Instrument(m, middleware.Trace(handler, middleware.WithAttributeExtractor(sshAttributes)))

	srv := server.New[connInfo, *sshmux.Request, *sshmux.Response](ln, handler, server.WithLogger(log), server.WithToken(tok))
	return newListener("ssh", srv, ln), nil
}
