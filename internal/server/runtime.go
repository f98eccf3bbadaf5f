package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/devserve/devserve/internal/config"
	"github.com/devserve/devserve/internal/listener"
	"github.com/devserve/devserve/internal/logging"
	"github.com/devserve/devserve/internal/proxy"
)

const (
	httpLabel  = "HTTP server"
	httpsLabel = "HTTPS server"
)

// fiberServer adapts a Fiber app to listener.Server.
type fiberServer struct {
	app *fiber.App
}

func (s *fiberServer) Serve(ln net.Listener) error {
	return s.app.Listener(ln, fiber.ListenConfig{DisableStartupMessage: true})
}

func (s *fiberServer) Shutdown() error {
	return s.app.Shutdown()
}

// Runtime owns the live listeners. The HTTP listener is always present; the
// TLS listener only when enabled and its key material loaded.
type Runtime struct {
	logger  *logrus.Logger
	http    *listener.Bound
	https   *listener.Bound
	errCh   chan error
	closing atomic.Bool
	once    sync.Once
}

// BuildAppOptions derives the shared pipeline definition from configuration.
func BuildAppOptions(cfg *config.Config, logger *logrus.Logger) (AppOptions, error) {
	opts := AppOptions{
		Logger:    logger,
		PublicDir: cfg.PublicDir,
		IndexFile: cfg.IndexFile,
	}
	if !cfg.ForwardingEnabled() {
		return opts, nil
	}

	forwarder, err := proxy.NewForwarder(proxy.Options{
		Prefix: cfg.ProxyPrefix,
		Target: cfg.ProxyTarget,
		Client: proxy.NewUpstreamClient(cfg),
		Logger: logger,
	})
	if err != nil {
		return AppOptions{}, err
	}
	opts.Forwarder = forwarder
	return opts, nil
}

// Start binds the HTTP listener (mandatory) and, when enabled, the TLS
// listener (best effort), then serves both in the background.
func Start(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}

	appOpts, err := BuildAppOptions(cfg, logger)
	if err != nil {
		return nil, err
	}
	if appOpts.Forwarder != nil {
		logger.WithFields(logrus.Fields{
			"action":   "proxy_config",
			"prefix":   appOpts.Forwarder.Prefix(),
			"upstream": appOpts.Forwarder.Target(),
		}).Info("dev proxy enabled")
	}

	factory := func() (listener.Server, error) {
		app, err := NewApp(appOpts)
		if err != nil {
			return nil, err
		}
		return &fiberServer{app: app}, nil
	}

	bound, err := listener.Bootstrap(ctx, factory, cfg.HTTPPort, bootstrapOptions(cfg, logger, httpLabel))
	if err != nil {
		return nil, fmt.Errorf("unable to start HTTP server: %w", err)
	}

	rt := &Runtime{
		logger: logger,
		http:   bound,
		errCh:  make(chan error, 1),
	}
	rt.serve(bound, httpLabel, true)
	logger.WithFields(logging.ListenerFields("listen", httpLabel, bound.Port)).
		Infof("HTTP server running at http://localhost:%d", bound.Port)

	if cfg.TLSEnabled() {
		rt.startTLS(ctx, cfg, factory)
	}

	return rt, nil
}

func bootstrapOptions(cfg *config.Config, logger *logrus.Logger, label string) listener.Options {
	return listener.Options{
		MaxAttempts: cfg.MaxPortAttempts,
		Step:        cfg.PortStep,
		Label:       label,
		Host:        cfg.Host,
		Logger:      logger,
	}
}

// startTLS never fails the runtime: every problem is logged and HTTP keeps serving.
func (r *Runtime) startTLS(ctx context.Context, cfg *config.Config, factory listener.Factory) {
	if !fileExists(cfg.KeyPath) || !fileExists(cfg.CertPath) {
		r.logger.WithFields(logrus.Fields{
			"action":    "tls",
			"key_path":  cfg.KeyPath,
			"cert_path": cfg.CertPath,
		}).Warnf("HTTPS requested but cert files not found. Expected: %s %s", cfg.KeyPath, cfg.CertPath)
		return
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		r.logger.WithFields(logging.ListenerFields("tls", httpsLabel, cfg.HTTPSPort)).
			WithError(err).
			Warn("Unable to start HTTPS server")
		return
	}

	bound, err := listener.Bootstrap(ctx, factory, cfg.HTTPSPort, bootstrapOptions(cfg, r.logger, httpsLabel))
	if err != nil {
		r.logger.WithFields(logging.ListenerFields("tls", httpsLabel, cfg.HTTPSPort)).
			WithError(err).
			Warn("Unable to start HTTPS server")
		return
	}

	bound.Listener = tls.NewListener(bound.Listener, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
	r.https = bound
	r.serve(bound, httpsLabel, false)
	r.logger.WithFields(logging.ListenerFields("listen", httpsLabel, bound.Port)).
		Infof("HTTPS server running at https://localhost:%d", bound.Port)
}

func (r *Runtime) serve(bound *listener.Bound, label string, mandatory bool) {
	go func() {
		err := bound.Server.Serve(bound.Listener)
		if err == nil || r.closing.Load() {
			return
		}
		if mandatory {
			r.errCh <- fmt.Errorf("%s stopped: %w", label, err)
			return
		}
		r.logger.WithFields(logging.ListenerFields("serve", label, bound.Port)).
			WithError(err).
			Warn("server stopped")
	}()
}

// HTTPPort returns the port the HTTP listener is bound to.
func (r *Runtime) HTTPPort() int {
	return r.http.Port
}

// HTTPSPort returns the TLS listener port, or 0 when TLS is not serving.
func (r *Runtime) HTTPSPort() int {
	if r.https == nil {
		return 0
	}
	return r.https.Port
}

// Wait blocks until ctx is done or the HTTP server stops unexpectedly.
func (r *Runtime) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-r.errCh:
		return err
	}
}

// Close shuts down both servers and releases their listeners.
func (r *Runtime) Close() error {
	var err error
	r.once.Do(func() {
		r.closing.Store(true)
		if r.https != nil {
			err = errors.Join(err, r.https.Close())
		}
		err = errors.Join(err, r.http.Close())
	})
	return err
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
