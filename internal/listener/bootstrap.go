package listener

import (
	"context"
	"errors"
	"net"
	"strconv"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"github.com/devserve/devserve/internal/logging"
)

const (
	defaultMaxAttempts = 10
	defaultStep        = 1
	defaultLabel       = "Server"
)

// Server is a server instance that has not been bound yet. A failed bind
// leaves it unused and Bootstrap shuts it down before the next attempt.
type Server interface {
	Serve(ln net.Listener) error
	Shutdown() error
}

// Factory builds a fresh Server for each bind attempt.
type Factory func() (Server, error)

// ListenFunc binds a network address. It matches net.ListenConfig.Listen.
type ListenFunc func(ctx context.Context, network, address string) (net.Listener, error)

// Options tunes the retry sequence. Zero values fall back to 10 attempts,
// step 1, label "Server", tcp on all interfaces.
type Options struct {
	MaxAttempts int
	Step        int
	Label       string
	Host        string
	Network     string
	Listen      ListenFunc
	Logger      *logrus.Logger
}

// Bound is a live listener together with the server created for it.
type Bound struct {
	Server   Server
	Listener net.Listener
	Port     int
}

// Close releases the listener and the server.
func (b *Bound) Close() error {
	if b == nil {
		return nil
	}
	srvErr := b.Server.Shutdown()
	lnErr := b.Listener.Close()
	if errors.Is(lnErr, net.ErrClosed) {
		lnErr = nil
	}
	return errors.Join(srvErr, lnErr)
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.Step <= 0 {
		o.Step = defaultStep
	}
	if o.Label == "" {
		o.Label = defaultLabel
	}
	if o.Network == "" {
		o.Network = "tcp"
	}
	if o.Listen == nil {
		var lc net.ListenConfig
		o.Listen = lc.Listen
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	return o
}

// Bootstrap binds preferredPort + attempt*Step for attempt in 0..MaxAttempts-1.
// Only "address already in use" is retried; any other failure is returned as a
// *BindError without consuming further attempts. Running out of attempts
// returns an *ExhaustedError.
func Bootstrap(ctx context.Context, factory Factory, preferredPort int, opts Options) (*Bound, error) {
	opts = opts.withDefaults()
	logger := opts.Logger

	attempt := 0
	operation := func() (*Bound, error) {
		port := preferredPort + attempt*opts.Step
		attempt++

		srv, err := factory()
		if err != nil {
			return nil, backoff.Permanent(&BindError{Label: opts.Label, Port: port, Err: err})
		}

		ln, err := opts.Listen(ctx, opts.Network, net.JoinHostPort(opts.Host, strconv.Itoa(port)))
		if err != nil {
			if shutdownErr := srv.Shutdown(); shutdownErr != nil {
				logger.WithFields(logging.ListenerFields("listen_retry", opts.Label, port)).
					WithError(shutdownErr).
					Debug("discard unbound server")
			}
			if isAddrInUse(err) {
				logger.WithFields(logging.ListenerFields("listen_retry", opts.Label, port)).
					WithField("attempt", attempt).
					Debug("port in use")
				return nil, err
			}
			return nil, backoff.Permanent(&BindError{Label: opts.Label, Port: port, Err: err})
		}

		return &Bound{Server: srv, Listener: ln, Port: listenerPort(ln, port)}, nil
	}

	bound, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(&backoff.ZeroBackOff{}),
		backoff.WithMaxTries(uint(opts.MaxAttempts)),
	)
	if err != nil {
		var bindErr *BindError
		switch {
		case errors.As(err, &bindErr):
			return nil, bindErr
		case isAddrInUse(err):
			return nil, &ExhaustedError{Label: opts.Label, StartPort: preferredPort, Attempts: attempt}
		default:
			return nil, err
		}
	}

	if preferredPort != 0 && bound.Port != preferredPort {
		logger.WithFields(logging.ListenerFields("listen", opts.Label, bound.Port)).
			WithField("preferred_port", preferredPort).
			Warnf("%s port %d in use, switched to %d", opts.Label, preferredPort, bound.Port)
	}
	return bound, nil
}

func listenerPort(ln net.Listener, fallback int) int {
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return fallback
}
