package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cenkalti/backoff/v4"

	"github.com/rogett/google-secure-data-connector/config"
)

// maxReconnectAttempts is the reconnect budget: how many failed sessions the
// agent tolerates before giving up with exit code 4.
const maxReconnectAttempts = 10

// ReconnectExhaustedError means the agent burned its whole reconnect budget
// without holding a session.
type ReconnectExhaustedError struct {
	cause error
}

func (e *ReconnectExhaustedError) Error() string {
	return fmt.Sprintf("reconnect budget exhausted, last failure: %v", e.cause)
}

func (e *ReconnectExhaustedError) Unwrap() error { return e.cause }

// Agent is the top-level runtime: it owns the local health responder and
// runs sessions one after another until a fatal failure or shutdown.
type Agent struct {
	conf *config.LocalConf
	log  *slog.Logger

	mu      sync.Mutex
	current *Session
}

func New(conf *config.LocalConf, log *slog.Logger) *Agent {
	return &Agent{conf: conf, log: log}
}

// Run blocks until the context ends (graceful shutdown, returns nil) or a
// failure that reconnecting cannot fix. Recoverable failures — dial, TLS,
// framing, health timeout — trigger a new session with exponential backoff.
func (a *Agent) Run(ctx context.Context) error {
	healthSrv, err := StartHealthServer(a.conf.HealthCheckPort, a.status, a.log)
	if err != nil {
		return config.Errorf(err, "binding health check port %d", a.conf.HealthCheckPort)
	}
	defer healthSrv.Close()

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxReconnectAttempts),
		ctx)

	run := func() error {
		session := NewSession(a.conf, a.log)
		a.mu.Lock()
		a.current = session
		a.mu.Unlock()

		err := session.Run(ctx, healthSrv.Port())
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return nil
		case isFatal(err):
			return backoff.Permanent(err)
		default:
			if session.Status().Registered {
				// The session was held, so the budget starts over.
				policy.Reset()
			}
			a.log.Warn("session ended, will reconnect", "err", err)
			return err
		}
	}

	if err := backoff.Retry(run, policy); err != nil {
		if isFatal(err) {
			return err
		}
		return &ReconnectExhaustedError{cause: err}
	}
	return nil
}

// isFatal reports whether reconnecting cannot help: bad credentials, a
// server that rejected the registration outright, or broken configuration.
func isFatal(err error) bool {
	var (
		ae *AuthenticationError
		re *RegistrationError
		ce *config.ConfigError
	)
	switch {
	case errors.As(err, &ae):
		return true
	case errors.As(err, &re):
		return re.ServerRejected
	case errors.As(err, &ce):
		return true
	}
	return false
}

func (a *Agent) status() AgentStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return AgentStatus{}
	}
	return a.current.Status()
}
