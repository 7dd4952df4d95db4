package client

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rogett/google-secure-data-connector/config"
	"github.com/rogett/google-secure-data-connector/keystore"
	"github.com/rogett/google-secure-data-connector/protocol"
	"github.com/rogett/google-secure-data-connector/socks"
)

// registrationResponseWait bounds how long the agent waits for the server to
// answer the registration frame before treating the session as dead.
const registrationResponseWait = 30 * time.Second

// Session is one full lifecycle from dial through disconnect. It exclusively
// owns its transport, framer, sender, dispatcher, and key store; none of
// them survive it, and no state carries over to the next session.
type Session struct {
	ID   string
	conf *config.LocalConf
	log  *slog.Logger

	// dial is injectable so tests can run a session against an in-process
	// fake server on a net.Pipe.
	dial func(ctx context.Context) (net.Conn, io.Closer, error)

	startedAt time.Time

	mu          sync.Mutex
	connected   bool
	registered  bool
	health      *HealthCheck
	authRequest *AuthRequest
}

func NewSession(conf *config.LocalConf, log *slog.Logger) *Session {
	id := uuid.NewString()
	s := &Session{
		ID:   id,
		conf: conf,
		log:  log.With("session_id", id),
	}
	s.dial = func(ctx context.Context) (net.Conn, io.Closer, error) {
		transport, err := DialTunnel(ctx, conf, s.log)
		if err != nil {
			return nil, nil, err
		}
		return transport.Conn(), transport, nil
	}
	return s
}

// Status snapshots where the session is in its lifecycle for the local
// health endpoint.
func (s *Session) Status() AgentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := AgentStatus{
		SessionID:  s.ID,
		Connected:  s.connected,
		Registered: s.registered,
	}
	if s.health != nil {
		st.LastProbe = s.health.LastInbound()
	}
	if s.connected && !s.startedAt.IsZero() {
		st.ConnectedFor = time.Since(s.startedAt).Round(time.Second).String()
	}
	return st
}

// Run executes the whole session: dial, authorize, switch framing on,
// register, then serve health checks and socket streams until something
// fails or the context ends. The error is the session's cause of death;
// nil means a graceful shutdown.
//
// healthCheckPort is the local responder's bound port, advertised in the
// registration request.
func (s *Session) Run(ctx context.Context, healthCheckPort int) error {
	conn, closer, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer closer.Close()

	s.mu.Lock()
	s.connected = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	// The line handshake and the framer share this reader; any bytes the
	// handshake over-reads stay buffered for the framed section.
	br := bufio.NewReader(conn)

	authRequest, err := NewAuthorizer(s.conf, s.log).Authorize(br, conn)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.authRequest = authRequest
	s.mu.Unlock()

	// Framing switches on. From here every byte is a frame.
	framer := protocol.NewFramer(br, conn)
	sender := protocol.NewFrameSender(framer, 64)
	keys := keystore.New()
	health := NewHealthCheck(sender, s.log)
	s.mu.Lock()
	s.health = health
	s.mu.Unlock()

	registration := NewRegistration(s.conf, keys, health, healthCheckPort, s.log)
	streams := socks.NewStreamSet(sender, s.log)

	dispatcher := protocol.NewDispatcher(framer, s.log)
	dispatcher.Register(protocol.FrameRegistration, registration)
	dispatcher.Register(protocol.FrameHealthCheck, health)
	dispatcher.Register(protocol.FrameSocketData, protocol.DispatchFunc(streams.DispatchData))
	dispatcher.Register(protocol.FrameConnectionControl, protocol.DispatchFunc(streams.DispatchControl))

	group, gctx := errgroup.WithContext(ctx)

	// Closing the transport is the single cancellation primitive: it
	// unblocks the reader, which stops the dispatcher, which cancels gctx
	// and brings everything else down.
	group.Go(func() error {
		<-gctx.Done()
		sender.Close()
		closer.Close()
		return nil
	})
	group.Go(func() error { return sender.Run(gctx) })
	group.Go(func() error { return dispatcher.Run(gctx) })

	// Registration must complete before any other frame type flows.
	regErr := registration.SendRegistrationInfo(sender)
	if regErr == nil {
		regCtx, cancel := context.WithTimeout(gctx, registrationResponseWait)
		regErr = registration.AwaitResponse(regCtx)
		cancel()
	}
	if regErr != nil {
		s.log.Error("session failed", "kind", "registration", "err", regErr)
		closer.Close()
		_ = group.Wait()
		return regErr
	}
	s.mu.Lock()
	s.registered = true
	s.mu.Unlock()

	group.Go(func() error { return health.Run(gctx) })

	gate, err := socks.NewGate(keys, streams, s.log)
	if err == nil {
		err = gate.Start(s.conf.SocksServerPort)
	}
	if err != nil {
		s.log.Error("session failed", "kind", "socks-gate", "err", err)
		closer.Close()
		_ = group.Wait()
		return err
	}
	defer gate.Close()

	var forwarder *SSHForwarder
	if s.conf.SSHForwarderCommand != "" {
		forwarder, err = StartSSHForwarder(gctx, s.conf.SSHForwarderCommand, s.conf.SocksServerPort, s.log)
		if err != nil {
			s.log.Error("session failed", "kind", "ssh-forwarder", "err", err)
			closer.Close()
			_ = group.Wait()
			return err
		}
		defer forwarder.Stop()
	}

	s.log.Info("session established", "socks_port", s.conf.SocksServerPort)

	err = group.Wait()
	if ctx.Err() != nil {
		// The agent is shutting down; whatever the teardown surfaced is not
		// a failure.
		s.log.Info("session closed", "reason", "shutdown")
		return nil
	}
	if err != nil {
		s.log.Error("session failed", "kind", failureKind(err), "err", err)
	}
	return err
}

// failureKind names the failure class for the one structured log line every
// dead session gets.
func failureKind(err error) string {
	var (
		de *DialError
		te *TLSError
		ae *AuthenticationError
		me *MangledResponseError
		re *RegistrationError
		fe *protocol.FramingError
	)
	switch {
	case errors.As(err, &ae):
		return "authentication"
	case errors.As(err, &me):
		return "mangled-response"
	case errors.As(err, &re):
		return "registration"
	case errors.Is(err, ErrHealthTimeout):
		return "health-timeout"
	case errors.As(err, &fe):
		return "framing"
	case errors.As(err, &de):
		return "dial"
	case errors.As(err, &te):
		return "tls"
	}
	return "transport"
}
