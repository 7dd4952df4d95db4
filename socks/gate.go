package socks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/armon/go-socks5"

	"github.com/rogett/google-secure-data-connector/keystore"
)

// Gate is the local SOCKS5 server the bundled SSH forwarder connects to.
// Every CONNECT is checked against the session's key store before any bytes
// move; a destination without a resource key gets the standard
// connection-not-allowed-by-ruleset reply and no SOCKET_DATA frame is ever
// emitted for it.
type Gate struct {
	keys    *keystore.Store
	streams *StreamSet
	log     *slog.Logger

	server *socks5.Server
	ln     net.Listener
}

func NewGate(keys *keystore.Store, streams *StreamSet, log *slog.Logger) (*Gate, error) {
	g := &Gate{keys: keys, streams: streams, log: log}

	conf := &socks5.Config{
		Rules:    &keyStoreRules{keys: keys, log: log},
		Resolver: noResolver{},
		Dial:     g.dial,
		Logger:   slog.NewLogLogger(log.Handler(), slog.LevelDebug),
	}
	server, err := socks5.New(conf)
	if err != nil {
		return nil, err
	}
	g.server = server
	return g, nil
}

// Start binds the gate to localhost:port and serves until Close. Port 0
// picks a free port (tests); the configured SOCKS port otherwise.
func (g *Gate) Start(port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return err
	}
	g.ln = ln
	g.log.Info("socks gate listening", "addr", ln.Addr().String())
	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, net.ErrClosed) {
			g.log.Error("socks gate stopped", "err", err)
		}
	}()
	return nil
}

// Port is the bound port, useful when Start was given 0.
func (g *Gate) Port() int {
	return g.ln.Addr().(*net.TCPAddr).Port
}

// Close stops the listener and every active stream.
func (g *Gate) Close() error {
	var err error
	if g.ln != nil {
		err = g.ln.Close()
	}
	g.streams.CloseAll()
	return err
}

// dial opens a tunnel stream for an allowed destination instead of touching
// the network directly: the bytes ride SOCKET_DATA frames to the tunnel
// server, which holds the other end of the stream.
func (g *Gate) dial(_ context.Context, network, addr string) (net.Conn, error) {
	if network != "tcp" {
		return nil, fmt.Errorf("unsupported network %q", network)
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}

	secret, ok := g.keys.SecretFor(host, port)
	if !ok {
		// The ruleset should have rejected this already; refuse regardless so
		// an unregistered destination can never leak through the dialer.
		return nil, fmt.Errorf("destination %s not registered this session", addr)
	}
	return g.streams.Open(host, port, secret)
}

// keyStoreRules gates CONNECTs on the session key store.
type keyStoreRules struct {
	keys *keystore.Store
	log  *slog.Logger
}

func (r *keyStoreRules) Allow(ctx context.Context, req *socks5.Request) (context.Context, bool) {
	if req.Command != socks5.ConnectCommand {
		return ctx, false
	}
	host := req.DestAddr.FQDN
	if host == "" && req.DestAddr.IP != nil {
		host = req.DestAddr.IP.String()
	}
	allowed := r.keys.IsAllowed(host, req.DestAddr.Port)
	if !allowed {
		r.log.Warn("socks connect refused", "host", host, "port", req.DestAddr.Port)
	}
	return ctx, allowed
}

// noResolver skips local DNS: destination names stay names and resolve on
// the far side of the tunnel, inside the network that can actually see them.
type noResolver struct{}

func (noResolver) Resolve(ctx context.Context, name string) (context.Context, net.IP, error) {
	return ctx, nil, nil
}
