package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	http_dialer "github.com/mwitkow/go-http-dialer"

	"github.com/rogett/google-secure-data-connector/config"
)

const dialTimeout = 30 * time.Second

// Transport owns the TLS connection to the tunnel server for one session.
// It knows nothing about frames; the session layers the handshake and the
// framer on the byte stream it exposes.
type Transport struct {
	conn net.Conn
	once sync.Once
	err  error
}

// DialTunnel opens and verifies the outbound TLS connection. When a proxy
// URL is configured the TCP leg goes through the corporate HTTP proxy via
// CONNECT; TLS to the tunnel server runs end to end either way.
func DialTunnel(ctx context.Context, conf *config.LocalConf, log *slog.Logger) (*Transport, error) {
	addr := net.JoinHostPort(conf.SdcServerHost, strconv.Itoa(conf.SdcServerPort))
	log.Info("dialing tunnel server", "addr", addr, "proxy", conf.ProxyURL != "")

	tlsConf, err := tlsConfigFor(conf)
	if err != nil {
		return nil, err
	}

	var raw net.Conn
	if conf.ProxyURL != "" {
		proxyURL, err := url.Parse(conf.ProxyURL)
		if err != nil {
			return nil, &DialError{Addr: addr, cause: fmt.Errorf("bad proxy url %q: %w", conf.ProxyURL, err)}
		}
		tunnel := http_dialer.New(proxyURL, http_dialer.WithDialer(&net.Dialer{Timeout: dialTimeout}))
		raw, err = tunnel.Dial("tcp", addr)
		if err != nil {
			return nil, &DialError{Addr: addr, cause: err}
		}
	} else {
		d := &net.Dialer{Timeout: dialTimeout}
		raw, err = d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, &DialError{Addr: addr, cause: err}
		}
	}

	conn := tls.Client(raw, tlsConf)
	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, &TLSError{Addr: addr, cause: err}
	}
	return &Transport{conn: conn}, nil
}

func tlsConfigFor(conf *config.LocalConf) (*tls.Config, error) {
	tlsConf := &tls.Config{ServerName: conf.SdcServerHost}
	if conf.CACertFile != "" {
		pem, err := os.ReadFile(conf.CACertFile)
		if err != nil {
			return nil, &TLSError{Addr: conf.SdcServerHost, cause: err}
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, &TLSError{Addr: conf.SdcServerHost, cause: fmt.Errorf("no certificates in %s", conf.CACertFile)}
		}
		tlsConf.RootCAs = pool
	}
	return tlsConf, nil
}

// Conn exposes the byte stream. The session is the only caller.
func (t *Transport) Conn() net.Conn { return t.conn }

// Close releases the socket. Idempotent; closing is the session's single
// cancellation primitive, so this is what unblocks the reader.
func (t *Transport) Close() error {
	t.once.Do(func() { t.err = t.conn.Close() })
	return t.err
}
