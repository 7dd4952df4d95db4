package client

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialTunnelUnreachable(t *testing.T) {
	conf := testConf()
	conf.SdcServerHost = "127.0.0.1"
	conf.SdcServerPort = 1 // nothing listens here

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := DialTunnel(ctx, conf, testLogger())
	require.Error(t, err)
	var de *DialError
	assert.ErrorAs(t, err, &de)
}

func TestDialTunnelBadProxyURL(t *testing.T) {
	conf := testConf()
	conf.ProxyURL = "http://proxy.corp:not-a-port"

	_, err := DialTunnel(context.Background(), conf, testLogger())
	var de *DialError
	require.ErrorAs(t, err, &de)
}

func TestTLSConfigMissingCAFile(t *testing.T) {
	conf := testConf()
	conf.CACertFile = filepath.Join(t.TempDir(), "absent.pem")

	_, err := tlsConfigFor(conf)
	var te *TLSError
	require.ErrorAs(t, err, &te)
}

func TestTLSConfigEmptyCAFile(t *testing.T) {
	conf := testConf()
	conf.CACertFile = filepath.Join(t.TempDir(), "empty.pem")
	require.NoError(t, os.WriteFile(conf.CACertFile, []byte("not a certificate"), 0o644))

	_, err := tlsConfigFor(conf)
	var te *TLSError
	require.ErrorAs(t, err, &te)
}

func TestTLSConfigServerName(t *testing.T) {
	conf := testConf()
	tlsConf, err := tlsConfigFor(conf)
	require.NoError(t, err)
	assert.Equal(t, "tunnel.example.com", tlsConf.ServerName)
	assert.Nil(t, tlsConf.RootCAs, "system pool by default")
}
