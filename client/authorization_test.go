package client

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rogett/google-secure-data-connector/config"
)

func testConf() *config.LocalConf {
	return &config.LocalConf{
		AgentID:         "agent-1",
		User:            "sdcuser",
		Domain:          "example.com",
		OAuthKey:        "sekrit",
		RulesFile:       "rules.xml",
		SocksServerPort: 1080,
		HealthCheckPort: 8123,
		SdcServerHost:   "tunnel.example.com",
		SdcServerPort:   443,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAuthorizer(conf *config.LocalConf) *Authorizer {
	a := NewAuthorizer(conf, testLogger())
	a.now = func() time.Time { return time.Unix(1234567890, 0) }
	a.nonce = func() string { return "fixed-nonce" }
	return a
}

// authorize runs the handshake against a scripted server response and
// returns what the agent wrote.
func authorize(t *testing.T, serverLine string) (*AuthRequest, *bytes.Buffer, error) {
	t.Helper()
	br := bufio.NewReader(strings.NewReader(serverLine))
	var wrote bytes.Buffer
	req, err := testAuthorizer(testConf()).Authorize(br, &wrote)
	return req, &wrote, err
}

func TestAuthorizeHappyPath(t *testing.T) {
	req, wrote, err := authorize(t, `{"status":"OK"}`+"\n")
	require.NoError(t, err)
	require.NotNil(t, req)

	lines := strings.Split(wrote.String(), "\n")
	require.GreaterOrEqual(t, len(lines), 2)
	assert.Equal(t, "connect v1.0", lines[0], "hello line precedes everything")

	var sent AuthRequest
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &sent))
	assert.Contains(t, sent.OAuthString, "requestor_id=sdcuser%40example.com")
	assert.Contains(t, sent.OAuthString, "oauth_consumer_key=example.com")
	assert.Contains(t, sent.OAuthString, "&oauth_signature=")
	assert.Equal(t, req.OAuthString, sent.OAuthString, "retained request matches the wire")
}

func TestAuthorizeAccessDenied(t *testing.T) {
	req, _, err := authorize(t, `{"status":"ACCESS_DENIED"}`+"\n")
	require.Error(t, err)
	assert.Nil(t, req)

	var ae *AuthenticationError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "sdcuser@example.com", ae.Email)
	assert.Equal(t, "ACCESS_DENIED", ae.Status)
}

func TestAuthorizeMangledResponse(t *testing.T) {
	_, _, err := authorize(t, "SO NOT A REAL JSON STRING\n")
	require.Error(t, err)

	var me *MangledResponseError
	require.ErrorAs(t, err, &me)
	assert.True(t, strings.HasPrefix(me.Error(), "Mangled"),
		"mangled-response messages must keep the Mangled prefix, got %q", me.Error())
}

func TestAuthorizeUnknownStatusIsDenied(t *testing.T) {
	_, _, err := authorize(t, `{"status":"TRY_AGAIN_LATER","errorMsg":"maintenance"}`+"\n")
	var ae *AuthenticationError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "TRY_AGAIN_LATER", ae.Status)
}

func TestAuthorizeServerHangupIsIOError(t *testing.T) {
	br := bufio.NewReader(strings.NewReader("")) // server closed before answering
	var wrote bytes.Buffer
	_, err := testAuthorizer(testConf()).Authorize(br, &wrote)
	require.Error(t, err)

	var ae *AuthenticationError
	var me *MangledResponseError
	assert.False(t, errors.As(err, &ae), "io failure is not an auth error")
	assert.False(t, errors.As(err, &me), "io failure is not a mangled response")
	assert.ErrorIs(t, err, io.EOF)
}
