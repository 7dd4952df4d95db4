package client

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rogett/google-secure-data-connector/protocol"
)

// newPipeSession wires a session to an in-process server end of a net.Pipe
// instead of a TLS dial.
func newPipeSession(t *testing.T, rules string) (*Session, net.Conn) {
	t.Helper()
	conf := testConf()
	conf.RulesFile = filepath.Join(t.TempDir(), "rules.xml")
	require.NoError(t, os.WriteFile(conf.RulesFile, []byte(rules), 0o644))
	conf.SocksServerPort = 0 // pick a free port for the gate

	clientEnd, serverEnd := net.Pipe()
	sess := NewSession(conf, testLogger())
	sess.dial = func(context.Context) (net.Conn, io.Closer, error) {
		return clientEnd, clientEnd, nil
	}
	return sess, serverEnd
}

// tunnelScript is the server side of the handshake: consume the two lines,
// answer the auth line, and hand back a framed channel.
func tunnelScript(t *testing.T, server net.Conn, authLine string) (*bufio.Reader, *protocol.Framer) {
	t.Helper()
	br := bufio.NewReader(server)

	hello, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "connect v1.0\n", hello)

	_, err = br.ReadString('\n') // the signed auth request
	require.NoError(t, err)

	_, err = io.WriteString(server, authLine)
	require.NoError(t, err)

	return br, protocol.NewFramer(br, server)
}

func TestSessionHappyPath(t *testing.T) {
	sess, server := newPipeSession(t, `<resourceRules/>`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverErr := make(chan error, 1)
	established := make(chan struct{})
	go func() {
		serverErr <- func() error {
			_, framer := tunnelScript(t, server, `{"status":"OK"}`+"\n")

			sctx, scancel := context.WithCancel(context.Background())
			defer scancel()
			sender := protocol.NewFrameSender(framer, 8)
			go sender.Run(sctx)

			// Expect exactly one registration frame.
			fi, err := framer.Recv()
			if err != nil {
				return err
			}
			if fi.Type != protocol.FrameRegistration {
				return errors.New("first framed message was not REGISTRATION")
			}
			var req protocol.RegistrationRequest
			if err := protocol.Unmarshal(fi.Payload, &req); err != nil {
				return err
			}
			if len(req.ResourceKeys) != 1 {
				return errors.New("zero-rule file should register exactly the health-check key")
			}

			payload, err := protocol.Marshal(protocol.RegistrationResponse{
				Result: protocol.RegistrationOK,
				ServerSuppliedConf: &protocol.ServerSuppliedConf{
					HealthCheckIntervalSeconds: 5,
				},
			})
			if err != nil {
				return err
			}
			if err := sender.Send(protocol.FrameRegistration, payload); err != nil {
				return err
			}

			// Probe the agent and expect the echo with our probe's sequence.
			probe, err := protocol.Marshal(protocol.HealthCheckPayload{})
			if err != nil {
				return err
			}
			if err := sender.Send(protocol.FrameHealthCheck, probe); err != nil {
				return err
			}
			echoFrame, err := framer.Recv()
			if err != nil {
				return err
			}
			if echoFrame.Type != protocol.FrameHealthCheck {
				return errors.New("expected a HEALTH_CHECK echo")
			}
			var echo protocol.HealthCheckPayload
			if err := protocol.Unmarshal(echoFrame.Payload, &echo); err != nil {
				return err
			}
			if !echo.Echo || echo.Seq != 1 {
				return errors.New("echo did not match the probe sequence")
			}

			close(established)
			return nil
		}()
	}()

	runDone := make(chan error, 1)
	go func() { runDone <- sess.Run(ctx, 8123) }()

	select {
	case <-established:
	case err := <-serverErr:
		if err != nil {
			t.Fatalf("server script failed: %v", err)
		}
	case err := <-runDone:
		t.Fatalf("session ended early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("handshake did not complete")
	}

	status := sess.Status()
	assert.True(t, status.Connected)
	assert.True(t, status.Registered)
	assert.Equal(t, 5*time.Second, sess.health.Interval(), "server-supplied cadence applied")

	cancel()
	assert.NoError(t, <-runDone, "shutdown through context is graceful")
	select {
	case err := <-serverErr:
		require.NoError(t, err)
	case <-time.After(time.Second):
		// Script result already consumed above.
	}
}

func TestSessionAccessDenied(t *testing.T) {
	sess, server := newPipeSession(t, `<resourceRules/>`)

	noFrames := make(chan error, 1)
	go func() {
		br, _ := tunnelScript(t, server, `{"status":"ACCESS_DENIED"}`+"\n")
		// The agent must hang up without sending a registration frame.
		_, err := br.ReadByte()
		noFrames <- err
	}()

	err := sess.Run(context.Background(), 8123)
	var ae *AuthenticationError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "ACCESS_DENIED", ae.Status)

	assert.ErrorIs(t, <-noFrames, io.EOF, "no bytes after a denied handshake")
	assert.False(t, sess.Status().Registered)
}

func TestSessionMangledAuthResponse(t *testing.T) {
	sess, server := newPipeSession(t, `<resourceRules/>`)

	go func() {
		_, _ = tunnelScript(t, server, "SO NOT A REAL JSON STRING\n")
	}()

	err := sess.Run(context.Background(), 8123)
	var me *MangledResponseError
	require.ErrorAs(t, err, &me)
	assert.Truef(t, len(me.Error()) >= 7 && me.Error()[:7] == "Mangled", "got %q", me.Error())
}

func TestSessionRegistrationRejected(t *testing.T) {
	sess, server := newPipeSession(t, `<resourceRules/>`)

	go func() {
		_, framer := tunnelScript(t, server, `{"status":"OK"}`+"\n")
		sctx, scancel := context.WithCancel(context.Background())
		defer scancel()
		sender := protocol.NewFrameSender(framer, 8)
		go sender.Run(sctx)

		if _, err := framer.Recv(); err != nil {
			return
		}
		payload, err := protocol.Marshal(protocol.RegistrationResponse{
			Result:        protocol.RegistrationError,
			StatusMessage: "quota exceeded",
		})
		if err != nil {
			return
		}
		_ = sender.Send(protocol.FrameRegistration, payload)
	}()

	err := sess.Run(context.Background(), 8123)
	var re *RegistrationError
	require.ErrorAs(t, err, &re)
	assert.True(t, re.ServerRejected)
	assert.Equal(t, "quota exceeded", re.StatusMessage)
}

func TestSessionUnhandledFrameTearsDown(t *testing.T) {
	sess, server := newPipeSession(t, `<resourceRules/>`)

	go func() {
		_, framer := tunnelScript(t, server, `{"status":"OK"}`+"\n")
		sctx, scancel := context.WithCancel(context.Background())
		defer scancel()
		sender := protocol.NewFrameSender(framer, 8)
		go sender.Run(sctx)

		if _, err := framer.Recv(); err != nil {
			return
		}
		// An AUTHORIZATION frame after the handshake has no handler.
		_ = sender.Send(protocol.FrameAuthorization, []byte("bogus"))
	}()

	err := sess.Run(context.Background(), 8123)
	require.Error(t, err)
	assert.True(t, protocol.IsFraming(err, protocol.KindUnhandledType) ||
		errors.As(err, new(*RegistrationError)), "unhandled frame kills the session")
}
