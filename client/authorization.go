package client

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/rogett/google-secure-data-connector/config"
)

// initialHandshakeMsg opens every session. It goes out as a plain ASCII line
// before any framing so the server can route the connection and pick the
// protocol version first.
const initialHandshakeMsg = "connect v1.0"

// AuthRequest is the second handshake line: the signed OAuth query bound to
// the agent's email. It is retained after a successful handshake as context
// for the registration that follows.
type AuthRequest struct {
	OAuthString string `json:"oauthString"`
}

// AuthResponse is the server's single-line answer.
type AuthResponse struct {
	Status   string `json:"status"`
	ErrorMsg string `json:"errorMsg,omitempty"`
}

// Authorization statuses the agent understands. Anything else is treated as
// a denial carrying the server's wording.
const (
	StatusOK           = "OK"
	StatusAccessDenied = "ACCESS_DENIED"
)

// Authorizer performs the pre-framing credential exchange.
type Authorizer struct {
	conf *config.LocalConf
	log  *slog.Logger

	// Injection points for deterministic tests.
	now   func() time.Time
	nonce func() string
}

func NewAuthorizer(conf *config.LocalConf, log *slog.Logger) *Authorizer {
	return &Authorizer{conf: conf, log: log, now: time.Now, nonce: newNonce}
}

// Authorize runs the line-oriented handshake over the raw transport: the
// hello line, the signed auth request, then one response line. The reader
// must be the same bufio.Reader the framer will take over afterwards so no
// buffered bytes are lost.
//
// Failures: an unparsable response is a MangledResponseError; a non-OK
// status is an AuthenticationError. I/O errors pass through untouched and
// are treated as transport failures by the caller.
func (a *Authorizer) Authorize(br *bufio.Reader, w io.Writer) (*AuthRequest, error) {
	email := a.conf.Email()
	a.log.Info("attempting login", "email", email)

	if _, err := io.WriteString(w, initialHandshakeMsg+"\n"); err != nil {
		return nil, err
	}

	authRequest := &AuthRequest{
		OAuthString: signedAuthQuery(a.conf.Domain, email, a.conf.OAuthKey, a.nonce(), a.now()),
	}
	line, err := json.Marshal(authRequest)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(append(line, '\n')); err != nil {
		return nil, err
	}

	a.log.Debug("reading auth response")
	respLine, err := br.ReadString('\n')
	if err != nil {
		return nil, err
	}

	var resp AuthResponse
	if err := json.Unmarshal([]byte(strings.TrimSuffix(respLine, "\n")), &resp); err != nil {
		return nil, mangledErr(err, "auth response from server")
	}
	if resp.Status != StatusOK {
		a.log.Warn("authorization rejected", "email", email, "status", resp.Status, "error_msg", resp.ErrorMsg)
		return nil, &AuthenticationError{Email: email, Status: resp.Status}
	}

	a.log.Info("login successful", "email", email)
	return authRequest, nil
}
