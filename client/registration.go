package client

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/rogett/google-secure-data-connector/config"
	"github.com/rogett/google-secure-data-connector/keystore"
	"github.com/rogett/google-secure-data-connector/protocol"
)

// frameSender is the slice of the writer arbiter handlers need.
type frameSender interface {
	Send(t protocol.FrameType, payload []byte) error
}

// healthConfSink receives the server-supplied timing knobs once registration
// succeeds.
type healthConfSink interface {
	SetServerSuppliedConf(conf protocol.ServerSuppliedConf)
}

// Registration sends the agent's capability surface to the server and
// processes the response. It is the REGISTRATION frame handler and the only
// writer the key store ever sees.
type Registration struct {
	conf   *config.LocalConf
	keys   *keystore.Store
	health healthConfSink
	log    *slog.Logger

	// healthCheckPort is the actual local responder port, which can differ
	// from the configured one when the configuration asks for :0.
	healthCheckPort int

	readFile func(string) ([]byte, error)
	randKey  func() (uint64, error)

	done chan error
}

func NewRegistration(conf *config.LocalConf, keys *keystore.Store, health healthConfSink, healthCheckPort int, log *slog.Logger) *Registration {
	return &Registration{
		conf:            conf,
		keys:            keys,
		health:          health,
		log:             log,
		healthCheckPort: healthCheckPort,
		readFile:        os.ReadFile,
		randKey:         randomKey,
		done:            make(chan error, 1),
	}
}

// randomKey mints one 64-bit resource secret. These values authenticate
// SOCKS gating, so they come from the CSPRNG, never a seeded PRNG.
func randomKey() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// SendRegistrationInfo parses the rules file, mints one resource key per
// rule URL plus one for the local health-check endpoint, and submits the
// whole capability surface as a single REGISTRATION frame. The minted keys
// go into the key store; the store is sealed when the server acknowledges.
func (r *Registration) SendRegistrationInfo(sender frameSender) error {
	rulesXML, err := r.readFile(r.conf.RulesFile)
	if err != nil {
		return &RegistrationError{cause: err}
	}
	rules, err := config.ParseRules(rulesXML)
	if err != nil {
		return &RegistrationError{cause: err}
	}

	keys, err := r.mintResourceKeys(config.RuleURLs(rules, r.conf.AgentID))
	if err != nil {
		return &RegistrationError{cause: err}
	}

	request := protocol.RegistrationRequest{
		AgentID:                r.conf.AgentID,
		SocksServerPort:        r.conf.SocksServerPort,
		HealthCheckPort:        r.healthCheckPort,
		ResourcesXML:           rulesXML,
		ResourceKeys:           keys,
		HealthCheckGadgetUsers: splitGadgetUsers(r.conf.HealthCheckGadgetUsers),
	}
	payload, err := protocol.Marshal(request)
	if err != nil {
		return &RegistrationError{cause: err}
	}

	r.log.Info("sending registration",
		"agent_id", r.conf.AgentID,
		"resource_keys", len(keys),
		"socks_port", r.conf.SocksServerPort,
		"health_check_port", r.healthCheckPort)
	if err := sender.Send(protocol.FrameRegistration, payload); err != nil {
		return &RegistrationError{cause: err}
	}

	storeKeys := make([]keystore.Key, 0, len(keys))
	for _, k := range keys {
		storeKeys = append(storeKeys, keystore.Key{Host: k.Host, Port: k.Port, Secret: k.Key})
	}
	if err := r.keys.Put(storeKeys); err != nil {
		return &RegistrationError{cause: err}
	}
	return nil
}

func (r *Registration) mintResourceKeys(urls []string) ([]protocol.ResourceKey, error) {
	keys := make([]protocol.ResourceKey, 0, len(urls)+1)
	for _, u := range urls {
		host, port, err := config.HostPort(u)
		if err != nil {
			return nil, err
		}
		secret, err := r.randKey()
		if err != nil {
			return nil, err
		}
		keys = append(keys, protocol.ResourceKey{Host: host, Port: port, Key: secret})
	}

	// One extra key covers the local health-check endpoint so the server can
	// probe it through the same gate.
	secret, err := r.randKey()
	if err != nil {
		return nil, err
	}
	return append(keys, protocol.ResourceKey{Host: "localhost", Port: r.healthCheckPort, Key: secret}), nil
}

// splitGadgetUsers turns the comma-separated option into a list: entries
// trimmed, empty entries skipped. An absent or whitespace-only option means
// no list at all, not an empty one.
func splitGadgetUsers(raw string) []string {
	var users []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			users = append(users, trimmed)
		}
	}
	return users
}

// Dispatch handles the server's RegistrationResponse frame. Any failure is
// reported both to the dispatcher (tearing the session down) and to
// AwaitResponse (so the session start sequence sees it directly).
func (r *Registration) Dispatch(fi protocol.FrameInfo) error {
	err := r.processResponse(fi)
	select {
	case r.done <- err:
	default:
	}
	return err
}

func (r *Registration) processResponse(fi protocol.FrameInfo) error {
	var resp protocol.RegistrationResponse
	if err := protocol.Unmarshal(fi.Payload, &resp); err != nil {
		return &RegistrationError{cause: mangledErr(err, "registration response")}
	}
	if resp.Result != protocol.RegistrationOK {
		return &RegistrationError{StatusMessage: resp.StatusMessage, ServerRejected: true}
	}

	r.keys.Seal()
	r.log.Info("registration successful", "resource_keys", r.keys.Len())

	if resp.ServerSuppliedConf != nil {
		r.log.Info("applying server-supplied configuration",
			"health_check_interval_s", resp.ServerSuppliedConf.HealthCheckIntervalSeconds,
			"health_check_timeout_s", resp.ServerSuppliedConf.HealthCheckTimeoutSeconds)
		r.health.SetServerSuppliedConf(*resp.ServerSuppliedConf)
	}
	return nil
}

// AwaitResponse blocks until the server answers the registration frame or
// the context ends. A context timeout here is transport-class trouble, not a
// server rejection; the agent reconnects.
func (r *Registration) AwaitResponse(ctx context.Context) error {
	select {
	case err := <-r.done:
		return err
	case <-ctx.Done():
		return &RegistrationError{cause: fmt.Errorf("waiting for registration response: %w", ctx.Err())}
	}
}
