// Package config loads the agent's local configuration and the resource
// rules file. The local configuration is read once at startup and immutable
// afterwards; the rules file is read and parsed again at every registration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ConfigError marks configuration problems that are fatal at startup; the
// agent exits rather than reconnecting.
type ConfigError struct {
	msg   string
	cause error
}

func (e *ConfigError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("config: %s: %v", e.msg, e.cause)
	}
	return "config: " + e.msg
}

func (e *ConfigError) Unwrap() error { return e.cause }

func configErr(cause error, format string, args ...any) *ConfigError {
	return &ConfigError{msg: fmt.Sprintf(format, args...), cause: cause}
}

// Errorf builds a ConfigError for callers outside this package that hit
// fatal startup problems (e.g. a local port that will not bind).
func Errorf(cause error, format string, args ...any) *ConfigError {
	return configErr(cause, format, args...)
}

// LocalConf is the agent's local configuration file. Loaded once at startup;
// every component holds a shared read-only reference.
type LocalConf struct {
	AgentID string `yaml:"agentId"`
	User    string `yaml:"user"`
	Domain  string `yaml:"domain"`

	// OAuthKey is the consumer secret used to sign the authorization
	// request; the consumer key on the wire is the domain.
	OAuthKey string `yaml:"oauthKey"`

	RulesFile string `yaml:"rulesFile"`

	SocksServerPort int `yaml:"socksServerPort"`
	HealthCheckPort int `yaml:"healthCheckPort"`

	// HealthCheckGadgetUsers is a comma-separated list of identities allowed
	// to view this agent's liveness in the server UI. Optional.
	HealthCheckGadgetUsers string `yaml:"healthCheckGadgetUsers"`

	SdcServerHost string `yaml:"sdcServerHost"`
	SdcServerPort int    `yaml:"sdcServerPort"`

	// ProxyURL routes the outbound tunnel connection through a corporate
	// HTTP proxy when set, e.g. "http://proxy.corp:3128".
	ProxyURL string `yaml:"proxyUrl"`

	// CACertFile verifies the tunnel server certificate when set; otherwise
	// the system trust store is used.
	CACertFile string `yaml:"caCertFile"`

	// SSHForwarderCommand is the bundled SSH port forwarder launched per
	// session; it receives the SOCKS port via argv. Optional.
	SSHForwarderCommand string `yaml:"sshForwarderCommand"`

	LogLevel string `yaml:"logLevel"`
}

// Load reads and validates a LocalConf YAML file.
func Load(path string) (*LocalConf, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, configErr(err, "reading %s", path)
	}
	conf := &LocalConf{}
	if err := yaml.Unmarshal(data, conf); err != nil {
		return nil, configErr(err, "parsing %s", path)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Validate checks the fields the agent cannot run without.
func (c *LocalConf) Validate() error {
	switch {
	case c.AgentID == "":
		return configErr(nil, "agentId is required")
	case c.User == "":
		return configErr(nil, "user is required")
	case c.Domain == "":
		return configErr(nil, "domain is required")
	case c.OAuthKey == "":
		return configErr(nil, "oauthKey is required")
	case c.RulesFile == "":
		return configErr(nil, "rulesFile is required")
	case c.SdcServerHost == "":
		return configErr(nil, "sdcServerHost is required")
	}
	if c.SdcServerPort <= 0 || c.SdcServerPort > 65535 {
		return configErr(nil, "sdcServerPort %d out of range", c.SdcServerPort)
	}
	if c.SocksServerPort <= 0 || c.SocksServerPort > 65535 {
		return configErr(nil, "socksServerPort %d out of range", c.SocksServerPort)
	}
	if c.HealthCheckPort < 0 || c.HealthCheckPort > 65535 {
		return configErr(nil, "healthCheckPort %d out of range", c.HealthCheckPort)
	}
	return nil
}

// Email is the identity the agent authenticates as.
func (c *LocalConf) Email() string {
	return c.User + "@" + c.Domain
}
