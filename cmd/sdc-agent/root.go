package main

import (
	"errors"
	"log/slog"
	"net"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/rogett/google-secure-data-connector/client"
	"github.com/rogett/google-secure-data-connector/config"
)

// Exit codes per the operational contract.
const (
	exitConfig       = 1
	exitAuth         = 2
	exitRegistration = 3
	exitTransport    = 4
)

func newRootCmd(version string) *cobra.Command {
	var (
		confPath   string
		rulesPath  string
		serverAddr string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:           "sdc-agent --config <localconf.yaml>",
		Short:         "sdc-agent: expose intranet resources to the tunnel server over one outbound connection",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := config.Load(confPath)
			if err != nil {
				return &exitError{code: exitConfig, message: err.Error()}
			}
			if rulesPath != "" {
				conf.RulesFile = rulesPath
			}
			if logLevel != "" {
				conf.LogLevel = logLevel
			}
			if serverAddr != "" {
				host, portStr, err := net.SplitHostPort(serverAddr)
				if err != nil {
					return &exitError{code: exitConfig, message: "bad --server address: " + err.Error()}
				}
				port, err := strconv.Atoi(portStr)
				if err != nil {
					return &exitError{code: exitConfig, message: "bad --server port: " + err.Error()}
				}
				conf.SdcServerHost = host
				conf.SdcServerPort = port
			}
			if err := conf.Validate(); err != nil {
				return &exitError{code: exitConfig, message: err.Error()}
			}

			log := newLogger(conf.LogLevel)
			log.Info("starting sdc-agent", "version", version, "agent_id", conf.AgentID)

			if err := client.New(conf, log).Run(cmd.Context()); err != nil {
				return &exitError{code: exitCodeFor(err), message: err.Error()}
			}
			log.Info("shutdown complete")
			return nil
		},
	}

	cmd.Version = version
	cmd.SetVersionTemplate("sdc-agent {{.Version}}\n")

	cmd.Flags().StringVar(&confPath, "config", "", "path to the local configuration file")
	cmd.Flags().StringVar(&rulesPath, "rules", "", "override the resource rules file path")
	cmd.Flags().StringVar(&serverAddr, "server", "", "override the tunnel server address (host:port)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// exitCodeFor maps a run failure onto the documented exit codes.
func exitCodeFor(err error) int {
	var (
		ce *config.ConfigError
		ae *client.AuthenticationError
		re *client.RegistrationError
		xe *client.ReconnectExhaustedError
	)
	switch {
	case errors.As(err, &ce):
		return exitConfig
	case errors.As(err, &ae):
		return exitAuth
	case errors.As(err, &re) && re.ServerRejected:
		return exitRegistration
	case errors.As(err, &xe):
		return exitTransport
	}
	return exitConfig
}
