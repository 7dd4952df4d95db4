package client

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
)

// SSHForwarder is the bundled SSH port-forwarder child process. The agent
// only launches and reaps it: SSH itself is an external collaborator that
// consumes the local SOCKS gate.
type SSHForwarder struct {
	cmd *exec.Cmd
	log *slog.Logger
}

// StartSSHForwarder launches the configured forwarder command with the SOCKS
// port appended via argv. The child dies with the session: the context it
// runs under is the session's.
func StartSSHForwarder(ctx context.Context, command string, socksPort int, log *slog.Logger) (*SSHForwarder, error) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return nil, errors.New("empty ssh forwarder command")
	}
	args := append(parts[1:], "--socks-port", strconv.Itoa(socksPort))
	cmd := exec.CommandContext(ctx, parts[0], args...)

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	f := &SSHForwarder{cmd: cmd, log: log}
	log.Info("ssh forwarder started", "pid", cmd.Process.Pid, "socks_port", socksPort)

	go func() {
		err := cmd.Wait()
		log.Info("ssh forwarder exited", "err", err)
	}()
	return f, nil
}

// Stop kills the child if it is still running. Idempotent enough for the
// session's deferred cleanup; a child that already exited is left alone.
func (f *SSHForwarder) Stop() {
	if f.cmd.Process != nil {
		_ = f.cmd.Process.Kill()
	}
}
