package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rogett/google-secure-data-connector/protocol"
)

// Health-check defaults, used until the server supplies its own timing at
// registration.
const (
	defaultHealthCheckInterval = 10 * time.Second
	defaultHealthCheckTimeout  = 30 * time.Second
)

// HealthCheck proves liveness in both directions over the framed transport:
// it echoes every inbound HEALTH_CHECK frame, emits its own probe each
// interval, and ends the session with ErrHealthTimeout when the server goes
// quiet past the timeout window.
type HealthCheck struct {
	sender frameSender
	log    *slog.Logger

	mu          sync.Mutex
	interval    time.Duration
	timeout     time.Duration
	lastInbound time.Time
	confChanged chan struct{}
}

func NewHealthCheck(sender frameSender, log *slog.Logger) *HealthCheck {
	return &HealthCheck{
		sender:      sender,
		log:         log,
		interval:    defaultHealthCheckInterval,
		timeout:     defaultHealthCheckTimeout,
		confChanged: make(chan struct{}, 1),
	}
}

// SetServerSuppliedConf applies the server's timing. Zero values keep the
// current settings; presence of the whole structure is optional in the wire
// contract.
func (h *HealthCheck) SetServerSuppliedConf(conf protocol.ServerSuppliedConf) {
	h.mu.Lock()
	if conf.HealthCheckIntervalSeconds > 0 {
		h.interval = time.Duration(conf.HealthCheckIntervalSeconds) * time.Second
	}
	if conf.HealthCheckTimeoutSeconds > 0 {
		h.timeout = time.Duration(conf.HealthCheckTimeoutSeconds) * time.Second
	}
	h.mu.Unlock()

	select {
	case h.confChanged <- struct{}{}:
	default:
	}
}

// Interval returns the current probe cadence.
func (h *HealthCheck) Interval() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interval
}

// Timeout returns the current liveness window.
func (h *HealthCheck) Timeout() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.timeout
}

// LastInbound reports when the server was last heard from on the
// HEALTH_CHECK channel. Zero until the first inbound frame.
func (h *HealthCheck) LastInbound() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastInbound
}

// Dispatch handles inbound HEALTH_CHECK frames on the reader task. Probes
// are echoed from a separate goroutine so a backed-up writer queue can never
// stall the reader.
func (h *HealthCheck) Dispatch(fi protocol.FrameInfo) error {
	h.mu.Lock()
	h.lastInbound = time.Now()
	h.mu.Unlock()

	var payload protocol.HealthCheckPayload
	if len(fi.Payload) > 0 {
		if err := protocol.Unmarshal(fi.Payload, &payload); err != nil {
			// An unreadable health frame still proves the peer is alive;
			// answer it like a probe.
			h.log.Warn("unparsable health check payload", "err", err)
		}
	}
	if payload.Echo {
		return nil
	}

	seq := fi.Seq
	go func() {
		echo, err := protocol.Marshal(protocol.HealthCheckPayload{Echo: true, Seq: seq})
		if err != nil {
			return
		}
		if err := h.sender.Send(protocol.FrameHealthCheck, echo); err != nil {
			h.log.Debug("health check echo not sent", "err", err)
		}
	}()
	return nil
}

// Run is the health-check timer task: probe every interval, fail the session
// when the server has been quiet longer than the timeout. Closing the
// session cancels it through the context.
func (h *HealthCheck) Run(ctx context.Context) error {
	h.mu.Lock()
	h.lastInbound = time.Now()
	h.mu.Unlock()

	timer := time.NewTimer(h.Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.confChanged:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(h.Interval())
		case <-timer.C:
			if quiet := time.Since(h.LastInbound()); quiet > h.Timeout() {
				h.log.Error("health check timeout", "quiet_for", quiet, "timeout", h.Timeout())
				return ErrHealthTimeout
			}
			probe, err := protocol.Marshal(protocol.HealthCheckPayload{})
			if err != nil {
				return err
			}
			if err := h.sender.Send(protocol.FrameHealthCheck, probe); err != nil {
				return err
			}
			timer.Reset(h.Interval())
		}
	}
}
