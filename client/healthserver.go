package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// AgentStatus is what the local health endpoint reports: enough for the
// server-side prober (and a curious operator) to see where the agent is in
// its lifecycle.
type AgentStatus struct {
	SessionID    string    `json:"sessionId"`
	Connected    bool      `json:"connected"`
	Registered   bool      `json:"registered"`
	LastProbe    time.Time `json:"lastProbe,omitempty"`
	ConnectedFor string    `json:"connectedFor,omitempty"`
}

// HealthServer is the local liveness endpoint whose port registration
// advertises; the extra localhost resource key minted at registration covers
// exactly this listener.
type HealthServer struct {
	ln  net.Listener
	srv *http.Server
	log *slog.Logger
}

// StartHealthServer binds localhost:port (port 0 picks a free one) and
// serves GET /healthz with the current agent status.
func StartHealthServer(port int, status func() AgentStatus, log *slog.Logger) (*HealthServer, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort("localhost", strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status()); err != nil {
			log.Warn("writing health response", "err", err)
		}
	})

	hs := &HealthServer{
		ln:  ln,
		srv: &http.Server{Handler: r, ReadTimeout: 10 * time.Second},
		log: log,
	}
	go func() {
		if err := hs.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error("health server stopped", "err", err)
		}
	}()
	log.Info("health check responder listening", "port", hs.Port())
	return hs, nil
}

// Port is the bound port; this is what registration reports to the server.
func (h *HealthServer) Port() int {
	return h.ln.Addr().(*net.TCPAddr).Port
}

func (h *HealthServer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return h.srv.Shutdown(ctx)
}
