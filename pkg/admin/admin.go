// Package admin serves the node's operator HTTP surface: liveness,
// Prometheus metrics and a JSON view of services, networks and peers.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/resolvingarchitecture/ra-common/pkg/observability"
	"github.com/resolvingarchitecture/ra-common/pkg/peers"
	"github.com/resolvingarchitecture/ra-common/pkg/registry"
)

// Network is the admin view of one network adapter.
type Network struct {
	ID      string       `json:"id"`
	Address string       `json:"address"`
	Status  string       `json:"status"`
	Since   time.Time    `json:"since"`
	Links   []string     `json:"links"`
	Peers   []peers.Peer `json:"peers,omitempty"`
}

// Snapshot is what /status reports.
type Snapshot struct {
	Node     string          `json:"node"`
	DID      string          `json:"did"`
	InFlight int             `json:"in_flight"`
	Services []registry.Info `json:"services"`
	Networks []Network       `json:"networks"`
}

// Reporter is implemented by the node.
type Reporter interface {
	Snapshot() Snapshot
	Service(name string) (registry.Info, bool)
}

type Server struct {
	rep     Reporter
	metrics *observability.Metrics
	router  chi.Router
}

func New(rep Reporter, m *observability.Metrics) *Server {
	s := &Server{rep: rep, metrics: m}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", m.Handler())
	r.Get("/status", s.status)
	r.Get("/services/{name}", s.service)
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.rep.Snapshot())
}

func (s *Server) service(w http.ResponseWriter, r *http.Request) {
	info, ok := s.rep.Service(chi.URLParam(r, "name"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown service"})
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("admin: write response", zap.Error(err))
	}
}

// Serve listens on addr until ctx ends.
func (s *Server) Serve(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	zap.L().Info("admin listening", zap.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
