package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"

	"go.uber.org/zap"

	"github.com/wudi/grpcmock/internal/config"
	"github.com/wudi/grpcmock/internal/logging"
	"github.com/wudi/grpcmock/internal/metrics"
	"github.com/wudi/grpcmock/internal/reload"
)

// Server is the admin HTTP listener. It is read-only apart from the
// reload hook and carries no authentication.
type Server struct {
	cfg     *config.Config
	coord   *reload.Coordinator
	metrics *metrics.Collector
	log     *zap.Logger
	httpSrv *http.Server
}

// NewServer builds the admin listener.
func NewServer(cfg *config.Config, coord *reload.Coordinator, m *metrics.Collector) *Server {
	s := &Server{cfg: cfg, coord: coord, metrics: m, log: logging.Global()}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", m.Handler())
	mux.HandleFunc("POST /reload", s.handleReload)
	s.httpSrv = &http.Server{Handler: mux}
	return s
}

// Start binds the admin port and serves in the background.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.AdminPort))
	if err != nil {
		return fmt.Errorf("bind admin port %d: %w", s.cfg.AdminPort, err)
	}
	go func() {
		if err := s.httpSrv.Serve(lis); err != nil && err != http.ErrServerClosed {
			s.log.Debug("admin serve loop ended", zap.Error(err))
		}
	}()
	s.log.Info("admin server listening", zap.Int("port", s.cfg.AdminPort))
	return nil
}

// Shutdown stops the admin listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(Build(s.cfg, s.coord, s.metrics))
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if s.coord.Ready() {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte("not ready"))
}

func (s *Server) handleReload(w http.ResponseWriter, _ *http.Request) {
	s.coord.Trigger("manual")
	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte("reload scheduled"))
}
