// Package connectsrv serves the HTTP side of the mock: the Connect
// protocol, gRPC-Web framing and gRPC over HTTP/2 share one listener,
// dispatched by content type on POST /<service>/<method>.
package connectsrv

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/grpc"

	"github.com/wudi/grpcmock/internal/config"
	"github.com/wudi/grpcmock/internal/handler"
	"github.com/wudi/grpcmock/internal/logging"
	"github.com/wudi/grpcmock/internal/metrics"
	"github.com/wudi/grpcmock/internal/protocol"
	"github.com/wudi/grpcmock/internal/protocol/grpcsrv"
	"github.com/wudi/grpcmock/internal/schema"
)

// exposeHeaders are always advertised to browser callers.
var exposeHeaders = []string{
	"Grpc-Status", "Grpc-Message", "Grpc-Status-Details-Bin",
	"Connect-Protocol-Version", "Connect-Timeout-Ms",
}

// Server is the Connect HTTP listener.
type Server struct {
	cfg      config.ConnectConfig
	handler  *handler.Handler
	snapshot grpcsrv.SnapshotFunc
	metrics  *metrics.Collector
	grpcSrv  *grpc.Server
	tls      *tls.Config
	log      *zap.Logger

	mu      sync.Mutex
	state   protocol.State
	addr    string
	httpSrv *http.Server
}

// NewServer builds the listener. The embedded grpc.Server handles
// application/grpc requests arriving over the same port. A nil tlsConf
// serves cleartext h2c.
func NewServer(cfg config.ConnectConfig, h *handler.Handler, snap grpcsrv.SnapshotFunc, m *metrics.Collector, tlsConf *tls.Config) *Server {
	core := grpcsrv.NewCore("grpc_h2", h, snap, m)
	return &Server{
		cfg:      cfg,
		handler:  h,
		snapshot: snap,
		metrics:  m,
		grpcSrv:  grpcsrv.NewGRPCServer(core),
		tls:      tlsConf,
		log:      logging.Global(),
		state:    protocol.StateStarting,
	}
}

// Start binds the port. Cleartext uses h2c so HTTP/1.1 and HTTP/2 both
// work on the one listener; with TLS configured, HTTP/2 is negotiated
// via ALPN instead.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		s.state = protocol.StateStopped
		return fmt.Errorf("bind connect port %d: %w", s.cfg.Port, err)
	}
	s.addr = lis.Addr().String()

	var root http.Handler = http.HandlerFunc(s.dispatch)
	if s.cfg.CORS.Enabled {
		root = s.corsMiddleware(root)
	}
	if s.tls != nil {
		tc := s.tls.Clone()
		tc.NextProtos = []string{"h2", "http/1.1"}
		s.httpSrv = &http.Server{Handler: root}
		if err := http2.ConfigureServer(s.httpSrv, &http2.Server{}); err != nil {
			lis.Close()
			s.state = protocol.StateStopped
			return fmt.Errorf("configure connect http2: %w", err)
		}
		lis = tls.NewListener(lis, tc)
	} else {
		s.httpSrv = &http.Server{
			Handler: h2c.NewHandler(root, &http2.Server{}),
		}
	}
	s.state = protocol.StateListening

	go func() {
		if err := s.httpSrv.Serve(lis); err != nil && err != http.ErrServerClosed {
			s.log.Debug("connect serve loop ended", zap.Error(err))
		}
	}()

	s.log.Info("connect server listening",
		zap.Int("port", s.cfg.Port),
		zap.Bool("tls", s.tls != nil))
	return nil
}

// GracefulStop drains HTTP requests and the embedded gRPC server.
func (s *Server) GracefulStop(ctx context.Context) {
	s.mu.Lock()
	if s.httpSrv == nil || s.state != protocol.StateListening {
		s.state = protocol.StateStopped
		s.mu.Unlock()
		return
	}
	s.state = protocol.StateDraining
	srv := s.httpSrv
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.grpcSrv.GracefulStop()
		close(done)
	}()
	if err := srv.Shutdown(ctx); err != nil {
		srv.Close()
	}
	select {
	case <-done:
	case <-ctx.Done():
		s.grpcSrv.Stop()
	}

	s.mu.Lock()
	s.state = protocol.StateStopped
	s.httpSrv = nil
	s.mu.Unlock()
	s.log.Info("connect server stopped")
}

// State returns the lifecycle state.
func (s *Server) State() protocol.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Port returns the configured port.
func (s *Server) Port() int { return s.cfg.Port }

// Addr returns the bound address, empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// dispatch routes by content type.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	ct := r.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(ct, "application/grpc-web"):
		s.metrics.RecordRequest("grpc_web")
		s.serveGRPCWeb(w, r, ct)
	case strings.HasPrefix(ct, "application/grpc"):
		// application/grpc+proto over HTTP/2, shared listener.
		s.grpcSrv.ServeHTTP(w, r)
	case strings.HasPrefix(ct, "application/json"),
		strings.HasPrefix(ct, "application/proto"),
		strings.HasPrefix(ct, "application/connect+json"),
		strings.HasPrefix(ct, "application/connect+proto"):
		s.metrics.RecordRequest("connect")
		s.serveConnect(w, r, ct)
	default:
		http.Error(w, fmt.Sprintf("unsupported content type %q", ct), http.StatusUnsupportedMediaType)
	}
}

// resolve parses the path and looks the method up in the current
// snapshot. The bool is false when the route does not name a loaded
// method.
func (s *Server) resolve(r *http.Request) (*handler.Call, *schema.HandlerMeta, bool) {
	path := strings.Trim(r.URL.Path, "/")
	i := strings.LastIndexByte(path, '/')
	if i <= 0 {
		return nil, nil, false
	}
	snap := s.snapshot()
	meta, ok := snap.Registry.Method(path[:i], path[i+1:])
	if !ok {
		return nil, nil, false
	}
	call := &handler.Call{
		Snap:     snap,
		Meta:     meta,
		Metadata: headerMetadata(r),
	}
	return call, meta, true
}

// headerMetadata lower-cases request headers into the metadata map the
// rule engine sees.
func headerMetadata(r *http.Request) map[string]string {
	out := make(map[string]string, len(r.Header))
	for k, vals := range r.Header {
		if len(vals) == 0 {
			continue
		}
		out[strings.ToLower(k)] = strings.Join(vals, ", ")
	}
	return out
}

// corsMiddleware answers preflights and decorates every response with
// the configured origin policy.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowMethods := strings.Join(orDefault(s.cfg.CORS.AllowMethods, []string{"POST", "GET", "OPTIONS"}), ", ")
	allowHeaders := strings.Join(orDefault(s.cfg.CORS.AllowHeaders, []string{"*"}), ", ")
	expose := strings.Join(exposeHeaders, ", ")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", s.allowOriginValue(origin))
			h.Set("Access-Control-Expose-Headers", expose)
			h.Set("Vary", "Origin")
			if r.Method == http.MethodOptions {
				h.Set("Access-Control-Allow-Methods", allowMethods)
				h.Set("Access-Control-Allow-Headers", allowHeaders)
				h.Set("Access-Control-Max-Age", "86400")
				w.WriteHeader(http.StatusNoContent)
				return
			}
		} else if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, o := range s.cfg.CORS.AllowOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return len(s.cfg.CORS.AllowOrigins) == 0
}

func (s *Server) allowOriginValue(origin string) string {
	for _, o := range s.cfg.CORS.AllowOrigins {
		if o == "*" {
			return "*"
		}
	}
	return origin
}

func orDefault(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}
