package grpcsrv

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/wudi/grpcmock/internal/config"
	"github.com/wudi/grpcmock/internal/logging"
	"github.com/wudi/grpcmock/internal/protocol"
)

// Server is one native gRPC listener with the adapter lifecycle.
type Server struct {
	name string
	port int
	core *Core
	tls  *tls.Config
	log  *zap.Logger

	mu    sync.Mutex
	state protocol.State
	srv   *grpc.Server
	lis   net.Listener
}

// NewServer builds a listener. tlsConf nil means plaintext.
func NewServer(name string, port int, core *Core, tlsConf *tls.Config) *Server {
	return &Server{
		name:  name,
		port:  port,
		core:  core,
		tls:   tlsConf,
		log:   logging.Global(),
		state: protocol.StateStarting,
	}
}

// Start binds the port and begins serving. The serve loop runs on its
// own goroutine; Start returns once the listener is live.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		s.state = protocol.StateStopped
		return fmt.Errorf("bind %s port %d: %w", s.name, s.port, err)
	}

	var opts []grpc.ServerOption
	if s.tls != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(s.tls)))
	}
	s.srv = NewGRPCServer(s.core, opts...)
	s.lis = lis
	s.state = protocol.StateListening

	go func() {
		if err := s.srv.Serve(lis); err != nil {
			s.log.Debug("serve loop ended", zap.String("server", s.name), zap.Error(err))
		}
	}()

	s.log.Info("grpc server listening",
		zap.String("server", s.name),
		zap.Int("port", s.port),
		zap.Bool("tls", s.tls != nil))
	return nil
}

// GracefulStop drains in-flight RPCs, falling back to a hard stop when
// the context expires first.
func (s *Server) GracefulStop(ctx context.Context) {
	s.mu.Lock()
	if s.srv == nil || s.state != protocol.StateListening {
		s.state = protocol.StateStopped
		s.mu.Unlock()
		return
	}
	s.state = protocol.StateDraining
	srv := s.srv
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		srv.Stop()
		<-done
	}

	s.mu.Lock()
	s.state = protocol.StateStopped
	s.srv = nil
	s.lis = nil
	s.mu.Unlock()
	s.log.Info("grpc server stopped", zap.String("server", s.name))
}

// State returns the lifecycle state.
func (s *Server) State() protocol.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Port returns the configured port.
func (s *Server) Port() int { return s.port }

// BuildTLS assembles the tls.Config for the TLS listener, including
// optional client verification when a CA bundle is configured.
func BuildTLS(cfg config.TLSConfig, requireClientCert bool) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	tc := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca bundle %s holds no certificates", cfg.CAFile)
		}
		tc.ClientCAs = pool
		if requireClientCert {
			tc.ClientAuth = tls.RequireAndVerifyClientCert
		} else {
			tc.ClientAuth = tls.VerifyClientCertIfGiven
		}
	}
	return tc, nil
}
