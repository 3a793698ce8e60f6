// Package reload owns the (Registry, Rules, IR) triple and the protocol
// adapters, rebuilding all of them from disk on demand. Reloads are
// single-flight and fail closed: when the new state cannot be built, the
// readiness flag stays false until a later reload succeeds.
package reload

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/grpcmock/internal/config"
	"github.com/wudi/grpcmock/internal/handler"
	"github.com/wudi/grpcmock/internal/logging"
	"github.com/wudi/grpcmock/internal/metrics"
	"github.com/wudi/grpcmock/internal/protocol/connectsrv"
	"github.com/wudi/grpcmock/internal/protocol/grpcsrv"
	"github.com/wudi/grpcmock/internal/rules"
	"github.com/wudi/grpcmock/internal/schema"
	"github.com/wudi/grpcmock/internal/validate"
)

// Info is the reload metadata surfaced on the status endpoint.
type Info struct {
	LastTriggered    time.Time          `json:"last_triggered"`
	Mode             string             `json:"mode"`
	DowntimeDetected bool               `json:"downtime_detected"`
	LastError        string             `json:"last_error,omitempty"`
	TLSError         string             `json:"tls_error,omitempty"`
	ConnectError     string             `json:"connect_error,omitempty"`
	ProtoReport      *schema.Report     `json:"proto_report,omitempty"`
	RuleErrors       []rules.LoadError  `json:"rule_errors,omitempty"`
	Coverage         validate.Coverage  `json:"validation_coverage"`
}

// Coordinator drives loads, publishes snapshots and cycles the servers.
type Coordinator struct {
	cfg     *config.Config
	handler *handler.Handler
	metrics *metrics.Collector
	log     *zap.Logger

	snap  atomic.Pointer[handler.Snapshot]
	ready atomic.Bool

	// reloadMu serializes reload runs; triggerCh coalesces triggers.
	reloadMu  sync.Mutex
	triggerCh chan string

	infoMu sync.RWMutex
	info   Info

	plain   *grpcsrv.Server
	tlsSrv  *grpcsrv.Server
	connect *connectsrv.Server
}

// New builds a coordinator with an empty snapshot.
func New(cfg *config.Config, h *handler.Handler, m *metrics.Collector) *Coordinator {
	c := &Coordinator{
		cfg:       cfg,
		handler:   h,
		metrics:   m,
		log:       logging.Global(),
		triggerCh: make(chan string, 1),
	}
	c.snap.Store(&handler.Snapshot{})
	return c
}

// Snapshot returns the triple in effect right now. Adapters call this
// once per RPC.
func (c *Coordinator) Snapshot() *handler.Snapshot {
	return c.snap.Load()
}

// Ready reports whether the last reload completed.
func (c *Coordinator) Ready() bool {
	return c.ready.Load()
}

// Info returns a copy of the reload metadata.
func (c *Coordinator) Info() Info {
	c.infoMu.RLock()
	defer c.infoMu.RUnlock()
	return c.info
}

// Servers returns the current adapters for status reporting; any may be
// nil before the first start.
func (c *Coordinator) Servers() (plain, tls *grpcsrv.Server, connect *connectsrv.Server) {
	c.infoMu.RLock()
	defer c.infoMu.RUnlock()
	return c.plain, c.tlsSrv, c.connect
}

// Start performs the initial load and brings up the servers.
func (c *Coordinator) Start(ctx context.Context) error {
	return c.Reload(ctx, "initial")
}

// Trigger requests a reload; concurrent triggers coalesce into one run.
func (c *Coordinator) Trigger(mode string) {
	select {
	case c.triggerCh <- mode:
	default:
	}
}

// Run consumes triggers until the context ends. The watcher and the
// admin surface both feed Trigger.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case mode := <-c.triggerCh:
			if err := c.Reload(ctx, mode); err != nil {
				c.log.Error("reload failed", zap.String("mode", mode), zap.Error(err))
			}
		}
	}
}

// Reload executes the full reload protocol: drain, rebuild, publish,
// restart, readiness.
func (c *Coordinator) Reload(ctx context.Context, mode string) error {
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	start := time.Now()
	c.ready.Store(false)
	c.setInfoStart(start, mode)
	c.log.Info("reload started", zap.String("mode", mode))

	c.drain(ctx)

	reg, report := schema.Load(ctx, c.cfg.ProtoDir)
	if total := totalLoadFailure(report); total != "" {
		// Fail closed: keep the old snapshot unpublished and stay
		// not-ready until a later reload succeeds.
		c.setInfoError(total, report)
		return fmt.Errorf("proto load failed: %s", total)
	}

	idx := rules.LoadAll(c.cfg.RuleDir)
	ir := validate.Extract(reg, c.cfg.Validation.Source)
	engine := validate.NewEngine(ir, c.cfg.Validation.CELMessage == "experimental")

	// Atomic publish: a request snapshots either the old triple or this
	// one, never a mix.
	c.snap.Store(&handler.Snapshot{Registry: reg, Rules: idx, Engine: engine})

	tlsErr, connectErr, err := c.startServers()
	if err != nil {
		c.setInfoError(err.Error(), report)
		return err
	}

	c.ready.Store(true)
	elapsed := time.Since(start)
	c.setInfoDone(report, idx.Errors(), validate.ExtractCoverage(reg, ir), tlsErr, connectErr, elapsed > time.Second)
	c.log.Info("reload complete",
		zap.String("mode", mode),
		zap.Duration("elapsed", elapsed),
		zap.Int("services", len(reg.ServiceNames())),
		zap.Int("rules", idx.Len()))
	return nil
}

// drain gracefully stops every listening adapter in parallel.
func (c *Coordinator) drain(ctx context.Context) {
	c.infoMu.RLock()
	servers := []interface{ GracefulStop(context.Context) }{}
	if c.plain != nil {
		servers = append(servers, c.plain)
	}
	if c.tlsSrv != nil {
		servers = append(servers, c.tlsSrv)
	}
	if c.connect != nil {
		servers = append(servers, c.connect)
	}
	c.infoMu.RUnlock()
	if len(servers) == 0 {
		return
	}

	drainCtx, cancel := context.WithTimeout(ctx, c.cfg.Reload.DrainTimeout)
	defer cancel()
	var g errgroup.Group
	for _, s := range servers {
		g.Go(func() error {
			s.GracefulStop(drainCtx)
			return nil
		})
	}
	g.Wait()
}

// startServers brings up plaintext (fatal on failure), TLS and Connect
// (both non-fatal, recorded).
func (c *Coordinator) startServers() (tlsErr, connectErr string, err error) {
	core := grpcsrv.NewCore("grpc", c.handler, c.Snapshot, c.metrics)
	plain := grpcsrv.NewServer("grpc", c.cfg.PlaintextPort, core, nil)
	if err := plain.Start(); err != nil {
		return "", "", err
	}

	var tlsSrv *grpcsrv.Server
	if c.cfg.TLS.Enabled {
		tc, err := grpcsrv.BuildTLS(c.cfg.TLS, c.cfg.MTLSRequested())
		if err != nil {
			tlsErr = err.Error()
			c.log.Warn("tls init failed, plaintext stays up", zap.Error(err))
		} else {
			tlsCore := grpcsrv.NewCore("grpc_tls", c.handler, c.Snapshot, c.metrics)
			tlsSrv = grpcsrv.NewServer("grpc_tls", c.cfg.TLSPort, tlsCore, tc)
			if err := tlsSrv.Start(); err != nil {
				tlsErr = err.Error()
				tlsSrv = nil
			}
		}
	}

	var connect *connectsrv.Server
	if c.cfg.Connect.Enabled {
		var ctls *tls.Config
		if c.cfg.Connect.TLS {
			tc, err := grpcsrv.BuildTLS(c.cfg.TLS, false)
			if err != nil {
				connectErr = err.Error()
				c.log.Warn("connect tls init failed, serving cleartext", zap.Error(err))
			} else {
				ctls = tc
			}
		}
		connect = connectsrv.NewServer(c.cfg.Connect, c.handler, c.Snapshot, c.metrics, ctls)
		if err := connect.Start(); err != nil {
			connectErr = err.Error()
			connect = nil
		}
	}

	c.infoMu.Lock()
	c.plain = plain
	c.tlsSrv = tlsSrv
	c.connect = connect
	c.infoMu.Unlock()
	return tlsErr, connectErr, nil
}

// totalLoadFailure reports a non-empty reason when every discovered
// proto file failed to load.
func totalLoadFailure(report *schema.Report) string {
	if len(report.Files) == 0 {
		return ""
	}
	if len(report.Loaded()) > 0 {
		return ""
	}
	first := report.Skipped()[0]
	return fmt.Sprintf("all %d proto files failed, first: %s: %s", len(report.Files), first.Path, first.Error)
}

func (c *Coordinator) setInfoStart(t time.Time, mode string) {
	c.infoMu.Lock()
	c.info.LastTriggered = t
	c.info.Mode = mode
	c.info.LastError = ""
	c.infoMu.Unlock()
}

func (c *Coordinator) setInfoError(msg string, report *schema.Report) {
	c.infoMu.Lock()
	c.info.LastError = msg
	c.info.ProtoReport = report
	c.infoMu.Unlock()
}

func (c *Coordinator) setInfoDone(report *schema.Report, ruleErrs []rules.LoadError, cov validate.Coverage, tlsErr, connectErr string, downtime bool) {
	c.infoMu.Lock()
	c.info.ProtoReport = report
	c.info.RuleErrors = ruleErrs
	c.info.Coverage = cov
	c.info.TLSError = tlsErr
	c.info.ConnectError = connectErr
	c.info.DowntimeDetected = downtime
	c.infoMu.Unlock()
}
