// grpcmock serves mock gRPC, Connect and gRPC-Web responses for the
// services declared in a proto directory, driven by per-method rule
// files.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/grpcmock/internal/config"
	"github.com/wudi/grpcmock/internal/handler"
	"github.com/wudi/grpcmock/internal/logging"
	"github.com/wudi/grpcmock/internal/metrics"
	"github.com/wudi/grpcmock/internal/reload"
	"github.com/wudi/grpcmock/internal/status"
)

func main() {
	protoDir := flag.String("protos", "", "proto source directory (default \"protos\")")
	ruleDir := flag.String("rules", "", "rule file directory (default \"rules/grpc\")")
	flag.Parse()

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *protoDir != "" {
		cfg.ProtoDir = *protoDir
	}
	if *ruleDir != "" {
		cfg.RuleDir = *ruleDir
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.NewCollector()
	h := handler.New(cfg.Validation, m)
	coord := reload.New(cfg, h, m)

	// A failed initial load leaves the process up but not ready; the
	// watcher or the reload hook can recover it once the files are fixed.
	if err := coord.Start(ctx); err != nil {
		logging.Error("initial load failed", zap.Error(err))
	}

	admin := status.NewServer(cfg, coord, m)
	if err := admin.Start(); err != nil {
		logging.Error("admin server failed", zap.Error(err))
		os.Exit(1)
	}

	watcher := reload.NewWatcher(cfg.Reload, cfg.ProtoDir, cfg.RuleDir, coord.Trigger)

	var g errgroup.Group
	g.Go(func() error { return watcher.Run(ctx) })
	g.Go(func() error { coord.Run(ctx); return nil })

	<-ctx.Done()
	logging.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Reload.DrainTimeout)
	defer cancel()
	plain, tlsSrv, connect := coord.Servers()
	if plain != nil {
		plain.GracefulStop(shutdownCtx)
	}
	if tlsSrv != nil {
		tlsSrv.GracefulStop(shutdownCtx)
	}
	if connect != nil {
		connect.GracefulStop(shutdownCtx)
	}
	admin.Shutdown(shutdownCtx)
	g.Wait()

	// Give zap a beat to flush before exit.
	time.Sleep(50 * time.Millisecond)
}
