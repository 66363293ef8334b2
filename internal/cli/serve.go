package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ChuLiYu/tickcast/internal/hub"
	"github.com/ChuLiYu/tickcast/internal/metrics"
	"github.com/ChuLiYu/tickcast/internal/persist"
	"github.com/ChuLiYu/tickcast/internal/registry"
	"github.com/ChuLiYu/tickcast/internal/rpc"
	"github.com/ChuLiYu/tickcast/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

const shutdownTimeout = 10 * time.Second

// app 組合所有元件的執行個體
type app struct {
	cfg  *Config
	log  *slog.Logger
	hub  *hub.Hub
	reg  *registry.Registry
	http *server.Server
	grpc *grpc.Server
}

// newApp 建立所有元件並從 store 恢復計時器
//
// 流程：
//  1. 建立 metrics、store（開啟失敗則不持久化）、hub、registry
//  2. Restore（失敗只記錄，服務照常啟動）
//  3. 建立 HTTP 與 gRPC 伺服器
func newApp(ctx context.Context, cfg *Config, log *slog.Logger) (*app, error) {
	var (
		collector   *metrics.Collector
		metricsHTTP http.Handler
	)
	if cfg.Metrics.Enabled {
		promReg := prometheus.NewRegistry()
		promReg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		collector = metrics.NewCollector(promReg)
		metricsHTTP = metrics.Handler(promReg)
	}

	// store 無法開啟時不中止啟動，改以純記憶體模式執行
	st, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to open duration store, running without persistence",
			"driver", cfg.Store.Driver,
			"error", err)
		if collector != nil {
			collector.RecordStoreOpenFailure(cfg.Store.Driver)
		}
		st = nil
	}

	hubCfg := hub.Config{BufferSize: cfg.Hub.BufferSize, Logger: log}
	regCfg := registry.Config{
		TickInterval:   cfg.Timers.TickInterval,
		RestoreTimeout: cfg.Store.RestoreTimeout,
		Store:          st,
		Persist: persist.Config{
			Workers:   cfg.Store.Workers,
			QueueSize: cfg.Store.QueueSize,
			OpTimeout: cfg.Store.OpTimeout,
			Logger:    log,
		},
		Logger: log,
	}
	// a nil *Collector must not leak into the interfaces
	if collector != nil {
		hubCfg.Metrics = collector
		regCfg.Metrics = collector
		regCfg.Persist.Metrics = collector
	}
	h := hub.New(hubCfg)
	regCfg.Hub = h
	reg := registry.New(regCfg)

	// 恢復階段
	log.Info("Starting recovery...")
	if _, err := reg.Restore(ctx); err != nil {
		log.Warn("Continuing with an empty timer set", "error", err)
	}

	httpSrv := server.New(reg, server.Config{
		Addr:              cfg.Server.HTTPAddr,
		WriteTimeout:      cfg.Server.WriteTimeout,
		HeartbeatInterval: cfg.Server.HeartbeatInterval,
		MaxSeconds:        cfg.Timers.MaxSeconds,
		Metrics:           metricsHTTP,
		Logger:            log,
	})

	var grpcSrv *grpc.Server
	if cfg.Server.GRPCAddr != "" {
		rpcSrv := rpc.NewServer(reg, cfg.Timers.MaxSeconds, log, rpc.WithSendTimeout(cfg.Server.WriteTimeout))
		// keepalive 偵測已失聯的 Watch 連線，與 WebSocket ping 同一個間隔
		grpcSrv = rpc.NewGRPCServer(rpcSrv, grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    cfg.Server.HeartbeatInterval,
			Timeout: cfg.Server.WriteTimeout,
		}))
	}

	return &app{cfg: cfg, log: log, hub: h, reg: reg, http: httpSrv, grpc: grpcSrv}, nil
}

// run 在給定的 listener 上服務，直到 ctx 結束後優雅關閉。
// grpcLn 為 nil 時不啟動 gRPC。
func (a *app) run(ctx context.Context, httpLn, grpcLn net.Listener) error {
	errCh := make(chan error, 2)

	go func() {
		errCh <- a.http.Serve(httpLn)
	}()
	if a.grpc != nil && grpcLn != nil {
		go func() {
			a.log.Info("gRPC server listening", "addr", grpcLn.Addr().String())
			errCh <- a.grpc.Serve(grpcLn)
		}()
	}

	a.log.Info("System started successfully")

	var serveErr error
	select {
	case <-ctx.Done():
		a.log.Info("Received shutdown signal, stopping gracefully...")
	case serveErr = <-errCh:
		if serveErr != nil {
			a.log.Error("Listener failed, shutting down", "error", serveErr)
		}
	}

	return errors.Join(serveErr, a.shutdown())
}

// shutdown 關閉順序：推送通道 → HTTP/gRPC → registry（排空持久化、關閉 store）
func (a *app) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	a.hub.Close()

	var errs []error
	if err := a.http.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if a.grpc != nil {
		a.grpc.GracefulStop()
	}
	if err := a.reg.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("registry shutdown: %w", err))
	}

	a.log.Info("System stopped. Goodbye!")
	return errors.Join(errs...)
}

// listen 開啟設定中的監聽位址
func (a *app) listen() (httpLn, grpcLn net.Listener, err error) {
	httpLn, err = net.Listen("tcp", a.cfg.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen on %s: %w", a.cfg.Server.HTTPAddr, err)
	}
	if a.grpc != nil {
		grpcLn, err = net.Listen("tcp", a.cfg.Server.GRPCAddr)
		if err != nil {
			httpLn.Close()
			return nil, nil, fmt.Errorf("failed to listen on %s: %w", a.cfg.Server.GRPCAddr, err)
		}
	}
	return httpLn, grpcLn, nil
}
