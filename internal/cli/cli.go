// ============================================================================
// tickcast CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running and driving the timer service
//
// Command Structure:
//   tickcast                       # Root command
//   ├── serve                      # Start HTTP + gRPC service
//   │   ├── --http                # Override server.http_addr
//   │   └── --grpc                # Override server.grpc_addr
//   ├── start SECONDS              # Start a countdown
//   ├── stop ID                    # Cancel a countdown
//   ├── list                       # List live countdowns
//   ├── watch                      # Stream lifecycle events
//   ├── status                     # Config summary + live status
//   ├── console                    # Interactive shell
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --addr                     # gRPC address for client commands
//
// serve Command:
//   1. Load config file (missing file means defaults)
//   2. Open the duration store and restore timers
//   3. Start HTTP and gRPC listeners
//   4. Wait for SIGINT / SIGTERM
//   5. Close push channels, drain persistence, close the store
//
// Client commands talk to a running service over gRPC.
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/tickcast/internal/rpc"
	"github.com/spf13/cobra"
)

var (
	configFile string
	grpcTarget string
)

// clientTimeout bounds unary client calls.
const clientTimeout = 5 * time.Second

// BuildCLI 建立 CLI 根命令
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tickcast",
		Short: "Real-time countdown timers with broadcast to every viewer",
		Long: `tickcast tracks independently running countdown timers and pushes
their lifecycle (started, update, done, stopped) to every connected viewer
over WebSocket, server-sent events and gRPC.`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&grpcTarget, "addr", "", "gRPC address of a running service (default: server.grpc_addr)")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildStartCommand())
	rootCmd.AddCommand(buildStopCommand())
	rootCmd.AddCommand(buildListCommand())
	rootCmd.AddCommand(buildWatchCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildConsoleCommand())

	return rootCmd
}

func buildServeCommand() *cobra.Command {
	var httpAddr, grpcAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the tickcast service",
		Long:  "Restore timers from the duration store, then serve HTTP, WebSocket, SSE and gRPC",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if httpAddr != "" {
				cfg.Server.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("grpc") {
				cfg.Server.GRPCAddr = grpcAddr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP listen address")
	cmd.Flags().StringVar(&grpcAddr, "grpc", "", "gRPC listen address (empty disables gRPC)")

	return cmd
}

func runServe(ctx context.Context, cfg *Config, logOut io.Writer) error {
	log := newLogger(cfg, logOut)
	// components fall back to slog.Default when no logger is injected
	slog.SetDefault(log)

	log.Info("Starting tickcast",
		"config", configFile,
		"http", cfg.Server.HTTPAddr,
		"grpc", cfg.Server.GRPCAddr,
		"store", cfg.Store.Driver)

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}

	httpLn, grpcLn, err := a.listen()
	if err != nil {
		return fmt.Errorf("%w (shutdown: %v)", err, a.shutdown())
	}
	return a.run(ctx, httpLn, grpcLn)
}

// dialClient 連線到設定中的 gRPC 位址（--addr 優先）
func dialClient() (*rpc.Client, error) {
	addr := grpcTarget
	if addr == "" {
		cfg, err := loadConfig(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Server.GRPCAddr == "" {
			return nil, fmt.Errorf("server.grpc_addr is empty; pass --addr")
		}
		addr = clientAddr(cfg.Server.GRPCAddr)
	}
	return rpc.Dial(addr)
}

func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *rpc.Client) error) error {
	client, err := dialClient()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, client)
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
