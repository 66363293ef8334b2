package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/ChuLiYu/tickcast/internal/rpc"
	"github.com/ChuLiYu/tickcast/pkg/types"
	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func buildStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start SECONDS",
		Short: "Start a countdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seconds, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || seconds <= 0 {
				return fmt.Errorf("SECONDS must be a positive integer, got %q", args[0])
			}
			return withClient(cmd, func(ctx context.Context, c *rpc.Client) error {
				ctx, cancel := context.WithTimeout(ctx, clientTimeout)
				defer cancel()

				res, err := c.Start(ctx, seconds)
				if err != nil {
					return describeRPCError(err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "started timer %d (%ds)\n", res.ID, res.Seconds)
				return nil
			})
		},
	}
}

func buildStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop ID",
		Short: "Cancel a countdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := types.ParseTimerID(args[0])
			if err != nil {
				return fmt.Errorf("ID must be a timer id, got %q", args[0])
			}
			return withClient(cmd, func(ctx context.Context, c *rpc.Client) error {
				ctx, cancel := context.WithTimeout(ctx, clientTimeout)
				defer cancel()

				stopped, err := c.Stop(ctx, id)
				if err != nil {
					return describeRPCError(err)
				}
				printStopResult(cmd.OutOrStdout(), id, stopped)
				return nil
			})
		},
	}
}

func buildListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List live countdowns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *rpc.Client) error {
				ctx, cancel := context.WithTimeout(ctx, clientTimeout)
				defer cancel()

				timers, err := c.List(ctx)
				if err != nil {
					return describeRPCError(err)
				}
				printTimers(cmd.OutOrStdout(), timers)
				return nil
			})
		},
	}
}

func buildWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream timer lifecycle events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *rpc.Client) error {
				ctx, stop := signalContext(ctx)
				defer stop()

				err := c.Watch(ctx, func(ev types.Event) error {
					fmt.Fprintln(cmd.OutOrStdout(), formatEvent(ev))
					return nil
				})
				if status.Code(err) == codes.Canceled || errors.Is(err, context.Canceled) {
					return nil
				}
				if err != nil {
					return describeRPCError(err)
				}
				return nil
			})
		},
	}
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and live service status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			out := cmd.OutOrStdout()
			printConfigSummary(out, cfg)

			client, err := dialClient()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(context.Background(), clientTimeout)
			defer cancel()

			st, err := client.Status(ctx)
			if err != nil {
				fmt.Fprintf(out, "📊 Live Status:\n  └─ Service not reachable (%v)\n\n", status.Convert(err).Message())
				return nil
			}
			printLiveStatus(out, st)
			return nil
		},
	}
}

// ============================================================================
// 輸出格式
// ============================================================================

func printConfigSummary(w io.Writer, cfg *Config) {
	fmt.Fprintln(w, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           tickcast Service Status                         ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📋 Configuration:")
	fmt.Fprintf(w, "  ├─ Config File:     %s\n", configFile)
	fmt.Fprintf(w, "  ├─ HTTP Address:    %s\n", cfg.Server.HTTPAddr)
	fmt.Fprintf(w, "  ├─ gRPC Address:    %s\n", cfg.Server.GRPCAddr)
	fmt.Fprintf(w, "  ├─ Tick Interval:   %s\n", cfg.Timers.TickInterval)
	fmt.Fprintf(w, "  └─ Max Seconds:     %d\n", cfg.Timers.MaxSeconds)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "💾 Storage:")
	fmt.Fprintf(w, "  ├─ Driver:          %s\n", cfg.Store.Driver)
	switch strings.ToLower(cfg.Store.Driver) {
	case "file":
		fmt.Fprintf(w, "  ├─ Path:            %s (%s)\n", cfg.Store.Path, cfg.Store.Encoding)
	case "none", "memory":
	default:
		fmt.Fprintf(w, "  ├─ Table:           %s\n", cfg.Store.Table)
	}
	fmt.Fprintf(w, "  └─ Writers:         %d x %d queued ops\n", cfg.Store.Workers, cfg.Store.QueueSize)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "  └─ Status: ✅ Enabled on http://%s/metrics\n", clientAddr(cfg.Server.HTTPAddr))
	} else {
		fmt.Fprintln(w, "  └─ Status: ⚠️  Disabled")
	}
	fmt.Fprintln(w)
}

func printLiveStatus(w io.Writer, st types.Status) {
	fmt.Fprintln(w, "📊 Live Status:")
	fmt.Fprintf(w, "  ├─ Live Timers:     %d\n", len(st.Timers))
	fmt.Fprintf(w, "  ├─ WebSocket:       %d\n", st.Connections[types.TransportWebSocket])
	fmt.Fprintf(w, "  ├─ SSE:             %d\n", st.Connections[types.TransportSSE])
	fmt.Fprintf(w, "  ├─ gRPC:            %d\n", st.Connections[types.TransportGRPC])
	fmt.Fprintf(w, "  └─ Observers:       %d\n", st.Total)
	fmt.Fprintln(w)
	if len(st.Timers) > 0 {
		printTimers(w, st.Timers)
	}
}

func printTimers(w io.Writer, timers []types.Timer) {
	if len(timers) == 0 {
		fmt.Fprintln(w, "no live timers")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tLEFT\tSTARTED WITH")
	for _, t := range timers {
		fmt.Fprintf(tw, "%d\t%ds\t%ds\n", t.ID, t.SecondsLeft, t.OriginalSeconds)
	}
	tw.Flush()
}

func printStopResult(w io.Writer, id types.TimerID, stopped bool) {
	if stopped {
		fmt.Fprintf(w, "stopped timer %d\n", id)
		return
	}
	fmt.Fprintf(w, "timer %d is not running\n", id)
}

func formatEvent(ev types.Event) string {
	switch ev.Type {
	case types.EventBootstrap:
		return fmt.Sprintf("bootstrap  %d live timer(s)", len(ev.Timers))
	case types.EventStarted:
		return fmt.Sprintf("started    #%d %ds", ev.ID, ev.SecondsLeft)
	case types.EventUpdate:
		return fmt.Sprintf("update     #%d %ds left", ev.ID, ev.SecondsLeft)
	default:
		return fmt.Sprintf("%-10s #%d", ev.Type, ev.ID)
	}
}

// describeRPCError 將 gRPC status 轉為易讀的錯誤
func describeRPCError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.InvalidArgument:
		return fmt.Errorf("rejected: %s", st.Message())
	case codes.Unavailable:
		return fmt.Errorf("service unavailable: %s", st.Message())
	}
	return fmt.Errorf("%s: %s", st.Code(), st.Message())
}
