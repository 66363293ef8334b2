package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/ChuLiYu/tickcast/internal/rpc"
	"github.com/ChuLiYu/tickcast/pkg/types"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

// timerClient is the part of rpc.Client the console drives.
type timerClient interface {
	Start(ctx context.Context, seconds int64) (rpc.StartResult, error)
	Stop(ctx context.Context, id types.TimerID) (bool, error)
	List(ctx context.Context) ([]types.Timer, error)
	Status(ctx context.Context) (types.Status, error)
	Watch(ctx context.Context, fn func(types.Event) error) error
}

func buildConsoleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Interactive shell against a running service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *rpc.Client) error {
				rl, err := readline.NewEx(&readline.Config{
					Prompt:          "tickcast> ",
					InterruptPrompt: "^C",
					EOFPrompt:       "exit",
				})
				if err != nil {
					return fmt.Errorf("failed to create readline: %w", err)
				}
				defer rl.Close()

				ctx, cancel := context.WithCancel(ctx)
				defer cancel()

				con := newConsole(c, rl.Stdout())
				defer con.stopWatch()
				con.printHelp()

				for {
					line, err := rl.Readline()
					if err != nil {
						// EOF or interrupt
						if errors.Is(err, readline.ErrInterrupt) {
							continue
						}
						fmt.Fprintln(rl.Stdout(), "Exiting...")
						return nil
					}
					if quit := con.exec(ctx, line); quit {
						return nil
					}
				}
			})
		},
	}
}

// console executes one shell line at a time against a timerClient.
type console struct {
	client timerClient
	out    io.Writer

	mu          sync.Mutex
	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

func newConsole(client timerClient, out io.Writer) *console {
	return &console{client: client, out: out}
}

// exec runs one command line and reports whether the shell should exit.
func (c *console) exec(ctx context.Context, line string) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return false
	}

	parts := strings.Fields(input)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	callCtx, cancel := context.WithTimeout(ctx, clientTimeout)
	defer cancel()

	switch cmd {
	case "help", "?":
		c.printHelp()

	case "start", "s":
		c.cmdStart(callCtx, args)

	case "stop", "x":
		c.cmdStop(callCtx, args)

	case "list", "ls", "l":
		timers, err := c.client.List(callCtx)
		if err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", describeRPCError(err))
			return false
		}
		printTimers(c.out, timers)

	case "status":
		st, err := c.client.Status(callCtx)
		if err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", describeRPCError(err))
			return false
		}
		printLiveStatus(c.out, st)

	case "watch", "w":
		c.cmdWatch(ctx, args)

	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Exiting...")
		return true

	default:
		fmt.Fprintf(c.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return false
}

func (c *console) cmdStart(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(c.out, "Usage: start <seconds>")
		return
	}
	seconds, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || seconds <= 0 {
		fmt.Fprintf(c.out, "Invalid seconds: %s\n", args[0])
		return
	}

	res, err := c.client.Start(ctx, seconds)
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", describeRPCError(err))
		return
	}
	fmt.Fprintf(c.out, "started timer %d (%ds)\n", res.ID, res.Seconds)
}

func (c *console) cmdStop(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(c.out, "Usage: stop <id>")
		return
	}
	id, err := types.ParseTimerID(args[0])
	if err != nil {
		fmt.Fprintf(c.out, "Invalid timer id: %s\n", args[0])
		return
	}

	stopped, err := c.client.Stop(ctx, id)
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", describeRPCError(err))
		return
	}
	printStopResult(c.out, id, stopped)
}

// cmdWatch toggles a background event stream printed above the prompt.
func (c *console) cmdWatch(ctx context.Context, args []string) {
	mode := "on"
	if len(args) > 0 {
		mode = strings.ToLower(args[0])
	}

	switch mode {
	case "on":
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.watchCancel != nil {
			fmt.Fprintln(c.out, "already watching")
			return
		}
		watchCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		c.watchCancel, c.watchDone = cancel, done

		go func() {
			defer close(done)
			err := c.client.Watch(watchCtx, func(ev types.Event) error {
				fmt.Fprintln(c.out, formatEvent(ev))
				return nil
			})
			if err != nil && watchCtx.Err() == nil {
				fmt.Fprintf(c.out, "watch ended: %v\n", describeRPCError(err))
			}
		}()
		fmt.Fprintln(c.out, "watching events (watch off to stop)")

	case "off":
		if c.stopWatch() {
			fmt.Fprintln(c.out, "stopped watching")
		} else {
			fmt.Fprintln(c.out, "not watching")
		}

	default:
		fmt.Fprintln(c.out, "Usage: watch [on|off]")
	}
}

// stopWatch ends a running watch and waits for it. It reports whether one ran.
func (c *console) stopWatch() bool {
	c.mu.Lock()
	cancel, done := c.watchCancel, c.watchDone
	c.watchCancel, c.watchDone = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return false
	}
	cancel()
	<-done
	return true
}

func (c *console) printHelp() {
	fmt.Fprintln(c.out, `
tickcast Console Commands:
  Timers:
    start <seconds>    - Start a countdown
    stop <id>          - Cancel a countdown
    list               - List live countdowns

  Observation:
    status             - Show live timers and connection counts
    watch [on|off]     - Stream lifecycle events above the prompt

  General:
    help               - Show this help
    quit               - Exit console`)
}
