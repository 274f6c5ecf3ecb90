package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lightforgemedia/go-livelink/pkg/connection"
	"github.com/lightforgemedia/go-livelink/pkg/coordinator"
	"github.com/lightforgemedia/go-livelink/pkg/correlator"
	"github.com/lightforgemedia/go-livelink/pkg/envelope"
	"github.com/spf13/cobra"
)

func testCmd(opts *rootOptions) *cobra.Command {
	var (
		connectTimeout time.Duration
		replyTimeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "test <session-id> <message>",
		Short: "Send a test message to a session and print the reply",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c := coordinator.New(cfg.URL, cfg.CoordinatorOptions(logger))
			defer c.Close()
			return sendTest(ctx, c, opts.out, args[0], args[1], connectTimeout, replyTimeout)
		},
	}

	cmd.Flags().DurationVar(&connectTimeout, "connect-timeout", 15*time.Second, "how long to wait for the backend connection")
	cmd.Flags().DurationVar(&replyTimeout, "timeout", 0, "how long to wait for the reply (defaults to requestTimeout)")
	return cmd
}

// sendTest tracks sessionID, waits for the connection and prints the reply to
// one test message.
func sendTest(ctx context.Context, c *coordinator.Coordinator, out io.Writer, sessionID, message string, connectTimeout, replyTimeout time.Duration) error {
	if _, err := c.TrackSession(sessionID, ""); err != nil {
		return err
	}
	if err := connect(ctx, c, connectTimeout); err != nil {
		return err
	}

	var callOpts []correlator.CallOption
	if replyTimeout > 0 {
		callOpts = append(callOpts, correlator.WithTimeout(replyTimeout))
	}
	reply, err := c.SendAndAwait(ctx, sessionID, message, callOpts...)
	var remote *correlator.RemoteError
	switch {
	case errors.As(err, &remote):
		return fmt.Errorf("session %s rejected the test: %s", sessionID, remote.Message)
	case err != nil:
		return fmt.Errorf("test request: %w", err)
	}
	fmt.Fprintln(out, reply.Text)
	return nil
}

// connect starts c and waits until the connection is open.
func connect(ctx context.Context, c *coordinator.Coordinator, timeout time.Duration) error {
	opened := make(chan struct{}, 1)
	unsub := c.OnConnectivityChange(func(ev envelope.ConnectionChange) {
		if ev.State == envelope.ConnectionOpen {
			select {
			case opened <- struct{}{}:
			default:
			}
		}
	})
	defer unsub()

	c.Start(ctx)
	if c.ConnectivityState() == connection.StateOpen {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-opened:
		return nil
	case <-timer.C:
		return fmt.Errorf("backend not reachable within %v", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
