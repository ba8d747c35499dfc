package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/loqalabs/loqa-mic/internal/relay"
)

const helpText = "commands: <enter>|mic start capture, stop, status, quit"

type controller interface {
	Trigger(ctx context.Context) (relay.Outcome, error)
	Stop() error
	Status() relay.Status
}

// console turns lines on stdin into relay gestures.
type console struct {
	ctrl controller
	in   io.Reader
	out  io.Writer
}

func newConsole(ctrl controller, in io.Reader, out io.Writer) *console {
	return &console{ctrl: ctrl, in: in, out: out}
}

// Run returns nil on quit or end of input, and ctx.Err() when cancelled.
func (c *console) Run(ctx context.Context) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanErr:
			return err
		case line := <-lines:
			if quit := c.handle(ctx, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

func (c *console) handle(ctx context.Context, cmd string) bool {
	switch strings.ToLower(cmd) {
	case "", "mic":
		out, _ := c.ctrl.Trigger(ctx)
		fmt.Fprintf(c.out, "mic: %s\n", out)
	case "stop":
		if err := c.ctrl.Stop(); err != nil {
			fmt.Fprintf(c.out, "stop: %v\n", err)
			return false
		}
		fmt.Fprintln(c.out, "mic: stopped")
	case "status":
		st := c.ctrl.Status()
		fmt.Fprintf(c.out, "channel %s (%s) attempts=%d sent=%d failures=%d\n",
			st.Channel.State, st.Endpoint, st.Channel.Attempts, st.Channel.Sent, st.Channel.Failures)
		fmt.Fprintf(c.out, "capture %s produced=%d forwarded=%d dropped=%d send_failures=%d\n",
			st.Capture.State, st.Capture.Produced, st.Capture.Forwarded, st.Capture.Dropped, st.Capture.SendFailures)
	case "quit", "exit":
		return true
	default:
		fmt.Fprintln(c.out, helpText)
	}
	return false
}
