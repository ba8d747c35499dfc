package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-mic/internal/capture"
	"github.com/loqalabs/loqa-mic/internal/channel"
	"github.com/loqalabs/loqa-mic/internal/relay"
)

type fakeController struct {
	triggers int
	stops    int
}

func (f *fakeController) Trigger(context.Context) (relay.Outcome, error) {
	f.triggers++
	if f.triggers == 1 {
		return relay.OutcomeReconnecting, channel.ErrChannelNotReady
	}
	return relay.OutcomeStreaming, nil
}

func (f *fakeController) Stop() error {
	f.stops++
	return nil
}

func (f *fakeController) Status() relay.Status {
	return relay.Status{
		Endpoint: "ws://localhost:4000/command",
		Channel:  channel.Stats{State: channel.Open, Attempts: 2, Sent: 10},
		Capture:  capture.Stats{State: capture.Streaming, Produced: 11, Forwarded: 10, Dropped: 1},
	}
}

func TestConsoleCommands(t *testing.T) {
	ctrl := &fakeController{}
	var out bytes.Buffer
	in := strings.NewReader("\nmic\nstatus\nstop\nhelp\nquit\nmic\n")

	if err := newConsole(ctrl, in, &out).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if ctrl.triggers != 2 {
		t.Fatalf("expected 2 triggers before quit, got %d", ctrl.triggers)
	}
	if ctrl.stops != 1 {
		t.Fatalf("expected 1 stop, got %d", ctrl.stops)
	}
	got := out.String()
	for _, want := range []string{
		"mic: reconnecting\n",
		"mic: streaming\n",
		"channel open (ws://localhost:4000/command) attempts=2 sent=10 failures=0\n",
		"capture streaming produced=11 forwarded=10 dropped=1 send_failures=0\n",
		"mic: stopped\n",
		helpText + "\n",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
}

func TestConsoleEndOfInput(t *testing.T) {
	var out bytes.Buffer
	if err := newConsole(&fakeController{}, strings.NewReader("status\n"), &out).Run(context.Background()); err != nil {
		t.Fatalf("expected clean end of input, got %v", err)
	}
}
