package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-mic/internal/capture"
	"github.com/loqalabs/loqa-mic/internal/channel"
	"github.com/loqalabs/loqa-mic/internal/config"
)

const (
	IndicatorMicFailure = "mic-failure"

	MessageNotInitialised = "command websocket not initialised yet"
	MessageReconnecting   = "command websocket not initialised yet, trying to reconnect"
	MessageChannelFailed  = "command websocket failed"
	MessageSendRefused    = "command websocket not ready, click the microphone to reconnect"
	MessageCaptureFailed  = "microphone input failed"
)

// Notifier is the user-facing surface: blocking alerts and on/off indicators.
type Notifier interface {
	Alert(msg string)
	SetIndicator(name string, visible bool)
}

// Channel is the command channel as the coordinator drives it.
type Channel interface {
	Connect(ctx context.Context) <-chan error
	State() channel.State
	Close() error
	Stats() channel.Stats
	Endpoint() string
}

// Capture is the capture adapter as the coordinator drives it.
type Capture interface {
	Start(ctx context.Context) error
	Stop() error
	State() capture.State
	Stats() capture.Stats
}

type Outcome int

const (
	OutcomeNotInitialised Outcome = iota
	OutcomeReconnecting
	OutcomeStreaming
	OutcomeAlreadyStreaming
	OutcomePermissionDenied
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNotInitialised:
		return "not-initialised"
	case OutcomeReconnecting:
		return "reconnecting"
	case OutcomeStreaming:
		return "streaming"
	case OutcomeAlreadyStreaming:
		return "already-streaming"
	case OutcomePermissionDenied:
		return "permission-denied"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Coordinator owns the one command channel and the capture adapter, and is
// the only place that decides when to connect, reconnect or capture.
type Coordinator struct {
	channel  Channel
	capture  Capture
	notifier Notifier
	logger   *slog.Logger

	// mu serialises gestures.
	mu sync.Mutex
}

func New(ch Channel, capt Capture, notifier Notifier, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		channel:  ch,
		capture:  capt,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "relay")),
	}
}

// Build wires a websocket channel and a capture adapter for source from cfg.
func Build(cfg config.Config, source capture.Source, dialer channel.Dialer, notifier Notifier, logger *slog.Logger) *Coordinator {
	format := capture.FormatFromConfig(cfg.Capture)
	endpoint := channel.EndpointFromConfig(cfg.Channel).WithFormat(format.SampleRate, format.Channels)

	ch := channel.New(dialer, endpoint.String(), logger,
		channel.WithDialTimeout(time.Duration(cfg.Channel.DialTimeoutMS)*time.Millisecond),
		channel.WithWriteTimeout(time.Duration(cfg.Channel.WriteTimeoutMS)*time.Millisecond),
		channel.WithOnFailure(func(error) { notifier.Alert(MessageChannelFailed) }),
	)
	var c *Coordinator
	opts := []capture.Option{
		capture.WithQueueSize(cfg.Capture.QueueSize),
		capture.WithOnSendError(func(err error) {
			// Transport failures were already announced by the channel.
			if errors.Is(err, channel.ErrChannelNotReady) {
				notifier.Alert(MessageSendRefused)
			}
		}),
		capture.WithOnStreamEnd(func(err error) { c.captureEnded(err) }),
	}
	if cfg.Capture.DropWhenFull {
		opts = append(opts, capture.WithDropWhenFull())
	}
	c = New(ch, capture.NewAdapter(source, ch, format, logger, opts...), notifier, logger)
	return c
}

// Init opens the first connection. It does not wait for the outcome.
func (c *Coordinator) Init(ctx context.Context) <-chan error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel.Connect(ctx)
}

// Trigger is the microphone button. Without an open channel it never captures:
// it either reports that nothing was initialised or starts exactly one new
// connection attempt.
func (c *Coordinator) Trigger(ctx context.Context) (Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.channel.State() {
	case channel.Unconnected:
		c.notifier.Alert(MessageNotInitialised)
		return OutcomeNotInitialised, channel.ErrChannelNotReady
	case channel.Open:
	default:
		c.channel.Connect(ctx)
		c.notifier.Alert(MessageReconnecting)
		return OutcomeReconnecting, channel.ErrChannelNotReady
	}

	if c.capture.State() != capture.Idle {
		c.logger.Info("capture already active", slog.String("state", c.capture.State().String()))
		return OutcomeAlreadyStreaming, nil
	}

	err := c.capture.Start(ctx)
	switch {
	case err == nil:
		c.notifier.SetIndicator(IndicatorMicFailure, false)
		return OutcomeStreaming, nil
	case errors.Is(err, capture.ErrPermissionDenied):
		c.notifier.SetIndicator(IndicatorMicFailure, true)
		return OutcomePermissionDenied, err
	case errors.Is(err, capture.ErrAlreadyActive):
		return OutcomeAlreadyStreaming, nil
	default:
		c.logger.Warn("capture start failed", slog.String("error", err.Error()))
		return OutcomeFailed, err
	}
}

// captureEnded surfaces a stream that failed after it started, such as a
// recorder command that exits because the device is missing.
func (c *Coordinator) captureEnded(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	// A newer gesture has already restarted capture.
	if c.capture.State() != capture.Idle {
		return
	}
	c.logger.Warn("capture stream failed", slog.String("error", err.Error()))
	c.notifier.SetIndicator(IndicatorMicFailure, true)
	c.notifier.Alert(MessageCaptureFailed)
}

// Stop ends capture; the channel stays as it is. It does not wait for a
// Trigger that is still waiting on the source, so it can abort one.
func (c *Coordinator) Stop() error {
	return c.capture.Stop()
}

// Close stops capture and tears the channel down.
func (c *Coordinator) Close() error {
	return errors.Join(c.capture.Stop(), c.channel.Close())
}

type Status struct {
	Endpoint string
	Channel  channel.Stats
	Capture  capture.Stats
}

func (c *Coordinator) Status() Status {
	return Status{
		Endpoint: c.channel.Endpoint(),
		Channel:  c.channel.Stats(),
		Capture:  c.capture.Stats(),
	}
}
