package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-mic/internal/channel"
	"github.com/loqalabs/loqa-mic/internal/protocol"
)

var (
	// ErrPermissionDenied covers refused or unavailable audio input.
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrAlreadyActive    = errors.New("capture already active")
	// ErrStopped is returned by a Start that was cancelled by Stop while the source was opening.
	ErrStopped = errors.New("capture stopped")
)

type State int32

const (
	Idle State = iota
	Requesting
	Streaming
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Requesting:
		return "requesting"
	case Streaming:
		return "streaming"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Sink receives encoded frames. *channel.Channel satisfies it.
type Sink interface {
	Ready() bool
	Send(ctx context.Context, payload []byte) error
}

type Option func(*Adapter)

// WithQueueSize bounds the frames waiting between the audio goroutine and the
// sink. A full queue makes the audio goroutine wait unless WithDropWhenFull is
// set. Zero makes every hand-off synchronous.
func WithQueueSize(n int) Option {
	return func(a *Adapter) {
		a.queueSize = n
	}
}

// WithDropWhenFull drops the newest frame instead of waiting when the queue is full.
func WithDropWhenFull() Option {
	return func(a *Adapter) {
		a.dropWhenFull = true
	}
}

// WithOnSendError is called once per run of consecutive send failures.
func WithOnSendError(fn func(error)) Option {
	return func(a *Adapter) {
		a.onSendError = fn
	}
}

// WithOnStreamEnd is called when a stream stops on its own (end of input or device error).
func WithOnStreamEnd(fn func(error)) Option {
	return func(a *Adapter) {
		a.onStreamEnd = fn
	}
}

// Adapter turns a start request into a live stream of frames forwarded to a sink.
type Adapter struct {
	source      Source
	sink        Sink
	format      Format
	queueSize    int
	dropWhenFull bool
	onSendError  func(error)
	onStreamEnd  func(error)
	logger       *slog.Logger

	mu     sync.Mutex
	state  State
	gen    uint64
	stream Stream
	cancel context.CancelFunc
	done   chan struct{}

	produced     atomic.Uint64
	forwarded    atomic.Uint64
	dropped      atomic.Uint64
	sendFailures atomic.Uint64

	dropCounter metric.Int64Counter
}

func NewAdapter(source Source, sink Sink, format Format, logger *slog.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		source:    source,
		sink:      sink,
		format:    format,
		queueSize: 64,
		logger:    logger.With(slog.String("component", "capture"), slog.String("source", source.Name())),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.queueSize < 0 {
		a.queueSize = 0
	}
	meter := otel.Meter("github.com/loqalabs/loqa-mic/capture")
	dropped, err := meter.Int64Counter("loqa.capture.frames_dropped", metric.WithDescription("Frames dropped because the send queue was full"))
	if err != nil {
		a.logger.Warn("failed to initialize metrics", slogError(err))
	} else {
		a.dropCounter = dropped
	}
	return a
}

// Start requests the audio source and, once granted, streams frames to the
// sink until Stop. It refuses without touching the source unless the sink is ready.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.state != Idle {
		a.mu.Unlock()
		return ErrAlreadyActive
	}
	if !a.sink.Ready() {
		a.mu.Unlock()
		return fmt.Errorf("capture: %w", channel.ErrChannelNotReady)
	}
	a.state = Requesting
	a.gen++
	gen := a.gen
	a.mu.Unlock()

	stream, err := a.source.Open(ctx, a.format)

	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		if stream != nil {
			_ = stream.Close()
		}
		return ErrStopped
	}
	if err != nil {
		a.state = Idle
		a.mu.Unlock()
		if !errors.Is(err, ErrPermissionDenied) {
			err = fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		}
		a.logger.Warn("audio source refused", slogError(err))
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	a.state = Streaming
	a.stream = stream
	a.cancel = cancel
	a.done = done
	a.mu.Unlock()

	a.logger.Info("capture streaming",
		slog.Int("sample_rate", a.format.SampleRate),
		slog.Int("channels", a.format.Channels),
		slog.Int("frame_size", a.format.FrameSize))

	queue := make(chan protocol.AudioFrame, a.queueSize)
	go func() {
		defer close(done)
		produced := make(chan error, 1)
		go func() {
			produced <- a.produce(runCtx, stream, queue)
		}()
		a.forward(runCtx, queue)
		a.finish(gen, stream, cancel, <-produced)
	}()
	return nil
}

// produce runs the stream. It is the only goroutine touching the audio device.
func (a *Adapter) produce(ctx context.Context, stream Stream, queue chan<- protocol.AudioFrame) error {
	defer close(queue)
	var seq uint64
	return stream.Run(ctx, func(samples []float32) {
		frame := protocol.AudioFrame{
			Sequence:   seq,
			SampleRate: a.format.SampleRate,
			Channels:   a.format.Channels,
			Samples:    samples,
			CapturedAt: time.Now(),
		}
		seq++
		a.produced.Add(1)
		if !a.dropWhenFull || a.queueSize == 0 {
			select {
			case queue <- frame:
			case <-ctx.Done():
			}
			return
		}
		select {
		case queue <- frame:
		default:
			a.dropped.Add(1)
			if a.dropCounter != nil {
				a.dropCounter.Add(ctx, 1)
			}
		}
	})
}

func (a *Adapter) forward(ctx context.Context, queue <-chan protocol.AudioFrame) {
	failing := false
	for {
		if ctx.Err() != nil {
			return
		}
		var frame protocol.AudioFrame
		var ok bool
		select {
		case <-ctx.Done():
			return
		case frame, ok = <-queue:
			if !ok {
				return
			}
		}
		// A send in flight is never cancelled by Stop: cancelling a websocket
		// write tears the connection down.
		err := a.sink.Send(context.WithoutCancel(ctx), protocol.EncodeSamples(frame.Samples))
		if err != nil {
			a.sendFailures.Add(1)
			if !failing {
				failing = true
				a.logger.Warn("frame send failed", slog.Uint64("sequence", frame.Sequence), slogError(err))
				if a.onSendError != nil {
					a.onSendError(err)
				}
			}
			continue
		}
		failing = false
		a.forwarded.Add(1)
	}
}

func (a *Adapter) finish(gen uint64, stream Stream, cancel context.CancelFunc, runErr error) {
	cancel()
	_ = stream.Close()

	a.mu.Lock()
	natural := gen == a.gen && a.state == Streaming
	if natural {
		a.state = Idle
		a.stream = nil
		a.cancel = nil
		a.done = nil
	}
	a.mu.Unlock()

	if !natural {
		return
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		a.logger.Warn("capture stream ended with error", slogError(runErr))
	} else {
		a.logger.Info("capture stream ended")
		runErr = nil
	}
	if a.onStreamEnd != nil {
		a.onStreamEnd(runErr)
	}
}

// Stop ends streaming and returns the adapter to Idle. Frames still queued are
// discarded. Safe to call in any state.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	switch a.state {
	case Idle:
		a.mu.Unlock()
		return nil
	case Requesting:
		a.gen++
		a.state = Idle
		a.mu.Unlock()
		return nil
	}
	a.gen++
	cancel, stream, done := a.cancel, a.stream, a.done
	a.state = Idle
	a.stream = nil
	a.cancel = nil
	a.done = nil
	a.mu.Unlock()

	cancel()
	err := stream.Close()
	<-done
	a.logger.Info("capture stopped")
	return err
}

func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Stats is a point-in-time view of the adapter counters.
type Stats struct {
	State        State
	Produced     uint64
	Forwarded    uint64
	Dropped      uint64
	SendFailures uint64
}

func (a *Adapter) Stats() Stats {
	return Stats{
		State:        a.State(),
		Produced:     a.produced.Load(),
		Forwarded:    a.forwarded.Load(),
		Dropped:      a.dropped.Load(),
		SendFailures: a.sendFailures.Load(),
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
