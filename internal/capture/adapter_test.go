package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/loqalabs/loqa-mic/internal/channel"
	"github.com/loqalabs/loqa-mic/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

var testFormat = Format{SampleRate: 8000, Channels: 1, FrameSize: 4}

type recordingSink struct {
	mu      sync.Mutex
	ready   bool
	sendErr error
	delay   time.Duration
	sent    [][]byte
	calls   int
}

func (s *recordingSink) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *recordingSink) Send(_ context.Context, payload []byte) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, payload)
	return nil
}

func (s *recordingSink) payloads() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sent...)
}

func (s *recordingSink) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// scriptedSource emits the given frames as fast as the adapter accepts them,
// then blocks until stopped.
type scriptedSource struct {
	mu      sync.Mutex
	frames  [][]float32
	openErr error
	opened  int
	hold    bool
	streams []*scriptedStream
}

func (s *scriptedSource) Name() string { return "scripted" }

func (s *scriptedSource) Open(context.Context, Format) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened++
	if s.openErr != nil {
		return nil, s.openErr
	}
	st := &scriptedStream{frames: s.frames, hold: s.hold, closed: make(chan struct{})}
	s.streams = append(s.streams, st)
	return st, nil
}

func (s *scriptedSource) openCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

type scriptedStream struct {
	frames [][]float32
	hold   bool
	closed chan struct{}
	once   sync.Once
}

func (s *scriptedStream) Run(ctx context.Context, emit func([]float32)) error {
	for _, f := range s.frames {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return nil
		default:
		}
		emit(append([]float32(nil), f...))
	}
	if !s.hold {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return nil
	}
}

func (s *scriptedStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *scriptedStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func framesOf(n int) [][]float32 {
	frames := make([][]float32, n)
	for i := range frames {
		frames[i] = []float32{float32(i), float32(i) + 0.25, -float32(i), 0.5}
	}
	return frames
}

func TestStartRefusedWhenSinkNotReady(t *testing.T) {
	src := &scriptedSource{frames: framesOf(1)}
	a := NewAdapter(src, &recordingSink{}, testFormat, newLogger())

	err := a.Start(context.Background())
	if !errors.Is(err, channel.ErrChannelNotReady) {
		t.Fatalf("expected ErrChannelNotReady, got %v", err)
	}
	if src.openCount() != 0 {
		t.Fatal("source must not be opened when the channel is not open")
	}
	if a.State() != Idle {
		t.Fatalf("expected idle, got %s", a.State())
	}
}

func TestPermissionDeniedLeavesIdle(t *testing.T) {
	src := &scriptedSource{openErr: errors.New("NotAllowedError")}
	sink := &recordingSink{ready: true}
	a := NewAdapter(src, sink, testFormat, newLogger())

	err := a.Start(context.Background())
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if a.State() != Idle {
		t.Fatalf("expected idle, got %s", a.State())
	}
	if len(src.streams) != 0 {
		t.Fatal("no stream may be constructed on denial")
	}
	if sink.callCount() != 0 {
		t.Fatal("no send may happen on denial")
	}
}

func TestEveryFrameSentOnceInOrder(t *testing.T) {
	frames := framesOf(50)
	src := &scriptedSource{frames: frames, hold: true}
	sink := &recordingSink{ready: true}
	a := NewAdapter(src, sink, testFormat, newLogger(), WithQueueSize(0))

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if a.State() != Streaming {
		t.Fatalf("expected streaming, got %s", a.State())
	}
	eventually(t, func() bool { return sink.callCount() == len(frames) })

	want := make([][]byte, len(frames))
	for i, f := range frames {
		want[i] = protocol.EncodeSamples(f)
	}
	if diff := cmp.Diff(want, sink.payloads()); diff != "" {
		t.Fatalf("payloads differ (-want +got):\n%s", diff)
	}

	if err := a.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if a.State() != Idle {
		t.Fatalf("expected idle after stop, got %s", a.State())
	}
	if !src.streams[0].isClosed() {
		t.Fatal("expected stream closed after stop")
	}
	stats := a.Stats()
	if stats.Produced != 50 || stats.Forwarded != 50 || stats.Dropped != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestStartWhileStreaming(t *testing.T) {
	src := &scriptedSource{hold: true}
	a := NewAdapter(src, &recordingSink{ready: true}, testFormat, newLogger())
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = a.Stop() })
	if err := a.Start(context.Background()); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}
	if src.openCount() != 1 {
		t.Fatalf("expected a single open, got %d", src.openCount())
	}
}

func TestStreamEndReturnsToIdle(t *testing.T) {
	ended := make(chan error, 1)
	src := &scriptedSource{frames: framesOf(3)}
	sink := &recordingSink{ready: true}
	a := NewAdapter(src, sink, testFormat, newLogger(), WithQueueSize(0),
		WithOnStreamEnd(func(err error) { ended <- err }))

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case err := <-ended:
		if err != nil {
			t.Fatalf("expected clean end, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream end not reported")
	}
	if a.State() != Idle {
		t.Fatalf("expected idle, got %s", a.State())
	}
	if sink.callCount() != 3 {
		t.Fatalf("expected 3 sends, got %d", sink.callCount())
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("restart after end: %v", err)
	}
	_ = a.Stop()
}

func TestSendFailuresReportedOncePerRun(t *testing.T) {
	var reports []error
	var mu sync.Mutex
	src := &scriptedSource{frames: framesOf(5), hold: true}
	sink := &recordingSink{ready: true, sendErr: channel.ErrChannelNotReady}
	a := NewAdapter(src, sink, testFormat, newLogger(), WithQueueSize(0),
		WithOnSendError(func(err error) {
			mu.Lock()
			reports = append(reports, err)
			mu.Unlock()
		}))
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	eventually(t, func() bool { return sink.callCount() == 5 })
	_ = a.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(reports) != 1 {
		t.Fatalf("expected one report for a run of failures, got %d", len(reports))
	}
	if got := a.Stats().SendFailures; got != 5 {
		t.Fatalf("expected 5 send failures, got %d", got)
	}
}

// blockingSink holds every send until released.
type blockingSink struct {
	release chan struct{}
	mu      sync.Mutex
	calls   int
}

func (b *blockingSink) Ready() bool { return true }

func (b *blockingSink) Send(ctx context.Context, _ []byte) error {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	<-b.release
	return nil
}

func TestSlowSinkLosesNoFrames(t *testing.T) {
	frames := framesOf(150)
	src := &scriptedSource{frames: frames, hold: true}
	sink := &recordingSink{ready: true, delay: 2 * time.Millisecond}
	a := NewAdapter(src, sink, testFormat, newLogger())

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for sink.callCount() < len(frames) {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d sends, got %d (%+v)", len(frames), sink.callCount(), a.Stats())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := a.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	stats := a.Stats()
	if stats.Produced != 150 || stats.Forwarded != 150 || stats.Dropped != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	want := make([][]byte, len(frames))
	for i, f := range frames {
		want[i] = protocol.EncodeSamples(f)
	}
	if diff := cmp.Diff(want, sink.payloads()); diff != "" {
		t.Fatalf("payloads differ (-want +got):\n%s", diff)
	}
}

func TestDropWhenFullDropsNewest(t *testing.T) {
	src := &scriptedSource{frames: framesOf(10), hold: true}
	sink := &blockingSink{release: make(chan struct{})}
	a := NewAdapter(src, sink, testFormat, newLogger(), WithQueueSize(2), WithDropWhenFull())

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	eventually(t, func() bool { return a.Stats().Produced == 10 })
	stats := a.Stats()
	// One frame is held by the blocked send, two wait in the queue.
	if stats.Dropped < 7 {
		t.Fatalf("expected at least 7 drops, got %+v", stats)
	}
	close(sink.release)
	_ = a.Stop()
}

func TestStopIsIdempotent(t *testing.T) {
	a := NewAdapter(&scriptedSource{hold: true}, &recordingSink{ready: true}, testFormat, newLogger())
	if err := a.Stop(); err != nil {
		t.Fatalf("stop while idle: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := a.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := a.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

// gatedSource blocks in Open until released, modelling a pending permission prompt.
type gatedSource struct {
	release chan struct{}
	stream  *scriptedStream
}

func (g *gatedSource) Name() string { return "gated" }

func (g *gatedSource) Open(context.Context, Format) (Stream, error) {
	<-g.release
	return g.stream, nil
}

func TestStopWhileRequesting(t *testing.T) {
	src := &gatedSource{release: make(chan struct{}), stream: &scriptedStream{hold: true, closed: make(chan struct{})}}
	a := NewAdapter(src, &recordingSink{ready: true}, testFormat, newLogger())

	result := make(chan error, 1)
	go func() { result <- a.Start(context.Background()) }()
	eventually(t, func() bool { return a.State() == Requesting })

	if err := a.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	close(src.release)
	if err := <-result; !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if !src.stream.isClosed() {
		t.Fatal("late stream must be closed")
	}
	if a.State() != Idle {
		t.Fatalf("expected idle, got %s", a.State())
	}
}
