package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-mic/internal/config"
	"github.com/loqalabs/loqa-mic/internal/eventstore"
	"github.com/loqalabs/loqa-mic/internal/protocol"
	"github.com/loqalabs/loqa-mic/internal/recording"
)

// Publisher receives frames republished from command sessions.
type Publisher interface {
	PublishFrame(frame protocol.BusFrame) error
}

// Journal records the session timeline.
type Journal interface {
	OpenSession(ctx context.Context, sess eventstore.Session) error
	CloseSession(ctx context.Context, id string, frames, bytes int64) error
	AppendEvent(ctx context.Context, evt eventstore.Event) error
}

type Option func(*Handler)

func WithPublisher(p Publisher) Option {
	return func(h *Handler) {
		h.publisher = p
	}
}

func WithJournal(j Journal) Option {
	return func(h *Handler) {
		h.journal = j
	}
}

// Handler accepts command socket connections and consumes their frames.
type Handler struct {
	cfg       config.ListenerConfig
	logger    *slog.Logger
	publisher Publisher
	journal   Journal
	tracer    trace.Tracer
	newID     func() string

	active   atomic.Int64
	sessions sync.WaitGroup

	framesReceived metric.Int64Counter
	bytesReceived  metric.Int64Counter
	sessionGauge   metric.Int64UpDownCounter
}

func New(cfg config.ListenerConfig, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "listener")),
		tracer: otel.Tracer("github.com/loqalabs/loqa-mic/listener"),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(h)
	}
	if err := h.initMetrics(); err != nil {
		h.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return h
}

func (h *Handler) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-mic/listener")
	frames, err := meter.Int64Counter("loqa.listener.frames_received", metric.WithDescription("Audio frames received on the command socket"))
	if err != nil {
		return err
	}
	bytes, err := meter.Int64Counter("loqa.listener.bytes_received", metric.WithDescription("Payload bytes received on the command socket"), metric.WithUnit("By"))
	if err != nil {
		return err
	}
	sessions, err := meter.Int64UpDownCounter("loqa.listener.sessions", metric.WithDescription("Open command socket sessions"))
	if err != nil {
		return err
	}
	h.framesReceived = frames
	h.bytesReceived = bytes
	h.sessionGauge = sessions
	return nil
}

// Active reports the number of sessions currently open.
func (h *Handler) Active() int64 {
	return h.active.Load()
}

// Wait blocks until every session has finished closing, or ctx is done.
// Sessions end when their request context is cancelled; Wait does not end them.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d command sessions: %w", h.active.Load(), ctx.Err())
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Counted before the upgrade, while http.Server.Shutdown still tracks the request.
	h.sessions.Add(1)
	defer h.sessions.Done()

	sampleRate, channels, err := h.format(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("command socket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(h.cfg.MaxMessageBytes)

	s := &session{
		id:         h.newID(),
		remoteAddr: r.RemoteAddr,
		sampleRate: sampleRate,
		channels:   channels,
	}
	s.logger = h.logger.With(slog.String("session_id", s.id))

	ctx, span := h.tracer.Start(r.Context(), "listener.session", trace.WithAttributes(
		attribute.String("session.id", s.id),
		attribute.Int("audio.sample_rate", sampleRate),
		attribute.Int("audio.channels", channels),
	))
	defer span.End()

	h.open(ctx, s)
	reason := h.consume(ctx, conn, s)
	h.close(context.WithoutCancel(ctx), s, reason)
	span.SetAttributes(attribute.Int64("audio.frames", s.frames), attribute.String("close.reason", reason))

	conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Handler) format(r *http.Request) (int, int, error) {
	q := r.URL.Query()
	sampleRate, channels := h.cfg.SampleRate, h.cfg.Channels
	if v := q.Get(protocol.QuerySampleRate); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return 0, 0, fmt.Errorf("invalid %s %q", protocol.QuerySampleRate, v)
		}
		sampleRate = n
	}
	if v := q.Get(protocol.QueryChannels); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return 0, 0, fmt.Errorf("invalid %s %q", protocol.QueryChannels, v)
		}
		channels = n
	}
	return sampleRate, channels, nil
}

func (h *Handler) open(ctx context.Context, s *session) {
	h.active.Add(1)
	if h.sessionGauge != nil {
		h.sessionGauge.Add(ctx, 1)
	}
	s.logger.Info("command socket opened",
		slog.String("remote_addr", s.remoteAddr),
		slog.Int("sample_rate", s.sampleRate),
		slog.Int("channels", s.channels))

	if h.journal != nil {
		err := h.journal.OpenSession(ctx, eventstore.Session{
			ID:         s.id,
			RemoteAddr: s.remoteAddr,
			SampleRate: s.sampleRate,
			Channels:   s.channels,
		})
		if err != nil {
			s.logger.Warn("journal session open failed", slog.String("error", err.Error()))
		}
		h.appendEvent(ctx, s, protocol.EventCommandOpened, map[string]any{
			"remote_addr": s.remoteAddr,
			"sample_rate": s.sampleRate,
			"channels":    s.channels,
		})
	}

	if h.cfg.RecordDir != "" {
		rec, err := recording.Create(h.cfg.RecordDir, s.id, s.sampleRate, s.channels)
		if err != nil {
			s.logger.Warn("recording disabled for session", slog.String("error", err.Error()))
		} else {
			s.recorder = rec
		}
	}
}

// consume reads until the peer goes away and returns why it stopped.
func (h *Handler) consume(ctx context.Context, conn *websocket.Conn, s *session) string {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return closeReason(err)
		}
		if typ != websocket.MessageBinary {
			s.logger.Debug("ignoring text message on command socket", slog.Int("bytes", len(data)))
			continue
		}
		h.handleFrame(ctx, s, data)
	}
}

func closeReason(err error) string {
	switch status := websocket.CloseStatus(err); status {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return "closed"
	case -1:
		if errors.Is(err, context.Canceled) {
			return "shutdown"
		}
		return "transport error: " + err.Error()
	default:
		return "close status " + status.String()
	}
}

func (h *Handler) handleFrame(ctx context.Context, s *session, data []byte) {
	samples, err := protocol.DecodeSamples(data)
	if err != nil {
		s.malformed++
		s.logger.Warn("skipping malformed frame", slog.String("error", err.Error()))
		return
	}
	seq := s.frames
	s.frames++
	s.bytes += int64(len(data))

	s.logger.Log(ctx, config.LevelTrace, "received audio frame",
		slog.Int64("sequence", seq),
		slog.Int("samples", len(samples)))
	if h.framesReceived != nil {
		h.framesReceived.Add(ctx, 1)
		h.bytesReceived.Add(ctx, int64(len(data)))
	}

	if h.publisher != nil && h.cfg.PublishFrames {
		err := h.publisher.PublishFrame(protocol.BusFrame{
			SessionID:  s.id,
			Sequence:   int(seq),
			SampleRate: s.sampleRate,
			Channels:   s.channels,
			PCM:        protocol.EncodePCM16(samples),
		})
		if err != nil && !s.publishFailing {
			s.logger.Warn("frame publish failed", slog.String("error", err.Error()))
		}
		s.publishFailing = err != nil
	}

	if s.recorder != nil {
		if err := s.recorder.Write(samples); err != nil {
			s.logger.Warn("recording write failed, disabling", slog.String("error", err.Error()))
			_ = s.recorder.Close()
			s.recorder = nil
		}
	}
}

func (h *Handler) close(ctx context.Context, s *session, reason string) {
	h.active.Add(-1)
	if h.sessionGauge != nil {
		h.sessionGauge.Add(ctx, -1)
	}
	if h.publisher != nil && h.cfg.PublishFrames {
		err := h.publisher.PublishFrame(protocol.BusFrame{
			SessionID:  s.id,
			Sequence:   int(s.frames),
			SampleRate: s.sampleRate,
			Channels:   s.channels,
			Final:      true,
		})
		if err != nil {
			s.logger.Warn("final frame publish failed", slog.String("error", err.Error()))
		}
	}
	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			s.logger.Warn("recording close failed", slog.String("error", err.Error()))
		} else {
			s.logger.Info("recording saved", slog.String("path", s.recorder.Path()))
		}
	}
	if h.journal != nil {
		h.appendEvent(ctx, s, protocol.EventCommandClosed, map[string]any{
			"frames":    s.frames,
			"bytes":     s.bytes,
			"malformed": s.malformed,
			"reason":    reason,
		})
		if err := h.journal.CloseSession(ctx, s.id, s.frames, s.bytes); err != nil {
			s.logger.Warn("journal session close failed", slog.String("error", err.Error()))
		}
	}

	s.logger.Info("command socket closed",
		slog.String("reason", reason),
		slog.Int64("frames", s.frames),
		slog.Int64("bytes", s.bytes))
}

func (h *Handler) appendEvent(ctx context.Context, s *session, typ string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("encode event payload", slog.String("error", err.Error()))
		return
	}
	if err := h.journal.AppendEvent(ctx, eventstore.Event{SessionID: s.id, Type: typ, Payload: data}); err != nil {
		s.logger.Warn("journal append failed", slog.String("event", typ), slog.String("error", err.Error()))
	}
}

// session is owned by the goroutine serving one connection.
type session struct {
	id         string
	remoteAddr string
	sampleRate int
	channels   int
	logger     *slog.Logger
	recorder   *recording.Recorder

	frames         int64
	bytes          int64
	malformed      int64
	publishFailing bool
}
