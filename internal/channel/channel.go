package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrChannelNotReady is returned by Send while the channel is not Open.
	ErrChannelNotReady = errors.New("command channel not ready")
	// ErrChannelFailed wraps every transport failure. A failed connection is never reused.
	ErrChannelFailed = errors.New("command channel failed")
	// ErrSuperseded is delivered to callers of an attempt replaced by a newer Connect.
	ErrSuperseded = errors.New("connection attempt superseded")
)

type State int32

const (
	Unconnected State = iota
	Connecting
	Open
	Failed
	Closed
)

func (s State) String() string {
	switch s {
	case Unconnected:
		return "unconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Failed:
		return "failed"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Conn is one established transport connection.
type Conn interface {
	Write(ctx context.Context, payload []byte) error
	// Done is closed once the connection is gone, whoever closed it.
	Done() <-chan struct{}
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

type Option func(*Channel)

// WithOnFailure registers the callback fired for every terminal connection failure.
func WithOnFailure(fn func(error)) Option {
	return func(c *Channel) {
		c.onFailure = fn
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *Channel) {
		c.dialTimeout = d
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(c *Channel) {
		c.writeTimeout = d
	}
}

// Channel owns the single outbound command connection. Reconnection only
// happens when a caller asks for it through Connect.
type Channel struct {
	dialer       Dialer
	endpoint     string
	dialTimeout  time.Duration
	writeTimeout time.Duration
	onFailure    func(error)
	logger       *slog.Logger

	mu       sync.Mutex
	state    State
	conn     Conn
	attempt  uint64
	connects uint64
	sentOK   uint64
	failures uint64

	framesSent   metric.Int64Counter
	failureCount metric.Int64Counter
}

func New(dialer Dialer, endpoint string, logger *slog.Logger, opts ...Option) *Channel {
	c := &Channel{
		dialer:       dialer,
		endpoint:     endpoint,
		dialTimeout:  5 * time.Second,
		writeTimeout: 2 * time.Second,
		logger:       logger.With(slog.String("component", "command-channel")),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.initMetrics(); err != nil {
		c.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return c
}

func (c *Channel) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-mic/channel")
	sent, err := meter.Int64Counter("loqa.channel.frames_sent", metric.WithDescription("Frames written to the command socket"))
	if err != nil {
		return err
	}
	failures, err := meter.Int64Counter("loqa.channel.failures", metric.WithDescription("Terminal command socket failures"))
	if err != nil {
		return err
	}
	c.framesSent = sent
	c.failureCount = failures
	return nil
}

// Connect starts a brand-new connection attempt, dropping whatever connection
// or attempt came before. It does not block; the returned channel yields the
// attempt's outcome exactly once.
func (c *Channel) Connect(ctx context.Context) <-chan error {
	result := make(chan error, 1)

	c.mu.Lock()
	c.attempt++
	c.connects++
	id := c.attempt
	prev := c.conn
	c.conn = nil
	c.state = Connecting
	c.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}

	c.logger.Debug("connecting", slog.String("endpoint", c.endpoint), slog.Uint64("attempt", id))
	go c.dial(ctx, id, result)
	return result
}

func (c *Channel) dial(ctx context.Context, id uint64, result chan<- error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	conn, err := c.dialer.Dial(dialCtx, c.endpoint)

	c.mu.Lock()
	if id != c.attempt {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		result <- ErrSuperseded
		return
	}
	if err != nil {
		c.state = Failed
		c.mu.Unlock()
		err = fmt.Errorf("%w: dial %s: %w", ErrChannelFailed, c.endpoint, err)
		c.reportFailure(err)
		result <- err
		return
	}
	c.conn = conn
	c.state = Open
	c.mu.Unlock()

	c.logger.Info("command channel open", slog.String("endpoint", c.endpoint))
	go c.watch(id, conn)
	result <- nil
}

func (c *Channel) watch(id uint64, conn Conn) {
	<-conn.Done()
	c.markFailed(id, conn, errors.New("connection lost"))
}

// Send writes payload as one message. It refuses with ErrChannelNotReady unless
// the channel is Open. A write error fails the connection.
func (c *Channel) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	if c.state != Open || c.conn == nil {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrChannelNotReady, state)
	}
	conn := c.conn
	id := c.attempt
	c.mu.Unlock()

	writeCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()

	if err := conn.Write(writeCtx, payload); err != nil {
		return c.markFailed(id, conn, err)
	}

	c.mu.Lock()
	c.sentOK++
	c.mu.Unlock()
	if c.framesSent != nil {
		c.framesSent.Add(ctx, 1)
	}
	return nil
}

// markFailed fails conn if it is still the current connection and returns the wrapped cause.
func (c *Channel) markFailed(id uint64, conn Conn, cause error) error {
	err := fmt.Errorf("%w: %w", ErrChannelFailed, cause)

	c.mu.Lock()
	if id != c.attempt || c.conn != conn {
		c.mu.Unlock()
		return err
	}
	c.conn = nil
	c.state = Failed
	c.mu.Unlock()

	_ = conn.Close()
	c.reportFailure(err)
	return err
}

func (c *Channel) reportFailure(err error) {
	c.mu.Lock()
	c.failures++
	c.mu.Unlock()
	if c.failureCount != nil {
		c.failureCount.Add(context.Background(), 1)
	}
	c.logger.Warn("command channel failed", slogError(err))
	if c.onFailure != nil {
		c.onFailure(err)
	}
}

// Close tears down the current connection and abandons any pending attempt.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.attempt++
	conn := c.conn
	c.conn = nil
	c.state = Closed
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Ready reports whether Send would currently be attempted.
func (c *Channel) Ready() bool {
	return c.State() == Open
}

func (c *Channel) Endpoint() string { return c.endpoint }

// Stats is a point-in-time view of the channel counters.
type Stats struct {
	State    State
	Attempts uint64
	Sent     uint64
	Failures uint64
}

func (c *Channel) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{State: c.state, Attempts: c.connects, Sent: c.sentOK, Failures: c.failures}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
