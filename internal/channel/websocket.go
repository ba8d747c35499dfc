package channel

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/coder/websocket"

	"github.com/loqalabs/loqa-mic/internal/config"
	"github.com/loqalabs/loqa-mic/internal/protocol"
)

// WebsocketDialer opens command connections with github.com/coder/websocket.
type WebsocketDialer struct {
	HTTPHeader http.Header
	HTTPClient *http.Client
}

func (d WebsocketDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPHeader: d.HTTPHeader,
		HTTPClient: d.HTTPClient,
	})
	if err != nil {
		return nil, err
	}
	// The listener never sends data; CloseRead keeps control frames flowing
	// and tells us when the peer goes away.
	done := conn.CloseRead(context.Background())
	return &wsConn{conn: conn, done: done}, nil
}

type wsConn struct {
	conn *websocket.Conn
	done context.Context
}

func (w *wsConn) Write(ctx context.Context, payload []byte) error {
	return w.conn.Write(ctx, websocket.MessageBinary, payload)
}

func (w *wsConn) Done() <-chan struct{} { return w.done.Done() }

func (w *wsConn) Close() error {
	err := w.conn.Close(websocket.StatusNormalClosure, "")
	if err != nil && errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Endpoint is the configuration-derived address of the remote listener.
type Endpoint struct {
	Scheme string
	Host   string
	Port   int
	Path   string
	Query  url.Values
}

func EndpointFromConfig(cfg config.ChannelConfig) Endpoint {
	return Endpoint{
		Scheme: cfg.Scheme,
		Host:   cfg.Host,
		Port:   cfg.Port,
		Path:   cfg.Path,
	}
}

// WithFormat returns a copy of e that advertises the capture format to the listener.
func (e Endpoint) WithFormat(sampleRate, channels int) Endpoint {
	q := url.Values{}
	for k, v := range e.Query {
		q[k] = append([]string(nil), v...)
	}
	q.Set(protocol.QuerySampleRate, strconv.Itoa(sampleRate))
	q.Set(protocol.QueryChannels, strconv.Itoa(channels))
	e.Query = q
	return e
}

func (e Endpoint) String() string {
	u := url.URL{
		Scheme:   e.Scheme,
		Host:     net.JoinHostPort(e.Host, strconv.Itoa(e.Port)),
		Path:     e.Path,
		RawQuery: e.Query.Encode(),
	}
	return u.String()
}
