package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsLogPrefix = "transport:websocket"

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 * 1024 * 1024
)

// WebSocketOptions tunes the WebSocket transport.
type WebSocketOptions struct {
	HandshakeTimeout time.Duration
	Header           http.Header
	// CheckOrigin is used on the accepting side; nil allows every origin.
	CheckOrigin func(r *http.Request) bool
}

// WebSocketDialer is the primary transport: a persistent WebSocket to the
// control plane.
type WebSocketDialer struct {
	url    string
	dialer *websocket.Dialer
	header http.Header
}

// NewWebSocketDialer validates the endpoint URL and builds a dialer for it.
func NewWebSocketDialer(rawURL string, opts WebSocketOptions) (*WebSocketDialer, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("%s - empty websocket URL", wsLogPrefix)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%s - invalid websocket URL: %w", wsLogPrefix, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("%s - unsupported scheme %q (want ws or wss)", wsLogPrefix, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%s - websocket URL %q has no host", wsLogPrefix, rawURL)
	}

	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebSocketDialer{
		url: u.String(),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: timeout,
		},
		header: opts.Header,
	}, nil
}

// Name implements Dialer.
func (d *WebSocketDialer) Name() string { return "websocket" }

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	ws, resp, err := d.dialer.DialContext(ctx, d.url, d.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%s - dial %s: %w", wsLogPrefix, d.url, err)
	}
	return newWebSocketConn(ws, d.url), nil
}

// WebSocketHandler upgrades HTTP requests and hands each open Conn to onConn.
// onConn runs on the request goroutine and may block for the connection's life.
func WebSocketHandler(opts WebSocketOptions, onConn func(r *http.Request, c Conn)) http.Handler {
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HandshakeTimeout: opts.HandshakeTimeout,
		CheckOrigin:      checkOrigin,
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - upgrade from %s failed: %v", wsLogPrefix, r.RemoteAddr, err))
			return
		}
		onConn(r, newWebSocketConn(ws, r.RemoteAddr))
	})
}

// websocketConn adapts a gorilla connection to Conn. Writes are serialized;
// a ping loop keeps the read deadline alive while the peer answers pongs.
type websocketConn struct {
	ws     *websocket.Conn
	remote string

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newWebSocketConn(ws *websocket.Conn, remote string) *websocketConn {
	c := &websocketConn{ws: ws, remote: remote, done: make(chan struct{})}
	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.pingLoop()
	return c
}

func (c *websocketConn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				slog.Debug(fmt.Sprintf("%s - ping to %s failed: %v", wsLogPrefix, c.remote, err))
				return
			}
		}
	}
}

func (c *websocketConn) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("%s - write to %s: %w", wsLogPrefix, c.remote, err)
	}
	return nil
}

func (c *websocketConn) Receive() ([]byte, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug(fmt.Sprintf("%s - read from %s: %v", wsLogPrefix, c.remote, err))
			}
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *websocketConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *websocketConn) Describe() string { return "websocket " + c.remote }
