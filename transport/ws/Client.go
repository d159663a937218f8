// Package ws connects the charge point to the Central System over an OCPP-J
// WebSocket.
package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const Subprotocol = "ocpp1.6"

// DefaultWriteWait bounds a single frame write.
const DefaultWriteWait = 10 * time.Second

var ErrNotConnected = errors.New("websocket not connected")

// Client keeps one WebSocket to the Central System open and reconnects when it
// drops. Received text frames are delivered on Inbound.
type Client struct {
	url        string
	dialer     *websocket.Dialer
	header     http.Header
	minBackoff time.Duration
	maxBackoff time.Duration
	writeWait  time.Duration
	log        *logrus.Entry

	inbound   chan []byte
	connected chan struct{}

	mu   sync.Mutex
	conn *websocket.Conn
}

type Option func(*Client)

func WithLogger(logger *logrus.Logger) Option {
	return func(c *Client) { c.log = logger.WithField("component", "ws") }
}

// WithBackoff bounds the delay between reconnection attempts. The delay doubles
// after every failed attempt.
func WithBackoff(min, max time.Duration) Option {
	return func(c *Client) {
		c.minBackoff = min
		c.maxBackoff = max
	}
}

// WithWriteWait bounds how long Send may block on a stalled connection.
func WithWriteWait(d time.Duration) Option {
	return func(c *Client) { c.writeWait = d }
}

// WithBasicAuth sends HTTP basic credentials on every handshake.
func WithBasicAuth(user, password string) Option {
	return func(c *Client) {
		req := &http.Request{Header: http.Header{}}
		req.SetBasicAuth(user, password)
		c.header.Set("Authorization", req.Header.Get("Authorization"))
	}
}

// New creates a client for url, which must already contain the charge point
// identity as its last path segment.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url: url,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 30 * time.Second,
			Subprotocols:     []string{Subprotocol},
		},
		header:     http.Header{},
		minBackoff: time.Second,
		maxBackoff: time.Minute,
		writeWait:  DefaultWriteWait,
		log:        logrus.StandardLogger().WithField("component", "ws"),
		inbound:    make(chan []byte, 64),
		connected:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Inbound delivers every text frame received from the Central System.
func (c *Client) Inbound() <-chan []byte {
	return c.inbound
}

// Connected receives a value every time a connection was established.
func (c *Client) Connected() <-chan struct{} {
	return c.connected
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send writes frame as one text message. A write that does not finish within
// the write wait fails and drops the connection.
func (c *Client) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.conn.Close()
		return err
	}
	return nil
}

// Run connects and reconnects until ctx is done.
func (c *Client) Run(ctx context.Context) {
	backoff := c.minBackoff
	for {
		conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
		if err != nil {
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			c.log.WithField("status", status).Warnf("couldn't connect to %s: %v", c.url, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, c.maxBackoff)
			continue
		}
		if conn.Subprotocol() != Subprotocol {
			c.log.Warnf("Central System did not confirm subprotocol %s", Subprotocol)
		}
		backoff = c.minBackoff
		c.log.Infof("connected to %s", c.url)

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		select {
		case c.connected <- struct{}{}:
		default:
		}

		c.read(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		c.log.Info("connection lost, reconnecting")
	}
}

func (c *Client) read(ctx context.Context, conn *websocket.Conn) {
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.mu.Unlock()
		conn.Close()
	})
	defer stop()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				c.log.Warnf("read failed: %v", err)
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		select {
		case c.inbound <- data:
		case <-ctx.Done():
			return
		}
	}
}
