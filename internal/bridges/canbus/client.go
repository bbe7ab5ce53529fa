package canbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheSnowHatHero/GrappleHook/internal/device"
	"github.com/TheSnowHatHero/GrappleHook/internal/frame"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultReadTimeout       = 30 * time.Second
	defaultWriteTimeout      = 2 * time.Second
	defaultReconnectInterval = 2 * time.Second
	maxReconnectInterval     = time.Minute

	// DefaultTCPAddress is used for "tcp://" URLs without a host.
	DefaultTCPAddress = "localhost:7710"

	// callbackQueueSize bounds decoded frames waiting for the handler.
	callbackQueueSize = 256
)

// Config holds the connection settings of one bus domain.
type Config struct {
	// URL is "unix:///run/canbridge/can0.sock" or "tcp://host:port".
	URL string

	ConnectTimeout    time.Duration
	ReadTimeout       time.Duration
	ReconnectInterval time.Duration
}

// ClientStats holds transport counters.
type ClientStats struct {
	FramesTx        uint64
	FramesRx        uint64
	FramesDropped   uint64 // queue full
	DecodeErrors    uint64
	ErrorsTotal     uint64
	ReconnectsTotal uint64
	LastActivity    time.Time
	Connected       bool
	Reconnecting    bool
}

// Logger is the logging surface of this package.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// MessageHandler receives decoded inbound frames, one at a time, in arrival
// order.
type MessageHandler func(id frame.MessageID, msg frame.Tagged)

// Connector is a bus connection as the service uses it.
type Connector interface {
	device.Sender
	SetOnMessage(handler MessageHandler)
	SetOnReconnect(callback func())
	IsConnected() bool
	Stats() ClientStats
	Close() error
}

var _ Connector = (*Client)(nil)

type inbound struct {
	id  frame.MessageID
	msg frame.Tagged
}

// Client is a connection to the CAN bridge daemon for one domain.
//
// Inbound frames are decoded on the receive goroutine and handed to a single
// worker, so the handler sees them in bus order. On connection loss the
// client reconnects with exponential backoff until Close is called, and
// invokes the reconnect callback after each successful reconnection.
type Client struct {
	cfg Config

	conn      net.Conn
	connMu    sync.RWMutex
	connected bool
	writeMu   sync.Mutex

	reconnecting   atomic.Bool
	reconnectCount atomic.Int32

	onMessage   MessageHandler
	onReconnect func()
	callbackMu  sync.RWMutex

	queue chan inbound

	done *closeOnce
	wg   sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex

	framesTx        atomic.Uint64
	framesRx        atomic.Uint64
	framesDropped   atomic.Uint64
	decodeErrors    atomic.Uint64
	errorsTotal     atomic.Uint64
	reconnectsTotal atomic.Uint64
	lastActivity    atomic.Int64
}

// Dial connects to the daemon and performs the open handshake.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}

	network, address, err := ParseConnectionURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(connectCtx, network, address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial failed: %w", ErrConnectionFailed, err)
	}

	if err := handshake(connectCtx, conn, cfg.ReadTimeout); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: handshake failed: %w", ErrConnectionFailed, err)
	}

	c := &Client{
		cfg:       cfg,
		conn:      conn,
		connected: true,
		queue:     make(chan inbound, callbackQueueSize),
		done:      newCloseOnce(),
	}
	c.lastActivity.Store(time.Now().Unix())

	c.wg.Add(2)
	go c.callbackWorker()
	go c.receiveLoop()

	return c, nil
}

// ParseConnectionURL maps a daemon URL to a dial network and address.
func ParseConnectionURL(connURL string) (network, address string, err error) {
	u, err := url.Parse(connURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case "unix":
		if u.Path == "" {
			return "", "", fmt.Errorf("unix URL %q has no socket path", connURL)
		}
		return "unix", u.Path, nil
	case "tcp":
		host := u.Host
		if host == "" {
			host = DefaultTCPAddress
		}
		return "tcp", host, nil
	default:
		return "", "", fmt.Errorf("unsupported scheme %q (use unix or tcp)", u.Scheme)
	}
}

// handshake sends MsgOpen and waits for a successful MsgOpen reply.
func handshake(ctx context.Context, conn net.Conn, readTimeout time.Duration) error {
	deadline := time.Now().Add(readTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{}) //nolint:errcheck // cleared for the receive loop

	if _, err := conn.Write(EncodeDaemonMessage(MsgOpen, []byte{ProtocolVersion})); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	buf := make([]byte, maxMessageSize)
	msgType, payload, err := readDaemonMessage(conn, buf)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if msgType != MsgOpen {
		return fmt.Errorf("unexpected response type: 0x%04X", msgType)
	}
	if len(payload) < 1 || payload[0] != 0 {
		return fmt.Errorf("daemon refused session: %v", payload)
	}
	return nil
}

// readDaemonMessage reads one message into buf. A message that does not fit
// buf or a read that stops part-way through a message yields
// ErrProtocolDesync. A timeout before any byte arrives is returned as is.
func readDaemonMessage(r io.Reader, buf []byte) (uint16, []byte, error) {
	n, err := io.ReadFull(r, buf[:2])
	if err != nil {
		if n > 0 {
			return 0, nil, fmt.Errorf("%w: %w", ErrProtocolDesync, err)
		}
		return 0, nil, err
	}

	size := int(buf[0])<<8 | int(buf[1])
	total := 2 + size
	if size < 2 || total > len(buf) {
		return 0, nil, fmt.Errorf("%w: message size %d", ErrProtocolDesync, size)
	}

	if _, err := io.ReadFull(r, buf[2:total]); err != nil {
		return 0, nil, fmt.Errorf("%w: %w", ErrProtocolDesync, err)
	}
	return ParseDaemonMessage(buf[:total])
}

func (c *Client) currentConn() net.Conn {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn
}

// receiveLoop reads daemon messages until Close, reconnecting on failure.
func (c *Client) receiveLoop() {
	defer c.wg.Done()

	buf := make([]byte, maxMessageSize)

	for {
		if c.isClosed() {
			return
		}

		conn := c.currentConn()
		if conn == nil {
			if !c.reconnect() {
				return
			}
			continue
		}

		if err := conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
			c.logError("set read deadline failed", err)
		}

		msgType, payload, err := readDaemonMessage(conn, buf)
		if err != nil {
			if !c.handleReadError(err) {
				continue
			}
			if c.isClosed() || !c.reconnect() {
				return
			}
			continue
		}

		if msgType == MsgFrame {
			c.handleFrame(payload)
		}
	}
}

// handleReadError reports whether the connection must be re-established.
func (c *Client) handleReadError(err error) bool {
	if c.isClosed() {
		return true
	}

	var netErr net.Error
	if !errors.Is(err, ErrProtocolDesync) && errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}

	c.logError("read failed", err)
	c.errorsTotal.Add(1)
	c.handleDisconnect()
	return true
}

// handleFrame decodes a MsgFrame payload and queues it for the handler.
func (c *Client) handleFrame(payload []byte) {
	raw, data, err := ParseFrame(payload)
	if err != nil {
		c.decodeErrors.Add(1)
		c.logError("parse frame failed", err)
		return
	}

	id, msg, err := frame.Decode(raw, data)
	if err != nil {
		c.decodeErrors.Add(1)
		c.logDebug("decode frame failed", "id", fmt.Sprintf("%08X", raw), "error", err)
		return
	}

	c.framesRx.Add(1)
	c.lastActivity.Store(time.Now().Unix())

	c.callbackMu.RLock()
	hasHandler := c.onMessage != nil
	c.callbackMu.RUnlock()
	if !hasHandler {
		return
	}

	select {
	case c.queue <- inbound{id: id, msg: msg}:
	default:
		c.framesDropped.Add(1)
		c.logError("callback queue full, dropping frame", nil)
	}
}

// callbackWorker delivers queued frames to the handler in order.
func (c *Client) callbackWorker() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done.Done():
			c.drainQueue()
			return
		case in := <-c.queue:
			c.callbackMu.RLock()
			handler := c.onMessage
			c.callbackMu.RUnlock()

			if handler != nil {
				c.deliver(handler, in)
			}
		}
	}
}

func (c *Client) deliver(handler MessageHandler, in inbound) {
	defer func() {
		if r := recover(); r != nil {
			c.logError("message handler panic", fmt.Errorf("%v", r))
		}
	}()
	handler(in.id, in.msg)
}

func (c *Client) drainQueue() {
	for {
		select {
		case <-c.queue:
		default:
			return
		}
	}
}

func (c *Client) handleDisconnect() {
	c.connMu.Lock()
	wasConnected := c.connected
	c.connected = false
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	if wasConnected {
		c.logInfo("connection lost, will attempt reconnection", "url", c.cfg.URL)
	}
}

// reconnect dials until a session is open or Close is called. It reports
// whether the client is connected again.
func (c *Client) reconnect() bool {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return false
	}
	defer c.reconnecting.Store(false)

	network, address, err := ParseConnectionURL(c.cfg.URL)
	if err != nil {
		c.logError("reconnect: invalid connection URL", err)
		return false
	}

	backoff := c.cfg.ReconnectInterval
	for {
		if c.isClosed() {
			return false
		}

		attempt := c.reconnectCount.Add(1)
		c.logInfo("attempting reconnection", "url", c.cfg.URL, "attempt", attempt, "backoff", backoff.String())

		conn, err := c.dialAndOpen(network, address)
		if err != nil {
			c.logError("reconnect failed", err)
			c.errorsTotal.Add(1)

			select {
			case <-c.done.Done():
				return false
			case <-time.After(backoff):
			}
			backoff = min(time.Duration(float64(backoff)*1.5), maxReconnectInterval)
			continue
		}

		c.connMu.Lock()
		if c.isClosed() {
			c.connMu.Unlock()
			conn.Close()
			return false
		}
		c.conn = conn
		c.connected = true
		c.connMu.Unlock()

		c.reconnectCount.Store(0)
		c.reconnectsTotal.Add(1)
		c.lastActivity.Store(time.Now().Unix())
		c.logInfo("reconnection successful", "url", c.cfg.URL, "total_reconnects", c.reconnectsTotal.Load())

		c.callbackMu.RLock()
		onReconnect := c.onReconnect
		c.callbackMu.RUnlock()
		if onReconnect != nil {
			onReconnect()
		}
		return true
	}
}

func (c *Client) dialAndOpen(network, address string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s://%s: %w", network, address, err)
	}
	if err := handshake(ctx, conn, c.cfg.ReadTimeout); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	return conn, nil
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done.Done():
		return true
	default:
		return false
	}
}

// Close stops the client and waits for its goroutines. It is safe to call
// more than once.
func (c *Client) Close() error {
	c.done.Close()

	c.connMu.Lock()
	c.connected = false
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()

	c.wg.Wait()
	return nil
}

// Send encodes msg and writes it to the bus. It implements device.Sender.
func (c *Client) Send(ctx context.Context, msg frame.Tagged) error {
	id, data, err := frame.Encode(msg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	wire, err := EncodeFrame(id, data)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	c.connMu.RLock()
	conn, connected := c.conn, c.connected
	c.connMu.RUnlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: set deadline: %w", ErrSendFailed, err)
	}
	if _, err := conn.Write(wire); err != nil {
		c.errorsTotal.Add(1)
		return fmt.Errorf("%w: write %s: %w", ErrSendFailed, id, err)
	}

	c.framesTx.Add(1)
	c.lastActivity.Store(time.Now().Unix())
	return nil
}

// SetOnMessage sets the inbound frame handler. Panics in the handler are
// recovered and logged.
func (c *Client) SetOnMessage(handler MessageHandler) {
	c.callbackMu.Lock()
	c.onMessage = handler
	c.callbackMu.Unlock()
}

// SetOnReconnect sets a callback run after each successful reconnection,
// before any frame of the new session is read.
func (c *Client) SetOnReconnect(callback func()) {
	c.callbackMu.Lock()
	c.onReconnect = callback
	c.callbackMu.Unlock()
}

// SetLogger sets the logger for this client.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// IsConnected reports whether a daemon session is open.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// Stats returns current transport counters.
func (c *Client) Stats() ClientStats {
	return ClientStats{
		FramesTx:        c.framesTx.Load(),
		FramesRx:        c.framesRx.Load(),
		FramesDropped:   c.framesDropped.Load(),
		DecodeErrors:    c.decodeErrors.Load(),
		ErrorsTotal:     c.errorsTotal.Load(),
		ReconnectsTotal: c.reconnectsTotal.Load(),
		LastActivity:    time.Unix(c.lastActivity.Load(), 0),
		Connected:       c.IsConnected(),
		Reconnecting:    c.reconnecting.Load(),
	}
}

// HealthCheck reports ErrNotConnected while the session is down.
func (c *Client) HealthCheck(_ context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

func (c *Client) logInfo(msg string, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (c *Client) logDebug(msg string, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (c *Client) logError(msg string, err error) {
	if logger := c.getLogger(); logger != nil {
		logger.Error(msg, "url", c.cfg.URL, "error", err)
	}
}
