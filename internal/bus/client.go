package bus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
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

// Default timeouts and intervals for gateway communication.
const (
	// defaultConnectTimeout is the maximum time to wait for initial connection.
	defaultConnectTimeout = 10 * time.Second

	// defaultReadTimeout is the timeout for individual read operations.
	// RS485 wallpad buses are chatty (status broadcasts every few seconds),
	// so a full timeout usually means the gateway went away.
	defaultReadTimeout = 30 * time.Second

	// defaultWriteTimeout is the timeout for write operations.
	defaultWriteTimeout = 5 * time.Second

	// defaultReconnectInterval is the initial delay between reconnection attempts.
	defaultReconnectInterval = 5 * time.Second

	// maxReconnectInterval is the maximum delay between reconnection attempts.
	maxReconnectInterval = 2 * time.Minute

	// readBufferSize is the read chunk size. Wallpad frames are at most a
	// few dozen bytes; one read typically carries several frames.
	readBufferSize = 512

	// chunkQueueSize is the buffer size for the received-chunk queue.
	chunkQueueSize = 100
)

// Config holds gateway connection configuration.
type Config struct {
	// Connection is the gateway connection URL.
	// Supported formats:
	//   - "tcp://192.168.1.30:8899" (network serial adapter)
	//   - "unix:///run/rs485" (local socket relay)
	Connection string

	// ConnectTimeout is the maximum time to wait for connection.
	// Default: 10 seconds.
	ConnectTimeout time.Duration

	// ReadTimeout is the timeout for read operations. Default: 30 seconds.
	ReadTimeout time.Duration

	// ReconnectInterval is the initial delay between reconnection attempts.
	// Default: 5 seconds.
	ReconnectInterval time.Duration
}

// Stats holds operational statistics.
type Stats struct {
	BytesRx         uint64
	BytesTx         uint64
	ChunksDropped   uint64 // chunks dropped due to a full delivery queue
	ErrorsTotal     uint64
	ReconnectsTotal uint64
	LastActivity    time.Time
	Connected       bool
	Reconnecting    bool
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Connector is the gateway interface the bridge depends on.
// This allows substituting a fake gateway in tests.
type Connector interface {
	Write(ctx context.Context, frame []byte) error
	SetOnData(callback func(chunk []byte))
	IsConnected() bool
	Stats() Stats
	Close() error
}

// Ensure Client implements Connector.
var _ Connector = (*Client)(nil)

// Client provides the connection to the RS485 gateway.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Data callbacks are invoked from a single dedicated goroutine, so the
//     consumer's stream decoder needs no locking.
//
// Auto-Reconnection:
//   - When the connection is lost, the client reconnects automatically with
//     exponential backoff from ReconnectInterval up to maxReconnectInterval.
//   - Reconnection stops only when Close() is called.
type Client struct {
	cfg  Config
	conn net.Conn

	connMu    sync.RWMutex
	connected bool

	reconnecting   atomic.Bool
	reconnectCount atomic.Int32

	onData     func([]byte)
	callbackMu sync.RWMutex

	// chunkQueue decouples the socket read loop from the consumer.
	// A single worker preserves byte-stream order.
	chunkQueue chan []byte

	done *closeOnce
	wg   sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex

	bytesRx         atomic.Uint64
	bytesTx         atomic.Uint64
	chunksDropped   atomic.Uint64
	errorsTotal     atomic.Uint64
	reconnectsTotal atomic.Uint64
	lastActivity    atomic.Int64 // Unix timestamp
}

// Connect establishes the connection to the RS485 gateway.
//
// The connection URL determines the transport:
//   - "tcp://192.168.1.30:8899" → TCP socket
//   - "unix:///run/rs485" → Unix socket
//
// After connecting it starts the receive loop and the chunk delivery worker.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}

	network, address, err := parseConnectionURL(cfg.Connection)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	connectCtx := ctx
	if connectCtx == nil {
		connectCtx = context.Background()
	}
	connectCtx, cancel := context.WithTimeout(connectCtx, cfg.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(connectCtx, network, address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial failed: %w", ErrConnectionFailed, err)
	}

	client := &Client{
		cfg:        cfg,
		conn:       conn,
		done:       newCloseOnce(),
		chunkQueue: make(chan []byte, chunkQueueSize),
	}
	client.lastActivity.Store(time.Now().Unix())

	client.connMu.Lock()
	client.connected = true
	client.connMu.Unlock()

	client.wg.Add(1)
	go client.deliveryWorker()

	client.wg.Add(1)
	go client.receiveLoop()

	return client, nil
}

// parseConnectionURL parses a gateway connection URL into network and address.
func parseConnectionURL(connURL string) (network, address string, err error) {
	u, err := url.Parse(connURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case "unix":
		return "unix", u.Path, nil
	case "tcp":
		if u.Host == "" {
			return "", "", fmt.Errorf("tcp URL %q missing host", connURL)
		}
		return "tcp", u.Host, nil
	default:
		return "", "", fmt.Errorf("unsupported scheme %q (use tcp or unix)", u.Scheme)
	}
}

// receiveLoop continuously reads byte chunks from the gateway.
// On connection loss it reconnects with exponential backoff.
func (c *Client) receiveLoop() {
	defer c.wg.Done()

	buf := make([]byte, readBufferSize)

	for {
		select {
		case <-c.done.Done():
			return
		default:
		}

		n, err := c.readChunk(buf)
		if err != nil {
			if c.handleReadError(err) {
				if c.isClosed() {
					return
				}
				if !c.reconnect() {
					return
				}
			}
			continue
		}

		if n > 0 {
			c.handleChunk(buf[:n])
		}
	}
}

// readChunk reads one chunk of raw bytes from the connection.
// The stream has no transport framing, so any positive read is valid.
func (c *Client) readChunk(buf []byte) (int, error) {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()

	if conn == nil {
		return 0, ErrNotConnected
	}

	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
		return 0, fmt.Errorf("set deadline: %w", err)
	}

	n, err := conn.Read(buf)
	if err != nil {
		return 0, fmt.Errorf("read: %w", err)
	}
	return n, nil
}

// handleReadError processes a read error and returns true if the connection
// must be re-established.
func (c *Client) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	if c.isClosed() {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		// A quiet bus is unusual but not fatal; keep reading.
		return false
	}

	c.logError("read failed", err)
	c.errorsTotal.Add(1)
	c.handleDisconnect()
	return true
}

// handleChunk copies a received chunk and queues it for delivery.
func (c *Client) handleChunk(chunk []byte) {
	c.bytesRx.Add(uint64(len(chunk)))
	c.lastActivity.Store(time.Now().Unix())

	c.callbackMu.RLock()
	hasCallback := c.onData != nil
	c.callbackMu.RUnlock()

	if !hasCallback {
		return
	}

	// Copy out of the shared read buffer before queueing.
	data := make([]byte, len(chunk))
	copy(data, chunk)

	select {
	case c.chunkQueue <- data:
	default:
		// Queue full, drop the chunk rather than block the read loop.
		// The frame decoder resynchronises on the next clean header.
		c.logError("delivery queue full, dropping chunk", nil)
		c.chunksDropped.Add(1)
		c.errorsTotal.Add(1)
	}
}

// deliveryWorker delivers queued chunks to the data callback.
// A single worker keeps chunks in arrival order.
func (c *Client) deliveryWorker() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done.Done():
			c.drainChunkQueue()
			return
		case chunk := <-c.chunkQueue:
			c.callbackMu.RLock()
			callback := c.onData
			c.callbackMu.RUnlock()

			if callback != nil {
				func() {
					defer func() {
						if r := recover(); r != nil {
							c.logError("data callback panic", fmt.Errorf("%v", r))
						}
					}()
					callback(chunk)
				}()
			}
		}
	}
}

// handleDisconnect records connection loss before reconnection starts.
func (c *Client) handleDisconnect() {
	c.connMu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.connMu.Unlock()

	if wasConnected {
		c.logInfo("connection lost, will attempt reconnection")
	}
}

// reconnect re-establishes the gateway connection with exponential backoff.
// Returns true if reconnection succeeded, false if shutdown was signalled.
func (c *Client) reconnect() bool {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return c.waitForReconnection()
	}
	defer c.reconnecting.Store(false)

	network, address, err := parseConnectionURL(c.cfg.Connection)
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
		c.logInfo("attempting reconnection", "attempt", attempt, "backoff", backoff.String())

		c.closeOldConnection()

		conn, err := c.dialWithTimeout(network, address)
		if err != nil {
			backoff = c.handleReconnectFailure(err, backoff)
			if backoff == 0 {
				return false
			}
			continue
		}

		c.connMu.Lock()
		c.conn = conn
		c.connected = true
		c.connMu.Unlock()

		c.reconnectCount.Store(0)
		c.reconnectsTotal.Add(1)
		c.lastActivity.Store(time.Now().Unix())

		c.logInfo("reconnection successful", "total_reconnects", c.reconnectsTotal.Load())
		return true
	}
}

// waitForReconnection waits for another goroutine to complete reconnection.
func (c *Client) waitForReconnection() bool {
	for c.reconnecting.Load() && !c.isClosed() {
		time.Sleep(100 * time.Millisecond)
	}
	return !c.isClosed() && c.IsConnected()
}

// closeOldConnection closes the existing connection if any.
func (c *Client) closeOldConnection() {
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()
}

// dialWithTimeout dials the gateway address with the connect timeout.
func (c *Client) dialWithTimeout(network, address string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s://%s: %w", network, address, err)
	}
	return conn, nil
}

// handleReconnectFailure waits out the backoff after a failed attempt.
// Returns the next backoff duration, or 0 if shutdown was signalled.
func (c *Client) handleReconnectFailure(err error, backoff time.Duration) time.Duration {
	c.logError("reconnect failed", err)
	c.errorsTotal.Add(1)

	select {
	case <-c.done.Done():
		return 0
	case <-time.After(backoff):
	}

	newBackoff := time.Duration(float64(backoff) * 1.5)
	if newBackoff > maxReconnectInterval {
		newBackoff = maxReconnectInterval
	}
	return newBackoff
}

// drainChunkQueue discards remaining queued chunks during shutdown.
func (c *Client) drainChunkQueue() {
	for {
		select {
		case <-c.chunkQueue:
		default:
			return
		}
	}
}

// isClosed returns true if the client has been closed.
func (c *Client) isClosed() bool {
	select {
	case <-c.done.Done():
		return true
	default:
		return false
	}
}

// Close gracefully closes the connection.
//
// It signals the receive loop to stop, closes the socket to unblock any
// pending read, and waits for the worker goroutines. Safe to call multiple
// times.
func (c *Client) Close() error {
	c.done.Close()

	c.connMu.Lock()
	c.connected = false
	conn := c.conn
	c.connMu.Unlock()

	if conn != nil {
		conn.Close()
	}

	c.wg.Wait()

	c.logInfo("connection closed")
	return nil
}

// Write sends an encoded frame to the bus.
//
// Commands are fire-and-forget at this layer: a successful write only means
// the gateway accepted the bytes. Confirmation arrives later as an ordinary
// status frame on the bus.
func (c *Client) Write(ctx context.Context, frame []byte) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrWriteFailed, ctx.Err())
	default:
	}

	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}

	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: set deadline: %w", ErrWriteFailed, err)
	}

	if _, err := conn.Write(frame); err != nil {
		c.errorsTotal.Add(1)
		return fmt.Errorf("%w: write: %w", ErrWriteFailed, err)
	}

	c.bytesTx.Add(uint64(len(frame)))
	c.lastActivity.Store(time.Now().Unix())

	return nil
}

// SetOnData sets the callback for received byte chunks.
//
// The callback runs on a single dedicated goroutine, preserving arrival
// order. Panics in the callback are recovered and logged.
func (c *Client) SetOnData(callback func(chunk []byte)) {
	c.callbackMu.Lock()
	c.onData = callback
	c.callbackMu.Unlock()
}

// SetLogger sets the logger for this client.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// IsConnected returns true if connected to the gateway.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// Stats returns current operational statistics.
func (c *Client) Stats() Stats {
	return Stats{
		BytesRx:         c.bytesRx.Load(),
		BytesTx:         c.bytesTx.Load(),
		ChunksDropped:   c.chunksDropped.Load(),
		ErrorsTotal:     c.errorsTotal.Load(),
		ReconnectsTotal: c.reconnectsTotal.Load(),
		LastActivity:    time.Unix(c.lastActivity.Load(), 0),
		Connected:       c.IsConnected(),
		Reconnecting:    c.reconnecting.Load(),
	}
}

// logInfo logs an info message if a logger is set.
func (c *Client) logInfo(msg string, keysAndValues ...any) {
	c.loggerMu.RLock()
	logger := c.logger
	c.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logError logs an error message if a logger is set.
func (c *Client) logError(msg string, err error) {
	c.loggerMu.RLock()
	logger := c.logger
	c.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
