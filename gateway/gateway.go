// Package gateway sends gateway commands over a websocket through a
// rate-limit dispatcher.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vinayprograms/dispatchkit/logging"
	"github.com/vinayprograms/dispatchkit/ratelimit"
	"github.com/vinayprograms/dispatchkit/shutdown"
)

// ErrClosed is returned by Send after the connection is closed.
var ErrClosed = errors.New("gateway connection closed")

// Config configures a connection.
type Config struct {
	// WriteTimeout bounds each frame write.
	// Default: 10 seconds
	WriteTimeout time.Duration

	// HandshakeTimeout bounds Dial.
	// Default: 10 seconds
	HandshakeTimeout time.Duration

	// MaxMessageSize limits inbound frames.
	// Default: 4MB
	MaxMessageSize int64

	// RecvBufferSize is the capacity of the Recv channel.
	// Default: 256
	RecvBufferSize int

	// Logger records connection events. Default: discard
	Logger *logging.Logger
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:     10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		MaxMessageSize:   4 << 20,
		RecvBufferSize:   256,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.RecvBufferSize <= 0 {
		c.RecvBufferSize = def.RecvBufferSize
	}
	if c.Logger == nil {
		c.Logger = logging.Discard()
	}
	return c
}

// Conn is one gateway session. Sends are admitted by the dispatcher's
// gateway buckets and written one frame at a time.
type Conn struct {
	ws     *websocket.Conn
	d      *ratelimit.Dispatcher
	config Config
	logger *logging.Logger

	recv chan *Payload
	seq  atomic.Int64 // last dispatch sequence, -1 before the first

	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup

	writeMu sync.Mutex
	closed  atomic.Bool
}

// Dial connects to url. The dispatcher's gateway buckets are reset so the
// new session starts with fresh windows.
func Dial(ctx context.Context, url string, d *ratelimit.Dispatcher, config Config) (*Conn, error) {
	config = config.withDefaults()

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = config.HandshakeTimeout

	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	d.ResetGateway()
	return NewConn(ws, d, config), nil
}

// NewConn wraps an established websocket and starts reading from it.
func NewConn(ws *websocket.Conn, d *ratelimit.Dispatcher, config Config) *Conn {
	config = config.withDefaults()
	ws.SetReadLimit(config.MaxMessageSize)

	ctx, cancel := context.WithCancelCause(context.Background())
	c := &Conn{
		ws:     ws,
		d:      d,
		config: config,
		logger: config.Logger.WithComponent("gateway"),
		recv:   make(chan *Payload, config.RecvBufferSize),
		ctx:    ctx,
		cancel: cancel,
	}
	c.seq.Store(-1)

	c.wg.Add(1)
	go c.readLoop()

	return c
}

// Recv returns inbound payloads. It is closed when the connection ends.
func (c *Conn) Recv() <-chan *Payload {
	return c.recv
}

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Seq returns the last dispatch sequence number, or nil before the first.
func (c *Conn) Seq() *int64 {
	s := c.seq.Load()
	if s < 0 {
		return nil
	}
	return &s
}

// Send admits cmd through its gateway bucket and writes it. Sends still
// queued when the connection closes fail with CANCELED.
func (c *Conn) Send(ctx context.Context, cmd Command) error {
	if c.closed.Load() {
		return ErrClosed
	}
	data, err := cmd.marshal()
	if err != nil {
		return err
	}

	caller := ctx
	ctx, cancel := context.WithCancelCause(c.ctx)
	defer cancel(nil)
	stop := context.AfterFunc(caller, func() { cancel(context.Cause(caller)) })
	defer stop()

	key, ignoreLimit := BucketFor(cmd.Op)
	return c.d.Submit(ctx, &ratelimit.Request{
		Key:         &key,
		IgnoreLimit: ignoreLimit,
		Send: func(context.Context) (ratelimit.Feedback, error) {
			return ratelimit.Feedback{}, c.write(data)
		},
	})
}

// Heartbeat sends OpHeartbeat with the last sequence number every
// interval until ctx is done or the connection closes.
func (c *Conn) Heartbeat(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ctx.Done():
			return ErrClosed
		case <-ticker.C:
			if err := c.Send(ctx, Command{Op: OpHeartbeat, Data: c.Seq()}); err != nil {
				c.logger.Warn("heartbeat_failed", map[string]interface{}{"error": err.Error()})
				return err
			}
		}
	}
}

func (c *Conn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return ErrClosed
	}
	c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) readLoop() {
	defer c.wg.Done()
	defer close(c.recv)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !c.closed.Load() {
				c.logger.Info("connection_lost", map[string]interface{}{"error": err.Error()})
			}
			c.cancel(ErrClosed)
			return
		}

		var p Payload
		if err := json.Unmarshal(data, &p); err != nil {
			c.logger.Debug("malformed_payload", map[string]interface{}{"error": err.Error()})
			continue
		}
		if p.Op == OpDispatch && p.Seq != nil {
			c.seq.Store(*p.Seq)
		}

		select {
		case c.recv <- &p:
		case <-c.ctx.Done():
			return
		}
	}
}

// Close sends a normal closure and closes the socket. Queued sends are
// cancelled.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel(ErrClosed)

	c.writeMu.Lock()
	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()

	err := c.ws.Close()
	c.wg.Wait()
	return err
}

// OnShutdown implements shutdown.ShutdownHandler.
func (c *Conn) OnShutdown(context.Context) error {
	return c.Close()
}

var _ shutdown.ShutdownHandler = (*Conn)(nil)
