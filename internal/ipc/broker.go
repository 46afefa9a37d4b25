package ipc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/shirou/gopsutil/process"
)

// SurfaceHost applies client requests to the compositor. It is only called
// from Broker.Tick.
type SurfaceHost interface {
	// CreateSurface creates a layer for pid and returns its shared name.
	CreateSurface(pid int32, x, y, w, h int32) (string, error)
	// MoveSurface moves the first layer of pid. It reports false when pid
	// has no layer.
	MoveSurface(pid int32, x, y, w, h int32) (bool, error)
	// DestroySurface removes the first layer of pid.
	DestroySurface(pid int32) int
	// DropClient removes every layer of pid.
	DropClient(pid int32) int
	Status(includeLayers bool) StatusOk
}

// ProcessAlive reports whether pid names a running process.
func ProcessAlive(pid int32) bool {
	ok, err := process.PidExists(pid)
	return err == nil && ok
}

const (
	defaultHandshakeTimeout = 2 * time.Second
	defaultReconnectGrace   = 250 * time.Millisecond
	defaultWriteTimeout     = time.Second
	inboxDepth              = 16
)

// BrokerOptions configure a Broker.
type BrokerOptions struct {
	Logger *slog.Logger
	// HandshakeTimeout bounds reading a Hello, dialing back and writing
	// HelloOk.
	HandshakeTimeout time.Duration
	// ReconnectGrace is how long a Hello from a pid that still has a
	// session waits for that session to close before it is rejected.
	ReconnectGrace time.Duration
	// ProcessAlive probes client liveness. Defaults to ProcessAlive.
	ProcessAlive func(pid int32) bool
}

type inbound struct {
	msg any
	err error
}

// hello is a dialed-back session waiting to be admitted by Tick.
type hello struct {
	msg      Hello
	conn     net.Conn
	deadline time.Time
}

// connection is the broker side of one client session.
type connection struct {
	pid  int32
	conn net.Conn
	in   chan inbound
	done chan struct{}
}

func (c *connection) readLoop() {
	r := bufio.NewReader(c.conn)
	for {
		msg, err := ReadMessage(r)
		select {
		case c.in <- inbound{msg: msg, err: err}:
		case <-c.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *connection) close() error {
	close(c.done)
	return c.conn.Close()
}

// Broker accepts client sessions on a rendezvous endpoint and turns their
// requests into SurfaceHost calls. Sockets are read by background
// goroutines that only decode records; every session and layer change
// happens in Tick, on the caller's goroutine.
type Broker struct {
	endpoint string
	host     SurfaceHost
	logger   *slog.Logger
	opts     BrokerOptions

	listener net.Listener
	hellos   chan hello
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	pending []hello
	conns   []*connection
	start   time.Time
}

// NewBroker listens on endpoint.
func NewBroker(endpoint string, host SurfaceHost, opts BrokerOptions) (*Broker, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.ReconnectGrace <= 0 {
		opts.ReconnectGrace = defaultReconnectGrace
	}
	if opts.ProcessAlive == nil {
		opts.ProcessAlive = ProcessAlive
	}
	l, err := Listen(endpoint)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		endpoint: endpoint,
		host:     host,
		logger:   opts.Logger,
		opts:     opts,
		listener: l,
		hellos:   make(chan hello, inboxDepth),
		ctx:      ctx,
		cancel:   cancel,
		start:    time.Now(),
	}
	b.wg.Add(1)
	go b.acceptLoop()
	b.logger.Info("broker listening", "endpoint", endpoint)
	return b, nil
}

// Endpoint returns the rendezvous endpoint.
func (b *Broker) Endpoint() string { return b.endpoint }

// Connections returns the number of live sessions.
func (b *Broker) Connections() int { return len(b.conns) }

// Uptime returns the time since the broker started listening.
func (b *Broker) Uptime() time.Duration { return time.Since(b.start) }

func (b *Broker) acceptLoop() {
	defer b.wg.Done()
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			if b.ctx.Err() != nil {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			b.logger.Warn("rendezvous accept failed", "error", err)
			continue
		}
		b.wg.Add(1)
		go b.readHello(conn)
	}
}

// readHello reads the single record of a rendezvous connection and dials
// the client's reply endpoint. Only the dialed session reaches Tick.
func (b *Broker) readHello(conn net.Conn) {
	defer b.wg.Done()
	conn.SetDeadline(time.Now().Add(b.opts.HandshakeTimeout))
	msg, err := ReadMessage(bufio.NewReader(conn))
	if err != nil {
		b.logger.Warn("rendezvous read failed", "error", err)
		if errors.Is(err, ErrMalformed) {
			WriteMessage(conn, &Error{Kind: ErrorKindMalformed, Msg: err.Error()})
		}
		conn.Close()
		return
	}
	h, ok := msg.(Hello)
	if !ok {
		b.logger.Warn("rendezvous message before hello", "type", fmt.Sprintf("%T", msg))
		WriteMessage(conn, &Error{Kind: ErrorKindProtocol, Msg: fmt.Sprintf("%T before Hello", msg)})
		conn.Close()
		return
	}
	conn.Close()

	ctx, cancel := context.WithTimeout(b.ctx, b.opts.HandshakeTimeout)
	defer cancel()
	reply, err := Dial(ctx, h.ReplyEndpoint)
	if err != nil {
		b.logger.Warn("client endpoint unreachable", "pid", h.PID, "endpoint", h.ReplyEndpoint, "error", err)
		return
	}
	select {
	case b.hellos <- hello{msg: h, conn: reply, deadline: time.Now().Add(b.opts.ReconnectGrace)}:
	case <-b.ctx.Done():
		reply.Close()
	}
}

// Tick runs one non-blocking round: receive and dispatch at most one
// request per session, then admit pending sessions. Sessions whose
// transport failed or whose process exited are dropped along with their
// layers before new sessions are admitted, so a client may close and
// reconnect under the same pid.
func (b *Broker) Tick() {
	live := b.conns[:0]
	for _, c := range b.conns {
		if err := b.service(c); err != nil {
			b.drop(c, err)
			continue
		}
		live = append(live, c)
	}
	clear(b.conns[len(live):])
	b.conns = live

	b.admit(time.Now())
}

func (b *Broker) admit(now time.Time) {
drain:
	for {
		select {
		case h := <-b.hellos:
			b.pending = append(b.pending, h)
		default:
			break drain
		}
	}
	waiting := b.pending[:0]
	for _, h := range b.pending {
		if !b.handshake(h, now) {
			waiting = append(waiting, h)
		}
	}
	clear(b.pending[len(waiting):])
	b.pending = waiting
}

// handshake answers a dialed-back Hello. It reports false when h must wait
// for an earlier session of the same pid to close.
func (b *Broker) handshake(h hello, now time.Time) bool {
	logger := b.logger.With("pid", h.msg.PID)
	conn := h.conn
	conn.SetWriteDeadline(now.Add(defaultWriteTimeout))

	var reject *Error
	switch {
	case h.msg.PID <= 0:
		reject = &Error{Kind: ErrorKindProtocol, Msg: fmt.Sprintf("invalid pid %d", h.msg.PID)}
	case b.lookup(h.msg.PID) != nil:
		if now.Before(h.deadline) {
			return false
		}
		reject = &Error{Kind: ErrorKindProtocol, Msg: fmt.Sprintf("pid %d already connected", h.msg.PID)}
	}
	if reject != nil {
		logger.Warn("hello rejected", "reason", reject.Msg)
		WriteMessage(conn, reject)
		conn.Close()
		return true
	}
	if err := WriteMessage(conn, HelloOk{BrokerPID: int32(os.Getpid())}); err != nil {
		logger.Warn("hello reply failed", "error", err)
		conn.Close()
		return true
	}
	conn.SetWriteDeadline(time.Time{})

	c := &connection{
		pid:  h.msg.PID,
		conn: conn,
		in:   make(chan inbound, inboxDepth),
		done: make(chan struct{}),
	}
	b.conns = append(b.conns, c)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		c.readLoop()
	}()
	logger.Info("client connected", "connections", len(b.conns))
	return true
}

func (b *Broker) lookup(pid int32) *connection {
	i := slices.IndexFunc(b.conns, func(c *connection) bool { return c.pid == pid })
	if i < 0 {
		return nil
	}
	return b.conns[i]
}

// service receives at most one request from c. A nil return keeps the
// session.
func (b *Broker) service(c *connection) error {
	var in inbound
	select {
	case in = <-c.in:
	default:
		if !b.opts.ProcessAlive(c.pid) {
			return ErrClientGone
		}
		return nil
	}
	if in.err != nil {
		if errors.Is(in.err, ErrMalformed) {
			b.reply(c, &Error{Kind: ErrorKindMalformed, Msg: in.err.Error()})
		}
		return in.err
	}

	resp, err := b.dispatch(c, in.msg)
	if err != nil {
		b.reply(c, &Error{Kind: ErrorKindProtocol, Msg: err.Error()})
		return err
	}
	return b.reply(c, resp)
}

func (b *Broker) reply(c *connection, resp any) error {
	c.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	return WriteMessage(c.conn, resp)
}

func (b *Broker) dispatch(c *connection, msg any) (any, error) {
	logger := b.logger.With("pid", c.pid)
	switch m := msg.(type) {
	case CreateSurface:
		name, err := b.host.CreateSurface(c.pid, m.X, m.Y, m.W, m.H)
		if err != nil {
			logger.Warn("create surface failed", "error", err)
			return &Error{Kind: ErrorKindLayer, Msg: err.Error()}, nil
		}
		logger.Info("surface created", "surface", name, "x", m.X, "y", m.Y, "w", m.W, "h", m.H)
		return CreateSurfaceOk{SharedName: name}, nil
	case MoveSurface:
		moved, err := b.host.MoveSurface(c.pid, m.X, m.Y, m.W, m.H)
		if err != nil {
			logger.Warn("move surface failed", "error", err)
			return &Error{Kind: ErrorKindLayer, Msg: err.Error()}, nil
		}
		return MoveSurfaceOk{Moved: moved}, nil
	case DestroySurface:
		return DestroySurfaceOk{Removed: b.host.DestroySurface(c.pid)}, nil
	case QueryStatus:
		st := b.host.Status(m.IncludeLayers)
		st.Connections = len(b.conns)
		st.UptimeSeconds = int64(b.Uptime().Seconds())
		return st, nil
	case Hello:
		return nil, fmt.Errorf("%w: Hello on an established session", ErrProtocol)
	default:
		return nil, fmt.Errorf("%w: unexpected %T", ErrProtocol, msg)
	}
}

func (b *Broker) drop(c *connection, cause error) {
	removed := b.host.DropClient(c.pid)
	c.close()
	level := slog.LevelWarn
	if errors.Is(cause, io.EOF) || errors.Is(cause, net.ErrClosed) {
		level = slog.LevelInfo
	}
	b.logger.Log(context.Background(), level, "client disconnected",
		"pid", c.pid,
		"layers_removed", removed,
		"reason", cause,
	)
}

// Close stops accepting sessions and closes every session. Layers are left
// to the host.
func (b *Broker) Close() error {
	if b.ctx.Err() != nil {
		return nil
	}
	b.cancel()
	var result *multierror.Error
	result = multierror.Append(result, b.listener.Close())
	for _, c := range b.conns {
		if err := c.close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, err)
		}
	}
	b.conns = nil
	for _, h := range b.pending {
		h.conn.Close()
	}
	b.pending = nil
	b.wg.Wait()
	for {
		select {
		case h := <-b.hellos:
			h.conn.Close()
		default:
			return result.ErrorOrNil()
		}
	}
}
