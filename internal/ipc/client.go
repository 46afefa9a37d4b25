package ipc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/1broseidon/surfacecomposer/internal/gpu"
)

const (
	// DefaultHandshakeTimeout bounds Connect.
	DefaultHandshakeTimeout = 5 * time.Second
	// DefaultRequestTimeout bounds each request/reply exchange.
	DefaultRequestTimeout = 5 * time.Second
	// DefaultWriteTimeout bounds the keyed mutex wait of Surface.Update.
	DefaultWriteTimeout = time.Second
)

// ClientOptions configure Connect.
type ClientOptions struct {
	Logger *slog.Logger
	// PID identifies the session. Defaults to the process id.
	PID              int32
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
}

// Client is a session with a broker.
type Client struct {
	pid     int32
	timeout time.Duration
	logger  *slog.Logger

	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
}

// Connect performs the handshake with the broker at endpoint: it listens on
// its own pid endpoint, sends Hello to the rendezvous endpoint and waits for
// the broker to dial back with HelloOk. Any failure to complete within the
// handshake timeout is ErrUnreachable; nothing allocated is left behind.
func Connect(ctx context.Context, endpoint string, opts ClientOptions) (_ *Client, err error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.PID == 0 {
		opts.PID = int32(os.Getpid())
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, opts.HandshakeTimeout)
	defer cancel()

	replyEndpoint := PIDEndpoint(opts.PID)
	l, err := Listen(replyEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to open reply endpoint: %w", err)
	}
	defer l.Close()

	rv, err := Dial(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, endpoint, err)
	}
	if dl, ok := ctx.Deadline(); ok {
		rv.SetDeadline(dl)
	}
	err = WriteMessage(rv, Hello{PID: opts.PID, ReplyEndpoint: replyEndpoint})
	rv.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	conn, err := acceptContext(ctx, l)
	if err != nil {
		return nil, fmt.Errorf("%w: no reply from %s: %v", ErrUnreachable, endpoint, err)
	}
	defer func() {
		if err != nil {
			conn.Close()
		}
	}()
	if dl, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(dl)
	}
	r := bufio.NewReader(conn)
	msg, err := ReadMessage(r)
	if err != nil {
		return nil, fmt.Errorf("%w: reading HelloOk: %v", ErrUnreachable, err)
	}
	switch m := msg.(type) {
	case HelloOk:
		conn.SetReadDeadline(time.Time{})
		opts.Logger.Debug("connected to broker", "endpoint", endpoint, "broker_pid", m.BrokerPID)
	case *Error:
		return nil, m
	default:
		return nil, fmt.Errorf("%w: expected HelloOk, got %T", ErrProtocol, msg)
	}

	return &Client{
		pid:     opts.PID,
		timeout: opts.RequestTimeout,
		logger:  opts.Logger,
		conn:    conn,
		r:       r,
	}, nil
}

// acceptContext accepts one connection or gives up when ctx is done.
func acceptContext(ctx context.Context, l net.Listener) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.Accept()
		ch <- result{conn, err}
	}()
	select {
	case res := <-ch:
		return res.conn, res.err
	case <-ctx.Done():
		l.Close()
		if res := <-ch; res.conn != nil {
			res.conn.Close()
		}
		return nil, ctx.Err()
	}
}

// PID returns the session's pid.
func (c *Client) PID() int32 { return c.pid }

// roundTrip sends req and reads one reply. Error replies are returned as
// *Error.
func (c *Client) roundTrip(req any) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, net.ErrClosed
	}
	c.conn.SetDeadline(time.Now().Add(c.timeout))
	defer c.conn.SetDeadline(time.Time{})
	if err := WriteMessage(c.conn, req); err != nil {
		return nil, fmt.Errorf("failed to send %T: %w", req, err)
	}
	resp, err := ReadMessage(c.r)
	if err != nil {
		return nil, fmt.Errorf("failed to read reply to %T: %w", req, err)
	}
	if e, ok := resp.(*Error); ok {
		return nil, e
	}
	return resp, nil
}

func unexpected(req, resp any) error {
	return fmt.Errorf("%w: %T answered with %T", ErrProtocol, req, resp)
}

// CreateSurface asks the broker for a surface at (x, y) of size w x h.
func (c *Client) CreateSurface(x, y, w, h int32) (*Surface, error) {
	req := CreateSurface{X: x, Y: y, W: w, H: h}
	resp, err := c.roundTrip(req)
	if err != nil {
		return nil, err
	}
	ok, isOk := resp.(CreateSurfaceOk)
	if !isOk {
		return nil, unexpected(req, resp)
	}
	return &Surface{client: c, Name: ok.SharedName, X: x, Y: y, W: w, H: h}, nil
}

// MoveSurface moves s. The broker applies moves to the session's first
// surface.
func (c *Client) MoveSurface(s *Surface, x, y, w, h int32) error {
	req := MoveSurface{X: x, Y: y, W: w, H: h}
	resp, err := c.roundTrip(req)
	if err != nil {
		return err
	}
	if _, ok := resp.(MoveSurfaceOk); !ok {
		return unexpected(req, resp)
	}
	s.X, s.Y, s.W, s.H = x, y, w, h
	return nil
}

// DestroySurface removes the session's first surface and returns how many
// layers were removed.
func (c *Client) DestroySurface() (int, error) {
	req := DestroySurface{}
	resp, err := c.roundTrip(req)
	if err != nil {
		return 0, err
	}
	ok, isOk := resp.(DestroySurfaceOk)
	if !isOk {
		return 0, unexpected(req, resp)
	}
	return ok.Removed, nil
}

// Status queries the compositor status.
func (c *Client) Status(includeLayers bool) (*StatusOk, error) {
	req := QueryStatus{IncludeLayers: includeLayers}
	resp, err := c.roundTrip(req)
	if err != nil {
		return nil, err
	}
	st, ok := resp.(StatusOk)
	if !ok {
		return nil, unexpected(req, resp)
	}
	return &st, nil
}

// Close ends the session. The broker removes the session's layers.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Surface is a client's handle on one composited layer.
type Surface struct {
	client *Client
	// Name is the shared texture name.
	Name       string
	X, Y, W, H int32

	tex   *gpu.Texture
	mutex *gpu.KeyedMutex
}

// Move moves the surface.
func (s *Surface) Move(x, y, w, h int32) error {
	return s.client.MoveSurface(s, x, y, w, h)
}

// Open opens the shared texture on dev with read and write access.
func (s *Surface) Open(dev *gpu.Device) (*gpu.Texture, error) {
	if s.tex != nil {
		return s.tex, nil
	}
	tex, err := dev.OpenSharedResourceByName(s.Name, gpu.AccessReadWrite)
	if err != nil {
		return nil, fmt.Errorf("failed to open surface %s: %w", s.Name, err)
	}
	km, err := tex.KeyedMutex()
	if err != nil {
		tex.Close()
		return nil, err
	}
	s.tex, s.mutex = tex, km
	return tex, nil
}

// Update runs fn with the surface's keyed mutex held under key 0.
func (s *Surface) Update(timeout time.Duration, fn func(tex *gpu.Texture) error) error {
	if s.tex == nil {
		return errors.New("surface not opened")
	}
	if err := s.mutex.AcquireSync(0, timeout); err != nil {
		return err
	}
	err := fn(s.tex)
	if rerr := s.mutex.ReleaseSync(0); rerr != nil {
		err = multierror.Append(err, rerr).ErrorOrNil()
	}
	return err
}

// WriteImage draws img at at.
func (s *Surface) WriteImage(img image.Image, at image.Point) error {
	return s.Update(DefaultWriteTimeout, func(tex *gpu.Texture) error {
		return tex.WriteImage(img, at)
	})
}

// Close closes the shared texture, if opened. The layer stays until the
// session ends or DestroySurface is called.
func (s *Surface) Close() error {
	if s.tex == nil {
		return nil
	}
	err := s.tex.Close()
	s.tex, s.mutex = nil, nil
	return err
}
