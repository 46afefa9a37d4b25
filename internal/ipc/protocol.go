package ipc

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"net"
)

// MaxMessageSize bounds a single framed record.
const MaxMessageSize = 1 << 20

var (
	// ErrMalformed is returned for records that cannot be decoded.
	ErrMalformed = errors.New("malformed message")
	// ErrProtocol is returned for messages sent out of order.
	ErrProtocol = errors.New("protocol violation")
	// ErrUnreachable is returned when no broker answers the handshake.
	ErrUnreachable = errors.New("broker unreachable")
	// ErrClientGone is returned when a client's process has exited.
	ErrClientGone = errors.New("client process gone")
)

// Hello opens a session. The broker dials ReplyEndpoint and carries every
// later message of the session over that connection.
type Hello struct {
	PID           int32
	ReplyEndpoint string
}

// CreateSurface asks for a new layer at (X, Y) of size W x H.
type CreateSurface struct {
	X, Y, W, H int32
}

// MoveSurface moves and resizes the client's first layer.
type MoveSurface struct {
	X, Y, W, H int32
}

// DestroySurface removes the client's first layer. Name is reserved for
// addressing a specific surface and is ignored when empty.
type DestroySurface struct {
	Name string
}

// QueryStatus asks for the compositor status. Layers are listed only when
// IncludeLayers is set.
type QueryStatus struct {
	IncludeLayers bool
}

// HelloOk completes the handshake.
type HelloOk struct {
	BrokerPID int32
}

// CreateSurfaceOk carries the name to open the shared texture by.
type CreateSurfaceOk struct {
	SharedName string
}

// MoveSurfaceOk acknowledges a move. Moved is false when the client had no
// layer to move.
type MoveSurfaceOk struct {
	Moved bool
}

// DestroySurfaceOk acknowledges a destroy.
type DestroySurfaceOk struct {
	Removed int
}

// LayerStatus describes one composited layer.
type LayerStatus struct {
	PID        int32
	Name       string
	X, Y, W, H int32
}

// StatusOk describes the running compositor.
type StatusOk struct {
	MonitorID     string
	Backend       string
	Mode          string
	Frame         uint64
	FenceValue    uint64
	BackBuffer    int
	Connections   int
	UptimeSeconds int64
	Layers        []LayerStatus
}

// ErrorKind classifies an Error reply.
type ErrorKind string

const (
	ErrorKindMalformed ErrorKind = "malformed"
	ErrorKindProtocol  ErrorKind = "protocol"
	ErrorKindLayer     ErrorKind = "layer"
	ErrorKindInternal  ErrorKind = "internal"
)

// Error is the failure reply to any request.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("broker error (%s): %s", e.Kind, e.Msg)
}

// Is maps protocol and malformed replies onto the local sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrProtocol:
		return e.Kind == ErrorKindProtocol
	case ErrMalformed:
		return e.Kind == ErrorKindMalformed
	}
	return false
}

// envelope is the record body. Gob writes the registered name of Body's
// dynamic type ahead of its value.
type envelope struct {
	Body any
}

func init() {
	for _, m := range []any{
		Hello{}, CreateSurface{}, MoveSurface{}, DestroySurface{}, QueryStatus{},
		HelloOk{}, CreateSurfaceOk{}, MoveSurfaceOk{}, DestroySurfaceOk{}, StatusOk{}, Error{},
	} {
		gob.Register(m)
	}
}

// WriteMessage writes msg as one uvarint-length-prefixed record. Each
// record is encoded on its own so readers never depend on earlier type
// definitions.
func WriteMessage(w io.Writer, msg any) error {
	if e, ok := msg.(*Error); ok {
		msg = *e
	}
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(envelope{Body: msg}); err != nil {
		return fmt.Errorf("failed to encode %T: %w", msg, err)
	}
	if body.Len() > MaxMessageSize {
		return fmt.Errorf("%w: %T encodes to %d bytes", ErrMalformed, msg, body.Len())
	}
	var hdr [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(hdr[:], uint64(body.Len()))
	if _, err := w.Write(append(hdr[:n], body.Bytes()...)); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// ReadMessage reads one record written by WriteMessage. Transport errors
// are returned as is; undecodable records wrap ErrMalformed.
func ReadMessage(r *bufio.Reader) (any, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		var netErr net.Error
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.As(err, &netErr) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: bad length prefix: %v", ErrMalformed, err)
	}
	if size == 0 || size > MaxMessageSize {
		return nil, fmt.Errorf("%w: record size %d", ErrMalformed, size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated record", ErrMalformed)
		}
		return nil, err
	}
	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(buf)).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Body == nil {
		return nil, fmt.Errorf("%w: empty envelope", ErrMalformed)
	}
	if e, ok := env.Body.(Error); ok {
		return &e, nil
	}
	return env.Body, nil
}
