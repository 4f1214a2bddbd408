// Package tunnel owns the single persistent TCP link between the two
// buddies, serializing frame writes from the many per-flow goroutines that
// share it so a frame is always delivered as one contiguous write.
package tunnel

import (
	"net"
	"sync"

	"intap/internal/intap"
)

// Tunnel wraps the raw net.Conn carrying INTAP frames. Writes are
// mutex-serialized because many flow goroutines submit ECHO frames
// concurrently; reads have a single owner (the tunnel-reader goroutine) and
// need no locking.
type Tunnel struct {
	conn net.Conn

	wmu sync.Mutex
}

// New wraps an already-established connection as a tunnel.
func New(conn net.Conn) *Tunnel {
	return &Tunnel{conn: conn}
}

// Conn returns the underlying connection, e.g. for RemoteAddr().
func (t *Tunnel) Conn() net.Conn { return t.conn }

// SendFrame writes one complete frame to the tunnel. Safe for concurrent use.
func (t *Tunnel) SendFrame(h intap.Header, payload []byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	return intap.Encode(t.conn, h, payload)
}

// ReadFrame blocks for exactly one frame: a header read followed immediately
// by its payload read, back to back, with no partial-frame state retained
// between calls. Must only be called from the tunnel's single reader
// goroutine.
func (t *Tunnel) ReadFrame() (intap.Header, []byte, error) {
	h, err := intap.DecodeHeader(t.conn)
	if err != nil {
		return intap.Header{}, nil, err
	}
	payload, err := intap.DecodePayload(t.conn, h)
	if err != nil {
		return intap.Header{}, nil, err
	}
	return h, payload, nil
}

// Close closes the underlying connection.
func (t *Tunnel) Close() error {
	return t.conn.Close()
}
