// Package intap implements the INTAP v1.1 wire framing shared by local-buddy
// and remote-buddy: a fixed 36-byte header followed by a variable-length
// payload.
package intap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Command identifies the kind of frame carried on the tunnel.
type Command uint16

const (
	CmdHello      Command = 1
	CmdByeBye     Command = 2
	CmdDBConnect  Command = 3
	CmdCLIConnect Command = 4
	CmdEcho       Command = 5
)

func (c Command) String() string {
	switch c {
	case CmdHello:
		return "HELLO"
	case CmdByeBye:
		return "BYEBYE"
	case CmdDBConnect:
		return "DB_CONNECT"
	case CmdCLIConnect:
		return "CLI_CONNECT"
	case CmdEcho:
		return "ECHO"
	default:
		return fmt.Sprintf("CMD(%d)", uint16(c))
	}
}

// Signature is the 8-byte sentinel that opens every frame: "INTAP11" plus a
// trailing NUL. Its bytes never change, so the first 8 bytes of any frame
// double as a resync sentinel (spec: "signature is always bit-identical to
// INTAP11\0").
var Signature = [8]byte{'I', 'N', 'T', 'A', 'P', '1', '1', 0}

const (
	ipFieldLen = 16
	// HeaderSize is the fixed, wire-exact size of an INTAP v1.1 header.
	HeaderSize = 8 + 2 + 2 + 2 + 2 + ipFieldLen + 4
)

// ErrProtocolMismatch is returned by Validate (and surfaced through
// DecodeHeader) when the signature bytes don't match "INTAP11\0".
var ErrProtocolMismatch = errors.New("intap: signature mismatch")

// ErrFraming wraps short reads on the header or payload.
var ErrFraming = errors.New("intap: short frame")

// Header is the decoded form of the 36-byte INTAP frame header. SrcFD and
// DestFD are transmitted as signed 16-bit wire fields but are populated from
// the dense flow-id space (see package routing), not raw OS descriptors.
type Header struct {
	Signature [8]byte
	ID        Command
	SrcFD     int16
	DestFD    int16
	Port      uint16
	IP        [ipFieldLen]byte
	BufLen    uint32
}

// NewHeader builds a Header with the fixed INTAP11 signature pre-filled.
func NewHeader(id Command, srcFD, destFD int16) Header {
	return Header{Signature: Signature, ID: id, SrcFD: srcFD, DestFD: destFD}
}

// SetIP copies a dotted-quad string into the fixed, NUL-padded ip field.
func (h *Header) SetIP(ip string) {
	var buf [ipFieldLen]byte
	n := copy(buf[:], ip)
	_ = n
	h.IP = buf
}

// IPString returns the ip field up to its first NUL.
func (h *Header) IPString() string {
	n := 0
	for n < len(h.IP) && h.IP[n] != 0 {
		n++
	}
	return string(h.IP[:n])
}

// Validate reports ErrProtocolMismatch unless the signature is bit-identical
// to "INTAP11\0".
func (h *Header) Validate() error {
	if h.Signature != Signature {
		return ErrProtocolMismatch
	}
	return nil
}

// Encode writes the 36-byte header followed by payload to w. Multi-byte
// scalars are written network (big-endian) byte order; the ip field is
// NUL-padded (callers should use SetIP). The buf_len field is always
// len(payload); h.BufLen is not consulted.
func Encode(w io.Writer, h Header, payload []byte) error {
	var buf [HeaderSize]byte
	copy(buf[0:8], h.Signature[:])
	binary.BigEndian.PutUint16(buf[8:10], uint16(h.ID))
	binary.BigEndian.PutUint16(buf[10:12], uint16(h.SrcFD))
	binary.BigEndian.PutUint16(buf[12:14], uint16(h.DestFD))
	binary.BigEndian.PutUint16(buf[14:16], h.Port)
	copy(buf[16:16+ipFieldLen], h.IP[:])
	binary.BigEndian.PutUint32(buf[16+ipFieldLen:HeaderSize], uint32(len(payload)))

	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("intap: write header: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("intap: write payload: %w", err)
	}
	return nil
}

// DecodeHeader reads exactly HeaderSize bytes from r and decodes them. A
// partial header cut short by EOF or a read error is reported as
// ErrFraming; EOF before any byte is read is returned as io.EOF.
func DecodeHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Header{}, io.EOF
		}
		return Header{}, fmt.Errorf("%w: %v", ErrFraming, err)
	}

	var h Header
	copy(h.Signature[:], buf[0:8])
	h.ID = Command(binary.BigEndian.Uint16(buf[8:10]))
	h.SrcFD = int16(binary.BigEndian.Uint16(buf[10:12]))
	h.DestFD = int16(binary.BigEndian.Uint16(buf[12:14]))
	h.Port = binary.BigEndian.Uint16(buf[14:16])
	copy(h.IP[:], buf[16:16+ipFieldLen])
	h.BufLen = binary.BigEndian.Uint32(buf[16+ipFieldLen : HeaderSize])
	return h, nil
}

// DecodePayload reads exactly h.BufLen bytes from r. A BufLen of zero
// returns an empty, non-nil slice without touching r.
func DecodePayload(r io.Reader, h Header) ([]byte, error) {
	if h.BufLen == 0 {
		return []byte{}, nil
	}
	payload := make([]byte, h.BufLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrFraming, err)
	}
	return payload, nil
}
