package intap

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		h    Header
		p    []byte
	}{
		{"hello", NewHeader(CmdHello, 1, -1), nil},
		{"byebye-no-payload", NewHeader(CmdByeBye, 7, 3), []byte{}},
		{"echo-with-payload", NewHeader(CmdEcho, 12, 9), []byte("select 1;")},
		{"db-connect-with-ip", func() Header {
			h := NewHeader(CmdDBConnect, 4, -1)
			h.SetIP("10.0.0.1")
			h.Port = 5432
			return h
		}(), []byte{0x01, 0x02, 0x03}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, Encode(&buf, tc.h, tc.p))

			gotHeader, err := DecodeHeader(&buf)
			require.NoError(t, err)
			require.NoError(t, gotHeader.Validate())
			want := tc.h
			want.BufLen = uint32(len(tc.p))
			assert.Equal(t, want, gotHeader)

			gotPayload, err := DecodePayload(&buf, gotHeader)
			require.NoError(t, err)
			assert.Equal(t, len(tc.p), len(gotPayload))
			assert.Equal(t, tc.p, gotPayload)
		})
	}
}

func TestValidateRejectsBadSignature(t *testing.T) {
	h := NewHeader(CmdHello, 1, -1)
	h.Signature[0] = 'X'
	assert.ErrorIs(t, h.Validate(), ErrProtocolMismatch)
}

func TestDecodeHeaderShortRead(t *testing.T) {
	_, err := DecodeHeader(bytes.NewReader(make([]byte, HeaderSize-1)))
	assert.ErrorIs(t, err, ErrFraming)
}

func TestDecodeHeaderEOF(t *testing.T) {
	_, err := DecodeHeader(bytes.NewReader(nil))
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecodePayloadShortRead(t *testing.T) {
	h := NewHeader(CmdEcho, 1, 2)
	h.BufLen = 10
	_, err := DecodePayload(bytes.NewReader([]byte("short")), h)
	assert.ErrorIs(t, err, ErrFraming)
}

func TestZeroLengthPayloadDoesNotTouchReader(t *testing.T) {
	h := NewHeader(CmdHello, 1, -1)
	h.BufLen = 0
	p, err := DecodePayload(bytes.NewReader(nil), h)
	require.NoError(t, err)
	assert.Empty(t, p)
}

func TestIPStringTruncatesAtNUL(t *testing.T) {
	var h Header
	h.SetIP("192.168.1.1")
	assert.Equal(t, "192.168.1.1", h.IPString())
}

func TestWireLayoutIsNetworkByteOrder(t *testing.T) {
	h := NewHeader(CmdCLIConnect, 0x0102, -1)
	h.Port = 0x0304
	h.BufLen = 0x01020304
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, h, []byte("xy")))
	b := buf.Bytes()
	require.Len(t, b, HeaderSize+2)
	assert.Equal(t, []byte("INTAP11\x00"), b[0:8])
	assert.Equal(t, byte(0), b[8])
	assert.Equal(t, byte(CmdCLIConnect), b[9])
	assert.Equal(t, byte(0x01), b[10])
	assert.Equal(t, byte(0x02), b[11])
	assert.Equal(t, byte(0x03), b[14])
	assert.Equal(t, byte(0x04), b[15])
}
