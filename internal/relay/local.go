// Package relay implements the event-loop core shared by local-buddy and
// remote-buddy: one goroutine per tunneled flow plus one per tunnel,
// exchanging INTAP frames. Each accepted or dialed socket gets its own
// goroutine that blocks in Read until EOF or error, forwarding what it
// reads as a framed ECHO.
package relay

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"intap/internal/buddylog"
	"intap/internal/intap"
	"intap/internal/routing"
	"intap/internal/tunnel"
)

// LocalConfig configures a LocalBuddy.
type LocalConfig struct {
	ListenAddr string
	BufferSize int
}

// LocalBuddy accepts both DB clients and remote-buddy tunnel connections on
// a single listener, demultiplexing by the first bytes each socket sends.
type LocalBuddy struct {
	cfg LocalConfig

	ids     *routing.IDPool
	table   *routing.LocalTable
	fdip    *routing.FDIP
	sockets sync.Map // routing.FlowID -> net.Conn
	tunnels sync.Map // routing.TunnelHandle -> *tunnel.Tunnel

	nextTunnel uint32
}

// NewLocalBuddy constructs a LocalBuddy ready to Run.
func NewLocalBuddy(cfg LocalConfig) *LocalBuddy {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 2048
	}
	return &LocalBuddy{
		cfg:   cfg,
		ids:   routing.NewIDPool(),
		table: routing.NewLocalTable(),
		fdip:  routing.NewFDIP(),
	}
}

// Run listens on cfg.ListenAddr until the listener errors or is closed.
func (b *LocalBuddy) Run() error {
	ln, err := net.Listen("tcp", b.cfg.ListenAddr)
	if err != nil {
		return wrapErr(KindStartup, err)
	}
	defer ln.Close()
	return b.Serve(ln)
}

// Serve accepts on an already-bound listener until it errors or is closed,
// split out from Run so tests can bind an ephemeral port and learn its
// address before serving.
func (b *LocalBuddy) Serve(ln net.Listener) error {
	buddylog.Logger.Info("local-buddy listening", zap.String("addr", ln.Addr().String()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			return wrapErr(KindStartup, err)
		}
		go b.handleNewSocket(conn)
	}
}

// handleNewSocket classifies a freshly accepted connection: an INTAP HELLO
// promotes it to a tunnel; anything else is a new DB client.
func (b *LocalBuddy) handleNewSocket(conn net.Conn) {
	tuneAccepted(conn)

	id, err := b.ids.Acquire()
	if err != nil {
		buddylog.Logger.Error("flow id space exhausted", zap.Error(err))
		conn.Close()
		return
	}

	host := hostOf(conn.RemoteAddr())
	b.fdip.Set(id, host)

	buf := make([]byte, b.cfg.BufferSize)
	n, err := conn.Read(buf)
	if err != nil {
		b.ids.Release(id)
		b.fdip.Delete(id)
		conn.Close()
		return
	}

	if n >= 8 && bytes.Equal(buf[:8], intap.Signature[:]) {
		h, _, perr := decodeBuffered(buf[:n])
		b.ids.Release(id)
		b.fdip.Delete(id)
		if perr != nil || h.ID != intap.CmdHello {
			buddylog.Logger.Error("expected HELLO on new tunnel candidate", zap.Error(perr))
			conn.Close()
			return
		}
		b.becomeTunnel(conn, h)
		return
	}

	b.newDBClient(conn, id, buf[:n])
}

// becomeTunnel installs a freshly HELLO'd connection as a tunnel.
func (b *LocalBuddy) becomeTunnel(conn net.Conn, h intap.Header) {
	// The accept-time read deadline applies only to classification; the
	// tunnel itself has no timeout.
	_ = conn.SetReadDeadline(time.Time{})
	handle := routing.TunnelHandle(atomic.AddUint32(&b.nextTunnel, 1))
	b.table.Install(handle, h.IPString(), h.Port)
	t := tunnel.New(conn)
	b.tunnels.Store(handle, t)
	buddylog.Logger.Info("tunnel established", zap.Uint32("tunnel", uint32(handle)))
	go b.tunnelLoop(handle, t)
}

// newDBClient resolves which tunnel a freshly accepted DB client belongs to
// (exact IP match, else an unclaimed wildcard tunnel), then emits
// DB_CONNECT with the client's first bytes. The origin IP is recovered from
// the attribution cache rather than the live socket, since by this point
// the client is already past accept-time classification.
func (b *LocalBuddy) newDBClient(conn net.Conn, id routing.FlowID, first []byte) {
	originIP, _ := b.fdip.Get(id)
	handle, ok := b.table.FindByExactIP(originIP)
	if !ok {
		handle, ok = b.table.FindWildcard()
		if ok {
			b.table.ClaimWildcard(handle, originIP)
		}
	}
	if !ok {
		buddylog.Logger.Warn("routing miss: no eligible tunnel for DB client",
			zap.String("originIP", originIP))
		b.ids.Release(id)
		b.fdip.Delete(id)
		// Left open, not closed: no tunnel exists to route it to, but the
		// client's connection isn't ours to tear down just because routing
		// failed.
		return
	}

	tv, _ := b.tunnels.Load(handle)
	t := tv.(*tunnel.Tunnel)

	b.table.AddFlow(handle, id, routing.NoFlow)
	b.sockets.Store(id, conn)
	b.fdip.Delete(id)
	b.logFDList()

	hdr := intap.NewHeader(intap.CmdDBConnect, int16(id), int16(routing.NoFlow))
	hdr.BufLen = uint32(len(first))
	if err := t.SendFrame(hdr, first); err != nil {
		buddylog.Logger.Error("failed to send DB_CONNECT", zap.Error(err))
		b.closeLocalFlow(handle, id, true)
		return
	}

	go b.flowLoop(handle, id, conn)
}

// flowLoop reads from a tunneled local endpoint and wraps each read in an
// ECHO frame.
func (b *LocalBuddy) flowLoop(handle routing.TunnelHandle, id routing.FlowID, conn net.Conn) {
	_ = conn.SetReadDeadline(time.Time{})
	buf := make([]byte, b.cfg.BufferSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			b.closeLocalFlow(handle, id, false)
			return
		}

		tv, ok := b.tunnels.Load(handle)
		if !ok {
			conn.Close()
			return
		}
		t := tv.(*tunnel.Tunnel)
		peer, _ := b.table.PeerOf(handle, id)

		if buddylog.L3Enabled() {
			buddylog.Logger.Debug("echo from local endpoint", zap.Int16("fd", int16(id)), buddylog.HexField("payload", buf[:n]))
		}

		hdr := intap.NewHeader(intap.CmdEcho, int16(id), int16(peer))
		hdr.BufLen = uint32(n)
		if err := t.SendFrame(hdr, buf[:n]); err != nil {
			b.closeLocalFlow(handle, id, false)
			return
		}
	}
}

// tunnelLoop drains one tunnel, dispatching frames by command id.
func (b *LocalBuddy) tunnelLoop(handle routing.TunnelHandle, t *tunnel.Tunnel) {
	for {
		h, payload, err := t.ReadFrame()
		if err != nil {
			b.closeTunnel(handle)
			return
		}
		if verr := h.Validate(); verr != nil {
			buddylog.Logger.Warn("signature mismatch on tunnel frame, resuming", zap.Error(verr))
			continue
		}

		switch h.ID {
		case intap.CmdHello:
			buddylog.Logger.Warn("duplicate HELLO on established tunnel, ignoring")
		case intap.CmdCLIConnect:
			b.handleCLIConnect(handle, t, h, payload)
		case intap.CmdEcho:
			b.handleEchoFromTunnel(handle, h, payload)
		case intap.CmdByeBye:
			b.closeLocalFlow(handle, routing.FlowID(h.DestFD), true)
		default:
			buddylog.Logger.Warn("unexpected command on local-buddy tunnel", zap.Stringer("cmd", h.ID))
		}
	}
}

// handleCLIConnect dials the REST server address carried in the frame.
func (b *LocalBuddy) handleCLIConnect(handle routing.TunnelHandle, t *tunnel.Tunnel, h intap.Header, payload []byte) {
	addr := net.JoinHostPort(h.IPString(), strconv.Itoa(int(h.Port)))
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		buddylog.Logger.Error("failed to dial REST server", zap.String("addr", addr), zap.Error(err))
		return
	}

	id, err := b.ids.Acquire()
	if err != nil {
		buddylog.Logger.Error("flow id space exhausted", zap.Error(err))
		conn.Close()
		return
	}

	if err := sendAll(conn, payload); err != nil {
		buddylog.Logger.Error("failed to forward first bytes to REST server", zap.Error(err))
		b.ids.Release(id)
		conn.Close()
		return
	}

	b.table.AddFlow(handle, id, routing.FlowID(h.SrcFD))
	b.sockets.Store(id, conn)
	b.logFDList()
	go b.flowLoop(handle, id, conn)
}

// handleEchoFromTunnel writes an ECHO payload to the endpoint it names and
// records the peer descriptor the first time it is reported.
func (b *LocalBuddy) handleEchoFromTunnel(handle routing.TunnelHandle, h intap.Header, payload []byte) {
	if buddylog.L3Enabled() {
		buddylog.Logger.Debug("echo from tunnel", zap.Int16("destFD", h.DestFD), buddylog.HexField("payload", payload))
	}
	dest := routing.FlowID(h.DestFD)
	if cv, ok := b.sockets.Load(dest); ok {
		if err := sendAll(cv.(net.Conn), payload); err != nil {
			b.closeLocalFlow(handle, dest, false)
			return
		}
	}
	b.table.SetPeerIfUnknown(handle, dest, routing.FlowID(h.SrcFD))
}

// closeLocalFlow closes a single flow: emit BYEBYE unless suppress is set
// (the close was triggered by a received BYEBYE), then close the socket and
// erase routing state.
func (b *LocalBuddy) closeLocalFlow(handle routing.TunnelHandle, id routing.FlowID, suppress bool) {
	if !suppress {
		if tv, ok := b.tunnels.Load(handle); ok {
			peer, _ := b.table.PeerOf(handle, id)
			hdr := intap.NewHeader(intap.CmdByeBye, int16(id), int16(peer))
			_ = tv.(*tunnel.Tunnel).SendFrame(hdr, nil)
		}
	}
	if cv, ok := b.sockets.Load(id); ok {
		cv.(net.Conn).Close()
		b.sockets.Delete(id)
	}
	b.table.RemoveFlow(handle, id)
	b.fdip.Delete(id)
	b.ids.Release(id)
	b.logFDList()
}

// closeTunnel closes every flow the tunnel owned without emitting BYEBYE
// frames (the tunnel is already dead), then closes the tunnel socket
// itself.
func (b *LocalBuddy) closeTunnel(handle routing.TunnelHandle) {
	flows, ok := b.table.Remove(handle)
	if ok {
		for id := range flows {
			if cv, ok := b.sockets.Load(id); ok {
				cv.(net.Conn).Close()
				b.sockets.Delete(id)
			}
			b.fdip.Delete(id)
			b.ids.Release(id)
		}
	}
	if tv, ok := b.tunnels.Load(handle); ok {
		tv.(*tunnel.Tunnel).Close()
		b.tunnels.Delete(handle)
	}
	buddylog.Logger.Info("tunnel closed", zap.Uint32("tunnel", uint32(handle)))
	b.logFDList()
}

// logFDList logs the currently tracked local flow descriptors at L2.
func (b *LocalBuddy) logFDList() {
	if !buddylog.L2Enabled() {
		return
	}
	var ids []routing.FlowID
	b.sockets.Range(func(k, _ any) bool {
		ids = append(ids, k.(routing.FlowID))
		return true
	})
	buddylog.Logger.Debug("tracked local descriptors", zap.Any("fds", ids))
}

// Shutdown closes every tunnel and the flows it owns, best effort, for a
// clean process exit on signal.
func (b *LocalBuddy) Shutdown() {
	b.tunnels.Range(func(k, _ any) bool {
		b.closeTunnel(k.(routing.TunnelHandle))
		return true
	})
}

const dialTimeout = 3 * time.Second

func hostOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// decodeBuffered parses a header (and any payload already captured in the
// same read) out of an in-memory buffer, rather than issuing a second
// blocking read against the live socket.
func decodeBuffered(buf []byte) (intap.Header, []byte, error) {
	br := newByteReader(buf)
	h, err := intap.DecodeHeader(br)
	if err != nil {
		return intap.Header{}, nil, err
	}
	payload, err := intap.DecodePayload(br, h)
	if err != nil {
		// A HELLO with no payload captured yet is fine; any payload it did
		// carry is simply discarded.
		return h, nil, nil
	}
	return h, payload, nil
}

type byteReader struct {
	buf []byte
	pos int
}

func newByteReader(buf []byte) *byteReader { return &byteReader{buf: buf} }

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.buf) {
		return 0, fmt.Errorf("byteReader: exhausted")
	}
	n := copy(p, r.buf[r.pos:])
	r.pos += n
	return n, nil
}
