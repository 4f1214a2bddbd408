package relay

import (
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"intap/internal/buddylog"
	"intap/internal/gate"
	"intap/internal/intap"
	"intap/internal/routing"
	"intap/internal/tunnel"
)

// RemoteConfig configures a RemoteBuddy.
type RemoteConfig struct {
	// LocalBuddyAddr is where the tunnel is dialed at startup.
	LocalBuddyAddr string
	// RESTListenAddr is where production REST clients are accepted.
	RESTListenAddr string
	// RESTServerAddr is the developer's local REST server address, carried
	// on the wire in CLI_CONNECT frames since local-buddy has no config
	// entry of its own for it.
	RESTServerAddr string
	// DatabaseAddr is the production database this buddy dials for every
	// DB_CONNECT it receives.
	DatabaseAddr string
	BufferSize   int
}

// RemoteBuddy owns the single persistent tunnel to local-buddy, a listener
// for REST clients, and dials out to the database on demand.
type RemoteBuddy struct {
	cfg RemoteConfig

	ids     *routing.IDPool
	table   *routing.RemoteTable
	sockets sync.Map // routing.FlowID -> net.Conn
	gates   sync.Map // routing.FlowID -> gate.PipelineGate

	tun *tunnel.Tunnel
}

// NewRemoteBuddy constructs a RemoteBuddy ready to Run.
func NewRemoteBuddy(cfg RemoteConfig) *RemoteBuddy {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 2048
	}
	return &RemoteBuddy{
		cfg:   cfg,
		ids:   routing.NewIDPool(),
		table: routing.NewRemoteTable(),
	}
}

// Run dials the tunnel, sends HELLO, starts the REST listener, and drains
// the tunnel until it dies. It returns when the tunnel is gone — per the
// Non-goal "no reconnect across link failure", the caller should then exit.
func (b *RemoteBuddy) Run() error {
	if err := b.DialAndHello(); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", b.cfg.RESTListenAddr)
	if err != nil {
		return wrapErr(KindStartup, err)
	}
	defer ln.Close()
	go b.ServeREST(ln)

	b.tunnelLoop()
	return nil
}

// DialAndHello dials cfg.LocalBuddyAddr and sends the startup HELLO, split
// out from Run so tests can dial an ephemeral local-buddy listener.
func (b *RemoteBuddy) DialAndHello() error {
	conn, err := net.DialTimeout("tcp", b.cfg.LocalBuddyAddr, dialTimeout)
	if err != nil {
		return wrapErr(KindStartup, err)
	}
	b.tun = tunnel.New(conn)

	hello := intap.NewHeader(intap.CmdHello, 0, int16(routing.NoFlow))
	hello.SetIP("0.0.0.0")
	if err := b.tun.SendFrame(hello, nil); err != nil {
		return wrapErr(KindStartup, err)
	}
	buddylog.Logger.Info("tunnel established", zap.String("addr", b.cfg.LocalBuddyAddr))
	return nil
}

// ServeTunnel drains the tunnel until it dies, for callers (tests) that
// start the REST listener themselves via ServeREST.
func (b *RemoteBuddy) ServeTunnel() { b.tunnelLoop() }

// ServeREST accepts REST clients on an already-bound listener until it
// errors or is closed.
func (b *RemoteBuddy) ServeREST(ln net.Listener) {
	b.acceptLoop(ln)
}

func (b *RemoteBuddy) acceptLoop(ln net.Listener) {
	restIP, restPort := splitAddr(b.cfg.RESTServerAddr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go b.newCLIClient(conn, restIP, restPort)
	}
}

// newCLIClient handles a freshly accepted REST client: its first bytes
// become a CLI_CONNECT frame carrying the developer's local REST server
// address.
func (b *RemoteBuddy) newCLIClient(conn net.Conn, restIP string, restPort uint16) {
	tuneAccepted(conn)

	buf := make([]byte, b.cfg.BufferSize)
	n, err := conn.Read(buf)
	if err != nil {
		conn.Close()
		return
	}

	id, err := b.ids.Acquire()
	if err != nil {
		buddylog.Logger.Error("flow id space exhausted", zap.Error(err))
		conn.Close()
		return
	}

	b.table.Add(id, routing.NoFlow)
	b.sockets.Store(id, conn)
	g := gate.HTTPGate{}
	b.gates.Store(id, g)
	if g.ShouldClose(buf[:n]) {
		b.table.SetRequestOpen(id, false)
	}
	b.logFDList()

	hdr := intap.NewHeader(intap.CmdCLIConnect, int16(id), int16(routing.NoFlow))
	hdr.SetIP(restIP)
	hdr.Port = restPort
	hdr.BufLen = uint32(n)
	if err := b.tun.SendFrame(hdr, buf[:n]); err != nil {
		buddylog.Logger.Error("failed to send CLI_CONNECT", zap.Error(err))
		b.closeRemoteFlow(id, true)
		return
	}

	go b.flowLoop(id, conn)
}

// flowLoop reads from a remote-buddy-owned endpoint and wraps each read in
// an ECHO frame, honoring the pipelining gate for CLI-origin flows.
func (b *RemoteBuddy) flowLoop(id routing.FlowID, conn net.Conn) {
	_ = conn.SetReadDeadline(time.Time{})
	buf := make([]byte, b.cfg.BufferSize)
	gv, _ := b.gates.Load(id)
	g, _ := gv.(gate.PipelineGate)
	if g == nil {
		g = gate.AlwaysOpen{}
	}

	for {
		st, ok := b.table.Get(id)
		if !ok {
			conn.Close()
			return
		}
		if !st.RequestOpen {
			// The gate is closed: a pipelined body is held back until the
			// server's 100-continue arrives over the tunnel. There is no
			// non-blocking "skip this readiness" in the goroutine-per-flow
			// model, so this polls instead of reading.
			time.Sleep(10 * time.Millisecond)
			continue
		}

		n, err := conn.Read(buf)
		if err != nil {
			b.closeRemoteFlow(id, false)
			return
		}
		payload := buf[:n]
		if g.ShouldClose(payload) {
			b.table.SetRequestOpen(id, false)
		}

		if buddylog.L3Enabled() {
			buddylog.Logger.Debug("echo from remote endpoint", zap.Int16("fd", int16(id)), buddylog.HexField("payload", payload))
		}

		hdr := intap.NewHeader(intap.CmdEcho, int16(id), int16(st.PeerFD))
		hdr.BufLen = uint32(len(payload))
		if err := b.tun.SendFrame(hdr, payload); err != nil {
			b.closeRemoteFlow(id, false)
			return
		}
	}
}

// tunnelLoop drains the single tunnel, dispatching frames by command id.
func (b *RemoteBuddy) tunnelLoop() {
	for {
		h, payload, err := b.tun.ReadFrame()
		if err != nil {
			b.closeEverything()
			return
		}
		if verr := h.Validate(); verr != nil {
			buddylog.Logger.Warn("signature mismatch on tunnel frame, resuming", zap.Error(verr))
			continue
		}

		switch h.ID {
		case intap.CmdDBConnect:
			b.handleDBConnect(h, payload)
		case intap.CmdEcho:
			b.handleEchoFromTunnel(h, payload)
		case intap.CmdByeBye:
			dest := routing.FlowID(h.DestFD)
			if dest < 0 {
				// The peer closed before it learned this side's id; find the
				// flow by the peer's own id instead.
				for _, id := range b.table.All() {
					if st, ok := b.table.Get(id); ok && st.PeerFD == routing.FlowID(h.SrcFD) {
						dest = id
						break
					}
				}
			}
			if dest < 0 {
				buddylog.Logger.Warn("BYEBYE names no known flow, ignoring")
				continue
			}
			b.closeRemoteFlow(dest, true)
		default:
			buddylog.Logger.Warn("unexpected command on remote-buddy tunnel", zap.Stringer("cmd", h.ID))
		}
	}
}

// handleDBConnect dials the configured database and forwards the client's
// first bytes.
func (b *RemoteBuddy) handleDBConnect(h intap.Header, payload []byte) {
	conn, err := net.DialTimeout("tcp", b.cfg.DatabaseAddr, dialTimeout)
	if err != nil {
		buddylog.Logger.Error("failed to dial database", zap.String("addr", b.cfg.DatabaseAddr), zap.Error(err))
		return
	}

	id, err := b.ids.Acquire()
	if err != nil {
		buddylog.Logger.Error("flow id space exhausted", zap.Error(err))
		conn.Close()
		return
	}

	if err := sendAll(conn, payload); err != nil {
		buddylog.Logger.Error("failed to forward first bytes to database", zap.Error(err))
		b.ids.Release(id)
		conn.Close()
		return
	}

	b.table.Add(id, routing.FlowID(h.SrcFD))
	b.sockets.Store(id, conn)
	b.gates.Store(id, gate.AlwaysOpen{})
	b.logFDList()
	go b.flowLoop(id, conn)
}

// handleEchoFromTunnel writes an ECHO payload to the endpoint it names,
// reopening the pipelining gate when the server's 100-continue passes
// through on its way to the client.
func (b *RemoteBuddy) handleEchoFromTunnel(h intap.Header, payload []byte) {
	if buddylog.L3Enabled() {
		buddylog.Logger.Debug("echo from tunnel", zap.Int16("destFD", h.DestFD), buddylog.HexField("payload", payload))
	}
	dest := routing.FlowID(h.DestFD)
	if cv, ok := b.sockets.Load(dest); ok {
		if err := sendAll(cv.(net.Conn), payload); err != nil {
			b.closeRemoteFlow(dest, false)
			return
		}
	}
	if gv, ok := b.gates.Load(dest); ok {
		if gv.(gate.PipelineGate).ShouldOpen(payload) {
			b.table.SetRequestOpen(dest, true)
		}
	}
	b.table.SetPeerIfUnknown(dest, routing.FlowID(h.SrcFD))
}

// closeRemoteFlow closes a single flow on the remote side.
func (b *RemoteBuddy) closeRemoteFlow(id routing.FlowID, suppress bool) {
	if !suppress {
		if st, ok := b.table.Get(id); ok {
			hdr := intap.NewHeader(intap.CmdByeBye, int16(id), int16(st.PeerFD))
			_ = b.tun.SendFrame(hdr, nil)
		}
	}
	if cv, ok := b.sockets.Load(id); ok {
		cv.(net.Conn).Close()
		b.sockets.Delete(id)
	}
	b.gates.Delete(id)
	b.table.Remove(id)
	b.ids.Release(id)
	b.logFDList()
}

// closeEverything tears down every live flow without emitting BYEBYE (the
// tunnel is already dead). It does not exit the process; tunnelLoop returns
// right after calling it, which ends Run, since remote-buddy has no purpose
// without its tunnel (Non-goal: no reconnect across link failure).
func (b *RemoteBuddy) closeEverything() {
	for _, id := range b.table.All() {
		if cv, ok := b.sockets.Load(id); ok {
			cv.(net.Conn).Close()
			b.sockets.Delete(id)
		}
		b.gates.Delete(id)
		b.table.Remove(id)
		b.ids.Release(id)
	}
	buddylog.Logger.Warn("tunnel lost, all flows torn down")
}

// logFDList logs the currently tracked remote flow descriptors at L2.
func (b *RemoteBuddy) logFDList() {
	if !buddylog.L2Enabled() {
		return
	}
	var ids []routing.FlowID
	b.sockets.Range(func(k, _ any) bool {
		ids = append(ids, k.(routing.FlowID))
		return true
	})
	buddylog.Logger.Debug("tracked remote descriptors", zap.Any("fds", ids))
}

// Shutdown tears everything down for a clean process exit on signal.
func (b *RemoteBuddy) Shutdown() {
	b.closeEverything()
	if b.tun != nil {
		b.tun.Close()
	}
}

func splitAddr(addr string) (string, uint16) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 0
	}
	return host, uint16(port)
}
