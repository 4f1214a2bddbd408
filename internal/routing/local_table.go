package routing

import "sync"

// TunnelHandle identifies one of local-buddy's (possibly many) tunnels. It is
// an internal handle only — it never appears on the wire, since the tunnel
// socket itself is never a frame destination.
type TunnelHandle uint32

// RemoteInfo is local-buddy's per-tunnel connection-info record: the peer
// remote-buddy's announced ip (initially "0.0.0.0" until a DB client claims
// the wildcard) and the local_endpoint -> peer_endpoint map for every flow
// initiated across that tunnel.
type RemoteInfo struct {
	TargetIP   string
	TargetPort uint16
	Flows      map[FlowID]FlowID // local flow id -> peer flow id; NoFlow until the peer reports its own id
}

// LocalTable is local-buddy's routing table: one RemoteInfo per connected
// remote-buddy tunnel.
type LocalTable struct {
	mu      sync.Mutex
	remotes map[TunnelHandle]*RemoteInfo
}

// NewLocalTable returns an empty table.
func NewLocalTable() *LocalTable {
	return &LocalTable{remotes: make(map[TunnelHandle]*RemoteInfo)}
}

// Install records a newly HELLO'd tunnel's announced ip/port.
func (t *LocalTable) Install(h TunnelHandle, ip string, port uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remotes[h] = &RemoteInfo{TargetIP: ip, TargetPort: port, Flows: make(map[FlowID]FlowID)}
}

// Remove deletes a tunnel's connection-info and returns the flows it owned,
// so the caller can tear each of them down without emitting BYEBYE frames
// (the tunnel is already dead).
func (t *LocalTable) Remove(h TunnelHandle) (map[FlowID]FlowID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.remotes[h]
	if !ok {
		return nil, false
	}
	delete(t.remotes, h)
	return info.Flows, true
}

// AddFlow records a new flow on tunnel h with the given peer id; pass NoFlow
// when the peer has not reported its id yet.
func (t *LocalTable) AddFlow(h TunnelHandle, local FlowID, peer FlowID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if info, ok := t.remotes[h]; ok {
		info.Flows[local] = peer
	}
}

// SetPeerIfUnknown records the peer's chosen descriptor the first time it is
// reported; a peer of NoFlow means the peer has not yet reported one.
func (t *LocalTable) SetPeerIfUnknown(h TunnelHandle, local, peer FlowID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if info, ok := t.remotes[h]; ok {
		if cur, ok := info.Flows[local]; ok && cur == NoFlow {
			info.Flows[local] = peer
		}
	}
}

// RemoveFlow erases a flow entry from its tunnel's map.
func (t *LocalTable) RemoveFlow(h TunnelHandle, local FlowID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if info, ok := t.remotes[h]; ok {
		delete(info.Flows, local)
	}
}

// FindFlow searches every tunnel's flow map for local as a key, returning
// the owning tunnel and the peer id on a hit.
func (t *LocalTable) FindFlow(local FlowID) (TunnelHandle, FlowID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for h, info := range t.remotes {
		if peer, ok := info.Flows[local]; ok {
			return h, peer, true
		}
	}
	return 0, NoFlow, false
}

// PeerOf returns the peer flow id stored for local on tunnel h.
func (t *LocalTable) PeerOf(h TunnelHandle, local FlowID) (FlowID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.remotes[h]
	if !ok {
		return NoFlow, false
	}
	peer, ok := info.Flows[local]
	return peer, ok
}

// FindByExactIP finds a tunnel whose announced target IP matches ip exactly
// (see DESIGN.md for why this is exact equality rather than a prefix match).
func (t *LocalTable) FindByExactIP(ip string) (TunnelHandle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for h, info := range t.remotes {
		if info.TargetIP == ip {
			return h, true
		}
	}
	return 0, false
}

// FindWildcard finds any tunnel still announcing "0.0.0.0".
func (t *LocalTable) FindWildcard() (TunnelHandle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for h, info := range t.remotes {
		if info.TargetIP == "0.0.0.0" {
			return h, true
		}
	}
	return 0, false
}

// ClaimWildcard adopts a wildcard tunnel for a specific peer by overwriting
// its announced ip with the DB client's origin IP.
func (t *LocalTable) ClaimWildcard(h TunnelHandle, ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if info, ok := t.remotes[h]; ok {
		info.TargetIP = ip
	}
}

// Has reports whether h names an installed tunnel.
func (t *LocalTable) Has(h TunnelHandle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.remotes[h]
	return ok
}
