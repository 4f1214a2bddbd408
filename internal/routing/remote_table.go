package routing

import "sync"

// FlowState is remote-buddy's per-local-endpoint record: the peer descriptor
// number, and the pipelining gate bit.
type FlowState struct {
	PeerFD      FlowID
	RequestOpen bool
}

// RemoteTable is remote-buddy's flow-state table, keyed by local flow id.
// Remote-buddy only ever has one tunnel, so unlike LocalTable there is no
// per-tunnel partitioning.
type RemoteTable struct {
	mu    sync.Mutex
	flows map[FlowID]*FlowState
}

// NewRemoteTable returns an empty table.
func NewRemoteTable() *RemoteTable {
	return &RemoteTable{flows: make(map[FlowID]*FlowState)}
}

// Add installs a new flow, with the pipelining gate open by default.
// DB_CONNECT flows start with request_open = true, and so do CLI_CONNECT
// flows until the first Expect: 100-continue is seen.
func (t *RemoteTable) Add(local FlowID, peer FlowID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flows[local] = &FlowState{PeerFD: peer, RequestOpen: true}
}

// Remove deletes a flow entry, returning its last known state.
func (t *RemoteTable) Remove(local FlowID) (FlowState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.flows[local]
	if !ok {
		return FlowState{}, false
	}
	delete(t.flows, local)
	return *st, true
}

// Get returns a copy of the flow state for local.
func (t *RemoteTable) Get(local FlowID) (FlowState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.flows[local]
	if !ok {
		return FlowState{}, false
	}
	return *st, true
}

// SetPeerIfUnknown records the peer's descriptor once the first ECHO on a
// flow arrives: if the stored peer descriptor for this endpoint is still
// unknown, the src_fd on that first ECHO becomes the peer's descriptor.
func (t *RemoteTable) SetPeerIfUnknown(local, peer FlowID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.flows[local]; ok && st.PeerFD == NoFlow {
		st.PeerFD = peer
	}
}

// SetRequestOpen flips the pipelining gate for local.
func (t *RemoteTable) SetRequestOpen(local FlowID, open bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.flows[local]; ok {
		st.RequestOpen = open
	}
}

// Has reports whether local names a live flow.
func (t *RemoteTable) Has(local FlowID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.flows[local]
	return ok
}

// All returns a snapshot of every live flow id, for shutdown teardown.
func (t *RemoteTable) All() []FlowID {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]FlowID, 0, len(t.flows))
	for id := range t.flows {
		ids = append(ids, id)
	}
	return ids
}
