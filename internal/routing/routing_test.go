package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDPoolRecyclesIDs(t *testing.T) {
	p := NewIDPool()
	a, err := p.Acquire()
	require.NoError(t, err)
	b, err := p.Acquire()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	p.Release(a)
	assert.False(t, p.InUse(a))

	c, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, a, c, "released id should be reused before growing")
}

func TestIDPoolExhaustion(t *testing.T) {
	p := NewIDPool()
	for i := 0; i <= maxFlowID; i++ {
		_, err := p.Acquire()
		require.NoError(t, err)
	}
	_, err := p.Acquire()
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestLocalTableWildcardClaim(t *testing.T) {
	lt := NewLocalTable()
	lt.Install(1, "0.0.0.0", 0)

	h, ok := lt.FindByExactIP("10.0.0.5")
	assert.False(t, ok)

	h, ok = lt.FindWildcard()
	require.True(t, ok)
	lt.ClaimWildcard(h, "10.0.0.5")

	_, ok = lt.FindWildcard()
	assert.False(t, ok, "wildcard should no longer be available once claimed")

	h2, ok := lt.FindByExactIP("10.0.0.5")
	require.True(t, ok)
	assert.Equal(t, h, h2)
}

func TestLocalTableExactIPDoesNotPrefixMatch(t *testing.T) {
	lt := NewLocalTable()
	lt.Install(1, "10.0.0.1", 0)

	_, ok := lt.FindByExactIP("10.0.0.10")
	assert.False(t, ok, "exact match must not treat 10.0.0.1 as a prefix of 10.0.0.10")

	_, ok = lt.FindByExactIP("10.0.0.1")
	assert.True(t, ok)
}

func TestLocalTableFlowLifecycle(t *testing.T) {
	lt := NewLocalTable()
	lt.Install(1, "10.0.0.1", 0)
	lt.AddFlow(1, 5, NoFlow)

	h, peer, ok := lt.FindFlow(5)
	require.True(t, ok)
	assert.Equal(t, TunnelHandle(1), h)
	assert.Equal(t, NoFlow, peer)

	lt.SetPeerIfUnknown(1, 5, 9)
	_, peer, _ = lt.FindFlow(5)
	assert.Equal(t, FlowID(9), peer)

	// second report must not overwrite the first
	lt.SetPeerIfUnknown(1, 5, 99)
	_, peer, _ = lt.FindFlow(5)
	assert.Equal(t, FlowID(9), peer)

	lt.RemoveFlow(1, 5)
	_, _, ok = lt.FindFlow(5)
	assert.False(t, ok)
}

func TestLocalTableRemoveReturnsOwnedFlows(t *testing.T) {
	lt := NewLocalTable()
	lt.Install(1, "10.0.0.1", 0)
	lt.AddFlow(1, 5, 9)
	lt.AddFlow(1, 6, 10)

	flows, ok := lt.Remove(1)
	require.True(t, ok)
	assert.Len(t, flows, 2)
	assert.False(t, lt.Has(1))
}

func TestRemoteTableGate(t *testing.T) {
	rt := NewRemoteTable()
	rt.Add(3, NoFlow)

	st, ok := rt.Get(3)
	require.True(t, ok)
	assert.True(t, st.RequestOpen, "flows start with the gate open")

	rt.SetRequestOpen(3, false)
	st, _ = rt.Get(3)
	assert.False(t, st.RequestOpen)

	rt.SetPeerIfUnknown(3, 11)
	st, _ = rt.Get(3)
	assert.Equal(t, FlowID(11), st.PeerFD)

	rt.SetPeerIfUnknown(3, 22)
	st, _ = rt.Get(3)
	assert.Equal(t, FlowID(11), st.PeerFD, "first reported peer wins")
}

func TestFDIPExpiryIsNotImmediate(t *testing.T) {
	f := NewFDIP()
	f.Set(4, "192.168.1.7")
	ip, ok := f.Get(4)
	require.True(t, ok)
	assert.Equal(t, "192.168.1.7", ip)

	f.Delete(4)
	_, ok = f.Get(4)
	assert.False(t, ok)
}
