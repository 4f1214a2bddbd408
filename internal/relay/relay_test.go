package relay

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testPair wires one LocalBuddy and one RemoteBuddy together over a real
// loopback TCP tunnel, exactly as the two processes would connect in
// production, letting these tests drive the whole event loop end to end
// through real sockets; only TestBringUpInstallsOneTunnel inspects the
// routing tables directly.
type testPair struct {
	t      *testing.T
	local  *LocalBuddy
	remote *RemoteBuddy
	restLn net.Listener
}

func newTestPair(t *testing.T, restServerAddr, databaseAddr string) *testPair {
	t.Helper()

	localLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	local := NewLocalBuddy(LocalConfig{BufferSize: 2048})
	go local.Serve(localLn)

	remote := NewRemoteBuddy(RemoteConfig{
		LocalBuddyAddr: localLn.Addr().String(),
		RESTServerAddr: restServerAddr,
		DatabaseAddr:   databaseAddr,
		BufferSize:     2048,
	})
	require.NoError(t, remote.DialAndHello())

	restLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go remote.ServeREST(restLn)
	go remote.ServeTunnel()

	// Give the tunnel dispatch goroutines a moment to process HELLO.
	time.Sleep(50 * time.Millisecond)

	return &testPair{t: t, local: local, remote: remote, restLn: restLn}
}

func (p *testPair) close() {
	p.restLn.Close()
	p.local.Shutdown()
	p.remote.Shutdown()
}

func mustListen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln
}

func TestBringUpInstallsOneTunnel(t *testing.T) {
	p := newTestPair(t, "127.0.0.1:1", "127.0.0.1:1")
	defer p.close()

	require.True(t, p.local.table.Has(1), "first tunnel should be installed as handle 1")
	require.Equal(t, 0, len(p.remote.table.All()), "no flows should exist before any client connects")
}

func TestDBConnectEchoRoundTrip(t *testing.T) {
	dbLn := mustListen(t)
	defer dbLn.Close()

	dbReply := []byte("db says hi")
	go func() {
		conn, err := dbLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		require.Equal(t, "select 1", string(buf[:n]))
		_, _ = conn.Write(dbReply)
	}()

	p := newTestPair(t, "127.0.0.1:1", dbLn.Addr().String())
	defer p.close()

	// Dial the LocalBuddy listener directly via its bound address.
	addr := localBuddyAddr(t, p)
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("select 1"))
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, dbReply, buf[:n])
}

// localBuddyAddr recovers the address LocalBuddy actually bound, since
// newTestPair binds the listener itself rather than going through
// LocalBuddy.Run.
func localBuddyAddr(t *testing.T, p *testPair) string {
	t.Helper()
	var addr string
	p.local.tunnels.Range(func(_, v any) bool {
		addr = v.(interface{ Conn() net.Conn }).Conn().LocalAddr().String()
		return false
	})
	require.NotEmpty(t, addr, "expected an established tunnel to recover the bound address from")
	return addr
}

func TestHTTP100ContinueGateHoldsBodyUntilContinue(t *testing.T) {
	restLn := mustListen(t)
	defer restLn.Close()

	headersSeen := make(chan string, 1)
	bodySeen := make(chan string, 1)
	go func() {
		conn, err := restLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		line, _ := r.ReadString('\n')
		headersSeen <- line
		_, _ = conn.Write([]byte("HTTP/1.1 100 Continue\r\n\r\n"))

		body := make([]byte, 64)
		n, err := conn.Read(body)
		if err == nil {
			bodySeen <- string(body[:n])
		}
	}()

	p := newTestPair(t, restLn.Addr().String(), "127.0.0.1:1")
	defer p.close()

	client, err := net.Dial("tcp", p.restLn.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("POST / HTTP/1.1\r\nExpect: 100-continue\r\n\r\n"))
	require.NoError(t, err)

	select {
	case <-headersSeen:
	case <-time.After(2 * time.Second):
		t.Fatal("REST server never saw the request headers")
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := client.Read(buf)
	require.NoError(t, err)
	require.Contains(t, string(buf[:n]), "100 Continue")

	_, err = client.Write([]byte("BODYDATA"))
	require.NoError(t, err)

	select {
	case body := <-bodySeen:
		require.Equal(t, "BODYDATA", body)
	case <-time.After(2 * time.Second):
		t.Fatal("REST server never saw the pipelined body")
	}
}

func TestPairedFinClosesPeerSocket(t *testing.T) {
	dbLn := mustListen(t)
	defer dbLn.Close()

	peerClosed := make(chan struct{})
	go func() {
		conn, err := dbLn.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 64)
		conn.Read(buf) // drain the first-bytes DB_CONNECT payload
		_, err = conn.Read(buf)
		if err != nil {
			close(peerClosed)
		}
	}()

	p := newTestPair(t, "127.0.0.1:1", dbLn.Addr().String())
	defer p.close()

	addr := localBuddyAddr(t, p)
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	_, err = conn.Write([]byte("open"))
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, conn.Close())

	select {
	case <-peerClosed:
	case <-time.After(2 * time.Second):
		t.Fatal("closing the DB client socket should have closed the peer DB connection via BYEBYE")
	}
}
