// Package gate implements the HTTP pipelining gate used by remote-buddy to
// suspend forwarding of a REST client's pipelined body while a 100-Continue
// response is outstanding, behind a small interface so the policy can be
// swapped or disabled per flow.
package gate

import "bytes"

// PipelineGate inspects payloads flowing in each direction on a CLI_CONNECT
// flow and decides whether forwarding should close or reopen.
type PipelineGate interface {
	// ShouldClose inspects a payload read from the REST client (about to be
	// forwarded to the server) and reports whether the gate should close.
	ShouldClose(clientToServer []byte) bool
	// ShouldOpen inspects a payload read from the REST server (about to be
	// forwarded to the client) and reports whether the gate should reopen.
	ShouldOpen(serverToClient []byte) bool
}

// expectContinueMarker and continueResponse are matched as raw ASCII
// substrings anywhere in the payload — deliberately naive, since full HTTP
// parsing is out of scope here.
var (
	expectContinueMarker = []byte("Expect: 100-continue")
	continueResponse     = []byte("HTTP/1.1 100 Continue")
)

// HTTPGate is the concrete 100-continue gate applied only to flows opened
// via CLI_CONNECT.
type HTTPGate struct{}

// ShouldClose reports whether the client's pipelined request carries an
// Expect: 100-continue header, meaning the body must wait.
func (HTTPGate) ShouldClose(clientToServer []byte) bool {
	return bytes.Contains(clientToServer, expectContinueMarker)
}

// ShouldOpen reports whether the server's reply is the provisional
// 100 Continue, meaning any held body may now flow.
func (HTTPGate) ShouldOpen(serverToClient []byte) bool {
	return bytes.Contains(serverToClient, continueResponse)
}

// AlwaysOpen is a no-op gate, used for flows the gate does not apply to
// (DB_CONNECT flows).
type AlwaysOpen struct{}

func (AlwaysOpen) ShouldClose([]byte) bool { return false }
func (AlwaysOpen) ShouldOpen([]byte) bool  { return false }
