package routing

import (
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
)

// fdipTTL bounds how long an accepted-but-unclassified socket's origin IP is
// remembered. A socket that never sends its first bytes (and so never
// becomes a flow) would otherwise leak its attribution entry for the life of
// the process.
const fdipTTL = 5 * time.Minute

// FDIP maps an accepted-but-not-yet-classified local endpoint to the IP
// address it was accepted from, used to pick which tunnel a freshly seen DB
// client belongs to.
type FDIP struct {
	c *cache.Cache
}

// NewFDIP returns an empty attribution cache.
func NewFDIP() *FDIP {
	return &FDIP{c: cache.New(fdipTTL, fdipTTL/2)}
}

func key(id FlowID) string { return strconv.Itoa(int(id)) }

// Set records the origin IP a socket was accepted from.
func (f *FDIP) Set(id FlowID, originIP string) {
	f.c.SetDefault(key(id), originIP)
}

// Get returns the origin IP recorded for id, if any.
func (f *FDIP) Get(id FlowID) (string, bool) {
	v, ok := f.c.Get(key(id))
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Delete forgets id's attribution, called once it is classified or closed.
func (f *FDIP) Delete(id FlowID) {
	f.c.Delete(key(id))
}
