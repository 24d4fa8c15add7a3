package gocbcorekv

import "fmt"

// Server identifies one cluster node by host and port, with a tie-break
// weight, per spec.md §3. It is immutable after construction.
type Server struct {
	Host   string
	Port   int
	Weight int
}

// Name returns the "host:port" identity used as the Connection
// Manager's pool_name component, as the per-node circuit breaker key,
// and as the key sendMany groups requests by.
func (s Server) Name() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// vbucketMap is the immutable (primary, replica) → Server routing table
// described in spec.md §3's VBucket data model.
type vbucketMap struct {
	entries [][2]int
	nodes   []Server
}

func newVbucketMap(entries [][2]int, nodes []Server) *vbucketMap {
	return &vbucketMap{entries: entries, nodes: nodes}
}

// mask is len(vmap)-1, the sentinel -1 meaning "not yet initialized",
// per spec.md §3.
func (m *vbucketMap) mask() int {
	return len(m.entries) - 1
}

// vbucketIndex computes idx = (h>>16)&0x7FFF&mask, per spec.md §4.3 and
// the hash-masking law of §8 property 4.
func vbucketIndex(key []byte, mask int) uint16 {
	h := cbCrc(key)
	return uint16((h>>16)&0x7FFF) & uint16(mask)
}

// serverFor resolves a vbucket index to a primary or replica Server. An
// index referencing a node slot of -1 (no replica configured) returns
// ok=false.
func (m *vbucketMap) serverFor(idx uint16, isReplica bool) (Server, bool) {
	entry := m.entries[idx]
	nodeIdx := entry[0]
	if isReplica {
		nodeIdx = entry[1]
	}
	if nodeIdx < 0 || nodeIdx >= len(m.nodes) {
		return Server{}, false
	}
	return m.nodes[nodeIdx], true
}
