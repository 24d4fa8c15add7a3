package gocbcorekv

import (
	"sync/atomic"
	"time"
)

// ReloadMinInterval is the minimum time between successful topology
// refreshes for a single VBucket, per spec.md §3/§6's reload_min_interval.
const ReloadMinInterval = 15 * time.Second

// VBucket is the per-bucket routing table described in spec.md §3. Its
// mask/nodes/vmap triple is rebound atomically on reload; callers never
// observe a half-updated table.
type VBucket struct {
	name     string
	hashAlgo string
	username string
	password string

	seeds []string

	state atomic.Pointer[vbucketState]

	// lastReload is the Unix nanosecond time (wall clock, taken from the
	// time passed to Reload) of the last claimed reload, CAS'd so that at
	// most one reload per ReloadMinInterval succeeds regardless of how
	// many callers observe a triggering error concurrently (§5, §8
	// property 6). Lifted onto the VBucket itself per Design Notes §9,
	// rather than one shared global.
	lastReload atomic.Int64

	fetch func() ([]*cfgBucket, error)

	nodes []Server
	vmap  *vbucketMap
}

// vbucketState is swapped as a unit by reload so readers never see a
// nodes/vmap pair from two different configs.
type vbucketState struct {
	nodes []Server
	vmap  *vbucketMap
}

func newVBucketState(nodes []Server, vmap *vbucketMap) *vbucketState {
	return &vbucketState{nodes: nodes, vmap: vmap}
}

// bind installs vb's resolved nodes/vmap as the current routing state.
func (vb *VBucket) bind() {
	vb.state.Store(newVBucketState(vb.nodes, vb.vmap))
}

func (vb *VBucket) current() *vbucketState {
	return vb.state.Load()
}

// Mask returns len(vmap)-1, or -1 if the VBucket has no routing table
// yet, per spec.md §3.
func (vb *VBucket) Mask() int {
	st := vb.current()
	if st == nil || st.vmap == nil {
		return -1
	}
	return st.vmap.mask()
}

// Route implements spec.md §4.3's route(packet) operation: it requires
// an initialized mask, computes the vbucket index from the key, and
// returns the primary or replica server together with that index, which
// the caller sets on the packet.
func (vb *VBucket) Route(key []byte, isReplica bool) (Server, uint16, error) {
	st := vb.current()
	if st == nil || st.vmap == nil || st.vmap.mask() < 0 {
		return Server{}, 0, ErrNoRoute
	}

	idx := vbucketIndex(key, st.vmap.mask())
	srv, ok := st.vmap.serverFor(idx, isReplica)
	if !ok {
		return Server{}, idx, ErrNoRoute
	}
	return srv, idx, nil
}

// shouldReload reports whether at least ReloadMinInterval has elapsed
// since the last claimed reload, successful or not, atomically claiming
// the right to perform it so that concurrent callers don't all refresh
// at once (§8 property 6).
func (vb *VBucket) shouldReload(now time.Time) bool {
	nowNanos := now.UnixNano()
	last := vb.lastReload.Load()
	if nowNanos-last < ReloadMinInterval.Nanoseconds() {
		return false
	}
	return vb.lastReload.CompareAndSwap(last, nowNanos)
}

// Reload implements spec.md §4.3's reload(vbucket) operation: best-effort,
// rate-limited, and a no-op on fetch failure (the old topology remains).
func (vb *VBucket) Reload(now time.Time) error {
	if !vb.shouldReload(now) {
		return nil
	}

	configs, err := vb.fetch()
	if err != nil {
		return err
	}

	fresh, err := buildVBucket(configs, vb.name)
	if err != nil {
		return err
	}

	vb.nodes = fresh.nodes
	vb.vmap = fresh.vmap
	vb.bind()
	return nil
}
