package gocbcorekv

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// clusterRegistry is the process-wide Cluster Registry described in
// spec.md §4.2 and Design Notes §9: one *VBucket per (cluster, bucket),
// shared by every Client pointed at the same cluster so a cold fetch
// only ever happens once per bucket even when many callers race to
// create it. The teacher's analogous sharded-lock registry coordinated
// cold fetches behind a fixed-size array of mutexes; since this module
// already buys cooperative scheduling back by letting goroutines share
// memory directly (§9 Open Question), singleflight.Group collapses that
// sharding into one call per key with no capacity to tune.
type clusterRegistry struct {
	mu      sync.Mutex
	buckets map[string]*VBucket

	group singleflight.Group
}

func newClusterRegistry() *clusterRegistry {
	return &clusterRegistry{buckets: make(map[string]*VBucket)}
}

// registryKey is cluster_name:bucket_name, per spec.md §4.2.
func registryKey(clusterName, bucketName string) string {
	return clusterName + ":" + bucketName
}

// getOrCreate returns the VBucket for (clusterName, bucketName),
// building it via a cold fetch if this is the first caller to ask for
// it. Concurrent callers for the same key all block on the single
// in-flight fetch and then share its result, per spec.md §4.2's
// "at most one concurrent config fetch per bucket" invariant.
func (r *clusterRegistry) getOrCreate(clusterName, bucketName string, seeds []string, creds Credentials) (*VBucket, error) {
	key := registryKey(clusterName, bucketName)

	r.mu.Lock()
	if vb, ok := r.buckets[key]; ok {
		r.mu.Unlock()
		return vb, nil
	}
	r.mu.Unlock()

	result, err, _ := r.group.Do(key, func() (interface{}, error) {
		// Re-check under the lock: another call may have completed its
		// own Do for this key between our first check and entering Do.
		r.mu.Lock()
		if vb, ok := r.buckets[key]; ok {
			r.mu.Unlock()
			return vb, nil
		}
		r.mu.Unlock()

		fetcher := &configFetcher{
			seeds:    seeds,
			bucket:   bucketName,
			username: creds.Username,
			password: creds.Password,
		}

		configs, err := fetcher.fetch()
		if err != nil {
			return nil, err
		}

		vb, err := buildVBucket(configs, bucketName)
		if err != nil {
			return nil, err
		}
		vb.seeds = seeds
		vb.username = creds.Username
		vb.password = creds.Password
		vb.fetch = fetcher.fetch
		vb.bind()

		r.mu.Lock()
		r.buckets[key] = vb
		r.mu.Unlock()

		return vb, nil
	})
	if err != nil {
		return nil, err
	}

	return result.(*VBucket), nil
}

// forget drops a bucket's VBucket from the registry, e.g. after the
// Client that owned it shuts down and no other Client references the
// same cluster/bucket pair.
func (r *clusterRegistry) forget(clusterName, bucketName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.buckets, registryKey(clusterName, bucketName))
}

// globalRegistry is the process-wide instance every Client shares,
// mirroring spec.md §4.2's singleton Cluster Registry.
var globalRegistry = newClusterRegistry()
