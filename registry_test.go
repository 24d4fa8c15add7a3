package gocbcorekv

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClusterRegistryGetOrCreateCachesResult(t *testing.T) {
	srv := newFakeConfigServer(t, sampleBucketConfig)
	r := newClusterRegistry()

	vb1, err := r.getOrCreate("cluster1", "default", []string{srv.addr()}, Credentials{})
	require.NoError(t, err)

	vb2, err := r.getOrCreate("cluster1", "default", []string{srv.addr()}, Credentials{})
	require.NoError(t, err)

	assert.Same(t, vb1, vb2, "a second call for the same cluster/bucket must reuse the cached VBucket")
	assert.Equal(t, int64(1), srv.hits.Load(), "the second call must not refetch")
}

func TestClusterRegistryCoalescesConcurrentColdFetches(t *testing.T) {
	srv := newFakeConfigServer(t, sampleBucketConfig)
	r := newClusterRegistry()

	const n = 20
	var wg sync.WaitGroup
	results := make([]*VBucket, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			vb, err := r.getOrCreate("cluster1", "default", []string{srv.addr()}, Credentials{})
			results[i] = vb
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, results[0], results[i], "every concurrent caller must observe the same VBucket instance")
	}

	assert.Equal(t, int64(1), srv.hits.Load(), "singleflight must coalesce concurrent cold fetches into one config fetch")
}

func TestClusterRegistryForget(t *testing.T) {
	srv := newFakeConfigServer(t, sampleBucketConfig)
	r := newClusterRegistry()

	vb1, err := r.getOrCreate("cluster1", "default", []string{srv.addr()}, Credentials{})
	require.NoError(t, err)

	r.forget("cluster1", "default")

	vb2, err := r.getOrCreate("cluster1", "default", []string{srv.addr()}, Credentials{})
	require.NoError(t, err)

	assert.NotSame(t, vb1, vb2, "after forget, a fresh cold fetch builds a new VBucket")
	assert.Equal(t, int64(2), srv.hits.Load())
}
