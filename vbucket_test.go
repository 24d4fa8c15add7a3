package gocbcorekv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVBucket() *VBucket {
	nodes := []Server{{Host: "n1", Port: 11210}, {Host: "n2", Port: 11210}}
	entries := [][2]int{{0, 1}, {1, 0}}
	vb := &VBucket{name: "default", nodes: nodes, vmap: newVbucketMap(entries, nodes)}
	vb.bind()
	return vb
}

func TestVBucketRouteWithoutMapIsNoRoute(t *testing.T) {
	vb := &VBucket{}
	vb.bind()
	_, _, err := vb.Route([]byte("key"), false)
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestVBucketRouteResolvesServer(t *testing.T) {
	vb := newTestVBucket()
	srv, idx, err := vb.Route([]byte("some-key"), false)
	require.NoError(t, err)
	assert.LessOrEqual(t, int(idx), vb.Mask())
	assert.Contains(t, vb.nodes, srv)
}

func TestShouldReloadRateLimits(t *testing.T) {
	vb := &VBucket{}
	now := time.Unix(1000, 0)

	assert.True(t, vb.shouldReload(now), "first call claims the right to reload")
	assert.False(t, vb.shouldReload(now.Add(time.Second)), "within ReloadMinInterval, no second claim")
	assert.True(t, vb.shouldReload(now.Add(ReloadMinInterval+time.Second)), "after the cooldown, claim again")
}

func TestReloadIsNoOpOnFetchFailure(t *testing.T) {
	vb := newTestVBucket()
	wantErr := assert.AnError
	vb.fetch = func() ([]*cfgBucket, error) { return nil, wantErr }

	before := vb.current()
	err := vb.Reload(time.Now())
	assert.ErrorIs(t, err, wantErr)
	assert.Same(t, before, vb.current(), "a failed reload must not disturb the existing routing table")
}
