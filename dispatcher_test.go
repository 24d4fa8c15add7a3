package gocbcorekv

import (
	"testing"
	"time"

	"github.com/couchbase/gocbcorekv/memd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T, addr string) *dispatcher {
	host, port, err := splitHostPort(addr)
	require.NoError(t, err)

	nodes := []Server{{Host: host, Port: port}}
	entries := [][2]int{{0, -1}}
	vb := &VBucket{nodes: nodes, vmap: newVbucketMap(entries, nodes)}
	vb.bind()

	cm := newConnManager(Credentials{Username: "Administrator", Password: "password"})
	t.Cleanup(cm.stop)

	return newDispatcher(vb, cm, "")
}

func TestDispatcherSendOneSuccess(t *testing.T) {
	srv, err := newFakeMemdServer(autoAuthHandler(func(req *memd.Packet) *memd.Packet {
		if req.Command == memd.CmdGet {
			return &memd.Packet{Status: memd.StatusSuccess, Value: []byte("hello"), Cas: 7}
		}
		return &memd.Packet{Status: memd.StatusSuccess}
	}))
	require.NoError(t, err)
	t.Cleanup(srv.close)

	d := newTestDispatcher(t, srv.addr())
	resp, err := d.sendOne(dispatchRequest{Key: []byte("k1"), Cmd: memd.CmdGet}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), resp.Value)
	assert.Equal(t, uint64(7), resp.Cas)
}

func TestDispatcherSendOneServerError(t *testing.T) {
	srv, err := newFakeMemdServer(autoAuthHandler(func(req *memd.Packet) *memd.Packet {
		return &memd.Packet{Status: memd.StatusKeyNotFound}
	}))
	require.NoError(t, err)
	t.Cleanup(srv.close)

	d := newTestDispatcher(t, srv.addr())
	_, err = d.sendOne(dispatchRequest{Key: []byte("missing"), Cmd: memd.CmdGet}, time.Second)
	require.Error(t, err)

	serr, ok := err.(*ServerError)
	require.True(t, ok)
	assert.Equal(t, memd.StatusKeyNotFound, serr.Status)
}

func TestDispatcherSendOneTriggersReloadOnNotMyVBucket(t *testing.T) {
	srv, err := newFakeMemdServer(autoAuthHandler(func(req *memd.Packet) *memd.Packet {
		return &memd.Packet{Status: memd.StatusNotMyVBucket}
	}))
	require.NoError(t, err)
	t.Cleanup(srv.close)

	d := newTestDispatcher(t, srv.addr())

	reloaded := false
	d.vb.fetch = func() ([]*cfgBucket, error) {
		reloaded = true
		return nil, assert.AnError
	}

	_, err = d.sendOne(dispatchRequest{Key: []byte("k"), Cmd: memd.CmdGet}, time.Second)
	require.Error(t, err)
	assert.True(t, reloaded, "a not-my-vbucket response must trigger a reload attempt")
}

func TestDispatcherSendManyMixedHitsAndMisses(t *testing.T) {
	present := map[string][]byte{
		"k1": []byte("v1"),
		"k3": []byte("v3"),
	}

	srv, err := newFakeMemdServer(autoAuthHandler(func(req *memd.Packet) *memd.Packet {
		switch req.Command {
		case memd.CmdGetQ:
			if v, ok := present[string(req.Key)]; ok {
				return &memd.Packet{Status: memd.StatusSuccess, Value: v}
			}
			return nil // quiet miss: no response
		case memd.CmdGet:
			if v, ok := present[string(req.Key)]; ok {
				return &memd.Packet{Status: memd.StatusSuccess, Value: v}
			}
			return &memd.Packet{Status: memd.StatusKeyNotFound}
		default:
			return &memd.Packet{Status: memd.StatusSuccess}
		}
	}))
	require.NoError(t, err)
	t.Cleanup(srv.close)

	d := newTestDispatcher(t, srv.addr())

	// k1, k2 go out as GetQ (quiet); k3, being last in the group, keeps
	// the non-quiet Get and carries the completion signal, per spec.md
	// §4.6 step 2 and scenario S3's wire trace.
	reqs := []dispatchRequest{
		{Key: []byte("k1"), Cmd: memd.CmdGet},
		{Key: []byte("k2"), Cmd: memd.CmdGet},
		{Key: []byte("k3"), Cmd: memd.CmdGet},
	}

	results, err := d.sendMany(reqs, time.Second)
	require.Len(t, results, 3)

	assert.NoError(t, results[0].Err)
	assert.Equal(t, []byte("v1"), results[0].Packet.Value)

	assert.Error(t, results[1].Err)
	serr, ok := results[1].Err.(*ServerError)
	require.True(t, ok)
	assert.Equal(t, memd.StatusKeyNotFound, serr.Status, "an unanswered GetQ implies a miss")

	assert.NoError(t, results[2].Err)
	assert.Equal(t, []byte("v3"), results[2].Packet.Value)

	assert.Error(t, err, "sendMany aggregates the one miss into its returned error")
}

func TestDispatcherSendManyQuietWriteImpliesSuccess(t *testing.T) {
	srv, err := newFakeMemdServer(autoAuthHandler(func(req *memd.Packet) *memd.Packet {
		if req.Command == memd.CmdSet {
			// the last item in the group: non-quiet, always answered.
			return &memd.Packet{Status: memd.StatusSuccess}
		}
		// SetQ: suppress the success reply entirely, as the real
		// protocol does.
		return nil
	}))
	require.NoError(t, err)
	t.Cleanup(srv.close)

	d := newTestDispatcher(t, srv.addr())
	reqs := []dispatchRequest{
		{Key: []byte("a"), Cmd: memd.CmdSet, Value: []byte("1")},
		{Key: []byte("b"), Cmd: memd.CmdSet, Value: []byte("2")},
	}

	results, err := d.sendMany(reqs, time.Second)
	require.NoError(t, err)
	for _, r := range results {
		assert.NoError(t, r.Err, "an unanswered quiet SetQ implies success")
	}
}
