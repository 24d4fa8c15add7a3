package gocbcorekv

import (
	"context"
	"testing"
	"time"

	"github.com/couchbase/gocbcorekv/memd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeSkipsSelectBucketWhenBucketEqualsUsername(t *testing.T) {
	var sawSelectBucket bool
	srv, err := newFakeMemdServer(func(req *memd.Packet) *memd.Packet {
		switch req.Command {
		case memd.CmdHello:
			return &memd.Packet{Status: memd.StatusSuccess}
		case memd.CmdSASLListMechs:
			return &memd.Packet{Status: memd.StatusSuccess, Value: []byte("PLAIN")}
		case memd.CmdSASLAuth:
			return &memd.Packet{Status: memd.StatusSuccess}
		case memd.CmdSelectBucket:
			sawSelectBucket = true
			return &memd.Packet{Status: memd.StatusSuccess}
		default:
			return &memd.Packet{Status: memd.StatusSuccess}
		}
	})
	require.NoError(t, err)
	t.Cleanup(srv.close)

	host, port, err := splitHostPort(srv.addr())
	require.NoError(t, err)
	server := Server{Host: host, Port: port}

	cm := newConnManager(Credentials{Username: "mybucket", Password: "password"})
	t.Cleanup(cm.stop)

	_, release, err := cm.acquire(context.Background(), server, "mybucket", time.Second)
	require.NoError(t, err)
	release(false)

	assert.False(t, sawSelectBucket, "select_bucket must be skipped when bucket == username")
}

func TestHandshakeSendsSelectBucketWhenBucketDiffersFromUsername(t *testing.T) {
	var sawSelectBucket bool
	srv, err := newFakeMemdServer(func(req *memd.Packet) *memd.Packet {
		switch req.Command {
		case memd.CmdHello:
			return &memd.Packet{Status: memd.StatusSuccess}
		case memd.CmdSASLListMechs:
			return &memd.Packet{Status: memd.StatusSuccess, Value: []byte("PLAIN")}
		case memd.CmdSASLAuth:
			return &memd.Packet{Status: memd.StatusSuccess}
		case memd.CmdSelectBucket:
			sawSelectBucket = true
			assert.Equal(t, "otherbucket", string(req.Key))
			return &memd.Packet{Status: memd.StatusSuccess}
		default:
			return &memd.Packet{Status: memd.StatusSuccess}
		}
	})
	require.NoError(t, err)
	t.Cleanup(srv.close)

	host, port, err := splitHostPort(srv.addr())
	require.NoError(t, err)
	server := Server{Host: host, Port: port}

	cm := newConnManager(Credentials{Username: "Administrator", Password: "password"})
	t.Cleanup(cm.stop)

	_, release, err := cm.acquire(context.Background(), server, "otherbucket", time.Second)
	require.NoError(t, err)
	release(false)

	assert.True(t, sawSelectBucket, "select_bucket must run when bucket differs from username")
}
