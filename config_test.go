package gocbcorekv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleBucketConfig = `{
	"name": "default",
	"bucketType": "membase",
	"uuid": "abc123",
	"vBucketServerMap": {
		"hashAlgorithm": "CRC",
		"serverList": ["10.0.0.1:11210", "10.0.0.2:11210"],
		"vBucketMap": [[0, 1], [1, 0]]
	},
	"nodesExt": [
		{"hostname": "10.0.0.1", "services": {"kv": 11210, "n1ql": 8093}, "thisNode": true},
		{"hostname": "10.0.0.2", "services": {"kv": 11210, "n1ql": 8093}}
	]
}`

const sampleMemcachedConfig = `{"name": "legacy", "bucketType": "memcached"}`

func TestParseConfig(t *testing.T) {
	cfg, err := parseConfig([]byte(sampleBucketConfig))
	require.NoError(t, err)
	assert.Equal(t, "default", cfg.Name)
	assert.Equal(t, "membase", cfg.BucketType)
	assert.Len(t, cfg.VBucketServerMap.ServerList, 2)
	assert.Len(t, cfg.NodesExt, 2)
}

func TestParseConfigInvalidJSON(t *testing.T) {
	_, err := parseConfig([]byte("not json"))
	assert.Error(t, err)
}

func TestBuildVBucketFromConfig(t *testing.T) {
	cfg, err := parseConfig([]byte(sampleBucketConfig))
	require.NoError(t, err)

	vb, err := buildVBucket([]*cfgBucket{cfg}, "default")
	require.NoError(t, err)

	assert.Equal(t, "CRC", vb.hashAlgo)
	require.Len(t, vb.nodes, 2)
	assert.Equal(t, Server{Host: "10.0.0.1", Port: 11210}, vb.nodes[0])
	assert.Equal(t, 1, vb.vmap.mask())
}

func TestBuildVBucketRejectsMemcachedBuckets(t *testing.T) {
	cfg, err := parseConfig([]byte(sampleMemcachedConfig))
	require.NoError(t, err)

	_, err = buildVBucket([]*cfgBucket{cfg}, "legacy")
	assert.ErrorIs(t, err, ErrUnsupportedBucketType)
}

func TestBuildVBucketUnknownBucketName(t *testing.T) {
	cfg, err := parseConfig([]byte(sampleBucketConfig))
	require.NoError(t, err)

	_, err = buildVBucket([]*cfgBucket{cfg}, "nope")
	assert.Error(t, err)
}

func TestSplitHostPort(t *testing.T) {
	host, port, err := splitHostPort("10.0.0.1:11210")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", host)
	assert.Equal(t, 11210, port)

	_, _, err = splitHostPort("bad")
	assert.Error(t, err)
}
