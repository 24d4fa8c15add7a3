package gocbcorekv

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCbCrcKnownVector(t *testing.T) {
	// hash/crc32.ChecksumIEEE("") is 0 for every table; a non-empty key
	// must differ, and the function must be deterministic.
	assert.Equal(t, uint32(0), cbCrc(nil))

	a := cbCrc([]byte("hello"))
	b := cbCrc([]byte("hello"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, uint32(0), a)

	assert.NotEqual(t, cbCrc([]byte("hello")), cbCrc([]byte("world")))
}
