package gocbcorekv

import "hash/crc32"

// cbCrc computes the "short" CRC32 hash used by the cluster to assign
// keys to vbuckets: the IEEE CRC32 of the raw key bytes, consumed by
// route() per spec.md §4.3/§8 property 4.
func cbCrc(key []byte) uint32 {
	return crc32.ChecksumIEEE(key)
}
