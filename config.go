package gocbcorekv

import (
	"encoding/json"
	"fmt"
	"strings"
)

// cfgNodeServices is the subset of a node's service-port map this
// module routes on, trimmed from config.go's full cfgNodeServices to
// the kv and n1ql ports spec.md §4.7's query() and §4.5's connection
// manager need.
type cfgNodeServices struct {
	KV   uint16 `json:"kv"`
	N1ql uint16 `json:"n1ql"`
}

// cfgNodeExt describes one node in the "nodesExt" array of a cluster
// config response, per spec.md §6.
type cfgNodeExt struct {
	Services cfgNodeServices `json:"services"`
	Hostname string          `json:"hostname"`
	ThisNode bool            `json:"thisNode"`
}

// cfgVBucketServerMap is the vBucketServerMap object of a bucket config,
// per spec.md §4.2/§6.
type cfgVBucketServerMap struct {
	HashAlgorithm string  `json:"hashAlgorithm"`
	ServerList    []string `json:"serverList"`
	VBucketMap    [][]int  `json:"vBucketMap"`
}

// cfgBucket is the JSON shape of a GET /pools/default/buckets/<bucket>
// response, trimmed to the fields spec.md §4.2 names.
type cfgBucket struct {
	Name                   string               `json:"name"`
	BucketType             string               `json:"bucketType"`
	UUID                   string               `json:"uuid"`
	VBucketServerMap       cfgVBucketServerMap  `json:"vBucketServerMap"`
	NodesExt               []cfgNodeExt         `json:"nodesExt,omitempty"`
}

// parseConfig decodes a cluster config response body.
func parseConfig(body []byte) (*cfgBucket, error) {
	bk := new(cfgBucket)
	if err := json.Unmarshal(body, bk); err != nil {
		return nil, fmt.Errorf("gocbcorekv: parse config: %w", err)
	}
	return bk, nil
}

// buildVBucket implements spec.md §4.2's build_vbucket operation: locate
// the config entry matching bucketName, reject memcached-type buckets,
// and translate vBucketServerMap into a *VBucket routing table.
func buildVBucket(configs []*cfgBucket, bucketName string) (*VBucket, error) {
	var cfg *cfgBucket
	for _, c := range configs {
		if c.Name == bucketName {
			cfg = c
			break
		}
	}
	if cfg == nil {
		return nil, fmt.Errorf("gocbcorekv: no config found for bucket %q", bucketName)
	}
	if cfg.BucketType == "memcached" {
		return nil, ErrUnsupportedBucketType
	}

	nodes := make([]Server, 0, len(cfg.VBucketServerMap.ServerList))
	for _, hp := range cfg.VBucketServerMap.ServerList {
		host, port, err := splitHostPort(hp)
		if err != nil {
			return nil, fmt.Errorf("gocbcorekv: invalid server list entry %q: %w", hp, err)
		}
		nodes = append(nodes, Server{Host: host, Port: port})
	}

	entries := make([][2]int, len(cfg.VBucketServerMap.VBucketMap))
	for i, pair := range cfg.VBucketServerMap.VBucketMap {
		primary, replica := -1, -1
		if len(pair) > 0 {
			primary = pair[0]
		}
		if len(pair) > 1 {
			replica = pair[1]
		}
		entries[i] = [2]int{primary, replica}
	}

	vb := &VBucket{
		name:     bucketName,
		hashAlgo: cfg.VBucketServerMap.HashAlgorithm,
		nodes:    nodes,
		vmap:     newVbucketMap(entries, nodes),
	}
	return vb, nil
}

// splitHostPort parses a "host:port" string without touching net's
// resolver, mirroring config.go's own reluctance to hand kv addresses
// to anything beyond simple string splitting.
func splitHostPort(hp string) (string, int, error) {
	idx := strings.LastIndex(hp, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("missing port")
	}
	host := hp[:idx]
	var port int
	if _, err := fmt.Sscanf(hp[idx+1:], "%d", &port); err != nil {
		return "", 0, err
	}
	return host, port, nil
}
