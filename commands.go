package gocbcorekv

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/couchbase/gocbcorekv/memd"
)

// GetResult is the outcome of a successful Get/GetFromReplica, per
// spec.md §3's document model: a value, its flags, and the CAS token
// needed for a subsequent mutation.
type GetResult struct {
	Value []byte
	Flags uint32
	Cas   uint64
}

func setExtras(flags uint32, expirySeconds uint32) []byte {
	extras := make([]byte, 8)
	binary.BigEndian.PutUint32(extras[0:4], flags)
	binary.BigEndian.PutUint32(extras[4:8], expirySeconds)
	return extras
}

func parseGetExtras(extras []byte) uint32 {
	if len(extras) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(extras[0:4])
}

func (c *Client) getWithCmd(key []byte, cmd memd.CmdCode, isReplica bool) (*GetResult, error) {
	resp, err := c.dispatcher().sendOne(dispatchRequest{Key: key, Cmd: cmd, IsReplica: isReplica}, c.opTimeout)
	if err != nil {
		return nil, err
	}
	return &GetResult{Value: resp.Value, Flags: parseGetExtras(resp.Extras), Cas: resp.Cas}, nil
}

// Get implements spec.md §4/§6's get operation.
func (c *Client) Get(key []byte) (*GetResult, error) {
	return c.getWithCmd(key, memd.CmdGet, false)
}

// GetQ implements spec.md §4.7's getq: the same Get-family contract as
// Get, issued with the quiet opcode. Outside a pipelined send_many
// batch a quiet opcode still replies on a hit; a miss produces no wire
// reply at all, and the call fails with a *WireError once the operation
// deadline passes rather than with a StatusKeyNotFound error, per the
// opcode's suppress-on-miss contract.
func (c *Client) GetQ(key []byte) (*GetResult, error) {
	return c.getWithCmd(key, memd.CmdGetQ, false)
}

// GetK implements spec.md §4.7's getk: the same contract as Get, using
// the opcode whose response also echoes the key back on the wire.
func (c *Client) GetK(key []byte) (*GetResult, error) {
	return c.getWithCmd(key, memd.CmdGetK, false)
}

// GetKQ implements spec.md §4.7's getkq: GetK's quiet counterpart; see
// GetQ's miss-suppression caveat.
func (c *Client) GetKQ(key []byte) (*GetResult, error) {
	return c.getWithCmd(key, memd.CmdGetKQ, false)
}

// GetFromReplica implements spec.md §4/§9's get_from_replica, resolved
// in Design Notes §9 to CmdGetReplica (0x83).
func (c *Client) GetFromReplica(key []byte) (*GetResult, error) {
	return c.getWithCmd(key, memd.CmdGetReplica, true)
}

func (c *Client) mutateWithCmd(key, value []byte, cmd memd.CmdCode, flags, expirySeconds uint32, cas uint64) (uint64, error) {
	resp, err := c.dispatcher().sendOne(dispatchRequest{
		Key:    key,
		Cmd:    cmd,
		Extras: setExtras(flags, expirySeconds),
		Value:  value,
		Cas:    cas,
	}, c.opTimeout)
	if err != nil {
		return 0, err
	}
	return resp.Cas, nil
}

// Set implements spec.md §4/§6's set (upsert) operation and returns the
// document's new CAS.
func (c *Client) Set(key, value []byte, flags uint32, expirySeconds uint32) (uint64, error) {
	return c.mutateWithCmd(key, value, memd.CmdSet, flags, expirySeconds, 0)
}

// SetQ implements spec.md §4.7's setq: Set's quiet counterpart. The
// success reply is suppressed outside a send_many batch; the returned
// CAS is only meaningful when the call doesn't time out.
func (c *Client) SetQ(key, value []byte, flags uint32, expirySeconds uint32) (uint64, error) {
	return c.mutateWithCmd(key, value, memd.CmdSetQ, flags, expirySeconds, 0)
}

// Add implements spec.md §4/§6's add (insert-only) operation: it fails
// with StatusKeyExists if the document is already present.
func (c *Client) Add(key, value []byte, flags uint32, expirySeconds uint32) (uint64, error) {
	return c.mutateWithCmd(key, value, memd.CmdAdd, flags, expirySeconds, 0)
}

// AddQ implements spec.md §4.7's addq: Add's quiet counterpart.
func (c *Client) AddQ(key, value []byte, flags uint32, expirySeconds uint32) (uint64, error) {
	return c.mutateWithCmd(key, value, memd.CmdAddQ, flags, expirySeconds, 0)
}

// Replace implements spec.md §4/§6's replace (update-only) operation. A
// non-zero cas makes the replace conditional, failing with StatusKeyExists
// on mismatch (a CAS collision), per the wire protocol's existing-CAS
// convention.
func (c *Client) Replace(key, value []byte, flags uint32, expirySeconds uint32, cas uint64) (uint64, error) {
	return c.mutateWithCmd(key, value, memd.CmdReplace, flags, expirySeconds, cas)
}

// ReplaceQ implements spec.md §4.7's replaceq: Replace's quiet
// counterpart.
func (c *Client) ReplaceQ(key, value []byte, flags uint32, expirySeconds uint32, cas uint64) (uint64, error) {
	return c.mutateWithCmd(key, value, memd.CmdReplaceQ, flags, expirySeconds, cas)
}

func (c *Client) deleteWithCmd(key []byte, cmd memd.CmdCode, cas uint64) error {
	_, err := c.dispatcher().sendOne(dispatchRequest{Key: key, Cmd: cmd, Cas: cas}, c.opTimeout)
	return err
}

// Delete implements spec.md §4/§6's delete operation. A non-zero cas
// makes the delete conditional.
func (c *Client) Delete(key []byte, cas uint64) error {
	return c.deleteWithCmd(key, memd.CmdDelete, cas)
}

// DeleteQ implements spec.md §4.7's deleteq: Delete's quiet counterpart.
func (c *Client) DeleteQ(key []byte, cas uint64) error {
	return c.deleteWithCmd(key, memd.CmdDeleteQ, cas)
}

// GetBulk implements spec.md §4.6's send_many path for a batch of gets
// and spec.md §4.7's get_bulk contract exactly: it routes and pipelines
// every key against its owning node (the first n-1 per node go out as
// GetQ, the last keeps Get), and returns a mapping of key to value
// containing only the keys that came back with status 0x0 — a miss
// leaves no entry at all, per scenario S3.
func (c *Client) GetBulk(keys [][]byte) (map[string]*GetResult, error) {
	reqs := make([]dispatchRequest, len(keys))
	for i, k := range keys {
		reqs[i] = dispatchRequest{Key: k, Cmd: memd.CmdGet}
	}

	results, err := c.dispatcher().sendMany(reqs, c.opTimeout)

	out := make(map[string]*GetResult)
	for _, r := range results {
		if r.Err != nil || r.Packet == nil {
			continue
		}
		out[string(r.Key)] = &GetResult{Value: r.Packet.Value, Flags: parseGetExtras(r.Packet.Extras), Cas: r.Packet.Cas}
	}
	return out, err
}

func (c *Client) firstNode() (Server, error) {
	st := c.vb.current()
	if st == nil || len(st.nodes) == 0 {
		var zero Server
		return zero, ErrNoRoute
	}
	return st.nodes[0], nil
}

// Hello implements spec.md §4.7's hello(): explicitly negotiates
// FeatureJSON (spec.md §9's Open Question resolution) on a pooled
// socket. The Connection Manager already runs this once per fresh
// socket during its handshake; this method exists for callers that want
// to trigger or verify the negotiation directly.
func (c *Client) Hello() error {
	server, err := c.firstNode()
	if err != nil {
		return err
	}

	pc, release, err := c.cm.acquire(context.Background(), server, c.bucket, c.dialTimeout)
	if err != nil {
		return err
	}
	defer release(false)

	return helloJSON(pc.conn, time.Now().Add(c.opTimeout))
}

// SelectBucket implements spec.md §4.7's select_bucket(name): an
// explicit rebind of a pooled socket to a different bucket, per spec.md
// §4.4's select_bucket note (the SASL-per-bucket shortcut only applies
// to the automatic handshake, not an explicit rebind).
func (c *Client) SelectBucket(name string) error {
	server, err := c.firstNode()
	if err != nil {
		return err
	}

	pc, release, err := c.cm.acquire(context.Background(), server, c.bucket, c.dialTimeout)
	if err != nil {
		return err
	}
	defer release(false)

	auth := &memdAuthConn{conn: pc.conn}
	return auth.ExecSelectBucket([]byte(name), time.Now().Add(c.opTimeout))
}
