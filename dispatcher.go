package gocbcorekv

import (
	"context"
	"time"

	"github.com/couchbase/gocbcorekv/memd"
)

// dispatchRequest is one command to route and send, per spec.md §4.6.
type dispatchRequest struct {
	Key       []byte
	Cmd       memd.CmdCode
	Extras    []byte
	Value     []byte
	Cas       uint64
	IsReplica bool
}

// dispatchResult pairs a request's outcome with the key it was for, so
// send_many's caller can reassemble results in whatever order it needs.
type dispatchResult struct {
	Key    []byte
	Packet *memd.Packet
	Err    error
}

// dispatcher implements spec.md §4.6's send_one and send_many over a
// VBucket's routing table and a connManager's pooled sockets.
type dispatcher struct {
	vb     *VBucket
	cm     *connManager
	bucket string
}

func newDispatcher(vb *VBucket, cm *connManager, bucket string) *dispatcher {
	return &dispatcher{vb: vb, cm: cm, bucket: bucket}
}

// sendOne implements spec.md §4.6's single-packet path: route, acquire a
// socket for the target node, round-trip one request with the opcode the
// caller gave (quiet opcodes are sent as they are). A
// StatusNotMyVBucket response triggers a bounded reload (at most once
// every ReloadMinInterval) before the error is returned to the caller —
// this call does not retry the request itself, per spec.md §4.6's
// "reload is best-effort and does not resubmit in-flight work" note.
func (d *dispatcher) sendOne(req dispatchRequest, timeout time.Duration) (*memd.Packet, error) {
	server, vbIdx, err := d.vb.Route(req.Key, req.IsReplica)
	if err != nil {
		return nil, err
	}

	pc, release, err := d.cm.acquire(context.Background(), server, d.bucket, timeout)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	pak := &memd.Packet{
		Magic:   memd.CmdMagicReq,
		Command: req.Cmd,
		Key:     req.Key,
		Extras:  req.Extras,
		Value:   req.Value,
		Cas:     req.Cas,
		Vbucket: vbIdx,
	}

	resp, err := roundTripPacket(pc.conn, pak, deadline)

	discard := err != nil
	if err != nil {
		if se, ok := err.(*ServerError); ok {
			discard = false
			if se.NotMyVBucket() {
				_ = d.vb.Reload(time.Now())
			}
		}
	}
	release(discard)

	return resp, err
}

// sendMany implements spec.md §4.6 step 2's batched path: group requests
// by the node they route to, then within each group rewrite the first
// n-1 packets to their quiet opcode and send the last packet with its
// original, non-quiet opcode. Quiet commands only get a wire response
// when they fail (or, for the Get family, when they hit); the final
// packet's non-quiet response is always sent and serves as the group's
// completion signal, exactly as scenario S3's wire trace shows
// (`GetQ(a), GetQ(b), Get(c)` with no synthetic flush packet). A quiet
// request that produced no response by the time the completion signal
// arrives is resolved implicitly — a miss for Get-family reads, a
// success for everything else. Failures for individual keys are
// aggregated into a *MultiError rather than aborting the batch.
func (d *dispatcher) sendMany(reqs []dispatchRequest, timeout time.Duration) ([]dispatchResult, error) {
	type group struct {
		server Server
		items  []int // indices into reqs
	}

	groups := make(map[string]*group)
	var order []string
	vbIdxs := make([]uint16, len(reqs))

	for i, req := range reqs {
		server, vbIdx, err := d.vb.Route(req.Key, req.IsReplica)
		if err != nil {
			return nil, err
		}
		vbIdxs[i] = vbIdx

		key := server.Name()
		g, ok := groups[key]
		if !ok {
			g = &group{server: server}
			groups[key] = g
			order = append(order, key)
		}
		g.items = append(g.items, i)
	}

	results := make([]dispatchResult, len(reqs))
	merr := &MultiError{}

	for _, key := range order {
		g := groups[key]

		pc, release, err := d.cm.acquire(context.Background(), g.server, d.bucket, timeout)
		if err != nil {
			for _, idx := range g.items {
				results[idx] = dispatchResult{Key: reqs[idx].Key, Err: err}
				merr.add(err)
			}
			continue
		}

		deadline := time.Now().Add(timeout)
		discard := false
		answered := make(map[int]bool, len(g.items))
		lastIdx := g.items[len(g.items)-1]

		for _, idx := range g.items {
			req := reqs[idx]
			cmd := req.Cmd
			if idx != lastIdx {
				if q, ok := memd.QuietVariant(req.Cmd); ok {
					cmd = q
				}
			}

			pak := &memd.Packet{
				Magic:   memd.CmdMagicReq,
				Command: cmd,
				Key:     req.Key,
				Extras:  req.Extras,
				Value:   req.Value,
				Cas:     req.Cas,
				Vbucket: vbIdxs[idx],
				Opaque:  uint32(idx) + 1,
			}
			if err := pc.conn.SetDeadline(deadline); err != nil {
				discard = true
				break
			}
			if err := pc.conn.WritePacket(pak); err != nil {
				discard = true
				break
			}
		}

		if !discard {
		readLoop:
			for {
				resp, err := pc.conn.ReadPacket()
				if err != nil {
					discard = true
					break
				}

				idx := int(resp.Opaque) - 1
				if idx < 0 || idx >= len(reqs) {
					continue
				}
				answered[idx] = true

				if resp.Status != memd.StatusSuccess {
					serr := &ServerError{Status: resp.Status, Value: resp.Value}
					if serr.NotMyVBucket() {
						_ = d.vb.Reload(time.Now())
					}
					results[idx] = dispatchResult{Key: reqs[idx].Key, Packet: resp, Err: serr}
					merr.add(serr)
				} else {
					results[idx] = dispatchResult{Key: reqs[idx].Key, Packet: resp}
				}

				if idx == lastIdx {
					break readLoop
				}
			}
		}

		if discard {
			for _, idx := range g.items {
				if !answered[idx] {
					results[idx] = dispatchResult{Key: reqs[idx].Key, Err: ErrTimeout}
					merr.add(ErrTimeout)
				}
			}
			release(true)
			continue
		}

		for _, idx := range g.items {
			if answered[idx] {
				continue
			}
			if isGetFamily(reqs[idx].Cmd) {
				serr := &ServerError{Status: memd.StatusKeyNotFound}
				results[idx] = dispatchResult{Key: reqs[idx].Key, Err: serr}
				merr.add(serr)
			} else {
				results[idx] = dispatchResult{Key: reqs[idx].Key}
			}
		}

		release(false)
	}

	return results, merr.get()
}

// isGetFamily reports whether cmd's quiet variant suppresses misses
// rather than successes, per the binary protocol's Get/GetK semantics.
func isGetFamily(cmd memd.CmdCode) bool {
	return cmd == memd.CmdGet || cmd == memd.CmdGetK
}

func roundTripPacket(conn *memdConn, pak *memd.Packet, deadline time.Time) (*memd.Packet, error) {
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	if err := conn.WritePacket(pak); err != nil {
		return nil, err
	}
	resp, err := conn.ReadPacket()
	if err != nil {
		return nil, err
	}
	if resp.Status != memd.StatusSuccess {
		return resp, &ServerError{Status: resp.Status, Value: resp.Value}
	}
	return resp, nil
}
