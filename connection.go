package gocbcorekv

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/couchbase/gocbcorekv/memd"
	"github.com/sony/gobreaker/v2"
)

// Credentials names the username/password pair the Connection Manager
// authenticates every fresh socket with, per spec.md §4.4.
type Credentials struct {
	Username string
	Password string
}

// memdAuthConn adapts a memdConn to the AuthClient interface SaslAuthBest
// and SaslAuthScramSha1 speak against, per spec.md §4.4.
type memdAuthConn struct {
	conn   *memdConn
	opaque uint32
}

func (a *memdAuthConn) Address() string { return a.conn.RemoteAddr() }

func (a *memdAuthConn) nextOpaque() uint32 {
	a.opaque++
	return a.opaque
}

func (a *memdAuthConn) roundTrip(cmd memd.CmdCode, k, v []byte, deadline time.Time) (*memd.Packet, error) {
	if err := a.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	req := &memd.Packet{
		Magic:   memd.CmdMagicReq,
		Command: cmd,
		Key:     k,
		Value:   v,
		Opaque:  a.nextOpaque(),
	}
	if err := a.conn.WritePacket(req); err != nil {
		return nil, err
	}
	resp, err := a.conn.ReadPacket()
	if err != nil {
		return nil, err
	}
	if resp.Status != memd.StatusSuccess && resp.Status != memd.StatusAuthContinue {
		return resp, &ServerError{Status: resp.Status, Value: resp.Value}
	}
	return resp, nil
}

func (a *memdAuthConn) ExecSaslListMechs(deadline time.Time) ([]string, error) {
	resp, err := a.roundTrip(memd.CmdSASLListMechs, nil, nil, deadline)
	if err != nil {
		return nil, err
	}
	return splitFields(resp.Value), nil
}

func (a *memdAuthConn) ExecSaslAuth(k, v []byte, deadline time.Time) ([]byte, error) {
	resp, err := a.roundTrip(memd.CmdSASLAuth, k, v, deadline)
	if err != nil {
		return nil, err
	}
	return resp.Value, nil
}

func (a *memdAuthConn) ExecSaslStep(k, v []byte, deadline time.Time) ([]byte, error) {
	resp, err := a.roundTrip(memd.CmdSASLStep, k, v, deadline)
	if err != nil {
		return nil, err
	}
	return resp.Value, nil
}

func (a *memdAuthConn) ExecSelectBucket(b []byte, deadline time.Time) error {
	_, err := a.roundTrip(memd.CmdSelectBucket, b, nil, deadline)
	return err
}

func splitFields(body []byte) []string {
	var out []string
	start := -1
	for i, b := range body {
		isSpace := b == ' ' || b == '\t' || b == '\n' || b == 0
		if isSpace {
			if start >= 0 {
				out = append(out, string(body[start:i]))
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		out = append(out, string(body[start:]))
	}
	return out
}

// connManager is the Connection Manager described in spec.md §4.5: it
// owns a pool per pool_name, authenticates fresh sockets on first use,
// and trips a per-node circuit breaker on repeated connect failures.
type connManager struct {
	creds Credentials
	pools *poolRegistry

	brMu      sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker[*memdConn]
	reapOnce  sync.Once
	reapStopC chan struct{}
}

func newConnManager(creds Credentials) *connManager {
	return &connManager{
		creds:     creds,
		pools:     newPoolRegistry(),
		breakers:  make(map[string]*gobreaker.CircuitBreaker[*memdConn]),
		reapStopC: make(chan struct{}),
	}
}

// breakerFor returns the per-node circuit breaker gating dial attempts,
// per spec.md §4.5: three consecutive connect failures trip it for 30s.
func (m *connManager) breakerFor(node string) *gobreaker.CircuitBreaker[*memdConn] {
	m.brMu.Lock()
	defer m.brMu.Unlock()

	if br, ok := m.breakers[node]; ok {
		return br
	}

	br := gobreaker.NewCircuitBreaker[*memdConn](gobreaker.Settings{
		Name:        node,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	m.breakers[node] = br
	return br
}

// poolName is host:port:bucket per spec.md §4.5.
func poolName(server Server, bucket string) string {
	return server.Name() + ":" + bucket
}

// acquire hands back an authenticated, bucket-selected socket for server,
// running the SASL_list -> SASL_auth -> SASL_step -> select_bucket
// handshake exactly once per fresh socket (spec.md §4.5 step 2).
func (m *connManager) acquire(ctx context.Context, server Server, bucket string, dialTimeout time.Duration) (*pooledConn, func(bool), error) {
	name := poolName(server, bucket)
	address := server.Name()
	breaker := m.breakerFor(address)

	pool, err := m.pools.get(name, server, func() (*memdConn, error) {
		return breaker.Execute(func() (*memdConn, error) {
			return dialMemdConn(address, time.Now().Add(dialTimeout))
		})
	})
	if err != nil {
		return nil, nil, err
	}

	r, err := pool.acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	pc := r.Value()

	if pc.reuseCount == 0 {
		if err := m.handshake(pc.conn, bucket, dialTimeout); err != nil {
			r.Destroy()
			return nil, nil, &AuthError{Err: err}
		}
	}
	pc.reuseCount++

	release := func(discard bool) { pool.release(r, discard) }
	return pc, release, nil
}

// handshake runs the fresh-socket sequence spec.md §4.4/§4.5/§9 describe:
// hello() negotiates FeatureJSON first, then SASL, then select_bucket —
// unless the bucket name equals the username, in which case SASL auth
// already selected that bucket implicitly and select_bucket is skipped
// (spec.md §4.4's SASL-per-bucket shortcut).
func (m *connManager) handshake(conn *memdConn, bucket string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	auth := &memdAuthConn{conn: conn}

	if err := helloJSON(conn, deadline); err != nil {
		return err
	}
	if err := SaslAuthBest(m.creds.Username, m.creds.Password, auth, deadline); err != nil {
		return err
	}
	if bucket != "" && bucket != m.creds.Username {
		if err := auth.ExecSelectBucket([]byte(bucket), deadline); err != nil {
			return err
		}
	}
	return nil
}

// helloJSON negotiates the single feature this module's hello() asks
// for, per spec.md §9's Open Question resolution: FeatureJSON (0x0b).
func helloJSON(conn *memdConn, deadline time.Time) error {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, uint16(memd.FeatureJSON))

	_, err := roundTripPacket(conn, &memd.Packet{
		Magic:   memd.CmdMagicReq,
		Command: memd.CmdHello,
		Key:     []byte("mchello v1.0"),
		Value:   payload,
	}, deadline)
	return err
}

// startReaper runs reapIdle across every pool on interval until stop is
// called, per spec.md §4.5's idle-socket accounting.
func (m *connManager) startReaper(interval time.Duration) {
	m.reapOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					m.pools.mu.Lock()
					pools := make([]*connPool, 0, len(m.pools.pools))
					for _, p := range m.pools.pools {
						pools = append(pools, p)
					}
					m.pools.mu.Unlock()
					now := time.Now()
					for _, p := range pools {
						p.reapIdle(now)
					}
				case <-m.reapStopC:
					return
				}
			}
		}()
	})
}

func (m *connManager) stop() {
	close(m.reapStopC)
	m.pools.closeAll()
}

