package gocbcorekv

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/puddle/v2"
)

// PoolMaxIdle is the per-pool_name socket limit, per spec.md §4.5. It is
// applied as puddle's MaxSize, so it caps idle and checked-out sockets
// together.
const PoolMaxIdle = 100

// PoolIdleTimeout is how long an idle socket may sit in a pool before
// being reaped, per spec.md §4.5.
const PoolIdleTimeout = 10 * time.Second

// pooledConn is one socket tracked by the Connection Manager. reuseCount
// lets acquire() distinguish a brand-new connection (needing the SASL
// handshake) from a reused, already-authenticated one, per spec.md §4.5
// step 2. It is only ever touched while the resource is checked out of
// the pool, so it needs no synchronization of its own.
type pooledConn struct {
	conn        *memdConn
	server      Server
	reuseCount  int
	lastAcquire time.Time
}

// connPool wraps one puddle.Pool[*pooledConn] per pool_name
// (host:port:bucket), grounded on pior-memcache's pool_puddle.go.
type connPool struct {
	pool *puddle.Pool[*pooledConn]
}

func newConnPool(server Server, dial func() (*memdConn, error)) (*connPool, error) {
	cfg := &puddle.Config[*pooledConn]{
		Constructor: func(ctx context.Context) (*pooledConn, error) {
			conn, err := dial()
			if err != nil {
				return nil, err
			}
			return &pooledConn{conn: conn, server: server}, nil
		},
		Destructor: func(pc *pooledConn) {
			_ = pc.conn.Close()
		},
		MaxSize: PoolMaxIdle,
	}

	p, err := puddle.NewPool(cfg)
	if err != nil {
		return nil, err
	}
	return &connPool{pool: p}, nil
}

// acquire fetches a socket from the pool, creating one if necessary.
func (p *connPool) acquire(ctx context.Context) (*puddle.Resource[*pooledConn], error) {
	return p.pool.Acquire(ctx)
}

// release returns res to the pool, or destroys it if discard is true
// (the socket failed and must not be reused, per spec.md §4.6's state
// machine: "any -> error -> CLOSED, socket dropped, not pooled").
func (p *connPool) release(res *puddle.Resource[*pooledConn], discard bool) {
	if discard {
		res.Destroy()
		return
	}
	res.Value().lastAcquire = time.Now()
	res.Release()
}

func (p *connPool) close() {
	p.pool.Close()
}

// reapIdle destroys idle resources that have exceeded PoolIdleTimeout.
// puddle has no built-in idle timeout, so this closes exactly that gap;
// call it periodically (e.g. from a background ticker owned by the
// Connection Manager).
func (p *connPool) reapIdle(now time.Time) {
	for _, res := range p.pool.AcquireAllIdle() {
		if now.Sub(res.Value().lastAcquire) > PoolIdleTimeout {
			res.Destroy()
		} else {
			res.Release()
		}
	}
}

// poolRegistry owns one connPool per pool_name.
type poolRegistry struct {
	mu    sync.Mutex
	pools map[string]*connPool
}

func newPoolRegistry() *poolRegistry {
	return &poolRegistry{pools: make(map[string]*connPool)}
}

func (r *poolRegistry) get(poolName string, server Server, dial func() (*memdConn, error)) (*connPool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.pools[poolName]; ok {
		return p, nil
	}
	p, err := newConnPool(server, dial)
	if err != nil {
		return nil, err
	}
	r.pools[poolName] = p
	return p, nil
}

func (r *poolRegistry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.pools {
		p.close()
	}
	r.pools = make(map[string]*connPool)
}
