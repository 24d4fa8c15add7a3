package gocbcorekv

import (
	"time"

	"github.com/google/uuid"
)

// DefaultOpTimeout is the per-operation deadline spec.md §4.5 assumes
// when a caller doesn't override it.
const DefaultOpTimeout = 5 * time.Second

// DefaultDialTimeout bounds a fresh socket's connect+handshake when Hello,
// SelectBucket or Query acquire a socket. Operations sent through the
// dispatcher bound connect+handshake by the per-operation timeout instead,
// and the config fetch uses ConfigFetchTimeout.
const DefaultDialTimeout = 5 * time.Second

// ClientOptions configures a new Client.
type ClientOptions struct {
	ClusterName string
	Seeds       []string
	Bucket      string
	Username    string
	Password    string

	OpTimeout   time.Duration
	DialTimeout time.Duration
}

// Client is the facade described in spec.md §4/§6: it owns a cluster
// connection's credentials and timeouts, and resolves operations against
// the process-wide Cluster Registry and a private Connection Manager.
// Grounded on the teacher's top-level Agent, trimmed to the CORE surface
// this module implements.
type Client struct {
	id string

	clusterName string
	bucket      string
	seeds       []string
	creds       Credentials

	opTimeout   time.Duration
	dialTimeout time.Duration

	cm *connManager
	vb *VBucket
}

// NewClient implements spec.md §4's client construction: it resolves (or
// cold-fetches) the bucket's VBucket from the Cluster Registry, then
// starts a private Connection Manager and idle-socket reaper.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.OpTimeout == 0 {
		opts.OpTimeout = DefaultOpTimeout
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = DefaultDialTimeout
	}

	creds := Credentials{Username: opts.Username, Password: opts.Password}

	vb, err := globalRegistry.getOrCreate(opts.ClusterName, opts.Bucket, opts.Seeds, creds)
	if err != nil {
		return nil, err
	}

	cm := newConnManager(creds)
	cm.startReaper(PoolIdleTimeout)

	return &Client{
		id:          uuid.New().String(),
		clusterName: opts.ClusterName,
		bucket:      opts.Bucket,
		seeds:       opts.Seeds,
		creds:       creds,
		opTimeout:   opts.OpTimeout,
		dialTimeout: opts.DialTimeout,
		cm:          cm,
		vb:          vb,
	}, nil
}

// ID returns this client instance's correlation identifier, a random
// UUID assigned by NewClient.
func (c *Client) ID() string { return c.id }

func (c *Client) dispatcher() *dispatcher {
	return newDispatcher(c.vb, c.cm, c.bucket)
}

// SetTimeout overrides the per-operation deadline used by subsequent
// calls, per spec.md §6's set_timeout.
func (c *Client) SetTimeout(d time.Duration) {
	c.opTimeout = d
}

// Close shuts down this Client's Connection Manager. The VBucket itself
// stays in the shared Cluster Registry for other Clients on the same
// cluster/bucket pair.
func (c *Client) Close() error {
	c.cm.stop()
	return nil
}
