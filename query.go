package gocbcorekv

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/couchbase/gocbcorekv/memd"
)

// QueryTimeout bounds the query HTTP request. n1ql node discovery is
// bounded by the Client's dial and operation timeouts instead.
const QueryTimeout = 75 * time.Second

// cfgClusterConfig is the body of a GetClusterConfig (0xb5) response:
// the same nodesExt shape a bucket config carries, per spec.md §4.7.
type cfgClusterConfig struct {
	NodesExt []cfgNodeExt `json:"nodesExt"`
}

// queryResponse is the subset of a N1QL REST response spec.md §4.7
// names: the rows plus enough status to tell success from failure.
type queryResponse struct {
	Results []json.RawMessage `json:"results"`
	Status  string            `json:"status"`
	Errors  []json.RawMessage `json:"errors,omitempty"`
}

// Query implements spec.md §4.7's query() operation: discover a n1ql
// service node from the live cluster config, then POST the statement as
// a form-encoded request with Basic auth and return its result rows.
func (c *Client) Query(ctx context.Context, statement string) ([]json.RawMessage, error) {
	addr, err := c.discoverN1qlNode(ctx)
	if err != nil {
		return nil, err
	}

	form := url.Values{"statement": {statement}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+"/query/service", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.creds.Username, c.creds.Password)

	httpClient := &http.Client{Timeout: QueryTimeout}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gocbcorekv: query request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gocbcorekv: query response: %w", err)
	}

	var qr queryResponse
	if err := json.Unmarshal(body, &qr); err != nil {
		return nil, fmt.Errorf("gocbcorekv: query response: %w", err)
	}

	if resp.StatusCode != http.StatusOK || qr.Status != "success" {
		return nil, fmt.Errorf("gocbcorekv: query failed (status %s): %s", qr.Status, firstError(qr.Errors))
	}

	return qr.Results, nil
}

func firstError(errs []json.RawMessage) string {
	if len(errs) == 0 {
		return "unknown error"
	}
	return string(errs[0])
}

// discoverN1qlNode fetches the live cluster config over an existing kv
// socket and picks the first node advertising a n1ql port, per spec.md
// §4.7's node-discovery step.
func (c *Client) discoverN1qlNode(ctx context.Context) (string, error) {
	st := c.vb.current()
	if st == nil || len(st.nodes) == 0 {
		return "", ErrNoRoute
	}
	server := st.nodes[0]

	pc, release, err := c.cm.acquire(ctx, server, c.bucket, c.dialTimeout)
	if err != nil {
		return "", err
	}
	defer release(false)

	deadline := time.Now().Add(c.opTimeout)
	resp, err := roundTripPacket(pc.conn, &memd.Packet{
		Magic:   memd.CmdMagicReq,
		Command: memd.CmdGetClusterConfig,
	}, deadline)
	if err != nil {
		return "", err
	}

	var cfg cfgClusterConfig
	if err := json.Unmarshal(resp.Value, &cfg); err != nil {
		return "", fmt.Errorf("gocbcorekv: parse cluster config: %w", err)
	}

	for _, node := range cfg.NodesExt {
		if node.Services.N1ql == 0 {
			continue
		}
		host := node.Hostname
		if host == "" {
			host = server.Host
		}
		return fmt.Sprintf("%s:%d", host, node.Services.N1ql), nil
	}

	return "", fmt.Errorf("gocbcorekv: no node advertises a n1ql service")
}
