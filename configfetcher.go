package gocbcorekv

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ConfigFetchTimeout bounds a single seed attempt, per spec.md §4.2.
const ConfigFetchTimeout = 5 * time.Second

// configFetcher is the Topology Fetcher described in spec.md §4.2: it
// issues a raw HTTP/1.0 GET for /pools/default/buckets/<bucket> against
// up to three shuffled seed hosts and parses the first well-formed body.
type configFetcher struct {
	seeds    []string
	bucket   string
	username string
	password string
}

// fetch implements spec.md §4.2's fetch_config operation: shuffle the
// seed list, try min(3, len(seeds)) of them in turn, and return the
// first bucket config that parses. ErrConfigFetch is returned only if
// every attempt fails.
func (f *configFetcher) fetch() ([]*cfgBucket, error) {
	seeds := shuffledCopy(f.seeds)
	attempts := 3
	if len(seeds) < attempts {
		attempts = len(seeds)
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		seed := seeds[i]
		reqID := uuid.New().String()
		logDebugf("config fetch [%s]: attempt %d/%d against %s", reqID, i+1, attempts, seed)

		body, err := f.fetchOne(seed)
		if err != nil {
			logDebugf("config fetch [%s]: %s failed: %v", reqID, seed, err)
			lastErr = err
			continue
		}

		cfg, err := parseConfig(body)
		if err != nil {
			logDebugf("config fetch [%s]: %s gave unparseable body: %v", reqID, seed, err)
			lastErr = err
			continue
		}

		return []*cfgBucket{cfg}, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigFetch, lastErr)
	}
	return nil, ErrConfigFetch
}

// fetchOne issues one raw HTTP/1.0 GET over a plain TCP socket (not
// net/http, per spec.md §4.2's explicit wire-level contract) and returns
// the response body after validating it begins with '{'.
func (f *configFetcher) fetchOne(address string) ([]byte, error) {
	deadline := time.Now().Add(ConfigFetchTimeout)

	d := net.Dialer{Deadline: deadline}
	conn, err := d.Dial("tcp", address)
	if err != nil {
		return nil, NewConnectError(address, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	path := "/pools/default/buckets/" + f.bucket
	auth := base64.StdEncoding.EncodeToString([]byte(f.username + ":" + f.password))

	req := "GET " + path + " HTTP/1.0\r\n" +
		"Host: " + address + "\r\n" +
		"Authorization: Basic " + auth + "\r\n" +
		"Accept: application/json\r\n" +
		"\r\n"

	if _, err := conn.Write([]byte(req)); err != nil {
		return nil, &WireError{Err: err}
	}

	reader := bufio.NewReader(conn)

	statusLine, err := reader.ReadString('\n')
	if err != nil {
		return nil, &WireError{Err: err}
	}
	if !strings.Contains(statusLine, "200") {
		return nil, fmt.Errorf("gocbcorekv: config fetch: unexpected status line %q", strings.TrimSpace(statusLine))
	}

	contentLength := -1
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, &WireError{Err: err}
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if idx := strings.IndexByte(line, ':'); idx >= 0 {
			key := strings.ToLower(strings.TrimSpace(line[:idx]))
			val := strings.TrimSpace(line[idx+1:])
			if key == "content-length" {
				if n, err := strconv.Atoi(val); err == nil {
					contentLength = n
				}
			}
		}
	}

	var body []byte
	if contentLength >= 0 {
		body = make([]byte, contentLength)
		if _, err := readFullBody(reader, body); err != nil {
			return nil, &WireError{Err: err}
		}
	} else {
		// No Content-Length: HTTP/1.0 with no keep-alive closes the
		// connection at body end, so read until EOF.
		buf := make([]byte, 0, 4096)
		chunk := make([]byte, 4096)
		for {
			n, err := reader.Read(chunk)
			if n > 0 {
				buf = append(buf, chunk[:n]...)
			}
			if err != nil {
				break
			}
		}
		body = buf
	}

	trimmed := strings.TrimSpace(string(body))
	if !strings.HasPrefix(trimmed, "{") {
		return nil, fmt.Errorf("gocbcorekv: config fetch: response body is not a JSON object")
	}

	return body, nil
}

func readFullBody(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// shuffledCopy returns a Fisher-Yates shuffled copy of seeds, per
// spec.md §4.2's "shuffle seed list" step.
func shuffledCopy(seeds []string) []string {
	out := make([]string, len(seeds))
	copy(out, seeds)
	for i := len(out) - 1; i > 0; i-- {
		j := rand.Intn(i + 1)
		out[i], out[j] = out[j], out[i]
	}
	return out
}
