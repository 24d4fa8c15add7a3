package gocbcorekv

import (
	"errors"
	"fmt"
	"strings"

	"github.com/couchbase/gocbcorekv/memd"
)

// Sentinel errors for the taxonomy in spec.md §7. These are kinds, not
// concrete wire errors — ServerError (below) carries the actual status.
var (
	// ErrConfigFetch is returned when every seed has been tried and none
	// produced an acceptable config body.
	ErrConfigFetch = errors.New("gocbcorekv: config fetch failed on all seeds")

	// ErrUnsupportedBucketType is returned for a memcached-type bucket,
	// which this module's Non-goals reject explicitly.
	ErrUnsupportedBucketType = errors.New("gocbcorekv: memcached-type buckets are not supported")

	// ErrNoRoute is returned when a VBucket's mask is uninitialized.
	ErrNoRoute = errors.New("gocbcorekv: no route (vbucket map not initialized)")

	// ErrNoAuthMethod is returned when the server advertises neither
	// PLAIN nor SCRAM_SHA during sasl_list.
	ErrNoAuthMethod = errors.New("gocbcorekv: server offers no supported SASL mechanism")

	// ErrBadServerSignature is returned when a SCRAM-SHA1 server's final
	// "v=" field doesn't match the signature the client derived.
	ErrBadServerSignature = errors.New("gocbcorekv: scram server signature mismatch")

	// ErrInvalidVBucket names an out of range vbucket index. No routing
	// helper in this package returns it: vbucketIndex masks every index
	// into range.
	ErrInvalidVBucket = errors.New("gocbcorekv: invalid vbucket index")
)

// WireError wraps a short read/write on a frame. Sockets that produce
// this error are discarded, never returned to the pool (§7 Wire kind).
type WireError struct {
	Err error
}

func (e *WireError) Error() string { return fmt.Sprintf("gocbcorekv: wire error: %v", e.Err) }
func (e *WireError) Unwrap() error { return e.Err }

// ConnectError wraps a TCP connect failure, tagging whether it should
// trigger a topology reload (§7 Connect kind).
type ConnectError struct {
	Server        string
	Err           error
	ShouldReload  bool
	ResolverIssue bool
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("gocbcorekv: connect to %s: %v", e.Server, e.Err)
}
func (e *ConnectError) Unwrap() error { return e.Err }

// NewConnectError classifies a raw dial error per spec.md §7's Connect
// kind: "connection refused" sets ShouldReload, "no resolver defined"
// sets ResolverIssue. The classification is only recorded on the error;
// nothing in this package reloads the topology or logs a hint because
// of it.
func NewConnectError(server string, err error) *ConnectError {
	msg := err.Error()
	return &ConnectError{
		Server:        server,
		Err:           err,
		ShouldReload:  strings.Contains(msg, "connection refused"),
		ResolverIssue: strings.Contains(msg, "no resolver defined"),
	}
}

// AuthError wraps any SASL step failure, including a bad server
// signature (§7 Auth kind). The socket that produced it is discarded.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("gocbcorekv: auth: %v", e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// ServerError is returned when a response carries a non-zero status;
// its Value holds the response body, which becomes the error message
// per spec.md §7's Server kind.
type ServerError struct {
	Status memd.StatusCode
	Value  []byte
}

func (e *ServerError) Error() string {
	if len(e.Value) > 0 {
		return fmt.Sprintf("gocbcorekv: server status %s (0x%04x): %s", e.Status, uint16(e.Status), e.Value)
	}
	return fmt.Sprintf("gocbcorekv: server status %s (0x%04x)", e.Status, uint16(e.Status))
}

// NotMyVBucket reports whether this error is the trigger spec.md §4.6/§7
// describe for a bounded topology reload.
func (e *ServerError) NotMyVBucket() bool { return e.Status == memd.StatusNotMyVBucket }

// MultiError encapsulates the per-packet errors send_many aggregates,
// grounded on the teacher's error.go MultiError.
type MultiError struct {
	Errors []error
}

func (e *MultiError) add(err error) {
	if err == nil {
		return
	}
	if multiErr, ok := err.(*MultiError); ok {
		e.Errors = append(e.Errors, multiErr.Errors...)
		return
	}
	e.Errors = append(e.Errors, err)
}

func (e *MultiError) get() error {
	switch len(e.Errors) {
	case 0:
		return nil
	case 1:
		return e.Errors[0]
	default:
		return e
	}
}

func (e *MultiError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, ", ")
}

type timeoutError struct{}

func (e timeoutError) Error() string { return "gocbcorekv: operation has timed out" }
func (e timeoutError) Timeout() bool { return true }

// ErrTimeout is what sendMany reports for each request in a batch left
// unanswered when its connection fails or its deadline passes. A
// single-packet call that passes its deadline returns a *WireError
// instead.
var ErrTimeout error = timeoutError{}

type networkError struct{ err error }

func (e networkError) Error() string      { return fmt.Sprintf("gocbcorekv: network error: %v", e.err) }
func (e networkError) NetworkError() bool { return true }
func (e networkError) Unwrap() error      { return e.err }
