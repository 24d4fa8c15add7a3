package gocbcorekv

import (
	"net"
	"sync"

	"github.com/couchbase/gocbcorekv/memd"
)

// fakeMemdServer is an in-process listener speaking the framed binary
// protocol, used to exercise the Connection Manager and dispatcher
// without a real cluster, per spec.md §8's in-process test style (this
// module's tests never depend on an external mock server binary).
type fakeMemdServer struct {
	ln net.Listener

	mu      sync.Mutex
	handler func(req *memd.Packet) *memd.Packet
}

func newFakeMemdServer(handler func(req *memd.Packet) *memd.Packet) (*fakeMemdServer, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &fakeMemdServer{ln: ln, handler: handler}
	go s.serve()
	return s, nil
}

func (s *fakeMemdServer) addr() string { return s.ln.Addr().String() }

func (s *fakeMemdServer) close() { s.ln.Close() }

func (s *fakeMemdServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *fakeMemdServer) handle(conn net.Conn) {
	defer conn.Close()
	for {
		req, err := memd.Decode(conn)
		if err != nil {
			return
		}

		s.mu.Lock()
		handler := s.handler
		s.mu.Unlock()

		resp := handler(req)
		if resp == nil {
			continue
		}
		resp.Magic = memd.CmdMagicRes
		resp.Command = req.Command
		resp.Opaque = req.Opaque
		if err := resp.Encode(conn); err != nil {
			return
		}
	}
}

// autoAuthHandler wraps a handler with HELLO/SASL/select_bucket replies
// good enough for the Connection Manager's handshake to succeed, so
// tests built on it can focus on the operation under test.
func autoAuthHandler(next func(req *memd.Packet) *memd.Packet) func(req *memd.Packet) *memd.Packet {
	return func(req *memd.Packet) *memd.Packet {
		switch req.Command {
		case memd.CmdHello:
			return &memd.Packet{Status: memd.StatusSuccess}
		case memd.CmdSASLListMechs:
			return &memd.Packet{Status: memd.StatusSuccess, Value: []byte("PLAIN")}
		case memd.CmdSASLAuth:
			return &memd.Packet{Status: memd.StatusSuccess}
		case memd.CmdSelectBucket:
			return &memd.Packet{Status: memd.StatusSuccess}
		default:
			return next(req)
		}
	}
}
