// Package client exposes the node's data-plane operations over a small
// line-oriented protocol, the way the teacher's own client surface is the
// thinnest possible translation onto its core API.
package client

import (
	"bufio"
	"encoding/base64"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"

	"github.com/sucredb/sucredb/internal/clock"
	"github.com/sucredb/sucredb/internal/config"
	"github.com/sucredb/sucredb/internal/vnode"
)

// Router resolves a key to the vnode that should coordinate it.
type Router interface {
	VNodeFor(key []byte) *vnode.VNode
}

var wireHandle = &codec.CborHandle{}

// Server is a connection-bounded line protocol front end:
//
//	GET <key>
//	SET <key> <value-b64> [<context-b64>]
//	DEL <key> [<context-b64>]
//
// Replies are one line: "OK <context-b64> <value-b64>...", "NOTFOUND", or
// "ERR <message>". Values and causal contexts travel base64-encoded so a
// reply stays a single line.
type Server struct {
	router   Router
	logger   *logrus.Entry
	maxConns int

	mu sync.Mutex
	n  int
	ln net.Listener
}

// New returns a Server bounded to cfg.ClientConnectionMax concurrent
// connections, matching the original's client_connection_max knob.
func New(router Router, cfg config.Config, logger *logrus.Entry) *Server {
	return &Server{router: router, logger: logger, maxConns: cfg.ClientConnectionMax}
}

// ListenAndServe accepts connections on addr until the listener errors or
// is closed.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	for {
		nc, err := ln.Accept()
		if err != nil {
			return err
		}
		if !s.admit() {
			_, _ = nc.Write([]byte("ERR too many connections\r\n"))
			_ = nc.Close()
			continue
		}
		go s.serve(nc)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

func (s *Server) admit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.n >= s.maxConns {
		return false
	}
	s.n++
	return true
}

func (s *Server) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n--
}

var tokenCounter uint64

func nextToken() uint64 { return atomic.AddUint64(&tokenCounter, 1) }

func (s *Server) serve(nc net.Conn) {
	defer s.release()
	defer nc.Close()

	r := bufio.NewReader(nc)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				s.logger.WithError(err).Debug("client connection read error")
			}
			return
		}
		reply := s.handleLine(strings.TrimRight(line, "\r\n"))
		if _, err := io.WriteString(nc, reply+"\r\n"); err != nil {
			return
		}
	}
}

func (s *Server) handleLine(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "ERR empty command"
	}

	switch strings.ToUpper(fields[0]) {
	case "GET":
		if len(fields) != 2 {
			return "ERR usage: GET <key>"
		}
		return s.doGet(fields[1])
	case "SET":
		if len(fields) < 3 || len(fields) > 4 {
			return "ERR usage: SET <key> <value-b64> [<context-b64>]"
		}
		ctx := ""
		if len(fields) == 4 {
			ctx = fields[3]
		}
		return s.doSet(fields[1], fields[2], ctx, true)
	case "DEL":
		if len(fields) < 2 || len(fields) > 3 {
			return "ERR usage: DEL <key> [<context-b64>]"
		}
		ctx := ""
		if len(fields) == 3 {
			ctx = fields[2]
		}
		return s.doSet(fields[1], "", ctx, false)
	default:
		return "ERR unknown command " + fields[0]
	}
}

func (s *Server) doGet(key string) string {
	vn := s.router.VNodeFor([]byte(key))
	if vn == nil {
		return "ERR no vnode for key"
	}

	done := make(chan struct {
		dcc clock.DottedCausalContainer[[]byte]
		err error
	}, 1)
	vn.DoGet(nextToken(), []byte(key), func(dcc clock.DottedCausalContainer[[]byte], err error) {
		done <- struct {
			dcc clock.DottedCausalContainer[[]byte]
			err error
		}{dcc, err}
	})

	res := <-done
	if res.err != nil {
		return "ERR " + res.err.Error()
	}
	return encodeReply(res.dcc)
}

func (s *Server) doSet(key, valueB64, ctxB64 string, hasValue bool) string {
	vn := s.router.VNodeFor([]byte(key))
	if vn == nil {
		return "ERR no vnode for key"
	}

	var value []byte
	if hasValue {
		v, err := base64.StdEncoding.DecodeString(valueB64)
		if err != nil {
			return "ERR bad value encoding"
		}
		value = v
	}

	clientVV, err := decodeContext(ctxB64)
	if err != nil {
		return "ERR bad context encoding"
	}

	done := make(chan struct {
		dcc clock.DottedCausalContainer[[]byte]
		err error
	}, 1)
	vn.DoSet(nextToken(), []byte(key), value, hasValue, clientVV, func(dcc clock.DottedCausalContainer[[]byte], err error) {
		done <- struct {
			dcc clock.DottedCausalContainer[[]byte]
			err error
		}{dcc, err}
	})

	res := <-done
	if res.err != nil {
		return "ERR " + res.err.Error()
	}
	return encodeReply(res.dcc)
}

// decodeContext unwraps a client-carried causal context: a cbor-encoded
// BitmappedVersionVector identifying every sibling the client has already
// observed, the same shape StorageSetLocal's clientVV parameter expects.
func decodeContext(ctxB64 string) (clock.BitmappedVersionVector, error) {
	if ctxB64 == "" {
		return clock.New(), nil
	}
	raw, err := base64.StdEncoding.DecodeString(ctxB64)
	if err != nil {
		return clock.BitmappedVersionVector{}, err
	}
	var vv clock.BitmappedVersionVector
	dec := codec.NewDecoderBytes(raw, wireHandle)
	if err := dec.Decode(&vv); err != nil {
		return clock.BitmappedVersionVector{}, err
	}
	return vv, nil
}

// encodeReply renders a container's summary as the opaque causal context
// and its live sibling values, one reply line per spec.
func encodeReply(dcc clock.DottedCausalContainer[[]byte]) string {
	if dcc.IsEmpty() {
		return "NOTFOUND"
	}

	var raw []byte
	enc := codec.NewEncoderBytes(&raw, wireHandle)
	if err := enc.Encode(dcc.Summary); err != nil {
		return "ERR " + err.Error()
	}

	var b strings.Builder
	b.WriteString("OK ")
	b.WriteString(base64.StdEncoding.EncodeToString(raw))
	for _, v := range dcc.Values() {
		b.WriteString(" ")
		b.WriteString(base64.StdEncoding.EncodeToString(v))
	}
	return b.String()
}
