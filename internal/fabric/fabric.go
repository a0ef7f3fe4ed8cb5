package fabric

import (
	"encoding/binary"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/sucredb/sucredb/internal/clock"
)

// Handler processes one inbound message from peer, addressed to vnode.
type Handler func(from NodeId, vnode VNodeNum, msg Msg)

// Fabric is the best-effort, typed message transport of spec §6: one or
// more TCP connections per peer, a length-prefixed codec, and FIFO
// delivery per (peer, direction) via a single writer goroutine per
// connection. Registration and sends are concurrent-safe.
type Fabric struct {
	self     NodeId
	listener net.Listener

	mu       sync.RWMutex
	conns    map[NodeId][]*conn
	handlers map[MsgType]Handler

	reconnectInterval time.Duration
	keepAlive         time.Duration
	logger            *logrus.Entry
}

// conn is one registered connection to peer, with its own outbound FIFO
// drained by a dedicated writer goroutine.
type conn struct {
	peer NodeId
	nc   net.Conn
	out  chan Msg
	done chan struct{}
}

// New returns a Fabric identifying itself as self on the wire handshake.
func New(self NodeId, logger *logrus.Entry) *Fabric {
	return &Fabric{
		self:              self,
		conns:             make(map[NodeId][]*conn),
		handlers:          make(map[MsgType]Handler),
		reconnectInterval: time.Second,
		keepAlive:         time.Second,
		logger:            logger,
	}
}

// RegisterHandler wires msgType's dispatch target, mirroring spec §9
// "message handlers are registered by message-type tag".
func (f *Fabric) RegisterHandler(msgType MsgType, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[msgType] = h
}

// Listen accepts inbound connections on addr until the listener is closed.
func (f *Fabric) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", addr)
	}
	f.listener = ln

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go f.acceptConn(nc)
		}
	}()
	return nil
}

// Close stops accepting connections and tears down every registered one.
func (f *Fabric) Close() error {
	if f.listener != nil {
		_ = f.listener.Close()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cs := range f.conns {
		for _, c := range cs {
			close(c.done)
			_ = c.nc.Close()
		}
	}
	f.conns = make(map[NodeId][]*conn)
	return nil
}

func (f *Fabric) acceptConn(nc net.Conn) {
	peer, err := f.handshake(nc, false)
	if err != nil {
		f.logger.WithError(err).Warn("fabric handshake failed")
		_ = nc.Close()
		return
	}
	f.runConn(peer, nc)
}

// Dial keeps a persistent outbound connection to peer at addr, reconnecting
// at reconnectInterval on failure, per spec §6.
func (f *Fabric) Dial(peer NodeId, addr string) {
	go func() {
		for {
			nc, err := net.DialTimeout("tcp", addr, 5*time.Second)
			if err != nil {
				time.Sleep(f.reconnectInterval)
				continue
			}
			if _, err := f.handshake(nc, true); err != nil {
				f.logger.WithError(err).Warn("fabric dial handshake failed")
				_ = nc.Close()
				time.Sleep(f.reconnectInterval)
				continue
			}
			f.runConn(peer, nc)
			time.Sleep(f.reconnectInterval)
		}
	}()
}

// handshake exchanges 8-byte little-endian NodeIds, writing self's first.
func (f *Fabric) handshake(nc net.Conn, outbound bool) (NodeId, error) {
	if tc, ok := nc.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(f.keepAlive)
	}

	var selfBuf [8]byte
	binary.LittleEndian.PutUint64(selfBuf[:], uint64(f.self))
	if _, err := nc.Write(selfBuf[:]); err != nil {
		return 0, errors.Wrap(err, "writing handshake")
	}

	var peerBuf [8]byte
	if _, err := readFull(nc, peerBuf[:]); err != nil {
		return 0, errors.Wrap(err, "reading handshake")
	}
	return NodeId(binary.LittleEndian.Uint64(peerBuf[:])), nil
}

func readFull(nc net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := nc.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (f *Fabric) runConn(peer NodeId, nc net.Conn) {
	c := &conn{peer: peer, nc: nc, out: make(chan Msg, 256), done: make(chan struct{})}
	f.registerConn(c)
	defer f.removeConn(c)

	go f.writeLoop(c)
	f.readLoop(c)
}

func (f *Fabric) registerConn(c *conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conns[c.peer] = append(f.conns[c.peer], c)
}

func (f *Fabric) removeConn(c *conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cs := f.conns[c.peer]
	for i, cc := range cs {
		if cc == c {
			f.conns[c.peer] = append(cs[:i], cs[i+1:]...)
			break
		}
	}
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	_ = c.nc.Close()
}

func (f *Fabric) writeLoop(c *conn) {
	for {
		select {
		case msg := <-c.out:
			frame, err := encodeFrame(msg)
			if err != nil {
				f.logger.WithError(err).Error("encoding outbound fabric message")
				continue
			}
			if _, err := c.nc.Write(frame); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (f *Fabric) readLoop(c *conn) {
	for {
		msg, err := decodeFrame(c.nc)
		if err != nil {
			return
		}
		f.dispatch(c.peer, msg)
	}
}

func (f *Fabric) dispatch(from NodeId, msg Msg) {
	f.mu.RLock()
	h, ok := f.handlers[msg.Type()]
	f.mu.RUnlock()
	if !ok {
		return
	}
	vnode := vnodeOf(msg)
	h(from, vnode, msg)
}

func vnodeOf(msg Msg) VNodeNum {
	switch m := msg.(type) {
	case MsgRemoteGet:
		return m.VNode
	case MsgRemoteGetAck:
		return m.VNode
	case MsgRemoteSet:
		return m.VNode
	case MsgRemoteSetAck:
		return m.VNode
	case MsgSyncStart:
		return m.VNode
	case MsgSyncSend:
		return m.VNode
	case MsgSyncAck:
		return m.VNode
	case MsgSyncFin:
		return m.VNode
	default:
		return 0
	}
}

// Send picks a connection to node at random under a read lock (per spec
// §5 "Connection fabric") and enqueues msg for delivery. It returns
// ErrNoRoute if no connection to node is currently registered.
func (f *Fabric) Send(node clock.NodeId, vnode uint16, msg Msg) error {
	f.mu.RLock()
	cs := f.conns[node]
	var chosen *conn
	if len(cs) > 0 {
		chosen = cs[rand.Intn(len(cs))]
	}
	f.mu.RUnlock()

	if chosen == nil {
		return ErrNoRoute
	}
	select {
	case chosen.out <- msg:
		return nil
	default:
		return ErrIO
	}
}
