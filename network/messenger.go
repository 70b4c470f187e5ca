// Package network implements Messenger (C3): one persistent, lazily
// established TCP connection per peer, framed per the wire format in C10,
// with an asynchronous receive loop that decodes each frame and hands it
// to the owning reactor over a single channel — so that, as with timer.Wheel,
// network activity can never touch protocol-engine state from any goroutine
// but the one that drains that channel.
package network

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/satori/go.uuid"
	"golang.org/x/net/context"

	"github.com/dedis/adq/message"
	"github.com/dedis/onet/log"
)

// Inbound is one decoded message delivered to the owning reactor, tagged
// with the peer it arrived from.
type Inbound struct {
	From    message.NodeID
	Type    message.MessageType
	Payload interface{}
}

// Messenger is C3: a directory of peer addresses plus the connections
// opened against them so far. It is safe for concurrent Send calls (one
// per connection is serialised by that connection's own mutex) but
// Inbound delivery is always single-threaded by construction: one
// goroutine per accepted or dialed connection, all funnelling into In.
type Messenger struct {
	self  message.NodeID
	codec message.RecordCodec
	addrs map[message.NodeID]string

	// withCount reports whether frames exchanged with a peer carry the
	// CountHeaderBytes message-count header. Per the external interface
	// summary, the link to/from the utility always carries exactly one
	// message per frame and omits that header; every client-to-client
	// link batches and so keeps it.
	withCount func(peer message.NodeID) bool

	mu    sync.Mutex
	conns map[message.NodeID]*conn

	In chan Inbound

	listener net.Listener
}

type conn struct {
	id   uuid.UUID
	peer message.NodeID
	nc   net.Conn
	wmu  sync.Mutex
}

// New constructs a Messenger for node self, with addrs mapping every peer
// id (including message.UtilityID if self is a client) to a "host:port"
// TCP address, and codec used to decode Records inside received messages.
func New(self message.NodeID, codec message.RecordCodec, addrs map[message.NodeID]string, inboundBuf int) *Messenger {
	return &Messenger{
		self:  self,
		codec: codec,
		addrs: addrs,
		withCount: func(peer message.NodeID) bool {
			return peer != message.UtilityID
		},
		conns: make(map[message.NodeID]*conn),
		In:    make(chan Inbound, inboundBuf),
	}
}

// Listen accepts inbound connections on addr until ctx is cancelled or
// Close is called. Each accepted connection is matched to a peer id by
// the first frame it sends (HandlePingMessage's SenderID, or any other
// message's sender field), after which it is tracked for later reuse by
// Send so that at most one connection per peer is ever outstanding.
func (m *Messenger) Listen(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("network: listen %s: %w", addr, err)
	}
	m.listener = ln
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	go m.acceptLoop(ln)
	return nil
}

func (m *Messenger) acceptLoop(ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			log.Lvl2("network: accept loop exiting:", err)
			return
		}
		c := &conn{id: uuid.NewV4(), nc: nc, peer: message.UtilityID - 1}
		log.Lvl3("network: accepted connection", c.id, "from", nc.RemoteAddr())
		go m.readLoop(c)
	}
}

// connect returns the existing connection to peer, or lazily dials one.
func (m *Messenger) connect(peer message.NodeID) (*conn, error) {
	m.mu.Lock()
	if c, ok := m.conns[peer]; ok {
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()

	addr, ok := m.addrs[peer]
	if !ok {
		return nil, fmt.Errorf("network: no address known for node %d", peer)
	}
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("network: dial %d at %s: %w", peer, addr, err)
	}
	c := &conn{id: uuid.NewV4(), nc: nc, peer: peer}
	log.Lvl3("network:", m.self, "dialed", peer, "at", addr, "conn", c.id)

	m.mu.Lock()
	m.conns[peer] = c
	m.mu.Unlock()

	go m.readLoop(c)
	return c, nil
}

// Send delivers one MessageType-tagged message to peer, dialing a fresh
// connection if none is currently open and retrying exactly once on a
// write failure, per the reference router's lazy-connect/retry-once
// policy — a second failure tears the connection down for good and
// returns the error to the caller, who is expected to treat peer as
// failed for the remainder of the round.
func (m *Messenger) Send(ctx context.Context, peer message.NodeID, t message.MessageType, payload interface{}) error {
	frame := m.frame(peer, t, payload)

	c, err := m.connect(peer)
	if err != nil {
		return err
	}
	if err := m.write(c, frame); err == nil {
		return nil
	}
	m.closeConn(peer)

	c, err = m.connect(peer)
	if err != nil {
		return err
	}
	if err := m.write(c, frame); err != nil {
		m.closeConn(peer)
		return fmt.Errorf("network: send to %d failed after retry: %w", peer, err)
	}
	return nil
}

func (m *Messenger) frame(peer message.NodeID, t message.MessageType, payload interface{}) []byte {
	body := message.EncodeMessage(t, payload)
	var buf bytes.Buffer
	if m.withCount(peer) {
		total := uint64(message.CountHeaderBytes + len(body))
		binary.Write(&buf, binary.LittleEndian, total)
		binary.Write(&buf, binary.LittleEndian, uint64(1))
	} else {
		total := uint64(len(body))
		binary.Write(&buf, binary.LittleEndian, total)
	}
	buf.Write(body)
	return buf.Bytes()
}

func (m *Messenger) write(c *conn, frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.nc.Write(frame)
	return err
}

func (m *Messenger) closeConn(peer message.NodeID) {
	m.mu.Lock()
	c, ok := m.conns[peer]
	if ok {
		delete(m.conns, peer)
	}
	m.mu.Unlock()
	if ok {
		c.nc.Close()
	}
}

// readLoop decodes frames off one connection until it closes, pushing
// each onto In. The first frame read from an accepted (not dialed)
// connection determines the peer id it is registered under, matching the
// sender field carried by every one of the six top-level message kinds.
func (m *Messenger) readLoop(c *conn) {
	defer func() {
		c.nc.Close()
		m.mu.Lock()
		if m.conns[c.peer] == c {
			delete(m.conns, c.peer)
		}
		m.mu.Unlock()
	}()

	for {
		sizeBuf := make([]byte, message.SizeHeaderBytes)
		if _, err := io.ReadFull(c.nc, sizeBuf); err != nil {
			if err != io.EOF {
				log.Lvl2("network: conn", c.id, "size header:", err)
			}
			return
		}
		total := binary.LittleEndian.Uint64(sizeBuf)

		withCount := m.withCount(c.peer)
		if m.self == message.UtilityID {
			// Every peer of the utility is a client, and clients send to
			// the utility without the count header.
			withCount = false
		} else if c.peer < 0 && c.peer != message.UtilityID {
			// Not yet bound to a peer id (freshly accepted connection);
			// assume the batching framing until the first message tells
			// us otherwise.
			withCount = true
		}

		body := make([]byte, total)
		if _, err := io.ReadFull(c.nc, body); err != nil {
			log.Lvl2("network: conn", c.id, "body:", err)
			return
		}

		// Send always puts exactly one message in each frame, so after
		// stripping the optional count header, the remainder is always
		// exactly one encoded message.
		raw := body
		if withCount {
			raw = body[message.CountHeaderBytes:]
		}

		typ, payload, err := message.DecodeMessage(raw, m.codec)
		if err != nil {
			log.Error("network: conn", c.id, "decode:", err)
			continue
		}
		from := senderOf(typ, payload)
		if c.peer < 0 && c.peer != message.UtilityID {
			c.peer = from
			m.mu.Lock()
			m.conns[from] = c
			m.mu.Unlock()
		}
		m.In <- Inbound{From: from, Type: typ, Payload: payload}
	}
}

func senderOf(t message.MessageType, payload interface{}) message.NodeID {
	switch t {
	case message.TypeOverlay:
		return payload.(*message.OverlayTransportMessage).SenderID
	case message.TypePing:
		return payload.(*message.PingMessage).SenderID
	case message.TypeAggregation:
		return payload.(*message.AggregationMessage).SenderID
	case message.TypeSignatureRequest:
		return payload.(*message.SignatureRequest).SenderID
	default:
		return message.UtilityID
	}
}

// Close shuts down the listener, if any, and every open connection.
func (m *Messenger) Close() error {
	if m.listener != nil {
		m.listener.Close()
	}
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[message.NodeID]*conn)
	m.mu.Unlock()
	for _, c := range conns {
		c.nc.Close()
	}
	return nil
}
