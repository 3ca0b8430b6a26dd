// Package meshudp carries mesh packets between nodes over UDP. It stands
// in for the radio on bench setups: every emitted packet goes to every
// configured peer, and the receive side filters by destination address,
// which mirrors how a broadcast radio mesh behaves.
package meshudp

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/drunlade/meshzmodem/meshstream"
)

// wire header: magic, version, hop limit, from, to, port.
const (
	headerSize = 16
	magic0     = 'M'
	magic1     = 'Z'
	version    = 1
)

// MaxPayload bounds a single encapsulated mesh payload.
const MaxPayload = 1024

// Transport is a UDP-backed mesh endpoint.
type Transport struct {
	nodeID uint32
	conn   *net.UDPConn
	peers  []*net.UDPAddr
	log    zerolog.Logger
	out    chan *meshstream.Packet
	done   chan struct{}

	mu   sync.Mutex
	seen map[uint32]*net.UDPAddr // node id -> last source address
}

// Listen binds a UDP endpoint for nodeID and starts receiving. peers are
// the addresses every outbound packet is copied to.
func Listen(nodeID uint32, listen string, peers []string, log zerolog.Logger) (*Transport, error) {
	laddr, err := net.ResolveUDPAddr("udp", listen)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", listen, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", listen, err)
	}

	t := &Transport{
		nodeID: nodeID,
		conn:   conn,
		log:    log,
		out:    make(chan *meshstream.Packet, 64),
		done:   make(chan struct{}),
		seen:   map[uint32]*net.UDPAddr{},
	}
	for _, p := range peers {
		addr, err := net.ResolveUDPAddr("udp", p)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("resolve peer %s: %w", p, err)
		}
		t.peers = append(t.peers, addr)
	}

	go t.readLoop()
	return t, nil
}

// Addr returns the bound UDP address.
func (t *Transport) Addr() net.Addr { return t.conn.LocalAddr() }

// AddPeer adds a peer address after startup.
func (t *Transport) AddPeer(addr string) error {
	a, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve peer %s: %w", addr, err)
	}
	t.peers = append(t.peers, a)
	return nil
}

// SendPacket implements meshstream.Mesh: the packet is stamped with this
// node's address and copied to every peer. Addressing is resolved on the
// receive side, like on the air.
func (t *Transport) SendPacket(p *meshstream.Packet) error {
	if len(p.Payload) > MaxPayload {
		return fmt.Errorf("payload too large: %d bytes", len(p.Payload))
	}
	buf := Marshal(t.nodeID, p)
	targets := append([]*net.UDPAddr(nil), t.peers...)

	// Nodes that have talked to us are reachable at their last source
	// address even when they are not in the static peer list (e.g. a
	// control client on an ephemeral port).
	t.mu.Lock()
	if addr, ok := t.seen[p.To]; ok {
		known := false
		for _, peer := range targets {
			if peer.String() == addr.String() {
				known = true
				break
			}
		}
		if !known {
			targets = append(targets, addr)
		}
	}
	t.mu.Unlock()

	var firstErr error
	sent := 0
	for _, peer := range targets {
		if _, err := t.conn.WriteToUDP(buf, peer); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		sent++
	}
	if sent == 0 && firstErr != nil {
		return fmt.Errorf("send to mesh: %w", firstErr)
	}
	return nil
}

// Packets delivers inbound packets addressed to this node (or broadcast).
func (t *Transport) Packets() <-chan *meshstream.Packet { return t.out }

// Close shuts the endpoint down.
func (t *Transport) Close() error {
	close(t.done)
	return t.conn.Close()
}

func (t *Transport) readLoop() {
	buf := make([]byte, headerSize+MaxPayload)
	for {
		n, src, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			t.log.Debug().Err(err).Msg("udp read failed")
			continue
		}

		p, err := Unmarshal(buf[:n])
		if err != nil {
			t.log.Debug().Err(err).Msg("malformed mesh datagram dropped")
			continue
		}
		if src != nil {
			t.mu.Lock()
			t.seen[p.From] = src
			t.mu.Unlock()
		}
		if p.To != t.nodeID && p.To != meshstream.Broadcast {
			continue
		}
		if p.From == t.nodeID {
			// Our own broadcast reflected back by a peer relay.
			continue
		}

		select {
		case t.out <- p:
		default:
			t.log.Debug().Msg("inbound packet queue full, datagram dropped")
		}
	}
}

// Marshal encodes a mesh packet for the UDP wire.
func Marshal(from uint32, p *meshstream.Packet) []byte {
	buf := make([]byte, headerSize+len(p.Payload))
	buf[0] = magic0
	buf[1] = magic1
	buf[2] = version
	buf[3] = p.HopLimit
	binary.BigEndian.PutUint32(buf[4:8], from)
	binary.BigEndian.PutUint32(buf[8:12], p.To)
	binary.BigEndian.PutUint32(buf[12:16], p.Port)
	copy(buf[headerSize:], p.Payload)
	return buf
}

// Unmarshal decodes one UDP datagram back into a mesh packet.
func Unmarshal(buf []byte) (*meshstream.Packet, error) {
	if len(buf) < headerSize {
		return nil, fmt.Errorf("datagram too short: %d bytes", len(buf))
	}
	if buf[0] != magic0 || buf[1] != magic1 {
		return nil, fmt.Errorf("bad magic %#02x%02x", buf[0], buf[1])
	}
	if buf[2] != version {
		return nil, fmt.Errorf("unsupported version %d", buf[2])
	}
	p := &meshstream.Packet{
		HopLimit: buf[3],
		From:     binary.BigEndian.Uint32(buf[4:8]),
		To:       binary.BigEndian.Uint32(buf[8:12]),
		Port:     binary.BigEndian.Uint32(buf[12:16]),
		Payload:  append([]byte(nil), buf[headerSize:]...),
	}
	return p, nil
}
