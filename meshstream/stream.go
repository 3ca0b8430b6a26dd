package meshstream

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Config carries the knobs for a Stream. Zero values fall back to the
// package defaults.
type Config struct {
	Mesh          Mesh
	DataPort      uint32
	Identifier    byte
	MaxPacketSize int
	HopLimit      uint8
	Log           zerolog.Logger
}

// Stream presents the framed datagram path as a push-driven byte stream.
//
// Sending: Write buffers bytes and emits a framed datagram whenever the
// buffer reaches the per-datagram capacity; Flush emits whatever is
// buffered. A failed send leaves the buffer and sequence untouched so the
// exact same frame is retried on the next attempt.
//
// Receiving: PushDatagram is the sole entry point for inbound bytes. Only
// the frame whose sequence exactly matches the expected one is accepted;
// duplicates and stale frames are dropped silently. A sequence jump means
// the radio lost a frame — its bytes are gone, the expectation resyncs
// past it, and the ZModem layer's CRC and position recovery re-request
// the data.
//
// All methods must be called from the session's single polling goroutine.
type Stream struct {
	mesh    Mesh
	framer  Framer
	port    uint32
	dest    uint32
	max     int
	hops    uint8
	log     zerolog.Logger

	txBuf     []byte
	nextTxSeq uint16

	rxBuf         []byte
	rxPos         int
	expectedRxSeq uint16
}

// New builds a Stream over the given mesh.
func New(cfg Config) *Stream {
	if cfg.MaxPacketSize < FrameHeaderSize+1 {
		cfg.MaxPacketSize = 230
	}
	if cfg.Identifier == 0 {
		cfg.Identifier = DefaultIdentifier
	}
	if cfg.DataPort == 0 {
		cfg.DataPort = DefaultDataPort
	}
	if cfg.HopLimit == 0 {
		cfg.HopLimit = DefaultHopLimit
	}
	return &Stream{
		mesh:   cfg.Mesh,
		framer: Framer{Identifier: cfg.Identifier},
		port:   cfg.DataPort,
		max:    cfg.MaxPacketSize,
		hops:   cfg.HopLimit,
		log:    cfg.Log,
		txBuf:  make([]byte, 0, cfg.MaxPacketSize-FrameHeaderSize),
	}
}

// SetDestination sets the peer the outbound frames are addressed to.
func (s *Stream) SetDestination(dest uint32) { s.dest = dest }

// Destination returns the current peer address.
func (s *Stream) Destination() uint32 { return s.dest }

// Reset clears both directions: buffers emptied, sequence counters back
// to zero. Called when a session starts or tears down.
func (s *Stream) Reset() {
	s.txBuf = s.txBuf[:0]
	s.nextTxSeq = 0
	s.rxBuf = nil
	s.rxPos = 0
	s.expectedRxSeq = 0
}

// capacity is the number of stream bytes one datagram can carry.
func (s *Stream) capacity() int { return s.max - FrameHeaderSize }

// WriteByte appends one byte to the transmit buffer, emitting a datagram
// when the buffer fills.
func (s *Stream) WriteByte(b byte) error {
	_, err := s.Write([]byte{b})
	return err
}

// Write appends p to the transmit buffer, packetizing as it goes. It
// returns the number of bytes actually consumed; bytes buffered before a
// failed send count as consumed (the held frame goes out on a later
// Flush), bytes that never reached the buffer do not.
func (s *Stream) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		if len(s.txBuf) >= s.capacity() {
			// A previous send failed and left a full frame behind.
			if err := s.Flush(); err != nil {
				return written, err
			}
		}
		n := s.capacity() - len(s.txBuf)
		if n > len(p)-written {
			n = len(p) - written
		}
		s.txBuf = append(s.txBuf, p[written:written+n]...)
		written += n
		if len(s.txBuf) == s.capacity() {
			if err := s.Flush(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// Flush emits the buffered bytes as a single framed datagram. On send
// failure neither the buffer nor the sequence number advances.
func (s *Stream) Flush() error {
	if len(s.txBuf) == 0 {
		return nil
	}
	payload := s.framer.Frame(s.nextTxSeq, s.txBuf)
	to := s.dest
	if to == 0 {
		// No peer locked in yet; the opening frames go out broadcast.
		to = Broadcast
	}
	err := s.mesh.SendPacket(&Packet{
		To:       to,
		Port:     s.port,
		Payload:  payload,
		HopLimit: s.hops,
	})
	if err != nil {
		s.log.Debug().Uint16("seq", s.nextTxSeq).Err(err).Msg("mesh send failed, frame retained")
		return fmt.Errorf("send frame %d: %w", s.nextTxSeq, err)
	}
	s.nextTxSeq++
	s.txBuf = s.txBuf[:0]
	return nil
}

// PendingTx returns the number of unsent buffered bytes.
func (s *Stream) PendingTx() int { return len(s.txBuf) }

// NextTxSeq returns the sequence number the next emitted frame will carry.
func (s *Stream) NextTxSeq() uint16 { return s.nextTxSeq }

// PushDatagram feeds one inbound mesh payload into the stream. Frames
// that fail to unframe, arrive while the previous frame is still
// undrained, or carry an unexpected sequence are dropped silently.
func (s *Stream) PushDatagram(src uint32, payload []byte) {
	seq, data, err := s.framer.Unframe(payload)
	if err != nil {
		// Not ours.
		return
	}

	if s.rxPos < len(s.rxBuf) {
		s.log.Debug().Uint16("seq", seq).Msg("frame dropped, rx buffer undrained")
		return
	}

	switch {
	case seq < s.expectedRxSeq:
		s.log.Debug().Uint16("seq", seq).Uint16("expected", s.expectedRxSeq).Msg("duplicate frame dropped")
		return
	case seq > s.expectedRxSeq:
		// A frame was lost. Its bytes are unrecoverable at this layer;
		// resync past the gap and let the protocol CRCs force a ZRPOS.
		s.log.Debug().Uint16("seq", seq).Uint16("expected", s.expectedRxSeq).Uint32("src", src).Msg("sequence gap, frame dropped")
		s.expectedRxSeq = seq + 1
		return
	}

	s.rxBuf = append(s.rxBuf[:0], data...)
	s.rxPos = 0
	s.expectedRxSeq = seq + 1
}

// Available returns the number of unread bytes from the most recent
// in-order frame. It never triggers I/O.
func (s *Stream) Available() int { return len(s.rxBuf) - s.rxPos }

// ReadByte consumes the next buffered byte.
func (s *Stream) ReadByte() (byte, bool) {
	if s.rxPos >= len(s.rxBuf) {
		return 0, false
	}
	b := s.rxBuf[s.rxPos]
	s.rxPos++
	return b, true
}

// Peek returns the next buffered byte without consuming it.
func (s *Stream) Peek() (byte, bool) {
	if s.rxPos >= len(s.rxBuf) {
		return 0, false
	}
	return s.rxBuf[s.rxPos], true
}
