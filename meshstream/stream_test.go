package meshstream

import (
	"bytes"
	"errors"
	"testing"
)

type stubMesh struct {
	sent []*Packet
	err  error
}

func (m *stubMesh) SendPacket(p *Packet) error {
	if m.err != nil {
		return m.err
	}
	clone := *p
	clone.Payload = append([]byte(nil), p.Payload...)
	m.sent = append(m.sent, &clone)
	return nil
}

func newTestStream(mesh *stubMesh) *Stream {
	s := New(Config{Mesh: mesh, MaxPacketSize: 16})
	s.SetDestination(0x42)
	return s
}

func drain(s *Stream) []byte {
	var out []byte
	for {
		b, ok := s.ReadByte()
		if !ok {
			return out
		}
		out = append(out, b)
	}
}

func TestWriteFlushesAtCapacity(t *testing.T) {
	mesh := &stubMesh{}
	s := newTestStream(mesh) // capacity 13 stream bytes per datagram

	payload := bytes.Repeat([]byte{0xAA}, 13)
	if _, err := s.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(mesh.sent) != 1 {
		t.Fatalf("expected auto-flush at capacity, got %d datagrams", len(mesh.sent))
	}
	if s.PendingTx() != 0 {
		t.Fatalf("buffer not cleared after flush")
	}
	if got := mesh.sent[0].Payload; len(got) != 16 {
		t.Fatalf("datagram size %d, want 16", len(got))
	}
}

func TestFlushEmitsPartialBuffer(t *testing.T) {
	mesh := &stubMesh{}
	s := newTestStream(mesh)

	s.Write([]byte("abc"))
	if len(mesh.sent) != 0 {
		t.Fatalf("premature emission")
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(mesh.sent) != 1 {
		t.Fatalf("flush emitted %d datagrams", len(mesh.sent))
	}

	f := Framer{Identifier: DefaultIdentifier}
	seq, data, err := f.Unframe(mesh.sent[0].Payload)
	if err != nil || seq != 0 || !bytes.Equal(data, []byte("abc")) {
		t.Fatalf("frame contents wrong: seq=%d data=%q err=%v", seq, data, err)
	}
	if s.NextTxSeq() != 1 {
		t.Fatalf("sequence did not advance")
	}
}

func TestFlushEmptyBufferIsNoop(t *testing.T) {
	mesh := &stubMesh{}
	s := newTestStream(mesh)
	if err := s.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(mesh.sent) != 0 || s.NextTxSeq() != 0 {
		t.Fatalf("empty flush had side effects")
	}
}

func TestSendFailureRetainsBufferAndSequence(t *testing.T) {
	mesh := &stubMesh{err: errors.New("radio busy")}
	s := newTestStream(mesh)

	s.Write([]byte("retry me"))
	if err := s.Flush(); err == nil {
		t.Fatalf("flush succeeded despite mesh failure")
	}
	if s.PendingTx() != 8 || s.NextTxSeq() != 0 {
		t.Fatalf("failed flush advanced state: pending=%d seq=%d", s.PendingTx(), s.NextTxSeq())
	}

	mesh.err = nil
	if err := s.Flush(); err != nil {
		t.Fatalf("retry flush: %v", err)
	}
	f := Framer{Identifier: DefaultIdentifier}
	seq, data, _ := f.Unframe(mesh.sent[0].Payload)
	if seq != 0 || !bytes.Equal(data, []byte("retry me")) {
		t.Fatalf("retried frame differs: seq=%d data=%q", seq, data)
	}
}

func TestSequenceNumbersMonotone(t *testing.T) {
	mesh := &stubMesh{}
	s := newTestStream(mesh)
	for i := 0; i < 5; i++ {
		s.Write([]byte{byte(i)})
		if err := s.Flush(); err != nil {
			t.Fatalf("flush %d: %v", i, err)
		}
	}
	f := Framer{Identifier: DefaultIdentifier}
	for i, p := range mesh.sent {
		seq, _, err := f.Unframe(p.Payload)
		if err != nil || int(seq) != i {
			t.Fatalf("datagram %d has seq %d (err=%v)", i, seq, err)
		}
	}
}

func TestPushDatagramExactMatchOnly(t *testing.T) {
	mesh := &stubMesh{}
	s := newTestStream(mesh)
	f := Framer{Identifier: DefaultIdentifier}

	s.PushDatagram(1, f.Frame(0, []byte("one")))
	if got := drain(s); !bytes.Equal(got, []byte("one")) {
		t.Fatalf("first frame = %q", got)
	}

	// Duplicate of the consumed frame: dropped.
	s.PushDatagram(1, f.Frame(0, []byte("one")))
	if s.Available() != 0 {
		t.Fatalf("duplicate frame accepted")
	}

	// Next in-order frame: accepted.
	s.PushDatagram(1, f.Frame(1, []byte("two")))
	if got := drain(s); !bytes.Equal(got, []byte("two")) {
		t.Fatalf("second frame = %q", got)
	}
}

func TestPushDatagramDropsWhileUndrained(t *testing.T) {
	mesh := &stubMesh{}
	s := newTestStream(mesh)
	f := Framer{Identifier: DefaultIdentifier}

	s.PushDatagram(1, f.Frame(0, []byte("held")))
	s.PushDatagram(1, f.Frame(1, []byte("lost")))
	if got := drain(s); !bytes.Equal(got, []byte("held")) {
		t.Fatalf("undrained buffer was overwritten: %q", got)
	}
}

func TestPushDatagramGapResyncs(t *testing.T) {
	mesh := &stubMesh{}
	s := newTestStream(mesh)
	f := Framer{Identifier: DefaultIdentifier}

	s.PushDatagram(1, f.Frame(0, []byte("a")))
	drain(s)

	// Frame 1 was lost on the air; frame 2 arrives. Its bytes are
	// dropped but the stream must accept frame 3 afterwards.
	s.PushDatagram(1, f.Frame(2, []byte("b")))
	if s.Available() != 0 {
		t.Fatalf("gap frame delivered data")
	}
	s.PushDatagram(1, f.Frame(3, []byte("c")))
	if got := drain(s); !bytes.Equal(got, []byte("c")) {
		t.Fatalf("post-gap frame = %q", got)
	}
}

func TestPushDatagramIgnoresForeignTraffic(t *testing.T) {
	mesh := &stubMesh{}
	s := newTestStream(mesh)

	s.PushDatagram(1, []byte{0x7E, 0x00, 0x00, 0x41})
	s.PushDatagram(1, []byte{0xFF})
	if s.Available() != 0 {
		t.Fatalf("foreign or short datagram accepted")
	}
}

func TestPeekDoesNotConsume(t *testing.T) {
	mesh := &stubMesh{}
	s := newTestStream(mesh)
	f := Framer{Identifier: DefaultIdentifier}

	s.PushDatagram(1, f.Frame(0, []byte("xy")))
	if b, ok := s.Peek(); !ok || b != 'x' {
		t.Fatalf("peek = %q ok=%v", b, ok)
	}
	if s.Available() != 2 {
		t.Fatalf("peek consumed a byte")
	}
	if b, _ := s.ReadByte(); b != 'x' {
		t.Fatalf("read after peek = %q", b)
	}
}

func TestResetClearsBothDirections(t *testing.T) {
	mesh := &stubMesh{}
	s := newTestStream(mesh)
	f := Framer{Identifier: DefaultIdentifier}

	s.Write([]byte("pending"))
	s.PushDatagram(1, f.Frame(0, []byte("inbound")))
	s.Flush()

	s.Reset()
	if s.PendingTx() != 0 || s.Available() != 0 || s.NextTxSeq() != 0 {
		t.Fatalf("reset left state behind")
	}

	// Sequences start over for the next session.
	s.PushDatagram(1, f.Frame(0, []byte("fresh")))
	if got := drain(s); !bytes.Equal(got, []byte("fresh")) {
		t.Fatalf("post-reset frame = %q", got)
	}
}

func TestBroadcastFallbackWithoutDestination(t *testing.T) {
	mesh := &stubMesh{}
	s := New(Config{Mesh: mesh, MaxPacketSize: 16})

	s.Write([]byte("hello"))
	if err := s.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if mesh.sent[0].To != Broadcast {
		t.Fatalf("destination %#x, want broadcast", mesh.sent[0].To)
	}
}
