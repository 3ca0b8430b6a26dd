package zmodem

import (
	"io"
	"strconv"
	"time"

	"github.com/drunlade/meshzmodem/store"
)

// Stream is the byte-stream surface the engine drives. It is implemented
// by meshstream.Stream; reads never block and report emptiness instead.
type Stream interface {
	Available() int
	ReadByte() (byte, bool)
	Write(p []byte) (int, error)
	Flush() error
}

// Role distinguishes the two ends of a transfer.
type Role int

const (
	RoleNone Role = iota
	RoleSender
	RoleReceiver
)

// Status is the engine's externally visible condition.
type Status int

const (
	StatusIdle Status = iota
	StatusActive
	StatusComplete
	StatusError
)

type state int

const (
	stateIdle state = iota
	stateSendZRQINIT
	stateSendZFILE
	stateSendZDATA
	stateSendZEOF
	stateSendZFIN
	stateRecv
	stateComplete
	stateError
)

type rxState int

const (
	rxAwaitHeader rxState = iota
	rxReadZFILE
	rxReadZDATA
)

// inbufLimit bounds the engine's parse buffer. Anything beyond it is
// stale noise; the front half is discarded and the protocol recovers
// through its normal retry path.
const inbufLimit = 8192

// Config holds the engine tunables.
type Config struct {
	// Timeout is the overall inactivity timeout; exceeding it is fatal.
	Timeout time.Duration

	// RetryInterval is the cadence for re-emitting the frame a waiting
	// state is stuck on.
	RetryInterval time.Duration

	// KeepaliveInterval is how long the receiver tolerates silence
	// before poking the sender with another ZRINIT.
	KeepaliveInterval time.Duration

	// MaxRetries bounds consecutive re-emissions of the same frame;
	// exceeding it is fatal.
	MaxRetries int

	// Logger receives protocol traces. Defaults to NoopLogger.
	Logger Logger

	// Clock supplies the current time. Defaults to time.Now.
	Clock func() time.Time
}

// DefaultConfig returns the timing profile tuned for slow radio links.
func DefaultConfig() Config {
	return Config{
		Timeout:           30 * time.Second,
		RetryInterval:     time.Second,
		KeepaliveInterval: 3 * time.Second,
		MaxRetries:        20,
	}
}

// Engine is the non-blocking ZModem state machine. All mutation happens
// inside Poll and the Start/Abort calls; none of them block, and none of
// them may be invoked re-entrantly.
type Engine struct {
	stream Stream
	cfg    Config
	log    Logger
	now    func() time.Time

	role Role
	st   state
	rst  rxState

	file       store.File
	filename   string
	remoteName string
	fileSize   int64
	sizeKnown  bool
	bytesDone  int64

	lastActivity  time.Time
	lastSend      time.Time
	lastKeepalive time.Time
	retryCount    int

	pending []byte // wire bytes committed but not yet accepted by the stream
	inbuf   []byte // drained inbound bytes awaiting parse
	canRun  int    // consecutive CAN bytes seen on the inbound stream
	parser  *SubpacketParser

	lastErr error
}

// NewEngine builds an idle engine over the given stream.
func NewEngine(stream Stream, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = def.KeepaliveInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.Logger == nil {
		cfg.Logger = NoopLogger{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Engine{
		stream: stream,
		cfg:    cfg,
		log:    cfg.Logger,
		now:    cfg.Clock,
		parser: NewSubpacketParser(ChunkSize),
	}
}

// StartSend arms the sender side. The engine takes ownership of file for
// the transfer's lifetime; name and size are announced in the ZFILE frame.
func (e *Engine) StartSend(file store.File, name string, size int64) {
	e.reset()
	e.role = RoleSender
	e.st = stateSendZRQINIT
	e.file = file
	e.filename = name
	e.fileSize = size
	e.sizeKnown = true
	e.lastActivity = e.now()
	e.log.Info("send armed: %s (%d bytes)", name, size)
}

// StartReceive arms the receiver side and emits the opening ZRINIT.
// Data lands in file regardless of the name the peer announces.
func (e *Engine) StartReceive(file store.File) {
	e.reset()
	e.role = RoleReceiver
	e.st = stateRecv
	e.rst = rxAwaitHeader
	e.file = file
	now := e.now()
	e.lastActivity = now
	e.lastKeepalive = now
	e.sendUnit(EncodeHexHeader(ZRINIT, Header{}))
	e.log.Info("receive armed")
}

func (e *Engine) reset() {
	e.role = RoleNone
	e.st = stateIdle
	e.rst = rxAwaitHeader
	e.file = nil
	e.filename = ""
	e.remoteName = ""
	e.fileSize = 0
	e.sizeKnown = false
	e.bytesDone = 0
	e.lastSend = time.Time{}
	e.lastKeepalive = time.Time{}
	e.retryCount = 0
	e.pending = nil
	e.inbuf = nil
	e.canRun = 0
	e.parser.Reset()
	e.lastErr = nil
}

// Abort cancels the transfer: the CAN sequence goes out once, the file is
// closed, and the engine lands in StatusError. Calling it again is a
// no-op.
func (e *Engine) Abort() {
	if e.st == stateIdle || e.st == stateComplete || e.st == stateError {
		return
	}
	e.pending = append(e.pending, AbortSequence...)
	e.flushPending()
	e.fail(NewError(ErrCancelled, "transfer aborted"))
}

// Status reports the engine's condition.
func (e *Engine) Status() Status {
	switch e.st {
	case stateIdle:
		return StatusIdle
	case stateComplete:
		return StatusComplete
	case stateError:
		return StatusError
	}
	return StatusActive
}

// Role returns the engine's current role.
func (e *Engine) Role() Role { return e.role }

// BytesTransferred returns the transfer offset: on the sender, the bytes
// emitted so far (moved back by ZRPOS); on the receiver, the bytes written
// after a good subpacket CRC.
func (e *Engine) BytesTransferred() int64 { return e.bytesDone }

// FileSize returns the announced or local file size, 0 if unknown.
func (e *Engine) FileSize() int64 { return e.fileSize }

// Filename returns the local transfer name (sender side).
func (e *Engine) Filename() string { return e.filename }

// RemoteFilename returns the name the peer announced in ZFILE. It is
// informational only; received data is stored at the locally chosen path.
func (e *Engine) RemoteFilename() string { return e.remoteName }

// Err returns the error that moved the engine to StatusError.
func (e *Engine) Err() error { return e.lastErr }

// Poll advances the state machine once: at most one pending header plus
// all drainable stream bytes, then returns. It must be called often
// enough to honor the retry cadence.
func (e *Engine) Poll() Status {
	if e.st == stateIdle || e.st == stateComplete || e.st == stateError {
		return e.Status()
	}

	now := e.now()
	if now.Sub(e.lastActivity) > e.cfg.Timeout {
		e.fail(NewError(ErrTimeout, "no activity within timeout"))
		return e.Status()
	}

	e.drain()
	if e.canRun >= CanThreshold {
		e.fail(NewError(ErrCancelled, "peer cancelled"))
		return e.Status()
	}

	if !e.flushPending() {
		// Transport backpressure; the queued bytes go out on a later tick.
		return e.Status()
	}

	if e.role == RoleSender {
		e.senderPoll(now)
	} else {
		e.receiverPoll(now)
	}
	return e.Status()
}

// drain moves every available stream byte into the parse buffer, counting
// consecutive CANs as it goes. Valid traffic carries at most two 0x18s in
// a row (the unescaped CRC bytes of a subpacket), so a run of CanThreshold
// or more is a reliable abort detector.
func (e *Engine) drain() {
	for {
		b, ok := e.stream.ReadByte()
		if !ok {
			break
		}
		if b == CAN {
			e.canRun++
		} else {
			e.canRun = 0
		}
		e.inbuf = append(e.inbuf, b)
	}
	if len(e.inbuf) > inbufLimit {
		e.log.Error("parse buffer overflow, discarding %d stale bytes", len(e.inbuf)-inbufLimit/2)
		e.inbuf = append(e.inbuf[:0:0], e.inbuf[len(e.inbuf)-inbufLimit/2:]...)
	}
}

// flushPending pushes queued wire bytes into the stream. Returns true
// once nothing is left waiting.
func (e *Engine) flushPending() bool {
	if len(e.pending) > 0 {
		n, err := e.stream.Write(e.pending)
		e.pending = e.pending[n:]
		if err != nil {
			return false
		}
	}
	if err := e.stream.Flush(); err != nil {
		return false
	}
	return len(e.pending) == 0
}

// sendUnit queues one complete protocol unit and attempts to flush it.
func (e *Engine) sendUnit(unit []byte) {
	e.pending = append(e.pending, unit...)
	e.flushPending()
}

// nextHeader scans the parse buffer for one complete header, discarding
// noise and CRC-failed headers along the way.
func (e *Engine) nextHeader() (*ScannedHeader, bool) {
	for {
		n, h, bad := ScanHeader(e.inbuf)
		if n > 0 {
			e.inbuf = e.inbuf[n:]
		}
		if h != nil {
			e.log.Debug("rx header %s pos=%d", FrameTypeName(h.Type), h.Flags.Position())
			return h, true
		}
		if bad {
			e.log.Debug("rx header with bad CRC discarded")
			continue
		}
		if n == 0 || len(e.inbuf) == 0 {
			return nil, false
		}
	}
}

func (e *Engine) fail(err error) {
	e.lastErr = err
	e.log.Error("transfer failed: %v", err)
	e.closeFile()
	e.st = stateError
}

func (e *Engine) complete() {
	e.closeFile()
	e.st = stateComplete
	e.log.Info("transfer complete: %d bytes", e.bytesDone)
}

func (e *Engine) closeFile() {
	if e.file == nil {
		return
	}
	if err := e.file.Sync(); err != nil {
		e.log.Error("file sync: %v", err)
	}
	if err := e.file.Close(); err != nil {
		e.log.Error("file close: %v", err)
	}
	e.file = nil
}

func (e *Engine) toState(s state) {
	e.st = s
	e.lastSend = time.Time{}
	e.retryCount = 0
}

// tick runs the state's periodic emission: immediately on entering the
// state, then every RetryInterval. Re-emissions count against MaxRetries.
func (e *Engine) tick(now time.Time, emit func()) {
	if !e.lastSend.IsZero() && now.Sub(e.lastSend) < e.cfg.RetryInterval {
		return
	}
	if !e.lastSend.IsZero() {
		e.retryCount++
		if e.retryCount > e.cfg.MaxRetries {
			e.fail(NewError(ErrProtocol, "retry limit exceeded"))
			return
		}
	}
	emit()
	e.lastSend = now
}

// --- Sender ---

func (e *Engine) senderPoll(now time.Time) {
	if h, ok := e.nextHeader(); ok {
		e.lastActivity = now
		e.senderHeader(h)
		if e.st == stateComplete || e.st == stateError {
			return
		}
	}

	switch e.st {
	case stateSendZRQINIT:
		e.tick(now, func() {
			e.sendUnit(EncodeHexHeader(ZRQINIT, Header{}))
		})
	case stateSendZFILE:
		e.tick(now, e.emitZFILE)
	case stateSendZDATA:
		e.emitChunk(now)
	case stateSendZEOF:
		e.tick(now, func() {
			e.sendUnit(EncodeHexHeader(ZEOF, PositionHeader(uint32(e.fileSize))))
		})
	case stateSendZFIN:
		e.tick(now, func() {
			e.sendUnit(EncodeHexHeader(ZFIN, Header{}))
		})
	}
}

func (e *Engine) senderHeader(h *ScannedHeader) {
	switch e.st {
	case stateSendZRQINIT:
		if h.Type == ZRINIT {
			e.toState(stateSendZFILE)
		}

	case stateSendZFILE:
		if h.Type == ZRPOS {
			if !e.seekTo(h.Flags.Position()) {
				return
			}
			e.toState(stateSendZDATA)
		}

	case stateSendZDATA:
		if h.Type == ZRPOS {
			// The receiver lost data; back up and resume from its offset.
			if !e.seekTo(h.Flags.Position()) {
				return
			}
			e.retryCount = 0
		}

	case stateSendZEOF:
		switch h.Type {
		case ZRINIT:
			e.toState(stateSendZFIN)
		case ZRPOS:
			// EOF raced a loss; the receiver still wants data.
			if !e.seekTo(h.Flags.Position()) {
				return
			}
			e.toState(stateSendZDATA)
		}

	case stateSendZFIN:
		if h.Type == ZFIN {
			e.sendUnit([]byte("OO"))
			e.complete()
		}
	}
}

func (e *Engine) seekTo(pos uint32) bool {
	if _, err := e.file.Seek(int64(pos), io.SeekStart); err != nil {
		e.fail(NewError(ErrIO, "seek failed: "+err.Error()))
		return false
	}
	e.bytesDone = int64(pos)
	return true
}

// emitZFILE sends the BIN ZFILE header followed by the file-info
// subpacket: NUL-terminated filename, NUL-terminated decimal size.
func (e *Engine) emitZFILE() {
	info := make([]byte, 0, len(e.filename)+24)
	info = append(info, e.filename...)
	info = append(info, 0)
	info = append(info, strconv.FormatInt(e.fileSize, 10)...)
	info = append(info, 0)
	if len(info) > ChunkSize {
		e.fail(NewError(ErrInvalidRequest, "file info exceeds subpacket size"))
		return
	}

	unit := EncodeBinHeader(ZFILE, Header{})
	unit = AppendSubpacket(unit, info, true)
	e.sendUnit(unit)
}

// emitChunk streams one data chunk per poll. Strictly serial: the next
// chunk is not read until the previous unit has fully left the shim.
func (e *Engine) emitChunk(now time.Time) {
	if len(e.pending) > 0 {
		return
	}
	if e.bytesDone >= e.fileSize {
		e.toState(stateSendZEOF)
		return
	}

	buf := make([]byte, ChunkSize)
	n, err := e.file.Read(buf)
	if err != nil && err != io.EOF {
		e.fail(NewError(ErrIO, "read failed: "+err.Error()))
		return
	}
	if n == 0 {
		e.toState(stateSendZEOF)
		return
	}

	last := e.bytesDone+int64(n) >= e.fileSize
	unit := EncodeBinHeader(ZDATA, PositionHeader(uint32(e.bytesDone)))
	unit = AppendSubpacket(unit, buf[:n], last)
	e.bytesDone += int64(n)
	e.sendUnit(unit)
	e.lastSend = now

	if last {
		e.toState(stateSendZEOF)
	}
}

// --- Receiver ---

func (e *Engine) receiverPoll(now time.Time) {
	switch e.rst {
	case rxAwaitHeader:
		if h, ok := e.nextHeader(); ok {
			e.lastActivity = now
			e.receiverHeader(h, now)
		}
	case rxReadZFILE:
		e.readZFILE(now)
	case rxReadZDATA:
		e.readZDATA(now)
	}

	if e.st == stateComplete || e.st == stateError {
		return
	}

	// Keepalive: poke the sender when nothing has moved for a while.
	if now.Sub(e.lastActivity) >= e.cfg.KeepaliveInterval &&
		now.Sub(e.lastKeepalive) >= e.cfg.KeepaliveInterval {
		e.sendUnit(EncodeHexHeader(ZRINIT, Header{}))
		e.lastKeepalive = now
	}
}

func (e *Engine) receiverHeader(h *ScannedHeader, now time.Time) {
	switch h.Type {
	case ZRQINIT:
		e.sendUnit(EncodeHexHeader(ZRINIT, Header{}))

	case ZFILE:
		e.parser.Reset()
		e.rst = rxReadZFILE
		e.readZFILE(now)

	case ZDATA:
		if int64(h.Flags.Position()) == e.bytesDone {
			e.parser.Reset()
			e.rst = rxReadZDATA
			e.readZDATA(now)
		} else {
			e.sendUnit(EncodeHexHeader(ZRPOS, PositionHeader(uint32(e.bytesDone))))
		}

	case ZEOF:
		pos := int64(h.Flags.Position())
		if pos == e.bytesDone && (!e.sizeKnown || e.bytesDone == e.fileSize) {
			if err := e.file.Sync(); err != nil {
				e.fail(NewError(ErrIO, "flush failed: "+err.Error()))
				return
			}
			e.sendUnit(EncodeHexHeader(ZRINIT, Header{}))
		} else {
			e.sendUnit(EncodeHexHeader(ZRPOS, PositionHeader(uint32(e.bytesDone))))
		}

	case ZFIN:
		e.sendUnit(EncodeHexHeader(ZFIN, Header{}))
		e.complete()
	}
}

// readZFILE accumulates the file-info subpacket. The announced name is
// informational; data is written to the locally configured path.
func (e *Engine) readZFILE(now time.Time) {
	for len(e.inbuf) > 0 {
		b := e.inbuf[0]
		e.inbuf = e.inbuf[1:]
		done, err := e.parser.Feed(b)
		if !done {
			continue
		}
		if err != nil {
			// Garbled announcement; the sender re-sends ZFILE on its
			// own cadence.
			e.log.Debug("file info subpacket rejected: %v", err)
			e.rst = rxAwaitHeader
			return
		}
		e.parseFileInfo(e.parser.Data())
		e.lastActivity = now
		e.sendUnit(EncodeHexHeader(ZRPOS, PositionHeader(uint32(e.bytesDone))))
		e.rst = rxAwaitHeader
		return
	}
}

func (e *Engine) parseFileInfo(info []byte) {
	name := info
	var sizeStr []byte
	for i, b := range info {
		if b == 0 {
			name = info[:i]
			sizeStr = info[i+1:]
			break
		}
	}
	for i, b := range sizeStr {
		if b == 0 {
			sizeStr = sizeStr[:i]
			break
		}
	}

	e.remoteName = string(name)
	if size, err := strconv.ParseInt(string(sizeStr), 10, 64); err == nil {
		e.fileSize = size
		e.sizeKnown = true
	}
	e.log.Info("incoming file announced: %q (%d bytes)", e.remoteName, e.fileSize)
}

// readZDATA accumulates one data subpacket and commits it to the file
// only after its CRC verifies. On failure the offset does not move and
// the sender is pointed back at the last good position.
func (e *Engine) readZDATA(now time.Time) {
	for len(e.inbuf) > 0 {
		b := e.inbuf[0]
		e.inbuf = e.inbuf[1:]
		done, err := e.parser.Feed(b)
		if !done {
			continue
		}
		if err != nil {
			e.log.Debug("data subpacket rejected at %d: %v", e.bytesDone, err)
			e.sendUnit(EncodeHexHeader(ZRPOS, PositionHeader(uint32(e.bytesDone))))
			e.rst = rxAwaitHeader
			return
		}

		data := e.parser.Data()
		if _, werr := e.file.Write(data); werr != nil {
			e.fail(NewError(ErrIO, "write failed: "+werr.Error()))
			return
		}
		e.bytesDone += int64(len(data))
		e.lastActivity = now
		e.rst = rxAwaitHeader
		return
	}
}
