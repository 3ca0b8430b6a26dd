// Package transfer owns the lifecycle of a file transfer: it glues the
// datagram shim, the ZModem engine and the file store together and
// exposes the poll-driven surface the node scheduler drives.
package transfer

import (
	"path"
	"time"

	"github.com/rs/zerolog"

	"github.com/drunlade/meshzmodem/config"
	"github.com/drunlade/meshzmodem/meshstream"
	"github.com/drunlade/meshzmodem/store"
	"github.com/drunlade/meshzmodem/zmodem"
)

// State is the session's externally visible condition.
type State int

const (
	Idle State = iota
	Sending
	Receiving
	Complete
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sending:
		return "sending"
	case Receiving:
		return "receiving"
	case Complete:
		return "complete"
	case Error:
		return "error"
	}
	return "unknown"
}

// Session coordinates at most one transfer at a time. It is not safe for
// concurrent use: Poll, PushDataPacket, Start* and Abort must all run on
// the same goroutine.
type Session struct {
	cfg  config.Config
	mesh meshstream.Mesh
	fs   store.FS
	log  zerolog.Logger
	now  func() time.Time

	stream    *meshstream.Stream
	engine    *zmodem.Engine
	state     State
	filename  string
	lastErr   error
	tracker   Tracker
	callbacks Callbacks
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Session) { s.log = log }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Session) { s.now = clock }
}

// WithCallbacks sets the lifecycle callbacks.
func WithCallbacks(cb Callbacks) Option {
	return func(s *Session) { s.callbacks = cb }
}

// NewSession performs the one-time setup: it allocates the shim and
// leaves the session idle.
func NewSession(mesh meshstream.Mesh, fs store.FS, cfg config.Config, opts ...Option) *Session {
	s := &Session{
		cfg:  cfg,
		mesh: mesh,
		fs:   fs,
		log:  zerolog.Nop(),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.stream = meshstream.New(meshstream.Config{
		Mesh:          mesh,
		DataPort:      cfg.DataPort,
		Identifier:    cfg.Identifier(),
		MaxPacketSize: cfg.MaxPacketSize,
		Log:           s.log,
	})
	return s
}

// StartSend opens path read-only and begins sending it to dest. It is
// rejected while another transfer is active.
func (s *Session) StartSend(filePath string, dest uint32) error {
	if s.state == Sending || s.state == Receiving {
		return zmodem.NewError(zmodem.ErrInvalidRequest, "transfer already in progress")
	}
	if dest == 0 {
		return zmodem.NewError(zmodem.ErrInvalidRequest, "invalid destination")
	}

	file, err := s.fs.Open(filePath, store.Read)
	if err != nil {
		return zmodem.NewError(zmodem.ErrInvalidRequest, err.Error())
	}

	s.startEngine()
	s.stream.SetDestination(dest)
	s.filename = filePath
	_, base := path.Split(filePath)
	s.engine.StartSend(file, base, file.Size())
	s.state = Sending
	s.tracker.Start(s.now())
	s.log.Info().Str("file", filePath).Str("dest", config.FormatNodeID(dest)).Int64("size", file.Size()).Msg("send started")
	return nil
}

// StartReceive opens path for writing and waits for an incoming file.
// The peer-announced filename is informational; data lands at path.
func (s *Session) StartReceive(filePath string) error {
	if s.state == Sending || s.state == Receiving {
		return zmodem.NewError(zmodem.ErrInvalidRequest, "transfer already in progress")
	}

	file, err := s.fs.Open(filePath, store.Write)
	if err != nil {
		return zmodem.NewError(zmodem.ErrInvalidRequest, err.Error())
	}

	s.startEngine()
	s.filename = filePath
	s.engine.StartReceive(file)
	s.state = Receiving
	s.tracker.Start(s.now())
	s.log.Info().Str("file", filePath).Msg("receive started, waiting for sender")
	return nil
}

// startEngine resets the shim and builds a fresh engine for the coming
// transfer.
func (s *Session) startEngine() {
	s.stream.Reset()
	s.stream.SetDestination(0)
	s.lastErr = nil
	s.engine = zmodem.NewEngine(s.stream, zmodem.Config{
		Timeout:    s.cfg.Timeout(),
		MaxRetries: s.cfg.MaxRetries,
		Logger:     zmodem.ZerologLogger{L: s.log},
		Clock:      s.now,
	})
}

// PushDataPacket feeds one inbound mesh packet into the shim. Packets on
// other ports are ignored here; the command surface has its own handler.
func (s *Session) PushDataPacket(src uint32, port uint32, payload []byte) {
	if port != s.cfg.DataPort {
		return
	}
	if s.state != Sending && s.state != Receiving {
		return
	}
	// Lock the receiver onto the first peer that talks to us.
	if s.stream.Destination() == 0 {
		s.stream.SetDestination(src)
	}
	s.stream.PushDatagram(src, payload)
}

// Poll drives the engine one step and folds its status back into the
// session state, emitting the periodic progress line along the way.
func (s *Session) Poll() State {
	if s.state != Sending && s.state != Receiving {
		return s.state
	}

	status := s.engine.Poll()
	now := s.now()

	switch status {
	case zmodem.StatusActive:
		if s.tracker.Due(now, s.cfg.ProgressInterval()) {
			s.logProgress()
			s.callbacks.progress(s.engine.BytesTransferred(), s.totalForProgress())
		}

	case zmodem.StatusComplete:
		bytes := s.engine.BytesTransferred()
		duration := s.tracker.Elapsed(now)
		s.log.Info().
			Str("file", s.filename).
			Int64("bytes", bytes).
			Dur("duration", duration).
			Float64("rate", s.tracker.Rate(now, bytes)).
			Msg("transfer complete")
		s.state = Complete
		s.stream.Reset()
		s.callbacks.complete(s.filename, bytes, duration)

	case zmodem.StatusError:
		s.lastErr = s.engine.Err()
		s.log.Error().Err(s.lastErr).Str("file", s.filename).Msg("transfer failed")
		s.state = Error
		s.stream.Reset()
		s.callbacks.failed(s.lastErr)
	}
	return s.state
}

// Abort cancels the active transfer. Safe to call repeatedly.
func (s *Session) Abort() {
	if s.state != Sending && s.state != Receiving {
		return
	}
	s.engine.Abort()
	s.lastErr = s.engine.Err()
	s.state = Error
	s.stream.Reset()
	s.log.Info().Str("file", s.filename).Msg("transfer aborted")
}

func (s *Session) totalForProgress() int64 {
	if s.engine == nil {
		return 0
	}
	return s.engine.FileSize()
}

func (s *Session) logProgress() {
	transferred := s.engine.BytesTransferred()
	total := s.totalForProgress()
	if total > 0 {
		pct := float64(transferred) / float64(total) * 100
		if pct > 100 {
			pct = 100
		}
		s.log.Info().Msgf("Progress: %.1f%% (%d/%d bytes)", pct, transferred, total)
	} else {
		s.log.Info().Msgf("Progress: %d bytes", transferred)
	}
}

// State returns the current session state.
func (s *Session) State() State { return s.state }

// Filename returns the local path of the current or last transfer.
func (s *Session) Filename() string { return s.filename }

// RemoteFilename returns the peer-announced name, when receiving.
func (s *Session) RemoteFilename() string {
	if s.engine == nil {
		return ""
	}
	return s.engine.RemoteFilename()
}

// BytesTransferred returns the engine's transfer offset for the current
// or last transfer.
func (s *Session) BytesTransferred() int64 {
	if s.engine == nil {
		return 0
	}
	return s.engine.BytesTransferred()
}

// TotalSize returns the known file size, 0 when not yet announced.
func (s *Session) TotalSize() int64 {
	if s.engine == nil {
		return 0
	}
	return s.engine.FileSize()
}

// Err returns the error that ended the last transfer, if any.
func (s *Session) Err() error { return s.lastErr }

// SetTimeout adjusts the inactivity timeout for subsequent transfers.
func (s *Session) SetTimeout(d time.Duration) {
	s.cfg.TimeoutMS = d.Milliseconds()
}

// SetMaxRetries adjusts the retry budget for subsequent transfers.
func (s *Session) SetMaxRetries(n int) {
	if n > 0 {
		s.cfg.MaxRetries = n
	}
}

// SetProgressInterval adjusts the progress cadence; 0 disables it.
func (s *Session) SetProgressInterval(d time.Duration) {
	s.cfg.ProgressIntervalMS = d.Milliseconds()
}

// SetMaxPacketSize adjusts the datagram budget and rebuilds the shim.
// Rejected below the protocol minimum or while a transfer is active.
func (s *Session) SetMaxPacketSize(n int) error {
	if n < 10 {
		return zmodem.NewError(zmodem.ErrInvalidRequest, "max packet size too small")
	}
	if s.state == Sending || s.state == Receiving {
		return zmodem.NewError(zmodem.ErrInvalidRequest, "transfer already in progress")
	}
	s.cfg.MaxPacketSize = n
	s.stream = meshstream.New(meshstream.Config{
		Mesh:          s.mesh,
		DataPort:      s.cfg.DataPort,
		Identifier:    s.cfg.Identifier(),
		MaxPacketSize: n,
		Log:           s.log,
	})
	return nil
}
