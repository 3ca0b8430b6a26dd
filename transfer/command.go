package transfer

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/drunlade/meshzmodem/config"
	"github.com/drunlade/meshzmodem/meshstream"
)

// Command prefixes recognized on the command port.
const (
	cmdSend = "SEND:"
	cmdRecv = "RECV:"
)

// CommandHandler is the thin text-command surface on the command port.
// `SEND:!<nodeid>:<path>` starts sending path to the named node;
// `RECV:<path>` arms the receiver to save the next incoming file at
// path. Each SEND:/RECV: command gets a plain-text OK:/Error: reply; other
// non-empty text gets an "Unknown command:" reply.
type CommandHandler struct {
	session *Session
	mesh    meshstream.Mesh
	port    uint32
	log     zerolog.Logger
}

// NewCommandHandler wires the command surface to a session.
func NewCommandHandler(session *Session, mesh meshstream.Mesh, port uint32, log zerolog.Logger) *CommandHandler {
	return &CommandHandler{session: session, mesh: mesh, port: port, log: log}
}

// HandlePacket processes one inbound packet if it belongs to the command
// port. Returns true when the packet was consumed.
func (h *CommandHandler) HandlePacket(src uint32, port uint32, payload []byte) bool {
	if port != h.port {
		return false
	}
	msg := strings.TrimSpace(string(payload))
	if msg == "" {
		return true
	}

	// Replies from other nodes land on the same port; don't answer them.
	if strings.HasPrefix(msg, "OK:") || strings.HasPrefix(msg, "Error:") ||
		strings.HasPrefix(msg, "Unknown command:") {
		return true
	}

	h.log.Info().Str("command", msg).Str("from", config.FormatNodeID(src)).Msg("command received")
	h.reply(h.execute(msg), src)
	return true
}

func (h *CommandHandler) execute(msg string) string {
	switch {
	case strings.HasPrefix(msg, cmdSend):
		return h.executeSend(msg[len(cmdSend):])
	case strings.HasPrefix(msg, cmdRecv):
		return h.executeRecv(msg[len(cmdRecv):])
	}
	return "Unknown command: " + msg
}

func (h *CommandHandler) executeSend(args string) string {
	destStr, filePath, ok := strings.Cut(args, ":")
	if !ok {
		return "Error: SEND requires a destination and a path"
	}

	dest, err := config.ParseNodeID(destStr)
	if err != nil {
		return "Error: Invalid destination node id"
	}
	if !strings.HasPrefix(filePath, "/") {
		return "Error: Invalid filename format (must start with '/')"
	}
	if h.session.State() == Sending || h.session.State() == Receiving {
		return "Error: Transfer already in progress"
	}

	if err := h.session.StartSend(filePath, dest); err != nil {
		h.log.Error().Err(err).Str("file", filePath).Msg("start send failed")
		return "Error: Failed to start SEND for " + filePath
	}
	return "OK: Starting SEND for " + filePath
}

func (h *CommandHandler) executeRecv(filePath string) string {
	if !strings.HasPrefix(filePath, "/") {
		return "Error: Invalid filename format (must start with '/')"
	}
	if h.session.State() == Sending || h.session.State() == Receiving {
		return "Error: Transfer already in progress"
	}

	if err := h.session.StartReceive(filePath); err != nil {
		h.log.Error().Err(err).Str("file", filePath).Msg("start receive failed")
		return "Error: Failed to start RECV to " + filePath
	}
	return "OK: Starting RECV to " + filePath + ". Waiting for sender..."
}

func (h *CommandHandler) reply(text string, dest uint32) {
	err := h.mesh.SendPacket(&meshstream.Packet{
		To:       dest,
		Port:     h.port,
		Payload:  []byte(text),
		HopLimit: meshstream.DefaultHopLimit,
	})
	if err != nil {
		h.log.Error().Err(err).Str("to", config.FormatNodeID(dest)).Msg("command reply failed")
	}
}
