// meshzmd runs a transfer node: it joins the mesh over UDP, listens for
// SEND:/RECV: commands on the command port, and drives the ZModem session
// from a polling loop.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/drunlade/meshzmodem/config"
	"github.com/drunlade/meshzmodem/meshudp"
	"github.com/drunlade/meshzmodem/store"
	"github.com/drunlade/meshzmodem/transfer"
)

const pollInterval = 20 * time.Millisecond

const statusInterval = 15 * time.Second

var (
	flagConfig string
	flagNodeID string
	flagListen string
	flagPeers  []string
	flagDebug  bool
)

func main() {
	root := &cobra.Command{
		Use:          "meshzmd",
		Short:        "ZModem file transfer node for mesh radio networks",
		SilenceUsage: true,
		RunE:         run,
	}
	root.Flags().StringVarP(&flagConfig, "config", "c", "", "TOML config file")
	root.Flags().StringVar(&flagNodeID, "node-id", "", "node id (8 hex digits, optional leading '!')")
	root.Flags().StringVar(&flagListen, "listen", "", "UDP listen address")
	root.Flags().StringArrayVar(&flagPeers, "peer", nil, "peer UDP address (repeatable)")
	root.Flags().BoolVarP(&flagDebug, "debug", "d", false, "enable debug logging")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger := newLogger(flagDebug)

	cfg := config.Default()
	if flagConfig != "" {
		loaded, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if flagNodeID != "" {
		cfg.NodeID = flagNodeID
	}
	if flagListen != "" {
		cfg.Listen = flagListen
	}
	if len(flagPeers) > 0 {
		cfg.Peers = flagPeers
	}
	if cfg.NodeID == "" {
		return fmt.Errorf("node id required (--node-id or node_id in config)")
	}
	nodeID, err := config.ParseNodeID(cfg.NodeID)
	if err != nil {
		return err
	}

	mesh, err := meshudp.Listen(nodeID, cfg.Listen, cfg.Peers, logger.With().Str("component", "meshudp").Logger())
	if err != nil {
		return err
	}
	defer mesh.Close()

	var bar *progressbar.ProgressBar
	interactive := term.IsTerminal(int(os.Stdout.Fd()))

	session := transfer.NewSession(mesh, store.OSFS{}, cfg,
		transfer.WithLogger(logger.With().Str("component", "transfer").Logger()),
		transfer.WithCallbacks(transfer.Callbacks{
			OnProgress: func(transferred, total int64) {
				if !interactive {
					return
				}
				if bar == nil && total > 0 {
					bar = progressbar.DefaultBytes(total, "transferring")
				}
				if bar != nil {
					bar.Set64(transferred)
				}
			},
			OnComplete: func(filename string, bytes int64, duration time.Duration) {
				if bar != nil {
					bar.Finish()
					bar = nil
				}
				logger.Info().Str("file", filename).Int64("bytes", bytes).Dur("duration", duration).Msg("done")
			},
			OnError: func(err error) {
				if bar != nil {
					bar.Clear()
					bar = nil
				}
			},
		}),
	)
	commands := transfer.NewCommandHandler(session, mesh, cfg.CommandPort,
		logger.With().Str("component", "command").Logger())

	logger.Info().
		Str("node", config.FormatNodeID(nodeID)).
		Str("listen", cfg.Listen).
		Strs("peers", cfg.Peers).
		Msg("node up")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	lastStatus := time.Now()

	for {
		select {
		case <-ctx.Done():
			session.Abort()
			logger.Info().Msg("shutting down")
			return nil

		case p := <-mesh.Packets():
			if commands.HandlePacket(p.From, p.Port, p.Payload) {
				continue
			}
			session.PushDataPacket(p.From, p.Port, p.Payload)
			// Drain the frame before the next datagram can arrive.
			session.Poll()

		case <-ticker.C:
			state := session.Poll()
			if state == transfer.Sending || state == transfer.Receiving {
				if time.Since(lastStatus) >= statusInterval {
					logger.Info().
						Stringer("state", state).
						Int64("transferred", session.BytesTransferred()).
						Int64("total", session.TotalSize()).
						Msg("transfer status")
					lastStatus = time.Now()
				}
			}
		}
	}
}

func newLogger(debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(output).Level(level).With().Timestamp().Str("app", "meshzmd").Logger()
}
