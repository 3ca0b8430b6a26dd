// meshzmctl sends transfer commands to a running meshzmd node and prints
// the node's reply.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/drunlade/meshzmodem/config"
	"github.com/drunlade/meshzmodem/meshstream"
	"github.com/drunlade/meshzmodem/meshudp"
)

var (
	flagNode    string
	flagFrom    string
	flagPort    uint32
	flagTimeout time.Duration
)

func main() {
	root := &cobra.Command{
		Use:          "meshzmctl",
		Short:        "Control client for meshzmd nodes",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flagNode, "node", "127.0.0.1:7300", "UDP address of the target node")
	root.PersistentFlags().StringVar(&flagFrom, "from", "!000000c1", "node id to reply to")
	root.PersistentFlags().Uint32Var(&flagPort, "port", 300, "command port")
	root.PersistentFlags().DurationVar(&flagTimeout, "timeout", 5*time.Second, "reply timeout")

	sendCmd := &cobra.Command{
		Use:   "send <dest-node-id> <path>",
		Short: "Tell the node to send a file to another node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.ParseNodeID(args[0]); err != nil {
				return err
			}
			return issue(fmt.Sprintf("SEND:%s:%s", args[0], args[1]))
		},
	}

	recvCmd := &cobra.Command{
		Use:   "recv <path>",
		Short: "Tell the node to save the next incoming file at path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return issue("RECV:" + args[0])
		},
	}

	root.AddCommand(sendCmd, recvCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func issue(command string) error {
	from, err := config.ParseNodeID(flagFrom)
	if err != nil {
		return err
	}

	mesh, err := meshudp.Listen(from, "127.0.0.1:0", []string{flagNode}, zerolog.Nop())
	if err != nil {
		return err
	}
	defer mesh.Close()

	err = mesh.SendPacket(&meshstream.Packet{
		To:       meshstream.Broadcast,
		Port:     flagPort,
		Payload:  []byte(command),
		HopLimit: meshstream.DefaultHopLimit,
	})
	if err != nil {
		return err
	}

	deadline := time.After(flagTimeout)
	for {
		select {
		case p := <-mesh.Packets():
			if p.Port != flagPort {
				continue
			}
			fmt.Println(string(p.Payload))
			return nil
		case <-deadline:
			return fmt.Errorf("no reply from %s within %v", flagNode, flagTimeout)
		}
	}
}
