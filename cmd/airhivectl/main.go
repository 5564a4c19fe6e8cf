// Command airhivectl finds Airhive machines on the local network and drives
// a gateway over HTTP.
package main

import (
	"fmt"
	"os"

	"github.com/Air-hive/Airhive-firmware-v2/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	addr    string
	natsURL string
	debug   bool
	log     *zap.Logger
}

func rootCmd() *cobra.Command {
	g := &globalFlags{log: zap.NewNop()}

	root := &cobra.Command{
		Use:           "airhivectl",
		Short:         "Discover and control Airhive machines",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelWarn
			if g.debug {
				level = logging.LevelDebug
			}
			logger, err := logging.New(level, true)
			if err != nil {
				return err
			}
			g.log = logger
			return nil
		},
	}
	root.PersistentFlags().StringVar(&g.addr, "addr", "http://localhost:80", "Gateway base URL")
	root.PersistentFlags().StringVar(&g.natsURL, "nats-url", "nats://localhost:4222", "NATS URL for watch")
	root.PersistentFlags().BoolVar(&g.debug, "debug", false, "Enable debug logging")

	root.AddCommand(browseCmd(g))
	root.AddCommand(watchCmd(g))
	for _, c := range controlCmds(g) {
		root.AddCommand(c)
	}
	return root
}
