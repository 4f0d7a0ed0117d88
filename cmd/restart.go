package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openrover/fieldlink/internal/bus"
	"github.com/openrover/fieldlink/internal/config"
	"github.com/openrover/fieldlink/internal/logging"
)

func newRestartCmd() *cobra.Command {
	var busAddr string
	var reason string

	cmd := &cobra.Command{
		Use:   "restart <worker>",
		Short: "Ask the node to restart a worker",
		Long: `Publishes a restart command on the bus. The node's supervisor stops ` +
			`the named worker and relaunches it immediately.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			worker := args[0]

			client := bus.NewClient(busAddr, "restart", logging.GetLogger("bus"))
			if err := client.Connect(); err != nil {
				return fmt.Errorf("connect to bus at %s: %w", busAddr, err)
			}
			defer client.Close()

			if err := client.RequestRestart(worker, reason); err != nil {
				return err
			}
			if err := client.Flush(); err != nil {
				return fmt.Errorf("flush restart command: %w", err)
			}
			fmt.Printf("restart requested for %s\n", worker)
			return nil
		},
	}

	cmd.Flags().StringVar(&busAddr, "bus-addr", config.DefaultNodeOptions().BusAddr, "NATS URL of the bus")
	cmd.Flags().StringVar(&reason, "reason", "operator request", "Reason recorded with the restart")
	return cmd
}
