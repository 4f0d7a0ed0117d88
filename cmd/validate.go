package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openrover/fieldlink/internal/config"
)

func newValidateCmd() *cobra.Command {
	var configFile string
	var role string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		Long: `Loads the configuration the same way the node or operator would and ` +
			`reports the first problem found. Exits non-zero on invalid config.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch role {
			case "node":
				opts, err := config.LoadNodeOptions(configFile)
				if err != nil {
					return fmt.Errorf("node config invalid: %w", err)
				}
				fmt.Printf("node config ok: video=%s audio=%s (%s) bus=%s\n",
					opts.VideoAddr, opts.AudioAddr, opts.AudioKind, opts.BusAddr)
			case "operator":
				opts, err := config.LoadOperatorOptions(configFile)
				if err != nil {
					return fmt.Errorf("operator config invalid: %w", err)
				}
				fmt.Printf("operator config ok: video=%s audio=%s (%s) jitter=%d/%d/%d\n",
					opts.VideoListen, opts.AudioListen, opts.AudioKind,
					opts.JitterTargetDepth, opts.JitterWaitBudget, opts.JitterMaxSpan)
			default:
				return fmt.Errorf("unknown role %q, expected node or operator", role)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "fieldlink.toml", "Path to configuration file")
	cmd.Flags().StringVar(&role, "role", "node", "Validate as node or operator")
	return cmd
}
