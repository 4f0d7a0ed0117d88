// Package cmd wires the fieldlink processes: the robot-side node, the
// operator console, and config validation.
package cmd

import (
	"github.com/spf13/cobra"
)

// NewRootCmd builds the fieldlink command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fieldlink",
		Short:         "Teleoperation media link and command bridge",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newNodeCmd(), newOperatorCmd(), newValidateCmd(), newRestartCmd())
	return root
}
