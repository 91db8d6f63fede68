// Package cmd implements the syncgate command line interface.
package cmd

import "github.com/spf13/cobra"

// defaultConfigPath is used when neither a positional argument nor the
// --config flag names a config file.
const defaultConfigPath = "syncgate.json"

var version = "dev"

// NewRootCmd builds the syncgate CLI. A bare invocation starts the gateway,
// so `syncgate` and `syncgate run` are equivalent.
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "syncgate",
		Short: "Hybrid communication gateway",
		Long: "Syncgate maintains persistent duplex connections to web, browser extension,\n" +
			"local, and hybrid deployments, routing messages and keeping shared state in\n" +
			"sync between them.",
		Version:       v,
		RunE:          runRun,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "path to the config file (default "+defaultConfigPath+")")

	root.AddCommand(newRunCmd(), newInitCmd(), newVersionCmd())
	return root
}
