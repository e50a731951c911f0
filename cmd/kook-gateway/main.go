// ABOUTME: Entry point for the kook-gateway CLI
// ABOUTME: Wires the run, check-config, and version commands

package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

const banner = `
 _                 _                       _
| | _____   ___  _| | __    __ _  __ _| |_ _____      ____ _ _   _
| |/ / _ \ / _ \| |/ /____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
|   < (_) | (_) |   <_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
|_|\_\___/ \___/|_|\_\     \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                           |___/                             |___/
`

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "kook-gateway",
		Short:         "Keep a KOOK bot gateway session alive and stream its events",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $KOOK_GATEWAY_CONFIG or ./config.yaml)")

	rootCmd.AddCommand(
		runCmd(&configPath),
		checkConfigCmd(&configPath),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
		os.Exit(1)
	}
}

func printBanner() {
	color.New(color.FgCyan).Print(banner)
	color.New(color.FgHiBlack).Printf("    version: %s\n\n", version)
}

func versionCmd() *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			if short {
				fmt.Fprintln(cmd.OutOrStdout(), version)
				return
			}
			fmt.Fprintf(cmd.OutOrStdout(), "kook-gateway %s (%s)\n", version, commit)
		},
	}
	cmd.Flags().BoolVarP(&short, "short", "s", false, "Print only version number")

	return cmd
}
