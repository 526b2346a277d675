package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.3.0"

var rootCmd = &cobra.Command{
	Use:   "minion",
	Short: "Minion - autonomous coding task agent",
	Long: `Minion runs coding tasks through a durable queue, a guardrail policy
engine, and a governed self-update workflow.`,
	// No RunE - defaults to showing help when no subcommand is provided
}

var (
	apiAddr string
	cfgPath string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7520", "API server address")
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to config file")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("minion", version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
