package main

import (
	"fmt"
	"os"

	"github.com/fentz26/kaiba/internal/controlplane"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "kaiba",
	Short: "Kaiba - persona resource and decision daemon",
	Long: `Kaiba keeps AI personas alive: it tracks their energy and token budget,
lets them learn, digest and rest on their own, routes their work to the right
execution backend, and tells subscribed webhooks what they did.`,
	SilenceUsage: true,
	// No RunE - defaults to showing help when no subcommand is provided
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(controlplane.Version)
	},
}

var (
	apiAddr    string
	configPath string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7477", "API server address")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to kaiba.yaml (default: ./kaiba.yaml or ~/.kaiba/kaiba.yaml)")

	// Add subcommands
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(personaCmd)
	rootCmd.AddCommand(backendCmd)
	rootCmd.AddCommand(triggerCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(webhookCmd)
	rootCmd.AddCommand(memoryCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error:"), err)
		os.Exit(1)
	}
}
