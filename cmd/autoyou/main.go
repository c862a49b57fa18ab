package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags
var version = "dev"

var (
	configPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "autoyou",
		Short: "Control core for the AutoYou trading assistant",
		Long: `autoyou runs the control and dispatch core of the AutoYou trading
assistant: sub-agent routing, transfer loop detection, and the
human-confirmation gate for trading actions.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/agents.yaml", "Path to configuration file")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newReplCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Printf("Error: %v", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("autoyou %s\n", version)
		},
	}
}
