package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "agent-coord",
		Short: "Agent Task Coordinator - shared queue for AI worker processes",
		Long: `Agent Task Coordinator runs AI-driven worker processes over a shared
task queue. Workers claim tasks via time-bounded leases, execute them
against a model provider under a cost budget, and classified failures
are retried or healed automatically.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	// .env is optional; environment beats file values either way
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
