package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "evoladder",
	Short: "Ranked 1v1 ladder service",
	Long:  "Matchmaking, match lifecycle, ratings, and leaderboards for a competitive 1v1 RTS ladder.",
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", "", "path to a .env file (defaults to ./.env when present)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(leaderboardCmd)
	rootCmd.AddCommand(profileCmd)
}
