package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Event-ticketing ledger service",
	Long:  `Authoritative ledger for events, tickets, organizers and refunds`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
