// Daraja — AI-assistant bridge with a governed Python execution sandbox.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "daraja",
	Short: "Daraja — secure script-execution bridge between AI assistants and platform data.",
	Long: `Daraja lets AI assistants run Python analysis scripts against platform data
inside a security-scanned, resource-governed sandbox. Scripts reach records,
reports, and search through a permission-checked bridge; everything else is
locked out.`,
	RunE:          runGateway, // Default to gateway mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(gatewayCmd, mcpCmd, execCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
