// Dynsecrets — dynamic database credential broker.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "dynsecrets",
	Short: "Dynsecrets — dynamic database credential broker.",
	Long: `Dynsecrets brokers short-lived database credentials for host applications.
It intercepts connection attempts, fetches a fresh dynamic secret per attempt,
injects the credentials, and revokes the backing lease exactly once when the
attempt fails or the connection closes.`,
	RunE:          runBroker, // Default to broker mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(brokerCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
