/*
main.go - Application entry point

PURPOSE:
  The leave engine binary. One cobra root command with subcommands for the
  server and for the operations an operator runs by hand.

COMMANDS:
  serve     HTTP API + scheduler (escalation sweep, year-end rollover)
  sweep     Run one escalation sweep and exit
  year-end  Carry a year forward (default: previous year) and exit
  migrate   Apply database migrations and exit
  seed      Load leave types and users from a YAML file

CONFIGURATION:
  --config points at a YAML file; otherwise ./config.yaml or
  ./config/config.yaml is used when present. Every key can be overridden
  by LEAVE_<SECTION>_<KEY>, e.g. LEAVE_AUTH_JWT_SECRET. A .env file in the
  working directory is loaded first.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM serve stops the scheduler, waits for active requests
  (server.shutdown_timeout) and closes the database.

SEE ALSO:
  - config/config.go: keys and defaults
  - api/server.go: Router configuration
*/
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "leave-engine",
	Short: "Leave and work-from-home request engine",
	Long: `leave-engine runs the leave request workflow: balances, approval
chains, delegations, escalations and year-end carry-forward.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	rootCmd.AddCommand(serveCmd, sweepCmd, yearEndCmd, migrateCmd, seedCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
