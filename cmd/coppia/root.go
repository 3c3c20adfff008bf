package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"coppia/internal/backend"
	"coppia/internal/cli"
	"coppia/internal/config"
	applog "coppia/internal/log"
)

// app carries the configuration resolved before any subcommand runs.
type app struct {
	serverURL   string
	householdID string
	userID      string
	queueDB     string
	backend     string

	cfg    *config.Config
	logger *applog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "coppia",
		Short: "Shared household ledger that keeps working offline",
		Long: `coppia records shared expenses and incomes for a two-person household.

Writes are queued on disk first and replayed to the ledger server in order
once it is reachable, so nothing typed while offline is lost or applied twice.`,
		Example: `  coppia household create --user anna
  coppia join 6f1c... --user marco
  coppia expense --desc "Spesa Coop" --amount 42,50 --primary Casa --secondary Spesa
  coppia run`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.configure(cmd)
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&a.serverURL, "server", "", "ledger server URL (env SERVER_URL)")
	f.StringVar(&a.householdID, "household", "", "household ID (env HOUSEHOLD_ID)")
	f.StringVar(&a.userID, "user", "", "your user ID (env USER_ID)")
	f.StringVar(&a.queueDB, "queue-db", "", "path of the offline queue database (env QUEUE_DB_PATH)")
	f.StringVar(&a.backend, "backend", "", fmt.Sprintf("one of %v (env DATA_BACKEND)", backend.GetBackendTypeStrings()))

	root.AddCommand(
		newRunCmd(a),
		newExpenseCmd(a),
		newIncomeCmd(a),
		newDeleteCmd(a),
		newRecordsCmd(a),
		newQueueCmd(a),
		newHouseholdCmd(a),
		newJoinCmd(a),
	)
	return root
}

// configure layers flags over the environment and validates the result.
// Logs go to stderr so command output stays readable.
func (a *app) configure(cmd *cobra.Command) error {
	cfg, _, err := cli.Bootstrap(applog.ComponentApp, nil)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("server") {
		cfg.ServerURL = a.serverURL
	}
	if flags.Changed("household") {
		cfg.HouseholdID = a.householdID
	}
	if flags.Changed("user") {
		cfg.UserID = a.userID
	}
	if flags.Changed("queue-db") {
		cfg.QueueDBPath = a.queueDB
	}
	if flags.Changed("backend") {
		cfg.DataBackend = a.backend
	}

	level := cfg.LogLevel
	if os.Getenv("LOG_LEVEL") == "" {
		level = "warn"
	}
	a.logger = applog.New(applog.Config{
		Level:     applog.ParseLevel(level),
		Component: applog.ComponentApp,
		Output:    cmd.ErrOrStderr(),
	})
	applog.SetDefault(a.logger)

	if err := cfg.ValidateClient(); err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

func (a *app) requireHousehold() error {
	if a.cfg.HouseholdID == "" && a.cfg.DataBackend != "memory" {
		return fmt.Errorf("no household selected: pass --household or set HOUSEHOLD_ID")
	}
	return nil
}
