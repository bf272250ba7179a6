package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/warp/leave-engine/config"
	"github.com/warp/leave-engine/factory"
	"github.com/warp/leave-engine/logging"
	"github.com/warp/leave-engine/store/sqlite"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one escalation sweep",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.sweeper.RunSweep(cmd.Context())
		if err != nil {
			return err
		}
		if err := printJSON(cmd.OutOrStdout(), report); err != nil {
			return err
		}
		return report.Err()
	},
}

var yearEndYear int

var yearEndCmd = &cobra.Command{
	Use:   "year-end",
	Short: "Carry balances of a year into the next",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		year := yearEndYear
		if year == 0 {
			year = time.Now().UTC().Year() - 1
		}
		report, err := a.ledger.ProcessYearEndCarryForward(cmd.Context(), year)
		if err != nil {
			return err
		}
		if err := printJSON(cmd.OutOrStdout(), report); err != nil {
			return err
		}
		return report.Err()
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := sqlite.Open(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := sqlite.Migrate(db); err != nil {
			return err
		}
		log.WithField("path", cfg.Database.Path).Info("database migrated")
		return nil
	},
}

var seedDefaults bool

var seedCmd = &cobra.Command{
	Use:   "seed [file]",
	Short: "Load leave types and users from a YAML seed file",
	Long: `seed upserts the leave types and users of a YAML file. The file
defaults to seed.path from the configuration; --defaults loads the built-in
leave type catalog instead.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}

		var seed *factory.Seed
		switch {
		case seedDefaults:
			seed = factory.DefaultCatalog()
		default:
			path := cfg.Seed.Path
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("no seed file: pass one or set seed.path")
			}
			if seed, err = factory.ParseFile(path); err != nil {
				return err
			}
		}

		store, err := sqlite.New(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer store.Close()

		res, err := seed.Apply(cmd.Context(), store)
		if err != nil {
			return err
		}
		log.WithFields(logrus.Fields{"leave_types": res.LeaveTypes, "users": res.Users}).Info("seed applied")
		return printJSON(cmd.OutOrStdout(), res)
	},
}

func init() {
	yearEndCmd.Flags().IntVar(&yearEndYear, "year", 0, "year to close (default: previous calendar year)")
	seedCmd.Flags().BoolVar(&seedDefaults, "defaults", false, "load the built-in leave type catalog")
}

func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	if cfg.IsProduction() && cfg.Log.Format == "text" {
		log.Warn("text log format in production; set log.format=json for log shipping")
	}
	return cfg, log, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
