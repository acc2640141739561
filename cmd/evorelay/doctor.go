package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"evorelay/internal/config"
	"evorelay/internal/store"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your EvoRelay installation",
		Long: `Verifies that EvoRelay's configuration, providers, database, and
listen port are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("EvoRelay Doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				failed++
				fmt.Printf("\nRun 'evorelay init' to create a default configuration.\n")
				return nil
			}
			printPass("Config file", cfgPath)
			passed++

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				failed++
			} else {
				printPass("Config validation", "valid")
				passed++
			}

			if cfg == nil {
				fmt.Printf("\n%d passed, %d failed\n", passed, failed)
				return nil
			}

			// 3. Database writable + schema current
			dbPath := cfg.Store.DBPath
			if dbPath == "" {
				dbPath = filepath.Join(config.DefaultConfigDir(), "evorelay.db")
			}
			if ver, err := checkDatabase(dbPath); err != nil {
				printFail("Database", err.Error())
				failed++
			} else {
				printPass("Database", fmt.Sprintf("%s (schema v%d)", dbPath, ver))
				passed++
			}

			// 4. Check providers
			providerCount := 0
			for name, p := range cfg.Providers {
				if !p.Enabled {
					continue
				}
				providerCount++
				if p.APIKey == "" && p.APIBase == "" {
					printWarn("Provider: "+name, "enabled but no API key/base configured")
					warned++
				} else {
					printPass("Provider: "+name, "configured")
					passed++
				}
			}
			if providerCount == 0 {
				printFail("Providers", "no providers enabled")
				failed++
			}

			// 5. Webhook port available
			port := cfg.Server.Port
			if port == 0 {
				port = 8088
			}
			if err := checkPort(port); err != nil {
				printWarn("Webhook port", fmt.Sprintf("port %d may be in use: %v", port, err))
				warned++
			} else {
				printPass("Webhook port", fmt.Sprintf(":%d available", port))
				passed++
			}

			// 6. Check log file writable
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			// Summary
			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running EvoRelay.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nEvoRelay should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! EvoRelay is ready to run.\n")
			}
			return nil
		},
	}
}

// checkDatabase verifies the database is reachable and writable and reports
// its schema version.
func checkDatabase(dbPath string) (int, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return 0, fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return 0, fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return 0, fmt.Errorf("cannot ping: %w", err)
	}

	// Try a write.
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return 0, fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")

	ver, err := store.GetSchemaVersion(db)
	if err != nil {
		return 0, nil // fresh database, migrations run on first serve
	}
	return ver, nil
}

func checkPort(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
