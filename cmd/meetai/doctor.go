package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"meetai/internal/config"
	"meetai/internal/postprocess"
	"meetai/internal/store"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the meetai installation",
		Long: `Verifies that the configuration, database, call provider credentials,
agent runtime, dispatch backend and archive bucket are reachable. Reports
pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("meetai doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed, failed, warned := 0, 0, 0
			pass := func(check, detail string) { printPass(check, detail); passed++ }
			fail := func(check, detail string) { printFail(check, detail); failed++ }
			warn := func(check, detail string) { printWarn(check, detail); warned++ }

			if _, err := os.Stat(cfgPath); err != nil {
				warn("Config file", fmt.Sprintf("not found at %s, using defaults and environment", cfgPath))
			} else {
				pass("Config file", cfgPath)
			}

			cfg, _, err := config.LoadOrDefaults(cfgPath)
			if err != nil {
				fail("Config validation", err.Error())
				fmt.Printf("\n%d passed, %d failed\n", passed, failed)
				return fmt.Errorf("config is invalid")
			}
			pass("Config validation", "valid")

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if err := checkDatabase(ctx, cfg.Store.DBPath); err != nil {
				fail("Database", err.Error())
			} else {
				pass("Database", cfg.Store.DBPath)
			}

			switch {
			case cfg.Stream.APIKey == "" || cfg.Stream.APISecret == "":
				fail("Stream credentials", "apiKey and apiSecret are required (STREAM_API_KEY, STREAM_API_SECRET)")
			default:
				pass("Stream credentials", "configured")
			}

			a, err := newApp(cfg)
			if err != nil {
				fail("Components", err.Error())
			} else {
				defer a.Close()

				if h, err := a.agents.Health(ctx); err != nil {
					fail("Agent service", err.Error())
				} else {
					pass("Agent service", fmt.Sprintf("%s (%d active)", h.Status, h.ActiveAgents))
				}

				if err := a.backend.Ping(ctx); err != nil {
					fail("Dispatch: "+cfg.Dispatch.Backend, err.Error())
				} else {
					pass("Dispatch: "+cfg.Dispatch.Backend, "reachable")
				}
			}

			if cfg.Worker.MinIO.Configured() {
				if err := checkMinIO(ctx, cfg.Worker.MinIO); err != nil {
					fail("MinIO", err.Error())
				} else {
					pass("MinIO", cfg.Worker.MinIO.Endpoint+"/"+cfg.Worker.MinIO.Bucket)
				}
			} else {
				warn("MinIO", "not configured, transcripts will not be archived")
			}

			if cfg.Alerts.Telegram.Enabled && (cfg.Alerts.Telegram.Token == "" || cfg.Alerts.Telegram.ChatID == 0) {
				warn("Telegram alerts", "enabled but token or chat id missing")
			}

			if err := checkPort(cfg.Server.Host, cfg.Server.Port); err != nil {
				warn("Webhook port", fmt.Sprintf("port %d may be in use: %v", cfg.Server.Port, err))
			} else {
				pass("Webhook port", fmt.Sprintf(":%d available", cfg.Server.Port))
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running meetai.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nmeetai should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! meetai is ready to run.\n")
			}
			return nil
		},
	}
}

// checkDatabase opens the store, which runs migrations, and verifies the
// schema is current.
func checkDatabase(ctx context.Context, dbPath string) error {
	st, err := store.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	v, err := store.GetSchemaVersion(st.DB())
	if err != nil {
		return err
	}
	if v != store.SchemaVersion() {
		return fmt.Errorf("schema version %d, expected %d", v, store.SchemaVersion())
	}
	return nil
}

func checkMinIO(ctx context.Context, c config.MinIOConfig) error {
	arch, err := postprocess.NewMinIOArchiver(postprocess.MinIOConfig{
		Endpoint:  c.Endpoint,
		AccessKey: c.AccessKey,
		SecretKey: c.SecretKey,
		Bucket:    c.Bucket,
		UseSSL:    c.UseSSL,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	return arch.Ping(ctx)
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-22s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-22s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-22s %s\n", check, detail)
}
