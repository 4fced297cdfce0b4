package main

import (
	"context"
	"fmt"
	"time"

	"meetai/internal/domain"
	"meetai/internal/store"

	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and print the schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			// Opening the store runs pending migrations.
			st, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
			if err != nil {
				return err
			}
			defer st.Close()
			v, err := store.GetSchemaVersion(st.DB())
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"db":      cfg.Store.DBPath,
				"version": v,
				"latest":  store.SchemaVersion(),
			})
		},
	}
}

type statusReport struct {
	Version       string                       `json:"version"`
	DB            string                       `json:"db"`
	Meetings      map[domain.MeetingStatus]int `json:"meetings"`
	Jobs          map[string]int               `json:"jobs,omitempty"`
	Unrecoverable []string                     `json:"unrecoverable,omitempty"`
	AgentService  any                          `json:"agent_service"`
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show meeting counts, queued jobs and agent runtime status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			rep := statusReport{Version: version, DB: cfg.Store.DBPath}
			if rep.Meetings, err = a.store.CountMeetingsByStatus(ctx); err != nil {
				return err
			}
			if cfg.Dispatch.Backend == "outbox" {
				if rep.Jobs, err = a.store.CountJobsByStatus(ctx); err != nil {
					return err
				}
			}
			stuck, err := a.store.ListExhaustedActive(ctx, cfg.Reconcile.MaxJoinAttempts, 20)
			if err != nil {
				return err
			}
			for _, m := range stuck {
				rep.Unrecoverable = append(rep.Unrecoverable, m.ID)
			}

			if h, err := a.agents.Health(ctx); err != nil {
				rep.AgentService = map[string]string{"error": err.Error()}
			} else if st, err := a.agents.Status(ctx); err != nil {
				rep.AgentService = h
			} else {
				rep.AgentService = map[string]any{"health": h, "status": st}
			}
			return printJSON(rep)
		},
	}
}

func seedCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load agents and meetings from a YAML fixture",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" && len(args) > 0 {
				file = args[0]
			}
			if file == "" {
				return fmt.Errorf("specify a seed file: meetai seed -f seed.yaml")
			}
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			seed, err := store.LoadSeed(file)
			if err != nil {
				return err
			}
			st, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			created, err := st.ApplySeed(context.Background(), seed, logger)
			if err != nil {
				return err
			}
			fmt.Printf("Seeded %d agent(s), created %d meeting(s)\n", len(seed.Agents), created)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "seed file (YAML)")
	return cmd
}

func meetingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "meetings",
		Short: "Inspect meetings",
	}

	var status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List meetings, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			st := domain.MeetingStatus(status)
			if status != "" && !st.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()
			ms, err := s.ListMeetings(context.Background(), st, limit)
			if err != nil {
				return err
			}
			return printJSON(ms)
		},
	}
	list.Flags().StringVar(&status, "status", "", "filter by status (upcoming, active, processing, completed, cancelled)")
	list.Flags().IntVar(&limit, "limit", 50, "maximum number of meetings")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "get [id]",
		Short: "Show one meeting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()
			m, err := s.FindMeeting(context.Background(), args[0])
			if err != nil {
				return err
			}
			return printJSON(m)
		},
	})
	return cmd
}

func openStore() (*store.SQLiteStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return store.NewSQLiteStore(cfg.Store.DBPath, logger)
}
