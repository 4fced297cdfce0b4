package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"meetai/internal/domain"

	"gopkg.in/yaml.v3"
)

// Seed is a fixture file of agents and meetings, used for local development
// and demos since meeting creation happens outside this service.
//
//	agents:
//	  - id: coach
//	    name: Interview Coach
//	    instructions: Ask one question at a time.
//	meetings:
//	  - id: m1
//	    name: Mock interview
//	    agentId: coach
type Seed struct {
	Agents   []domain.Agent   `yaml:"agents"`
	Meetings []domain.Meeting `yaml:"meetings"`
}

// LoadSeed parses a YAML seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	return &seed, nil
}

// ApplySeed upserts agents and inserts meetings that do not exist yet.
// It returns the number of meetings created.
func (s *SQLiteStore) ApplySeed(ctx context.Context, seed *Seed, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = s.logger
	}
	for _, a := range seed.Agents {
		if err := s.UpsertAgent(ctx, a); err != nil {
			return 0, fmt.Errorf("agent %q: %w", a.ID, err)
		}
		logger.Info("seeded agent", "agent_id", a.ID, "name", a.Name)
	}

	created := 0
	for _, m := range seed.Meetings {
		if m.ID != "" {
			if _, err := s.FindMeeting(ctx, m.ID); err == nil {
				logger.Debug("meeting already exists, skipping", "meeting_id", m.ID)
				continue
			} else if !errors.Is(err, domain.ErrNotFound) {
				return created, err
			}
		}
		got, err := s.CreateMeeting(ctx, m)
		if err != nil {
			return created, err
		}
		created++
		logger.Info("seeded meeting", "meeting_id", got.ID, "agent_id", got.AgentID, "status", got.Status)
	}
	return created, nil
}
