package runstate

import (
	"context"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS unit_runs (
    step_name    TEXT NOT NULL,
    unit_id      TEXT NOT NULL,
    started_at   TEXT NOT NULL,
    completed_at TEXT,
    PRIMARY KEY (step_name, unit_id)
);

CREATE INDEX IF NOT EXISTS idx_unit_runs_step_completed
    ON unit_runs (step_name, completed_at);
`

func (s *Store) applySchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply runstate schema: %w", err)
	}
	return nil
}
