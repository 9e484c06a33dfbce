package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	logx "broadcastbot/pkg/logx"
)

// Store is the progress tracker used by the broadcast worker and the
// operator commands.
type Store interface {
	CreateRun(ctx context.Context, r Run) error
	// UpdateRunStatus sets FinishedAt for finished statuses and clears it
	// when a run goes back to sending.
	UpdateRunStatus(ctx context.Context, runID string, status RunStatus, at time.Time) error
	GetRun(ctx context.Context, runID string) (Run, error)
	// ListRuns returns runs newest first.
	ListRuns(ctx context.Context, f ListFilter) ([]Run, error)

	// RecordAttempt appends rec to the run log and assigns its Seq.
	RecordAttempt(ctx context.Context, runID string, rec Record) error
	LoadCompleted(ctx context.Context, runID string) (map[string]Status, error)
	// Records returns the run log in append order.
	Records(ctx context.Context, runID string) ([]Record, error)
	// ExportLog writes the run log as JSON Lines.
	ExportLog(ctx context.Context, runID string, w io.Writer) error

	Close() error
}

func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = "file"
	}
	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func exportRecords(ctx context.Context, s Store, runID string, w io.Writer) error {
	recs, err := s.Records(ctx, runID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("export run %s: %w", runID, err)
		}
	}
	return nil
}

func validRunID(id string) error {
	if id == "" || len(id) > 64 {
		return fmt.Errorf("invalid run id %q", id)
	}
	for _, r := range id {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			return fmt.Errorf("invalid run id %q", id)
		}
	}
	return nil
}
