package storage

import (
	"errors"
	"time"
)

var (
	// ErrAlreadyRecorded is returned when an address already has a record in
	// the run. The first outcome stands.
	ErrAlreadyRecorded = errors.New("recipient already recorded for run")
	ErrRunNotFound     = errors.New("run not found")
	ErrRunExists       = errors.New("run already exists")
)

// Status is the terminal outcome of one recipient.
type Status string

const (
	StatusSent    Status = "SENT"
	StatusFailed  Status = "FAILED"
	StatusInvalid Status = "INVALID"
)

type RunStatus string

const (
	RunSending   RunStatus = "sending"
	RunStopped   RunStatus = "stopped"
	RunCompleted RunStatus = "completed"
	RunAborted   RunStatus = "aborted"
)

func (s RunStatus) Finished() bool { return s != RunSending }

type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
}

// Record is one line of a run's progress log.
type Record struct {
	RunID        string    `json:"run_id"`
	Seq          int64     `json:"seq"`
	Address      string    `json:"address"`
	DisplayName  string    `json:"display_name,omitempty"`
	Status       Status    `json:"status"`
	Error        string    `json:"error,omitempty"`
	AttemptCount int       `json:"attempts"`
	At           time.Time `json:"at"`
}

type Run struct {
	ID         string    `json:"id"`
	OperatorID int64     `json:"operator_id"`
	Template   string    `json:"template"`
	Source     string    `json:"source,omitempty"`
	Total      int       `json:"total"`
	Status     RunStatus `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// ListFilter narrows ListRuns. Zero values match everything.
type ListFilter struct {
	Status     RunStatus
	OperatorID int64
	Limit      int
}

func (f ListFilter) match(r Run) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.OperatorID != 0 && r.OperatorID != f.OperatorID {
		return false
	}
	return true
}
