package notifier

import "time"

// Config controls operator notifications.
type Config struct {
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendArtifact  bool
}

// Progress is a mid-run counter update.
type Progress struct {
	RunID     string
	Processed int
	Total     int
	Sent      int
	Failed    int
	Invalid   int
	Remaining int
}

// Summary is the one message emitted when a run reaches a terminal state.
type Summary struct {
	RunID     string
	Status    string
	Total     int
	Sent      int
	Failed    int
	Invalid   int
	Remaining int
	Reason    string
	Elapsed   time.Duration
}

// Artifact is an optional document attached to the final summary.
type Artifact struct {
	FileName string
	Data     []byte
}
