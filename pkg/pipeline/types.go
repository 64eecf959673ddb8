package pipeline

import "time"

// Status is the lifecycle state of a pipeline run. Statuses are ordered by
// recency only: a later record supersedes an earlier one regardless of
// severity.
type Status string

const (
	// StatusNever means no record exists yet. It is never persisted.
	StatusNever     Status = "never"
	StatusStarted   Status = "started"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	// StatusAborted is inferred at read time for runs whose process died
	// without reporting a terminal status.
	StatusAborted Status = "aborted"
)

// Terminal reports whether s is a resolved end state.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusAborted:
		return true
	default:
		return false
	}
}

// Pending reports whether a run in status s is still owned by a live process
// if that process exists.
func (s Status) Pending() bool {
	return s == StatusStarted || s == StatusRunning
}

type Step struct {
	Name     string   `json:"name"`
	Commands []string `json:"commands"`
	// NonBlocking steps record their failure without stopping or failing
	// the pipeline.
	NonBlocking bool `json:"non_blocking,omitempty"`
}

type Trigger struct {
	Flag Flag `json:"flag"`
}

// Pipeline is a named, user-declared unit of work. Definitions are loaded
// once per process and only Status and PID change while a run is in flight.
type Pipeline struct {
	Name     string    `json:"name"`
	Triggers []Trigger `json:"triggers,omitempty"`
	Steps    []Step    `json:"steps"`

	Status Status `json:"status,omitempty"`
	PID    int    `json:"pid,omitempty"`
}

// HasTrigger reports whether f is one of the pipeline's trigger flags.
func (p *Pipeline) HasTrigger(f Flag) bool {
	for _, t := range p.Triggers {
		if t.Flag == f {
			return true
		}
	}
	return false
}

// CommandLog captures one shell command invoked by a step.
type CommandLog struct {
	Stdin    string `json:"stdin"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Record is one persisted status transition of a pipeline run. Records are
// append-only; the current state of a run is its last record.
type Record struct {
	Name      string      `json:"name"`
	Status    Status      `json:"status"`
	Date      time.Time   `json:"date"`
	SessionID int64       `json:"session_id,omitempty"`
	PID       int         `json:"pid,omitempty"`
	RunID     string      `json:"run_id,omitempty"`
	Flag      string      `json:"flag,omitempty"`
	Step      string      `json:"step,omitempty"`
	Command   *CommandLog `json:"command,omitempty"`
}
