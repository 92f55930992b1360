// Package job tracks ingestion runs: their lifecycle, produced artifacts and
// failure notes.
package job

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/chanscrape/chanscrape/pkg/lfn"
)

var (
	// ErrNotFound is returned when a job id is unknown.
	ErrNotFound = errors.New("job not found")
	// ErrInvalidTransition is returned for a state change the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// State is a job lifecycle state.
type State string

const (
	StateCreated  State = "created"
	StateRunning  State = "running"
	StateFailed   State = "failed"
	StateFinished State = "finished"
)

// transitions lists the allowed moves. FAILED may still reach FINISHED: it
// records that a recoverable error happened, not that the run stopped.
var transitions = map[State][]State{
	StateCreated: {StateRunning, StateFailed},
	StateRunning: {StateFailed, StateFinished},
	StateFailed:  {StateFinished},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// now is swapped in tests.
var now = time.Now

// Job is one execution of the pipeline against one channel.
type Job struct {
	ID         int64             `json:"id"`
	Name       string            `json:"name"`
	TracerID   string            `json:"tracer_id"`
	CreatedAt  time.Time         `json:"created_at"`
	Heartbeat  time.Time         `json:"heartbeat"`
	State      State             `json:"state"`
	Messages   []string          `json:"messages"`
	OutputLFNs []lfn.LFN         `json:"output_lfns"`
	InputLFNs  []lfn.LFN         `json:"input_lfns,omitempty"`
	Args       map[string]string `json:"args,omitempty"`
}

// New returns a CREATED job.
func New(id int64, name, tracerID string) *Job {
	t := now().UTC()
	return &Job{
		ID:         id,
		Name:       name,
		TracerID:   tracerID,
		CreatedAt:  t,
		Heartbeat:  t,
		State:      StateCreated,
		Messages:   []string{},
		OutputLFNs: []lfn.LFN{},
	}
}

// Touch records progress.
func (j *Job) Touch() {
	j.Heartbeat = now().UTC()
}

func (j *Job) transition(to State) error {
	if !CanTransition(j.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.State, to)
	}
	j.State = to
	j.Touch()
	return nil
}

// Start moves CREATED to RUNNING.
func (j *Job) Start() error { return j.transition(StateRunning) }

// Fail moves the job to FAILED and appends note to its log. Failing an
// already FAILED job only appends the note.
func (j *Job) Fail(note string) error {
	if j.State != StateFailed {
		if err := j.transition(StateFailed); err != nil {
			return err
		}
	}
	j.AddMessage(note)
	return nil
}

// Finish moves RUNNING or FAILED to FINISHED.
func (j *Job) Finish() error { return j.transition(StateFinished) }

// AddOutput appends a produced artifact.
func (j *Job) AddOutput(l lfn.LFN) {
	j.OutputLFNs = append(j.OutputLFNs, l)
	j.Touch()
}

// AddMessage appends a status or failure note.
func (j *Job) AddMessage(note string) {
	j.Messages = append(j.Messages, note)
	j.Touch()
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	c := *j
	c.Messages = slices.Clone(j.Messages)
	c.OutputLFNs = slices.Clone(j.OutputLFNs)
	c.InputLFNs = slices.Clone(j.InputLFNs)
	c.Args = maps.Clone(j.Args)
	return &c
}
