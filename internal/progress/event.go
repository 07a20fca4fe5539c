// Package progress defines the event structures emitted while requests move
// through the fetch control layer.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart     Stage = "RUN_START"
	StageRunDone      Stage = "RUN_DONE"
	StageAttemptStart Stage = "ATTEMPT_START"
	StageAttemptDone  Stage = "ATTEMPT_DONE"
	StageOutcome      Stage = "OUTCOME"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for attempt completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single step of a run.
type Event struct {
	// RunID groups the events of one orchestrator run.
	RunID [16]byte
	// RequestID identifies the fetch request; empty for run-level stages.
	RequestID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	Stage Stage
	// Site is the lowercase target host.
	Site string
	// URL is the target; it should not contain credentials.
	URL string
	// Attempt is the 1-based attempt number for attempt stages and the
	// attempt count for outcomes.
	Attempt int
	// ContextID names the execution context used by the attempt.
	ContextID string
	// Verdict is the classification of a finished attempt.
	Verdict string
	// Kind is the terminal outcome for OUTCOME events.
	Kind string
	// StatusCode is the last HTTP status seen; StatusClass groups it.
	StatusCode  int
	StatusClass StatusClass
	Bytes       int64
	Dur         time.Duration
	// Note carries low-volume context such as the final error.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone:
	case StageAttemptStart:
		if e.RequestID == "" || e.Attempt < 1 {
			return errors.New("attempt start requires request id and attempt number")
		}
	case StageAttemptDone:
		if e.RequestID == "" || e.Verdict == "" {
			return errors.New("attempt done requires request id and verdict")
		}
	case StageOutcome:
		if e.RequestID == "" || e.Kind == "" {
			return errors.New("outcome requires request id and kind")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ClassifyStatus groups HTTP status codes.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
