// Package batchlog is a durable, crash-surviving log of Builder batch
// progress: which batch ran, which Tasks within it reached a checkpoint,
// and — if the batch did not finish cleanly — what kind of failure ended
// it. Fingerprint-based dedup (package fingerprint, package executor)
// already makes a rerun of the same CallPipe graph cheap once a Task has
// committed; this package exists for the narrower case of diagnosing a
// batch that died mid-flight, before any of its Tasks committed.
//
// Grounded on the teacher's execution-recovery state store: the same
// atomic-write-then-rename persistence and the same four-class failure
// taxonomy, retargeted from "graph run" / "node" to "Builder batch" /
// "Task" and shorn of the workspace- and incremental-graph-specific
// resume machinery that has no counterpart in this engine (fingerprint
// dedup already provides the resume story; see DESIGN.md).
package batchlog

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

type BatchStatus string

const (
	BatchStatusRunning   BatchStatus = "running"
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusFailed    BatchStatus = "failed"
)

// Batch is the persistent record of one ExecuteBuilder invocation.
type Batch struct {
	BatchID    string      `json:"batch_id"`
	StartTime  time.Time   `json:"start_time"`
	Status     BatchStatus `json:"status"`
	RetryCount int         `json:"retry_count"`
}

func (b Batch) Validate() error {
	var errs []error
	if strings.TrimSpace(b.BatchID) == "" {
		errs = append(errs, errors.New("batch_id is required"))
	}
	if b.StartTime.IsZero() {
		errs = append(errs, errors.New("start_time is required"))
	}
	switch b.Status {
	case BatchStatusRunning, BatchStatusCompleted, BatchStatusFailed:
	default:
		errs = append(errs, fmt.Errorf("invalid status %q", b.Status))
	}
	if b.RetryCount < 0 {
		errs = append(errs, errors.New("retry_count must be >= 0"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// Checkpoint marks that one UnrunTask within a batch reached a terminal
// state (executed, served from cache, failed, or skipped).
type Checkpoint struct {
	TaskIndex   int       `json:"task_index"`
	Timestamp   time.Time `json:"timestamp"`
	Fingerprint string    `json:"fingerprint"`
	Outcome     string    `json:"outcome"`
}

func (c Checkpoint) Validate() error {
	var errs []error
	if c.Timestamp.IsZero() {
		errs = append(errs, errors.New("timestamp is required"))
	}
	if strings.TrimSpace(c.Outcome) == "" {
		errs = append(errs, errors.New("outcome is required"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

type FailureClass string

const (
	// FailureClassCycle: the batch's dependency graph was not acyclic;
	// never resumable, since no amount of retrying changes the graph.
	FailureClassCycle FailureClass = "cycle"
	// FailureClassStorage: the Store, Vault, or FileResource manager
	// returned an error unrelated to any single Task's own logic.
	FailureClassStorage FailureClass = "storage"
	// FailureClassExecution: a Task's Pipe returned an error.
	FailureClassExecution FailureClass = "execution"
	// FailureClassSystem: anything else (cancellation, panic recovery,
	// process-level failure).
	FailureClassSystem FailureClass = "system"
)

// Failure is the recorded reason a batch did not complete.
type Failure struct {
	FailureClass FailureClass `json:"failure_class"`
	TaskIndex    *int         `json:"task_index,omitempty"`
	ErrorMessage string       `json:"error_message"`
	Resumable    bool         `json:"resumable"`
}

func (f Failure) Validate() error {
	var errs []error
	switch f.FailureClass {
	case FailureClassCycle, FailureClassStorage, FailureClassExecution, FailureClassSystem:
	default:
		errs = append(errs, fmt.Errorf("invalid failure_class %q", f.FailureClass))
	}
	if strings.TrimSpace(f.ErrorMessage) == "" {
		errs = append(errs, errors.New("error_message is required"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// newBatchID returns a random 128-bit hex identifier. Batches have no
// natural stable identity (a CallPipe graph can differ call to call), so
// unlike Task/Resource ids this is not content-derived.
func newBatchID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
