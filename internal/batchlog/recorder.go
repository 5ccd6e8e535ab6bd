package batchlog

import (
	"errors"
	"fmt"
	"time"
)

// Recorder is the write-side API the Builder drives: start a batch,
// checkpoint each Task as it settles, and record a Failure if the batch
// as a whole did not complete. A nil *Recorder is valid and every method
// on it is a no-op, so callers that don't care about crash diagnostics
// can simply omit wiring one up.
type Recorder struct {
	Store *Store
}

// NewBatchID mints an identifier for a new batch.
func (r *Recorder) NewBatchID() (string, error) {
	if r == nil {
		return "", nil
	}
	return newBatchID()
}

func (r *Recorder) StartBatch(batchID string) error {
	if r == nil || r.Store == nil {
		return nil
	}
	return r.Store.SaveBatch(Batch{
		BatchID:   batchID,
		StartTime: time.Now().UTC(),
		Status:    BatchStatusRunning,
	})
}

func (r *Recorder) FinishBatch(batchID string, status BatchStatus) error {
	if r == nil || r.Store == nil {
		return nil
	}
	b, err := r.Store.LoadBatch(batchID)
	if err != nil {
		return fmt.Errorf("loading batch %s: %w", batchID, err)
	}
	b.Status = status
	return r.Store.SaveBatch(b)
}

func (r *Recorder) Checkpoint(batchID string, taskIndex int, fingerprintHex, outcome string) error {
	if r == nil || r.Store == nil {
		return nil
	}
	return r.Store.SaveCheckpoint(batchID, Checkpoint{
		TaskIndex:   taskIndex,
		Timestamp:   time.Now().UTC(),
		Fingerprint: fingerprintHex,
		Outcome:     outcome,
	})
}

// RecordFailure persists err alongside the batch under the caller-given
// failure class; execution and system failures are marked resumable.
func (r *Recorder) RecordFailure(batchID string, taskIndex *int, class FailureClass, err error) error {
	if r == nil || r.Store == nil {
		return nil
	}
	if err == nil {
		return errors.New("nil error")
	}
	resumable := class == FailureClassExecution || class == FailureClassSystem
	return r.Store.SaveFailure(batchID, Failure{
		FailureClass: class,
		TaskIndex:    taskIndex,
		ErrorMessage: err.Error(),
		Resumable:    resumable,
	})
}
