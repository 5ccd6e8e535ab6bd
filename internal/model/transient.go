package model

// UnrunTask is a transient placeholder for a Task not yet executed
// (spec §3). UnrunTasks exist only in process memory within a single
// Builder batch and are never persisted.
type UnrunTask struct {
	// BatchID identifies the transient id within the owning batch; it has
	// no relation to any persisted ID space.
	BatchID string

	PipeID ID
	Args   Args

	// Replacement is set to the concrete, committed Task once execution
	// completes successfully.
	Replacement *Task

	// Err is set if the task failed; Replacement remains nil. A skipped
	// task has Skipped set and Err left nil.
	Err error

	// Skipped is true if this UnrunTask was never submitted because an
	// upstream dependency failed.
	Skipped bool
}

// Done reports whether the UnrunTask has reached a terminal state
// (succeeded, failed, or skipped).
func (u *UnrunTask) Done() bool {
	return u.Replacement != nil || u.Err != nil || u.Skipped
}

// VirtualResource is a transient placeholder for the output of an
// UnrunTask (spec §3), resolved to a concrete OutputRef on completion.
type VirtualResource struct {
	BatchID string

	Producer *UnrunTask
	Ordinal  int

	// Replacement is set once the producing UnrunTask completes
	// successfully.
	Replacement *OutputRef
}
