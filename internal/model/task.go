package model

import "time"

// Task represents one committed execution of a Pipe with concrete,
// already-resolved arguments (spec §3). Tasks are immutable once created,
// except for their info-set flags (such as FlagObsolete and FlagDeprecated).
type Task struct {
	ID ID `json:"id"`

	PipeID ID   `json:"pipeId"`
	Args   Args `json:"args"`

	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`

	// Fingerprint is the hex-encoded digest from internal/fingerprint,
	// stored as a plain string to avoid an import cycle between model and
	// fingerprint.
	Fingerprint string `json:"fingerprint"`

	// Outputs is the ordered list of produced Resource/FileResource ids,
	// matching the ordinal position of the pipe's return values / declared
	// output paths.
	Outputs []OutputRef `json:"outputs"`

	Description string  `json:"description,omitempty"`
	Info        InfoSet `json:"info,omitempty"`
}

// IsObsolete reports whether the task is flagged obsolete.
func (t Task) IsObsolete() bool { return t.Info.Has(FlagObsolete) }

// IsDeprecated reports whether the task is flagged deprecated.
func (t Task) IsDeprecated() bool { return t.Info.Has(FlagDeprecated) }
