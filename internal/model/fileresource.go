package model

// FileResource represents an on-disk artifact tracked by absolute path,
// size, and MD5 at registration time (spec §3).
type FileResource struct {
	ID ID `json:"id"`

	// Path is absolute; symlinks are preserved (never resolved).
	Path string `json:"path"`

	Size int64  `json:"size"`
	MD5  string `json:"md5"`

	// ProducingTaskID is empty for externally registered files.
	ProducingTaskID ID `json:"producingTaskId,omitempty"`

	Description string  `json:"description,omitempty"`
	Info        InfoSet `json:"info,omitempty"`
}

// Overwritten reports whether this FileResource has been superseded by a
// newer registration at the same path.
func (f FileResource) Overwritten() bool { return f.Info.Has(FlagOverwritten) }

// IsObsolete reports whether the file resource is flagged obsolete.
func (f FileResource) IsObsolete() bool { return f.Info.Has(FlagObsolete) }

// IsDeprecated reports whether the file resource is flagged deprecated.
func (f FileResource) IsDeprecated() bool { return f.Info.Has(FlagDeprecated) }
