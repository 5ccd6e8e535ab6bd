package model

// ResolvedArgs is the fully-materialized argument set handed to a Pipe's
// Go callable at execution time (spec §4.6 step 1): Resource args become
// their in-memory handle, FileResource args become their absolute path,
// and literals pass through unchanged.
type ResolvedArgs struct {
	Positional []any
	Keyword    map[string]any
}
