package model

// InfoFlag is one of the free-form status markers carried in an entity's
// info set (spec §3, "the info status set").
type InfoFlag string

const (
	// FlagOverwritten marks a FileResource whose path has been replaced by a
	// newer FileResource.
	FlagOverwritten InfoFlag = "overwritten"
	// FlagObsolete marks a Task (and, transitively, everything downstream of
	// it) whose ancestry has been edited or marked stale.
	FlagObsolete InfoFlag = "obsolete"
	// FlagSourceCode holds a Pipe's captured source text when its identity
	// could not be derived from a stable module path.
	FlagSourceCode InfoFlag = "sourcecode"
	// FlagOutputFuncSourceCode holds the captured source text of a Pipe's
	// output_func sibling callable.
	FlagOutputFuncSourceCode InfoFlag = "outputfunc_sourcecode"
	// FlagDeprecated is a user-set marker that triggers a rerun on next use.
	FlagDeprecated InfoFlag = "deprecated"
	// FlagVolatile marks a Resource produced by a return_volatile Pipe: its
	// payload is one-shot and cannot be reloaded from the vault.
	FlagVolatile InfoFlag = "volatile"
	// FlagConsumed marks a volatile Resource whose one-shot payload has
	// already been read once; set under the same Store transaction that
	// hands the payload to its first reader (spec §9, consumed-on-first-read).
	FlagConsumed InfoFlag = "consumed"
)

// InfoSet is the set-valued status map attached to every persistent entity.
// Presence of a key means the flag is set; the string value is payload
// (e.g. captured source text) when the flag carries one, empty otherwise.
type InfoSet map[InfoFlag]string

// Has reports whether flag is present in the set.
func (s InfoSet) Has(flag InfoFlag) bool {
	if s == nil {
		return false
	}
	_, ok := s[flag]
	return ok
}

// With returns a copy of s with flag set to value.
func (s InfoSet) With(flag InfoFlag, value string) InfoSet {
	out := make(InfoSet, len(s)+1)
	for k, v := range s {
		out[k] = v
	}
	out[flag] = value
	return out
}

// Without returns a copy of s with flag cleared.
func (s InfoSet) Without(flag InfoFlag) InfoSet {
	out := make(InfoSet, len(s))
	for k, v := range s {
		if k == flag {
			continue
		}
		out[k] = v
	}
	return out
}

// Clone returns an independent copy of s.
func (s InfoSet) Clone() InfoSet {
	out := make(InfoSet, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
