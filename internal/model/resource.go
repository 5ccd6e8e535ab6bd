package model

import "sync"

// Resource wraps one in-memory value produced by a Task (spec §3).
//
// A non-volatile Resource's payload lives in the vault under VaultHash and
// can be reloaded any number of times. A volatile Resource's payload is a
// one-shot handle held only in the Executor's memory: consumed/consumedMu
// guard a single in-process read of this particular value against a
// concurrent second reader, while the persisted FlagConsumed info flag
// (set by the Store under the same transaction as the read) is what
// actually survives across the fresh unmarshal every Store lookup produces.
type Resource struct {
	ID ID `json:"id"`

	ProducingTaskID ID  `json:"producingTaskId"`
	Ordinal         int `json:"ordinal"`

	// VaultHash is the content-address of the serialized payload, or "" for
	// a volatile Resource (which never touches the vault).
	VaultHash string `json:"vaultHash,omitempty"`

	Volatile bool `json:"volatile"`

	Description string  `json:"description,omitempty"`
	Info        InfoSet `json:"info,omitempty"`

	consumedMu sync.Mutex
	consumed   bool
}

// MarkConsumed atomically marks a volatile Resource's payload as read,
// returning false if it had already been consumed.
func (r *Resource) MarkConsumed() (first bool) {
	r.consumedMu.Lock()
	defer r.consumedMu.Unlock()
	if r.consumed {
		return false
	}
	r.consumed = true
	return true
}

// IsObsolete reports whether the resource is flagged obsolete.
func (r Resource) IsObsolete() bool { return r.Info.Has(FlagObsolete) }

// IsDeprecated reports whether the resource is flagged deprecated.
func (r Resource) IsDeprecated() bool { return r.Info.Has(FlagDeprecated) }
