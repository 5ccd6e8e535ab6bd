// Package model defines the provenance graph data model: Pipes, Tasks,
// Resources, FileResources, and the transient UnrunTask/VirtualResource
// planning placeholders.
package model

import "github.com/google/uuid"

// ID identifies a persistent entity (Pipe, Task, Resource, FileResource).
type ID string

// NewID mints a fresh random entity identifier.
func NewID() ID {
	return ID(uuid.NewString())
}

// Empty reports whether id is the zero value (no reference).
func (id ID) Empty() bool {
	return id == ""
}
