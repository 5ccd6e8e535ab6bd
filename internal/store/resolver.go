package store

import (
	"fmt"

	"pipeweave/internal/fingerprint"
	"pipeweave/internal/model"
)

// Resolver adapts a Store to fingerprint.Resolver, so Resource/FileResource
// arguments can be canonicalized by producing-task fingerprint / MD5
// instead of by id (spec §4.1 rule 2).
type Resolver struct{ s *Store }

func (r *Resolver) ResourceFingerprint(id model.ID) (fingerprint.Fingerprint, int, error) {
	res, err := r.s.GetResource(id)
	if err != nil {
		return "", 0, fmt.Errorf("resolve resource %s: %w", id, err)
	}
	task, err := r.s.GetTask(res.ProducingTaskID)
	if err != nil {
		return "", 0, fmt.Errorf("resolve producing task of resource %s: %w", id, err)
	}
	return fingerprint.Fingerprint(task.Fingerprint), res.Ordinal, nil
}

func (r *Resolver) FileResourceMD5(id model.ID) (string, error) {
	fr, err := r.s.GetFileResource(id)
	if err != nil {
		return "", fmt.Errorf("resolve file resource %s: %w", id, err)
	}
	return fr.MD5, nil
}
