package rms

import (
	"pipeweave/internal/fileresource"
	"pipeweave/internal/model"
)

// IntegrityReport is the result of an IntegrityCheck traversal (spec §6
// "Maintenance: integrity-check traversal").
type IntegrityReport struct {
	VaultMissing        []model.ID // Resources whose VaultHash has no vault entry
	FileResourceChanged []model.ID // FileResources whose content no longer matches size+MD5
	FileResourceMissing []model.ID
}

// IntegrityCheck walks the Resources and FileResources listed as outputs of
// persisted Tasks, reporting ones that have gone stale since they were
// recorded. FileResources that no Task lists as an output (for example
// files registered directly) are not checked.
func (r *ResourceManagementSystem) IntegrityCheck() (*IntegrityReport, error) {
	report := &IntegrityReport{}
	seenResources := make(map[model.ID]bool)
	seenFiles := make(map[model.ID]bool)

	err := r.Store.ForEachTask(func(t *model.Task) error {
		for _, o := range t.Outputs {
			switch o.Kind {
			case model.OutputResource:
				if seenResources[o.ResourceID] {
					continue
				}
				seenResources[o.ResourceID] = true
				res, err := r.Store.GetResource(o.ResourceID)
				if err != nil {
					return err
				}
				if res.Volatile {
					continue
				}
				if ok, _ := r.Vault.Has(res.VaultHash); !ok {
					report.VaultMissing = append(report.VaultMissing, res.ID)
				}
			case model.OutputFileResource:
				if seenFiles[o.FileResourceID] {
					continue
				}
				seenFiles[o.FileResourceID] = true
				fr, err := r.Store.GetFileResource(o.FileResourceID)
				if err != nil {
					return err
				}
				status, err := r.Files.IntegrityCheck(fr, true)
				if err != nil {
					return err
				}
				switch status {
				case fileresource.IntegrityChanged:
					report.FileResourceChanged = append(report.FileResourceChanged, fr.ID)
				case fileresource.IntegrityMissing:
					report.FileResourceMissing = append(report.FileResourceMissing, fr.ID)
				}
			}
		}
		return nil
	})
	return report, err
}

// MarkDeprecated flags node FlagDeprecated (spec §6 "Maintenance: marking
// nodes deprecated"). Deprecation is advisory and does not cascade the way
// obsolescence does (GLOSSARY: deprecated is user-set and local, obsolete
// is propagated staleness) — its effect is that the Executor's dedup/reuse
// check (internal/executor reuseIfValid) treats a deprecated Task or output
// node as ineligible for reuse, so the next call to the same Pipe with the
// same arguments reruns instead of replaying the deprecated result.
func (r *ResourceManagementSystem) MarkDeprecated(nodeID model.ID) error {
	return r.Store.MarkInfo(nodeID, model.FlagDeprecated, true)
}

// GCResult reports what a vault sweep removed.
type GCResult struct {
	Removed []string // vault content hashes removed
	Kept    int
}

// GarbageCollectVault removes vault entries that no Resource references
// (spec §6 "Maintenance: garbage-sweeping vault entries unreferenced by
// any Resource"). It is a two-pass mark-and-sweep: first collect every
// VaultHash a persisted Resource still points at, then walk the vault and
// remove anything not in that set.
func (r *ResourceManagementSystem) GarbageCollectVault() (*GCResult, error) {
	live := make(map[string]bool)
	if err := r.Store.ForEachTask(func(t *model.Task) error {
		for _, o := range t.Outputs {
			if o.Kind != model.OutputResource {
				continue
			}
			res, err := r.Store.GetResource(o.ResourceID)
			if err != nil {
				return err
			}
			if !res.Volatile && res.VaultHash != "" {
				live[res.VaultHash] = true
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}

	result := &GCResult{}
	err := r.Vault.Walk(func(hash string) error {
		if live[hash] {
			result.Kept++
			return nil
		}
		if err := r.Vault.Remove(hash); err != nil {
			return err
		}
		result.Removed = append(result.Removed, hash)
		return nil
	})
	return result, err
}
