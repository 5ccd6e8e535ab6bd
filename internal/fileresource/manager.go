// Package fileresource implements the FileResource Manager (spec §4.4):
// absolute-path registration, size/MD5 integrity checking, and overwrite
// bookkeeping for on-disk artifacts.
//
// Grounded on internal/core/resolver.go (path normalization) and
// internal/core/harvester.go / internal/core/replay.go (declared-output
// harvesting and sha256-compare-before-overwrite), generalized from
// sha256-based shell-task artifacts to size+MD5 FileResource integrity.
package fileresource

import (
	"crypto/md5" //nolint:gosec // spec §3/§4.4 explicitly specifies MD5 for FileResource integrity.
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"pipeweave/internal/model"
	"pipeweave/internal/store"
)

// ErrStaleFileResource is returned when a FileResource used as a Task
// argument is overwritten or fails its integrity check (spec §4.4 policy,
// spec §7 StaleFileResource).
var ErrStaleFileResource = errors.New("fileresource: stale file resource")

// IntegrityStatus is the result of IntegrityCheck (spec §4.4).
type IntegrityStatus int

const (
	IntegrityOK IntegrityStatus = iota
	IntegrityChanged
	IntegrityMissing
)

func (s IntegrityStatus) String() string {
	switch s {
	case IntegrityOK:
		return "OK"
	case IntegrityChanged:
		return "CHANGED"
	case IntegrityMissing:
		return "MISSING"
	default:
		return "UNKNOWN"
	}
}

// Manager is the FileResource Manager (C4).
type Manager struct {
	store *store.Store
	log   *logrus.Entry
}

// New constructs a Manager backed by s.
func New(s *store.Store) *Manager {
	return &Manager{store: s, log: logrus.WithField("component", "fileresource")}
}

// absolutePath normalizes p to an absolute path without resolving symlinks
// (spec §3: "absolute path (symlinks preserved — the stored path is
// absolute but not resolved)").
func absolutePath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

func sizeAndMD5(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	h := md5.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", err
	}
	return n, fmt.Sprintf("%x", h.Sum(nil)), nil
}

// RegisterFile resolves path to absolute form and registers it as a
// FileResource (spec §4.4 register_file).
//
// If a non-overwritten FileResource already exists at this path and
// force is false, that FileResource is returned unchanged. Otherwise a new
// FileResource is created from the file's current size/MD5, and any prior
// non-overwritten FileResource at the path is marked overwritten.
func (m *Manager) RegisterFile(path string, force bool) (*model.FileResource, error) {
	abs, err := absolutePath(path)
	if err != nil {
		return nil, err
	}

	existing, err := m.store.GetFileResourceByPath(abs)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if existing != nil && !force {
		return existing, nil
	}

	size, sum, err := sizeAndMD5(abs)
	if err != nil {
		return nil, fmt.Errorf("fileresource: register %s: %w", abs, err)
	}

	if existing != nil {
		if err := m.store.MarkOverwritten(existing.ID); err != nil {
			return nil, err
		}
	}

	fr := model.FileResource{Path: abs, Size: size, MD5: sum}
	id, err := m.store.PutFileResourceStandalone(fr)
	if err != nil {
		return nil, err
	}
	fr.ID = id
	m.log.WithField("path", abs).Info("fileresource: registered")
	return &fr, nil
}

// FileFromPath looks up the current non-overwritten FileResource at path,
// failing if none exists (spec §4.4 file_from_path).
func (m *Manager) FileFromPath(path string) (*model.FileResource, error) {
	abs, err := absolutePath(path)
	if err != nil {
		return nil, err
	}
	return m.store.GetFileResourceByPath(abs)
}

// IntegrityCheck reports whether fr's on-disk state still matches its
// registered size/MD5 (spec §4.4): shallow (size-only) by default, MD5
// comparison when deep is true.
func (m *Manager) IntegrityCheck(fr *model.FileResource, deep bool) (IntegrityStatus, error) {
	info, err := os.Stat(fr.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return IntegrityMissing, nil
		}
		return IntegrityMissing, err
	}
	if info.Size() != fr.Size {
		return IntegrityChanged, nil
	}
	if !deep {
		return IntegrityOK, nil
	}
	_, sum, err := sizeAndMD5(fr.Path)
	if err != nil {
		return IntegrityMissing, err
	}
	if sum != fr.MD5 {
		return IntegrityChanged, nil
	}
	return IntegrityOK, nil
}

// CheckBeforeUse performs a shallow integrity check and translates a
// non-OK result, or an overwritten flag, into ErrStaleFileResource
// (spec §4.6 step 1, §4.4 policy).
func (m *Manager) CheckBeforeUse(fr *model.FileResource) error {
	if fr.Overwritten() {
		return fmt.Errorf("%w: %s", ErrStaleFileResource, fr.Path)
	}
	status, err := m.IntegrityCheck(fr, false)
	if err != nil {
		return err
	}
	if status != IntegrityOK {
		return fmt.Errorf("%w: %s (%s)", ErrStaleFileResource, fr.Path, status)
	}
	return nil
}

// PreparedOutputs is the result of PrepareOutputs: new FileResource rows
// (not yet assigned an id or committed) plus the ids of any prior
// non-overwritten FileResources at those paths that must be marked
// overwritten in the same transaction that commits the new rows.
type PreparedOutputs struct {
	New       []model.FileResource
	Overwrite []model.ID
}

// PrepareOutputs validates that every declared output path was actually
// produced and computes its size/MD5, without writing to the store
// (spec §4.4 on_pipe_output). The caller (internal/executor) commits the
// result together with the owning Task in a single store.PutTask
// transaction, so "new FileResource exists" and "old one marked
// overwritten" become durable atomically with the Task itself
// (spec §4.2 durability contract, invariant 3).
func (m *Manager) PrepareOutputs(paths []string, taskID model.ID) (PreparedOutputs, error) {
	var result PreparedOutputs
	for _, p := range paths {
		abs, err := absolutePath(p)
		if err != nil {
			return PreparedOutputs{}, err
		}
		if _, err := os.Stat(abs); err != nil {
			return PreparedOutputs{}, fmt.Errorf("fileresource: declared output %s not produced: %w", abs, err)
		}

		existing, err := m.store.GetFileResourceByPath(abs)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return PreparedOutputs{}, err
		}
		if existing != nil {
			result.Overwrite = append(result.Overwrite, existing.ID)
		}

		size, sum, err := sizeAndMD5(abs)
		if err != nil {
			return PreparedOutputs{}, err
		}
		result.New = append(result.New, model.FileResource{Path: abs, Size: size, MD5: sum, ProducingTaskID: taskID})
	}
	return result, nil
}
