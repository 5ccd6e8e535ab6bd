// Package vault implements the Resource Vault (spec §4.3): a
// content-addressed directory for serialized Resource payloads, sharded
// `<hash-prefix>/<hash>`, written atomically via temp-file-then-rename.
//
// Grounded on internal/core/cache.go's FileCache (same sharding and atomic
// write pattern), generalized from task-result caching to arbitrary
// payload content addressing.
package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned when a payload is not present under its hash
// (spec §7: MissingResource — "vault entry gone; Resource unreloadable").
var ErrNotFound = errors.New("vault: payload not found")

// Vault is a sharded, content-addressed, append-only on-disk store.
type Vault struct {
	dir string
	log *logrus.Entry
}

// Open ensures dir exists and returns a Vault rooted at it.
func Open(dir string) (*Vault, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Vault{dir: dir, log: logrus.WithField("component", "vault")}, nil
}

// Hash returns the content address of payload without writing it.
func Hash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Put writes payload under its content hash, idempotently: concurrent
// writes of the same content race harmlessly (spec §5: "concurrent writes
// to the same content hash are idempotent").
func (v *Vault) Put(payload []byte) (string, error) {
	hash := Hash(payload)
	path := v.path(hash)
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := writeFileAtomic(path, payload, 0o644); err != nil {
		return "", err
	}
	v.log.WithField("hash", hash).Debug("vault: wrote payload")
	return hash, nil
}

// Get reads the payload stored under hash.
func (v *Vault) Get(hash string) ([]byte, error) {
	data, err := os.ReadFile(v.path(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// Has reports whether hash is present.
func (v *Vault) Has(hash string) (bool, error) {
	_, err := os.Stat(v.path(hash))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Remove deletes the payload stored under hash, used by garbage sweeping
// (spec §6 "garbage-sweeping vault entries unreferenced by any Resource").
func (v *Vault) Remove(hash string) error {
	err := os.Remove(v.path(hash))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// Walk invokes fn for every content hash currently stored, for garbage
// collection sweeps.
func (v *Vault) Walk(fn func(hash string) error) error {
	return filepath.WalkDir(v.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		hash := filepath.Base(path)
		return fn(hash)
	})
}

func (v *Vault) path(hash string) string {
	if len(hash) < 2 {
		return filepath.Join(v.dir, hash)
	}
	return filepath.Join(v.dir, hash[:2], hash)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	tmp, err := os.CreateTemp(dir, base+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	_ = tmp.Sync()
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
