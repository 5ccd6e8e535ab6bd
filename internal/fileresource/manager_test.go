package fileresource

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"pipeweave/internal/store"
)

func openTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "db.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return New(s), s
}

func TestRegisterFile_ReturnsExistingWithoutForce(t *testing.T) {
	m, _ := openTestManager(t)
	path := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	fr1, err := m.RegisterFile(path, false)
	require.NoError(t, err)
	fr2, err := m.RegisterFile(path, false)
	require.NoError(t, err)

	require.Equal(t, fr1.ID, fr2.ID)
}

func TestRegisterFile_ForceOverwrites(t *testing.T) {
	m, _ := openTestManager(t)
	path := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	fr1, err := m.RegisterFile(path, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("yy"), 0o644))
	fr2, err := m.RegisterFile(path, true)
	require.NoError(t, err)

	require.NotEqual(t, fr1.ID, fr2.ID)

	got, err := m.FileFromPath(path)
	require.NoError(t, err)
	require.Equal(t, fr2.ID, got.ID)
}

func TestIntegrityCheck_DetectsChange(t *testing.T) {
	m, _ := openTestManager(t)
	path := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	fr, err := m.RegisterFile(path, false)
	require.NoError(t, err)

	status, err := m.IntegrityCheck(fr, false)
	require.NoError(t, err)
	require.Equal(t, IntegrityOK, status)

	require.NoError(t, os.WriteFile(path, []byte("different length"), 0o644))
	status, err = m.IntegrityCheck(fr, false)
	require.NoError(t, err)
	require.Equal(t, IntegrityChanged, status)
}

func TestIntegrityCheck_DeepDetectsSameSizeDifferentContent(t *testing.T) {
	m, _ := openTestManager(t)
	path := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("xx"), 0o644))
	fr, err := m.RegisterFile(path, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("yy"), 0o644))

	shallow, err := m.IntegrityCheck(fr, false)
	require.NoError(t, err)
	require.Equal(t, IntegrityOK, shallow, "same size must pass the shallow check")

	deep, err := m.IntegrityCheck(fr, true)
	require.NoError(t, err)
	require.Equal(t, IntegrityChanged, deep)
}

func TestIntegrityCheck_Missing(t *testing.T) {
	m, _ := openTestManager(t)
	path := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	fr, err := m.RegisterFile(path, false)
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))

	status, err := m.IntegrityCheck(fr, false)
	require.NoError(t, err)
	require.Equal(t, IntegrityMissing, status)
}

func TestCheckBeforeUse_RejectsOverwritten(t *testing.T) {
	m, _ := openTestManager(t)
	path := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	fr, err := m.RegisterFile(path, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("yy"), 0o644))
	_, err = m.RegisterFile(path, true)
	require.NoError(t, err)

	err = m.CheckBeforeUse(fr)
	require.ErrorIs(t, err, ErrStaleFileResource)
}

func TestPrepareOutputs_FailsIfDeclaredPathMissing(t *testing.T) {
	m, _ := openTestManager(t)
	_, err := m.PrepareOutputs([]string{filepath.Join(t.TempDir(), "missing.txt")}, "")
	require.Error(t, err)
}

func TestPrepareOutputs_CollectsOverwriteCandidate(t *testing.T) {
	m, s := openTestManager(t)
	path := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	existing, err := m.RegisterFile(path, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("v2-longer"), 0o644))
	prepared, err := m.PrepareOutputs([]string{path}, "")
	require.NoError(t, err)
	require.Len(t, prepared.New, 1)
	require.Contains(t, prepared.Overwrite, existing.ID)

	// The candidate isn't actually marked until committed through store.PutTask.
	fr, err := s.GetFileResource(existing.ID)
	require.NoError(t, err)
	require.False(t, fr.Overwritten())
}
