package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"pipeweave/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "db.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutPipeIdempotentByIdentity(t *testing.T) {
	s := openTestStore(t)
	p := model.Pipe{IdentityKey: "pkg.add"}

	id1, err := s.PutPipe(p)
	require.NoError(t, err)
	id2, err := s.PutPipe(p)
	require.NoError(t, err)

	require.Equal(t, id1, id2)
}

func TestPutTaskAtomicWithOutputs(t *testing.T) {
	s := openTestStore(t)
	pipeID, err := s.PutPipe(model.Pipe{IdentityKey: "pkg.add"})
	require.NoError(t, err)

	taskID, err := s.PutTask(TaskWrite{
		Task: model.Task{
			PipeID:      pipeID,
			Fingerprint: "fp1",
		},
		Resources: []model.Resource{{Ordinal: 0}},
	})
	require.NoError(t, err)

	task, err := s.GetTask(taskID)
	require.NoError(t, err)
	require.Len(t, task.Outputs, 1) // PutTask records each written Resource as an output of the Task

	byFP, err := s.GetTaskByFingerprint("fp1")
	require.NoError(t, err)
	require.Equal(t, taskID, byFP.ID)
}

func TestGetTaskByFingerprintMissing(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetTaskByFingerprint("nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFileResourcePathIndexAndOverwrite(t *testing.T) {
	s := openTestStore(t)

	fr1 := model.FileResource{Path: "/tmp/a.txt", MD5: "m1"}
	id1, err := s.PutFileResourceStandalone(fr1)
	require.NoError(t, err)

	got, err := s.GetFileResourceByPath("/tmp/a.txt")
	require.NoError(t, err)
	require.Equal(t, id1, got.ID)

	require.NoError(t, s.MarkOverwritten(id1))

	_, err = s.GetFileResourceByPath("/tmp/a.txt")
	require.ErrorIs(t, err, ErrNotFound, "overwritten file resource must not be the current one at its path")

	fr2 := model.FileResource{Path: "/tmp/a.txt", MD5: "m2"}
	id2, err := s.PutFileResourceStandalone(fr2)
	require.NoError(t, err)

	got2, err := s.GetFileResourceByPath("/tmp/a.txt")
	require.NoError(t, err)
	require.Equal(t, id2, got2.ID)
}

func TestConsumersIndex(t *testing.T) {
	s := openTestStore(t)
	pipeID, _ := s.PutPipe(model.Pipe{IdentityKey: "pkg.add"})

	producerTaskID, err := s.PutTask(TaskWrite{
		Task:      model.Task{PipeID: pipeID, Fingerprint: "fp-producer"},
		Resources: []model.Resource{{Ordinal: 0}},
	})
	require.NoError(t, err)
	producer, err := s.GetTask(producerTaskID)
	require.NoError(t, err)
	resourceID := producer.Outputs // PutTask has recorded the Resource here; unused below
	_ = resourceID

	// The consumer below references a separately written Resource whose
	// producing Task is the producer, put directly into the resources bucket.
	resID := model.NewID()
	require.NoError(t, s.putResourceRaw(model.Resource{ID: resID, ProducingTaskID: producerTaskID, Ordinal: 0}))

	consumerTaskID, err := s.PutTask(TaskWrite{
		Task: model.Task{
			PipeID:      pipeID,
			Fingerprint: "fp-consumer",
			Args:        model.Args{model.ResourceArg(resID)},
		},
	})
	require.NoError(t, err)

	consumers, err := s.GetConsumers(resID)
	require.NoError(t, err)
	require.Contains(t, consumers, consumerTaskID)
}

func TestMarkInfoOnTask(t *testing.T) {
	s := openTestStore(t)
	pipeID, _ := s.PutPipe(model.Pipe{IdentityKey: "pkg.add"})
	taskID, err := s.PutTask(TaskWrite{Task: model.Task{PipeID: pipeID, Fingerprint: "fp"}})
	require.NoError(t, err)

	require.NoError(t, s.MarkInfo(taskID, model.FlagObsolete, true))
	task, err := s.GetTask(taskID)
	require.NoError(t, err)
	require.True(t, task.IsObsolete())

	require.NoError(t, s.MarkInfo(taskID, model.FlagObsolete, false))
	task, err = s.GetTask(taskID)
	require.NoError(t, err)
	require.False(t, task.IsObsolete())
}

func TestMarkInfoObsoleteCascadesToDescendants(t *testing.T) {
	s := openTestStore(t)
	pipeID, _ := s.PutPipe(model.Pipe{IdentityKey: "pkg.add"})

	rootTaskID, err := s.PutTask(TaskWrite{
		Task:      model.Task{PipeID: pipeID, Fingerprint: "fp-root"},
		Resources: []model.Resource{{Ordinal: 0}},
	})
	require.NoError(t, err)
	root, err := s.GetTask(rootTaskID)
	require.NoError(t, err)
	rootResID := root.Outputs[0].ResourceID

	midTaskID, err := s.PutTask(TaskWrite{
		Task: model.Task{
			PipeID:      pipeID,
			Fingerprint: "fp-mid",
			Args:        model.Args{model.ResourceArg(rootResID)},
		},
		Resources: []model.Resource{{Ordinal: 0}},
	})
	require.NoError(t, err)
	mid, err := s.GetTask(midTaskID)
	require.NoError(t, err)
	midResID := mid.Outputs[0].ResourceID

	leafTaskID, err := s.PutTask(TaskWrite{
		Task: model.Task{
			PipeID:      pipeID,
			Fingerprint: "fp-leaf",
			Args:        model.Args{model.ResourceArg(midResID)},
		},
	})
	require.NoError(t, err)

	require.NoError(t, s.MarkInfo(rootTaskID, model.FlagObsolete, true))

	for _, id := range []model.ID{rootTaskID, midTaskID, leafTaskID} {
		task, err := s.GetTask(id)
		require.NoError(t, err)
		require.True(t, task.IsObsolete(), "task %s must be obsolete", id)
	}
	for _, id := range []model.ID{rootResID, midResID} {
		res, err := s.GetResource(id)
		require.NoError(t, err)
		require.True(t, res.IsObsolete(), "resource %s must be obsolete", id)
	}
}
