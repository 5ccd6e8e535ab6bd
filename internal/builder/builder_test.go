package builder

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pipeweave/internal/batchlog"
	"pipeweave/internal/executor"
	"pipeweave/internal/fileresource"
	"pipeweave/internal/model"
	"pipeweave/internal/registry"
	"pipeweave/internal/store"
	"pipeweave/internal/vault"
	"pipeweave/internal/workerpool"
)

type harness struct {
	b    *Builder
	reg  *registry.Registry
	st   *store.Store
	pool *workerpool.Pool
	exec *executor.Executor
}

func newHarness(t *testing.T, poolSize int) *harness {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "db.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	v, err := vault.Open(filepath.Join(dir, "vault"))
	require.NoError(t, err)

	reg := registry.New(st)
	fm := fileresource.New(st)
	pool := workerpool.New(poolSize)
	t.Cleanup(pool.Shutdown)

	exec := executor.New(st, v, reg, fm, pool)
	return &harness{b: New(st, v, reg, fm, exec, pool), reg: reg, st: st, pool: pool, exec: exec}
}

// registerAdd mirrors the add(a, b) pipe from spec §8 scenario S6, with an
// optional artificial delay so pool-size-1 vs pool-size-2 ordering is
// observable.
func registerAdd(t *testing.T, reg *registry.Registry, name string, delay time.Duration, order *[]string, mu *sync.Mutex) *model.Pipe {
	t.Helper()
	p, err := reg.Register(registry.Registration{
		Name: name,
		Schema: model.ParamSchema{Params: []model.ParamDef{
			{Name: "a"}, {Name: "b"},
		}},
		IsDeterministic: true,
		Func: func(ctx registry.Ctx, args model.ResolvedArgs) ([]any, error) {
			if delay > 0 {
				time.Sleep(delay)
			}
			if order != nil {
				mu.Lock()
				*order = append(*order, name)
				mu.Unlock()
			}
			a := args.Positional[0].(int64)
			b := args.Positional[1].(int64)
			return []any{a + b}, nil
		},
	})
	require.NoError(t, err)
	return p
}

func TestExecuteBuilder_ChainedAddsProduceThreeTasks(t *testing.T) {
	h := newHarness(t, 2)
	addPipe := registerAdd(t, h.reg, "test.add", 0, nil, nil)

	_, aOut, err := h.b.CallPipe(addPipe.ID, model.Args{model.Positional(int64(1)), model.Positional(int64(2))}, 1)
	require.NoError(t, err)
	_, bOut, err := h.b.CallPipe(addPipe.ID, model.Args{model.Positional(int64(3)), model.Positional(int64(4))}, 1)
	require.NoError(t, err)
	cTask, cOut, err := h.b.CallPipe(addPipe.ID, model.Args{model.VirtualArg(aOut[0]), model.VirtualArg(bOut[0])}, 1)
	require.NoError(t, err)

	result, err := h.b.ExecuteBuilder(context.Background())
	require.NoError(t, err)
	require.NoError(t, result.Err)
	require.Len(t, result.Outcomes, 3)

	require.NotNil(t, cTask.Replacement)
	require.NotNil(t, cOut[0].Replacement)

	res, err := h.st.GetResource(cOut[0].Replacement.ResourceID)
	require.NoError(t, err)
	require.NotEmpty(t, res.VaultHash)

	value, err := h.exec.ReadResource(cOut[0].Replacement.ResourceID)
	require.NoError(t, err)
	require.Equal(t, int64(10), value, "c = (1+2) + (3+4) must read back as its actual computed value")
}

func TestExecuteBuilder_SerialPoolRunsIndependentTasksInInsertionOrder(t *testing.T) {
	h := newHarness(t, 1)
	var order []string
	var mu sync.Mutex
	addA := registerAdd(t, h.reg, "test.add.a", 5*time.Millisecond, &order, &mu)
	addB := registerAdd(t, h.reg, "test.add.b", 0, &order, &mu)

	_, _, err := h.b.CallPipe(addA.ID, model.Args{model.Positional(int64(1)), model.Positional(int64(2))}, 1)
	require.NoError(t, err)
	_, _, err = h.b.CallPipe(addB.ID, model.Args{model.Positional(int64(3)), model.Positional(int64(4))}, 1)
	require.NoError(t, err)

	result, err := h.b.ExecuteBuilder(context.Background())
	require.NoError(t, err)
	require.NoError(t, result.Err)
	require.Equal(t, []string{"test.add.a", "test.add.b"}, order)
}

func TestExecuteBuilder_CycleDetected(t *testing.T) {
	h := newHarness(t, 2)
	addPipe := registerAdd(t, h.reg, "test.add", 0, nil, nil)

	ta, aOut, err := h.b.CallPipe(addPipe.ID, model.Args{model.Positional(int64(1)), model.Positional(int64(2))}, 1)
	require.NoError(t, err)
	tb, bOut, err := h.b.CallPipe(addPipe.ID, model.Args{model.VirtualArg(aOut[0]), model.Positional(int64(1))}, 1)
	require.NoError(t, err)

	// Manually wire a cycle: ta now depends on tb's output too.
	ta.Args = append(ta.Args, model.VirtualArg(bOut[0]))
	_ = tb

	_, err = h.b.ExecuteBuilder(context.Background())
	require.ErrorIs(t, err, ErrCycleDetected)
}

func TestExecuteBuilder_FailurePropagatesSkipToDownstream(t *testing.T) {
	h := newHarness(t, 2)
	failing, err := h.reg.Register(registry.Registration{
		Name:            "test.fails",
		IsDeterministic: true,
		Func: func(ctx registry.Ctx, args model.ResolvedArgs) ([]any, error) {
			return nil, require.AnError
		},
	})
	require.NoError(t, err)
	addPipe := registerAdd(t, h.reg, "test.add", 0, nil, nil)

	failTask, failOut, err := h.b.CallPipe(failing.ID, model.Args{}, 1)
	require.NoError(t, err)
	downstream, _, err := h.b.CallPipe(addPipe.ID, model.Args{model.VirtualArg(failOut[0]), model.Positional(int64(1))}, 1)
	require.NoError(t, err)

	result, err := h.b.ExecuteBuilder(context.Background())
	require.NoError(t, err)
	require.Error(t, result.Err)
	require.Equal(t, OutcomeFailed, result.Outcomes[failTask])
	require.Equal(t, OutcomeSkipped, result.Outcomes[downstream])
	require.True(t, downstream.Skipped)
}

func TestExecuteBuilder_InBatchFingerprintFolding(t *testing.T) {
	h := newHarness(t, 4)
	calls := 0
	var mu sync.Mutex
	p, err := h.reg.Register(registry.Registration{
		Name:            "test.countedadd",
		IsDeterministic: true,
		Schema: model.ParamSchema{Params: []model.ParamDef{
			{Name: "a"}, {Name: "b"},
		}},
		Func: func(ctx registry.Ctx, args model.ResolvedArgs) ([]any, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			a := args.Positional[0].(int64)
			b := args.Positional[1].(int64)
			return []any{a + b}, nil
		},
	})
	require.NoError(t, err)

	t1, out1, err := h.b.CallPipe(p.ID, model.Args{model.Positional(int64(5)), model.Positional(int64(5))}, 1)
	require.NoError(t, err)
	t2, out2, err := h.b.CallPipe(p.ID, model.Args{model.Positional(int64(5)), model.Positional(int64(5))}, 1)
	require.NoError(t, err)

	result, err := h.b.ExecuteBuilder(context.Background())
	require.NoError(t, err)
	require.NoError(t, result.Err)
	require.Equal(t, t1.Replacement.ID, t2.Replacement.ID)
	require.Equal(t, out1[0].Replacement.ResourceID, out2[0].Replacement.ResourceID)
	require.Equal(t, 1, calls)
}

func TestExecuteBuilder_WithBatchLogRecordsCheckpointsAndCompletion(t *testing.T) {
	h := newHarness(t, 2)
	p := registerAdd(t, h.reg, "test.loggedadd", 0, nil, nil)

	logDir := t.TempDir()
	b, err := h.b.WithBatchLog(logDir)
	require.NoError(t, err)

	_, _, err = b.CallPipe(p.ID, model.Args{model.Positional(int64(1)), model.Positional(int64(2))}, 1)
	require.NoError(t, err)

	result, err := b.ExecuteBuilder(context.Background())
	require.NoError(t, err)
	require.NoError(t, result.Err)

	ids, err := b.rec.Store.ListBatchIDs()
	require.NoError(t, err)
	require.Len(t, ids, 1)

	batch, err := b.rec.Store.LoadBatch(ids[0])
	require.NoError(t, err)
	require.Equal(t, batchlog.BatchStatusCompleted, batch.Status)

	checkpoints, err := b.rec.Store.LoadAllCheckpoints(ids[0])
	require.NoError(t, err)
	require.Len(t, checkpoints, 1)
	require.Equal(t, "completed", checkpoints[0].Outcome)
}
