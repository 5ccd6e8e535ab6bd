package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"pipeweave/internal/fileresource"
	"pipeweave/internal/fingerprint"
	"pipeweave/internal/model"
	"pipeweave/internal/registry"
	"pipeweave/internal/store"
	"pipeweave/internal/vault"
	"pipeweave/internal/workerpool"
)

type harness struct {
	exec *Executor
	reg  *registry.Registry
	st   *store.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "db.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	v, err := vault.Open(filepath.Join(dir, "vault"))
	require.NoError(t, err)

	reg := registry.New(st)
	fm := fileresource.New(st)
	pool := workerpool.New(2)
	t.Cleanup(pool.Shutdown)

	return &harness{exec: New(st, v, reg, fm, pool), reg: reg, st: st}
}

func registerAdd(t *testing.T, reg *registry.Registry, deterministic bool) *model.Pipe {
	t.Helper()
	calls := 0
	p, err := reg.Register(registry.Registration{
		Name: "test.add",
		Schema: model.ParamSchema{Params: []model.ParamDef{
			{Name: "a"}, {Name: "b"},
		}},
		IsDeterministic: deterministic,
		Func: func(ctx registry.Ctx, args model.ResolvedArgs) ([]any, error) {
			calls++
			a := args.Positional[0].(int64)
			b := args.Positional[1].(int64)
			return []any{a + b}, nil
		},
	})
	require.NoError(t, err)
	return p
}

func TestRun_DeduplicatesDeterministicPipe(t *testing.T) {
	h := newHarness(t)
	pipe := registerAdd(t, h.reg, true)

	args := model.Args{model.Positional(int64(2)), model.Positional(int64(3))}
	r1, err := h.exec.Run(context.Background(), pipe.ID, args)
	require.NoError(t, err)
	require.False(t, r1.FromCache)

	r2, err := h.exec.Run(context.Background(), pipe.ID, args)
	require.NoError(t, err)
	require.True(t, r2.FromCache)
	require.Equal(t, r1.TaskID, r2.TaskID)
}

func TestRun_NonDeterministicNeverDedups(t *testing.T) {
	h := newHarness(t)
	pipe := registerAdd(t, h.reg, false)

	args := model.Args{model.Positional(int64(2)), model.Positional(int64(3))}
	r1, err := h.exec.Run(context.Background(), pipe.ID, args)
	require.NoError(t, err)

	r2, err := h.exec.Run(context.Background(), pipe.ID, args)
	require.NoError(t, err)
	require.NotEqual(t, r1.TaskID, r2.TaskID)
}

func TestRun_ChainsThroughResourceReference(t *testing.T) {
	h := newHarness(t)
	pipe := registerAdd(t, h.reg, true)

	first, err := h.exec.Run(context.Background(), pipe.ID, model.Args{
		model.Positional(int64(1)), model.Positional(int64(1)),
	})
	require.NoError(t, err)
	require.Len(t, first.Outputs, 1)
	resID := first.Outputs[0].ResourceID

	second, err := h.exec.Run(context.Background(), pipe.ID, model.Args{
		model.ResourceArg(resID), model.Positional(int64(10)),
	})
	require.NoError(t, err)
	require.NotEqual(t, first.TaskID, second.TaskID)
}

func TestRun_OutputFuncFileResource(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.txt")

	p, err := h.reg.Register(registry.Registration{
		Name:            "test.writefile",
		IsDeterministic: true,
		OutputFunc: func(ctx registry.Ctx, args model.ResolvedArgs) ([]string, error) {
			return []string{outPath}, nil
		},
		Func: func(ctx registry.Ctx, args model.ResolvedArgs) ([]any, error) {
			require.NoError(t, os.WriteFile(outPath, []byte("hello"), 0o644))
			return nil, nil
		},
	})
	require.NoError(t, err)

	result, err := h.exec.Run(context.Background(), p.ID, model.Args{})
	require.NoError(t, err)
	require.Len(t, result.Outputs, 1)
	require.Equal(t, model.OutputFileResource, result.Outputs[0].Kind)

	fr, err := h.st.GetFileResource(result.Outputs[0].FileResourceID)
	require.NoError(t, err)
	require.Equal(t, outPath, fr.Path)
}

func TestRun_StaleFileResourceRejected(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "in.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	fm := fileresource.New(h.st)
	fr, err := fm.RegisterFile(path, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("a different length now"), 0o644))

	pipe := registerAdd(t, h.reg, true)
	_, err = h.exec.Run(context.Background(), pipe.ID, model.Args{
		model.FileResourceArg(fr.ID), model.Positional(int64(1)),
	})
	require.ErrorIs(t, err, fileresource.ErrStaleFileResource)
}

func TestReadResource_ReturnsActualDecodedValue(t *testing.T) {
	h := newHarness(t)
	pipe := registerAdd(t, h.reg, true)

	res, err := h.exec.Run(context.Background(), pipe.ID, model.Args{
		model.Positional(int64(1)), model.Positional(int64(2)),
	})
	require.NoError(t, err)
	require.Len(t, res.Outputs, 1)

	value, err := h.exec.ReadResource(res.Outputs[0].ResourceID)
	require.NoError(t, err)
	require.Equal(t, int64(3), value)
}

func TestRun_VolatileResourceFirstReadSucceedsSecondFails(t *testing.T) {
	h := newHarness(t)
	p, err := h.reg.Register(registry.Registration{
		Name:            "test.volatile",
		IsDeterministic: true,
		ReturnVolatile:  true,
		Func: func(ctx registry.Ctx, args model.ResolvedArgs) ([]any, error) {
			return []any{int64(42)}, nil
		},
	})
	require.NoError(t, err)

	res, err := h.exec.Run(context.Background(), p.ID, model.Args{})
	require.NoError(t, err)
	require.Len(t, res.Outputs, 1)
	resID := res.Outputs[0].ResourceID

	value, err := h.exec.ReadResource(resID)
	require.NoError(t, err, "the first read of a volatile resource must succeed")
	require.Equal(t, int64(42), value)

	_, err = h.exec.ReadResource(resID)
	require.ErrorIs(t, err, ErrVolatileAlreadyConsumed, "a second read must observe ErrVolatileAlreadyConsumed")
}

func TestRun_PipeErrorRecordsNoTask(t *testing.T) {
	h := newHarness(t)
	wantErr := "boom"
	p, err := h.reg.Register(registry.Registration{
		Name:            "test.fails",
		IsDeterministic: true,
		Func: func(ctx registry.Ctx, args model.ResolvedArgs) ([]any, error) {
			return nil, require.AnError
		},
	})
	require.NoError(t, err)
	_ = wantErr

	_, err = h.exec.Run(context.Background(), p.ID, model.Args{})
	require.Error(t, err)

	fp, err := fingerprint.Compute(p.IdentityKey, p.Schema, model.Args{}, h.st.FingerprintResolver())
	require.NoError(t, err)
	_, err = h.st.GetTaskByFingerprint(string(fp))
	require.ErrorIs(t, err, store.ErrNotFound)
}
