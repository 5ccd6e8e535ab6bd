// Package executor implements the Executor (spec §4.6): synchronous
// single-Task execution — dedup lookup, run, output capture.
//
// Grounded on internal/core/runner.go's Run method (validate → resolve
// inputs → compute hash → check cache → execute-or-replay → cache),
// adapted from shelling out to a command string to invoking a registered
// Go callable through the Worker Pool.
package executor

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"pipeweave/internal/fileresource"
	"pipeweave/internal/fingerprint"
	"pipeweave/internal/model"
	"pipeweave/internal/registry"
	"pipeweave/internal/store"
	"pipeweave/internal/vault"
	"pipeweave/internal/workerpool"
)

func init() {
	for _, v := range []any{
		int64(0), int32(0), int(0), uint64(0), float64(0), bool(false), string(""),
		[]byte(nil), []any(nil), map[string]any(nil), fingerprint.Set(nil),
	} {
		gob.Register(v)
	}
}

// payloadEnvelope carries a Pipe's returned value through gob, which needs
// a concrete type to decode into when the static type is the bare any that
// a Resource's content always is.
type payloadEnvelope struct{ V any }

// encodePayload serializes a Pipe's returned value into the byte form the
// Resource Vault stores, content-addressed by its sha256 (spec §4.3). gob
// (rather than JSON) is used so the concrete Go type — int64 vs float64,
// in particular — survives the vault round trip unchanged.
func encodePayload(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(payloadEnvelope{V: v}); err != nil {
		return nil, fmt.Errorf("executor: encode resource payload: %w", err)
	}
	return buf.Bytes(), nil
}

// decodePayload is encodePayload's inverse.
func decodePayload(raw []byte) (any, error) {
	var env payloadEnvelope
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&env); err != nil {
		return nil, fmt.Errorf("executor: decode resource payload: %w", err)
	}
	return env.V, nil
}

// ErrVolatileAlreadyConsumed corresponds to spec §7 VolatileAlreadyConsumed.
var ErrVolatileAlreadyConsumed = errors.New("executor: volatile resource already consumed")

// ExecutionError corresponds to spec §7 PipeExecutionError: user code
// failed; it carries the underlying cause.
type ExecutionError struct {
	PipeID model.ID
	Cause  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("executor: pipe %s execution failed: %v", e.PipeID, e.Cause)
}
func (e *ExecutionError) Unwrap() error { return e.Cause }

// Executor is the Executor (C6).
type Executor struct {
	Store    *store.Store
	Vault    *vault.Vault
	Registry *registry.Registry
	Files    *fileresource.Manager
	Pool     *workerpool.Pool

	log *logrus.Entry

	// volatileMu guards volatilePayload, the in-memory home of a
	// return_volatile Pipe's actual returned values (spec §4.3: a volatile
	// Resource's payload never touches the vault). The Store's FlagConsumed
	// still gates whether a given id's entry may be handed out, so the two
	// stay in lockstep: the map holds the value, the Store decides who gets
	// to read it.
	volatileMu      sync.Mutex
	volatilePayload map[model.ID]any
}

// New constructs an Executor wiring together the Store (C2), Resource
// Vault (C3), FileResource Manager (C4), Pipe Registry (C5), and Worker
// Pool (C7).
func New(s *store.Store, v *vault.Vault, reg *registry.Registry, fm *fileresource.Manager, pool *workerpool.Pool) *Executor {
	return &Executor{
		Store:           s,
		Vault:           v,
		Registry:        reg,
		Files:           fm,
		Pool:            pool,
		log:             logrus.WithField("component", "executor"),
		volatilePayload: make(map[model.ID]any),
	}
}

// RunResult is the outcome of a successful Run.
type RunResult struct {
	TaskID    model.ID
	Outputs   []model.OutputRef
	FromCache bool
}

// Run executes pipeID with args per spec §4.6.
func (e *Executor) Run(ctx context.Context, pipeID model.ID, args model.Args) (*RunResult, error) {
	pipe, err := e.Registry.Get(pipeID)
	if err != nil {
		return nil, err
	}

	resolved, err := e.resolveArgs(args)
	if err != nil {
		return nil, err
	}

	fp, err := fingerprint.Compute(pipe.IdentityKey, pipe.Schema, args, e.Store.FingerprintResolver())
	if err != nil {
		return nil, err
	}

	if pipe.IsDeterministic {
		if existing, outputs, ok, err := e.reuseIfValid(string(fp)); err != nil {
			return nil, err
		} else if ok {
			e.log.WithField("fingerprint", fp).Debug("executor: dedup hit, reusing existing task")
			return &RunResult{TaskID: existing, Outputs: outputs, FromCache: true}, nil
		}
	}

	return e.execute(ctx, pipe, pipeID, args, resolved, fp)
}

// resolveArgs resolves Resource args to their in-memory content and
// FileResource args to their absolute path, shallow-integrity-checking
// FileResources before use (spec §4.6 step 1).
func (e *Executor) resolveArgs(args model.Args) (model.ResolvedArgs, error) {
	out := model.ResolvedArgs{Keyword: map[string]any{}}
	for _, a := range args {
		v, err := e.resolveOne(a)
		if err != nil {
			return model.ResolvedArgs{}, err
		}
		if a.Name != "" {
			out.Keyword[a.Name] = v
		} else {
			out.Positional = append(out.Positional, v)
		}
	}
	return out, nil
}

func (e *Executor) resolveOne(a model.Arg) (any, error) {
	switch a.Kind {
	case model.ArgLiteral:
		return a.Literal, nil
	case model.ArgResource:
		return e.materializeResource(a.ResourceID)
	case model.ArgFileResource:
		fr, err := e.Store.GetFileResource(a.FileResourceID)
		if err != nil {
			return nil, err
		}
		if err := e.Files.CheckBeforeUse(fr); err != nil {
			return nil, err
		}
		return fr.Path, nil
	default:
		return nil, fmt.Errorf("executor: argument kind %d must be resolved before Run (virtual args belong to the builder)", a.Kind)
	}
}

func (e *Executor) materializeResource(id model.ID) (any, error) {
	r, err := e.Store.GetResource(id)
	if err != nil {
		return nil, err
	}
	if r.Volatile {
		// A volatile Resource's payload never touches the vault (spec
		// §4.3); it lives only in volatilePayload until the first read
		// claims it. ConsumeVolatileResource is the one atomic gate: only
		// the caller it tells first == true may take the value.
		first, err := e.Store.ConsumeVolatileResource(id)
		if err != nil {
			return nil, err
		}
		if !first {
			return nil, fmt.Errorf("%w: resource %s", ErrVolatileAlreadyConsumed, id)
		}
		v, ok := e.takeVolatilePayload(id)
		if !ok {
			return nil, fmt.Errorf("executor: volatile resource %s has no in-memory payload (process restarted since it was produced?)", id)
		}
		return v, nil
	}
	payload, err := e.Vault.Get(r.VaultHash)
	if err != nil {
		return nil, err
	}
	return decodePayload(payload)
}

// ReadResource returns the decoded value a Resource holds — the vault
// payload for a non-volatile Resource, or a volatile Resource's one-shot
// value subject to the same consume-once semantics as binding it into
// another Task's arguments (spec §8 S1/S2/S6: reading back a computed
// result, e.g. add(1, 2) → 3).
func (e *Executor) ReadResource(id model.ID) (any, error) {
	return e.materializeResource(id)
}

func (e *Executor) storeVolatilePayloads(resources []model.Resource, values []any) {
	e.volatileMu.Lock()
	defer e.volatileMu.Unlock()
	for i, r := range resources {
		if i < len(values) {
			e.volatilePayload[r.ID] = values[i]
		}
	}
}

func (e *Executor) takeVolatilePayload(id model.ID) (any, bool) {
	e.volatileMu.Lock()
	defer e.volatileMu.Unlock()
	v, ok := e.volatilePayload[id]
	if ok {
		delete(e.volatilePayload, id)
	}
	return v, ok
}

// reuseIfValid returns the Task matching fp if it still has valid outputs
// (files present and shallow-integrity OK, Resources present in vault),
// per spec §4.6 step 2.
func (e *Executor) reuseIfValid(fp string) (model.ID, []model.OutputRef, bool, error) {
	task, err := e.Store.GetTaskByFingerprint(fp)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", nil, false, nil
		}
		return "", nil, false, err
	}
	if task.IsDeprecated() {
		// Deprecation exists specifically to force the next call to
		// rerun (GLOSSARY: deprecated vs obsolete), so a deprecated match
		// is never eligible for dedup reuse.
		return "", nil, false, nil
	}
	for _, o := range task.Outputs {
		switch o.Kind {
		case model.OutputResource:
			r, err := e.Store.GetResource(o.ResourceID)
			if err != nil {
				return "", nil, false, nil
			}
			if r.IsDeprecated() {
				return "", nil, false, nil
			}
			if !r.Volatile {
				if ok, _ := e.Vault.Has(r.VaultHash); !ok {
					return "", nil, false, nil
				}
			}
		case model.OutputFileResource:
			f, err := e.Store.GetFileResource(o.FileResourceID)
			if err != nil {
				return "", nil, false, nil
			}
			if f.IsDeprecated() {
				return "", nil, false, nil
			}
			if err := e.Files.CheckBeforeUse(f); err != nil {
				return "", nil, false, nil
			}
		}
	}
	return task.ID, task.Outputs, true, nil
}

func (e *Executor) execute(ctx context.Context, pipe *model.Pipe, pipeID model.ID, args model.Args, resolved model.ResolvedArgs, fp fingerprint.Fingerprint) (*RunResult, error) {
	fn, outputFn, err := e.Registry.Lookup(pipeID)
	if err != nil {
		return nil, err
	}

	var declaredOutputs []string
	future, err := e.Pool.Submit(ctx, func(jobCtx context.Context) (workerpool.Result, error) {
		// jobCtx satisfies registry.Ctx directly: every context.Context
		// already exposes Done()/Err().
		if outputFn != nil {
			paths, err := outputFn(jobCtx, resolved)
			if err != nil {
				return workerpool.Result{}, err
			}
			declaredOutputs = paths
		}
		values, err := fn(jobCtx, resolved)
		if err != nil {
			return workerpool.Result{}, err
		}
		return workerpool.Result{Values: values, OutputPaths: declaredOutputs}, nil
	})
	if err != nil {
		return nil, err
	}

	res, err := future.Wait(ctx)
	if err != nil {
		// spec §4.6 step 5: on user-code failure, no Task is recorded.
		return nil, &ExecutionError{PipeID: pipeID, Cause: err}
	}

	prepared, err := e.Files.PrepareOutputs(res.OutputPaths, "")
	if err != nil {
		return nil, &ExecutionError{PipeID: pipeID, Cause: err}
	}

	var resources []model.Resource
	for i, v := range res.Values {
		rr := model.Resource{Ordinal: i, Volatile: pipe.ReturnVolatile}
		if !pipe.ReturnVolatile {
			payload, err := encodePayload(v)
			if err != nil {
				return nil, &ExecutionError{PipeID: pipeID, Cause: err}
			}
			hash, err := e.Vault.Put(payload)
			if err != nil {
				return nil, err
			}
			rr.VaultHash = hash
		}
		if pipe.ReturnVolatile {
			rr.Info = model.InfoSet{}.With(model.FlagVolatile, "")
		}
		resources = append(resources, rr)
	}

	now := time.Now()
	task := model.Task{
		PipeID:      pipeID,
		Args:        args,
		StartedAt:   now,
		FinishedAt:  now,
		Fingerprint: string(fp),
	}

	taskID, err := e.Store.PutTask(store.TaskWrite{
		Task:          task,
		Resources:     resources,
		FileResources: prepared.New,
		Overwrite:     prepared.Overwrite,
	})
	if err != nil {
		return nil, err
	}
	if pipe.ReturnVolatile {
		// PutTask assigns ids into resources' shared backing array, so
		// resources[i].ID is now populated.
		e.storeVolatilePayloads(resources, res.Values)
	}

	outputs := assembleOutputRefs(resources, prepared.New)
	return &RunResult{TaskID: taskID, Outputs: outputs}, nil
}

// assembleOutputRefs stitches the resource/fileresource rows just
// committed back into the pipe-declared ordinal order: resources first (the
// pipe's return values), then file resources (output_func's declared
// paths), matching spec §4.6 step 4 ("attach them to the Task in the
// ordinal order of the pipe's return / output_func list"). resources and
// files carry the ids PutTask assigned them, since TaskWrite shares their
// backing arrays with the caller.
func assembleOutputRefs(resources []model.Resource, files []model.FileResource) []model.OutputRef {
	out := make([]model.OutputRef, 0, len(resources)+len(files))
	for _, r := range resources {
		out = append(out, model.OutputRef{Kind: model.OutputResource, ResourceID: r.ID})
	}
	for _, f := range files {
		out = append(out, model.OutputRef{Kind: model.OutputFileResource, FileResourceID: f.ID})
	}
	return out
}
