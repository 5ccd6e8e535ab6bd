// Package registry implements the Pipe Registry (spec §4.5): Pipe
// registration, deduping by identity, and source-text capture for
// anonymous callables.
//
// Grounded on internal/dag/taskdef_hash.go's separation of a definitional
// identity hash from a run hash (a Pipe's IdentityKey plays the same role
// here that TaskDefHash plays there: it identifies "what this is", not
// "one particular execution of it").
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"

	"pipeweave/internal/model"
	"pipeweave/internal/store"
)

// PipeFunc is the callable shape the engine invokes. It receives resolved
// arguments (literals, materialized Resource handles, FileResource
// absolute paths) and returns the ordered list of produced values.
type PipeFunc func(ctx Ctx, args model.ResolvedArgs) ([]any, error)

// OutputFunc is the sibling callable mapping arguments to the list of
// expected output file paths (spec §4.5/§4.6); the path order is
// significant, it defines ordinal binding for output FileResources.
type OutputFunc func(ctx Ctx, args model.ResolvedArgs) ([]string, error)

// Ctx is a minimal execution context passed to pipe bodies; kept as a
// dedicated type (rather than context.Context) so the registry does not
// force every pipe author to import context for pipes with no cancellation
// needs. internal/executor passes its context.Context, which satisfies
// this interface, directly.
type Ctx interface {
	Done() <-chan struct{}
	Err() error
}

// ErrUnknownPipe corresponds to spec §7 UnknownPipe.
var ErrUnknownPipe = errors.New("registry: unknown pipe")

// ConflictError corresponds to spec §7 PipeRegistrationConflict: identity
// clash with incompatible attributes.
type ConflictError struct {
	IdentityKey string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("registry: pipe %q already registered with incompatible attributes", e.IdentityKey)
}

// Registration is the input to Register (spec §4.5).
type Registration struct {
	// Name, when set, is used directly as the identity key (module +
	// qualified name in spec terms). If empty, identity falls back to a
	// hash of SourceText when one is given (for fully anonymous or
	// dynamically-built pipes), and otherwise to runtime.FuncForPC on Func
	// (spec §9 open question).
	Name       string
	SourceText string

	Func       PipeFunc
	OutputFunc OutputFunc

	Schema          model.ParamSchema
	ReturnVolatile  bool
	IsDeterministic bool
	Description     string
}

type binding struct {
	fn       PipeFunc
	outputFn OutputFunc
}

// Registry is the Pipe Registry (C5): it persists Pipe metadata in the
// Store and holds the live Go-callable bindings for the current process
// (spec §4.5: "persistence stores only metadata ... the registry holds a
// live binding ... for the current process").
type Registry struct {
	store *store.Store
	log   *logrus.Entry

	mu       sync.RWMutex
	bindings map[model.ID]binding
}

// New constructs a Registry backed by s.
func New(s *store.Store) *Registry {
	return &Registry{store: s, log: logrus.WithField("component", "registry"), bindings: make(map[model.ID]binding)}
}

func sourceHash(src string) string {
	sum := sha256.Sum256([]byte(src))
	return "src:" + hex.EncodeToString(sum[:])
}

func funcIdentity(fn any) string {
	if fn == nil {
		return ""
	}
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return ""
	}
	return runtime.FuncForPC(v.Pointer()).Name()
}

func identityOf(reg Registration) (string, error) {
	if reg.Name != "" {
		return reg.Name, nil
	}
	if reg.SourceText != "" {
		return sourceHash(reg.SourceText), nil
	}
	if id := funcIdentity(reg.Func); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("registry: cannot determine a stable identity; supply Name or SourceText")
}

// Register registers callable per spec §4.5. If a Pipe with the same
// identity and matching ReturnVolatile/IsDeterministic/OutputFunc already
// exists, it is returned; a mismatch on those attributes is a
// PipeRegistrationConflict.
func (r *Registry) Register(reg Registration) (*model.Pipe, error) {
	if reg.Func == nil {
		return nil, fmt.Errorf("registry: Func is required")
	}
	identity, err := identityOf(reg)
	if err != nil {
		return nil, err
	}

	outputFuncIdentity := ""
	if reg.OutputFunc != nil {
		outputFuncIdentity = funcIdentity(reg.OutputFunc)
		if outputFuncIdentity == "" {
			outputFuncIdentity = identity + "#output"
		}
	}

	existing, err := r.store.GetPipeByIdentity(identity)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if existing != nil {
		if !existing.SameRegistration(outputFuncIdentity, reg.ReturnVolatile, reg.IsDeterministic) {
			return nil, &ConflictError{IdentityKey: identity}
		}
		r.bind(existing.ID, reg.Func, reg.OutputFunc)
		return existing, nil
	}

	info := model.InfoSet{}
	if reg.Name == "" {
		if reg.SourceText != "" {
			info = info.With(model.FlagSourceCode, reg.SourceText)
		}
	}

	pipe := model.Pipe{
		IdentityKey:        identity,
		Schema:             reg.Schema,
		ReturnVolatile:     reg.ReturnVolatile,
		IsDeterministic:    reg.IsDeterministic,
		OutputFuncIdentity: outputFuncIdentity,
		Description:        reg.Description,
		Info:               info,
	}
	id, err := r.store.PutPipe(pipe)
	if err != nil {
		return nil, err
	}
	pipe.ID = id
	r.bind(id, reg.Func, reg.OutputFunc)
	r.log.WithField("identity", identity).Info("registry: pipe registered")
	return &pipe, nil
}

func (r *Registry) bind(id model.ID, fn PipeFunc, outFn OutputFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[id] = binding{fn: fn, outputFn: outFn}
}

// Lookup returns the live Go callables bound to pipeID in this process.
// Lookup fails with ErrUnknownPipe if the Pipe was registered in a
// different process (or this process restarted) without re-binding.
func (r *Registry) Lookup(pipeID model.ID) (PipeFunc, OutputFunc, error) {
	r.mu.RLock()
	b, ok := r.bindings[pipeID]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s (no live binding in this process)", ErrUnknownPipe, pipeID)
	}
	return b.fn, b.outputFn, nil
}

// Get returns the persisted Pipe metadata for id.
func (r *Registry) Get(id model.ID) (*model.Pipe, error) {
	p, err := r.store.GetPipe(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPipe, id)
	}
	return p, err
}
