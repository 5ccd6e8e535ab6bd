package model

// ParamDef describes one declared parameter of a Pipe's argument schema.
type ParamDef struct {
	Name       string `json:"name"`
	HasDefault bool   `json:"hasDefault"`
	Default    any    `json:"default,omitempty"`
}

// ParamSchema is a Pipe's argument schema: parameter names, defaults, and
// whether positional arguments beyond the declared Params are accepted as
// an ordered variadic tail (spec §4.1 rule 1).
type ParamSchema struct {
	Params   []ParamDef `json:"params"`
	Variadic bool       `json:"variadic"`
}

// ParamIndex returns the declared position of name, or -1 if not declared.
func (s ParamSchema) ParamIndex(name string) int {
	for i, p := range s.Params {
		if p.Name == name {
			return i
		}
	}
	return -1
}

// Pipe represents a registered, deduplicable callable definition (spec §3).
//
// A Pipe is immutable once created: re-registering the same identity
// returns the existing Pipe (see internal/registry).
type Pipe struct {
	ID ID `json:"id"`

	// IdentityKey is either "module.QualifiedName" for importable callables,
	// or "src:<sha256-hex>" for anonymous callables identified by captured
	// source text (spec §4.5, §9 open question on anonymous identity).
	IdentityKey string `json:"identityKey"`

	Schema ParamSchema `json:"schema"`

	// ReturnVolatile is true for generator-style Pipes; their outputs are
	// tagged FlagVolatile.
	ReturnVolatile bool `json:"returnVolatile"`

	// IsDeterministic disables dedup lookups when false: every call produces
	// a fresh Task even when the fingerprint matches a prior one.
	IsDeterministic bool `json:"isDeterministic"`

	// OutputFuncIdentity is the identity key of a sibling callable mapping
	// arguments to the list of expected output file paths, or "" if unset.
	OutputFuncIdentity string `json:"outputFuncIdentity,omitempty"`

	Description string  `json:"description,omitempty"`
	Info        InfoSet `json:"info,omitempty"`
}

// SameRegistration reports whether a re-registration attempt with the given
// attributes is compatible with an existing Pipe of the same identity
// (spec §4.5: "same output_func/return_volatile/is_deterministic").
func (p Pipe) SameRegistration(outputFuncIdentity string, returnVolatile, isDeterministic bool) bool {
	return p.OutputFuncIdentity == outputFuncIdentity &&
		p.ReturnVolatile == returnVolatile &&
		p.IsDeterministic == isDeterministic
}
