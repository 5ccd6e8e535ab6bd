package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/require"

	"pipeweave/internal/model"
)

func addSchema() model.ParamSchema {
	return model.ParamSchema{Params: []model.ParamDef{{Name: "i"}, {Name: "j"}}}
}

func TestCompute_SameArgsSameFingerprint(t *testing.T) {
	schema := addSchema()
	args1 := model.Args{model.Positional(int64(1)), model.Positional(int64(2))}
	args2 := model.Args{model.Keyword("j", int64(2)), model.Keyword("i", int64(1))}

	fp1, err := Compute("pkg.add", schema, args1, nil)
	require.NoError(t, err)
	fp2, err := Compute("pkg.add", schema, args2, nil)
	require.NoError(t, err)

	require.Equal(t, fp1, fp2, "positional and keyword-equivalent calls must fingerprint identically")
}

func TestCompute_DifferentArgsDifferentFingerprint(t *testing.T) {
	schema := addSchema()
	fp1, err := Compute("pkg.add", schema, model.Args{model.Positional(int64(1)), model.Positional(int64(2))}, nil)
	require.NoError(t, err)
	fp2, err := Compute("pkg.add", schema, model.Args{model.Positional(int64(1)), model.Positional(int64(3))}, nil)
	require.NoError(t, err)

	require.NotEqual(t, fp1, fp2)
}

func TestCompute_MissingRequiredArgument(t *testing.T) {
	_, err := Compute("pkg.add", addSchema(), model.Args{model.Positional(int64(1))}, nil)
	require.Error(t, err)
}

func TestCompute_DefaultApplied(t *testing.T) {
	schema := model.ParamSchema{Params: []model.ParamDef{
		{Name: "i"},
		{Name: "j", HasDefault: true, Default: int64(10)},
	}}
	fpExplicit, err := Compute("pkg.add", schema, model.Args{model.Positional(int64(1)), model.Positional(int64(10))}, nil)
	require.NoError(t, err)
	fpDefaulted, err := Compute("pkg.add", schema, model.Args{model.Positional(int64(1))}, nil)
	require.NoError(t, err)

	require.Equal(t, fpExplicit, fpDefaulted)
}

func TestCompute_VariadicOrderMatters(t *testing.T) {
	schema := model.ParamSchema{Variadic: true}
	fp1, err := Compute("pkg.cat", schema, model.Args{model.Positional("a"), model.Positional("b")}, nil)
	require.NoError(t, err)
	fp2, err := Compute("pkg.cat", schema, model.Args{model.Positional("b"), model.Positional("a")}, nil)
	require.NoError(t, err)

	require.NotEqual(t, fp1, fp2, "ordered sequences must be order-sensitive")
}

func TestCompute_SetIsOrderInsensitive(t *testing.T) {
	schema := model.ParamSchema{Params: []model.ParamDef{{Name: "tags"}}}
	fp1, err := Compute("pkg.tag", schema, model.Args{model.Positional(Set{"a", "b", "c"})}, nil)
	require.NoError(t, err)
	fp2, err := Compute("pkg.tag", schema, model.Args{model.Positional(Set{"c", "a", "b"})}, nil)
	require.NoError(t, err)

	require.Equal(t, fp1, fp2)
}

func TestCompute_MappingIsKeySorted(t *testing.T) {
	schema := model.ParamSchema{Params: []model.ParamDef{{Name: "m"}}}
	fp1, err := Compute("pkg.tag", schema, model.Args{model.Positional(map[string]any{"a": int64(1), "b": int64(2)})}, nil)
	require.NoError(t, err)
	fp2, err := Compute("pkg.tag", schema, model.Args{model.Positional(map[string]any{"b": int64(2), "a": int64(1)})}, nil)
	require.NoError(t, err)

	require.Equal(t, fp1, fp2)
}

type stubResolver struct {
	parentFP Fingerprint
	ordinal  int
	md5      string
}

func (s stubResolver) ResourceFingerprint(model.ID) (Fingerprint, int, error) {
	return s.parentFP, s.ordinal, nil
}
func (s stubResolver) FileResourceMD5(model.ID) (string, error) { return s.md5, nil }

func TestCompute_ResourceRefByFingerprintNotID(t *testing.T) {
	schema := model.ParamSchema{Params: []model.ParamDef{{Name: "r"}}}
	r1 := stubResolver{parentFP: "abc", ordinal: 0}
	r2 := stubResolver{parentFP: "abc", ordinal: 0}

	// Two different Resource ids that happen to share producing-task
	// fingerprint + ordinal must fingerprint identically: path/id equality
	// never participates (spec §4.1 rule 3).
	fp1, err := Compute("pkg.use", schema, model.Args{model.ResourceArg(model.NewID())}, r1)
	require.NoError(t, err)
	fp2, err := Compute("pkg.use", schema, model.Args{model.ResourceArg(model.NewID())}, r2)
	require.NoError(t, err)

	require.Equal(t, fp1, fp2)
}

func TestCompute_FileResourceRefByMD5NotPath(t *testing.T) {
	schema := model.ParamSchema{Params: []model.ParamDef{{Name: "f"}}}
	r1 := stubResolver{md5: "deadbeef"}
	r2 := stubResolver{md5: "deadbeef"}

	fp1, err := Compute("pkg.use", schema, model.Args{model.FileResourceArg(model.NewID())}, r1)
	require.NoError(t, err)
	fp2, err := Compute("pkg.use", schema, model.Args{model.FileResourceArg(model.NewID())}, r2)
	require.NoError(t, err)

	require.Equal(t, fp1, fp2)
}

func TestCompute_UnsupportedValueRejected(t *testing.T) {
	schema := model.ParamSchema{Params: []model.ParamDef{{Name: "x"}}}
	type opaque struct{ A int }
	_, err := Compute("pkg.use", schema, model.Args{model.Positional(opaque{A: 1})}, nil)
	require.ErrorIs(t, err, ErrUnsupportedValue)
}

func TestCompute_NonDeterministicStillFingerprintsButCallerSkipsDedup(t *testing.T) {
	// Fingerprinting itself doesn't know about is_deterministic; the
	// executor/builder consult Pipe.IsDeterministic before doing a dedup
	// lookup (spec §4.1: "fingerprinting is performed but dedup lookup is
	// skipped"). This test just documents that Compute is agnostic to it.
	schema := model.ParamSchema{}
	fp1, err := Compute("pkg.rand", schema, nil, nil)
	require.NoError(t, err)
	fp2, err := Compute("pkg.rand", schema, nil, nil)
	require.NoError(t, err)
	require.Equal(t, fp1, fp2, "same empty-arg call fingerprints identically regardless of determinism")
}
