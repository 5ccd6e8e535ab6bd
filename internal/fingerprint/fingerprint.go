// Package fingerprint computes the deterministic digest that drives
// dedup across the engine (spec §4.1): a cryptographic hash over the tuple
// (Pipe identity, normalized positional arguments, normalized keyword
// arguments). Fingerprint equality is the only dedup key; nothing else
// (path, description, timestamps) participates.
//
// Grounded on internal/core/hasher.go and internal/dag/taskdef_hash.go's
// length-prefixed sha256 canonical-encoding pattern, generalized from
// shell-task hashing to pipe-argument hashing.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"sort"

	"pipeweave/internal/model"
)

// Fingerprint is the hex-encoded digest.
type Fingerprint string

func (f Fingerprint) String() string { return string(f) }

// Resolver supplies the data fingerprinting needs for reference-typed
// arguments (Resource, FileResource) without the fingerprint package
// depending on the store.
type Resolver interface {
	// ResourceFingerprint returns the fingerprint of the Task that produced
	// the given Resource id, plus its output ordinal.
	ResourceFingerprint(id model.ID) (parent Fingerprint, ordinal int, err error)
	// FileResourceMD5 returns the stored MD5 of the given FileResource id.
	FileResourceMD5(id model.ID) (md5 string, err error)
}

// Set marks a literal value as set-valued: order is insignificant and
// elements are canonicalized by their sorted element encodings rather than
// positional order (spec §4.1 rule 2, "sets by sorted element hashes").
type Set []any

// ErrUnsupportedValue is returned when a literal argument's Go type is
// outside the closed set of fingerprintable kinds (spec §9 open question:
// "implementations must define a closed set of supported value kinds and
// reject the rest").
var ErrUnsupportedValue = fmt.Errorf("fingerprint: unsupported value kind")

func lengthPrefixed(h hash.Hash) func([]byte) {
	return func(data []byte) {
		n := uint64(len(data))
		var lb [8]byte
		for i := 0; i < 8; i++ {
			lb[i] = byte(n >> uint(56-8*i))
		}
		h.Write(lb[:])
		h.Write(data)
	}
}

// Compute produces the deterministic fingerprint for invoking the pipe
// identified by identityKey, whose argument schema is schema, with the
// bound arguments args.
func Compute(identityKey string, schema model.ParamSchema, args model.Args, r Resolver) (Fingerprint, error) {
	norm, err := normalize(schema, args)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	write := lengthPrefixed(h)

	write([]byte(identityKey))
	write([]byte{byte(len(norm))})
	for _, nv := range norm {
		write([]byte(nv.name))
		if err := encodeValue(write, nv.value, r); err != nil {
			return "", fmt.Errorf("fingerprint: argument %q: %w", nv.name, err)
		}
	}

	return Fingerprint(hex.EncodeToString(h.Sum(nil))), nil
}

type namedValue struct {
	name  string
	value any
}

// normalize applies spec §4.1 rule 1: missing parameters receive declared
// defaults, positional/keyword equivalences are unified by name, and
// variadic captures become an ordered trailing sequence.
func normalize(schema model.ParamSchema, args model.Args) ([]namedValue, error) {
	byName := make(map[string]model.Arg, len(args))
	var positional []model.Arg
	for _, a := range args {
		if a.Name != "" {
			byName[a.Name] = a
		} else {
			positional = append(positional, a)
		}
	}

	declared := schema.Params
	out := make([]namedValue, 0, len(declared)+1)

	pi := 0
	for _, p := range declared {
		var arg model.Arg
		var ok bool
		if kw, present := byName[p.Name]; present {
			arg, ok = kw, true
			delete(byName, p.Name)
		} else if pi < len(positional) {
			arg, ok = positional[pi], true
			pi++
		}
		if !ok {
			if !p.HasDefault {
				return nil, fmt.Errorf("fingerprint: missing required argument %q", p.Name)
			}
			out = append(out, namedValue{name: p.Name, value: p.Default})
			continue
		}
		v, err := argToValue(arg)
		if err != nil {
			return nil, err
		}
		out = append(out, namedValue{name: p.Name, value: v})
	}

	// Leftover positional args become the variadic tail, in call order.
	if pi < len(positional) {
		if !schema.Variadic {
			return nil, fmt.Errorf("fingerprint: %d extra positional argument(s) for non-variadic pipe", len(positional)-pi)
		}
		var tail []any
		for ; pi < len(positional); pi++ {
			v, err := argToValue(positional[pi])
			if err != nil {
				return nil, err
			}
			tail = append(tail, v)
		}
		out = append(out, namedValue{name: "*args", value: tail})
	}

	// Any remaining named args not matched to a declared parameter are
	// rejected: the schema is the single source of truth for shape.
	if len(byName) > 0 {
		names := make([]string, 0, len(byName))
		for n := range byName {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("fingerprint: unexpected keyword argument(s): %v", names)
	}

	return out, nil
}

// argToValue extracts the fingerprintable payload from a bound Arg. Resource
// and FileResource references are kept as their ids; the actual
// canonicalization against the producing task/MD5 happens in encodeValue,
// which has access to the Resolver.
func argToValue(a model.Arg) (any, error) {
	switch a.Kind {
	case model.ArgLiteral:
		return a.Literal, nil
	case model.ArgResource:
		return resourceRef{id: a.ResourceID}, nil
	case model.ArgFileResource:
		return fileResourceRef{id: a.FileResourceID}, nil
	default:
		return nil, fmt.Errorf("%w: argument kind %d is not fingerprintable directly (virtual args must be resolved first)", ErrUnsupportedValue, a.Kind)
	}
}

type resourceRef struct{ id model.ID }
type fileResourceRef struct{ id model.ID }

// encodeValue canonicalizes v by kind per spec §4.1 rule 2 and writes it
// through write.
func encodeValue(write func([]byte), v any, r Resolver) error {
	switch x := v.(type) {
	case nil:
		write([]byte("n"))
		return nil
	case bool:
		write([]byte("b"))
		if x {
			write([]byte{1})
		} else {
			write([]byte{0})
		}
		return nil
	case string:
		write([]byte("s"))
		write([]byte(x))
		return nil
	case []byte:
		write([]byte("x"))
		write(x)
		return nil
	case int:
		return encodeValue(write, int64(x), r)
	case int32:
		return encodeValue(write, int64(x), r)
	case int64:
		write([]byte("i"))
		write(encodeInt64(x))
		return nil
	case uint:
		return encodeValue(write, uint64(x), r)
	case uint64:
		write([]byte("u"))
		write(encodeUint64(x))
		return nil
	case float64:
		write([]byte("f"))
		write(encodeUint64(uint64(int64(x*1e9))))
		return nil
	case []any:
		write([]byte("q")) // ordered sequence
		write([]byte{byte(len(x))})
		for _, e := range x {
			if err := encodeValue(write, e, r); err != nil {
				return err
			}
		}
		return nil
	case Set:
		write([]byte("e")) // set
		encoded := make([][]byte, 0, len(x))
		for _, e := range x {
			h := sha256.New()
			ew := lengthPrefixed(h)
			if err := encodeValue(ew, e, r); err != nil {
				return err
			}
			encoded = append(encoded, h.Sum(nil))
		}
		sort.Slice(encoded, func(i, j int) bool { return string(encoded[i]) < string(encoded[j]) })
		write([]byte{byte(len(encoded))})
		for _, e := range encoded {
			write(e)
		}
		return nil
	case map[string]any:
		write([]byte("m")) // mapping
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		write([]byte{byte(len(keys))})
		for _, k := range keys {
			write([]byte(k))
			if err := encodeValue(write, x[k], r); err != nil {
				return err
			}
		}
		return nil
	case resourceRef:
		if r == nil {
			return fmt.Errorf("fingerprint: resource reference requires a resolver")
		}
		parentFP, ordinal, err := r.ResourceFingerprint(x.id)
		if err != nil {
			return err
		}
		write([]byte("r"))
		write([]byte(parentFP))
		write([]byte{byte(ordinal)})
		return nil
	case fileResourceRef:
		if r == nil {
			return fmt.Errorf("fingerprint: file resource reference requires a resolver")
		}
		md5, err := r.FileResourceMD5(x.id)
		if err != nil {
			return err
		}
		write([]byte("p"))
		write([]byte(md5))
		return nil
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
}

func encodeInt64(v int64) []byte {
	return encodeUint64(uint64(v))
}

func encodeUint64(v uint64) []byte {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> uint(56-8*i))
	}
	return b[:]
}
