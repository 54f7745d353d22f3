package dht

import "fmt"

// KeyKind enumerates the shapes a descriptor can require of a Dict value.
type KeyKind int

const (
	KindString KeyKind = iota
	KindInt
	KindDict
	KindList
)

// KeyDescriptor declares the shape one key of a query's argument dictionary
// must have. FixedLen, when non-zero, requires the string to have exactly
// that length (e.g. a 20-byte id). MaxLen, when non-zero, bounds a string's
// length without pinning it (e.g. a torrent name). Children describes the
// nested descriptor table used when Kind is KindDict, letting the validator
// descend into the nested dictionary.
type KeyDescriptor struct {
	Name     string
	Required bool
	Kind     KeyKind
	FixedLen int
	MaxLen   int
	Children []KeyDescriptor
}

// schemaError is a validation failure surfaced verbatim in a code-203 reply.
type schemaError struct {
	msg string
}

func (e *schemaError) Error() string { return e.msg }

func newSchemaError(format string, args ...any) error {
	return &schemaError{msg: fmt.Sprintf(format, args...)}
}

// isSchemaError reports whether err came from the validator, as opposed to
// some other internal failure that should not be echoed to an untrusted
// remote.
func isSchemaError(err error) bool {
	_, ok := err.(*schemaError)
	return ok
}

// validateDict walks value against descriptors, a small stack machine over
// the parsed tree: each descriptor either matches a leaf (string/int) or
// pushes a new frame to validate a nested dictionary's children. It is a
// first-class, declarative component precisely because every query handler
// in the dispatcher depends on it (spec.md Design Note "Dynamic dictionary
// validation").
func validateDict(value Dict, descriptors []KeyDescriptor) error {
	type frame struct {
		dict  Dict
		descs []KeyDescriptor
		path  string
	}
	stack := []frame{{dict: value, descs: descriptors, path: ""}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, d := range f.descs {
			raw, present := f.dict[d.Name]
			if !present {
				if d.Required {
					return newSchemaError("missing required key %q%s", d.Name, f.path)
				}
				continue
			}
			switch d.Kind {
			case KindString:
				s, ok := raw.(string)
				if !ok {
					return newSchemaError("key %q%s must be a string", d.Name, f.path)
				}
				if d.FixedLen != 0 && len(s) != d.FixedLen {
					return newSchemaError("key %q%s must be %d bytes, got %d", d.Name, f.path, d.FixedLen, len(s))
				}
				if d.MaxLen != 0 && len(s) > d.MaxLen {
					return newSchemaError("key %q%s exceeds max length %d", d.Name, f.path, d.MaxLen)
				}
			case KindInt:
				switch raw.(type) {
				case int, int64:
				default:
					return newSchemaError("key %q%s must be an integer", d.Name, f.path)
				}
			case KindList:
				if _, ok := raw.([]any); !ok {
					return newSchemaError("key %q%s must be a list", d.Name, f.path)
				}
			case KindDict:
				sub, ok := raw.(Dict)
				if !ok {
					if m, ok2 := raw.(map[string]any); ok2 {
						sub = Dict(m)
					} else {
						return newSchemaError("key %q%s must be a dictionary", d.Name, f.path)
					}
				}
				// A nested dictionary is checked against d.Children by
				// pushing a new frame rather than recursing, so a deeply
				// nested malformed message never grows the Go call stack.
				stack = append(stack, frame{dict: sub, descs: d.Children, path: f.path + "." + d.Name})
			}
		}
	}
	return nil
}

// AsInt normalizes the two integer shapes a decoded Dict may hand back
// (bencode-go decodes to int64; a hand-built test Dict may use int) into a
// single int64.
func AsInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	}
	return 0, false
}

// querySchemas is the declarative descriptor table for every query kind's
// argument dictionary, taken from the table in spec.md §6.
var querySchemas = map[string][]KeyDescriptor{
	"ping": {
		{Name: "id", Required: true, Kind: KindString, FixedLen: IDLen},
	},
	"find_node": {
		{Name: "id", Required: true, Kind: KindString, FixedLen: IDLen},
		{Name: "target", Required: true, Kind: KindString, FixedLen: IDLen},
	},
	"get_peers": {
		{Name: "id", Required: true, Kind: KindString, FixedLen: IDLen},
		{Name: "info_hash", Required: true, Kind: KindString, FixedLen: IDLen},
		{Name: "ifhpfxl", Required: false, Kind: KindInt},
	},
	"announce_peer": {
		{Name: "id", Required: true, Kind: KindString, FixedLen: IDLen},
		{Name: "info_hash", Required: true, Kind: KindString, FixedLen: IDLen},
		{Name: "port", Required: true, Kind: KindInt},
		{Name: "token", Required: true, Kind: KindString},
		{Name: "n", Required: false, Kind: KindString, MaxLen: 50},
	},
	"announce_item": {
		{Name: "id", Required: true, Kind: KindString, FixedLen: IDLen},
		{Name: "target", Required: true, Kind: KindString, FixedLen: IDLen},
		{Name: "token", Required: true, Kind: KindString},
		{Name: "sig", Required: true, Kind: KindString, FixedLen: SignatureLen},
		{Name: "head", Required: false, Kind: KindDict, Children: []KeyDescriptor{
			{Name: "n", Required: true, Kind: KindString, MaxLen: 50},
			{Name: "key", Required: true, Kind: KindString, FixedLen: PublicKeyLen},
			{Name: "seq", Required: true, Kind: KindInt},
		}},
		{Name: "item", Required: false, Kind: KindDict, Children: []KeyDescriptor{
			{Name: "key", Required: true, Kind: KindString, FixedLen: PublicKeyLen},
			{Name: "seq", Required: true, Kind: KindInt},
		}},
	},
	"get_item": {
		{Name: "id", Required: true, Kind: KindString, FixedLen: IDLen},
		{Name: "target", Required: true, Kind: KindString, FixedLen: IDLen},
		{Name: "key", Required: true, Kind: KindString, FixedLen: PublicKeyLen},
		{Name: "n", Required: false, Kind: KindString, MaxLen: 50},
	},
}
