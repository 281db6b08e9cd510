package operations

import (
	"fmt"
	"sort"

	"github.com/davidroman0O/blockflow/errors"
)

// ArgKind tags the variant held by an Arg
type ArgKind string

const (
	KindString ArgKind = "string"
	KindInt    ArgKind = "int"
	KindBool   ArgKind = "bool"
	KindID     ArgKind = "id"
	KindList   ArgKind = "list"
	KindMap    ArgKind = "map"
)

// Arg is a tagged union of the values an operation can be called with.
// Only the field matching Kind is meaningful.
type Arg struct {
	Kind ArgKind        `json:"kind"`
	Str  string         `json:"str,omitempty"`
	Int  int64          `json:"int,omitempty"`
	Bool bool           `json:"bool,omitempty"`
	ID   string         `json:"id,omitempty"`
	List []Arg          `json:"list,omitempty"`
	Map  map[string]Arg `json:"map,omitempty"`
}

func String(s string) Arg { return Arg{Kind: KindString, Str: s} }
func Int(n int64) Arg     { return Arg{Kind: KindInt, Int: n} }
func Bool(b bool) Arg     { return Arg{Kind: KindBool, Bool: b} }
func ID(id string) Arg    { return Arg{Kind: KindID, ID: id} }
func List(items ...Arg) Arg {
	return Arg{Kind: KindList, List: items}
}
func Map(m map[string]Arg) Arg { return Arg{Kind: KindMap, Map: m} }

// IDs builds a list of identifiers
func IDs(ids ...string) Arg {
	items := make([]Arg, len(ids))
	for i, id := range ids {
		items[i] = ID(id)
	}
	return List(items...)
}

// Strings builds a list of strings
func Strings(values ...string) Arg {
	items := make([]Arg, len(values))
	for i, v := range values {
		items[i] = String(v)
	}
	return List(items...)
}

// Value returns the Go value carried by the arg, for logging
func (a Arg) Value() interface{} {
	switch a.Kind {
	case KindString:
		return a.Str
	case KindInt:
		return a.Int
	case KindBool:
		return a.Bool
	case KindID:
		return a.ID
	case KindList:
		out := make([]interface{}, len(a.List))
		for i, item := range a.List {
			out[i] = item.Value()
		}
		return out
	case KindMap:
		out := make(map[string]interface{}, len(a.Map))
		for k, v := range a.Map {
			out[k] = v.Value()
		}
		return out
	}
	return nil
}

// Args are the named arguments of a descriptor
type Args map[string]Arg

// Names returns the argument names in order
func (a Args) Names() []string {
	names := make([]string, 0, len(a))
	for n := range a {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (a Args) get(name string, kind ArgKind) (Arg, error) {
	arg, ok := a[name]
	if !ok {
		return Arg{}, errors.Newf(errors.ErrInvalidInput, "missing argument %q", name)
	}
	if arg.Kind != kind {
		return Arg{}, errors.Newf(errors.ErrInvalidInput, "argument %q is %s, expected %s", name, arg.Kind, kind)
	}
	return arg, nil
}

func (a Args) String(name string) (string, error) {
	arg, err := a.get(name, KindString)
	return arg.Str, err
}

func (a Args) Int(name string) (int64, error) {
	arg, err := a.get(name, KindInt)
	return arg.Int, err
}

func (a Args) Bool(name string) (bool, error) {
	arg, err := a.get(name, KindBool)
	return arg.Bool, err
}

func (a Args) ID(name string) (string, error) {
	arg, err := a.get(name, KindID)
	return arg.ID, err
}

// Optional returns the string or identifier stored under name, or "".
func (a Args) Optional(name string) string {
	arg, ok := a[name]
	if !ok {
		return ""
	}
	switch arg.Kind {
	case KindID:
		return arg.ID
	case KindString:
		return arg.Str
	}
	return ""
}

// IDs returns a list argument whose items are identifiers
func (a Args) IDs(name string) ([]string, error) {
	arg, err := a.get(name, KindList)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(arg.List))
	for i, item := range arg.List {
		if item.Kind != KindID {
			return nil, errors.Newf(errors.ErrInvalidInput, "argument %q item %d is %s, expected id", name, i, item.Kind)
		}
		out = append(out, item.ID)
	}
	return out, nil
}

// Strings returns a list argument whose items are strings
func (a Args) Strings(name string) ([]string, error) {
	arg, err := a.get(name, KindList)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(arg.List))
	for i, item := range arg.List {
		if item.Kind != KindString {
			return nil, errors.Newf(errors.ErrInvalidInput, "argument %q item %d is %s, expected string", name, i, item.Kind)
		}
		out = append(out, item.Str)
	}
	return out, nil
}

// Map returns a map argument
func (a Args) Map(name string) (map[string]Arg, error) {
	arg, err := a.get(name, KindMap)
	return arg.Map, err
}

// Describe renders the args for logs
func (a Args) Describe() string {
	s := ""
	for i, n := range a.Names() {
		if i > 0 {
			s += " "
		}
		s += fmt.Sprintf("%s=%v", n, a[n].Value())
	}
	return s
}
