package types

import (
	"fmt"
	"slices"
	"strings"

	"github.com/matt-riley/flagtree/flags"
)

// Enum is a flag holding one member of a fixed, ordered set of names.
//
// Merge ignores its input and returns the receiver's own value; an
// enumeration has no natural way to combine two members.
type Enum[E ~string] struct {
	kind    flags.Kind
	name    string
	members *enumMembers[E]
	value   E
}

var _ flags.Typed[string, Enum[string]] = Enum[string]{}

type enumMembers[E ~string] struct {
	values []E
}

// NewEnum defines the enumeration kind id over members and returns an
// instance of it holding value. members must be non-empty, unique ignoring
// case, and contain value.
func NewEnum[E ~string](id flags.Kind, value E, members ...E) (Enum[E], error) {
	if len(members) == 0 {
		return Enum[E]{}, fmt.Errorf("enum flag %q: no members", id)
	}
	seen := make(map[string]struct{}, len(members))
	for _, m := range members {
		key := strings.ToLower(string(m))
		if _, dup := seen[key]; dup {
			return Enum[E]{}, fmt.Errorf("enum flag %q: duplicate member %q", id, m)
		}
		seen[key] = struct{}{}
	}
	if !slices.Contains(members, value) {
		return Enum[E]{}, fmt.Errorf("enum flag %q: default value %q is not a member", id, value)
	}
	return Enum[E]{
		kind:    id,
		name:    id.Name(),
		members: &enumMembers[E]{values: slices.Clone(members)},
		value:   value,
	}, nil
}

// MustEnum is NewEnum for package-level definitions; it panics on error.
func MustEnum[E ~string](id flags.Kind, value E, members ...E) Enum[E] {
	f, err := NewEnum(id, value, members...)
	if err != nil {
		panic(err)
	}
	return f
}

func (f Enum[E]) Kind() flags.Kind { return f.kind }
func (f Enum[E]) Name() string     { return f.name }
func (f Enum[E]) Value() E         { return f.value }

// Members returns the declared members in order.
func (f Enum[E]) Members() []E {
	if f.members == nil {
		return nil
	}
	return slices.Clone(f.members.values)
}

func (f Enum[E]) Serialize() string {
	return string(f.value)
}

func (f Enum[E]) String() string {
	return f.Serialize()
}

// Example returns the first declared member.
func (f Enum[E]) Example() string {
	if f.members == nil || len(f.members.values) == 0 {
		return ""
	}
	return string(f.members.values[0])
}

// Parse matches input against the member names, ignoring case.
func (f Enum[E]) Parse(input string) (Enum[E], error) {
	members := f.Members()
	names := make([]string, 0, len(members))
	for _, m := range members {
		if strings.EqualFold(string(m), input) {
			return f.WithValue(m), nil
		}
		names = append(names, string(m))
	}
	return Enum[E]{}, &flags.ParseError{Flag: f, Input: input, Cause: "value must be one of " + strings.Join(names, ",")}
}

func (f Enum[E]) ParseFlag(input string) (flags.Flag, error) {
	parsed, err := f.Parse(input)
	if err != nil {
		return nil, err
	}
	return parsed, nil
}

// Merge returns an instance holding the receiver's value; input is ignored.
func (f Enum[E]) Merge(E) Enum[E] {
	return f.WithValue(f.value)
}

func (f Enum[E]) WithValue(value E) Enum[E] {
	return Enum[E]{kind: f.kind, name: f.name, members: f.members, value: value}
}

func (f Enum[E]) Equal(other flags.Flag) bool {
	o, ok := other.(Enum[E])
	return ok && o.kind == f.kind && o.name == f.name && o.value == f.value
}
