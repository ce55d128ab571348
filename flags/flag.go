// Package flags defines typed, self-parsing attributes ("flags") and the
// containers that hold them.
//
// A flag kind is identified by a [Kind]. Instances of a kind are immutable
// values; every operation that changes a value returns a new instance.
// Containers map kinds to instances and delegate lookups to their parent, so
// a child scope inherits every value it does not override. The [Registry] sits
// at the top of every hierarchy and knows every kind defined in the process.
package flags

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Kind identifies a flag kind. All instances of the same kind share the same
// Kind regardless of their value.
type Kind string

// Name returns the flag name derived from the kind identifier.
func (k Kind) Name() string {
	return DeriveName(string(k))
}

// Flag is the type-erased view of a flag instance.
type Flag interface {
	Kind() Kind
	Name() string
	// Serialize returns text that ParseFlag turns back into an equal flag.
	Serialize() string
	// String returns Serialize().
	String() string
	// ParseFlag returns a new flag of the same kind holding the parsed
	// input. The receiver is not modified.
	ParseFlag(input string) (Flag, error)
	// Example returns a string that ParseFlag always accepts.
	Example() string
}

// Typed is the contract implemented by every concrete flag kind F with value
// type T.
type Typed[T any, F Flag] interface {
	Flag
	Value() T
	Parse(input string) (F, error)
	// Merge combines the receiver's value with input using the kind's
	// combination rule.
	Merge(input T) F
	// WithValue returns a sibling instance of the same kind holding value.
	WithValue(value T) F
}

const nameSuffix = "Flag"

// DeriveName turns a kind identifier such as "MaxPlayersFlag" into the flag
// name "max-players". One trailing "Flag" is stripped, the first character is
// lower-cased and every later upper-case character becomes a hyphen followed
// by its lower-case form.
func DeriveName(identifier string) string {
	identifier = strings.TrimSuffix(identifier, nameSuffix)

	var b strings.Builder
	b.Grow(len(identifier) + 4)
	for i, r := range []rune(identifier) {
		switch {
		case i == 0:
			b.WriteRune(unicode.ToLower(r))
		case unicode.IsUpper(r):
			b.WriteByte('-')
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Equal reports whether a and b are the same kind with the same name and
// value. Kinds that implement Equal(Flag) bool decide value equality
// themselves; others are compared by their serialized form.
func Equal(a, b Flag) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Kind() != b.Kind() || a.Name() != b.Name() {
		return false
	}
	if eq, ok := a.(interface{ Equal(Flag) bool }); ok {
		return eq.Equal(b)
	}
	return a.Serialize() == b.Serialize()
}

// ParseError reports input that is not a valid value for a flag kind.
type ParseError struct {
	Flag  Flag
	Input string
	Cause string
	Err   error
}

func (e *ParseError) Error() string {
	name := ""
	if e.Flag != nil {
		name = e.Flag.Name()
	}
	return fmt.Sprintf("failed to parse flag of type %s: value %q was not accepted: %s", name, e.Input, e.Cause)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

var (
	// ErrUnknownFlagType is returned when no container in a hierarchy holds
	// the requested kind.
	ErrUnknownFlagType = errors.New("unknown flag type")
	// ErrUnregisteredFlagType is returned by the registry for kinds that were
	// never registered. It matches ErrUnknownFlagType as well.
	ErrUnregisteredFlagType = fmt.Errorf("unregistered flag type (%w)", ErrUnknownFlagType)
	// ErrKindMismatch is returned by GetAs when the stored flag is not of the
	// requested Go type.
	ErrKindMismatch = errors.New("flag kind mismatch")
	// ErrRootParent is returned when re-pointing the registry's parent.
	ErrRootParent = errors.New("registry cannot have a parent")
	// ErrCyclicParent is returned when a new parent would create a cycle.
	ErrCyclicParent = errors.New("parent would create a cycle")
)

// IsParseError reports whether err is, or wraps, a *ParseError.
func IsParseError(err error) bool {
	var parseErr *ParseError
	return errors.As(err, &parseErr)
}
