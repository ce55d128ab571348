// Package types provides the common flag families: integers, real numbers,
// enumerations and free text. A flag kind is defined by constructing its
// default instance, e.g.
//
//	var MaxPlayers = types.NewInteger("MaxPlayersFlag", 10)
package types

import (
	"math"
	"strconv"

	"github.com/matt-riley/flagtree/flags"
)

// Integer is a flag holding an int. Merge adds.
type Integer struct {
	kind  flags.Kind
	name  string
	value int
}

var _ flags.Typed[int, Integer] = Integer{}

// NewInteger defines the integer kind id and returns an instance of it
// holding value.
func NewInteger(id flags.Kind, value int) Integer {
	return Integer{kind: id, name: id.Name(), value: value}
}

func (f Integer) Kind() flags.Kind { return f.kind }
func (f Integer) Name() string     { return f.name }
func (f Integer) Value() int       { return f.value }
func (f Integer) Example() string  { return "10" }

func (f Integer) Serialize() string {
	return strconv.Itoa(f.value)
}

func (f Integer) String() string {
	return f.Serialize()
}

// Parse reads a base-10 integer.
func (f Integer) Parse(input string) (Integer, error) {
	value, err := strconv.Atoi(input)
	if err != nil {
		return Integer{}, &flags.ParseError{Flag: f, Input: input, Cause: "value has to be an integer", Err: err}
	}
	return f.WithValue(value), nil
}

func (f Integer) ParseFlag(input string) (flags.Flag, error) {
	parsed, err := f.Parse(input)
	if err != nil {
		return nil, err
	}
	return parsed, nil
}

func (f Integer) Merge(input int) Integer {
	return f.WithValue(f.value + input)
}

func (f Integer) WithValue(value int) Integer {
	return Integer{kind: f.kind, name: f.name, value: value}
}

func (f Integer) Equal(other flags.Flag) bool {
	o, ok := other.(Integer)
	return ok && o == f
}

// Real is a flag holding a float64. Merge adds.
type Real struct {
	kind  flags.Kind
	name  string
	value float64
}

var _ flags.Typed[float64, Real] = Real{}

// NewReal defines the real-valued kind id and returns an instance of it
// holding value.
func NewReal(id flags.Kind, value float64) Real {
	return Real{kind: id, name: id.Name(), value: value}
}

func (f Real) Kind() flags.Kind { return f.kind }
func (f Real) Name() string     { return f.name }
func (f Real) Value() float64   { return f.value }
func (f Real) Example() string  { return "10.0" }

// Serialize uses the shortest representation that parses back to the same
// value.
func (f Real) Serialize() string {
	return strconv.FormatFloat(f.value, 'g', -1, 64)
}

func (f Real) String() string {
	return f.Serialize()
}

// Parse reads a decimal number.
func (f Real) Parse(input string) (Real, error) {
	value, err := strconv.ParseFloat(input, 64)
	if err != nil {
		return Real{}, &flags.ParseError{Flag: f, Input: input, Cause: "value has to be a decimal number", Err: err}
	}
	return f.WithValue(value), nil
}

func (f Real) ParseFlag(input string) (flags.Flag, error) {
	parsed, err := f.Parse(input)
	if err != nil {
		return nil, err
	}
	return parsed, nil
}

func (f Real) Merge(input float64) Real {
	return f.WithValue(f.value + input)
}

func (f Real) WithValue(value float64) Real {
	return Real{kind: f.kind, name: f.name, value: value}
}

// Equal treats NaN as equal to NaN so that a NaN value survives a
// Serialize/Parse round trip.
func (f Real) Equal(other flags.Flag) bool {
	o, ok := other.(Real)
	if !ok || o.kind != f.kind || o.name != f.name {
		return false
	}
	return o.value == f.value || (math.IsNaN(o.value) && math.IsNaN(f.value))
}
