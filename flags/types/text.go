package types

import "github.com/matt-riley/flagtree/flags"

// Text is a flag holding free-form text. Any input parses; Merge appends.
type Text struct {
	kind  flags.Kind
	name  string
	value string
}

var _ flags.Typed[string, Text] = Text{}

// NewText defines the text kind id and returns an instance of it holding
// value.
func NewText(id flags.Kind, value string) Text {
	return Text{kind: id, name: id.Name(), value: value}
}

func (f Text) Kind() flags.Kind  { return f.kind }
func (f Text) Name() string      { return f.name }
func (f Text) Value() string     { return f.value }
func (f Text) Example() string   { return "text" }
func (f Text) Serialize() string { return f.value }
func (f Text) String() string    { return f.value }

func (f Text) Parse(input string) (Text, error) {
	return f.WithValue(input), nil
}

func (f Text) ParseFlag(input string) (flags.Flag, error) {
	return f.WithValue(input), nil
}

func (f Text) Merge(input string) Text {
	return f.WithValue(f.value + input)
}

func (f Text) WithValue(value string) Text {
	return Text{kind: f.kind, name: f.name, value: value}
}

func (f Text) Equal(other flags.Flag) bool {
	o, ok := other.(Text)
	return ok && o == f
}
