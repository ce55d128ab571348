package flags

import (
	"fmt"
	"sort"
)

// UpdateType describes a change to a container's local flags.
type UpdateType int

const (
	// FlagAdded means the container held no local flag of that kind before.
	FlagAdded UpdateType = iota + 1
	// FlagRemoved means the local flag of that kind was removed.
	FlagRemoved
	// FlagUpdated means an existing local flag was replaced.
	FlagUpdated
)

func (u UpdateType) String() string {
	switch u {
	case FlagAdded:
		return "added"
	case FlagRemoved:
		return "removed"
	case FlagUpdated:
		return "updated"
	default:
		return fmt.Sprintf("UpdateType(%d)", int(u))
	}
}

// UpdateHandler receives change notifications from a container.
type UpdateHandler func(flag Flag, update UpdateType)

// Holder is anything that provides access to flags. Both *Container and
// *Registry implement it, and a container's parent is a Holder so that
// lookups reaching the registry use its stricter semantics.
type Holder interface {
	// Get returns the flag of the given kind from this holder or the
	// nearest ancestor that has one.
	Get(kind Kind) (Flag, error)
	// Find is Get without the error.
	Find(kind Kind) (Flag, bool)
	// QueryLocal never consults ancestors.
	QueryLocal(kind Kind) (Flag, bool)
	// Flags returns a copy of the local flags.
	Flags() map[Kind]Flag
	// RecognizedFlags returns the flags held by the highest holder.
	RecognizedFlags() []Flag
	Parent() Holder
	Highest() Holder
}

// Container holds local flag overrides and inherits everything else from its
// parent.
//
// A Container is not safe for concurrent use. Callers that share one between
// goroutines must serialise Add, Remove, Clear, Subscribe and SetParent
// against each other and against reads. Handlers run synchronously on the
// goroutine that made the change.
type Container struct {
	parent      Holder
	flags       map[Kind]Flag
	subscribers []UpdateHandler
}

// NewContainer returns an empty container. Only the top of a hierarchy may
// have a nil parent.
func NewContainer(parent Holder) *Container {
	return &Container{
		parent: parent,
		flags:  make(map[Kind]Flag),
	}
}

// Parent returns the parent holder, or nil at the top of the hierarchy.
func (c *Container) Parent() Holder {
	return c.parent
}

// SetParent re-points the container. It fails if parent is c itself or has c
// among its ancestors.
func (c *Container) SetParent(parent Holder) error {
	for p := parent; p != nil; p = p.Parent() {
		if pc, ok := p.(*Container); ok && pc == c {
			return ErrCyclicParent
		}
	}
	c.parent = parent
	return nil
}

// Highest returns the holder at the top of the parent chain.
func (c *Container) Highest() Holder {
	if c.parent != nil {
		return c.parent.Highest()
	}
	return c
}

// RecognizedFlags returns every flag held locally by the highest holder,
// sorted by name.
func (c *Container) RecognizedFlags() []Flag {
	local := c.Highest().Flags()
	out := make([]Flag, 0, len(local))
	for _, flag := range local {
		out = append(out, flag)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name() < out[j].Name()
	})
	return out
}

// Flags returns a copy of the local flags.
func (c *Container) Flags() map[Kind]Flag {
	out := make(map[Kind]Flag, len(c.flags))
	for kind, flag := range c.flags {
		out[kind] = flag
	}
	return out
}

// Get returns the local flag of the given kind, or delegates to the parent.
// Without a parent a miss fails with ErrUnknownFlagType.
func (c *Container) Get(kind Kind) (Flag, error) {
	if flag, ok := c.flags[kind]; ok {
		return flag, nil
	}
	if c.parent != nil {
		return c.parent.Get(kind)
	}
	return nil, fmt.Errorf("%w: could not find flag of type %q", ErrUnknownFlagType, kind)
}

// Find is like Get but reports a miss instead of failing.
func (c *Container) Find(kind Kind) (Flag, bool) {
	if flag, ok := c.flags[kind]; ok {
		return flag, true
	}
	if c.parent != nil {
		return c.parent.Find(kind)
	}
	return nil, false
}

// QueryLocal returns the local flag of the given kind without delegating.
func (c *Container) QueryLocal(kind Kind) (Flag, bool) {
	flag, ok := c.flags[kind]
	return flag, ok
}

// Subscribe registers h. Handlers are called in subscription order.
func (c *Container) Subscribe(h UpdateHandler) {
	c.subscribers = append(c.subscribers, h)
}

// Add stores flag as the local value for its kind and notifies subscribers
// with FlagAdded or FlagUpdated.
func (c *Container) Add(flag Flag) {
	kind := flag.Kind()
	_, existed := c.flags[kind]
	c.flags[kind] = flag

	update := FlagAdded
	if existed {
		update = FlagUpdated
	}
	c.notify(flag, update)
}

// AddAll adds each flag in order.
func (c *Container) AddAll(flags ...Flag) {
	for _, flag := range flags {
		c.Add(flag)
	}
}

// Remove deletes the local flag with the same kind as flag and returns the
// value that was stored. Subscribers receive FlagRemoved with the flag that
// was passed in, whether or not anything was stored.
func (c *Container) Remove(flag Flag) (Flag, bool) {
	kind := flag.Kind()
	previous, ok := c.flags[kind]
	delete(c.flags, kind)
	c.notify(flag, FlagRemoved)
	return previous, ok
}

// Clear removes every local flag. Parents are untouched and no subscriber
// is notified.
func (c *Container) Clear() {
	clear(c.flags)
}

func (c *Container) notify(flag Flag, update UpdateType) {
	for _, h := range c.subscribers {
		h(flag, update)
	}
}

// GetAs looks kind up in h and checks that the result is an F.
func GetAs[F Flag](h Holder, kind Kind) (F, error) {
	var zero F
	flag, err := h.Get(kind)
	if err != nil {
		return zero, err
	}
	typed, ok := flag.(F)
	if !ok {
		return zero, fmt.Errorf("%w: flag %q is %T, want %T", ErrKindMismatch, kind, flag, zero)
	}
	return typed, nil
}

// GetOf is GetAs using the kind of def, typically the default instance that
// defines the kind.
func GetOf[F Flag](h Holder, def F) (F, error) {
	return GetAs[F](h, def.Kind())
}

var (
	_ Holder = (*Container)(nil)
	_ Holder = (*Registry)(nil)
)
