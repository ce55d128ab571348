package flags

import (
	"fmt"
	"strings"
)

// Registry is the parent-less container at the top of every hierarchy. It
// holds the default instance of every flag kind defined in the process and
// indexes kinds by name.
//
// A Registry has the same concurrency rules as Container; the name index is
// updated from the registry's own Add notifications.
type Registry struct {
	*Container
	names map[string]Kind
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{
		Container: NewContainer(nil),
		names:     make(map[string]Kind),
	}
	r.Subscribe(func(flag Flag, update UpdateType) {
		// Names derive from the kind, so updates never change them.
		if update == FlagAdded {
			r.names[strings.ToLower(flag.Name())] = flag.Kind()
		}
	})
	return r
}

// Get returns the registered flag of the given kind. Every kind must be
// registered, so a miss fails with ErrUnregisteredFlagType.
func (r *Registry) Get(kind Kind) (Flag, error) {
	if flag, ok := r.Container.Find(kind); ok {
		return flag, nil
	}
	return nil, fmt.Errorf("%w: unrecognized flag %q; all flag types must be present in the registry", ErrUnregisteredFlagType, kind)
}

// Parent always returns nil.
func (r *Registry) Parent() Holder {
	return nil
}

// SetParent always fails with ErrRootParent.
func (r *Registry) SetParent(Holder) error {
	return ErrRootParent
}

// Highest returns r.
func (r *Registry) Highest() Holder {
	return r
}

// RecognizedFlags returns every registered flag sorted by name.
func (r *Registry) RecognizedFlags() []Flag {
	return r.Container.RecognizedFlags()
}

// KindFromName looks up a kind by flag name, ignoring case.
func (r *Registry) KindFromName(name string) (Kind, bool) {
	kind, ok := r.names[strings.ToLower(name)]
	return kind, ok
}

// FlagFromName returns the registered flag with the given name. Unknown names
// fail with ErrUnregisteredFlagType.
func (r *Registry) FlagFromName(name string) (Flag, error) {
	kind, ok := r.KindFromName(name)
	if !ok {
		return nil, fmt.Errorf("%w: no flag named %q", ErrUnregisteredFlagType, name)
	}
	return r.Get(kind)
}
