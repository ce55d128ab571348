// Package flagtree provides client interfaces and types for the flagtree
// scoped flag service.
//
// Use the sub-packages to create transport-specific clients:
//
//	import flagtreehttp "github.com/matt-riley/flagtree/clients/go/http"
//	import flagtreegrpc "github.com/matt-riley/flagtree/clients/go/grpc"
package flagtree

import "context"

// Resolver reads flag definitions and effective values.
type Resolver interface {
	ListFlags(ctx context.Context) ([]Definition, error)
	Resolve(ctx context.Context, scope, flag string) (Resolution, error)
}

// OverrideManager sets and removes scope-local overrides.
type OverrideManager interface {
	SetOverride(ctx context.Context, scope, flag, value string) (Resolution, error)
	// DeleteOverride reports whether the scope held an override to remove.
	DeleteOverride(ctx context.Context, scope, flag string) (bool, error)
}

// Watcher delivers override changes for a scope and its descendants. An
// empty scope watches everything.
// The returned channel is closed when ctx is cancelled or the connection drops.
type Watcher interface {
	Watch(ctx context.Context, scope string) (<-chan Event, error)
}

// Client is implemented by both transports.
type Client interface {
	Resolver
	OverrideManager
	Watcher
}

// Definition describes a flag the server recognises.
type Definition struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Default string `json:"default"`
	Example string `json:"example"`
}

// Resolution is the effective value of a flag in a scope.
type Resolution struct {
	Scope string `json:"scope"`
	Flag  string `json:"flag"`
	Kind  string `json:"kind"`
	Value string `json:"value"`
	// Local is true when Scope holds the value itself.
	Local bool `json:"local"`
	// Source is the scope the value came from; empty means the default.
	Source string `json:"source"`
}

// Event is a change notification.
type Event struct {
	ID     int64  `json:"-"`
	Scope  string `json:"scope"`
	Flag   string `json:"flag"`
	Value  string `json:"value"`
	Update string `json:"update"` // "added" | "updated" | "removed" | "error"
	Error  string `json:"error,omitempty"`
}
