package server

import (
	"context"
	"time"

	"github.com/matt-riley/flagtree/flags"
	"github.com/matt-riley/flagtree/internal/scope"
)

type Service interface {
	Definitions() []scope.Definition
	Scopes() []string
	Resolve(ctx context.Context, path, name string) (scope.Resolution, error)
	ResolveAll(ctx context.Context, path string) ([]scope.Resolution, error)
	SetOverride(ctx context.Context, path, name, value string) (flags.Flag, error)
	DeleteOverride(ctx context.Context, path, name string) (flags.Flag, bool, error)
	ClearScope(ctx context.Context, path string) error
	Watch(ctx context.Context) <-chan scope.Event
}

// Recorder receives per-request instrumentation. *metrics.Metrics satisfies
// it.
type Recorder interface {
	ObserveHTTPRequest(method, route string, status int, elapsed time.Duration)
	RecordResolution(flag string, local bool)
	StreamOpened(transport string) func()
}

var _ Service = (*scope.Service)(nil)
