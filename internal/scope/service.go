// Package scope hosts the flag registry and a tree of named scopes built from
// flag containers. A scope path such as "world/nether" maps to a container
// parented on "world", which is parented on the registry. Overrides set on a
// scope are visible to every scope beneath it unless overridden again.
package scope

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/matt-riley/flagtree/flags"
	"github.com/matt-riley/flagtree/internal/repository"
)

const (
	// Root is the path of the registry itself. It holds defaults only.
	Root = ""

	maxScopeDepth         = 16
	maxSegmentLength      = 64
	defaultResyncInterval = time.Minute
	reloadTimeout         = 5 * time.Second
	watchBuffer           = 64
)

var (
	ErrUnknownFlag   = errors.New("unknown flag")
	ErrInvalidScope  = errors.New("invalid scope")
	ErrRootScope     = errors.New("the root scope holds defaults only")
	ErrNilRegistry   = errors.New("registry is nil")
	segmentPattern   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)
	errScopeTooDeep  = fmt.Errorf("%w: more than %d segments", ErrInvalidScope, maxScopeDepth)
	errEmptySegment  = fmt.Errorf("%w: empty segment", ErrInvalidScope)
	errSegmentLength = fmt.Errorf("%w: segment longer than %d characters", ErrInvalidScope, maxSegmentLength)
)

// Repository persists overrides. *repository.PostgresRepository satisfies it.
type Repository interface {
	ListOverrides(ctx context.Context) ([]repository.Override, error)
	UpsertOverride(ctx context.Context, o repository.Override) (repository.Override, error)
	DeleteOverride(ctx context.Context, scope, flagName string) error
	DeleteScope(ctx context.Context, scope string) error
}

type invalidationSubscriber interface {
	SubscribeOverrideInvalidation(ctx context.Context) (<-chan struct{}, error)
}

// Resolution is the effective value of a flag in a scope.
type Resolution struct {
	Scope string     `json:"scope"`
	Flag  flags.Flag `json:"-"`
	// Local reports whether the value is set on Scope itself.
	Local bool `json:"local"`
	// Source is the scope the value was inherited from, or Root for the
	// registered default.
	Source string `json:"source"`
}

// Definition describes a registered flag kind.
type Definition struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Default string `json:"default"`
	Example string `json:"example"`
}

// Event is a container update notification tagged with its scope.
type Event struct {
	Scope  string
	Flag   flags.Flag
	Update flags.UpdateType
}

// Hooks are optional callbacks for instrumentation. Nil fields are ignored.
type Hooks struct {
	OnReload       func()
	OnInvalidation func()
	OnScopes       func(count int)
	OnParseFailure func(name string)
}

// Option configures a [Service].
type Option func(*Service)

// WithRepository persists overrides and replays them on construction.
func WithRepository(repo Repository) Option {
	return func(s *Service) { s.repo = repo }
}

// WithLogger sets the logger. The default is [slog.Default].
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithHooks installs instrumentation callbacks.
func WithHooks(h Hooks) Option {
	return func(s *Service) { s.hooks = h }
}

// WithResyncInterval sets how often overrides are reloaded from the
// repository even without an invalidation. Non-positive values keep the
// default of one minute.
func WithResyncInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.resyncInterval = d
		}
	}
}

// Service owns a registry and every scope container created under it.
//
// The registry must be fully populated before it is passed to New. Name
// lookups and definition listings read it without locking, so nothing may
// register further kinds while the service is in use.
type Service struct {
	registry       *flags.Registry
	repo           Repository
	logger         *slog.Logger
	hooks          Hooks
	resyncInterval time.Duration

	// writeMu serialises mutations including their repository round trip.
	writeMu sync.Mutex
	mu      sync.RWMutex
	scopes  map[string]*flags.Container

	watchMu  sync.Mutex
	watchers map[chan Event]struct{}
}

// New builds a service around reg. When a repository is configured its
// overrides are loaded before New returns, and if it supports invalidation
// the service keeps itself in sync until ctx is done.
func New(ctx context.Context, reg *flags.Registry, opts ...Option) (*Service, error) {
	if reg == nil {
		return nil, ErrNilRegistry
	}

	s := &Service{
		registry:       reg,
		logger:         slog.Default(),
		resyncInterval: defaultResyncInterval,
		scopes:         make(map[string]*flags.Container),
		watchers:       make(map[chan Event]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.repo == nil {
		return s, nil
	}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	if subscriber, ok := s.repo.(invalidationSubscriber); ok {
		if err := s.startInvalidationListener(ctx, subscriber); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Registry returns the registry backing the root scope.
func (s *Service) Registry() *flags.Registry {
	return s.registry
}

// Definitions lists every registered flag with its default and an example
// input, ordered by name.
func (s *Service) Definitions() []Definition {
	recognized := s.registry.RecognizedFlags()
	defs := make([]Definition, 0, len(recognized))
	for _, f := range recognized {
		defs = append(defs, Definition{
			Name:    f.Name(),
			Kind:    string(f.Kind()),
			Default: f.Serialize(),
			Example: f.Example(),
		})
	}
	return defs
}

// Scopes returns every scope that has been created, sorted.
func (s *Service) Scopes() []string {
	s.mu.RLock()
	paths := make([]string, 0, len(s.scopes))
	for path := range s.scopes {
		paths = append(paths, path)
	}
	s.mu.RUnlock()

	sort.Strings(paths)
	return paths
}

// Resolve returns the effective value of the named flag in scope. Scopes that
// were never written resolve through their nearest existing ancestor.
func (s *Service) Resolve(ctx context.Context, scope, name string) (Resolution, error) {
	if err := ctx.Err(); err != nil {
		return Resolution{}, err
	}
	path, err := NormalizePath(scope)
	if err != nil {
		return Resolution{}, err
	}
	kind, err := s.kindFromName(name)
	if err != nil {
		return Resolution{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.resolveLocked(path, kind)
}

// ResolveAll resolves every registered flag in scope, ordered by name.
func (s *Service) ResolveAll(ctx context.Context, scope string) ([]Resolution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := NormalizePath(scope)
	if err != nil {
		return nil, err
	}

	recognized := s.registry.RecognizedFlags()

	s.mu.RLock()
	defer s.mu.RUnlock()

	resolutions := make([]Resolution, 0, len(recognized))
	for _, f := range recognized {
		r, err := s.resolveLocked(path, f.Kind())
		if err != nil {
			return nil, err
		}
		resolutions = append(resolutions, r)
	}
	return resolutions, nil
}

func (s *Service) resolveLocked(path string, kind flags.Kind) (Resolution, error) {
	holder, at := s.nearestLocked(path)
	f, err := holder.Get(kind)
	if err != nil {
		return Resolution{}, err
	}

	res := Resolution{Scope: path, Flag: f, Source: Root}
	for candidate := at; candidate != Root; candidate = parentPath(candidate) {
		if _, ok := s.scopes[candidate].QueryLocal(kind); ok {
			res.Source = candidate
			break
		}
	}
	res.Local = path != Root && res.Source == path
	return res, nil
}

// nearestLocked returns the deepest existing holder on path and its scope.
func (s *Service) nearestLocked(path string) (flags.Holder, string) {
	for candidate := path; candidate != Root; candidate = parentPath(candidate) {
		if c, ok := s.scopes[candidate]; ok {
			return c, candidate
		}
	}
	return s.registry, Root
}

// SetOverride parses value with the named flag's registered default and sets
// the result on scope, creating the scope and its ancestors as needed.
// Invalid values return a *flags.ParseError.
func (s *Service) SetOverride(ctx context.Context, scope, name, value string) (flags.Flag, error) {
	path, err := writablePath(scope)
	if err != nil {
		return nil, err
	}
	def, err := s.flagFromName(name)
	if err != nil {
		return nil, err
	}
	parsed, err := def.ParseFlag(value)
	if err != nil {
		s.parseFailed(def.Name())
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.repo != nil {
		if _, err := s.repo.UpsertOverride(ctx, repository.Override{
			Scope:    path,
			FlagName: parsed.Name(),
			Value:    parsed.Serialize(),
		}); err != nil {
			return nil, fmt.Errorf("persist override: %w", err)
		}
	}

	s.mu.Lock()
	s.ensureLocked(path).Add(parsed)
	s.mu.Unlock()

	s.logger.Debug("override set", "scope", path, "flag", parsed.Name(), "value", parsed.Serialize())
	return parsed, nil
}

// DeleteOverride removes the named flag's local override from scope. The
// boolean reports whether there was one.
func (s *Service) DeleteOverride(ctx context.Context, scope, name string) (flags.Flag, bool, error) {
	path, err := writablePath(scope)
	if err != nil {
		return nil, false, err
	}
	kind, err := s.kindFromName(name)
	if err != nil {
		return nil, false, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	c, ok := s.scopes[path]
	var existing flags.Flag
	if ok {
		existing, ok = c.QueryLocal(kind)
	}
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	if s.repo != nil {
		if err := s.repo.DeleteOverride(ctx, path, existing.Name()); err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, fmt.Errorf("delete override: %w", err)
		}
	}

	s.mu.Lock()
	removed, _ := c.Remove(existing)
	s.mu.Unlock()

	s.logger.Debug("override deleted", "scope", path, "flag", removed.Name())
	return removed, true, nil
}

// ClearScope drops every local override on scope. Descendant scopes keep
// theirs. Clearing does not notify watchers.
func (s *Service) ClearScope(ctx context.Context, scope string) error {
	path, err := writablePath(scope)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.repo != nil {
		if err := s.repo.DeleteScope(ctx, path); err != nil {
			return fmt.Errorf("clear scope: %w", err)
		}
	}

	s.mu.Lock()
	if c, ok := s.scopes[path]; ok {
		c.Clear()
	}
	s.mu.Unlock()

	s.logger.Debug("scope cleared", "scope", path)
	return nil
}

// Watch returns a channel of update events from every scope. Events are
// dropped for a watcher that falls behind. The channel is closed when ctx is
// done.
func (s *Service) Watch(ctx context.Context) <-chan Event {
	ch := make(chan Event, watchBuffer)

	s.watchMu.Lock()
	s.watchers[ch] = struct{}{}
	s.watchMu.Unlock()

	go func() {
		<-ctx.Done()
		s.watchMu.Lock()
		delete(s.watchers, ch)
		close(ch)
		s.watchMu.Unlock()
	}()

	return ch
}

func (s *Service) broadcast(e Event) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	for ch := range s.watchers {
		select {
		case ch <- e:
		default:
		}
	}
}

// Reload replaces the in-memory overrides with the repository's. Only the
// differences are applied, so watchers see one event per changed flag.
// Stored values that no longer parse are skipped.
func (s *Service) Reload(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	overrides, err := s.repo.ListOverrides(ctx)
	if err != nil {
		return fmt.Errorf("load overrides: %w", err)
	}
	if s.hooks.OnReload != nil {
		s.hooks.OnReload()
	}

	desired := make(map[string]map[flags.Kind]flags.Flag)
	for _, o := range overrides {
		f, err := s.decode(o)
		if err != nil {
			s.logger.Warn("skipping stored override", "scope", o.Scope, "flag", o.FlagName, "error", err)
			continue
		}
		if desired[o.Scope] == nil {
			desired[o.Scope] = make(map[flags.Kind]flags.Flag)
		}
		desired[o.Scope][f.Kind()] = f
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, path := range sortedKeys(s.scopes) {
		c := s.scopes[path]
		want := desired[path]
		for _, f := range sortedFlags(c.Flags()) {
			if _, keep := want[f.Kind()]; !keep {
				c.Remove(f)
			}
		}
	}
	for _, path := range sortedKeys(desired) {
		c := s.ensureLocked(path)
		for _, f := range sortedFlags(desired[path]) {
			if current, ok := c.QueryLocal(f.Kind()); ok && flags.Equal(current, f) {
				continue
			}
			c.Add(f)
		}
	}

	if s.hooks.OnScopes != nil {
		s.hooks.OnScopes(len(s.scopes))
	}
	return nil
}

func (s *Service) decode(o repository.Override) (flags.Flag, error) {
	path, err := writablePath(o.Scope)
	if err != nil {
		return nil, err
	}
	if path != o.Scope {
		return nil, fmt.Errorf("%w: %q is not normalized", ErrInvalidScope, o.Scope)
	}
	def, err := s.flagFromName(o.FlagName)
	if err != nil {
		return nil, err
	}
	f, err := def.ParseFlag(o.Value)
	if err != nil {
		s.parseFailed(def.Name())
		return nil, err
	}
	return f, nil
}

// ensureLocked returns the container for path, creating it and any missing
// ancestors. s.mu must be held for writing.
func (s *Service) ensureLocked(path string) *flags.Container {
	if c, ok := s.scopes[path]; ok {
		return c
	}

	var parent flags.Holder = s.registry
	if p := parentPath(path); p != Root {
		parent = s.ensureLocked(p)
	}

	c := flags.NewContainer(parent)
	c.Subscribe(func(f flags.Flag, update flags.UpdateType) {
		s.broadcast(Event{Scope: path, Flag: f, Update: update})
	})
	s.scopes[path] = c

	if s.hooks.OnScopes != nil {
		s.hooks.OnScopes(len(s.scopes))
	}
	return c
}

func (s *Service) kindFromName(name string) (flags.Kind, error) {
	kind, ok := s.registry.KindFromName(strings.TrimSpace(name))
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownFlag, name)
	}
	return kind, nil
}

func (s *Service) flagFromName(name string) (flags.Flag, error) {
	f, err := s.registry.FlagFromName(strings.TrimSpace(name))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFlag, name)
	}
	return f, nil
}

func (s *Service) parseFailed(name string) {
	if s.hooks.OnParseFailure != nil {
		s.hooks.OnParseFailure(name)
	}
}

func (s *Service) startInvalidationListener(ctx context.Context, subscriber invalidationSubscriber) error {
	invalidations, err := subscriber.SubscribeOverrideInvalidation(ctx)
	if err != nil {
		return fmt.Errorf("subscribe override invalidation: %w", err)
	}

	go func() {
		resyncTicker := time.NewTicker(s.resyncInterval)
		defer resyncTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-resyncTicker.C:
				if invalidations == nil {
					next, err := subscriber.SubscribeOverrideInvalidation(ctx)
					if err == nil {
						invalidations = next
					}
				}
				s.reload(ctx)
			case _, ok := <-invalidations:
				if !ok {
					next, err := subscriber.SubscribeOverrideInvalidation(ctx)
					if err != nil {
						invalidations = nil
						continue
					}
					invalidations = next
					continue
				}
				if s.hooks.OnInvalidation != nil {
					s.hooks.OnInvalidation()
				}
				s.reload(ctx)
			}
		}
	}()

	return nil
}

func (s *Service) reload(ctx context.Context) {
	reloadCtx, cancel := context.WithTimeout(ctx, reloadTimeout)
	defer cancel()
	if err := s.Reload(reloadCtx); err != nil && ctx.Err() == nil {
		s.logger.Error("reload overrides failed", "error", err)
	}
}

// NormalizePath trims surrounding whitespace and slashes from scope and
// validates each segment. The empty path is [Root].
func NormalizePath(scope string) (string, error) {
	path := strings.Trim(strings.TrimSpace(scope), "/")
	if path == Root {
		return Root, nil
	}

	segments := strings.Split(path, "/")
	if len(segments) > maxScopeDepth {
		return "", errScopeTooDeep
	}
	for _, segment := range segments {
		switch {
		case segment == "":
			return "", errEmptySegment
		case len(segment) > maxSegmentLength:
			return "", errSegmentLength
		case !segmentPattern.MatchString(segment):
			return "", fmt.Errorf("%w: segment %q", ErrInvalidScope, segment)
		}
	}
	return path, nil
}

func writablePath(scope string) (string, error) {
	path, err := NormalizePath(scope)
	if err != nil {
		return "", err
	}
	if path == Root {
		return "", ErrRootScope
	}
	return path, nil
}

func parentPath(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return Root
	}
	return path[:i]
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedFlags(m map[flags.Kind]flags.Flag) []flags.Flag {
	out := make([]flags.Flag, 0, len(m))
	for _, f := range m {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
