package handlers

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/iancoleman/strcase"

	errspkg "github.com/drblury/teeflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/teeflow/internal/runtime/logging"
)

// Default name filters.
var (
	ParserPrefixes = []string{"parse_"}
	ParserSuffixes = []string{"Parser"}
	SaverPrefixes  = []string{"save_"}
	SaverSuffixes  = []string{"Saver"}
)

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithPrefixes sets the verb prefixes recognised on handler names.
func WithPrefixes(prefixes ...string) RegistryOption {
	return func(r *Registry) {
		r.prefixes = append([]string(nil), prefixes...)
	}
}

// WithSuffixes sets the noun suffixes recognised on type-shaped handler names.
func WithSuffixes(suffixes ...string) RegistryOption {
	return func(r *Registry) {
		r.suffixes = append([]string(nil), suffixes...)
	}
}

// WithLogger sets the logger used to report skipped duplicates.
func WithLogger(logger loggingpkg.ServiceLogger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Registry maps targets to handlers. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	logger     loggingpkg.ServiceLogger
	candidates []candidate
	prefixes   []string
	suffixes   []string

	generation uint64
	listed     []Record
	listedAt   uint64
	listedOK   bool
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{logger: loggingpkg.NopLogger()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewParserRegistry recognises parse_* functions and *Parser types.
func NewParserRegistry(opts ...RegistryOption) *Registry {
	base := []RegistryOption{WithPrefixes(ParserPrefixes...), WithSuffixes(ParserSuffixes...)}
	return NewRegistry(append(base, opts...)...)
}

// NewSaverRegistry recognises save_* functions and *Saver types.
func NewSaverRegistry(opts ...RegistryOption) *Registry {
	base := []RegistryOption{WithPrefixes(SaverPrefixes...), WithSuffixes(SaverSuffixes...)}
	return NewRegistry(append(base, opts...)...)
}

// Register adds fn under name.
func (r *Registry) Register(name string, fn Func, opts ...Option) error {
	return r.add(candidate{name: name, kind: KindFunc, handler: fn}, opts)
}

// RegisterParser adds a type-shaped parser under name.
func (r *Registry) RegisterParser(name string, p Parser, opts ...Option) error {
	if p == nil {
		return fmt.Errorf("register %q: %w", name, errspkg.ErrHandlerRequired)
	}
	return r.add(candidate{name: name, kind: KindType, handler: p.Parse}, opts)
}

// RegisterSaver adds a type-shaped saver under name. Its result is always nil.
func (r *Registry) RegisterSaver(name string, s Saver, opts ...Option) error {
	if s == nil {
		return fmt.Errorf("register %q: %w", name, errspkg.ErrHandlerRequired)
	}
	fn := func(ctx context.Context, in any) (any, error) {
		return nil, s.Save(ctx, in)
	}
	return r.add(candidate{name: name, kind: KindType, handler: fn}, opts)
}

// MustRegister is Register that panics on error. Meant for init-time tables.
func (r *Registry) MustRegister(name string, fn Func, opts ...Option) {
	if err := r.Register(name, fn, opts...); err != nil {
		panic(err)
	}
}

func (r *Registry) add(c candidate, opts []Option) error {
	if c.handler == nil {
		return fmt.Errorf("register %q: %w", c.name, errspkg.ErrHandlerRequired)
	}
	if c.name == "" {
		return fmt.Errorf("register handler: %w", errspkg.ErrHandlerNameRequired)
	}
	for _, opt := range opts {
		opt(&c)
	}

	r.mu.Lock()
	r.candidates = append(r.candidates, c)
	r.generation++
	r.mu.Unlock()
	return nil
}

// SetPrefixes replaces the verb prefixes and invalidates the listing.
func (r *Registry) SetPrefixes(prefixes ...string) {
	r.mu.Lock()
	r.prefixes = append([]string(nil), prefixes...)
	r.generation++
	r.mu.Unlock()
}

// SetSuffixes replaces the noun suffixes and invalidates the listing.
func (r *Registry) SetSuffixes(suffixes ...string) {
	r.mu.Lock()
	r.suffixes = append([]string(nil), suffixes...)
	r.generation++
	r.mu.Unlock()
}

// Generation increases on every change that can alter Handlers.
func (r *Registry) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

// Handlers lists discovered handlers in registration order. The listing is
// memoised until the next change.
func (r *Registry) Handlers() []Record {
	r.mu.RLock()
	if r.listedOK && r.listedAt == r.generation {
		out := append([]Record(nil), r.listed...)
		r.mu.RUnlock()
		return out
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.listedOK || r.listedAt != r.generation {
		r.listed = r.discoverLocked()
		r.listedAt = r.generation
		r.listedOK = true
	}
	return append([]Record(nil), r.listed...)
}

func (r *Registry) discoverLocked() []Record {
	seen := make(map[string]string, len(r.candidates))
	records := make([]Record, 0, len(r.candidates))
	for _, c := range r.candidates {
		target := r.deriveLocked(c)
		if target == "" {
			continue
		}
		if first, dup := seen[target]; dup {
			r.logger.Info("Skipping duplicate handler target", loggingpkg.LogFields{
				"target":  target,
				"handler": c.name,
				"kept":    first,
			})
			continue
		}
		seen[target] = c.name
		records = append(records, Record{Name: c.name, Target: target, Kind: c.kind, Handler: c.handler})
	}
	return records
}

func (r *Registry) deriveLocked(c candidate) string {
	if c.target != "" {
		return c.target
	}
	for _, prefix := range r.prefixes {
		if rest, ok := strings.CutPrefix(c.name, prefix); ok && rest != "" {
			return strings.ToLower(rest)
		}
	}
	if c.kind != KindType {
		return ""
	}
	for _, suffix := range r.suffixes {
		if rest, ok := strings.CutSuffix(c.name, suffix); ok && rest != "" {
			return strcase.ToSnake(rest)
		}
	}
	return ""
}

// Target returns the target name would derive to under the current filters,
// or "" when it would not be listed.
func (r *Registry) Target(name string, kind Kind) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.deriveLocked(candidate{name: name, kind: kind})
}

// GetHandler looks up target. Unknown targets yield an error wrapping
// ErrHandlerNotFound.
func (r *Registry) GetHandler(target string) (Record, error) {
	for _, rec := range r.Handlers() {
		if rec.Target == target {
			return rec, nil
		}
	}
	return Record{}, fmt.Errorf("%w: %q", errspkg.ErrHandlerNotFound, target)
}

// Targets lists the discovered target names.
func (r *Registry) Targets() []string {
	records := r.Handlers()
	targets := make([]string, len(records))
	for i, rec := range records {
		targets[i] = rec.Target
	}
	return targets
}
