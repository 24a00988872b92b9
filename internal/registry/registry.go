// Package registry maps guard and action names, as referenced from mission
// documents, to their implementations. Registration happens once at startup;
// lookups after that are read-only and safe for concurrent use.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/xkilldash9x/missionctl/api/schemas"
)

type registry[T any] struct {
	mu      sync.RWMutex
	entries map[string]T
}

func (r *registry[T]) register(name string, fn T) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries == nil {
		r.entries = make(map[string]T)
	}
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("%w: %q", schemas.ErrDuplicate, name)
	}
	r.entries[name] = fn
	return nil
}

func (r *registry[T]) get(name string) (T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.entries[name]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %q", schemas.ErrNotFound, name)
	}
	return fn, nil
}

func (r *registry[T]) has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

func (r *registry[T]) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Guards holds named transition predicates. Post-check predicates register
// here as well; they share the same shape and name space.
type Guards struct {
	reg registry[schemas.GuardFunc]
}

func NewGuards() *Guards { return &Guards{} }

// Register adds a guard under name. A second registration of the same name
// returns ErrDuplicate; the engine treats that as a startup failure.
func (g *Guards) Register(name string, fn schemas.GuardFunc) error {
	return g.reg.register(name, fn)
}

func (g *Guards) Get(name string) (schemas.GuardFunc, error) { return g.reg.get(name) }
func (g *Guards) Has(name string) bool                       { return g.reg.has(name) }
func (g *Guards) Names() []string                            { return g.reg.names() }

// Actions holds named side-effecting steps run before and after executor
// calls.
type Actions struct {
	reg registry[schemas.ActionFunc]
}

func NewActions() *Actions { return &Actions{} }

func (a *Actions) Register(name string, fn schemas.ActionFunc) error {
	return a.reg.register(name, fn)
}

func (a *Actions) Get(name string) (schemas.ActionFunc, error) { return a.reg.get(name) }
func (a *Actions) Has(name string) bool                        { return a.reg.has(name) }
func (a *Actions) Names() []string                             { return a.reg.names() }
