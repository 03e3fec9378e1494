// Package registry implements the Job Registry: a process-wide, read-only
// mapping from a producer-side class name to a constructor for the
// in-process job implementation that should handle it (spec §4.3, §9).
//
// The source ecosystem populates this mapping implicitly, via metaclass
// auto-registration whenever a job class is defined. That relies on
// language features this project does not have, and on import-order side
// effects this project does not want. Implementers instead call Register
// explicitly at startup, once, before the worker loop begins leasing rows.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rayyansys/djworker/internal/job"
)

// Constructor builds a concrete job.Handler for one leased row. attrs is the
// attribute mapping decoded by the Handler Parser.
type Constructor func(attrs map[string]any) (job.Handler, error)

// Registry is a process-wide, read-only-after-startup mapping from class
// name to Constructor. The zero value is ready to use.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// Register associates className with constructor. Registering the same
// class name twice overwrites the earlier registration; callers are
// expected to do all registration during startup, before the worker loop
// runs. Register and Lookup share a mutex, so a registration never races a
// concurrent lookup.
func (r *Registry) Register(className string, constructor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.constructors == nil {
		r.constructors = make(map[string]Constructor)
	}
	r.constructors[className] = constructor
}

// Lookup returns the constructor registered for className, or ok=false if
// no job implementation claims that class name — the caller should build
// an abstract Job Record instead (spec §4.2 edge case).
func (r *Registry) Lookup(className string) (Constructor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.constructors[className]
	return c, ok
}

// ErrUnregistered is returned by Build when no constructor claims className.
// Callers that need to tell "no such class" apart from "constructor failed"
// (the worker loop's abstract-job path, spec §4.2/§7) check for it with
// errors.Is; callers that don't can treat Build's error as opaque.
var ErrUnregistered = errors.New("unregistered job class")

// Build looks up className and invokes its constructor, wrapping a missing
// registration in ErrUnregistered so callers that don't need to
// special-case the abstract path can use it directly.
func (r *Registry) Build(className string, attrs map[string]any) (job.Handler, error) {
	ctor, ok := r.Lookup(className)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnregistered, className)
	}
	return ctor(attrs)
}
