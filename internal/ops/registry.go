// Package ops holds the closed set of named operations clients can invoke.
package ops

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"

	"github.com/basket/liveconsole/internal/backend"
)

var (
	// ErrUnknownOperation is returned by Resolve for names outside the registry.
	ErrUnknownOperation = errors.New("unknown operation")
	// ErrPanic wraps a panic raised inside an operation.
	ErrPanic = errors.New("operation panicked")
)

// Operation is one named action run against the shared backend. Implementations
// must be safe for concurrent use, including concurrently with themselves.
type Operation interface {
	Name() string
	Run(ctx context.Context, store *backend.Store) (any, error)
}

// Func adapts a plain function into an Operation.
func Func(name string, fn func(ctx context.Context, store *backend.Store) (any, error)) Operation {
	return funcOp{name: name, fn: fn}
}

type funcOp struct {
	name string
	fn   func(context.Context, *backend.Store) (any, error)
}

func (f funcOp) Name() string { return f.name }
func (f funcOp) Run(ctx context.Context, store *backend.Store) (any, error) {
	return f.fn(ctx, store)
}

// PanicError carries the recovered value and stack of a panicking operation.
type PanicError struct {
	Op    string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Value) }
func (e *PanicError) Unwrap() error { return ErrPanic }

// Registry maps operation names to operations. It is immutable after New.
type Registry struct {
	byName map[string]Operation
	names  []string
}

// New builds a registry, rejecting empty or duplicate names.
func New(ops ...Operation) (*Registry, error) {
	r := &Registry{byName: make(map[string]Operation, len(ops))}
	for _, op := range ops {
		if op == nil {
			return nil, errors.New("nil operation")
		}
		name := op.Name()
		if name == "" {
			return nil, errors.New("operation with empty name")
		}
		if _, dup := r.byName[name]; dup {
			return nil, fmt.Errorf("duplicate operation %q", name)
		}
		r.byName[name] = op
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	return r, nil
}

// MustNew is New for registries fixed at compile time.
func MustNew(ops ...Operation) *Registry {
	r, err := New(ops...)
	if err != nil {
		panic(err)
	}
	return r
}

// Resolve looks up an operation by name.
func (r *Registry) Resolve(name string) (Operation, error) {
	op, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, name)
	}
	return op, nil
}

// Has reports whether name is part of the inbound vocabulary.
func (r *Registry) Has(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// Names returns the sorted inbound vocabulary. The slice is a copy.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Len returns the number of operations.
func (r *Registry) Len() int { return len(r.names) }

// Invoke resolves name and runs it. A panic inside the operation is returned
// as a *PanicError so every invocation ends in exactly one result or error.
func (r *Registry) Invoke(ctx context.Context, store *backend.Store, name string) (res any, err error) {
	op, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	defer func() {
		if v := recover(); v != nil {
			res, err = nil, &PanicError{Op: name, Value: v, Stack: debug.Stack()}
		}
	}()
	return op.Run(ctx, store)
}
