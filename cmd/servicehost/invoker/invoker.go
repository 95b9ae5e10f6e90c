// Package invoker dispatches business operations hosted in-process. The
// orchestrator hands it the collected arguments of a place; the result
// value travels onward as the token's attribute value.
package invoker

import (
	"context"
	"fmt"
	"sync"
)

// Result is the value a business operation returns. DeclaredType names
// the wire type routing uses when evaluating typed guard conditions:
// string, boolean, int, long, double, or json.
type Result struct {
	Value        string
	DeclaredType string
}

// Invoker executes one business operation of a hosted service class.
type Invoker interface {
	Process(ctx context.Context, sequenceID int64, className, operation string,
		args []string, returnAttr, version string) (Result, error)
}

// Func adapts a plain function to Invoker.
type Func func(ctx context.Context, sequenceID int64, className, operation string,
	args []string, returnAttr, version string) (Result, error)

// Process implements Invoker.
func (f Func) Process(ctx context.Context, sequenceID int64, className, operation string,
	args []string, returnAttr, version string) (Result, error) {
	return f(ctx, sequenceID, className, operation, args, returnAttr, version)
}

// Registry dispatches (class, operation) pairs to registered invokers.
// Operations nobody registered fall through to a passthrough that echoes
// the first argument, so topology runs need no business code.
type Registry struct {
	mu    sync.RWMutex
	impls map[string]Invoker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{impls: make(map[string]Invoker)}
}

func regKey(className, operation string) string {
	return className + "/" + operation
}

// Register binds an invoker to one (class, operation). Later
// registrations replace earlier ones.
func (r *Registry) Register(className, operation string, inv Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.impls[regKey(className, operation)] = inv
}

// RegisterFunc binds a plain function.
func (r *Registry) RegisterFunc(className, operation string, f Func) {
	r.Register(className, operation, f)
}

// Process implements Invoker over the registry.
func (r *Registry) Process(ctx context.Context, sequenceID int64, className, operation string,
	args []string, returnAttr, version string) (Result, error) {
	r.mu.RLock()
	inv, ok := r.impls[regKey(className, operation)]
	r.mu.RUnlock()

	if !ok {
		return passthrough(args), nil
	}
	res, err := inv.Process(ctx, sequenceID, className, operation, args, returnAttr, version)
	if err != nil {
		return Result{}, fmt.Errorf("BUSINESS_INVOKE_ERROR: %s/%s: %w", className, operation, err)
	}
	return res, nil
}

// passthrough forwards the first collected argument unchanged.
func passthrough(args []string) Result {
	res := Result{DeclaredType: "string"}
	if len(args) > 0 {
		res.Value = args[0]
	}
	return res
}
