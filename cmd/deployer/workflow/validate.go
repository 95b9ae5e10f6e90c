package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/petrel-io/petrel/common/facts"
	"github.com/petrel-io/petrel/common/rulebase"
	"github.com/petrel-io/petrel/common/token"
)

// ErrValidationFailed marks a model with at least one accumulated error.
var ErrValidationFailed = errors.New("workflow validation failed")

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// ValidationResult collects every problem found in one validation pass.
// Deployment proceeds only when Errors is empty; warnings never block.
type ValidationResult struct {
	Errors   []string
	Warnings []string
}

// Errorf records one error.
func (r *ValidationResult) Errorf(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Warnf records one warning.
func (r *ValidationResult) Warnf(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// OK reports whether the pass found no errors.
func (r *ValidationResult) OK() bool { return len(r.Errors) == 0 }

// Err returns nil when the pass found no errors, else ErrValidationFailed
// carrying the count.
func (r *ValidationResult) Err() error {
	if r.OK() {
		return nil
	}
	return fmt.Errorf("%w: %d error(s)", ErrValidationFailed, len(r.Errors))
}

// Validator checks a parsed model against the registered services in the
// fact store.
type Validator struct {
	facts facts.Store
	log   Logger
}

// NewValidator creates a validator querying the given fact store.
func NewValidator(store facts.Store, log Logger) *Validator {
	return &Validator{facts: store, log: log}
}

// Validate runs the whole pipeline, accumulating instead of stopping at
// the first problem, so one deploy attempt reports everything wrong.
func (v *Validator) Validate(ctx context.Context, m *Model) *ValidationResult {
	r := &ValidationResult{}

	v.checkServices(ctx, m, r)
	v.checkEdges(m, r)
	v.checkTransitionTypes(m, r)
	v.checkConnectivity(m, r)
	v.checkJoins(m, r)

	for _, w := range r.Warnings {
		v.log.Warn("validation warning", "detail", w)
	}
	for _, e := range r.Errors {
		v.log.Error("validation error", "detail", e)
	}
	return r
}

// checkServices resolves every (service, operation) of every place,
// preferring activeService and falling back to hasOperation.
func (v *Validator) checkServices(ctx context.Context, m *Model, r *ValidationResult) {
	for _, p := range m.Places() {
		if p.ElementType == LiteralEventGen {
			continue
		}
		if len(p.Operations) == 0 {
			if !p.Floating {
				r.Errorf("place %s declares no operation", p.ID)
			}
			continue
		}
		if p.Service == "" {
			r.Errorf("SERVICE_NOT_FOUND: place %s declares no service", p.ID)
			continue
		}
		for _, op := range p.Operations {
			if !v.serviceRegistered(ctx, p.Service, op.Name) {
				r.Errorf("SERVICE_NOT_FOUND: %s/%s (place %s) is not registered",
					p.Service, op.Name, p.ID)
			}
		}
	}
}

func (v *Validator) serviceRegistered(ctx context.Context, service, operation string) bool {
	res, err := v.facts.Query(ctx, facts.A("activeService", service, operation, "?ch", "?port"))
	if err == nil && !res.Empty() {
		return true
	}
	res, err = v.facts.Query(ctx, facts.A("hasOperation", service, operation, "?ch", "?port"))
	return err == nil && !res.Empty()
}

// checkEdges requires both ends of every arc to name a node or one of the
// endpoint literals.
func (v *Validator) checkEdges(m *Model, r *ValidationResult) {
	for i, e := range m.Edges() {
		if !v.endpointResolves(m, e.From) {
			r.Errorf("arrow %d: source %q is not a node or endpoint literal", i, e.From)
		}
		if !v.endpointResolves(m, e.To) {
			r.Errorf("arrow %d: target %q is not a node or endpoint literal", i, e.To)
		}
	}
}

func (v *Validator) endpointResolves(m *Model, id string) bool {
	switch id {
	case LiteralStart, LiteralEnd, LiteralEventGen:
		return true
	}
	return m.Node(id)
}

// checkTransitionTypes enforces the closed node-type set.
func (v *Validator) checkTransitionTypes(m *Model, r *ValidationResult) {
	for _, t := range m.Transitions() {
		if !validNodeTypes[t.Type] {
			r.Errorf("transition %s has unknown node type %q", t.ID, t.Type)
		}
	}
}

// checkConnectivity requires a non-floating place to touch the graph.
func (v *Validator) checkConnectivity(m *Model, r *ValidationResult) {
	for _, p := range m.Places() {
		if p.Floating || p.ElementType == LiteralEventGen {
			continue
		}
		if len(m.Incoming(p.ID)) == 0 && len(m.Outgoing(p.ID)) == 0 {
			r.Errorf("place %s is not floating but has no arcs", p.ID)
		}
	}
}

// checkJoins enforces join arity: at least two topological inputs, at
// most the codec fan-out limit, and a warning when the downstream binding
// arity disagrees with the retained arc count.
func (v *Validator) checkJoins(m *Model, r *ValidationResult) {
	for _, t := range m.Transitions() {
		if t.Type != rulebase.NodeJoin {
			continue
		}
		arcs := JoinInputs(m, t.ID)
		if len(arcs) < 2 {
			r.Errorf("JOIN_INSUFFICIENT_INPUTS: join %s has %d topological inputs, need at least 2",
				t.ID, len(arcs))
			continue
		}
		if len(arcs) > token.MaxFanOut {
			r.Errorf("join %s has %d incoming arcs, codec limit is %d",
				t.ID, len(arcs), token.MaxFanOut)
			continue
		}

		for _, d := range m.DestinationsOf(t.ID) {
			if d.Place == nil {
				continue
			}
			op, ok := d.Place.Operation(d.Operation)
			if !ok || len(op.Arguments) == 0 {
				break
			}
			if len(op.Arguments) != len(arcs) {
				r.Warnf("join %s feeds %s/%s binding %d inputs, but %d arcs arrive",
					t.ID, d.Place.Service, op.Name, len(op.Arguments), len(arcs))
			}
			break
		}
	}
}
