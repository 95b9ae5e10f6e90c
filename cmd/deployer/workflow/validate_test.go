package workflow

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrel-io/petrel/common/facts"
)

func registeredFacts(t *testing.T) *facts.MemoryStore {
	t.Helper()
	store := facts.NewMemoryStore()
	require.NoError(t, store.Assert(context.Background(),
		facts.A("activeService", "Intake", "register", "ip1", "7"),
		facts.A("activeService", "Lab", "analyze", "ip1", "8"),
		facts.A("activeService", "Imaging", "scan", "ip2", "9"),
		facts.A("hasOperation", "Review", "consolidate", "ip2", "10"),
	))
	return store
}

func TestValidateCleanModel(t *testing.T) {
	m := forkJoinModel(ProcessPetriNet, nil)
	v := NewValidator(registeredFacts(t), testLogger{t})

	r := v.Validate(context.Background(), m)
	assert.True(t, r.OK(), "errors: %v", r.Errors)
	assert.NoError(t, r.Err())
}

func TestValidateServiceFallback(t *testing.T) {
	// Review/consolidate is only in hasOperation; the fallback must
	// resolve it. Dropping it entirely must fail.
	store := facts.NewMemoryStore()
	require.NoError(t, store.Assert(context.Background(),
		facts.A("activeService", "Intake", "register", "ip1", "7"),
		facts.A("activeService", "Lab", "analyze", "ip1", "8"),
		facts.A("activeService", "Imaging", "scan", "ip2", "9"),
	))
	m := forkJoinModel(ProcessPetriNet, nil)
	v := NewValidator(store, testLogger{t})

	r := v.Validate(context.Background(), m)
	require.False(t, r.OK())
	require.Len(t, r.Errors, 1)
	assert.Contains(t, r.Errors[0], "SERVICE_NOT_FOUND")
	assert.Contains(t, r.Errors[0], "Review/consolidate")
	assert.ErrorIs(t, r.Err(), ErrValidationFailed)
}

func TestValidateAccumulatesAllErrors(t *testing.T) {
	m := forkJoinModel(ProcessPetriNet, nil)

	// Break several things at once: an unknown service, a dangling
	// arrow, a bad transition type, and an orphaned place.
	m.AddPlace(&Place{ID: "P9", Service: "Ghost", Operations: []Operation{{Name: "spook"}}})
	m.AddEdge(Edge{From: "P9", To: "NOWHERE"})
	m.AddTransition(&Transition{ID: "T_bad", Type: "WarpNode"})
	m.AddEdge(Edge{From: "P9", To: "T_bad"})
	m.AddPlace(&Place{ID: "P10", Service: "Lab", Operations: []Operation{{Name: "analyze"}}})

	v := NewValidator(registeredFacts(t), testLogger{t})
	r := v.Validate(context.Background(), m)

	require.False(t, r.OK())
	assert.Len(t, r.Errors, 4)
	joined := ""
	for _, e := range r.Errors {
		joined += e + "\n"
	}
	assert.Contains(t, joined, "SERVICE_NOT_FOUND: Ghost/spook")
	assert.Contains(t, joined, `target "NOWHERE"`)
	assert.Contains(t, joined, `unknown node type "WarpNode"`)
	assert.Contains(t, joined, "place P10 is not floating but has no arcs")
}

func TestValidateFloatingPlaceExemptions(t *testing.T) {
	m := forkJoinModel(ProcessPetriNet, nil)
	m.AddPlace(&Place{ID: "F1", Floating: true})

	v := NewValidator(registeredFacts(t), testLogger{t})
	r := v.Validate(context.Background(), m)
	assert.True(t, r.OK(), "errors: %v", r.Errors)
}

func TestValidateJoinArity(t *testing.T) {
	m := forkJoinModel(ProcessPetriNet, nil)

	// Starve the join: drop one branch arc by rebuilding without P3's.
	starved := NewModel(ProcessPetriNet)
	for _, p := range m.Places() {
		starved.AddPlace(p)
	}
	for _, tr := range m.Transitions() {
		starved.AddTransition(tr)
	}
	for _, e := range m.Edges() {
		if e.From == "T_out_P3" && e.To == "T_in_P4" {
			continue
		}
		starved.AddEdge(e)
	}

	v := NewValidator(registeredFacts(t), testLogger{t})
	r := v.Validate(context.Background(), starved)
	require.False(t, r.OK())
	found := false
	for _, e := range r.Errors {
		if strings.Contains(e, "JOIN_INSUFFICIENT_INPUTS") {
			found = true
		}
	}
	assert.True(t, found, "errors: %v", r.Errors)
}

func TestValidateJoinBindingMismatchWarns(t *testing.T) {
	m := forkJoinModel(ProcessPetriNet, []string{"a", "b", "c"})
	v := NewValidator(registeredFacts(t), testLogger{t})

	r := v.Validate(context.Background(), m)
	assert.True(t, r.OK(), "errors: %v", r.Errors)
	require.Len(t, r.Warnings, 1)
	assert.Contains(t, r.Warnings[0], "binding 3 inputs")
}
