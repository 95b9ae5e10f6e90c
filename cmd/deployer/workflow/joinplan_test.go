package workflow

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/petrel-io/petrel/common/rulebase"
	"github.com/petrel-io/petrel/common/token"
)

func TestIsFeedbackArc(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{"T_out_P4", "T_in_P4", true},
		{"T_outP4", "T_inP4", true},
		{"T_out_P2", "T_in_P4", false},
		{"P2", "T_in_P4", false},
		{"T_out_P4", "P4", false},
		{"T_in_P4", "T_out_P4", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsFeedbackArc(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestFeedbackArcSuffixProperty(t *testing.T) {
	suffix := rapid.StringMatching(`[A-Za-z][A-Za-z0-9]{0,8}`)
	rapid.Check(t, func(t *rapid.T) {
		x := suffix.Draw(t, "x")
		y := suffix.Draw(t, "y")
		got := IsFeedbackArc("T_out_"+x, "T_in_"+y)
		if got != (x == y) {
			t.Fatalf("IsFeedbackArc(T_out_%s, T_in_%s) = %v", x, y, got)
		}
	})
}

func TestJoinInputsExclusions(t *testing.T) {
	m := forkJoinModel(ProcessPetriNet, nil)

	// A generator arc and a feedback arc both enter the join; neither
	// counts toward its arity.
	m.AddTransition(&Transition{ID: "EG1", Type: rulebase.NodeEventGen})
	m.AddEdge(Edge{From: "EG1", To: "T_in_P4"})
	m.AddEdge(Edge{From: LiteralEventGen, To: "T_in_P4"})
	m.AddEdge(Edge{From: "T_out_P4", To: "T_in_P4"})

	arcs := JoinInputs(m, "T_in_P4")
	require.Len(t, arcs, 2)
	assert.Equal(t, "T_out_P2", arcs[0].From)
	assert.Equal(t, "T_out_P3", arcs[1].From)
}

func TestJoinInputCountProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		branches := rapid.IntRange(2, 20).Draw(t, "branches")
		generators := rapid.IntRange(0, 5).Draw(t, "generators")
		feedback := rapid.Bool().Draw(t, "feedback")

		m := NewModel(ProcessPetriNet)
		m.AddPlace(&Place{ID: "PJ", Service: "Join", Operations: []Operation{{Name: "merge"}}})
		m.AddTransition(&Transition{ID: "T_in_PJ", Type: rulebase.NodeJoin, TransitionType: TransIn})
		m.AddEdge(Edge{From: "T_in_PJ", To: "PJ"})

		for i := 0; i < branches; i++ {
			id := fmt.Sprintf("T_out_B%d", i)
			m.AddTransition(&Transition{ID: id, Type: rulebase.NodeEdge, TransitionType: TransOut})
			m.AddEdge(Edge{From: id, To: "T_in_PJ"})
		}
		for i := 0; i < generators; i++ {
			id := fmt.Sprintf("EG%d", i)
			m.AddTransition(&Transition{ID: id, Type: rulebase.NodeEventGen})
			m.AddEdge(Edge{From: id, To: "T_in_PJ"})
		}
		if feedback {
			m.AddTransition(&Transition{ID: "T_out_PJ", Type: rulebase.NodeEdge, TransitionType: TransOut})
			m.AddEdge(Edge{From: "T_out_PJ", To: "T_in_PJ"})
		}

		if got := len(JoinInputs(m, "T_in_PJ")); got != branches {
			t.Fatalf("JoinInputs = %d, want %d", got, branches)
		}
	})
}

func TestPlanJoinsPetriNetDefaults(t *testing.T) {
	m := forkJoinModel(ProcessPetriNet, nil)
	plan, err := PlanJoins(m)
	require.NoError(t, err)
	require.Len(t, plan.Joins, 1)

	j := plan.Joins[0]
	assert.Equal(t, "T_in_P4", j.JoinID)
	assert.Equal(t, "P4", j.PlaceID)
	assert.Equal(t, "Review", j.Service)
	assert.Equal(t, "consolidate", j.Operation)
	require.Equal(t, 2, j.InputCount())

	assert.Equal(t, "token_branch1", j.Slots[0].Slot)
	assert.Equal(t, 1, j.Slots[0].SlotIndex)
	assert.Equal(t, "P2", j.Slots[0].SourcePlace)
	assert.Equal(t, "token_branch2", j.Slots[1].Slot)
	assert.Equal(t, 2, j.Slots[1].SlotIndex)
	assert.Equal(t, "P3", j.Slots[1].SourcePlace)

	// Branch places publish under their join slot; everything else
	// publishes under token.
	assert.Equal(t, "token_branch1", plan.ReturnAttr("P2", Operation{Name: "analyze"}))
	assert.Equal(t, "token_branch2", plan.ReturnAttr("P3", Operation{Name: "scan"}))
	assert.Equal(t, "token", plan.ReturnAttr("P1", Operation{Name: "register"}))

	// A declared returnAttribute always wins.
	assert.Equal(t, "lab_result",
		plan.ReturnAttr("P2", Operation{Name: "analyze", ReturnAttribute: "lab_result"}))

	got, ok := plan.JoinFor("P4")
	require.True(t, ok)
	assert.Equal(t, "T_in_P4", got.JoinID)
}

func TestPlanJoinsDeclaredSlots(t *testing.T) {
	m := forkJoinModel(ProcessSOA, []string{"lab_result", "imaging_result"})
	plan, err := PlanJoins(m)
	require.NoError(t, err)
	require.Len(t, plan.Joins, 1)

	j := plan.Joins[0]
	assert.Equal(t, "lab_result", j.Slots[0].Slot)
	assert.Equal(t, "imaging_result", j.Slots[1].Slot)
	assert.Empty(t, plan.Warnings)
}

func TestPlanJoinsArityErrors(t *testing.T) {
	// SOA with no declared inputs is rejected.
	_, err := PlanJoins(forkJoinModel(ProcessSOA, nil))
	assert.ErrorContains(t, err, "declares no inputs")

	// Fewer declared inputs than arcs is an over-count in any mode.
	_, err = PlanJoins(forkJoinModel(ProcessPetriNet, []string{"only_one"}))
	assert.ErrorContains(t, err, "binds only 1")

	// SOA rejects extra declared inputs; PetriNet warns.
	_, err = PlanJoins(forkJoinModel(ProcessSOA, []string{"a", "b", "c"}))
	assert.ErrorContains(t, err, "binds 3 inputs")

	plan, err := PlanJoins(forkJoinModel(ProcessPetriNet, []string{"a", "b", "c"}))
	require.NoError(t, err)
	require.Len(t, plan.Warnings, 1)
	assert.Contains(t, plan.Warnings[0], "binds 3 inputs")
}

func TestPlanJoinsFanOutLimit(t *testing.T) {
	m := NewModel(ProcessPetriNet)
	m.AddPlace(&Place{ID: "PJ", Service: "Join", Operations: []Operation{{Name: "merge"}}})
	m.AddTransition(&Transition{ID: "T_in_PJ", Type: rulebase.NodeJoin, TransitionType: TransIn})
	m.AddEdge(Edge{From: "T_in_PJ", To: "PJ"})
	for i := 0; i <= token.MaxFanOut; i++ {
		id := fmt.Sprintf("T_out_B%d", i)
		m.AddTransition(&Transition{ID: id, Type: rulebase.NodeEdge, TransitionType: TransOut})
		m.AddEdge(Edge{From: id, To: "T_in_PJ"})
	}

	_, err := PlanJoins(m)
	assert.ErrorContains(t, err, "codec limit")
}
