package workflow

import (
	"testing"

	"github.com/petrel-io/petrel/common/rulebase"
)

type testLogger struct{ t *testing.T }

func (l testLogger) Info(msg string, kv ...interface{})  { l.t.Logf("INFO %s %v", msg, kv) }
func (l testLogger) Error(msg string, kv ...interface{}) { l.t.Logf("ERROR %s %v", msg, kv) }
func (l testLogger) Warn(msg string, kv ...interface{})  { l.t.Logf("WARN %s %v", msg, kv) }
func (l testLogger) Debug(msg string, kv ...interface{}) { l.t.Logf("DEBUG %s %v", msg, kv) }

// forkJoinModel builds P1 -> fork -> {P2, P3} -> join -> P4 -> END with
// the given P4 argument names (nil leaves the binding undeclared).
func forkJoinModel(processType string, p4args []string) *Model {
	m := NewModel(processType)

	m.AddPlace(&Place{ID: "P1", Service: "Intake", Operations: []Operation{{Name: "register", Arguments: []string{"token"}}}})
	m.AddPlace(&Place{ID: "P2", Service: "Lab", Operations: []Operation{{Name: "analyze", Arguments: []string{"token"}}}})
	m.AddPlace(&Place{ID: "P3", Service: "Imaging", Operations: []Operation{{Name: "scan", Arguments: []string{"token"}}}})
	m.AddPlace(&Place{ID: "P4", Service: "Review", Operations: []Operation{{Name: "consolidate", Arguments: p4args}}})

	m.AddTransition(&Transition{ID: "T_out_P1", Type: rulebase.NodeFork, TransitionType: TransOut})
	m.AddTransition(&Transition{ID: "T_in_P2", Type: rulebase.NodeEdge, TransitionType: TransIn, Buffer: 8})
	m.AddTransition(&Transition{ID: "T_in_P3", Type: rulebase.NodeEdge, TransitionType: TransIn})
	m.AddTransition(&Transition{ID: "T_out_P2", Type: rulebase.NodeEdge, TransitionType: TransOut})
	m.AddTransition(&Transition{ID: "T_out_P3", Type: rulebase.NodeEdge, TransitionType: TransOut})
	m.AddTransition(&Transition{ID: "T_in_P4", Type: rulebase.NodeJoin, TransitionType: TransIn})
	m.AddTransition(&Transition{ID: "T_out_P4", Type: rulebase.NodeEdge, TransitionType: TransOut})

	m.AddEdge(Edge{From: "P1", To: "T_out_P1"})
	m.AddEdge(Edge{From: "T_out_P1", To: "T_in_P2"})
	m.AddEdge(Edge{From: "T_out_P1", To: "T_in_P3"})
	m.AddEdge(Edge{From: "T_in_P2", To: "P2"})
	m.AddEdge(Edge{From: "T_in_P3", To: "P3"})
	m.AddEdge(Edge{From: "P2", To: "T_out_P2"})
	m.AddEdge(Edge{From: "P3", To: "T_out_P3"})
	m.AddEdge(Edge{From: "T_out_P2", To: "T_in_P4"})
	m.AddEdge(Edge{From: "T_out_P3", To: "T_in_P4"})
	m.AddEdge(Edge{From: "T_in_P4", To: "P4"})
	m.AddEdge(Edge{From: "P4", To: "T_out_P4"})
	m.AddEdge(Edge{From: "T_out_P4", To: LiteralEnd})

	return m
}
