package rulebase

import (
	"sort"
	"strconv"

	"github.com/petrel-io/petrel/common/facts"
)

// Node types a place's controlling transition can take.
const (
	NodeEdge      = "EdgeNode"
	NodeJoin      = "JoinNode"
	NodeFork      = "ForkNode"
	NodeXor       = "XorNode"
	NodeDecision  = "DecisionNode"
	NodeGateway   = "GatewayNode"
	NodeMerge     = "MergeNode"
	NodeMonitor   = "MonitorNode"
	NodeFeedFwd   = "FeedFwdNode"
	NodeTerminate = "TerminateNode"
	NodeEventGen  = "EventGenerator"
)

// Routing literals. Gateway rows use CondGateway as their condition type;
// terminate rows name the TERMINATE pseudo-place.
const (
	CondGateway      = "GATEWAY_NODE"
	TerminatePlace   = "TERMINATE"
	AnyOfInputMarker = "anyof"
)

// Route is one outgoing branch of a place: the destination endpoint plus
// the condition guarding it.
type Route struct {
	Service       string
	Operation     string
	ConditionType string
	DecisionValue string
}

// Terminates reports whether the route ends the token instead of
// publishing it.
func (r Route) Terminates() bool {
	return r.Service == TerminatePlace && r.Operation == TerminatePlace
}

// RuleBase is the installed rule set of one (service, operation) place at
// one version. Methods answer the fixed queries the orchestrator runs per
// event; atom order is preserved from the payload.
type RuleBase struct {
	Version   string
	Service   string
	Operation string

	// Buffer sizes the orchestrator's event queue; 0 means the host
	// default.
	Buffer int

	atoms []facts.Atom
}

// New builds the view over a payload's parsed atoms.
func New(version, service, operation string, buffer int, atoms []facts.Atom) *RuleBase {
	return &RuleBase{
		Version:   version,
		Service:   service,
		Operation: operation,
		Buffer:    buffer,
		atoms:     atoms,
	}
}

// FromPayload parses the payload's rule text into a view.
func FromPayload(p *Payload) (*RuleBase, error) {
	atoms, err := facts.ParseAtoms(p.Rules.Data)
	if err != nil {
		return nil, err
	}
	buffer := 0
	if p.Target.Buffer != nil {
		buffer = *p.Target.Buffer
	}
	return New(p.Header.RuleBaseVersion, p.Target.ServiceName, p.Target.OperationName, buffer, atoms), nil
}

// Atoms returns the underlying atom list in payload order.
func (rb *RuleBase) Atoms() []facts.Atom { return rb.atoms }

func (rb *RuleBase) query(pattern facts.Atom) facts.Result {
	return facts.Solve(pattern, rb.atoms)
}

// NodeType returns the controlling transition type, or NodeEdge when the
// payload named none.
func (rb *RuleBase) NodeType() string {
	res := rb.query(facts.A("NodeType", "?t"))
	if row := res.First(); row != nil {
		return row[0]
	}
	return NodeEdge
}

// JoinInputCount returns the deployed join arity. ok is false for places
// that are not PetriNet joins.
func (rb *RuleBase) JoinInputCount() (int, bool) {
	res := rb.query(facts.A("JoinInputCount", "?k"))
	row := res.First()
	if row == nil {
		return 0, false
	}
	k, err := strconv.Atoi(row[0])
	if err != nil {
		return 0, false
	}
	return k, true
}

// InputCollection returns the place's named input slots in slot order.
// The slot index is the binding's fourth argument; three-argument legacy
// bindings keep their assertion order.
func (rb *RuleBase) InputCollection() []string {
	type slot struct {
		name  string
		index int
	}
	var slots []slot
	res := rb.query(facts.A("canonicalBinding", rb.Operation, "?ret", "?in", "?slot"))
	for _, row := range res.Rows {
		if row[1] == "" {
			// Return-attribute marker of a null-input place.
			continue
		}
		idx, err := strconv.Atoi(row[2])
		if err != nil {
			idx = len(slots) + 1
		}
		slots = append(slots, slot{name: row[1], index: idx})
	}
	if len(slots) == 0 {
		legacy := rb.query(facts.A("canonicalBinding", rb.Operation, "?ret", "?in"))
		for _, row := range legacy.Rows {
			if row[1] == "" {
				continue
			}
			slots = append(slots, slot{name: row[1], index: len(slots) + 1})
		}
	}
	sort.SliceStable(slots, func(i, j int) bool { return slots[i].index < slots[j].index })
	names := make([]string, len(slots))
	for i, s := range slots {
		names[i] = s.name
	}
	return names
}

// AcceptsAny reports whether the binding lists alternate inputs, any one
// of which triggers execution.
func (rb *RuleBase) AcceptsAny() bool {
	for _, in := range rb.InputCollection() {
		if in == AnyOfInputMarker {
			return true
		}
	}
	return false
}

// RequiredInputs returns the input slots minus the anyof marker.
func (rb *RuleBase) RequiredInputs() []string {
	var names []string
	for _, in := range rb.InputCollection() {
		if in != AnyOfInputMarker {
			names = append(names, in)
		}
	}
	return names
}

// ReturnAttribute returns the attribute name this place publishes under.
// Places that feed no join return "token".
func (rb *RuleBase) ReturnAttribute() string {
	res := rb.query(facts.A("canonicalBinding", rb.Operation, "?ret", "?in", "?slot"))
	if row := res.First(); row != nil && row[0] != "" {
		return row[0]
	}
	legacy := rb.query(facts.A("canonicalBinding", rb.Operation, "?ret", "?in"))
	if row := legacy.First(); row != nil && row[0] != "" {
		return row[0]
	}
	return "token"
}

// Routes returns the place's outgoing branches in rule order.
func (rb *RuleBase) Routes() []Route {
	res := rb.query(facts.A("meetsCondition", "?svc", "?op", "?ct", "?dv"))
	routes := make([]Route, 0, len(res.Rows))
	for _, row := range res.Rows {
		routes = append(routes, Route{
			Service:       row[0],
			Operation:     row[1],
			ConditionType: row[2],
			DecisionValue: row[3],
		})
	}
	return routes
}

// ParallelSplits returns the unconditional fork destinations.
func (rb *RuleBase) ParallelSplits() []Route {
	res := rb.query(facts.A("parallelSplit", "?svc", "?op"))
	routes := make([]Route, 0, len(res.Rows))
	for _, row := range res.Rows {
		routes = append(routes, Route{Service: row[0], Operation: row[1]})
	}
	return routes
}

// Terminations returns the (conditionType, decisionValue) pairs on which
// the token ends instead of routing onward.
func (rb *RuleBase) Terminations() []Route {
	res := rb.query(facts.A("terminatesOn", "?ct", "?dv"))
	routes := make([]Route, 0, len(res.Rows))
	for _, row := range res.Rows {
		routes = append(routes, Route{
			Service:       TerminatePlace,
			Operation:     TerminatePlace,
			ConditionType: row[0],
			DecisionValue: row[1],
		})
	}
	return routes
}

// DecisionValues returns the grouped decision pairs, two-argument form
// first, then legacy one-argument values with an empty condition type.
func (rb *RuleBase) DecisionValues() [][2]string {
	var out [][2]string
	res := rb.query(facts.A("DecisionValue", "?ct", "?v"))
	for _, row := range res.Rows {
		out = append(out, [2]string{row[0], row[1]})
	}
	legacy := rb.query(facts.A("DecisionValue", "?v"))
	for _, row := range legacy.Rows {
		out = append(out, [2]string{"", row[0]})
	}
	return out
}
