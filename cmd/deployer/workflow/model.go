// Package workflow builds and validates the in-memory model of one
// process definition: places bound to service endpoints, transitions
// governing coordination and routing, and the arcs between them. The
// model lives for a single deploy.
package workflow

import (
	"github.com/petrel-io/petrel/common/rulebase"
)

// Process types. PetriNet regenerates canonical bindings from topology;
// SOA preserves hand-authored binding files.
const (
	ProcessPetriNet = "PetriNet"
	ProcessSOA      = "SOA"
)

// Edge-endpoint literals that resolve to no node.
const (
	LiteralStart    = "START"
	LiteralEnd      = "END"
	LiteralEventGen = "EVENT_GENERATOR"
)

// Transition kinds as they appear in `transition_type`.
const (
	TransIn    = "T_in"
	TransOut   = "T_out"
	TransOther = "Other"
)

// validNodeTypes is the closed transition-type set.
var validNodeTypes = map[string]bool{
	rulebase.NodeEdge:      true,
	rulebase.NodeJoin:      true,
	rulebase.NodeFork:      true,
	rulebase.NodeXor:       true,
	rulebase.NodeDecision:  true,
	rulebase.NodeGateway:   true,
	rulebase.NodeMerge:     true,
	rulebase.NodeMonitor:   true,
	rulebase.NodeFeedFwd:   true,
	rulebase.NodeTerminate: true,
	rulebase.NodeEventGen:  true,
}

// Operation is one callable operation of a place, with its ordered
// argument names and the attribute its return publishes under.
type Operation struct {
	Name            string
	ReturnAttribute string
	Arguments       []string
}

// Place is a workflow node bound to a (service, operation set) endpoint.
type Place struct {
	ID          string
	Label       string
	Service     string
	Operations  []Operation
	Floating    bool
	ElementType string
}

// Primary returns the place's first operation, the one deployed when no
// endpoint override names another.
func (p *Place) Primary() (Operation, bool) {
	if len(p.Operations) == 0 {
		return Operation{}, false
	}
	return p.Operations[0], true
}

// Operation looks an operation up by name.
func (p *Place) Operation(name string) (Operation, bool) {
	for _, op := range p.Operations {
		if op.Name == name {
			return op, true
		}
	}
	return Operation{}, false
}

// Transition is a workflow node that coordinates inputs (T_in) or routes
// outputs (T_out).
type Transition struct {
	ID    string
	Label string

	// Type is one of the closed node-type set.
	Type  string
	Value string

	// TransitionType is T_in, T_out, Other, or empty.
	TransitionType string

	// Buffer sizes the downstream orchestrator queue. Honored only on
	// T_in and Other transitions.
	Buffer int
}

// Edge is a directed arc. From and To name nodes or endpoint literals.
type Edge struct {
	From string
	To   string

	// Condition holds guardCondition, falling back to the legacy
	// condition attribute.
	Condition     string
	DecisionValue string

	// Endpoint overrides the operation at the destination place.
	Endpoint string
	Label    string
}

// Model is the workflow graph of one deploy.
type Model struct {
	ProcessType string

	places      map[string]*Place
	transitions map[string]*Transition
	placeOrder  []string
	transOrder  []string
	edges       []Edge
}

// NewModel creates an empty model of the given process type.
func NewModel(processType string) *Model {
	return &Model{
		ProcessType: processType,
		places:      make(map[string]*Place),
		transitions: make(map[string]*Transition),
	}
}

// AddPlace registers a place, keeping definition order.
func (m *Model) AddPlace(p *Place) {
	if _, ok := m.places[p.ID]; !ok {
		m.placeOrder = append(m.placeOrder, p.ID)
	}
	m.places[p.ID] = p
}

// AddTransition registers a transition, keeping definition order.
func (m *Model) AddTransition(t *Transition) {
	if _, ok := m.transitions[t.ID]; !ok {
		m.transOrder = append(m.transOrder, t.ID)
	}
	m.transitions[t.ID] = t
}

// AddEdge appends an arc. Arc order is significant for join slots.
func (m *Model) AddEdge(e Edge) {
	m.edges = append(m.edges, e)
}

// Place looks a place up by id.
func (m *Model) Place(id string) (*Place, bool) {
	p, ok := m.places[id]
	return p, ok
}

// Transition looks a transition up by id.
func (m *Model) Transition(id string) (*Transition, bool) {
	t, ok := m.transitions[id]
	return t, ok
}

// Node reports whether the id names any node in the model.
func (m *Model) Node(id string) bool {
	_, isPlace := m.places[id]
	_, isTrans := m.transitions[id]
	return isPlace || isTrans
}

// Places returns every place in definition order.
func (m *Model) Places() []*Place {
	out := make([]*Place, 0, len(m.placeOrder))
	for _, id := range m.placeOrder {
		out = append(out, m.places[id])
	}
	return out
}

// Transitions returns every transition in definition order.
func (m *Model) Transitions() []*Transition {
	out := make([]*Transition, 0, len(m.transOrder))
	for _, id := range m.transOrder {
		out = append(out, m.transitions[id])
	}
	return out
}

// Edges returns every arc in definition order.
func (m *Model) Edges() []Edge {
	return m.edges
}

// Outgoing returns the arcs leaving a node, in definition order.
func (m *Model) Outgoing(id string) []Edge {
	var out []Edge
	for _, e := range m.edges {
		if e.From == id {
			out = append(out, e)
		}
	}
	return out
}

// Incoming returns the arcs entering a node, in definition order.
func (m *Model) Incoming(id string) []Edge {
	var out []Edge
	for _, e := range m.edges {
		if e.To == id {
			out = append(out, e)
		}
	}
	return out
}

// TransitionsInto returns the transitions with an arc into the place.
func (m *Model) TransitionsInto(placeID string) []*Transition {
	var out []*Transition
	for _, e := range m.Incoming(placeID) {
		if t, ok := m.transitions[e.From]; ok {
			out = append(out, t)
		}
	}
	return out
}

// TransitionsOutOf returns the transitions the place has an arc into.
func (m *Model) TransitionsOutOf(placeID string) []*Transition {
	var out []*Transition
	for _, e := range m.Outgoing(placeID) {
		if t, ok := m.transitions[e.To]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Adjacency returns the forward arc list of every node that has one.
func (m *Model) Adjacency() map[string][]string {
	adj := make(map[string][]string)
	for _, e := range m.edges {
		adj[e.From] = append(adj[e.From], e.To)
	}
	return adj
}

// StandaloneMonitors returns MonitorNode transitions with no arcs at all.
// They subscribe to the bus on their own; deploys skip them.
func (m *Model) StandaloneMonitors() []*Transition {
	var out []*Transition
	for _, id := range m.transOrder {
		t := m.transitions[id]
		if t.Type != rulebase.NodeMonitor {
			continue
		}
		if len(m.Incoming(id)) == 0 && len(m.Outgoing(id)) == 0 {
			out = append(out, t)
		}
	}
	return out
}

// Destination is one resolved routing target of an outgoing transition:
// the place the arc reaches, or a terminal.
type Destination struct {
	// Place is nil for terminal destinations.
	Place *Place

	// Operation is the destination operation: the edge's endpoint
	// override when present, else the place's primary operation.
	Operation string

	// Terminate marks an END literal or TerminateNode target.
	Terminate bool

	// Edge is the arc leaving the routing transition; it carries the
	// condition, decision value, and endpoint override for the branch.
	Edge Edge
}

// DestinationsOf resolves each arc leaving the transition to the place or
// terminal it reaches, walking through intermediate transitions such as
// the next place's T_in. Unresolvable arcs yield a Destination with a nil
// Place and Terminate false; the validator reports those.
func (m *Model) DestinationsOf(transID string) []Destination {
	var out []Destination
	for _, e := range m.Outgoing(transID) {
		d := Destination{Edge: e}
		target := e.To
		visited := map[string]bool{transID: true}
		for {
			if target == LiteralEnd {
				d.Terminate = true
				break
			}
			if p, ok := m.places[target]; ok {
				d.Place = p
				break
			}
			t, ok := m.transitions[target]
			if !ok || visited[target] {
				break
			}
			visited[target] = true
			if t.Type == rulebase.NodeTerminate {
				d.Terminate = true
				break
			}
			next := m.Outgoing(target)
			if len(next) == 0 {
				break
			}
			target = next[0].To
		}
		if d.Place != nil {
			d.Operation = destinationOperation(d.Place, e.Endpoint)
		}
		out = append(out, d)
	}
	return out
}

func destinationOperation(p *Place, endpoint string) string {
	if endpoint != "" {
		return endpoint
	}
	if op, ok := p.Primary(); ok {
		return op.Name
	}
	return ""
}
