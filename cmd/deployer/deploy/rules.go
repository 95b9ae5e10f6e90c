package deploy

import (
	"fmt"
	"strconv"

	"github.com/petrel-io/petrel/cmd/deployer/workflow"
	"github.com/petrel-io/petrel/common/facts"
	"github.com/petrel-io/petrel/common/rulebase"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// RuleSet is the generated rule content of one (place, operation) pair.
type RuleSet struct {
	Place     *workflow.Place
	Operation workflow.Operation

	// NodeType is the controlling transition's type.
	NodeType string

	// Atoms is the payload rule text in emission order: NodeType,
	// JoinInputCount, canonical bindings, then routing rows.
	Atoms []facts.Atom

	// Buffer is the queue size a T_in or Other transition declared for
	// this place, 0 when none did.
	Buffer int
}

// Routes returns the rule set's meetsCondition rows.
func (rs *RuleSet) Routes() []facts.Atom {
	var out []facts.Atom
	for _, a := range rs.Atoms {
		if a.Functor == "meetsCondition" {
			out = append(out, a)
		}
	}
	return out
}

// Generator derives each deployable place's rule atoms from the workflow
// graph and the join plan.
type Generator struct {
	model *workflow.Model
	plan  *workflow.Plan
	log   Logger
}

// NewGenerator creates a generator over a validated model.
func NewGenerator(m *workflow.Model, plan *workflow.Plan, log Logger) *Generator {
	return &Generator{model: m, plan: plan, log: log}
}

// Deployables returns the places that receive rule payloads, in
// definition order: non-floating places with at least one operation,
// excluding event-generator elements.
func (g *Generator) Deployables() []*workflow.Place {
	var out []*workflow.Place
	for _, p := range g.model.Places() {
		if p.Floating || p.ElementType == workflow.LiteralEventGen || len(p.Operations) == 0 {
			continue
		}
		out = append(out, p)
	}
	return out
}

// controlling picks the transition whose type governs a place's rules: a
// fork, gateway, decision, or xor on the outgoing side wins, else a join
// on the incoming side, else the first outgoing transition.
func (g *Generator) controlling(place *workflow.Place) *workflow.Transition {
	outgoing := g.model.TransitionsOutOf(place.ID)
	for _, t := range outgoing {
		switch t.Type {
		case rulebase.NodeFork, rulebase.NodeGateway, rulebase.NodeDecision, rulebase.NodeXor:
			return t
		}
	}
	for _, t := range g.model.TransitionsInto(place.ID) {
		if t.Type == rulebase.NodeJoin {
			return t
		}
	}
	if len(outgoing) > 0 {
		return outgoing[0]
	}
	return nil
}

// BindingAtoms returns the canonical binding rows of one operation. A
// join target takes its slot layout from the plan; otherwise the declared
// arguments bind in order. A place with no inputs gets a single marker
// row carrying only the return attribute.
func (g *Generator) BindingAtoms(place *workflow.Place, op workflow.Operation) []facts.Atom {
	ret := g.plan.ReturnAttr(place.ID, op)
	if jp, ok := g.plan.JoinFor(place.ID); ok && jp.Operation == op.Name {
		atoms := make([]facts.Atom, 0, len(jp.Slots))
		for _, s := range jp.Slots {
			atoms = append(atoms, facts.A("canonicalBinding", op.Name, ret, s.Slot, strconv.Itoa(s.SlotIndex)))
		}
		return atoms
	}
	if len(op.Arguments) > 0 {
		atoms := make([]facts.Atom, 0, len(op.Arguments))
		for i, arg := range op.Arguments {
			atoms = append(atoms, facts.A("canonicalBinding", op.Name, ret, arg, strconv.Itoa(i+1)))
		}
		return atoms
	}
	return []facts.Atom{facts.A("canonicalBinding", op.Name, ret, "", "0")}
}

// Generate assembles the rule set of one (place, operation). The binding
// rows are passed in because SOA deploys may substitute hand-authored
// ones for the generated layout.
func (g *Generator) Generate(place *workflow.Place, op workflow.Operation, bindings []facts.Atom) (*RuleSet, error) {
	ctrl := g.controlling(place)
	nodeType := rulebase.NodeEdge
	if ctrl != nil {
		nodeType = ctrl.Type
	}

	rs := &RuleSet{
		Place:     place,
		Operation: op,
		NodeType:  nodeType,
		Buffer:    g.bufferFor(place),
	}
	rs.Atoms = append(rs.Atoms, facts.A("NodeType", nodeType))

	if nodeType == rulebase.NodeJoin && g.model.ProcessType == workflow.ProcessPetriNet {
		if jp, ok := g.plan.JoinFor(place.ID); ok {
			rs.Atoms = append(rs.Atoms, facts.A("JoinInputCount", strconv.Itoa(jp.InputCount())))
		}
	}

	rs.Atoms = append(rs.Atoms, bindings...)

	// A join controls a place from the incoming side; its onward routing
	// still follows the place's own outgoing transition.
	routeTrans := ctrl
	if ctrl != nil && nodeType == rulebase.NodeJoin {
		routeTrans = nil
		if outs := g.model.TransitionsOutOf(place.ID); len(outs) > 0 {
			routeTrans = outs[0]
		}
	}
	if routeTrans != nil {
		routing, err := g.routeAtoms(place, routeTrans)
		if err != nil {
			return nil, err
		}
		rs.Atoms = append(rs.Atoms, routing...)
	}
	return rs, nil
}

func (g *Generator) routeAtoms(place *workflow.Place, t *workflow.Transition) ([]facts.Atom, error) {
	if t.Type == rulebase.NodeTerminate {
		return []facts.Atom{terminateRow("", "")}, nil
	}

	dests := g.model.DestinationsOf(t.ID)
	if err := g.checkEndpoints(place, dests); err != nil {
		return nil, err
	}

	switch t.Type {
	case rulebase.NodeGateway:
		return g.gatewayRows(place, dests), nil
	case rulebase.NodeFork:
		return g.forkRows(place, dests), nil
	case rulebase.NodeDecision, rulebase.NodeXor:
		return g.decisionRows(place, dests), nil
	default:
		return g.edgeRows(place, dests), nil
	}
}

// checkEndpoints verifies every endpoint override names an operation the
// target place offers.
func (g *Generator) checkEndpoints(place *workflow.Place, dests []workflow.Destination) error {
	for _, d := range dests {
		if d.Edge.Endpoint == "" || d.Place == nil {
			continue
		}
		if _, ok := d.Place.Operation(d.Edge.Endpoint); !ok {
			return fmt.Errorf("WORKFLOW_DEF_ERROR_EDGE: arc %s -> %s names endpoint %q, which %s does not offer",
				d.Edge.From, d.Edge.To, d.Edge.Endpoint, d.Place.ID)
		}
	}
	return nil
}

// edgeRows emits one unconditional row per destination. Terminal
// destinations become TERMINATE rows.
func (g *Generator) edgeRows(place *workflow.Place, dests []workflow.Destination) []facts.Atom {
	var atoms []facts.Atom
	for _, d := range dests {
		if d.Terminate {
			atoms = append(atoms, terminateRow("", ""))
			continue
		}
		if d.Place == nil {
			g.dropDest(place, d)
			continue
		}
		atoms = append(atoms, facts.A("meetsCondition", d.Place.Service, d.Operation, "", ""))
	}
	return atoms
}

// gatewayRows emits one row per arc keyed by its decision value. A
// terminal arc keeps its decision value so the gateway can end tokens on
// a routing key.
func (g *Generator) gatewayRows(place *workflow.Place, dests []workflow.Destination) []facts.Atom {
	var atoms []facts.Atom
	for _, d := range dests {
		dv := d.Edge.DecisionValue
		if d.Terminate {
			atoms = append(atoms, terminateRow(rulebase.CondGateway, dv))
			continue
		}
		if d.Place == nil {
			g.dropDest(place, d)
			continue
		}
		atoms = append(atoms, facts.A("meetsCondition", d.Place.Service, d.Operation, rulebase.CondGateway, dv))
	}
	return atoms
}

// forkRows emits an unconditional row plus a parallelSplit row per
// branch. A fork branch cannot terminate.
func (g *Generator) forkRows(place *workflow.Place, dests []workflow.Destination) []facts.Atom {
	var atoms []facts.Atom
	var splits []facts.Atom
	for _, d := range dests {
		if d.Terminate || d.Place == nil {
			g.dropDest(place, d)
			continue
		}
		atoms = append(atoms, facts.A("meetsCondition", d.Place.Service, d.Operation, "", ""))
		splits = append(splits, facts.A("parallelSplit", d.Place.Service, d.Operation))
	}
	return append(atoms, splits...)
}

// decisionRows groups arcs by (condition, decision value) in first
// appearance order, emitting the group's DecisionValue atom followed by
// its branch rows.
func (g *Generator) decisionRows(place *workflow.Place, dests []workflow.Destination) []facts.Atom {
	type condKey struct{ ct, dv string }
	var order []condKey
	groups := make(map[condKey][]workflow.Destination)
	for _, d := range dests {
		k := condKey{ct: d.Edge.Condition, dv: d.Edge.DecisionValue}
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], d)
	}

	var atoms []facts.Atom
	for _, k := range order {
		if k.ct != "" || k.dv != "" {
			atoms = append(atoms, facts.A("DecisionValue", k.ct, k.dv))
		}
		for _, d := range groups[k] {
			if d.Terminate {
				atoms = append(atoms, facts.A("terminatesOn", k.ct, k.dv))
				continue
			}
			if d.Place == nil {
				g.dropDest(place, d)
				continue
			}
			atoms = append(atoms, facts.A("meetsCondition", d.Place.Service, d.Operation, k.ct, k.dv))
		}
	}
	return atoms
}

func (g *Generator) dropDest(place *workflow.Place, d workflow.Destination) {
	g.log.Warn("arc resolves to no deployable place, dropping route",
		"place", place.ID, "from", d.Edge.From, "to", d.Edge.To)
}

// bufferFor returns the queue size declared on a transition feeding the
// place. Parsing already zeroes buffers on transition kinds that may not
// carry one.
func (g *Generator) bufferFor(place *workflow.Place) int {
	for _, t := range g.model.TransitionsInto(place.ID) {
		if t.Buffer > 0 {
			return t.Buffer
		}
	}
	return 0
}

func terminateRow(conditionType, decisionValue string) facts.Atom {
	return facts.A("meetsCondition", rulebase.TerminatePlace, rulebase.TerminatePlace, conditionType, decisionValue)
}
