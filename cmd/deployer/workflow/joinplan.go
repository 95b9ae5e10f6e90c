package workflow

import (
	"fmt"
	"strings"

	"github.com/petrel-io/petrel/common/rulebase"
	"github.com/petrel-io/petrel/common/token"
)

// IsFeedbackArc reports whether the arc leaves and re-enters the same
// place: source T_out and target T_in with equal suffixes. Such arcs are
// retry loops, never parallel join branches.
func IsFeedbackArc(fromID, toID string) bool {
	if !strings.HasPrefix(fromID, TransOut) || !strings.HasPrefix(toID, TransIn) {
		return false
	}
	return transitionSuffix(fromID, TransOut) == transitionSuffix(toID, TransIn)
}

func transitionSuffix(id, prefix string) string {
	return strings.TrimLeft(strings.TrimPrefix(id, prefix), "_")
}

// JoinInputs returns the join's incoming arcs in definition order, minus
// EventGenerator sources and feedback arcs. This count is the join's
// arity everywhere: validation, slot planning, and the deployed
// JoinInputCount atom.
func JoinInputs(m *Model, joinID string) []Edge {
	var kept []Edge
	for _, e := range m.Incoming(joinID) {
		if e.From == LiteralEventGen {
			continue
		}
		if t, ok := m.Transition(e.From); ok && t.Type == rulebase.NodeEventGen {
			continue
		}
		if IsFeedbackArc(e.From, joinID) {
			continue
		}
		kept = append(kept, e)
	}
	return kept
}

// SlotAssignment binds one retained incoming arc of a join to a named
// argument slot of the downstream operation.
type SlotAssignment struct {
	// SourceID is the arc's source node, usually a T_out transition.
	SourceID string

	// SourcePlace is the place whose output travels this arc, empty
	// when none could be resolved.
	SourcePlace string

	Slot      string
	SlotIndex int // 1-based
}

// JoinPlan is the slot layout of one JoinNode.
type JoinPlan struct {
	JoinID    string
	PlaceID   string
	Service   string
	Operation string
	Slots     []SlotAssignment
}

// InputCount is the join's arity.
func (j JoinPlan) InputCount() int { return len(j.Slots) }

// Plan holds every join's slot layout plus the return attribute each
// place must stamp on the tokens it publishes.
type Plan struct {
	Joins    []JoinPlan
	Warnings []string

	returnAttrs map[string]string // place id -> slot name
}

// ReturnAttr resolves the attribute a place's operation publishes under:
// the operation's declared returnAttribute, else the join slot its T_out
// feeds, else "token".
func (p *Plan) ReturnAttr(placeID string, op Operation) string {
	if op.ReturnAttribute != "" {
		return op.ReturnAttribute
	}
	if attr, ok := p.returnAttrs[placeID]; ok {
		return attr
	}
	return "token"
}

// JoinFor returns the plan of the join feeding the given place, if any.
func (p *Plan) JoinFor(placeID string) (JoinPlan, bool) {
	for _, j := range p.Joins {
		if j.PlaceID == placeID {
			return j, true
		}
	}
	return JoinPlan{}, false
}

// PlanJoins lays out the slots of every JoinNode. PetriNet mode invents
// token_branch{i} names when the downstream operation declares no
// arguments; SOA mode requires the declared arity to match the retained
// arc count exactly.
func PlanJoins(m *Model) (*Plan, error) {
	plan := &Plan{returnAttrs: make(map[string]string)}

	for _, t := range m.Transitions() {
		if t.Type != rulebase.NodeJoin {
			continue
		}

		var dest *Destination
		for _, d := range m.DestinationsOf(t.ID) {
			if d.Place != nil {
				dd := d
				dest = &dd
				break
			}
		}
		if dest == nil {
			return nil, fmt.Errorf("join %s reaches no downstream place", t.ID)
		}

		op, ok := dest.Place.Operation(dest.Operation)
		if !ok {
			return nil, fmt.Errorf("join %s: place %s has no operation %q",
				t.ID, dest.Place.ID, dest.Operation)
		}

		arcs := JoinInputs(m, t.ID)
		if len(arcs) > token.MaxFanOut {
			return nil, fmt.Errorf("join %s has %d incoming arcs, codec limit is %d",
				t.ID, len(arcs), token.MaxFanOut)
		}

		argNames := op.Arguments
		switch {
		case len(argNames) == 0:
			if m.ProcessType == ProcessSOA {
				return nil, fmt.Errorf("join %s: %s/%s declares no inputs for %d branches",
					t.ID, dest.Place.Service, op.Name, len(arcs))
			}
			argNames = make([]string, len(arcs))
			for i := range argNames {
				argNames[i] = fmt.Sprintf("token_branch%d", i+1)
			}

		case len(argNames) < len(arcs):
			return nil, fmt.Errorf("join %s: %d incoming arcs but %s/%s binds only %d inputs",
				t.ID, len(arcs), dest.Place.Service, op.Name, len(argNames))

		case len(argNames) > len(arcs):
			if m.ProcessType == ProcessSOA {
				return nil, fmt.Errorf("join %s: %s/%s binds %d inputs but only %d arcs arrive",
					t.ID, dest.Place.Service, op.Name, len(argNames), len(arcs))
			}
			plan.Warnings = append(plan.Warnings,
				fmt.Sprintf("join %s: %s/%s binds %d inputs, only %d arcs arrive",
					t.ID, dest.Place.Service, op.Name, len(argNames), len(arcs)))
		}

		jp := JoinPlan{
			JoinID:    t.ID,
			PlaceID:   dest.Place.ID,
			Service:   dest.Place.Service,
			Operation: op.Name,
		}
		for i, arc := range arcs {
			slot := SlotAssignment{
				SourceID:  arc.From,
				Slot:      argNames[i],
				SlotIndex: i + 1,
			}
			if src, ok := sourcePlace(m, arc.From); ok {
				slot.SourcePlace = src.ID
				if prev, dup := plan.returnAttrs[src.ID]; dup && prev != slot.Slot {
					plan.Warnings = append(plan.Warnings,
						fmt.Sprintf("place %s feeds slots %s and %s; keeping %s",
							src.ID, prev, slot.Slot, slot.Slot))
				}
				plan.returnAttrs[src.ID] = slot.Slot
			}
			jp.Slots = append(jp.Slots, slot)
		}
		plan.Joins = append(plan.Joins, jp)
	}
	return plan, nil
}

// sourcePlace finds the place whose output travels an arc into a join:
// the arc source itself when it is a place, else the place feeding the
// source transition.
func sourcePlace(m *Model, sourceID string) (*Place, bool) {
	if p, ok := m.Place(sourceID); ok {
		return p, true
	}
	for _, e := range m.Incoming(sourceID) {
		if p, ok := m.Place(e.From); ok {
			return p, true
		}
	}
	return nil, false
}
