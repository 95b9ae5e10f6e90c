package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/petrel-io/petrel/common/rulebase"
	"github.com/petrel-io/petrel/common/validation"
)

// ErrInvalidProcessType marks a definition whose processType is missing
// or names neither PetriNet nor SOA.
var ErrInvalidProcessType = errors.New("invalid process type")

// documentJSON mirrors the process-definition file.
type documentJSON struct {
	ProcessType string        `json:"processType"`
	Elements    []elementJSON `json:"elements"`
	Arrows      []arrowJSON   `json:"arrows"`
}

type elementJSON struct {
	Type  string `json:"type"` // PLACE | TRANSITION | EVENT_GENERATOR
	ID    string `json:"id"`
	Label string `json:"label"`

	// PLACE fields. Either the legacy single operation string or the
	// structured operations list is present.
	Service     string            `json:"service"`
	Operation   string            `json:"operation"`
	Operations  []json.RawMessage `json:"operations"`
	Floating    bool              `json:"floating"`
	ElementType string            `json:"elementType"`

	// TRANSITION fields.
	NodeType       string `json:"node_type"`
	NodeValue      string `json:"node_value"`
	TransitionType string `json:"transition_type"`
	Buffer         int    `json:"buffer"`
}

type operationJSON struct {
	Name            string         `json:"name"`
	ReturnAttribute string         `json:"returnAttribute"`
	Arguments       []argumentJSON `json:"arguments"`
}

type argumentJSON struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type arrowJSON struct {
	Source         string `json:"source"`
	Target         string `json:"target"`
	GuardCondition string `json:"guardCondition"`
	Condition      string `json:"condition"` // legacy
	DecisionValue  string `json:"decision_value"`
	Endpoint       string `json:"endpoint"`
	Label          string `json:"label"`
}

// Parse decodes a process-definition document into a model.
func Parse(data []byte) (*Model, error) {
	var doc documentJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse process definition: %w", err)
	}

	switch doc.ProcessType {
	case ProcessPetriNet, ProcessSOA:
	default:
		return nil, fmt.Errorf("%w: processType %q", ErrInvalidProcessType, doc.ProcessType)
	}

	m := NewModel(doc.ProcessType)
	for i, el := range doc.Elements {
		if el.ID == "" {
			return nil, fmt.Errorf("element %d has no id", i)
		}
		switch el.Type {
		case "PLACE":
			ops, err := parseOperations(el)
			if err != nil {
				return nil, fmt.Errorf("place %s: %w", el.ID, err)
			}
			m.AddPlace(&Place{
				ID:          el.ID,
				Label:       el.Label,
				Service:     el.Service,
				Operations:  ops,
				Floating:    el.Floating,
				ElementType: el.ElementType,
			})

		case "TRANSITION":
			buffer := el.Buffer
			if el.TransitionType != TransIn && el.TransitionType != TransOther {
				buffer = 0
			}
			m.AddTransition(&Transition{
				ID:             el.ID,
				Label:          el.Label,
				Type:           el.NodeType,
				Value:          el.NodeValue,
				TransitionType: el.TransitionType,
				Buffer:         buffer,
			})

		case "EVENT_GENERATOR":
			// Generators source arcs but never receive a rule payload;
			// they enter the model as transitions.
			m.AddTransition(&Transition{
				ID:    el.ID,
				Label: el.Label,
				Type:  rulebase.NodeEventGen,
			})

		default:
			return nil, fmt.Errorf("element %s has unknown type %q", el.ID, el.Type)
		}
	}

	for _, a := range doc.Arrows {
		condition := a.GuardCondition
		if condition == "" {
			condition = a.Condition
		}
		m.AddEdge(Edge{
			From:          a.Source,
			To:            a.Target,
			Condition:     condition,
			DecisionValue: a.DecisionValue,
			Endpoint:      a.Endpoint,
			Label:         a.Label,
		})
	}
	return m, nil
}

// parseOperations resolves the structured operations list, items being
// either bare strings or {name, returnAttribute, arguments} objects, with
// the legacy single-operation string as fallback.
func parseOperations(el elementJSON) ([]Operation, error) {
	if len(el.Operations) == 0 {
		if el.Operation == "" {
			return nil, nil
		}
		return []Operation{{Name: el.Operation}}, nil
	}

	ops := make([]Operation, 0, len(el.Operations))
	for i, raw := range el.Operations {
		var name string
		if err := json.Unmarshal(raw, &name); err == nil {
			ops = append(ops, Operation{Name: name})
			continue
		}
		var op operationJSON
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
		if op.Name == "" {
			return nil, fmt.Errorf("operation %d has no name", i)
		}
		args := make([]string, 0, len(op.Arguments))
		for _, arg := range op.Arguments {
			args = append(args, arg.Name)
		}
		ops = append(ops, Operation{
			Name:            op.Name,
			ReturnAttribute: op.ReturnAttribute,
			Arguments:       args,
		})
	}
	return ops, nil
}

// ParseFile loads and decodes a process-definition file.
func ParseFile(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read process definition: %w", err)
	}
	return Parse(data)
}

// ApplyOverlay validates an RFC 6902 overlay and applies it to the raw
// definition document, returning the patched document.
func ApplyOverlay(doc, overlay []byte) ([]byte, error) {
	if err := validation.NewOverlayValidator().Validate(overlay); err != nil {
		return nil, fmt.Errorf("overlay rejected: %w", err)
	}
	patch, err := jsonpatch.DecodePatch(overlay)
	if err != nil {
		return nil, fmt.Errorf("decode overlay: %w", err)
	}
	patched, err := patch.Apply(doc)
	if err != nil {
		return nil, fmt.Errorf("apply overlay: %w", err)
	}
	return patched, nil
}
