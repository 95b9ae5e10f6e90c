package orchestrator

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/tidwall/gjson"

	"github.com/petrel-io/petrel/cmd/servicehost/invoker"
	"github.com/petrel-io/petrel/common/rulebase"
)

// Declared return types a branch condition can be evaluated against.
const (
	TypeString  = "string"
	TypeBoolean = "boolean"
	TypeInt     = "int"
	TypeLong    = "long"
	TypeDouble  = "double"
	TypeJSON    = "json"
	TypeCEL     = "cel"
)

// routingPath is the JSON field a gateway return value is keyed by.
const routingPath = "routing_decision.routing_path"

// jsonPathPrefix selects an arbitrary field instead: "json:result.status".
const jsonPathPrefix = "json:"

// Evaluator decides whether a branch condition accepts a business result.
// CEL expressions are compiled once and cached.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewEvaluator creates an evaluator with an empty program cache.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]cel.Program)}
}

// Matches reports whether (conditionType, decisionValue) is satisfied by
// the result. An unknown condition type is an error, not a non-match, so
// the caller can log the branch it skipped.
func (e *Evaluator) Matches(conditionType, decisionValue string, res invoker.Result) (bool, error) {
	if strings.HasPrefix(conditionType, jsonPathPrefix) {
		path := conditionType[len(jsonPathPrefix):]
		return gjson.Get(res.Value, path).String() == decisionValue, nil
	}
	if conditionType == rulebase.CondGateway {
		return e.RoutingKey(res) == decisionValue, nil
	}

	switch strings.ToLower(strings.TrimSpace(conditionType)) {
	case "":
		// A branch with no condition at all is unconditional.
		if decisionValue == "" {
			return true, nil
		}
		return res.Value == decisionValue, nil

	case TypeString:
		return res.Value == decisionValue, nil

	case TypeBoolean:
		got, err := strconv.ParseBool(strings.TrimSpace(res.Value))
		if err != nil {
			return false, fmt.Errorf("boolean condition against %q: %w", res.Value, err)
		}
		want, err := strconv.ParseBool(strings.TrimSpace(decisionValue))
		if err != nil {
			return false, fmt.Errorf("boolean decision value %q: %w", decisionValue, err)
		}
		return got == want, nil

	case TypeInt, TypeLong:
		got, err := strconv.ParseInt(strings.TrimSpace(res.Value), 10, 64)
		if err != nil {
			return false, fmt.Errorf("integer condition against %q: %w", res.Value, err)
		}
		want, err := strconv.ParseInt(strings.TrimSpace(decisionValue), 10, 64)
		if err != nil {
			return false, fmt.Errorf("integer decision value %q: %w", decisionValue, err)
		}
		return got == want, nil

	case TypeDouble:
		got, err := strconv.ParseFloat(strings.TrimSpace(res.Value), 64)
		if err != nil {
			return false, fmt.Errorf("double condition against %q: %w", res.Value, err)
		}
		want, err := strconv.ParseFloat(strings.TrimSpace(decisionValue), 64)
		if err != nil {
			return false, fmt.Errorf("double decision value %q: %w", decisionValue, err)
		}
		return got == want, nil

	case TypeJSON:
		return gjson.Get(res.Value, routingPath).String() == decisionValue, nil

	case TypeCEL:
		return e.evalCEL(decisionValue, res)

	default:
		return false, fmt.Errorf("unsupported condition type %q", conditionType)
	}
}

// RoutingKey extracts the gateway routing key: the routing_decision
// field when the result carries one, else the raw return value.
func (e *Evaluator) RoutingKey(res invoker.Result) string {
	if v := gjson.Get(res.Value, routingPath); v.Exists() {
		return v.String()
	}
	return res.Value
}

// evalCEL evaluates a CEL expression over the variable output. The
// JSONPath shorthand $.field is accepted for output.field.
func (e *Evaluator) evalCEL(expr string, res invoker.Result) (bool, error) {
	normalized := strings.ReplaceAll(expr, "$.", "output.")

	prg, err := e.program(normalized)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]interface{}{
		"output": outputValue(res),
	})
	if err != nil {
		return false, fmt.Errorf("cel evaluation: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("cel expression %q returned %T, want bool", expr, out.Value())
	}
	return b, nil
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	env, err := cel.NewEnv(cel.Variable("output", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel compile %q: %w", expr, issues.Err())
	}
	prg, err = env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cel program %q: %w", expr, err)
	}

	e.mu.Lock()
	e.cache[expr] = prg
	e.mu.Unlock()
	return prg, nil
}

// outputValue converts the result to the CEL-visible value its declared
// type names, falling back to the raw string when the value does not
// parse.
func outputValue(res invoker.Result) interface{} {
	switch strings.ToLower(res.DeclaredType) {
	case TypeBoolean:
		if b, err := strconv.ParseBool(strings.TrimSpace(res.Value)); err == nil {
			return b
		}
	case TypeInt, TypeLong:
		if n, err := strconv.ParseInt(strings.TrimSpace(res.Value), 10, 64); err == nil {
			return n
		}
	case TypeDouble:
		if f, err := strconv.ParseFloat(strings.TrimSpace(res.Value), 64); err == nil {
			return f
		}
	case TypeJSON:
		if v := gjson.Parse(res.Value).Value(); v != nil {
			return v
		}
	}
	return res.Value
}

// CacheSize reports how many CEL programs are compiled.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
