// Package validation checks deploy overlays before they touch a process
// definition.
package validation

import (
	"encoding/json"
	"fmt"
)

// OverlayValidator validates RFC 6902 patch documents used as deploy
// overlays on process definitions.
type OverlayValidator struct{}

// NewOverlayValidator creates a new overlay validator.
func NewOverlayValidator() *OverlayValidator {
	return &OverlayValidator{}
}

// Validate checks every operation in the raw patch document. The overlay
// may adjust elements and arrows but may not rewrite the process type.
func (v *OverlayValidator) Validate(patch []byte) error {
	var operations []map[string]interface{}
	if err := json.Unmarshal(patch, &operations); err != nil {
		return fmt.Errorf("overlay is not a JSON patch array: %w", err)
	}
	if len(operations) == 0 {
		return fmt.Errorf("overlay contains no operations")
	}

	for i, op := range operations {
		if err := v.validateOperation(op, i); err != nil {
			return err
		}
	}
	return nil
}

func (v *OverlayValidator) validateOperation(op map[string]interface{}, index int) error {
	opType, ok := op["op"].(string)
	if !ok {
		return fmt.Errorf("operation %d: missing or invalid 'op' field", index)
	}

	path, ok := op["path"].(string)
	if !ok {
		return fmt.Errorf("operation %d: missing or invalid 'path' field", index)
	}
	if len(path) == 0 || path[0] != '/' {
		return fmt.Errorf("operation %d: path %q must start with '/'", index, path)
	}

	// A deploy overlay adjusts topology for an environment. Changing the
	// process type would flip binding semantics mid-deploy.
	if path == "/processType" {
		return fmt.Errorf("operation %d: overlays may not modify /processType", index)
	}

	switch opType {
	case "add", "replace", "test":
		if _, ok := op["value"]; !ok {
			return fmt.Errorf("operation %d: 'value' required for %s operation", index, opType)
		}

	case "move", "copy":
		from, ok := op["from"].(string)
		if !ok {
			return fmt.Errorf("operation %d: 'from' required for %s operation", index, opType)
		}
		if from == "/processType" {
			return fmt.Errorf("operation %d: overlays may not move /processType", index)
		}

	case "remove":

	default:
		return fmt.Errorf("operation %d: unsupported operation type: %s", index, opType)
	}

	return nil
}
