package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// definition is the subset of a JSON schema the checker inspects.
type definition struct {
	Type       string              `json:"type"`
	Properties map[string]property `json:"properties"`
	Required   []string            `json:"required"`
}

type property struct {
	Type    string          `json:"type"`
	Enum    []string        `json:"enum"`
	Default json.RawMessage `json:"default"`
}

func parseDefinition(raw json.RawMessage) (*definition, error) {
	var def definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("failed to parse schema definition: %w", err)
	}
	return &def, nil
}

func (d *definition) requiredSet() map[string]bool {
	set := make(map[string]bool, len(d.Required))
	for _, name := range d.Required {
		set[name] = true
	}
	return set
}

// CheckCompatibility compares a candidate schema against the previous version
// under the given level and returns every violated rule. A non-nil error means
// the check itself could not run; callers must treat that as a failure rather
// than accept the candidate.
func CheckCompatibility(level CompatibilityLevel, previous, candidate json.RawMessage) ([]string, error) {
	if level == CompatibilityNone {
		return nil, nil
	}
	if !level.IsValid() {
		return nil, fmt.Errorf("unknown compatibility level %q", level)
	}

	oldDef, err := parseDefinition(previous)
	if err != nil {
		return nil, fmt.Errorf("previous version: %w", err)
	}
	newDef, err := parseDefinition(candidate)
	if err != nil {
		return nil, fmt.Errorf("candidate version: %w", err)
	}

	var violations []string
	if level == CompatibilityBackward || level == CompatibilityFull {
		violations = append(violations, checkBackward(oldDef, newDef)...)
	}
	if level == CompatibilityForward || level == CompatibilityFull {
		violations = append(violations, checkForward(oldDef, newDef)...)
	}
	return violations, nil
}

// checkBackward verifies the candidate schema can read data written under the
// previous schema.
func checkBackward(oldDef, newDef *definition) []string {
	var violations []string

	var removed []string
	for name := range oldDef.Properties {
		if _, ok := newDef.Properties[name]; !ok {
			removed = append(removed, name)
		}
	}
	if len(removed) > 0 {
		sort.Strings(removed)
		violations = append(violations, "Removed fields: "+strings.Join(removed, ", "))
	}

	newRequired := newDef.requiredSet()
	var addedRequired []string
	for name := range newDef.Properties {
		if _, existed := oldDef.Properties[name]; !existed && newRequired[name] {
			addedRequired = append(addedRequired, name)
		}
	}
	if len(addedRequired) > 0 {
		sort.Strings(addedRequired)
		violations = append(violations, "Added required fields: "+strings.Join(addedRequired, ", "))
	}

	names := make([]string, 0, len(oldDef.Properties))
	for name := range oldDef.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		oldProp := oldDef.Properties[name]
		newProp, ok := newDef.Properties[name]
		if !ok {
			continue
		}
		if oldProp.Type != "" && newProp.Type != "" && oldProp.Type != newProp.Type {
			if !typeWidens(oldProp.Type, newProp.Type) {
				violations = append(violations, fmt.Sprintf(
					"Incompatible type change for field %s: %s -> %s", name, oldProp.Type, newProp.Type))
			}
		}
		if dropped := removedEnumValues(oldProp.Enum, newProp.Enum); len(dropped) > 0 {
			violations = append(violations, fmt.Sprintf(
				"Removed enum values for field %s: %s", name, strings.Join(dropped, ", ")))
		}
	}

	return violations
}

// checkForward verifies data written under the candidate schema can be read
// by the previous schema.
func checkForward(oldDef, newDef *definition) []string {
	var violations []string

	oldRequired := oldDef.requiredSet()
	newRequired := newDef.requiredSet()

	var droppedRequired []string
	for name := range oldRequired {
		if !newRequired[name] {
			droppedRequired = append(droppedRequired, name)
		}
	}
	if len(droppedRequired) > 0 {
		sort.Strings(droppedRequired)
		violations = append(violations, "Removed required fields: "+strings.Join(droppedRequired, ", "))
	}

	var addedRequired []string
	for name, prop := range newDef.Properties {
		if _, existed := oldDef.Properties[name]; existed {
			continue
		}
		if newRequired[name] && len(prop.Default) == 0 {
			addedRequired = append(addedRequired, name)
		}
	}
	if len(addedRequired) > 0 {
		sort.Strings(addedRequired)
		violations = append(violations, "Added required fields without default: "+strings.Join(addedRequired, ", "))
	}

	return violations
}

// typeWidens reports whether old data of type from remains readable when the
// field is redeclared as type to. Only the integer to number widening is safe.
func typeWidens(from, to string) bool {
	return from == "integer" && to == "number"
}

// removedEnumValues returns the old enum values missing from the new enum.
// An unconstrained new field (no enum) accepts everything.
func removedEnumValues(oldEnum, newEnum []string) []string {
	if len(oldEnum) == 0 || len(newEnum) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(newEnum))
	for _, v := range newEnum {
		allowed[v] = true
	}
	var dropped []string
	for _, v := range oldEnum {
		if !allowed[v] {
			dropped = append(dropped, v)
		}
	}
	sort.Strings(dropped)
	return dropped
}
