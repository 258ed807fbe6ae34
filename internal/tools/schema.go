package tools

import "encoding/json"

// ApplyDefaults walks an object schema and populates absent argument keys
// from the schema's default values, recursing into object-valued properties.
// Present values are never overridden.
func ApplyDefaults(schema json.RawMessage, args map[string]any) {
	node, ok := objectSchema(schema)
	if !ok {
		return
	}
	applyDefaultsObject(node, args)
}

func applyDefaultsObject(schema map[string]any, args map[string]any) {
	properties, ok := schema["properties"].(map[string]any)
	if !ok {
		return
	}
	for key, rawProperty := range properties {
		property, ok := rawProperty.(map[string]any)
		if !ok {
			continue
		}
		if _, present := args[key]; !present {
			if def, hasDefault := property["default"]; hasDefault {
				args[key] = cloneValue(def)
			}
		}
		if child, ok := args[key].(map[string]any); ok && isObjectSchema(property) {
			applyDefaultsObject(property, child)
		}
	}
}

// ValidateRequired verifies every `required` key is present at each nesting
// level, reporting the dotted path on the first violation.
func ValidateRequired(toolName string, schema json.RawMessage, args map[string]any) error {
	node, ok := objectSchema(schema)
	if !ok {
		return nil
	}
	return validateRequiredObject(toolName, node, args, "$")
}

func validateRequiredObject(toolName string, schema map[string]any, args map[string]any, path string) error {
	if required, ok := schema["required"].([]any); ok {
		for _, rawKey := range required {
			key, ok := rawKey.(string)
			if !ok {
				continue
			}
			if _, present := args[key]; !present {
				return &MissingRequiredError{Tool: toolName, Path: path, Key: key}
			}
		}
	}

	properties, ok := schema["properties"].(map[string]any)
	if !ok {
		return nil
	}
	for key, rawProperty := range properties {
		property, ok := rawProperty.(map[string]any)
		if !ok || !isObjectSchema(property) {
			continue
		}
		child, ok := args[key].(map[string]any)
		if !ok {
			continue
		}
		if err := validateRequiredObject(toolName, property, child, path+"."+key); err != nil {
			return err
		}
	}
	return nil
}

// objectSchema parses raw schema bytes into a map when the schema describes
// an object.
func objectSchema(schema json.RawMessage) (map[string]any, bool) {
	var node map[string]any
	if err := json.Unmarshal(schema, &node); err != nil {
		return nil, false
	}
	if !isObjectSchema(node) {
		return nil, false
	}
	return node, true
}

// isObjectSchema mirrors JSON-schema's lenient object detection: an explicit
// "type":"object", or properties/required with no type at all.
func isObjectSchema(schema map[string]any) bool {
	switch t := schema["type"].(type) {
	case string:
		return t == "object"
	case nil:
		_, hasProperties := schema["properties"]
		_, hasRequired := schema["required"]
		return hasProperties || hasRequired
	default:
		return false
	}
}

// cloneValue deep-copies a decoded JSON value so schema defaults are never
// aliased into caller arguments.
func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, inner := range typed {
			out[k] = cloneValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, inner := range typed {
			out[i] = cloneValue(inner)
		}
		return out
	default:
		return v
	}
}

// CountRequiredKeys reports the number of required keys at every nesting
// level, for catalog summaries.
func CountRequiredKeys(schema json.RawMessage) int {
	var node map[string]any
	if err := json.Unmarshal(schema, &node); err != nil {
		return 0
	}
	return countRequired(node)
}

func countRequired(schema map[string]any) int {
	total := 0
	if required, ok := schema["required"].([]any); ok {
		for _, key := range required {
			if _, isString := key.(string); isString {
				total++
			}
		}
	}
	if properties, ok := schema["properties"].(map[string]any); ok {
		for _, rawProperty := range properties {
			if property, ok := rawProperty.(map[string]any); ok {
				total += countRequired(property)
			}
		}
	}
	return total
}

// CountDefaultedKeys reports the number of properties carrying defaults at
// every nesting level.
func CountDefaultedKeys(schema json.RawMessage) int {
	var node map[string]any
	if err := json.Unmarshal(schema, &node); err != nil {
		return 0
	}
	return countDefaulted(node)
}

func countDefaulted(schema map[string]any) int {
	total := 0
	if properties, ok := schema["properties"].(map[string]any); ok {
		for _, rawProperty := range properties {
			property, ok := rawProperty.(map[string]any)
			if !ok {
				continue
			}
			if _, hasDefault := property["default"]; hasDefault {
				total++
			}
			total += countDefaulted(property)
		}
	}
	return total
}
