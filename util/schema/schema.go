// Package schema generates MCP input schemas from Go structs and validates
// call arguments against them.
package schema

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/localserve/mcpd/protocol"
)

func goKindToSchemaType(kind reflect.Kind) string {
	switch kind {
	case reflect.String:
		return "string"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Bool:
		return "boolean"
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Map, reflect.Struct:
		return "object"
	default:
		return "string"
	}
}

// FromStruct builds a protocol.InputSchema from the struct type of v. Field
// names come from `json` tags, descriptions from `description` tags, allowed
// values from `enum` tags. Non-pointer fields are required.
func FromStruct(v interface{}) protocol.InputSchema {
	t := reflect.TypeOf(v)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	props := make(map[string]protocol.Property)
	var required []string

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" {
			continue
		}
		jsonTag := field.Tag.Get("json")
		if jsonTag == "-" {
			continue
		}
		name := strings.ToLower(field.Name)
		if jsonTag != "" {
			name = strings.Split(jsonTag, ",")[0]
		}

		fieldType := field.Type
		isPtr := fieldType.Kind() == reflect.Ptr
		if isPtr {
			fieldType = fieldType.Elem()
		}
		if !isPtr {
			required = append(required, name)
		}

		var enum []interface{}
		if tag := field.Tag.Get("enum"); tag != "" {
			for _, val := range strings.Split(tag, ",") {
				enum = append(enum, strings.TrimSpace(val))
			}
		}

		props[name] = protocol.Property{
			Type:        goKindToSchemaType(fieldType.Kind()),
			Description: field.Tag.Get("description"),
			Enum:        enum,
			Format:      field.Tag.Get("format"),
		}
	}

	return protocol.InputSchema{
		Type:       "object",
		Properties: props,
		Required:   required,
	}
}

// ValidationError describes one schema violation in call arguments.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidateArguments checks raw JSON arguments against a schema. The returned
// slice is empty when the arguments conform.
func ValidateArguments(s protocol.InputSchema, raw json.RawMessage) []ValidationError {
	var errs []ValidationError
	args := map[string]interface{}{}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &args); err != nil {
			return []ValidationError{{Field: "", Message: "arguments must be a JSON object"}}
		}
	}

	for _, name := range s.Required {
		if _, ok := args[name]; !ok {
			errs = append(errs, ValidationError{Field: name, Message: "required field missing"})
		}
	}

	for name, value := range args {
		prop, ok := s.Properties[name]
		if !ok {
			continue // unknown fields pass through to the component
		}
		if value == nil {
			continue
		}
		if msg := checkType(prop, value); msg != "" {
			errs = append(errs, ValidationError{Field: name, Message: msg})
		}
	}
	return errs
}

func checkType(prop protocol.Property, value interface{}) string {
	switch prop.Type {
	case "string":
		s, ok := value.(string)
		if !ok {
			return "expected string"
		}
		if len(prop.Enum) > 0 && !enumContains(prop.Enum, s) {
			return fmt.Sprintf("value %q not in enum", s)
		}
	case "integer":
		f, ok := value.(float64)
		if !ok || f != float64(int64(f)) {
			return "expected integer"
		}
	case "number":
		if _, ok := value.(float64); !ok {
			return "expected number"
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return "expected boolean"
		}
	case "array":
		if _, ok := value.([]interface{}); !ok {
			return "expected array"
		}
	case "object":
		if _, ok := value.(map[string]interface{}); !ok {
			return "expected object"
		}
	}
	return ""
}

func enumContains(enum []interface{}, s string) bool {
	for _, e := range enum {
		if str, ok := e.(string); ok && str == s {
			return true
		}
	}
	return false
}

// DecodeArguments decodes raw JSON arguments into a typed struct using
// mapstructure with json tag names, so tool handlers receive native types.
func DecodeArguments(raw json.RawMessage, target interface{}) error {
	args := map[string]interface{}{}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &args); err != nil {
			return fmt.Errorf("invalid arguments format: %w", err)
		}
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  target,
		TagName: "json",
	})
	if err != nil {
		return fmt.Errorf("failed to create argument decoder: %w", err)
	}
	if err := decoder.Decode(args); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
