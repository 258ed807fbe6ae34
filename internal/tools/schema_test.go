package tools

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestApplyDefaultsTopLevelAndNested(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"city": {"type": "string"},
			"units": {"type": "string", "default": "metric"},
			"prefs": {
				"type": "object",
				"properties": {
					"lang": {"type": "string", "default": "en"}
				}
			}
		}
	}`)

	args := map[string]any{"city": "Paris", "prefs": map[string]any{}}
	ApplyDefaults(schema, args)

	if args["units"] != "metric" {
		t.Errorf("units = %v, want metric default", args["units"])
	}
	prefs := args["prefs"].(map[string]any)
	if prefs["lang"] != "en" {
		t.Errorf("prefs.lang = %v, want nested default", prefs["lang"])
	}
}

func TestApplyDefaultsDoesNotOverrideExisting(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"units": {"type": "string", "default": "metric"}}
	}`)
	args := map[string]any{"units": "imperial"}
	ApplyDefaults(schema, args)
	if args["units"] != "imperial" {
		t.Errorf("units = %v, want existing value kept", args["units"])
	}
}

func TestValidateRequiredAcceptsDefaultFulfilled(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"units": {"type": "string", "default": "metric"}},
		"required": ["units"]
	}`)
	args := map[string]any{}
	ApplyDefaults(schema, args)
	if err := ValidateRequired("weather", schema, args); err != nil {
		t.Errorf("ValidateRequired() error = %v, want defaults to satisfy required", err)
	}
}

func TestValidateRequiredReportsDottedPath(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"filters": {"type": "object", "required": ["city"]}
		},
		"required": ["filters"]
	}`)
	err := ValidateRequired("weather", schema, map[string]any{"filters": map[string]any{}})

	var missing *MissingRequiredError
	if !errors.As(err, &missing) {
		t.Fatalf("error = %v, want MissingRequiredError", err)
	}
	if missing.Path != "$.filters" || missing.Key != "city" {
		t.Errorf("path = %s, key = %s", missing.Path, missing.Key)
	}
}

func TestSchemaCountsIncludeNested(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"required": ["city"],
		"properties": {
			"city": {"type": "string"},
			"units": {"type": "string", "default": "metric"},
			"filters": {
				"type": "object",
				"required": ["region"],
				"properties": {
					"region": {"type": "string"},
					"lang": {"type": "string", "default": "en"}
				}
			}
		}
	}`)

	if got := CountRequiredKeys(schema); got != 2 {
		t.Errorf("CountRequiredKeys() = %d, want 2", got)
	}
	if got := CountDefaultedKeys(schema); got != 2 {
		t.Errorf("CountDefaultedKeys() = %d, want 2", got)
	}
}

func TestImplicitObjectSchemaDetection(t *testing.T) {
	// No "type" member, but properties/required mark it as an object schema.
	schema := json.RawMessage(`{"properties": {"a": {"default": 1}}, "required": ["a"]}`)
	args := map[string]any{}
	ApplyDefaults(schema, args)
	if args["a"] != float64(1) {
		t.Errorf("args = %v, want default applied for implicit object schema", args)
	}
	if err := ValidateRequired("t", schema, args); err != nil {
		t.Errorf("ValidateRequired() error = %v", err)
	}
}
