package api

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

const eventSchemaJSON = `{
  "type": "object",
  "required": ["source", "type"],
  "additionalProperties": false,
  "properties": {
    "id": {"type": "string", "minLength": 1, "maxLength": 128},
    "timestamp": {"type": "string", "format": "date-time"},
    "source": {"type": "string", "minLength": 1, "maxLength": 256},
    "type": {"type": "string", "minLength": 1, "maxLength": 256},
    "fields": {"type": "object"}
  }
}`

const ruleSchemaJSON = `{
  "type": "object",
  "required": ["name", "severity", "action", "conditions"],
  "additionalProperties": false,
  "properties": {
    "id": {"type": "string"},
    "version": {"type": "integer"},
    "name": {"type": "string", "minLength": 1, "maxLength": 256},
    "description": {"type": "string", "maxLength": 4096},
    "enabled": {"type": "boolean"},
    "severity": {"enum": ["info", "low", "medium", "high", "critical"]},
    "action": {"enum": ["alert", "log"]},
    "tags": {"type": "array", "maxItems": 32, "items": {"type": "string", "maxLength": 64}},
    "conditions": {
      "type": "array",
      "minItems": 1,
      "maxItems": 64,
      "items": {
        "type": "object",
        "required": ["field", "operator"],
        "additionalProperties": false,
        "properties": {
          "field": {"type": "string", "minLength": 1, "maxLength": 256},
          "operator": {"enum": ["equals", "contains", "regex", "numeric", "in"]},
          "value": {},
          "values": {"type": "array", "maxItems": 1024},
          "compare": {"enum": ["gt", "gte", "lt", "lte", "eq", "ne"]}
        }
      }
    }
  }
}`

const simulationSchemaJSON = `{
  "type": "object",
  "minProperties": 1,
  "maxProperties": 1,
  "additionalProperties": false,
  "properties": {
    "events": {"type": "array", "items": {}},
    "query": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "source": {"type": "string", "maxLength": 256},
        "type": {"type": "string", "maxLength": 256},
        "since": {"type": "string", "format": "date-time"},
        "until": {"type": "string", "format": "date-time"},
        "limit": {"type": "integer", "minimum": 0}
      }
    },
    "generate": {
      "type": "object",
      "required": ["source", "type", "count"],
      "additionalProperties": false,
      "properties": {
        "source": {"type": "string", "minLength": 1, "maxLength": 256},
        "type": {"type": "string", "minLength": 1, "maxLength": 256},
        "count": {"type": "integer", "minimum": 1},
        "interval_ns": {"type": "integer", "minimum": 0},
        "fields": {"type": "object"},
        "vary": {
          "type": "object",
          "additionalProperties": {
            "type": "object",
            "required": ["min", "max"],
            "additionalProperties": false,
            "properties": {
              "min": {"type": "integer"},
              "max": {"type": "integer"}
            }
          }
        }
      }
    }
  }
}`

// routeSchemas holds the compiled request schemas, one per body-carrying
// route.
type routeSchemas struct {
	event      *gojsonschema.Schema
	rule       *gojsonschema.Schema
	simulation *gojsonschema.Schema
}

func compileSchemas() (*routeSchemas, error) {
	compile := func(name, src string) (*gojsonschema.Schema, error) {
		s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
		if err != nil {
			return nil, fmt.Errorf("failed to compile %s schema: %w", name, err)
		}
		return s, nil
	}
	event, err := compile("event", eventSchemaJSON)
	if err != nil {
		return nil, err
	}
	rule, err := compile("rule", ruleSchemaJSON)
	if err != nil {
		return nil, err
	}
	simulation, err := compile("simulation", simulationSchemaJSON)
	if err != nil {
		return nil, err
	}
	return &routeSchemas{event: event, rule: rule, simulation: simulation}, nil
}
