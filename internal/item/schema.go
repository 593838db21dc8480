package item

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Structural schemas for the durable artifacts. Loads go through these
// before the Go-level Validate checks so corruption is reported as a
// schema error naming the offending key, not a decode panic downstream.

const itemSchemaJSON = `{
  "type": "object",
  "required": ["schema_version", "id", "title", "state", "created_at", "updated_at"],
  "properties": {
    "schema_version": {"type": "integer", "minimum": 1},
    "id": {"type": "string", "pattern": "^[0-9]{3,}-[a-z0-9][a-z0-9-]*$"},
    "title": {"type": "string"},
    "overview": {"type": "string"},
    "state": {"enum": ["raw", "researched", "planned", "implementing", "in_pr", "done"]},
    "branch": {"type": "string"},
    "pr_url": {"type": "string"},
    "pr_number": {"type": "integer"},
    "rollback_sha": {"type": "string"},
    "depends_on": {"type": "array", "items": {"type": "string"}},
    "campaign": {"type": "string"},
    "last_error": {"type": "string"},
    "created_at": {"type": "string"},
    "updated_at": {"type": "string"},
    "completed_at": {"type": ["string", "null"]}
  }
}`

const planSchemaJSON = `{
  "type": "object",
  "required": ["schema_version", "id", "branch_name", "user_stories"],
  "properties": {
    "schema_version": {"type": "integer", "minimum": 1},
    "id": {"type": "string"},
    "branch_name": {"type": "string"},
    "user_stories": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "title", "acceptance_criteria", "priority", "status"],
        "properties": {
          "id": {"type": "string", "pattern": "^US-[0-9]{3,}$"},
          "title": {"type": "string"},
          "acceptance_criteria": {"type": "array", "items": {"type": "string"}},
          "priority": {"type": "integer"},
          "status": {"enum": ["pending", "done"]},
          "notes": {"type": "string"},
          "scope": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	itemSchema *jsonschema.Schema
	planSchema *jsonschema.Schema
	schemaErr  error
)

func compileSchemas() {
	compile := func(name, src string) (*jsonschema.Schema, error) {
		c := jsonschema.NewCompiler()
		if err := c.AddResource(name, strings.NewReader(src)); err != nil {
			return nil, err
		}
		return c.Compile(name)
	}
	itemSchema, schemaErr = compile("item.json", itemSchemaJSON)
	if schemaErr != nil {
		return
	}
	planSchema, schemaErr = compile("prd.json", planSchemaJSON)
}

// ValidateItemDoc checks a decoded item.json document against the
// structural schema.
func ValidateItemDoc(doc any) error {
	schemaOnce.Do(compileSchemas)
	if schemaErr != nil {
		return fmt.Errorf("compile item schema: %w", schemaErr)
	}
	if err := itemSchema.Validate(doc); err != nil {
		return fmt.Errorf("item schema: %w", err)
	}
	return nil
}

// ValidatePlanDoc checks a decoded prd.json document against the
// structural schema.
func ValidatePlanDoc(doc any) error {
	schemaOnce.Do(compileSchemas)
	if schemaErr != nil {
		return fmt.Errorf("compile plan schema: %w", schemaErr)
	}
	if err := planSchema.Validate(doc); err != nil {
		return fmt.Errorf("plan schema: %w", err)
	}
	return nil
}
