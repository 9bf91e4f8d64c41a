// Package registry holds the connector/tool lookup contract the invocation
// pipeline consumes. Connectors register tools with compiled JSON Schemas
// and a declared policy class; the pipeline never mutates a ToolSpec.
package registry

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/gatewright/gatewright/pkg/policy"
	"github.com/gatewright/gatewright/pkg/tenant"
)

// toolNamePattern: must not start with a digit; alphanumerics, hyphen,
// underscore only.
var toolNamePattern = regexp.MustCompile(`^[A-Za-z_-][A-Za-z0-9_-]*$`)

// ToolContext is the derived execution context handed to a tool's execution
// function.
type ToolContext struct {
	RunID  string
	Tenant tenant.Context
	Tool   string // fully-qualified connector.tool name
	Class  policy.Class
}

// ExecFunc is a tool's execution function. Failures are returned, never
// panicked; the pipeline still guards against panics.
type ExecFunc func(ctx context.Context, tc ToolContext, input map[string]any) (any, error)

// ToolSpec is one named, typed operation a connector exposes.
type ToolSpec struct {
	Name         string
	Class        policy.Class
	inputSchema  *jsonschema.Schema
	outputSchema *jsonschema.Schema
	exec         ExecFunc
}

// NewToolSpec validates the name, compiles both schemas (Draft 2020-12), and
// binds the execution function. Empty schema strings mean "accept anything".
func NewToolSpec(name string, class policy.Class, inputSchema, outputSchema string, exec ExecFunc) (*ToolSpec, error) {
	if !toolNamePattern.MatchString(name) {
		return nil, fmt.Errorf("registry: invalid tool name %q", name)
	}
	if !class.Valid() {
		return nil, fmt.Errorf("registry: tool %q declares unknown policy class %q", name, class)
	}
	if exec == nil {
		return nil, fmt.Errorf("registry: tool %q has no execution function", name)
	}
	ts := &ToolSpec{Name: name, Class: class, exec: exec}

	var err error
	if ts.inputSchema, err = compileSchema(name, "input", inputSchema); err != nil {
		return nil, err
	}
	if ts.outputSchema, err = compileSchema(name, "output", outputSchema); err != nil {
		return nil, err
	}
	return ts, nil
}

func compileSchema(tool, kind, schema string) (*jsonschema.Schema, error) {
	if schema == "" {
		return nil, nil
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://gatewright.schemas.local/tools/%s.%s.schema.json", tool, kind)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("registry: tool %q %s schema load failed: %w", tool, kind, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("registry: tool %q %s schema compile failed: %w", tool, kind, err)
	}
	return compiled, nil
}

// ValidateInput checks a payload against the tool's declared input schema.
func (t *ToolSpec) ValidateInput(input map[string]any) error {
	if t.inputSchema == nil {
		return nil
	}
	if err := t.inputSchema.Validate(anyMap(input)); err != nil {
		return fmt.Errorf("registry: tool %q input rejected: %w", t.Name, err)
	}
	return nil
}

// ValidateOutput checks an execution result against the output schema, when
// one is declared. Used by connector test harnesses; the pipeline reports
// but does not reject on output violations.
func (t *ToolSpec) ValidateOutput(output any) error {
	if t.outputSchema == nil {
		return nil
	}
	if err := t.outputSchema.Validate(output); err != nil {
		return fmt.Errorf("registry: tool %q output violates declared schema: %w", t.Name, err)
	}
	return nil
}

// Execute runs the tool's execution function.
func (t *ToolSpec) Execute(ctx context.Context, tc ToolContext, input map[string]any) (any, error) {
	return t.exec(ctx, tc, input)
}

// anyMap maps nil to an empty object so schema validation of "no payload"
// behaves like an empty payload.
func anyMap(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
