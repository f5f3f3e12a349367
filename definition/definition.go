// Package definition loads workflow definition files. Definitions name tasks
// and reference each other by name; building a workflow assigns stable IDs,
// rewrites dependency lists, and parses {{name.result}} parameter markers
// into typed references so the scheduler never works with raw strings.
//
// Files are parsed as YAML; JSON definitions work unchanged since JSON is a
// YAML subset.
package definition

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/taskmesh/resolver"
	"github.com/BaSui01/taskmesh/types"
)

// Duration wraps time.Duration for "30s"-style definition fields.
type Duration time.Duration

// UnmarshalYAML parses duration strings and bare nanosecond integers.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
		return nil
	case int:
		*d = Duration(v)
		return nil
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
}

// RetryDef is the retry policy section of a task definition.
type RetryDef struct {
	MaxAttempts  int      `yaml:"max_attempts"`
	InitialDelay Duration `yaml:"initial_delay"`
	MaxDelay     Duration `yaml:"max_delay"`
	Multiplier   float64  `yaml:"multiplier"`
	Jitter       *bool    `yaml:"jitter"`
}

// TaskDef is one task in a definition file.
type TaskDef struct {
	Name      string            `yaml:"name"`
	Protocol  string            `yaml:"protocol"`
	Method    string            `yaml:"method"`
	Params    map[string]any    `yaml:"params"`
	DependsOn []string          `yaml:"depends_on"`
	Priority  string            `yaml:"priority"`
	Timeout   Duration          `yaml:"timeout"`
	Retry     *RetryDef         `yaml:"retry"`
	Metadata  map[string]string `yaml:"metadata"`
}

// Definition is a complete workflow definition file.
type Definition struct {
	Name     string            `yaml:"name"`
	Metadata map[string]string `yaml:"metadata"`
	Tasks    []TaskDef         `yaml:"tasks"`
}

// Load reads and parses a definition file.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.NewError(types.ErrCodeValidation,
			fmt.Sprintf("cannot read definition %s", path)).WithCause(err)
	}
	return Parse(data)
}

// Parse parses definition bytes.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, types.NewError(types.ErrCodeValidation, "definition is not valid YAML").WithCause(err)
	}
	if err := def.validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// validate checks everything that can be checked without building: required
// fields, known priorities, unique names, and resolvable dependency names.
// Cycle detection happens at submission through graph validation.
func (d *Definition) validate() error {
	if d.Name == "" {
		return types.NewError(types.ErrCodeValidation, "workflow name is required")
	}
	if len(d.Tasks) == 0 {
		return types.NewError(types.ErrCodeValidation, "definition must declare at least one task")
	}

	names := make(map[string]bool, len(d.Tasks))
	for i, t := range d.Tasks {
		if t.Name == "" {
			return types.NewError(types.ErrCodeValidation, fmt.Sprintf("task %d: name is required", i))
		}
		if names[t.Name] {
			return types.NewError(types.ErrCodeValidation, fmt.Sprintf("duplicate task name %q", t.Name))
		}
		names[t.Name] = true
		if t.Protocol == "" {
			return types.NewError(types.ErrCodeValidation, fmt.Sprintf("task %q: protocol is required", t.Name))
		}
		if t.Method == "" {
			return types.NewError(types.ErrCodeValidation, fmt.Sprintf("task %q: method is required", t.Name))
		}
		if t.Priority != "" && !types.Priority(t.Priority).Valid() {
			return types.NewError(types.ErrCodeValidation,
				fmt.Sprintf("task %q: unknown priority %q", t.Name, t.Priority))
		}
	}
	for _, t := range d.Tasks {
		for _, dep := range t.DependsOn {
			if !names[dep] {
				return types.NewError(types.ErrCodeUnknownDependency,
					fmt.Sprintf("task %q depends on unknown task %q", t.Name, dep))
			}
		}
	}
	return nil
}

// Build converts the definition into a workflow ready for submission. Every
// task gets a fresh ID; name-based dependencies and {{name.result}} markers
// are rewritten to reference those IDs.
func (d *Definition) Build() (*types.Workflow, error) {
	wf := types.NewWorkflow(uuid.NewString(), d.Name)
	wf.Metadata = d.Metadata

	nameToID := make(map[string]string, len(d.Tasks))
	for _, t := range d.Tasks {
		nameToID[t.Name] = uuid.NewString()
	}

	for _, t := range d.Tasks {
		task := &types.Task{
			ID:        nameToID[t.Name],
			Name:      t.Name,
			Protocol:  t.Protocol,
			Method:    t.Method,
			Params:    resolver.Parse(t.Params, nameToID),
			Priority:  types.Priority(t.Priority),
			Status:    types.TaskPending,
			Timeout:   time.Duration(t.Timeout),
			Metadata:  t.Metadata,
			CreatedAt: time.Now(),
		}
		if !task.Priority.Valid() {
			task.Priority = types.PriorityNormal
		}
		deps := make([]string, 0, len(t.DependsOn))
		for _, dep := range t.DependsOn {
			deps = append(deps, nameToID[dep])
		}
		sort.Strings(deps)
		task.DependsOn = deps

		if t.Retry != nil {
			task.Retry = types.RetryPolicy{
				MaxAttempts:  t.Retry.MaxAttempts,
				InitialDelay: time.Duration(t.Retry.InitialDelay),
				MaxDelay:     time.Duration(t.Retry.MaxDelay),
				Multiplier:   t.Retry.Multiplier,
				Jitter:       t.Retry.Jitter == nil || *t.Retry.Jitter,
			}
		}

		if err := wf.AddTask(task); err != nil {
			return nil, err
		}
	}
	return wf, nil
}
