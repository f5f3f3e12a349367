// Package resolver rewrites task parameters before dispatch, substituting
// references to upstream task results. Reference markers of the form
// {{task.result}} are parsed once, at definition-load time, into typed
// ResultRef nodes; resolution is a pure visitor over the parameter tree and
// never re-scans raw strings.
package resolver

import (
	"regexp"

	"go.uber.org/zap"
)

// ResultRef is a typed reference to another task's result, embedded in the
// parameter tree in place of its {{task.result}} marker.
type ResultRef struct {
	// TaskID is the referenced task. Definition loading rewrites task names
	// to IDs, so by the time a ResultRef reaches the resolver it carries an ID.
	TaskID string
}

// Marker renders the reference back to its textual form, used when an
// unresolvable reference must be left verbatim.
func (r ResultRef) Marker() string {
	return "{{" + r.TaskID + ".result}}"
}

// refPattern matches a whole-string result reference: {{ name.result }}.
var refPattern = regexp.MustCompile(`^\{\{\s*([\w\-.]+)\.result\s*\}\}$`)

// ParseRef reports whether a string leaf is a result-reference marker and
// returns the referenced task name.
func ParseRef(s string) (string, bool) {
	m := refPattern.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Parse walks a raw parameter bag and replaces recognized string leaves with
// ResultRef nodes. rename maps the textual reference target (a task name) to
// the task ID; unmapped names are kept as-is so validation can reject them
// later. Non-string leaves are never touched.
func Parse(params map[string]any, rename map[string]string) map[string]any {
	out, _ := parseValue(params, rename)
	return out.(map[string]any)
}

func parseValue(v any, rename map[string]string) (any, bool) {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k], _ = parseValue(inner, rename)
		}
		return out, true
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i], _ = parseValue(inner, rename)
		}
		return out, true
	case string:
		if name, ok := ParseRef(val); ok {
			id := name
			if mapped, ok := rename[name]; ok {
				id = mapped
			}
			return ResultRef{TaskID: id}, true
		}
		return val, false
	default:
		return val, false
	}
}

// Resolver substitutes ResultRef nodes from a workflow's result map. It is a
// pure transform: inputs are never mutated, and unresolvable references are
// left verbatim so a task is never dispatched half-substituted.
type Resolver struct {
	logger *zap.Logger
}

// New creates a Resolver.
func New(logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{logger: logger.With(zap.String("component", "param_resolver"))}
}

// Resolve returns a copy of params with every resolvable ResultRef replaced
// by the referenced result. The second return value is false when at least
// one reference could not be resolved; such references remain verbatim in
// the output and are logged.
func (r *Resolver) Resolve(taskID string, params map[string]any, results map[string]any) (map[string]any, bool) {
	if params == nil {
		return nil, true
	}
	complete := true
	out := make(map[string]any, len(params))
	for k, v := range params {
		resolved, ok := r.resolveValue(taskID, v, results)
		if !ok {
			complete = false
		}
		out[k] = resolved
	}
	return out, complete
}

func (r *Resolver) resolveValue(taskID string, v any, results map[string]any) (any, bool) {
	switch val := v.(type) {
	case ResultRef:
		result, ok := results[val.TaskID]
		if !ok {
			r.logger.Warn("unresolvable result reference left verbatim",
				zap.String("task_id", taskID),
				zap.String("reference", val.TaskID))
			return val.Marker(), false
		}
		return result, true
	case map[string]any:
		complete := true
		out := make(map[string]any, len(val))
		for k, inner := range val {
			resolved, ok := r.resolveValue(taskID, inner, results)
			if !ok {
				complete = false
			}
			out[k] = resolved
		}
		return out, complete
	case []any:
		complete := true
		out := make([]any, len(val))
		for i, inner := range val {
			resolved, ok := r.resolveValue(taskID, inner, results)
			if !ok {
				complete = false
			}
			out[i] = resolved
		}
		return out, complete
	default:
		// Non-string, non-reference leaves pass through untouched.
		return val, true
	}
}

// Encode renders a parameter tree back to a plain-JSON-serializable form,
// turning ResultRef nodes into their textual markers. Stores persist the
// encoded form; Parse with a nil rename map is its inverse.
func Encode(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	return encodeValue(params).(map[string]any)
}

func encodeValue(v any) any {
	switch val := v.(type) {
	case ResultRef:
		return val.Marker()
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = encodeValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = encodeValue(inner)
		}
		return out
	default:
		return val
	}
}

// HasUnresolvedRefs reports whether a parameter tree still contains ResultRef
// nodes, i.e. references whose targets have not completed.
func HasUnresolvedRefs(v any) bool {
	switch val := v.(type) {
	case ResultRef:
		return true
	case map[string]any:
		for _, inner := range val {
			if HasUnresolvedRefs(inner) {
				return true
			}
		}
	case []any:
		for _, inner := range val {
			if HasUnresolvedRefs(inner) {
				return true
			}
		}
	}
	return false
}
