// Package transport connects provider processes to the coordinator. Two
// transports share one message contract: an in-process transport for
// providers compiled into the coordinator binary, and a websocket transport
// for external provider processes.
package transport

import (
	"encoding/json"

	"github.com/BaSui01/taskmesh/types"
)

// MessageType discriminates envelope payloads.
type MessageType string

const (
	// MsgRegister announces a provider and its capabilities.
	MsgRegister MessageType = "register"
	// MsgHeartbeat reports provider liveness and load.
	MsgHeartbeat MessageType = "heartbeat"
	// MsgAssignment carries a task to a provider.
	MsgAssignment MessageType = "assignment"
	// MsgCompletion reports a successful execution.
	MsgCompletion MessageType = "completion"
	// MsgFailure reports a failed execution.
	MsgFailure MessageType = "failure"
	// MsgAck confirms registration.
	MsgAck MessageType = "ack"
)

// Envelope is the wire frame for every transport message.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RegisterPayload announces a provider instance.
type RegisterPayload struct {
	ProviderID     string   `json:"provider_id"`
	Protocol       string   `json:"protocol"`
	Capabilities   []string `json:"capabilities"`
	MaxConcurrency int      `json:"max_concurrency"`
	Workers        int      `json:"workers"`
}

// HeartbeatPayload reports liveness and resource usage.
type HeartbeatPayload struct {
	ProviderID    string  `json:"provider_id"`
	Load          int     `json:"load"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
}

// AssignmentPayload carries one task execution request.
type AssignmentPayload struct {
	TaskID     string         `json:"task_id"`
	WorkflowID string         `json:"workflow_id"`
	Method     string         `json:"method"`
	Params     map[string]any `json:"params,omitempty"`
	TimeoutMs  int64          `json:"timeout_ms"`
}

// CompletionPayload reports a result.
type CompletionPayload struct {
	TaskID string `json:"task_id"`
	Result any    `json:"result,omitempty"`
}

// FailurePayload reports an execution error.
type FailurePayload struct {
	TaskID    string          `json:"task_id"`
	Code      types.ErrorCode `json:"code"`
	Message   string          `json:"message"`
	Retryable bool            `json:"retryable"`
}

// encode wraps a payload in an envelope.
func encode(t MessageType, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: t, Payload: raw}, nil
}

// assignmentFor converts a dispatched task into its wire form.
func assignmentFor(task *types.Task) AssignmentPayload {
	return AssignmentPayload{
		TaskID:     task.ID,
		WorkflowID: task.WorkflowID,
		Method:     task.Method,
		Params:     task.Params,
		TimeoutMs:  task.Timeout.Milliseconds(),
	}
}

// failureError converts a failure payload into the engine's error type.
func failureError(p FailurePayload) *types.Error {
	code := p.Code
	if code == "" {
		code = types.ErrCodeExecution
	}
	return types.NewError(code, p.Message).WithTaskID(p.TaskID).WithRetryable(p.Retryable)
}
