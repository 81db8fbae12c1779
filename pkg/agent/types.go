package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/sera/pkg/toolexecutor"
)

// ModelProvider is the boundary to an LLM backend. Implementations live
// outside this package; the loop only needs a blocking call and a name.
type ModelProvider interface {
	// Call performs one model invocation.
	Call(ctx context.Context, request ModelRequest) (*ModelResponse, error)

	// Name returns the provider name for logs and metrics.
	Name() string
}

// ModelRequest contains the request parameters for a model call
type ModelRequest struct {
	Model        string
	Messages     []Message
	Tools        []toolexecutor.ToolDefinition
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// ModelResponse contains the response from a model call
type ModelResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *TokenUsage
}

// Message represents a message in the conversation transcript
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall represents a tool invocation requested by the model
type ToolCall struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// StopReason explains how a run reached its terminal state.
type StopReason string

const (
	StopCompleted      StopReason = "completed"
	StopIterationCap   StopReason = "iteration_capped"
	StopAborted        StopReason = "aborted"
	StopModelExhausted StopReason = "model_exhausted"
)

// RunOutcome is the result of one execution loop run.
type RunOutcome struct {
	Content    string      `json:"content"`
	StopReason StopReason  `json:"stop_reason"`
	Iterations int         `json:"iterations"`
	ToolsUsed  []string    `json:"tools_used,omitempty"`
	ModelUsed  string      `json:"model_used,omitempty"`
	Usage      *TokenUsage `json:"usage,omitempty"`
}

// ErrAborted is returned when a run is cancelled before producing a result.
var ErrAborted = errors.New("run aborted")

// ModelExhaustedError is returned when the primary model and every fallback
// failed for a run. It is terminal for that run only; queued runs in the same
// lane start fresh.
type ModelExhaustedError struct {
	Attempted []string
	Err       error
}

func (e *ModelExhaustedError) Error() string {
	msg := fmt.Sprintf("all models exhausted (attempted %s)", strings.Join(e.Attempted, ", "))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ModelExhaustedError) Unwrap() error { return e.Err }

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errMsg := err.Error()

	// Network errors
	if strings.Contains(errMsg, "ECONNRESET") || strings.Contains(errMsg, "ETIMEDOUT") {
		return true
	}

	// Rate limits
	if strings.Contains(errMsg, "429") || strings.Contains(errMsg, "rate limit") {
		return true
	}

	// Server errors
	if strings.Contains(errMsg, "500") || strings.Contains(errMsg, "502") ||
		strings.Contains(errMsg, "503") || strings.Contains(errMsg, "504") {
		return true
	}

	return false
}
