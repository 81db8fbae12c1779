package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/sera/internal/tracing"
	"github.com/harun/sera/pkg/toolexecutor"
)

// followUpPrompt is appended as a user message after each batch of tool
// results so the model wraps up instead of narrating indefinitely.
const followUpPrompt = "Summarize the tool results briefly for the user (1-4 sentences). " +
	"If the task is done, give the outcome; if more steps are needed, state the next action only."

// noResponseFallback stands in when the loop ends without any model content.
const noResponseFallback = "I've completed processing but have no response to give."

const (
	defaultMaxIterations = 20
	defaultMaxRetries    = 3
)

// LoopConfig tunes the execution loop.
type LoopConfig struct {
	Model         string   `json:"model"`
	Fallbacks     []string `json:"fallbacks,omitempty"`
	MaxIterations int      `json:"max_iterations,omitempty"`
	MaxRetries    int      `json:"max_retries,omitempty"`
	Temperature   float64  `json:"temperature,omitempty"`
	MaxTokens     int      `json:"max_tokens,omitempty"`
	SystemPrompt  string   `json:"system_prompt,omitempty"`
}

// Loop drives the model/tool iteration for a run: call the model, dispatch
// any requested tools, feed the results back, repeat until the model answers
// without tool calls or the iteration cap is reached. One Loop serves many
// runs; per-run state lives on the stack of Run.
type Loop struct {
	provider  ModelProvider
	executor  *toolexecutor.ToolExecutor
	cooldowns *CooldownTable
	config    LoopConfig
	logger    zerolog.Logger

	// limitsMu guards the reloadable caps in config (MaxIterations,
	// MaxRetries); the rest of config is immutable after NewLoop.
	limitsMu sync.RWMutex

	// backoffBase is shortened in tests.
	backoffBase time.Duration
}

// NewLoop creates an execution loop. A nil cooldown table gets a private one;
// zero MaxIterations and MaxRetries fall back to the defaults (20, 3).
func NewLoop(provider ModelProvider, executor *toolexecutor.ToolExecutor, cooldowns *CooldownTable, config LoopConfig, logger zerolog.Logger) *Loop {
	if config.MaxIterations <= 0 {
		config.MaxIterations = defaultMaxIterations
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaultMaxRetries
	}
	if cooldowns == nil {
		cooldowns = NewCooldownTable(0, 0)
	}
	return &Loop{
		provider:    provider,
		executor:    executor,
		cooldowns:   cooldowns,
		config:      config,
		logger:      logger,
		backoffBase: time.Second,
	}
}

// SetLimits updates the iteration and retry caps for subsequent runs.
// Non-positive values leave the corresponding cap unchanged. A run already
// in flight keeps the caps it started with.
func (l *Loop) SetLimits(maxIterations, maxRetries int) {
	l.limitsMu.Lock()
	defer l.limitsMu.Unlock()
	if maxIterations > 0 {
		l.config.MaxIterations = maxIterations
	}
	if maxRetries > 0 {
		l.config.MaxRetries = maxRetries
	}
}

func (l *Loop) limits() (maxIterations, maxRetries int) {
	l.limitsMu.RLock()
	defer l.limitsMu.RUnlock()
	return l.config.MaxIterations, l.config.MaxRetries
}

// Run executes the loop over an assembled transcript. The returned outcome is
// meaningful even on error: it carries the iterations and tools used up to
// the failure. Abort surfaces as ErrAborted, a run that burned through every
// model candidate as *ModelExhaustedError.
func (l *Loop) Run(ctx context.Context, messages []Message, execCtx *toolexecutor.ExecutionContext) (RunOutcome, error) {
	logger := tracing.LoggerFromContext(ctx, l.logger)

	activeModel := l.config.Model
	toolsUsed := []string{}
	tools := l.executor.Definitions()
	maxIterations, _ := l.limits()

	var lastContent string
	var usage *TokenUsage
	iterations := 0

	for iterations < maxIterations {
		// Check for abort
		select {
		case <-ctx.Done():
			logger.Info().Int("iterations", iterations).Msg("Run aborted")
			return RunOutcome{
				StopReason: StopAborted,
				Iterations: iterations,
				ToolsUsed:  toolsUsed,
				ModelUsed:  activeModel,
			}, ErrAborted
		default:
		}

		logger.Debug().
			Str("model", activeModel).
			Int("iteration", iterations+1).
			Int("messages", len(messages)).
			Msg("Calling model")

		response, usedModel, err := l.callModelWithFallback(ctx, activeModel, messages, tools, logger)
		if err != nil {
			var exhausted *ModelExhaustedError
			if errors.As(err, &exhausted) {
				logger.Error().Err(err).Int("iterations", iterations).Msg("All model candidates failed")
				return RunOutcome{
					StopReason: StopModelExhausted,
					Iterations: iterations,
					ToolsUsed:  toolsUsed,
					ModelUsed:  activeModel,
				}, err
			}
			// Context cancellation during the call or a retry wait.
			return RunOutcome{
				StopReason: StopAborted,
				Iterations: iterations,
				ToolsUsed:  toolsUsed,
				ModelUsed:  activeModel,
			}, ErrAborted
		}

		// A fallback model stays active for the rest of the run.
		activeModel = usedModel
		iterations++
		lastContent = response.Content
		if response.Usage != nil {
			usage = response.Usage
		}

		// No tool calls - we're done
		if len(response.ToolCalls) == 0 {
			return RunOutcome{
				Content:    response.Content,
				StopReason: StopCompleted,
				Iterations: iterations,
				ToolsUsed:  toolsUsed,
				ModelUsed:  activeModel,
				Usage:      usage,
			}, nil
		}

		messages = append(messages, Message{
			Role:      "assistant",
			Content:   response.Content,
			ToolCalls: response.ToolCalls,
		})

		// Dispatch sequentially in request order; every call gets a tool
		// message so the transcript stays in sync.
		for _, call := range response.ToolCalls {
			name := strings.TrimSpace(call.Name)
			if name == "" {
				logger.Warn().Str("tool_call_id", call.ID).Msg("Tool call with empty name")
				messages = append(messages, Message{
					Role:       "tool",
					Content:    "Error: invalid tool call (missing name or arguments).",
					ToolCallID: call.ID,
				})
				continue
			}

			toolsUsed = append(toolsUsed, name)
			result := l.executor.Execute(ctx, name, call.Parameters, execCtx)
			messages = append(messages, Message{
				Role:       "tool",
				Content:    result.Text(),
				ToolCallID: call.ID,
			})
		}

		messages = append(messages, Message{Role: "user", Content: followUpPrompt})
	}

	logger.Warn().
		Int("iterations", iterations).
		Str("model", activeModel).
		Msg("Iteration cap reached without a final answer")

	content := lastContent
	if strings.TrimSpace(content) == "" {
		content = noResponseFallback
	}
	return RunOutcome{
		Content:    content,
		StopReason: StopIterationCap,
		Iterations: iterations,
		ToolsUsed:  toolsUsed,
		ModelUsed:  activeModel,
		Usage:      usage,
	}, nil
}

// callModelWithFallback tries the primary model first, then each configured
// fallback. Candidates in cooldown are skipped while an available one
// remains; failures extend the per-model cooldown.
func (l *Loop) callModelWithFallback(ctx context.Context, primary string, messages []Message, tools []toolexecutor.ToolDefinition, logger zerolog.Logger) (*ModelResponse, string, error) {
	candidates := l.cooldowns.Candidates(primary, l.config.Fallbacks)

	var lastErr error
	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}

		response, err := l.callWithRetry(ctx, candidate, messages, tools, logger)
		if err == nil {
			l.cooldowns.MarkSuccess(candidate)
			if candidate != primary {
				logger.Warn().
					Str("from", primary).
					Str("to", candidate).
					Msg("Model fallback selected")
			}
			return response, candidate, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, "", ctxErr
		}

		lastErr = err
		cooldown := l.cooldowns.MarkFailure(candidate)
		logger.Warn().
			Err(err).
			Str("model", candidate).
			Dur("cooldown", cooldown).
			Msg("Model call failed, cooling down")
	}

	return nil, "", &ModelExhaustedError{Attempted: candidates, Err: lastErr}
}

// callWithRetry calls the provider with exponential backoff retry
func (l *Loop) callWithRetry(ctx context.Context, model string, messages []Message, tools []toolexecutor.ToolDefinition, logger zerolog.Logger) (*ModelResponse, error) {
	request := ModelRequest{
		Model:        model,
		Messages:     messages,
		Tools:        tools,
		Temperature:  l.config.Temperature,
		MaxTokens:    l.config.MaxTokens,
		SystemPrompt: l.config.SystemPrompt,
	}

	_, maxRetries := l.limits()
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		response, err := l.provider.Call(ctx, request)
		if err == nil {
			return response, nil
		}

		lastErr = err

		// Don't retry on permanent errors
		if !IsRetryableError(err) {
			return nil, err
		}

		// Last attempt - don't wait
		if attempt == maxRetries-1 {
			break
		}

		// Exponential backoff: 1s, 2s, 4s
		delay := l.backoffBase * time.Duration(1<<attempt)
		logger.Info().
			Str("model", model).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Retrying after error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", maxRetries, lastErr)
}
