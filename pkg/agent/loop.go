package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/harun/agentjobs/internal/observability"
	"github.com/harun/agentjobs/internal/tracing"
	"github.com/harun/agentjobs/pkg/events"
	"github.com/harun/agentjobs/pkg/retry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrMaxRoundsExceeded is returned when the model keeps requesting tools past
// the configured round limit.
var ErrMaxRoundsExceeded = errors.New("maximum planning rounds exceeded")

const (
	defaultTenantID = "unknown"
	defaultJobID    = "ad-hoc"
)

// Publisher records the loop's step events. An error from Emit ends the run.
type Publisher interface {
	Emit(ctx context.Context, tenantID, jobID, step, status string, payload map[string]any) error
}

// RetryPredicate decides whether a failed model call is retried. attempt
// counts failures so far, starting at 1.
type RetryPredicate func(err error, attempt int) bool

// RetryTransient retries errors marked retryable until maxAttempts failures
// have been seen.
func RetryTransient(maxAttempts int) RetryPredicate {
	return func(err error, attempt int) bool {
		return attempt < maxAttempts && retry.IsRetryable(err)
	}
}

// LoopConfig configures a Loop.
type LoopConfig struct {
	Provider     LLMProvider
	Tools        *ToolSet
	Publisher    Publisher
	Model        string
	System       string
	Temperature  float64
	MaxTokens    int
	MaxRounds    int            // model calls allowed per run; 0 means unbounded
	ShouldRetry  RetryPredicate // nil never retries
	Backoff      retry.Policy   // wait between model retries; zero waits not at all
	ModelTimeout time.Duration  // per model call; 0 means none
	Logger       zerolog.Logger
}

// Loop runs the plan/act state machine for one agent.
type Loop struct {
	cfg LoopConfig
}

// RunResult is the outcome of a completed run.
type RunResult struct {
	Value      any
	Transcript []Message
	Rounds     int
	ToolsUsed  bool
}

// NewLoop validates cfg and creates a loop.
func NewLoop(cfg LoopConfig) (*Loop, error) {
	if cfg.Provider == nil {
		return nil, errors.New("provider is required")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if cfg.Tools == nil {
		cfg.Tools, _ = NewToolSet()
	}
	if cfg.MaxRounds < 0 {
		return nil, errors.New("max rounds cannot be negative")
	}
	return &Loop{cfg: cfg}, nil
}

// Run executes the loop for input. tenant_id and job_id are read from input
// and excluded from what the model sees. It returns the run's final value.
func (l *Loop) Run(ctx context.Context, input map[string]any) (any, error) {
	tenantID, jobID, payload := splitInput(input)
	res, err := l.Execute(ctx, tenantID, jobID, payload)
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

func splitInput(input map[string]any) (string, string, map[string]any) {
	tenantID, jobID := defaultTenantID, defaultJobID
	payload := make(map[string]any, len(input))
	for k, v := range input {
		switch k {
		case "tenant_id":
			if s, ok := v.(string); ok && s != "" {
				tenantID = s
			}
		case "job_id":
			if s, ok := v.(string); ok && s != "" {
				jobID = s
			}
		default:
			payload[k] = v
		}
	}
	return tenantID, jobID, payload
}

// Execute runs the loop and returns the full run result including the transcript.
func (l *Loop) Execute(ctx context.Context, tenantID, jobID string, payload map[string]any) (res *RunResult, err error) {
	if payload == nil {
		payload = map[string]any{}
	}
	ctx = tracing.NewJobContext(ctx, tenantID, jobID, tracing.GetAgent(ctx))
	ctx, span := tracing.StartSpan(ctx, "agentjobs.agent", "agent.loop",
		append(tracing.JobAttributes(ctx), attribute.String("provider", l.cfg.Provider.Provider()))...)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	logger := tracing.LoggerFromContext(ctx, l.cfg.Logger)

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode input: %w", err)
	}

	var transcript []Message
	if l.cfg.System != "" {
		transcript = append(transcript, Message{Role: RoleSystem, Content: l.cfg.System})
	}
	transcript = append(transcript, Message{Role: RoleUser, Content: "Input:\n" + string(encoded)})

	emit := func(step, status string, data map[string]any) error {
		return l.cfg.Publisher.Emit(ctx, tenantID, jobID, step, status, data)
	}

	if err := emit(events.StepPlan, events.StatusStarted, map[string]any{"input": payload}); err != nil {
		return nil, err
	}

	var (
		lastResult any
		haveResult bool
		toolsUsed  bool
		rounds     int
	)

	for {
		if l.cfg.MaxRounds > 0 && rounds >= l.cfg.MaxRounds {
			logger.Warn().Int("rounds", rounds).Msg("Round limit reached")
			if err := emit(events.StepPlan, events.StatusFailed, map[string]any{
				"error": ErrMaxRoundsExceeded.Error(), "rounds": rounds,
			}); err != nil {
				return nil, err
			}
			return nil, ErrMaxRoundsExceeded
		}

		response, err := l.plan(ctx, logger, transcript, emit)
		if err != nil {
			return nil, err
		}
		rounds++

		// The assistant turn must precede its tool results.
		transcript = append(transcript, Message{
			Role:      RoleAssistant,
			Content:   response.Content,
			ToolCalls: response.ToolCalls,
		})

		if err := emit(events.StepPlan, events.StatusFinished, map[string]any{
			"assistant":  response.Content,
			"tool_calls": response.ToolCalls,
		}); err != nil {
			return nil, err
		}

		if response.IsFinal() {
			value := any(response.Content)
			if haveResult {
				value = lastResult
			}
			if toolsUsed {
				if err := emit(events.StepAct, events.StatusFinished, map[string]any{"result": value}); err != nil {
					return nil, err
				}
			}
			logger.Debug().Int("rounds", rounds).Bool("tools_used", toolsUsed).Msg("Loop finished")
			return &RunResult{Value: value, Transcript: transcript, Rounds: rounds, ToolsUsed: toolsUsed}, nil
		}

		toolsUsed = true
		if err := emit(events.StepAct, events.StatusStarted, map[string]any{"tool_calls": response.ToolCalls}); err != nil {
			return nil, err
		}

		for _, call := range response.ToolCalls {
			outcome := l.cfg.Tools.Dispatch(ctx, call)
			transcript = append(transcript, Message{
				Role:       RoleTool,
				Content:    outcome.Content(),
				ToolCallID: call.ID,
				Name:       call.Name,
			})

			progress := map[string]any{"tool": call.Name, "args": outcome.Args}
			if outcome.Err != nil {
				progress["error"] = outcome.Err
				logger.Info().
					Str("tool", call.Name).
					Str("kind", string(outcome.Err.Kind)).
					Str("error", outcome.Err.Message).
					Msg("Tool call failed")
			} else {
				progress["result"] = outcome.Result
				// A nil result leaves the model's text as the answer.
				lastResult = outcome.Result
				haveResult = outcome.Result != nil
			}
			if err := emit(events.StepAct, events.StatusProgress, progress); err != nil {
				return nil, err
			}
		}
	}
}

// plan calls the model, consulting the retry predicate on failure.
func (l *Loop) plan(ctx context.Context, logger zerolog.Logger, transcript []Message, emit func(step, status string, data map[string]any) error) (*LLMResponse, error) {
	attempt := 0
	for {
		response, err := l.callModel(ctx, transcript)
		if err == nil {
			return response, nil
		}

		attempt++
		if ctx.Err() == nil && l.cfg.ShouldRetry != nil && l.cfg.ShouldRetry(err, attempt) {
			delay := time.Duration(0)
			if l.cfg.Backoff.BaseDelay > 0 {
				delay = l.cfg.Backoff.Delay(attempt - 1)
			}
			logger.Info().
				Err(err).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("Retrying model call")
			if emitErr := emit(events.StepPlan, events.StatusProgress, map[string]any{
				"error": err.Error(), "attempt": attempt, "retrying": true,
			}); emitErr != nil {
				return nil, emitErr
			}
			if delay > 0 {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(delay):
				}
			}
			continue
		}

		logger.Error().Err(err).Int("attempt", attempt).Msg("Model call failed")
		if emitErr := emit(events.StepPlan, events.StatusFailed, map[string]any{
			"error": err.Error(), "attempt": attempt,
		}); emitErr != nil {
			return nil, emitErr
		}
		return nil, fmt.Errorf("model call failed after %d attempt(s): %w", attempt, err)
	}
}

func (l *Loop) callModel(ctx context.Context, transcript []Message) (*LLMResponse, error) {
	if l.cfg.ModelTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.ModelTimeout)
		defer cancel()
	}

	ctx, span := tracing.StartSpan(ctx, "agentjobs.agent", "agent.model_call",
		attribute.String("provider", l.cfg.Provider.Provider()),
		attribute.Int("messages", len(transcript)))
	defer span.End()

	start := time.Now()
	messages := make([]Message, len(transcript))
	copy(messages, transcript)
	response, err := l.cfg.Provider.Call(ctx, LLMRequest{
		Model:        l.cfg.Model,
		Messages:     messages,
		Tools:        l.cfg.Tools.Specs(),
		Temperature:  l.cfg.Temperature,
		MaxTokens:    l.cfg.MaxTokens,
		SystemPrompt: l.cfg.System,
	})
	observability.RecordModelCall(l.cfg.Provider.Provider(), time.Since(start), err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if response == nil {
		return nil, retry.Retryable(errors.New("provider returned no response"))
	}
	return response, nil
}
