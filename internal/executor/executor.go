// Package executor drives one user turn through the model/tool loop:
//
//	conversation + new messages → middleware chain → gateway →
//	if tool calls, run the batch concurrently, append results in request
//	order → repeat until a final answer or the iteration cap is hit.
//
// A final answer is validated against the turn's response format before the
// turn is Done. Anything else ends in Failed with a classified TurnError.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/abhi9avx/cognigraph-ai/internal/middleware"
	"github.com/abhi9avx/cognigraph-ai/internal/tools"
	"github.com/abhi9avx/cognigraph-ai/pkg/contracts"
	"github.com/abhi9avx/cognigraph-ai/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("github.com/abhi9avx/cognigraph-ai/internal/executor")

const (
	// DefaultMaxIterations is the maximum number of model calls per turn.
	DefaultMaxIterations = 10
	// DefaultMaxParallelTools bounds concurrent tool calls within one batch.
	DefaultMaxParallelTools = 8
	DefaultModelTimeout     = 30 * time.Second
	DefaultToolTimeout      = 30 * time.Second
)

// State is a turn state.
type State string

const (
	StateAwaitingModel  State = "awaiting_model"
	StateExecutingTools State = "executing_tools"
	StateDone           State = "done"
	StateFailed         State = "failed"
)

// Config bounds a turn.
type Config struct {
	MaxIterations    int
	ModelTimeout     time.Duration // per model call, including each fallback attempt
	ToolTimeout      time.Duration // per tool call
	MaxParallelTools int
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.MaxParallelTools <= 0 {
		c.MaxParallelTools = DefaultMaxParallelTools
	}
	if c.ModelTimeout == 0 {
		c.ModelTimeout = DefaultModelTimeout
	}
	if c.ToolTimeout == 0 {
		c.ToolTimeout = DefaultToolTimeout
	}
	return c
}

// Input is everything one turn needs.
type Input struct {
	History        []models.Message // committed conversation, oldest first
	Messages       []models.Message // new messages for this turn, usually one user message
	Model          string
	SystemPrompt   string
	Tools          []models.ToolDescriptor // nil advertises every registered tool
	ResponseFormat *models.ResponseFormat
	Invocation     models.InvocationContext
	Options        models.GenerationOptions
}

// Outcome is the terminal result of a turn.
type Outcome struct {
	State      State
	Final      *models.Message
	Structured json.RawMessage
	// NewMessages holds the turn's input messages followed by everything the
	// turn produced, in order.
	NewMessages []models.Message
	Trace       *Trace
	Err         *contracts.TurnError
}

// Trace records the execution history of a turn.
type Trace struct {
	TraceID    string            `json:"trace_id"`
	ThreadID   string            `json:"thread_id,omitempty"`
	Iterations []Iteration       `json:"iterations"`
	TotalMs    int64             `json:"total_ms"`
	Usage      models.TokenUsage `json:"usage"`
}

// Iteration is one model call and the tool batch it requested.
type Iteration struct {
	Number      int               `json:"number"`
	Model       string            `json:"model"`
	Response    string            `json:"response,omitempty"`
	ToolCalls   []models.ToolCall `json:"tool_calls,omitempty"`
	ToolResults []models.Message  `json:"tool_results,omitempty"`
	LatencyMs   int64             `json:"latency_ms"`
	Usage       models.TokenUsage `json:"usage"`
}

// Executor runs turns against a gateway, a tool registry and a middleware
// chain. It holds no per-turn state and is safe for concurrent use.
type Executor struct {
	gateway  contracts.Gateway
	registry *tools.Registry
	chain    *middleware.Chain
	cfg      Config
}

// New creates an executor. chain may be nil.
func New(gw contracts.Gateway, reg *tools.Registry, chain *middleware.Chain, cfg Config) *Executor {
	if reg == nil {
		reg = tools.NewRegistry()
	}
	return &Executor{gateway: gw, registry: reg, chain: chain, cfg: cfg.withDefaults()}
}

// Config returns the effective configuration.
func (e *Executor) Config() Config { return e.cfg }

// Execute runs one turn to Done or Failed.
func (e *Executor) Execute(ctx context.Context, in Input) *Outcome {
	start := time.Now()
	tr := &Trace{TraceID: uuid.NewString(), ThreadID: in.Invocation.ThreadID}
	out := &Outcome{State: StateAwaitingModel, Trace: tr}
	out.NewMessages = append(out.NewMessages, in.Messages...)

	ctx, span := tracer.Start(ctx, "executor.turn", trace.WithAttributes(
		attribute.String("thread_id", in.Invocation.ThreadID),
		attribute.String("model", in.Model),
	))
	defer span.End()

	fail := func(iteration int, detail string, cause error) *Outcome {
		out.State = StateFailed
		out.Err = contracts.NewTurnError(iteration, detail, cause)
		tr.TotalMs = time.Since(start).Milliseconds()
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Err.Error())
		log.Warn().
			Str("thread_id", in.Invocation.ThreadID).
			Str("kind", string(out.Err.Kind)).
			Int("iteration", iteration).
			Err(out.Err).
			Msg("Turn failed")
		return out
	}

	var format *tools.Schema
	if in.ResponseFormat != nil {
		s, err := tools.CompileSchema(in.ResponseFormat.Schema)
		if err != nil {
			return fail(0, "response format "+in.ResponseFormat.Name, fmt.Errorf("%w: %v", contracts.ErrSchemaViolation, err))
		}
		format = s
	}

	advertised := in.Tools
	if advertised == nil {
		advertised = e.registry.DescribeAll()
	}

	conversation := make([]models.Message, 0, len(in.History)+len(in.Messages)+4)
	conversation = append(conversation, in.History...)
	conversation = append(conversation, in.Messages...)

	handler := e.chain.Then(e.callGateway)

	for iteration := 1; ; iteration++ {
		out.State = StateAwaitingModel
		iterStart := time.Now()

		req := &models.ModelRequest{
			Model:          in.Model,
			SystemPrompt:   in.SystemPrompt,
			Messages:       conversation,
			Tools:          advertised,
			ResponseFormat: in.ResponseFormat,
			Invocation:     in.Invocation,
			Options:        in.Options,
			Committed:      len(in.History),
		}
		res, err := e.modelCall(ctx, handler, req, iteration)
		if err != nil {
			return fail(iteration, "model call", err)
		}
		tr.Usage.Add(res.Usage)
		record := Iteration{Number: iteration, Model: res.Model, Response: res.Text, Usage: res.Usage}

		if res.Kind != models.ResultToolCalls || len(res.ToolCalls) == 0 {
			final, structured, err := finalize(res, in.ResponseFormat, format)
			if err != nil {
				return fail(iteration, "final answer", err)
			}
			record.LatencyMs = time.Since(iterStart).Milliseconds()
			tr.Iterations = append(tr.Iterations, record)
			tr.TotalMs = time.Since(start).Milliseconds()

			out.NewMessages = append(out.NewMessages, final)
			out.Final = &out.NewMessages[len(out.NewMessages)-1]
			out.Structured = structured
			out.State = StateDone

			log.Info().
				Str("thread_id", in.Invocation.ThreadID).
				Int("iterations", iteration).
				Int64("total_ms", tr.TotalMs).
				Msg("Turn execution complete")
			return out
		}

		if iteration >= e.cfg.MaxIterations {
			tr.Iterations = append(tr.Iterations, record)
			return fail(iteration, fmt.Sprintf("model still requesting tools after %d calls", iteration), contracts.ErrTurnLoopExceeded)
		}

		calls := make([]models.ToolCall, len(res.ToolCalls))
		for i, tc := range res.ToolCalls {
			if tc.ID == "" {
				tc.ID = uuid.NewString()
			}
			calls[i] = tc
		}
		assistant := models.Message{Role: models.RoleAssistant, Content: res.Text, ToolCalls: calls}

		out.State = StateExecutingTools
		results, err := e.runBatch(ctx, calls, in.Invocation, iteration)
		if err != nil {
			return fail(iteration, "tool execution", err)
		}

		conversation = append(conversation, assistant)
		conversation = append(conversation, results...)
		out.NewMessages = append(out.NewMessages, assistant)
		out.NewMessages = append(out.NewMessages, results...)

		record.ToolCalls = calls
		record.ToolResults = results
		record.LatencyMs = time.Since(iterStart).Milliseconds()
		tr.Iterations = append(tr.Iterations, record)

		log.Debug().
			Str("thread_id", in.Invocation.ThreadID).
			Int("iteration", iteration).
			Int("tool_calls", len(calls)).
			Msg("Turn loop continuing")
	}
}

func (e *Executor) modelCall(ctx context.Context, h middleware.Handler, req *models.ModelRequest, iteration int) (*models.GatewayResult, error) {
	ctx, span := tracer.Start(ctx, "executor.model_call", trace.WithAttributes(
		attribute.Int("iteration", iteration),
		attribute.Int("messages", len(req.Messages)),
		attribute.Int("tools", len(req.Tools)),
	))
	defer span.End()

	res, err := h(ctx, req)
	if err == nil && res == nil {
		err = &contracts.GatewayError{Model: req.Model, Message: "empty gateway result"}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("result", string(res.Kind)), attribute.String("model.used", res.Model))
	return res, nil
}

// callGateway is the innermost handler. Each call, including every fallback
// attempt, gets its own deadline.
func (e *Executor) callGateway(ctx context.Context, req *models.ModelRequest) (*models.GatewayResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.ModelTimeout)
	defer cancel()
	res, err := e.gateway.Generate(callCtx, req)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) &&
		contracts.KindOf(err) != contracts.KindTimeout {
		return nil, fmt.Errorf("%w: model %s exceeded %s: %v", contracts.ErrTimeout, req.Model, e.cfg.ModelTimeout, err)
	}
	return res, err
}

// runBatch executes calls concurrently and returns their results in request
// order.
func (e *Executor) runBatch(ctx context.Context, calls []models.ToolCall, ic models.InvocationContext, iteration int) ([]models.Message, error) {
	results := make([]models.Message, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxParallelTools)
	for i, tc := range calls {
		g.Go(func() error {
			msg, err := e.runTool(gctx, tc, ic, iteration)
			if err != nil {
				return err
			}
			results[i] = msg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// runTool resolves, validates and invokes one call. Unknown tools, invalid
// arguments and ToolResultError values become error tool messages; any other
// failure is returned and fails the turn.
func (e *Executor) runTool(ctx context.Context, tc models.ToolCall, ic models.InvocationContext, iteration int) (models.Message, error) {
	ctx, span := tracer.Start(ctx, "executor.tool_call", trace.WithAttributes(
		attribute.String("tool", tc.Name),
		attribute.String("call_id", tc.ID),
		attribute.Int("iteration", iteration),
	))
	defer span.End()

	tool, err := e.registry.Resolve(tc.Name)
	if err != nil {
		log.Debug().Str("tool", tc.Name).Msg("Model requested unknown tool")
		return errorMessage(tc, string(contracts.KindUnknownTool), err.Error()), nil
	}
	if err := e.registry.Validate(tc.Name, tc.Arguments); err != nil {
		log.Debug().Str("tool", tc.Name).Err(err).Msg("Tool arguments rejected")
		return errorMessage(tc, string(contracts.KindSchemaViolation), err.Error()), nil
	}

	result, err := e.invoke(ctx, tool, tc, ic)
	if err != nil {
		if tre, ok := asToolResultError(err); ok {
			return errorMessage(tc, tre.Code, tre.Message), nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return models.Message{}, err
	}
	if tre, ok := asToolResultError(result); ok {
		return errorMessage(tc, tre.Code, tre.Message), nil
	}

	content, err := render(result)
	if err != nil {
		return models.Message{}, fmt.Errorf("tool %q (call %s): encode result: %w", tc.Name, tc.ID, err)
	}
	return models.Message{Role: models.RoleTool, ToolCallID: tc.ID, Name: tc.Name, Content: content}, nil
}

type invokeResult struct {
	value any
	err   error
}

// invoke runs the handler under the tool timeout. Handlers that ignore their
// context are abandoned when the deadline passes.
func (e *Executor) invoke(ctx context.Context, tool tools.Tool, tc models.ToolCall, ic models.InvocationContext) (any, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.ToolTimeout)
	defer cancel()

	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invokeResult{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := tool.Invoke(callCtx, tc.Arguments, ic)
		done <- invokeResult{value: v, err: err}
	}()

	var r invokeResult
	select {
	case r = <-done:
	case <-callCtx.Done():
		r = invokeResult{err: callCtx.Err()}
	}
	if r.err == nil {
		return r.value, nil
	}
	if _, ok := asToolResultError(r.err); ok {
		return nil, r.err
	}
	if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: tool %q (call %s) exceeded %s", contracts.ErrTimeout, tc.Name, tc.ID, e.cfg.ToolTimeout)
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("tool %q (call %s): %w", tc.Name, tc.ID, r.err)
	}
	return nil, fmt.Errorf("%w: %s (call %s): %w", contracts.ErrTool, tc.Name, tc.ID, r.err)
}

func asToolResultError(v any) (tools.ToolResultError, bool) {
	switch t := v.(type) {
	case tools.ToolResultError:
		return t, true
	case *tools.ToolResultError:
		if t != nil {
			return *t, true
		}
	case error:
		var tre tools.ToolResultError
		if errors.As(t, &tre) {
			return tre, true
		}
		var ptr *tools.ToolResultError
		if errors.As(t, &ptr) && ptr != nil {
			return *ptr, true
		}
	}
	return tools.ToolResultError{}, false
}

func errorMessage(tc models.ToolCall, code, message string) models.Message {
	return models.Message{
		Role:       models.RoleTool,
		ToolCallID: tc.ID,
		Name:       tc.Name,
		Content:    tools.ErrorPayload(code, message),
		IsError:    true,
	}
}

func render(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	case json.RawMessage:
		return string(t), nil
	case fmt.Stringer:
		return t.String(), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// finalize builds the final assistant message. With a response format the
// payload must validate; the model's Structured field is otherwise dropped.
func finalize(res *models.GatewayResult, rf *models.ResponseFormat, schema *tools.Schema) (models.Message, json.RawMessage, error) {
	msg := models.Message{Role: models.RoleAssistant, Content: res.Text}
	if schema == nil {
		return msg, nil, nil
	}

	payload := []byte(res.Structured)
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = []byte(stripFences(res.Text))
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return msg, nil, fmt.Errorf("%w: response format %q: empty final answer", contracts.ErrSchemaViolation, rf.Name)
	}
	if err := schema.ValidateJSON(payload); err != nil {
		return msg, nil, fmt.Errorf("response format %q: %w", rf.Name, err)
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err != nil {
		return msg, nil, fmt.Errorf("%w: response format %q: %v", contracts.ErrSchemaViolation, rf.Name, err)
	}
	structured := json.RawMessage(compact.Bytes())
	msg.Structured = structured
	if strings.TrimSpace(msg.Content) == "" {
		msg.Content = string(structured)
	}
	return msg, structured, nil
}

// stripFences removes a surrounding markdown code fence, if any.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
