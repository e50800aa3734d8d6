package middleware

import (
	"context"
	"fmt"

	"github.com/abhi9avx/cognigraph-ai/pkg/models"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog/log"
)

// PromptFunc computes the system prompt for one model call.
type PromptFunc func(ctx context.Context, req *models.ModelRequest) (string, error)

// DynamicPrompt replaces the system prompt on every model call.
type DynamicPrompt struct {
	name string
	fn   PromptFunc
}

// NewDynamicPrompt creates a dynamic prompt stage.
func NewDynamicPrompt(name string, fn PromptFunc) *DynamicPrompt {
	if name == "" {
		name = "dynamic_prompt"
	}
	return &DynamicPrompt{name: name, fn: fn}
}

func (d *DynamicPrompt) Name() string { return d.name }
func (d *DynamicPrompt) Kind() Kind   { return KindDynamicPrompt }

func (d *DynamicPrompt) Wrap(next Handler) Handler {
	return func(ctx context.Context, req *models.ModelRequest) (*models.GatewayResult, error) {
		prompt, err := d.fn(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("build system prompt: %w", err)
		}
		r := req.Clone()
		r.SystemPrompt = prompt
		return next(ctx, r)
	}
}

// ── Model Selection ─────────────────────────────────────────

// SelectionEnv is the environment model selection rules are evaluated in.
type SelectionEnv struct {
	MessageCount    int    `expr:"message_count"`
	ToolCount       int    `expr:"tool_count"`
	EstimatedTokens int    `expr:"estimated_tokens"`
	UserID          string `expr:"user_id"`
	ThreadID        string `expr:"thread_id"`
}

// Rule selects Model when the boolean expression When holds.
type Rule struct {
	When  string `json:"when" toml:"when"`
	Model string `json:"model" toml:"model"`
}

type compiledRule struct {
	Rule
	program *vm.Program
}

// ModelSelection picks the model per call from the first matching rule,
// falling back to Default (or the request's model when Default is empty).
type ModelSelection struct {
	rules        []compiledRule
	defaultModel string
}

// NewModelSelection compiles rules. Example rule: {When: "message_count < 5",
// Model: "google-genai:gemini-2.5-flash-lite"}.
func NewModelSelection(defaultModel string, rules ...Rule) (*ModelSelection, error) {
	ms := &ModelSelection{defaultModel: defaultModel}
	for _, r := range rules {
		program, err := expr.Compile(r.When, expr.Env(SelectionEnv{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("model selection rule %q: %w", r.When, err)
		}
		ms.rules = append(ms.rules, compiledRule{Rule: r, program: program})
	}
	return ms, nil
}

func (m *ModelSelection) Name() string { return "model_selection" }
func (m *ModelSelection) Kind() Kind   { return KindModelSelection }

// Select returns the model for req.
func (m *ModelSelection) Select(req *models.ModelRequest) (string, error) {
	env := SelectionEnv{
		MessageCount:    len(req.Messages),
		ToolCount:       len(req.Tools),
		EstimatedTokens: EstimateTokens(req),
		UserID:          req.Invocation.UserID,
		ThreadID:        req.Invocation.ThreadID,
	}
	for _, r := range m.rules {
		out, err := expr.Run(r.program, env)
		if err != nil {
			return "", fmt.Errorf("evaluate %q: %w", r.When, err)
		}
		if ok, _ := out.(bool); ok {
			return r.Model, nil
		}
	}
	if m.defaultModel != "" {
		return m.defaultModel, nil
	}
	return req.Model, nil
}

func (m *ModelSelection) Wrap(next Handler) Handler {
	return func(ctx context.Context, req *models.ModelRequest) (*models.GatewayResult, error) {
		model, err := m.Select(req)
		if err != nil {
			return nil, err
		}
		log.Debug().Int("messages", len(req.Messages)).Str("model", model).Msg("Model selected")
		if model == req.Model {
			return next(ctx, req)
		}
		r := req.Clone()
		r.Model = model
		return next(ctx, r)
	}
}
