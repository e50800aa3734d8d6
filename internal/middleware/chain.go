// Package middleware implements the stages that wrap every model call of a
// turn: fallback, summarization, tool preselection, PII redaction, dynamic
// system prompts and per-call model selection.
//
// Stages compose in declaration order. The first stage is outermost: it sees
// the request first and the result last.
package middleware

import (
	"context"
	"errors"
	"fmt"

	"github.com/abhi9avx/cognigraph-ai/pkg/contracts"
	"github.com/abhi9avx/cognigraph-ai/pkg/models"
)

// Handler performs (or forwards) one model call.
type Handler func(ctx context.Context, req *models.ModelRequest) (*models.GatewayResult, error)

// Kind is the closed set of stage kinds.
type Kind string

const (
	KindModelFallback  Kind = "model_fallback"
	KindSummarization  Kind = "summarization"
	KindToolSelection  Kind = "tool_selection"
	KindPIIRedaction   Kind = "pii_redaction"
	KindDynamicPrompt  Kind = "dynamic_prompt"
	KindModelSelection Kind = "model_selection"
)

// Kinds lists every supported stage kind.
var Kinds = []Kind{
	KindModelFallback, KindSummarization, KindToolSelection,
	KindPIIRedaction, KindDynamicPrompt, KindModelSelection,
}

// Valid reports whether k belongs to the closed set.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Stage wraps the next handler in the chain.
type Stage interface {
	Name() string
	Kind() Kind
	Wrap(next Handler) Handler
}

// InputRewriter is implemented by stages whose rewrite of a turn's input
// messages is also what the thread should keep.
type InputRewriter interface {
	RewriteInput(msgs []models.Message) ([]models.Message, error)
}

// Chain is an ordered list of stages.
type Chain struct {
	stages []Stage
}

// NewChain validates stage kinds and returns the chain.
func NewChain(stages ...Stage) (*Chain, error) {
	for i, s := range stages {
		if s == nil {
			return nil, fmt.Errorf("middleware stage %d is nil", i)
		}
		if !s.Kind().Valid() {
			return nil, fmt.Errorf("middleware stage %q: unknown kind %q", s.Name(), s.Kind())
		}
	}
	return &Chain{stages: append([]Stage(nil), stages...)}, nil
}

// Stages returns the stages in declaration order.
func (c *Chain) Stages() []Stage {
	if c == nil {
		return nil
	}
	return append([]Stage(nil), c.stages...)
}

// Then wraps h with every stage, first stage outermost.
func (c *Chain) Then(h Handler) Handler {
	if c == nil {
		return h
	}
	for i := len(c.stages) - 1; i >= 0; i-- {
		h = guard(c.stages[i], c.stages[i].Wrap(h))
	}
	return h
}

// RewriteInput passes msgs through every InputRewriter stage in order.
func (c *Chain) RewriteInput(msgs []models.Message) ([]models.Message, error) {
	if c == nil {
		return msgs, nil
	}
	for _, s := range c.stages {
		rw, ok := s.(InputRewriter)
		if !ok {
			continue
		}
		var err error
		if msgs, err = rw.RewriteInput(msgs); err != nil {
			return nil, &contracts.MiddlewareError{Stage: s.Name(), Err: err}
		}
	}
	return msgs, nil
}

// guard tags untyped stage errors as middleware errors. Errors that already
// carry a taxonomy kind pass through unchanged.
func guard(s Stage, h Handler) Handler {
	return func(ctx context.Context, req *models.ModelRequest) (*models.GatewayResult, error) {
		res, err := h(ctx, req)
		if err == nil {
			return res, nil
		}
		if contracts.KindOf(err) != contracts.KindNone || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &contracts.MiddlewareError{Stage: s.Name(), Err: err}
	}
}

// lastUserMessage returns the content of the most recent user message.
func lastUserMessage(msgs []models.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}
