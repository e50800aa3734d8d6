// Package routertest provides a deterministic Gateway for tests and offline
// demos.
package routertest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/abhi9avx/cognigraph-ai/pkg/contracts"
	"github.com/abhi9avx/cognigraph-ai/pkg/models"
)

// Step is one scripted gateway reply.
type Step struct {
	Result *models.GatewayResult
	Err    error
	Delay  time.Duration
}

// Responder computes a reply from the request. Used once the script runs out.
type Responder func(ctx context.Context, req *models.ModelRequest) (*models.GatewayResult, error)

// ScriptedGateway replays Steps in order and records every request it
// receives. Safe for concurrent use.
type ScriptedGateway struct {
	mu        sync.Mutex
	steps     []Step
	byModel   map[string][]Step
	responder Responder
	requests  []models.ModelRequest
}

// NewScripted creates a gateway that replays steps in order.
func NewScripted(steps ...Step) *ScriptedGateway {
	return &ScriptedGateway{steps: steps, byModel: make(map[string][]Step)}
}

// ForModel queues steps that are consumed only by requests for model.
func (g *ScriptedGateway) ForModel(model string, steps ...Step) *ScriptedGateway {
	g.mu.Lock()
	g.byModel[model] = append(g.byModel[model], steps...)
	g.mu.Unlock()
	return g
}

// Then sets the responder used after the script is exhausted.
func (g *ScriptedGateway) Then(r Responder) *ScriptedGateway {
	g.mu.Lock()
	g.responder = r
	g.mu.Unlock()
	return g
}

// Generate records req and returns the next scripted step.
func (g *ScriptedGateway) Generate(ctx context.Context, req *models.ModelRequest) (*models.GatewayResult, error) {
	g.mu.Lock()
	g.requests = append(g.requests, snapshot(req))
	var step *Step
	if q := g.byModel[req.Model]; len(q) > 0 {
		step = &q[0]
		g.byModel[req.Model] = q[1:]
	} else if len(g.steps) > 0 {
		step = &g.steps[0]
		g.steps = g.steps[1:]
	}
	responder := g.responder
	g.mu.Unlock()

	if step == nil {
		if responder != nil {
			return responder(ctx, req)
		}
		return nil, &contracts.GatewayError{Provider: "scripted", Model: req.Model, Message: "script exhausted"}
	}
	if step.Delay > 0 {
		select {
		case <-time.After(step.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}
	out := *step.Result
	if out.Model == "" {
		out.Model = req.Model
	}
	return &out, nil
}

// Requests returns copies of every request received so far.
func (g *ScriptedGateway) Requests() []models.ModelRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]models.ModelRequest(nil), g.requests...)
}

// Calls returns the number of Generate calls so far.
func (g *ScriptedGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

func snapshot(req *models.ModelRequest) models.ModelRequest {
	cp := *req.Clone()
	for i := range cp.Messages {
		cp.Messages[i].ToolCalls = append([]models.ToolCall(nil), cp.Messages[i].ToolCalls...)
	}
	return cp
}

// ── Step builders ───────────────────────────────────────────

// Final is a plain final answer.
func Final(text string) Step {
	return Step{Result: &models.GatewayResult{Kind: models.ResultFinal, Text: text}}
}

// Structured is a final answer carrying a structured payload.
func Structured(payload string) Step {
	return Step{Result: &models.GatewayResult{
		Kind:       models.ResultFinal,
		Text:       payload,
		Structured: json.RawMessage(payload),
	}}
}

// Tools requests a batch of tool calls.
func Tools(calls ...models.ToolCall) Step {
	return Step{Result: &models.GatewayResult{Kind: models.ResultToolCalls, ToolCalls: calls}}
}

// Fail returns err from the gateway.
func Fail(err error) Step {
	return Step{Err: err}
}

// Call builds a tool call with raw JSON arguments.
func Call(id, name, args string) models.ToolCall {
	return models.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

// GatewayFailure is a retryable-looking provider error.
func GatewayFailure(model string) error {
	return &contracts.GatewayError{Provider: "scripted", Model: model, StatusCode: 503, Message: "unavailable"}
}
