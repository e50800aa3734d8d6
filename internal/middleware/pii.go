package middleware

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/abhi9avx/cognigraph-ai/internal/guardrails"
	"github.com/abhi9avx/cognigraph-ai/pkg/models"
	"github.com/rs/zerolog/log"
)

// PIIConfig configures one PII redaction stage.
type PIIConfig struct {
	Type     string              // e.g. "credit_card"
	Detector string              // regexp; empty selects the built-in detector for Type
	Strategy guardrails.Strategy // default redact

	// ApplyToInput defaults to true; use a pointer to turn it off.
	ApplyToInput       *bool
	ApplyToOutput      bool
	ApplyToToolResults bool

	// PersistRedacted commits the rewritten input messages to the thread
	// instead of the originals. It defaults to true for every strategy except
	// block.
	PersistRedacted *bool
}

// PIIRedaction rewrites message content before the gateway observes it.
type PIIRedaction struct {
	detector    guardrails.Detector
	strategy    guardrails.Strategy
	input       bool
	output      bool
	toolResults bool
	persist     bool
}

// NewPIIRedaction compiles the detector for cfg.
func NewPIIRedaction(cfg PIIConfig) (*PIIRedaction, error) {
	d, err := guardrails.NewDetector(cfg.Type, cfg.Detector)
	if err != nil {
		return nil, err
	}
	strategy := cfg.Strategy
	if strategy == "" {
		strategy = guardrails.StrategyRedact
	}
	if !strategy.Valid() {
		return nil, fmt.Errorf("pii %s: unknown strategy %q", cfg.Type, strategy)
	}
	input := true
	if cfg.ApplyToInput != nil {
		input = *cfg.ApplyToInput
	}
	persist := strategy != guardrails.StrategyBlock
	if cfg.PersistRedacted != nil {
		persist = *cfg.PersistRedacted && strategy != guardrails.StrategyBlock
	}
	return &PIIRedaction{
		detector:    d,
		strategy:    strategy,
		input:       input,
		output:      cfg.ApplyToOutput,
		toolResults: cfg.ApplyToToolResults,
		persist:     persist,
	}, nil
}

func (p *PIIRedaction) Name() string { return "pii_redaction:" + p.detector.Type }
func (p *PIIRedaction) Kind() Kind   { return KindPIIRedaction }

func (p *PIIRedaction) applies(role models.Role) bool {
	switch role {
	case models.RoleUser:
		return p.input
	case models.RoleAssistant:
		return p.output
	case models.RoleTool:
		return p.toolResults
	}
	return false
}

func (p *PIIRedaction) Wrap(next Handler) Handler {
	return func(ctx context.Context, req *models.ModelRequest) (*models.GatewayResult, error) {
		r := req.Clone()
		total := 0
		for i, m := range r.Messages {
			if !p.applies(m.Role) || m.Content == "" {
				continue
			}
			out, n, err := guardrails.Apply(m.Content, p.detector, p.strategy)
			if err != nil {
				return nil, fmt.Errorf("%s message %d: %w", m.Role, i, err)
			}
			if n > 0 {
				r.Messages[i].Content = out
				total += n
			}
		}
		if total > 0 {
			log.Debug().Str("type", p.detector.Type).Str("strategy", string(p.strategy)).Int("matches", total).Msg("PII rewritten before model call")
		}

		res, err := next(ctx, r)
		if err != nil || !p.output || res.Kind != models.ResultFinal {
			return res, err
		}
		return p.rewriteResult(res)
	}
}

// RewriteInput returns msgs with detected spans rewritten in user messages,
// or msgs unchanged when the stage does not persist its rewrites.
func (p *PIIRedaction) RewriteInput(msgs []models.Message) ([]models.Message, error) {
	if !p.persist || !p.input {
		return msgs, nil
	}
	out := append([]models.Message(nil), msgs...)
	for i, m := range out {
		if m.Role != models.RoleUser || m.Content == "" {
			continue
		}
		text, _, err := guardrails.Apply(m.Content, p.detector, p.strategy)
		if err != nil {
			return nil, fmt.Errorf("input message %d: %w", i, err)
		}
		out[i].Content = text
	}
	return out, nil
}

func (p *PIIRedaction) rewriteResult(res *models.GatewayResult) (*models.GatewayResult, error) {
	out := *res
	text, _, err := guardrails.Apply(res.Text, p.detector, p.strategy)
	if err != nil {
		return nil, fmt.Errorf("model output: %w", err)
	}
	out.Text = text
	if len(res.Structured) > 0 {
		s, n, err := guardrails.Apply(string(res.Structured), p.detector, p.strategy)
		if err != nil {
			return nil, fmt.Errorf("model output: %w", err)
		}
		if n > 0 && json.Valid([]byte(s)) {
			out.Structured = json.RawMessage(s)
		}
	}
	return &out, nil
}
