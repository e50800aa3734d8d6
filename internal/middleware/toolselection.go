package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/abhi9avx/cognigraph-ai/pkg/contracts"
	"github.com/abhi9avx/cognigraph-ai/pkg/models"
	"github.com/rs/zerolog/log"
)

const toolSelectionPrompt = "Your goal is to select the most relevant tools for answering the user's query. Reply with a JSON object whose \"tools\" field lists the names of the relevant tools, most relevant first."

// ToolSelectionConfig configures tool preselection.
type ToolSelectionConfig struct {
	Model         string   // selector model id
	MaxTools      int      // 0 = no cap
	AlwaysInclude []string // kept regardless of the selector, not counted against MaxTools
	Timeout       time.Duration
}

// ToolSelection asks a cheap model which tools matter for the latest user
// message and narrows the advertised tool list. When the selector fails or
// returns nothing usable, all tools are kept.
type ToolSelection struct {
	gw  contracts.Gateway
	cfg ToolSelectionConfig
}

// NewToolSelection creates a tool selection stage that calls gw.
func NewToolSelection(gw contracts.Gateway, cfg ToolSelectionConfig) *ToolSelection {
	return &ToolSelection{gw: gw, cfg: cfg}
}

func (s *ToolSelection) Name() string { return "tool_selection" }
func (s *ToolSelection) Kind() Kind   { return KindToolSelection }

func (s *ToolSelection) Wrap(next Handler) Handler {
	return func(ctx context.Context, req *models.ModelRequest) (*models.GatewayResult, error) {
		if len(req.Tools) <= 1 {
			return next(ctx, req)
		}
		selected, err := s.selectTools(ctx, req)
		if err != nil {
			log.Warn().Err(err).Int("tools", len(req.Tools)).Msg("Tool selection failed, keeping all tools")
			return next(ctx, req)
		}
		r := req.Clone()
		r.Tools = s.filter(req.Tools, selected)
		if len(r.Tools) == 0 {
			return next(ctx, req)
		}
		log.Debug().Int("from", len(req.Tools)).Int("to", len(r.Tools)).Msg("Tools preselected")
		return next(ctx, r)
	}
}

type selection struct {
	Tools []string `json:"tools"`
}

func (s *ToolSelection) selectTools(ctx context.Context, req *models.ModelRequest) ([]string, error) {
	query := lastUserMessage(req.Messages)
	if query == "" {
		return nil, fmt.Errorf("no user message to select tools for")
	}

	names := make([]any, 0, len(req.Tools))
	var listing strings.Builder
	for _, t := range req.Tools {
		names = append(names, t.Name)
		fmt.Fprintf(&listing, "- %s: %s\n", t.Name, t.Description)
	}
	schema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"tools": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string", "enum": names},
			},
		},
		"required":             []string{"tools"},
		"additionalProperties": false,
	})

	callCtx := ctx
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	res, err := s.gw.Generate(callCtx, &models.ModelRequest{
		Model:          s.cfg.Model,
		SystemPrompt:   toolSelectionPrompt,
		Messages:       []models.Message{{Role: models.RoleUser, Content: "Available tools:\n" + listing.String() + "\nQuery: " + query}},
		ResponseFormat: &models.ResponseFormat{Name: "tool_selection", Schema: schema},
		Invocation:     req.Invocation,
	})
	if err != nil {
		return nil, err
	}

	payload := res.Structured
	if len(payload) == 0 {
		payload = json.RawMessage(res.Text)
	}
	var sel selection
	if err := json.Unmarshal(payload, &sel); err != nil {
		return nil, fmt.Errorf("decode selection: %w", err)
	}
	return sel.Tools, nil
}

// filter keeps tools named by selected (capped at MaxTools) plus
// AlwaysInclude, in the original advertisement order.
func (s *ToolSelection) filter(all []models.ToolDescriptor, selected []string) []models.ToolDescriptor {
	known := make(map[string]bool, len(all))
	for _, t := range all {
		known[t.Name] = true
	}
	always := make(map[string]bool, len(s.cfg.AlwaysInclude))
	for _, n := range s.cfg.AlwaysInclude {
		always[n] = true
	}

	keep := make(map[string]bool)
	count := 0
	for _, n := range selected {
		if !known[n] || keep[n] || always[n] {
			continue
		}
		if s.cfg.MaxTools > 0 && count >= s.cfg.MaxTools {
			break
		}
		keep[n] = true
		count++
	}
	if count == 0 {
		return nil
	}
	for n := range always {
		keep[n] = true
	}

	out := make([]models.ToolDescriptor, 0, len(keep))
	for _, t := range all {
		if keep[t.Name] {
			out = append(out, t)
		}
	}
	return out
}
