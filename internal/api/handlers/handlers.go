// Package handlers implements the HTTP handlers for the CogniGraph API:
// agent turns, thread history, tools, model usage and retrieval.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/abhi9avx/cognigraph-ai/internal/agent"
	"github.com/abhi9avx/cognigraph-ai/internal/api/middleware"
	"github.com/abhi9avx/cognigraph-ai/pkg/contracts"
	"github.com/abhi9avx/cognigraph-ai/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// UsageReporter exposes per-model token usage.
type UsageReporter interface {
	UsageSummary() models.UsageSummary
}

// ProviderHealth reports provider reachability by kind.
type ProviderHealth interface {
	HealthCheck(ctx context.Context) map[string]string
	ListDrivers() []string
}

// Handlers holds all handler dependencies.
type Handlers struct {
	Agents    map[string]*agent.Agent
	Usage     UsageReporter  // optional
	Providers ProviderHealth // optional
}

// New creates handlers serving the given agents, keyed by name.
func New(agents []*agent.Agent, usage UsageReporter, providers ProviderHealth) *Handlers {
	h := &Handlers{Agents: make(map[string]*agent.Agent, len(agents)), Usage: usage, Providers: providers}
	for _, a := range agents {
		h.Agents[a.Name()] = a
	}
	return h
}

// ══════════════════════════════════════════════════════════════
// ── Agent Handlers ───────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// ListAgents handles GET /api/v1/agents
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	infos := make([]agent.Info, 0, len(h.Agents))
	for _, a := range h.Agents {
		infos = append(infos, a.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	respondJSON(w, http.StatusOK, infos)
}

// InvokeBody is the request body of an agent turn. Either Message or
// Messages carries the user input.
type InvokeBody struct {
	ThreadID       string                 `json:"thread_id,omitempty"`
	Message        string                 `json:"message,omitempty"`
	Messages       []models.Message       `json:"messages,omitempty"`
	UserID         string                 `json:"user_id,omitempty"`
	Values         map[string]string      `json:"values,omitempty"`
	Model          string                 `json:"model,omitempty"`
	ResponseFormat *models.ResponseFormat `json:"response_format,omitempty"`
}

// Invoke handles POST /api/v1/agents/{agentName}/invoke
func (h *Handlers) Invoke(w http.ResponseWriter, r *http.Request) {
	a, ok := h.agent(w, r)
	if !ok {
		return
	}

	var body InvokeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	msgs, err := inputMessages(body.Messages)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Message != "" {
		msgs = append(msgs, models.Message{Role: models.RoleUser, Content: body.Message})
	}

	ic := middleware.GetInvocation(r.Context())
	if body.UserID != "" {
		ic.UserID = body.UserID
	}
	if len(body.Values) > 0 {
		values := make(map[string]string, len(ic.Values)+len(body.Values))
		for k, v := range ic.Values {
			values[k] = v
		}
		for k, v := range body.Values {
			values[k] = v
		}
		ic.Values = values
	}
	threadID := body.ThreadID
	if threadID == "" {
		threadID = ic.ThreadID
	}

	resp, err := a.Invoke(r.Context(), agent.InvokeRequest{
		ThreadID:       threadID,
		Messages:       msgs,
		Invocation:     ic,
		ResponseFormat: body.ResponseFormat,
		Model:          body.Model,
	})
	if err != nil {
		log.Warn().Err(err).Str("agent", a.Name()).Str("thread_id", threadID).Msg("Turn failed")
		respondTurnError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// inputMessages accepts only user and system messages from clients. Tool
// traffic and assistant turns are produced by the executor, never supplied.
// IDs are cleared so the store assigns them.
func inputMessages(msgs []models.Message) ([]models.Message, error) {
	out := make([]models.Message, 0, len(msgs)+1)
	for i, m := range msgs {
		switch m.Role {
		case "", models.RoleUser, models.RoleSystem:
		default:
			return nil, fmt.Errorf("message %d: role %q is not accepted as input", i, m.Role)
		}
		if len(m.ToolCalls) > 0 || m.ToolCallID != "" {
			return nil, fmt.Errorf("message %d: tool calls are not accepted as input", i)
		}
		m.ID = ""
		out = append(out, m)
	}
	return out, nil
}

// ListThreads handles GET /api/v1/agents/{agentName}/threads
func (h *Handlers) ListThreads(w http.ResponseWriter, r *http.Request) {
	a, ok := h.agent(w, r)
	if !ok {
		return
	}
	threads, err := a.Store().Threads(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if threads == nil {
		threads = []string{}
	}
	respondJSON(w, http.StatusOK, threads)
}

// GetThread handles GET /api/v1/agents/{agentName}/threads/{threadID}
func (h *Handlers) GetThread(w http.ResponseWriter, r *http.Request) {
	a, ok := h.agent(w, r)
	if !ok {
		return
	}
	threadID := chi.URLParam(r, "threadID")
	msgs, err := a.History(r.Context(), threadID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	respondJSON(w, http.StatusOK, models.Conversation{ThreadID: threadID, Messages: msgs})
}

// ListTools handles GET /api/v1/agents/{agentName}/tools
func (h *Handlers) ListTools(w http.ResponseWriter, r *http.Request) {
	a, ok := h.agent(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, a.Registry().DescribeAll())
}

func (h *Handlers) agent(w http.ResponseWriter, r *http.Request) (*agent.Agent, bool) {
	name := chi.URLParam(r, "agentName")
	a, ok := h.Agents[name]
	if !ok {
		respondError(w, http.StatusNotFound, "agent not found: "+name)
	}
	return a, ok
}

// ══════════════════════════════════════════════════════════════
// ── Model Router ─────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// GetUsage handles GET /api/v1/models/usage
func (h *Handlers) GetUsage(w http.ResponseWriter, r *http.Request) {
	if h.Usage == nil {
		respondJSON(w, http.StatusOK, models.UsageSummary{ByModel: map[string]models.TokenUsage{}})
		return
	}
	respondJSON(w, http.StatusOK, h.Usage.UsageSummary())
}

// ListProviders handles GET /api/v1/models/providers
func (h *Handlers) ListProviders(w http.ResponseWriter, r *http.Request) {
	if h.Providers == nil {
		respondJSON(w, http.StatusOK, []string{})
		return
	}
	respondJSON(w, http.StatusOK, h.Providers.ListDrivers())
}

// ProviderHealth handles GET /api/v1/models/health
// Always returns 200 with per-provider status in the body.
func (h *Handlers) ProviderHealth(w http.ResponseWriter, r *http.Request) {
	if h.Providers == nil {
		respondJSON(w, http.StatusOK, map[string]string{})
		return
	}
	respondJSON(w, http.StatusOK, h.Providers.HealthCheck(r.Context()))
}

// ── Helpers ──────────────────────────────────────────────────

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	Iteration int    `json:"iteration,omitempty"`
}

// StatusFor maps an error to an HTTP status using the error taxonomy.
func StatusFor(err error) int {
	switch contracts.KindOf(err) {
	case contracts.KindUnknownTool, contracts.KindSchemaViolation:
		return http.StatusUnprocessableEntity
	case contracts.KindTurnLoopExceeded:
		return http.StatusLoopDetected
	case contracts.KindTimeout:
		return http.StatusGatewayTimeout
	case contracts.KindGateway:
		return http.StatusBadGateway
	case contracts.KindMiddleware:
		return http.StatusBadRequest
	case contracts.KindDuplicateName:
		return http.StatusConflict
	case contracts.KindTool:
		return http.StatusInternalServerError
	}
	switch {
	case errors.Is(err, agent.ErrNoMessages):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

func respondTurnError(w http.ResponseWriter, err error) {
	body := ErrorBody{Error: err.Error(), Kind: string(contracts.KindOf(err))}
	var te *contracts.TurnError
	if errors.As(err, &te) {
		body.Iteration = te.Iteration
	}
	respondJSON(w, StatusFor(err), body)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorBody{Error: message})
}
