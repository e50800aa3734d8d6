// Package agent composes the tool registry, gateway, middleware chain,
// conversation store and turn executor into a conversational agent with
// per-thread memory.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/abhi9avx/cognigraph-ai/internal/executor"
	"github.com/abhi9avx/cognigraph-ai/internal/middleware"
	"github.com/abhi9avx/cognigraph-ai/internal/sessions"
	"github.com/abhi9avx/cognigraph-ai/internal/tools"
	"github.com/abhi9avx/cognigraph-ai/pkg/contracts"
	"github.com/abhi9avx/cognigraph-ai/pkg/models"
	"github.com/rs/zerolog/log"
)

// ErrNoMessages is returned by Invoke when the request carries no messages.
var ErrNoMessages = errors.New("invoke request has no messages")

// Config describes an agent.
type Config struct {
	Name           string
	Model          string
	SystemPrompt   string
	Tools          []string               // registry subset to advertise; nil = all
	ResponseFormat *models.ResponseFormat // default for every turn
	Options        models.GenerationOptions
	Executor       executor.Config

	// Locks serializes turns per thread. Agents sharing a store should share
	// it too; nil gives the agent its own.
	Locks *sessions.ThreadLocks
}

// Agent runs turns against one conversation store. Turns on the same thread
// are serialized; turns on different threads run independently.
type Agent struct {
	cfg      Config
	registry *tools.Registry
	store    contracts.ConversationStore
	locks    *sessions.ThreadLocks
	chain    *middleware.Chain
	exec     *executor.Executor
}

// New creates an agent. A nil store selects an in-memory store; a nil chain
// calls the gateway directly.
func New(cfg Config, gw contracts.Gateway, reg *tools.Registry, chain *middleware.Chain, store contracts.ConversationStore) *Agent {
	if reg == nil {
		reg = tools.NewRegistry()
	}
	if store == nil {
		store = sessions.NewMemoryStore()
	}
	if cfg.Name == "" {
		cfg.Name = "agent"
	}
	locks := cfg.Locks
	if locks == nil {
		locks = sessions.NewThreadLocks()
	}
	return &Agent{
		cfg:      cfg,
		registry: reg,
		store:    store,
		locks:    locks,
		chain:    chain,
		exec:     executor.New(gw, reg, chain, cfg.Executor),
	}
}

// Name returns the agent name.
func (a *Agent) Name() string { return a.cfg.Name }

// Registry returns the agent's tools.
func (a *Agent) Registry() *tools.Registry { return a.registry }

// Store returns the agent's conversation store.
func (a *Agent) Store() contracts.ConversationStore { return a.store }

// Info summarizes an agent for listings.
type Info struct {
	Name           string   `json:"name"`
	Model          string   `json:"model"`
	Tools          []string `json:"tools"`
	ResponseFormat string   `json:"response_format,omitempty"`
}

// Info describes the agent.
func (a *Agent) Info() Info {
	names := a.cfg.Tools
	if names == nil {
		names = a.registry.Names()
	}
	info := Info{Name: a.cfg.Name, Model: a.cfg.Model, Tools: append([]string{}, names...)}
	if a.cfg.ResponseFormat != nil {
		info.ResponseFormat = a.cfg.ResponseFormat.Name
	}
	return info
}

// InvokeRequest is one turn.
type InvokeRequest struct {
	ThreadID       string // empty = stateless turn
	Messages       []models.Message
	Invocation     models.InvocationContext
	ResponseFormat *models.ResponseFormat // overrides the agent default
	Model          string                 // overrides the agent model
}

// Response is the result of a Done turn.
type Response struct {
	ThreadID    string           `json:"thread_id,omitempty"`
	Message     models.Message   `json:"message"`
	Structured  json.RawMessage  `json:"structured,omitempty"`
	NewMessages []models.Message `json:"new_messages"`
	Trace       *executor.Trace  `json:"trace,omitempty"`
}

// Invoke runs one turn. With a thread ID it loads the thread's history and,
// when the turn is Done, commits the turn's messages in a single Append. A
// failed turn commits nothing and returns a *contracts.TurnError.
func (a *Agent) Invoke(ctx context.Context, req InvokeRequest) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, ErrNoMessages
	}
	threadID := req.ThreadID
	if threadID == "" {
		threadID = req.Invocation.ThreadID
	}
	ic := req.Invocation
	ic.ThreadID = threadID

	input, err := a.chain.RewriteInput(withUserRole(req.Messages))
	if err != nil {
		return nil, err
	}

	var history []models.Message
	if threadID != "" {
		release, err := a.locks.Acquire(ctx, threadID)
		if err != nil {
			return nil, err
		}
		defer release()

		history, err = a.store.Load(ctx, threadID)
		if err != nil {
			return nil, fmt.Errorf("load thread %s: %w", threadID, err)
		}
	}

	in := executor.Input{
		History:        history,
		Messages:       input,
		Model:          a.cfg.Model,
		SystemPrompt:   a.cfg.SystemPrompt,
		ResponseFormat: a.cfg.ResponseFormat,
		Invocation:     ic,
		Options:        a.cfg.Options,
	}
	if a.cfg.Tools != nil {
		in.Tools = a.registry.Subset(a.cfg.Tools...)
	}
	if req.ResponseFormat != nil {
		in.ResponseFormat = req.ResponseFormat
	}
	if req.Model != "" {
		in.Model = req.Model
	}

	out := a.exec.Execute(ctx, in)
	if out.Err != nil {
		return nil, out.Err
	}

	msgs := sessions.Stamp(out.NewMessages)
	if threadID != "" {
		if err := a.store.Append(ctx, threadID, msgs); err != nil {
			return nil, fmt.Errorf("commit thread %s: %w", threadID, err)
		}
	}

	log.Debug().
		Str("agent", a.cfg.Name).
		Str("thread_id", threadID).
		Int("history", len(history)).
		Int("new_messages", len(msgs)).
		Msg("Turn committed")

	return &Response{
		ThreadID:    threadID,
		Message:     msgs[len(msgs)-1],
		Structured:  out.Structured,
		NewMessages: msgs,
		Trace:       out.Trace,
	}, nil
}

// Ask is a single user message turn.
func (a *Agent) Ask(ctx context.Context, threadID, text string, ic models.InvocationContext) (*Response, error) {
	return a.Invoke(ctx, InvokeRequest{
		ThreadID:   threadID,
		Messages:   []models.Message{{Role: models.RoleUser, Content: text}},
		Invocation: ic,
	})
}

// History returns the committed messages of a thread.
func (a *Agent) History(ctx context.Context, threadID string) ([]models.Message, error) {
	return a.store.Load(ctx, threadID)
}

func withUserRole(msgs []models.Message) []models.Message {
	out := make([]models.Message, len(msgs))
	for i, m := range msgs {
		if m.Role == "" {
			m.Role = models.RoleUser
		}
		out[i] = m
	}
	return out
}
