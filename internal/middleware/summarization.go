package middleware

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/abhi9avx/cognigraph-ai/pkg/contracts"
	"github.com/abhi9avx/cognigraph-ai/pkg/models"
	"github.com/rs/zerolog/log"
)

const (
	DefaultSummaryTriggerTokens = 8000
	DefaultSummaryKeepMessages  = 20
)

const summaryPrompt = `You condense conversations. Write a concise summary of the conversation below that keeps every fact, decision, name, number and open question needed to continue it. If a previous summary is given, merge it with the new messages. Reply with the summary only.`

// SummaryPrefix starts the system message that replaces the summarized prefix.
const SummaryPrefix = "Summary of the earlier conversation:\n"

// SummarizationConfig configures the summarization stage.
type SummarizationConfig struct {
	Model         string // summarizer model id
	TriggerTokens int    // estimated request size that triggers summarization
	KeepMessages  int    // most recent messages always sent verbatim
	Timeout       time.Duration
	Store         contracts.SummaryStore // optional
}

// Summarization replaces the older part of an oversized request with a
// summary. It rewrites the outbound request only.
type Summarization struct {
	gw  contracts.Gateway
	cfg SummarizationConfig
}

// NewSummarization creates a summarization stage that calls gw for summaries.
func NewSummarization(gw contracts.Gateway, cfg SummarizationConfig) *Summarization {
	if cfg.TriggerTokens <= 0 {
		cfg.TriggerTokens = DefaultSummaryTriggerTokens
	}
	if cfg.KeepMessages <= 0 {
		cfg.KeepMessages = DefaultSummaryKeepMessages
	}
	return &Summarization{gw: gw, cfg: cfg}
}

func (s *Summarization) Name() string { return "summarization" }
func (s *Summarization) Kind() Kind   { return KindSummarization }

func (s *Summarization) Wrap(next Handler) Handler {
	return func(ctx context.Context, req *models.ModelRequest) (*models.GatewayResult, error) {
		if EstimateTokens(req) <= s.cfg.TriggerTokens {
			return next(ctx, req)
		}
		boundary := SummaryBoundary(req.Messages, s.cfg.KeepMessages)
		if boundary == 0 {
			return next(ctx, req)
		}

		text, err := s.summaryFor(ctx, req, boundary)
		if err != nil {
			return nil, err
		}

		r := req.Clone()
		r.Messages = make([]models.Message, 0, len(req.Messages)-boundary+1)
		r.Messages = append(r.Messages, models.Message{Role: models.RoleSystem, Content: SummaryPrefix + text})
		r.Messages = append(r.Messages, req.Messages[boundary:]...)
		r.Committed = 0
		if req.Committed >= boundary {
			r.Committed = req.Committed - boundary + 1
		}
		log.Debug().
			Str("thread_id", req.Invocation.ThreadID).
			Int("boundary", boundary).
			Int("kept", len(req.Messages)-boundary).
			Msg("Conversation prefix summarized")
		return next(ctx, r)
	}
}

// summaryFor returns a summary of msgs[:boundary], reusing and extending a
// stored summary where possible. A stored summary is trusted only while the
// message it ends on is still at the same position. Only summaries that end
// inside committed history are stored, so a failed turn leaves nothing behind.
func (s *Summarization) summaryFor(ctx context.Context, req *models.ModelRequest, boundary int) (string, error) {
	threadID := req.Invocation.ThreadID
	var prev *models.Summary
	if s.cfg.Store != nil && threadID != "" {
		var err error
		prev, err = s.cfg.Store.LoadSummary(ctx, threadID)
		if err != nil {
			return "", fmt.Errorf("load summary: %w", err)
		}
		if prev != nil && !summaryMatches(prev, req.Messages, boundary) {
			prev = nil
		}
		if prev != nil && prev.Boundary == boundary {
			return prev.Text, nil
		}
	}

	from := 0
	var transcript strings.Builder
	if prev != nil {
		from = prev.Boundary
		transcript.WriteString("Previous summary:\n")
		transcript.WriteString(prev.Text)
		transcript.WriteString("\n\nNew messages:\n")
	}
	for _, m := range req.Messages[from:boundary] {
		writeTranscriptLine(&transcript, m)
	}

	callCtx := ctx
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	res, err := s.gw.Generate(callCtx, &models.ModelRequest{
		Model:        s.cfg.Model,
		SystemPrompt: summaryPrompt,
		Messages:     []models.Message{{Role: models.RoleUser, Content: transcript.String()}},
		Invocation:   req.Invocation,
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	text := strings.TrimSpace(res.Text)

	last := req.Messages[boundary-1].ID
	if s.cfg.Store != nil && threadID != "" && boundary <= req.Committed && last != "" {
		sum := models.Summary{
			ThreadID:  threadID,
			Boundary:  boundary,
			LastID:    last,
			Text:      text,
			Model:     s.cfg.Model,
			CreatedAt: time.Now().UTC(),
		}
		if err := s.cfg.Store.SaveSummary(ctx, sum); err != nil {
			return "", fmt.Errorf("save summary: %w", err)
		}
	}
	return text, nil
}

func summaryMatches(sum *models.Summary, msgs []models.Message, boundary int) bool {
	if sum.LastID == "" || sum.Boundary <= 0 || sum.Boundary > boundary {
		return false
	}
	return msgs[sum.Boundary-1].ID == sum.LastID
}

func writeTranscriptLine(b *strings.Builder, m models.Message) {
	b.WriteString(string(m.Role))
	if m.Name != "" {
		b.WriteString(" (" + m.Name + ")")
	}
	b.WriteString(": ")
	b.WriteString(m.Content)
	for _, tc := range m.ToolCalls {
		fmt.Fprintf(b, " [calls %s %s]", tc.Name, tc.Arguments)
	}
	b.WriteString("\n")
}

// SummaryBoundary returns the index of the first message kept verbatim when
// keep messages are retained. The boundary never separates a tool result
// from the assistant message that requested it. Zero means nothing to
// summarize.
func SummaryBoundary(msgs []models.Message, keep int) int {
	start := len(msgs) - keep
	if start <= 0 {
		return 0
	}
	for start > 0 && msgs[start].Role == models.RoleTool {
		start--
	}
	return start
}
