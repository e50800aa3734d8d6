package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/abhi9avx/cognigraph-ai/internal/agent"
	"github.com/abhi9avx/cognigraph-ai/internal/config"
	"github.com/abhi9avx/cognigraph-ai/pkg/models"
	"github.com/abhi9avx/cognigraph-ai/pkg/server"
)

func runAsk(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ask", flag.ContinueOnError)
	preset := fs.String("preset", "", "Agent preset: "+strings.Join(agent.PresetNames(), ", ")+" (default from config)")
	thread := fs.String("thread", "", "Thread ID; turns on the same thread share history")
	user := fs.String("user", "", "User ID passed to tools")
	model := fs.String("model", "", "Model override as provider:model")
	format := fs.String("format", "", "Structured reply: 'report' or 'answer'")
	store := fs.String("store", "", "Thread store override: memory or sqlite")
	verbose := fs.Bool("v", false, "Print tool calls and results")
	if err := fs.Parse(args); err != nil {
		return err
	}
	question := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if question == "" {
		return errors.New("ask: a question is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if *store != "" {
		cfg.Store.Driver = *store
	}
	name := cfg.Agent.Preset
	if *preset != "" {
		name = *preset
	}

	srv, err := server.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer srv.Close(context.Background())

	a, ok := srv.Agent(name)
	if !ok {
		return fmt.Errorf("ask: unknown preset %q", name)
	}
	req := agent.InvokeRequest{
		ThreadID:   *thread,
		Messages:   []models.Message{{Role: models.RoleUser, Content: question}},
		Invocation: models.InvocationContext{UserID: *user},
		Model:      *model,
	}
	switch *format {
	case "":
	case "report":
		req.ResponseFormat = agent.WeatherReportFormat()
	case "answer":
		req.ResponseFormat = agent.WeatherAnswerFormat()
	default:
		return fmt.Errorf("ask: unknown format %q", *format)
	}

	resp, err := a.Invoke(ctx, req)
	if err != nil {
		return err
	}
	return printResponse(os.Stdout, resp, *verbose)
}

// printResponse writes the reply, pretty-printing structured payloads.
func printResponse(w io.Writer, resp *agent.Response, verbose bool) error {
	if verbose {
		for _, m := range resp.NewMessages {
			switch {
			case len(m.ToolCalls) > 0:
				for _, tc := range m.ToolCalls {
					fmt.Fprintf(w, "-> %s(%s)\n", tc.Name, tc.Arguments)
				}
			case m.Role == models.RoleTool:
				fmt.Fprintf(w, "<- %s: %s\n", m.Name, m.Content)
			}
		}
	}
	if len(resp.Structured) > 0 {
		var v any
		if err := json.Unmarshal(resp.Structured, &v); err != nil {
			return err
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprintln(w, resp.Message.Content)
	return err
}
