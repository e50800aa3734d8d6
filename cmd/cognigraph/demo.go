package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/abhi9avx/cognigraph-ai/internal/agent"
	"github.com/abhi9avx/cognigraph-ai/internal/config"
	"github.com/abhi9avx/cognigraph-ai/internal/embeddings"
	"github.com/abhi9avx/cognigraph-ai/internal/router/routertest"
	"github.com/abhi9avx/cognigraph-ai/pkg/models"
	"github.com/abhi9avx/cognigraph-ai/pkg/server"
)

// scenario is a scripted conversation that needs no provider credentials.
type scenario struct {
	name    string
	summary string
	run     func(ctx context.Context, w io.Writer) error
}

var scenarios = []scenario{
	{"tools", "weather and time looked up in parallel", demoParallelTools},
	{"memory", "a thread remembers the previous turn", demoThreadMemory},
	{"structured", "reply validated against a response schema", demoStructured},
	{"pii", "card numbers redacted before the model sees them", demoPII},
	{"fallback", "primary model fails, fallback model answers", demoFallback},
	{"rag", "system prompt built from retrieved documents", demoRAG},
}

func runDemo(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("demo", flag.ContinueOnError)
	only := fs.String("only", "", "Run a single scenario by name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return runScenarios(ctx, os.Stdout, *only)
}

func runScenarios(ctx context.Context, w io.Writer, only string) error {
	ran := 0
	for _, s := range scenarios {
		if only != "" && s.name != only {
			continue
		}
		fmt.Fprintf(w, "== %s: %s\n", s.name, s.summary)
		if err := s.run(ctx, w); err != nil {
			return fmt.Errorf("demo %s: %w", s.name, err)
		}
		fmt.Fprintln(w)
		ran++
	}
	if ran == 0 {
		return fmt.Errorf("demo: unknown scenario %q", only)
	}
	return nil
}

// demoServer assembles a server around gw with a local embedder.
func demoServer(ctx context.Context, cfg *config.Config, gw *routertest.ScriptedGateway) (*server.Server, error) {
	return server.New(ctx, cfg,
		server.WithGateway(gw),
		server.WithEmbedder(embeddings.NewHashDriver(256)),
	)
}

func ask(ctx context.Context, w io.Writer, srv *server.Server, preset, thread, text string, ic models.InvocationContext) (*agent.Response, error) {
	a, ok := srv.Agent(preset)
	if !ok {
		return nil, fmt.Errorf("unknown preset %q", preset)
	}
	fmt.Fprintf(w, "user> %s\n", text)
	resp, err := a.Ask(ctx, thread, text, ic)
	if err != nil {
		return nil, err
	}
	fmt.Fprint(w, "agent> ")
	return resp, printResponse(w, resp, false)
}

func demoParallelTools(ctx context.Context, w io.Writer) error {
	gw := routertest.NewScripted(
		routertest.Tools(
			routertest.Call("c1", "get_weather", `{"city":"Bangalore"}`),
			routertest.Call("c2", "get_time", `{"city":"Bangalore"}`),
		),
		routertest.Final("It is 27 degrees and 3:00 PM in Bangalore."),
	)
	srv, err := demoServer(ctx, config.Defaults(), gw)
	if err != nil {
		return err
	}
	defer srv.Close(context.Background())

	resp, err := ask(ctx, w, srv, "weather", "", "What is the weather and time in Bangalore?", models.InvocationContext{})
	if err != nil {
		return err
	}
	for _, m := range resp.NewMessages {
		if m.Role == models.RoleTool {
			fmt.Fprintf(w, "  tool %s -> %s\n", m.Name, m.Content)
		}
	}
	return nil
}

func demoThreadMemory(ctx context.Context, w io.Writer) error {
	gw := routertest.NewScripted(
		routertest.Tools(routertest.Call("c1", "get_user_location", `{}`)),
		routertest.Tools(routertest.Call("c2", "get_weather", `{"city":"bangalore"}`)),
		routertest.Final("It is 27 degrees outside in Bangalore."),
		routertest.Final("You asked about the weather outside."),
	)
	srv, err := demoServer(ctx, config.Defaults(), gw)
	if err != nil {
		return err
	}
	defer srv.Close(context.Background())

	ic := models.InvocationContext{UserID: "1"}
	if _, err := ask(ctx, w, srv, "weather", "demo-thread", "What is the weather outside?", ic); err != nil {
		return err
	}
	if _, err := ask(ctx, w, srv, "weather", "demo-thread", "What did I ask you before?", ic); err != nil {
		return err
	}
	reqs := gw.Requests()
	fmt.Fprintf(w, "  the second turn sent %d messages of history\n", len(reqs[len(reqs)-1].Messages))
	return nil
}

func demoStructured(ctx context.Context, w io.Writer) error {
	gw := routertest.NewScripted(
		routertest.Tools(routertest.Call("c1", "get_weather", `{"city":"Chennai"}`)),
		routertest.Structured(`{"answer":"Carry water and sunscreen.","humor_response":"Chennai has three seasons: hot, hotter and hottest.","weather_response":"The weather in Chennai is 27 degrees."}`),
	)
	srv, err := demoServer(ctx, config.Defaults(), gw)
	if err != nil {
		return err
	}
	defer srv.Close(context.Background())

	_, err = ask(ctx, w, srv, "weather_answer", "", "Should I go out in Chennai today?", models.InvocationContext{})
	return err
}

func demoPII(ctx context.Context, w io.Writer) error {
	cfg := config.Defaults()
	cfg.Middleware.PII = []config.PIIRule{{Type: "credit_card", Detector: `\d{4}-\d{4}-\d{4}-\d{4}`, Strategy: "redact"}}
	gw := routertest.NewScripted(routertest.Final("I never store card numbers."))
	srv, err := demoServer(ctx, cfg, gw)
	if err != nil {
		return err
	}
	defer srv.Close(context.Background())

	if _, err := ask(ctx, w, srv, "assistant", "card", "My card is 4111-1111-1111-1111, is it safe?", models.InvocationContext{}); err != nil {
		return err
	}
	sent := gw.Requests()[0].Messages
	fmt.Fprintf(w, "  model saw: %s\n", sent[len(sent)-1].Content)

	a, _ := srv.Agent("assistant")
	history, err := a.History(ctx, "card")
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "  thread stored: %s\n", history[0].Content)
	return nil
}

func demoFallback(ctx context.Context, w io.Writer) error {
	gw := routertest.NewScripted().
		ForModel(agent.DefaultModel, routertest.Fail(routertest.GatewayFailure(agent.DefaultModel))).
		ForModel(agent.LiteModel, routertest.Final("Answered by the fallback model."))
	srv, err := demoServer(ctx, config.Defaults(), gw)
	if err != nil {
		return err
	}
	defer srv.Close(context.Background())

	resp, err := ask(ctx, w, srv, "assistant", "", "Hello?", models.InvocationContext{})
	if err != nil {
		return err
	}
	if resp.Trace != nil && len(resp.Trace.Iterations) > 0 {
		fmt.Fprintf(w, "  served by %s\n", resp.Trace.Iterations[0].Model)
	}
	return nil
}

func demoRAG(ctx context.Context, w io.Writer) error {
	cfg := config.Defaults()
	cfg.RAG.Enabled = true
	cfg.RAG.Topic = "Nike"
	gw := routertest.NewScripted(routertest.Final("Revenue rose ten percent to 51.2 billion dollars."))
	srv, err := demoServer(ctx, cfg, gw)
	if err != nil {
		return err
	}
	defer srv.Close(context.Background())

	res, err := srv.RAG.Ingester.Ingest(ctx, models.IngestRequest{Documents: []models.RawDocument{
		{ID: "nike-10k", Content: "Nike revenue rose ten percent to 51.2 billion dollars in fiscal 2023.\n\nDirect sales grew faster than wholesale."},
		{ID: "weather", Content: "Bangalore enjoys mild weather for most of the year."},
	}})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "  ingested %d chunks\n", res.ChunksCreated)

	if _, err := ask(ctx, w, srv, server.RAGAgentName, "", "How much did Nike revenue grow?", models.InvocationContext{}); err != nil {
		return err
	}
	prompt := gw.Requests()[0].SystemPrompt
	if i := strings.Index(prompt, "question."); i >= 0 {
		prompt = strings.TrimSpace(prompt[i+len("question."):])
	}
	fmt.Fprintf(w, "  context given to the model: %q\n", firstLine(prompt))
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
