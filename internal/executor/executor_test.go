package executor_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/abhi9avx/cognigraph-ai/internal/executor"
	"github.com/abhi9avx/cognigraph-ai/internal/middleware"
	"github.com/abhi9avx/cognigraph-ai/internal/router/routertest"
	"github.com/abhi9avx/cognigraph-ai/internal/tools"
	"github.com/abhi9avx/cognigraph-ai/internal/tools/builtin"
	"github.com/abhi9avx/cognigraph-ai/pkg/contracts"
	"github.com/abhi9avx/cognigraph-ai/pkg/models"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	flash = "google-genai:gemini-2.5-flash"
	lite  = "google-genai:gemini-2.5-flash-lite"
)

func ask(text string) executor.Input {
	return executor.Input{
		Model:    flash,
		Messages: []models.Message{{Role: models.RoleUser, Content: text}},
	}
}

func weatherRegistry() *tools.Registry {
	return tools.NewRegistry().MustRegister(builtin.WeatherSet()...)
}

type slowArgs struct {
	Label   string `json:"label"`
	DelayMs int    `json:"delay_ms"`
}

// slowTool sleeps for delay_ms and echoes its label, recording completion order.
func slowTool(mu *sync.Mutex, completed *[]string) tools.Tool {
	return tools.MustTypedTool("slow", "sleeps then echoes",
		func(ctx context.Context, args slowArgs, _ models.InvocationContext) (any, error) {
			select {
			case <-time.After(time.Duration(args.DelayMs) * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			mu.Lock()
			*completed = append(*completed, args.Label)
			mu.Unlock()
			return args.Label, nil
		})
}

func toolContents(msgs []models.Message) []string {
	var out []string
	for _, m := range msgs {
		if m.Role == models.RoleTool {
			out = append(out, m.Content)
		}
	}
	return out
}

func TestExecute_PlainAnswer(t *testing.T) {
	gw := routertest.NewScripted(routertest.Final("Hello!"))
	ex := executor.New(gw, weatherRegistry(), nil, executor.Config{})

	out := ex.Execute(context.Background(), ask("hi"))

	require.Nil(t, out.Err)
	assert.Equal(t, executor.StateDone, out.State)
	require.NotNil(t, out.Final)
	assert.Equal(t, "Hello!", out.Final.Content)
	require.Len(t, out.NewMessages, 2)
	assert.Equal(t, models.RoleUser, out.NewMessages[0].Role)
	assert.Len(t, out.Trace.Iterations, 1)

	reqs := gw.Requests()
	require.Len(t, reqs, 1)
	assert.Len(t, reqs[0].Tools, 3, "every registered tool is advertised by default")
}

func TestExecute_WeatherAndTimeInParallel(t *testing.T) {
	gw := routertest.NewScripted(
		routertest.Tools(
			routertest.Call("c1", "get_weather", `{"city":"Paris"}`),
			routertest.Call("c2", "get_time", `{"city":"Paris"}`),
		),
		routertest.Final("It is 27 degrees and 3:00 PM in Paris."),
	)
	ex := executor.New(gw, weatherRegistry(), nil, executor.Config{})

	out := ex.Execute(context.Background(), ask("What's the weather and time in Paris?"))

	require.Nil(t, out.Err)
	require.Len(t, out.NewMessages, 5)
	assert.Equal(t, models.RoleAssistant, out.NewMessages[1].Role)
	assert.Len(t, out.NewMessages[1].ToolCalls, 2)
	assert.Equal(t, "c1", out.NewMessages[2].ToolCallID)
	assert.Equal(t, "The weather in Paris is 27 degrees.", out.NewMessages[2].Content)
	assert.Equal(t, "c2", out.NewMessages[3].ToolCallID)
	assert.Equal(t, "The current time in Paris is 3:00 PM", out.NewMessages[3].Content)
	assert.Equal(t, "It is 27 degrees and 3:00 PM in Paris.", out.Final.Content)

	reqs := gw.Requests()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[1].Messages, 4, "second call sees user, assistant and both tool results")
}

func TestExecute_ResultsKeepRequestOrderUnderStaggeredLatency(t *testing.T) {
	var (
		mu        sync.Mutex
		completed []string
	)
	reg := tools.NewRegistry().MustRegister(slowTool(&mu, &completed))
	gw := routertest.NewScripted(
		routertest.Tools(
			routertest.Call("a", "slow", `{"label":"first","delay_ms":60}`),
			routertest.Call("b", "slow", `{"label":"second","delay_ms":5}`),
			routertest.Call("c", "slow", `{"label":"third","delay_ms":30}`),
		),
		routertest.Final("done"),
	)
	ex := executor.New(gw, reg, nil, executor.Config{})

	out := ex.Execute(context.Background(), ask("go"))

	require.Nil(t, out.Err)
	assert.Equal(t, []string{"first", "second", "third"}, toolContents(out.NewMessages))
	assert.Equal(t, []string{"second", "third", "first"}, completed, "calls ran concurrently")
}

func TestExecute_OrderingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("tool results follow request order", prop.ForAll(
		func(delays []int) bool {
			var (
				mu        sync.Mutex
				completed []string
			)
			reg := tools.NewRegistry().MustRegister(slowTool(&mu, &completed))
			calls := make([]models.ToolCall, len(delays))
			want := make([]string, len(delays))
			for i, d := range delays {
				want[i] = fmt.Sprintf("call-%d", i)
				calls[i] = routertest.Call(want[i], "slow", fmt.Sprintf(`{"label":%q,"delay_ms":%d}`, want[i], d))
			}
			gw := routertest.NewScripted(routertest.Tools(calls...), routertest.Final("ok"))
			out := executor.New(gw, reg, nil, executor.Config{MaxParallelTools: 4}).Execute(context.Background(), ask("go"))
			if out.Err != nil {
				return false
			}
			got := toolContents(out.NewMessages)
			if len(got) != len(want) {
				return false
			}
			for i := range want {
				if got[i] != want[i] || out.NewMessages[i+2].ToolCallID != want[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(6, gen.IntRange(0, 10)).SuchThat(func(v []int) bool { return len(v) > 0 }),
	))

	properties.TestingRun(t)
}

func TestExecute_SchemaViolationRecovers(t *testing.T) {
	gw := routertest.NewScripted(
		routertest.Tools(routertest.Call("c1", "get_weather", `{"town":"Paris"}`)),
		routertest.Tools(routertest.Call("c2", "get_weather", `{"city":"Paris"}`)),
		routertest.Final("27 degrees"),
	)
	ex := executor.New(gw, weatherRegistry(), nil, executor.Config{})

	out := ex.Execute(context.Background(), ask("weather?"))

	require.Nil(t, out.Err)
	assert.Equal(t, executor.StateDone, out.State)
	bad := out.NewMessages[2]
	assert.True(t, bad.IsError)
	assert.Equal(t, "c1", bad.ToolCallID)

	var payload struct {
		Error tools.ToolResultError `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(bad.Content), &payload))
	assert.Equal(t, string(contracts.KindSchemaViolation), payload.Error.Code)

	good := out.NewMessages[4]
	assert.False(t, good.IsError)
	assert.Equal(t, "The weather in Paris is 27 degrees.", good.Content)
}

func TestExecute_MalformedArgumentsRecover(t *testing.T) {
	gw := routertest.NewScripted(
		routertest.Tools(routertest.Call("c1", "get_weather", `"{city: Paris"`)),
		routertest.Final("sorry"),
	)
	out := executor.New(gw, weatherRegistry(), nil, executor.Config{}).Execute(context.Background(), ask("weather?"))

	require.Nil(t, out.Err)
	assert.True(t, out.NewMessages[2].IsError)
}

func TestExecute_UnknownToolRecovers(t *testing.T) {
	gw := routertest.NewScripted(
		routertest.Tools(routertest.Call("c1", "get_stock_price", `{"symbol":"GOOG"}`)),
		routertest.Final("I can't look that up."),
	)
	out := executor.New(gw, weatherRegistry(), nil, executor.Config{}).Execute(context.Background(), ask("GOOG?"))

	require.Nil(t, out.Err)
	msg := out.NewMessages[2]
	assert.True(t, msg.IsError)
	assert.Equal(t, "get_stock_price", msg.Name)
	assert.Contains(t, msg.Content, string(contracts.KindUnknownTool))
}

func TestExecute_ToolResultErrorRecovers(t *testing.T) {
	reg := tools.NewRegistry().MustRegister(builtin.AssistantSet()...)
	gw := routertest.NewScripted(
		routertest.Tools(routertest.Call("c1", "send_email", `{"recipient":"bob","subject":"hi"}`)),
		routertest.Final("That address looks wrong."),
	)
	out := executor.New(gw, reg, nil, executor.Config{}).Execute(context.Background(), ask("email bob"))

	require.Nil(t, out.Err)
	assert.True(t, out.NewMessages[2].IsError)
	assert.Contains(t, out.NewMessages[2].Content, "invalid_recipient")
}

func TestExecute_FillsMissingCallIDs(t *testing.T) {
	gw := routertest.NewScripted(
		routertest.Tools(routertest.Call("", "get_weather", `{"city":"Oslo"}`)),
		routertest.Final("cold"),
	)
	out := executor.New(gw, weatherRegistry(), nil, executor.Config{}).Execute(context.Background(), ask("Oslo?"))

	require.Nil(t, out.Err)
	id := out.NewMessages[1].ToolCalls[0].ID
	assert.NotEmpty(t, id)
	assert.Equal(t, id, out.NewMessages[2].ToolCallID)
}

func pingRegistry(invocations *atomic.Int64) *tools.Registry {
	return tools.NewRegistry().MustRegister(tools.MustTypedTool("ping", "ping",
		func(context.Context, struct{}, models.InvocationContext) (any, error) {
			invocations.Add(1)
			return "pong", nil
		}))
}

func alwaysTools(context.Context, *models.ModelRequest) (*models.GatewayResult, error) {
	return &models.GatewayResult{
		Kind:      models.ResultToolCalls,
		ToolCalls: []models.ToolCall{{Name: "ping", Arguments: json.RawMessage(`{}`)}},
	}, nil
}

func TestExecute_IterationCapIsExact(t *testing.T) {
	var invocations atomic.Int64
	gw := routertest.NewScripted().Then(alwaysTools)
	ex := executor.New(gw, pingRegistry(&invocations), nil, executor.Config{MaxIterations: 10})

	out := ex.Execute(context.Background(), ask("loop"))

	require.NotNil(t, out.Err)
	assert.Equal(t, executor.StateFailed, out.State)
	assert.Equal(t, contracts.KindTurnLoopExceeded, out.Err.Kind)
	assert.ErrorIs(t, out.Err, contracts.ErrTurnLoopExceeded)
	assert.Equal(t, 10, out.Err.Iteration)
	assert.Equal(t, 10, gw.Calls())
	assert.Equal(t, int64(9), invocations.Load(), "the capped call's tools are not run")
	assert.Nil(t, out.Final)
}

func TestExecute_ConvergingOnLastIterationSucceeds(t *testing.T) {
	var invocations atomic.Int64
	steps := make([]routertest.Step, 0, 10)
	for i := 0; i < 9; i++ {
		steps = append(steps, routertest.Tools(routertest.Call("", "ping", `{}`)))
	}
	steps = append(steps, routertest.Final("converged"))
	gw := routertest.NewScripted(steps...)
	ex := executor.New(gw, pingRegistry(&invocations), nil, executor.Config{MaxIterations: 10})

	out := ex.Execute(context.Background(), ask("loop"))

	require.Nil(t, out.Err)
	assert.Equal(t, "converged", out.Final.Content)
	assert.Equal(t, 10, gw.Calls())
	assert.Equal(t, int64(9), invocations.Load())
}

var weatherFormat = &models.ResponseFormat{
	Name: "weather",
	Schema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"humor_response": {"type": "string"},
			"weather_response": {"type": "string"}
		},
		"required": ["humor_response", "weather_response"],
		"additionalProperties": false
	}`),
}

func TestExecute_ResponseFormat(t *testing.T) {
	tests := []struct {
		name     string
		step     routertest.Step
		wantKind contracts.ErrorKind
	}{
		{
			name: "structured payload",
			step: routertest.Structured(`{"humor_response":"Sunscreen!","weather_response":"27 degrees"}`),
		},
		{
			name: "fenced text",
			step: routertest.Final("```json\n{\"humor_response\":\"ha\",\"weather_response\":\"hot\"}\n```"),
		},
		{
			name:     "missing field",
			step:     routertest.Structured(`{"humor_response":"ha"}`),
			wantKind: contracts.KindSchemaViolation,
		},
		{
			name:     "plain prose",
			step:     routertest.Final("It's hot."),
			wantKind: contracts.KindSchemaViolation,
		},
		{
			name:     "empty answer",
			step:     routertest.Final(""),
			wantKind: contracts.KindSchemaViolation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := ask("weather?")
			in.ResponseFormat = weatherFormat
			out := executor.New(routertest.NewScripted(tt.step), weatherRegistry(), nil, executor.Config{}).
				Execute(context.Background(), in)

			if tt.wantKind != contracts.KindNone {
				require.NotNil(t, out.Err)
				assert.Equal(t, tt.wantKind, out.Err.Kind)
				assert.ErrorIs(t, out.Err, contracts.ErrSchemaViolation)
				assert.Nil(t, out.Structured)
				assert.Nil(t, out.Final)
				return
			}
			require.Nil(t, out.Err)
			var v map[string]string
			require.NoError(t, json.Unmarshal(out.Structured, &v))
			assert.NotEmpty(t, v["weather_response"])
			assert.JSONEq(t, string(out.Structured), string(out.Final.Structured))
		})
	}
}

func TestExecute_InvalidResponseSchema(t *testing.T) {
	gw := routertest.NewScripted(routertest.Final("{}"))
	in := ask("hi")
	in.ResponseFormat = &models.ResponseFormat{Name: "broken", Schema: json.RawMessage(`{"type": 12}`)}

	out := executor.New(gw, nil, nil, executor.Config{}).Execute(context.Background(), in)

	require.NotNil(t, out.Err)
	assert.Equal(t, contracts.KindSchemaViolation, out.Err.Kind)
	assert.Equal(t, 0, gw.Calls())
}

func TestExecute_GatewayFailure(t *testing.T) {
	gw := routertest.NewScripted(routertest.Fail(routertest.GatewayFailure(flash)))
	out := executor.New(gw, nil, nil, executor.Config{}).Execute(context.Background(), ask("hi"))

	require.NotNil(t, out.Err)
	assert.Equal(t, contracts.KindGateway, out.Err.Kind)
	assert.ErrorIs(t, out.Err, contracts.ErrGateway)
	var gwErr *contracts.GatewayError
	assert.True(t, errors.As(out.Err, &gwErr))
	assert.Len(t, out.NewMessages, 1)
}

func TestExecute_ModelTimeout(t *testing.T) {
	slow := routertest.Final("late")
	slow.Delay = 500 * time.Millisecond
	gw := routertest.NewScripted(slow)
	ex := executor.New(gw, nil, nil, executor.Config{ModelTimeout: 20 * time.Millisecond})

	out := ex.Execute(context.Background(), ask("hi"))

	require.NotNil(t, out.Err)
	assert.Equal(t, contracts.KindTimeout, out.Err.Kind)
	assert.ErrorIs(t, out.Err, contracts.ErrTimeout)
}

func TestExecute_ToolTimeout(t *testing.T) {
	var (
		mu        sync.Mutex
		completed []string
	)
	reg := tools.NewRegistry().MustRegister(slowTool(&mu, &completed))
	gw := routertest.NewScripted(routertest.Tools(routertest.Call("c1", "slow", `{"label":"x","delay_ms":500}`)))
	ex := executor.New(gw, reg, nil, executor.Config{ToolTimeout: 20 * time.Millisecond})

	out := ex.Execute(context.Background(), ask("go"))

	require.NotNil(t, out.Err)
	assert.Equal(t, contracts.KindTimeout, out.Err.Kind)
	assert.Equal(t, 1, out.Err.Iteration)
}

func TestExecute_ToolIgnoringContextIsAbandoned(t *testing.T) {
	reg := tools.NewRegistry().MustRegister(tools.MustTypedTool("stuck", "never checks ctx",
		func(context.Context, struct{}, models.InvocationContext) (any, error) {
			time.Sleep(300 * time.Millisecond)
			return "late", nil
		}))
	gw := routertest.NewScripted(routertest.Tools(routertest.Call("c1", "stuck", `{}`)))
	ex := executor.New(gw, reg, nil, executor.Config{ToolTimeout: 20 * time.Millisecond})

	start := time.Now()
	out := ex.Execute(context.Background(), ask("go"))

	require.NotNil(t, out.Err)
	assert.Equal(t, contracts.KindTimeout, out.Err.Kind)
	assert.Less(t, time.Since(start), 250*time.Millisecond)
}

func TestExecute_UnexpectedHandlerErrorFailsTurn(t *testing.T) {
	tests := []struct {
		name string
		fn   func(context.Context, struct{}, models.InvocationContext) (any, error)
	}{
		{"error", func(context.Context, struct{}, models.InvocationContext) (any, error) {
			return nil, errors.New("database unreachable")
		}},
		{"panic", func(context.Context, struct{}, models.InvocationContext) (any, error) {
			panic("boom")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := tools.NewRegistry().MustRegister(tools.MustTypedTool("fragile", "fails", tt.fn))
			gw := routertest.NewScripted(
				routertest.Tools(routertest.Call("c1", "fragile", `{}`)),
				routertest.Final("unreachable"),
			)
			out := executor.New(gw, reg, nil, executor.Config{}).Execute(context.Background(), ask("go"))

			require.NotNil(t, out.Err)
			assert.Equal(t, contracts.KindTool, out.Err.Kind)
			assert.ErrorIs(t, out.Err, contracts.ErrTool)
			assert.Equal(t, 1, gw.Calls())
		})
	}
}

func TestExecute_InvocationContextReachesTools(t *testing.T) {
	gw := routertest.NewScripted(
		routertest.Tools(routertest.Call("c1", "get_user_location", `{}`)),
		routertest.Final("You are in Bangalore."),
	)
	in := ask("Where am I?")
	in.Invocation = models.InvocationContext{UserID: "1", ThreadID: "t-1"}

	out := executor.New(gw, weatherRegistry(), nil, executor.Config{}).Execute(context.Background(), in)

	require.Nil(t, out.Err)
	assert.Equal(t, "bangalore", out.NewMessages[2].Content)
	assert.Equal(t, "t-1", gw.Requests()[0].Invocation.ThreadID)
}

func TestExecute_ModelFallbackThroughChain(t *testing.T) {
	gw := routertest.NewScripted().
		ForModel(flash, routertest.Fail(routertest.GatewayFailure(flash))).
		ForModel(lite, routertest.Final("from lite"))
	chain, err := middleware.NewChain(middleware.NewModelFallback(lite))
	require.NoError(t, err)

	out := executor.New(gw, nil, chain, executor.Config{}).Execute(context.Background(), ask("hi"))

	require.Nil(t, out.Err)
	assert.Equal(t, "from lite", out.Final.Content)
	assert.Equal(t, 2, gw.Calls())
}

func TestExecute_PIIRewritesOutboundRequestOnly(t *testing.T) {
	pii, err := middleware.NewPIIRedaction(middleware.PIIConfig{Type: "credit_card", Detector: `\d{4}-\d{4}-\d{4}-\d{4}`})
	require.NoError(t, err)
	chain, err := middleware.NewChain(pii)
	require.NoError(t, err)
	gw := routertest.NewScripted(routertest.Final("Noted."))

	out := executor.New(gw, nil, chain, executor.Config{}).
		Execute(context.Background(), ask("My card is 2345-5423-6789-7654"))

	require.Nil(t, out.Err)
	sent := gw.Requests()[0].Messages[0].Content
	assert.NotContains(t, sent, "2345-5423-6789-7654")
	assert.Contains(t, sent, "[REDACTED_CREDIT_CARD]")
	assert.Equal(t, "My card is 2345-5423-6789-7654", out.NewMessages[0].Content)
}

func TestExecute_StageErrorFailsTurn(t *testing.T) {
	chain, err := middleware.NewChain(middleware.NewDynamicPrompt("broken_prompt",
		func(context.Context, *models.ModelRequest) (string, error) {
			return "", errors.New("template missing")
		}))
	require.NoError(t, err)
	gw := routertest.NewScripted(routertest.Final("unreachable"))

	out := executor.New(gw, nil, chain, executor.Config{}).Execute(context.Background(), ask("hi"))

	require.NotNil(t, out.Err)
	assert.Equal(t, contracts.KindMiddleware, out.Err.Kind)
	assert.Equal(t, 0, gw.Calls())
}
