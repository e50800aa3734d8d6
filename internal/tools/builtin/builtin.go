// Package builtin holds the stock tools shipped with the agent: the weather
// demo set, web search and email stand-ins, and retrieval as a tool.
package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/abhi9avx/cognigraph-ai/internal/tools"
	"github.com/abhi9avx/cognigraph-ai/pkg/models"
)

// CityArgs is the argument shape of the per-city tools.
type CityArgs struct {
	City string `json:"city" jsonschema:"description=Name of the city"`
}

// LocationArgs is empty: the user is identified by the invocation context.
type LocationArgs struct{}

// SearchArgs is the argument shape of the search tool.
type SearchArgs struct {
	Query string `json:"query" jsonschema:"description=Search query"`
}

// EmailArgs is the argument shape of the send_email tool.
type EmailArgs struct {
	Recipient string `json:"recipient" jsonschema:"description=Email address of the recipient"`
	Subject   string `json:"subject" jsonschema:"description=Subject line"`
}

// RetrieveArgs is the argument shape of the retrieve_documents tool.
type RetrieveArgs struct {
	Query string `json:"query" jsonschema:"description=What to look up in the document store"`
	K     int    `json:"k,omitempty" jsonschema:"description=Number of chunks to return,minimum=1,maximum=20"`
}

// Weather reports a fixed forecast for a city.
func Weather() *tools.FuncTool {
	return tools.MustTypedTool("get_weather", "get weather in a city",
		func(_ context.Context, args CityArgs, _ models.InvocationContext) (any, error) {
			return fmt.Sprintf("The weather in %s is 27 degrees.", args.City), nil
		})
}

// Time reports a fixed local time for a city.
func Time() *tools.FuncTool {
	return tools.MustTypedTool("get_time", "get the current time in given city",
		func(_ context.Context, args CityArgs, _ models.InvocationContext) (any, error) {
			return fmt.Sprintf("The current time in %s is 3:00 PM", args.City), nil
		})
}

// UserLocation resolves the caller's city from the invocation context.
func UserLocation() *tools.FuncTool {
	return tools.MustTypedTool("get_user_location",
		"Get the current user's city. Call this immediately if the user asks about the weather 'outside' or 'here'.",
		func(_ context.Context, _ LocationArgs, ic models.InvocationContext) (any, error) {
			if ic.UserID == "1" {
				return "bangalore", nil
			}
			return "chennai", nil
		})
}

// Search is a stand-in web search.
func Search() *tools.FuncTool {
	return tools.MustTypedTool("search", "Search in internet for information",
		func(_ context.Context, args SearchArgs, _ models.InvocationContext) (any, error) {
			return fmt.Sprintf("Search result for %s : found 5 articles returned", args.Query), nil
		})
}

// SendEmail is a stand-in mailer.
func SendEmail() *tools.FuncTool {
	return tools.MustTypedTool("send_email", "Send an email to someone",
		func(_ context.Context, args EmailArgs, _ models.InvocationContext) (any, error) {
			if !strings.Contains(args.Recipient, "@") {
				return tools.ToolResultError{Code: "invalid_recipient", Message: "recipient must be an email address"}, nil
			}
			return fmt.Sprintf("Email sent successfully to %s with subject %s", args.Recipient, args.Subject), nil
		})
}

// Retriever is the slice of the retrieval pipeline the retrieve_documents
// tool needs.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]models.SearchResult, error)
}

// DefaultRetrieveK is used when the model omits k.
const DefaultRetrieveK = 5

// RetrieveDocuments exposes similarity search as a tool.
func RetrieveDocuments(r Retriever) *tools.FuncTool {
	return tools.MustTypedTool("retrieve_documents",
		"Retrieve passages from the ingested documents that are relevant to the query",
		func(ctx context.Context, args RetrieveArgs, _ models.InvocationContext) (any, error) {
			k := args.K
			if k <= 0 {
				k = DefaultRetrieveK
			}
			results, err := r.Retrieve(ctx, args.Query, k)
			if err != nil {
				return nil, fmt.Errorf("retrieve documents: %w", err)
			}
			if len(results) == 0 {
				return tools.ToolResultError{Code: "no_results", Message: "no relevant documents found"}, nil
			}
			parts := make([]string, len(results))
			for i, res := range results {
				parts[i] = res.Doc.Content
			}
			return strings.Join(parts, "\n"), nil
		})
}

// WeatherSet returns the tools used by the weather forecaster preset.
func WeatherSet() []tools.Tool {
	return []tools.Tool{UserLocation(), Weather(), Time()}
}

// AssistantSet returns the search, email and weather tools.
func AssistantSet() []tools.Tool {
	return []tools.Tool{Search(), SendEmail(), Weather()}
}
