package agent

import (
	"sort"

	"github.com/abhi9avx/cognigraph-ai/internal/tools"
	"github.com/abhi9avx/cognigraph-ai/internal/tools/builtin"
	"github.com/abhi9avx/cognigraph-ai/pkg/models"
)

// Model identifiers used by the presets and as configuration defaults.
const (
	DefaultModel = "google-genai:gemini-2.5-flash"
	LiteModel    = "google-genai:gemini-2.5-flash-lite"

	DefaultTemperature = 0.7
	DefaultMaxTokens   = 1000
)

const forecasterTools = `

You have access to two tools:

- get_weather: use this to get the weather for a specific location
- get_user_location: use this to get the user's location

If a user asks you for the weather, make sure you know the location first. If you can tell from the question that they mean wherever they are, use the get_user_location tool to find their location.`

// System prompts.
const (
	ForecasterPrompt = "You are an expert weather forecaster." + forecasterTools

	HumoristForecasterPrompt = "You are an expert weather forecaster and you talk like a humorist." + forecasterTools

	WeatherAssistantPrompt = `You are a helpful weather assistant.

1. ALWAYS use the 'get_user_location' tool if you don't know where the user is.
2. Use the 'get_weather' tool to fetch data.
3. Use the 'answer' field in your response to answer the user's specific questions (like recommendations for places).
4. Use the 'humor_response' for a joke.
5. Use the 'weather_response' for the raw weather data.`

	AssistantPrompt = "You are a helpful assistant with access to search, email, and weather tools. Use them whenever needed to fulfill user requests."
)

// WeatherReport is the structured reply of the humorist forecaster.
type WeatherReport struct {
	HumorResponse   string `json:"humor_response" jsonschema:"description=A weather pun or joke"`
	WeatherResponse string `json:"weather_response" jsonschema:"description=The weather conditions"`
}

// WeatherAnswer adds a direct answer to the weather report.
type WeatherAnswer struct {
	Answer          string `json:"answer" jsonschema:"description=The main answer to the user's question including tips or recommendations"`
	HumorResponse   string `json:"humor_response"`
	WeatherResponse string `json:"weather_response"`
}

// WeatherReportFormat is the response format for WeatherReport.
func WeatherReportFormat() *models.ResponseFormat {
	return mustFormat[WeatherReport]("weather_report")
}

// WeatherAnswerFormat is the response format for WeatherAnswer.
func WeatherAnswerFormat() *models.ResponseFormat {
	return mustFormat[WeatherAnswer]("weather_answer")
}

func mustFormat[T any](name string) *models.ResponseFormat {
	schema, err := tools.GenerateSchema[T]()
	if err != nil {
		panic(err)
	}
	return &models.ResponseFormat{Name: name, Schema: schema}
}

// Preset is a ready-made agent definition.
type Preset struct {
	Name           string
	Description    string
	SystemPrompt   string
	Tools          func() []tools.Tool
	ResponseFormat func() *models.ResponseFormat
}

// Config returns the agent configuration for the preset on model.
func (p Preset) Config(model string) Config {
	cfg := Config{Name: p.Name, Model: model, SystemPrompt: p.SystemPrompt}
	if p.ResponseFormat != nil {
		cfg.ResponseFormat = p.ResponseFormat()
	}
	return cfg
}

// Registry returns a fresh registry holding the preset's tools.
func (p Preset) Registry() *tools.Registry {
	reg := tools.NewRegistry()
	if p.Tools != nil {
		reg.MustRegister(p.Tools()...)
	}
	return reg
}

var presets = map[string]Preset{
	"weather": {
		Name:         "weather",
		Description:  "Weather forecaster with location lookup",
		SystemPrompt: ForecasterPrompt,
		Tools:        builtin.WeatherSet,
	},
	"weather_report": {
		Name:           "weather_report",
		Description:    "Humorist forecaster answering with a structured weather report",
		SystemPrompt:   HumoristForecasterPrompt,
		Tools:          builtin.WeatherSet,
		ResponseFormat: WeatherReportFormat,
	},
	"weather_answer": {
		Name:           "weather_answer",
		Description:    "Weather assistant answering with recommendations, a joke and raw data",
		SystemPrompt:   WeatherAssistantPrompt,
		Tools:          builtin.WeatherSet,
		ResponseFormat: WeatherAnswerFormat,
	},
	"assistant": {
		Name:         "assistant",
		Description:  "General assistant with search, email and weather tools",
		SystemPrompt: AssistantPrompt,
		Tools:        builtin.AssistantSet,
	},
}

// LookupPreset returns the named preset.
func LookupPreset(name string) (Preset, bool) {
	p, ok := presets[name]
	return p, ok
}

// PresetNames lists preset names, sorted.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for n := range presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
