// Package llm routes chat and embedding calls to the configured provider.
// Every supported provider speaks the OpenAI-compatible wire protocol, so
// one client implementation serves all of them; adding a provider means
// adding a registry entry, nothing else.
package llm

import (
	"fmt"
	"os"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/quarryhq/quarry/config"
)

// Provider identifies an LLM backend.
type Provider string

const (
	ProviderOpenAI   Provider = "openai"
	ProviderQwen     Provider = "qwen"
	ProviderDeepSeek Provider = "deepseek"
	ProviderGemini   Provider = "gemini"
)

// providerSpec describes how to reach one backend. API keys come from the
// environment, never from configuration files.
type providerSpec struct {
	envKey       string
	baseURL      string
	defaultChat  string
	defaultEmbed string
}

var registry = map[Provider]providerSpec{
	ProviderOpenAI: {
		envKey:       "OPENAI_API_KEY",
		baseURL:      "https://api.openai.com/v1",
		defaultChat:  "gpt-4o-mini",
		defaultEmbed: "text-embedding-3-small",
	},
	ProviderQwen: {
		envKey:       "DASHSCOPE_API_KEY",
		baseURL:      "https://dashscope.aliyuncs.com/compatible-mode/v1",
		defaultChat:  "qwen-plus",
		defaultEmbed: "text-embedding-v3",
	},
	ProviderDeepSeek: {
		envKey:      "DEEPSEEK_API_KEY",
		baseURL:     "https://api.deepseek.com/v1",
		defaultChat: "deepseek-chat",
		// DeepSeek serves no embedding endpoint.
	},
	ProviderGemini: {
		envKey:       "GEMINI_API_KEY",
		baseURL:      "https://generativelanguage.googleapis.com/v1beta/openai",
		defaultChat:  "gemini-2.0-flash",
		defaultEmbed: "text-embedding-004",
	},
}

func lookup(provider string) (providerSpec, error) {
	spec, ok := registry[Provider(provider)]
	if !ok {
		return providerSpec{}, fmt.Errorf("unknown llm provider %q", provider)
	}
	return spec, nil
}

// NewChat builds the chat model for answers, query rewriting and judging.
func NewChat(cfg config.LLMConfig) (llms.Model, error) {
	return NewChatModel(cfg.Provider, cfg.Model)
}

// NewChatModel builds a chat model with an explicit model name, used when
// a request or an experiment overrides the configured default.
func NewChatModel(provider, model string) (llms.Model, error) {
	spec, err := lookup(provider)
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = spec.defaultChat
	}

	client, err := openai.New(
		openai.WithToken(os.Getenv(spec.envKey)),
		openai.WithBaseURL(spec.baseURL),
		openai.WithModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("building %s chat client: %w", provider, err)
	}
	return client, nil
}

// NewEmbedder builds the embedding client backing dense retrieval.
func NewEmbedder(cfg config.EmbeddingConfig) (embeddings.Embedder, error) {
	spec, err := lookup(cfg.Provider)
	if err != nil {
		return nil, err
	}
	model := cfg.Model
	if model == "" {
		model = spec.defaultEmbed
	}
	if model == "" {
		return nil, fmt.Errorf("provider %s serves no embedding model", cfg.Provider)
	}

	client, err := openai.New(
		openai.WithToken(os.Getenv(spec.envKey)),
		openai.WithBaseURL(spec.baseURL),
		openai.WithEmbeddingModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("building %s embedding client: %w", cfg.Provider, err)
	}

	batch := cfg.BatchSize
	if batch < 1 {
		batch = 16
	}
	embedder, err := embeddings.NewEmbedder(client,
		embeddings.WithBatchSize(batch),
		embeddings.WithStripNewLines(false),
	)
	if err != nil {
		return nil, fmt.Errorf("building embedder: %w", err)
	}
	return embedder, nil
}

// Usage is the token accounting of one generation.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// UsageFrom extracts token counts from a generation. Providers that omit
// usage get a conservative length/4 estimate so quota accounting never
// silently stops.
func UsageFrom(resp *llms.ContentResponse, prompt, answer string) Usage {
	var u Usage
	if resp != nil && len(resp.Choices) > 0 {
		info := resp.Choices[0].GenerationInfo
		u.PromptTokens = intFrom(info, "PromptTokens")
		u.CompletionTokens = intFrom(info, "CompletionTokens")
		u.TotalTokens = intFrom(info, "TotalTokens")
	}
	if u.PromptTokens == 0 && u.CompletionTokens == 0 {
		u.PromptTokens = len(prompt) / 4
		u.CompletionTokens = len(answer) / 4
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

func intFrom(info map[string]any, key string) int {
	if info == nil {
		return 0
	}
	switch v := info[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
