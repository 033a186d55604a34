package llm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

func TestLookupKnownProviders(t *testing.T) {
	for _, p := range []string{"openai", "qwen", "deepseek", "gemini"} {
		spec, err := lookup(p)
		require.NoError(t, err, p)
		assert.NotEmpty(t, spec.baseURL, p)
		assert.NotEmpty(t, spec.defaultChat, p)
	}

	_, err := lookup("anthropic-compatible")
	assert.Error(t, err)
}

func TestNewChatModelUnknownProvider(t *testing.T) {
	_, err := NewChatModel("nope", "")
	assert.Error(t, err)
}

func TestPromptFallsBackToAnswer(t *testing.T) {
	got := Prompt("no_such_prompt")
	assert.Equal(t, Prompt(PromptRAGAnswer), got)
}

func TestRenderPromptSubstitutesValues(t *testing.T) {
	out, err := RenderPrompt(PromptRAGAnswer, map[string]any{
		"context":  "the sky is blue",
		"question": "what color is the sky?",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "the sky is blue")
	assert.Contains(t, out, "what color is the sky?")
}

func TestRenderJudgePrompts(t *testing.T) {
	cases := map[string]map[string]any{
		PromptFaithfulness:     {"context": "c", "answer": "a"},
		PromptAnswerRelevancy:  {"question": "q", "answer": "a"},
		PromptContextRecall:    {"ground_truth": "g", "context": "c"},
		PromptContextPrecision: {"ground_truth": "g", "context": "c"},
	}
	for name, values := range cases {
		out, err := RenderPrompt(name, values)
		require.NoError(t, err, name)
		assert.True(t, strings.HasSuffix(strings.TrimSpace(out), "Score:"), name)
	}
}

func TestUsageFromGenerationInfo(t *testing.T) {
	resp := &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{
			Content: "answer",
			GenerationInfo: map[string]any{
				"PromptTokens":     120,
				"CompletionTokens": 30,
				"TotalTokens":      150,
			},
		}},
	}

	u := UsageFrom(resp, "prompt", "answer")
	assert.Equal(t, 120, u.PromptTokens)
	assert.Equal(t, 30, u.CompletionTokens)
	assert.Equal(t, 150, u.TotalTokens)
}

func TestUsageFromEstimatesWhenMissing(t *testing.T) {
	prompt := strings.Repeat("p", 400)
	answer := strings.Repeat("a", 80)

	u := UsageFrom(nil, prompt, answer)
	assert.Equal(t, 100, u.PromptTokens)
	assert.Equal(t, 20, u.CompletionTokens)
	assert.Equal(t, 120, u.TotalTokens)
}

func TestUsageFromFloatCounts(t *testing.T) {
	// Some providers deliver usage as JSON numbers.
	resp := &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{
			GenerationInfo: map[string]any{
				"PromptTokens":     float64(7),
				"CompletionTokens": float64(3),
			},
		}},
	}

	u := UsageFrom(resp, "", "")
	assert.Equal(t, 7, u.PromptTokens)
	assert.Equal(t, 3, u.CompletionTokens)
	assert.Equal(t, 10, u.TotalTokens)
}
