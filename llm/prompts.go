package llm

import (
	"fmt"

	"github.com/tmc/langchaingo/prompts"
)

// Prompt names. Selecting a style is a registry lookup; unknown names fall
// back to the default answer prompt.
const (
	PromptRAGAnswer        = "rag_answer"
	PromptCondenseQuestion = "condense_question"
	PromptTestsetGenerate  = "testset_generate"
	PromptFaithfulness     = "judge_faithfulness"
	PromptAnswerRelevancy  = "judge_answer_relevancy"
	PromptContextRecall    = "judge_context_recall"
	PromptContextPrecision = "judge_context_precision"
)

var promptRegistry = map[string]prompts.PromptTemplate{
	PromptRAGAnswer: prompts.NewPromptTemplate(
		`You are a helpful assistant. Answer the question using only the context below.
If the context does not contain the answer, say you do not know; do not invent facts.
Answer in the language of the question.

Context:
{{.context}}

Question: {{.question}}

Answer:`,
		[]string{"context", "question"},
	),

	PromptCondenseQuestion: prompts.NewPromptTemplate(
		`Given the conversation so far and a follow-up question, rephrase the
follow-up into a single self-contained question in its original language.
Return only the rephrased question.

Conversation:
{{.history}}

Follow-up question: {{.question}}

Standalone question:`,
		[]string{"history", "question"},
	),

	PromptTestsetGenerate: prompts.NewPromptTemplate(
		`You create evaluation data for a retrieval system. From the passage
below, write one specific question that the passage answers, and the answer
grounded strictly in the passage.

Respond with exactly two lines:
QUESTION: <the question>
ANSWER: <the answer>

Passage:
{{.context}}`,
		[]string{"context"},
	),

	PromptFaithfulness: prompts.NewPromptTemplate(
		`Rate how faithful the answer is to the context: 1.0 means every claim
in the answer is supported by the context, 0.0 means none are.
Respond with only a number between 0 and 1.

Context:
{{.context}}

Answer:
{{.answer}}

Score:`,
		[]string{"context", "answer"},
	),

	PromptAnswerRelevancy: prompts.NewPromptTemplate(
		`Rate how relevant the answer is to the question: 1.0 means it directly
and completely addresses the question, 0.0 means it is off-topic.
Respond with only a number between 0 and 1.

Question:
{{.question}}

Answer:
{{.answer}}

Score:`,
		[]string{"question", "answer"},
	),

	PromptContextRecall: prompts.NewPromptTemplate(
		`Rate how much of the ground-truth answer is covered by the retrieved
context: 1.0 means every fact in the ground truth appears in the context,
0.0 means none do. Respond with only a number between 0 and 1.

Ground truth:
{{.ground_truth}}

Context:
{{.context}}

Score:`,
		[]string{"ground_truth", "context"},
	),

	PromptContextPrecision: prompts.NewPromptTemplate(
		`Rate how much of the retrieved context is useful for producing the
ground-truth answer: 1.0 means every passage is relevant, 0.0 means none
are. Respond with only a number between 0 and 1.

Ground truth:
{{.ground_truth}}

Context:
{{.context}}

Score:`,
		[]string{"ground_truth", "context"},
	),
}

// Prompt returns the named template, falling back to the answer prompt.
func Prompt(name string) prompts.PromptTemplate {
	if t, ok := promptRegistry[name]; ok {
		return t
	}
	return promptRegistry[PromptRAGAnswer]
}

// RenderPrompt formats the named template with values.
func RenderPrompt(name string, values map[string]any) (string, error) {
	out, err := Prompt(name).Format(values)
	if err != nil {
		return "", fmt.Errorf("rendering prompt %s: %w", name, err)
	}
	return out, nil
}
