package evaluation

import (
	"context"
	"regexp"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/llms"

	"github.com/quarryhq/quarry/llm"
)

// scorePattern extracts the first decimal number from a judge response.
// Models occasionally wrap the score in prose despite the prompt.
var scorePattern = regexp.MustCompile(`[0-9]*\.?[0-9]+`)

// judge scores metric prompts with a chat model. A metric that fails to
// render, generate or parse scores zero; evaluation keeps going.
type judge struct {
	chat llms.Model
	log  *logrus.Logger
}

func newJudge(chat llms.Model, log *logrus.Logger) *judge {
	return &judge{chat: chat, log: log}
}

func (j *judge) score(ctx context.Context, promptName string, values map[string]any) float64 {
	prompt, err := llm.RenderPrompt(promptName, values)
	if err != nil {
		j.log.WithError(err).WithField("metric", promptName).Warn("rendering judge prompt failed")
		return 0
	}

	out, err := llms.GenerateFromSinglePrompt(ctx, j.chat, prompt)
	if err != nil {
		j.log.WithError(err).WithField("metric", promptName).Warn("judge call failed")
		return 0
	}

	match := scorePattern.FindString(out)
	if match == "" {
		j.log.WithField("metric", promptName).Warn("judge response carried no score")
		return 0
	}
	score, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
