// Package rag orchestrates one chat turn: quota gate, history-aware query
// rewrite, hybrid retrieval, grounded generation, and transactional
// persistence of the exchange. Generation runs unary or streaming; either
// way the assistant message is persisted only after the answer is complete,
// and a disconnect mid-stream persists what was produced marked partial.
package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/llms"

	"github.com/quarryhq/quarry/common"
	"github.com/quarryhq/quarry/llm"
	"github.com/quarryhq/quarry/quota"
	"github.com/quarryhq/quarry/retriever"
	"github.com/quarryhq/quarry/store"
)

// Source is the compact provenance record attached to an answer.
type Source struct {
	Filename string  `json:"filename"`
	Page     int     `json:"page,omitempty"`
	Text     string  `json:"text"`
	Score    float64 `json:"score,omitempty"`
}

// TurnRequest is one chat turn against a session the caller owns.
type TurnRequest struct {
	Session  *store.ChatSession
	User     *store.User
	Query    string
	TopK     int
	Strategy retriever.Strategy
	Model    string // optional chat model override
}

// Answer is the unary result of a turn.
type Answer struct {
	Content string    `json:"answer"`
	Sources []Source  `json:"sources"`
	Usage   llm.Usage `json:"usage"`
}

// ChatFactory builds a chat model, honoring a per-request override. The
// default factory routes through the provider registry; tests inject fakes.
type ChatFactory func(model string) (llms.Model, error)

// Limits are the platform quota defaults, applied when a user carries no
// per-user override.
type Limits struct {
	DailyRequests int64
	DailyTokens   int64
}

// Orchestrator wires a chat turn end to end.
type Orchestrator struct {
	store     *store.Store
	ledger    *quota.Ledger
	retriever *retriever.Retriever
	chatFor   ChatFactory
	limits    Limits
	log       *logrus.Logger
}

// New builds an orchestrator from pooled adapters.
func New(st *store.Store, ledger *quota.Ledger, ret *retriever.Retriever, chatFor ChatFactory, limits Limits, log *logrus.Logger) *Orchestrator {
	if log == nil {
		log = common.Logger
	}
	return &Orchestrator{
		store:     st,
		ledger:    ledger,
		retriever: ret,
		chatFor:   chatFor,
		limits:    limits,
		log:       log,
	}
}

// gate admits the turn against the user's daily budgets. The request
// counter increments before comparing, which is what keeps N concurrent
// turns against a cap of L to exactly L admissions. The token check is a
// preflight read; consumption lands after generation.
func (o *Orchestrator) gate(ctx context.Context, user *store.User) error {
	reqCap := user.DailyRequestCap
	if reqCap <= 0 {
		reqCap = o.limits.DailyRequests
	}
	tokCap := user.DailyTokenCap
	if tokCap <= 0 {
		tokCap = o.limits.DailyTokens
	}

	n, err := o.ledger.IncrRequests(ctx, user.ID)
	if err != nil {
		return err
	}
	if reqCap > 0 && n > reqCap {
		return common.Ef(common.KindQuotaExceededRequests,
			"daily request limit of %d reached", reqCap)
	}

	used, err := o.ledger.Tokens(ctx, user.ID)
	if err != nil {
		return err
	}
	if tokCap > 0 && used >= tokCap {
		return common.Ef(common.KindQuotaExceededTokens,
			"daily token limit of %d reached", tokCap)
	}
	return nil
}

// rewrite condenses a follow-up question into a standalone one using the
// session history. Rewrite failures fall through to the original query; a
// degraded question beats a failed turn.
func (o *Orchestrator) rewrite(ctx context.Context, chat llms.Model, history []store.Message, query string) string {
	if len(history) == 0 {
		return query
	}

	var lines []string
	for _, msg := range history {
		lines = append(lines, fmt.Sprintf("%s: %s", msg.Role, msg.Content))
	}
	prompt, err := llm.RenderPrompt(llm.PromptCondenseQuestion, map[string]any{
		"history":  strings.Join(lines, "\n"),
		"question": query,
	})
	if err != nil {
		o.log.WithError(err).Warn("rendering condense prompt failed; using raw query")
		return query
	}

	rewritten, err := llms.GenerateFromSinglePrompt(ctx, chat, prompt)
	if err != nil {
		o.log.WithError(err).Warn("query rewrite failed; using raw query")
		return query
	}
	rewritten = strings.TrimSpace(rewritten)
	if rewritten == "" {
		return query
	}
	return rewritten
}

// prepared holds the state shared by the unary and streaming paths after
// gate, rewrite and retrieval.
type prepared struct {
	chat    llms.Model
	prompt  string
	sources []Source
}

func (o *Orchestrator) prepare(ctx context.Context, req TurnRequest) (*prepared, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, common.E(common.KindConflictState, "empty query")
	}

	if err := o.gate(ctx, req.User); err != nil {
		return nil, err
	}

	chat, err := o.chatFor(req.Model)
	if err != nil {
		return nil, common.Wrap(common.KindLLMFailed, "building chat model", err)
	}

	history, err := o.store.RecentMessages(ctx, req.Session.ID, store.MaxHistoryTurns)
	if err != nil {
		return nil, err
	}
	question := o.rewrite(ctx, chat, history, req.Query)

	topK := req.TopK
	if topK <= 0 {
		topK = req.Session.TopK
	}
	hits, err := o.retriever.Retrieve(ctx, retriever.Request{
		Query:            question,
		KnowledgeBaseIDs: req.Session.KnowledgeBaseIDs,
		TopK:             topK,
		Strategy:         req.Strategy,
	})
	if err != nil {
		return nil, err
	}

	var blocks []string
	sources := make([]Source, 0, len(hits))
	for _, h := range hits {
		blocks = append(blocks, h.Text)
		sources = append(sources, Source{
			Filename: h.Metadata.Source,
			Page:     h.Metadata.Page,
			Text:     h.Text,
			Score:    h.Score,
		})
	}

	prompt, err := llm.RenderPrompt(llm.PromptRAGAnswer, map[string]any{
		"context":  strings.Join(blocks, "\n\n"),
		"question": question,
	})
	if err != nil {
		return nil, common.Wrap(common.KindLLMFailed, "rendering answer prompt", err)
	}

	return &prepared{chat: chat, prompt: prompt, sources: sources}, nil
}

// Turn runs one unary chat turn.
func (o *Orchestrator) Turn(ctx context.Context, req TurnRequest) (*Answer, error) {
	prep, err := o.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := prep.chat.GenerateContent(ctx,
		[]llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, prep.prompt)})
	if err != nil {
		return nil, common.Wrap(common.KindLLMFailed, "generating answer", err)
	}
	if len(resp.Choices) == 0 {
		return nil, common.E(common.KindLLMFailed, "model returned no choices")
	}

	answer := resp.Choices[0].Content
	usage := llm.UsageFrom(resp, prep.prompt, answer)

	if err := o.persistTurn(ctx, req, answer, prep.sources, usage, false); err != nil {
		return nil, err
	}
	return &Answer{Content: answer, Sources: prep.sources, Usage: usage}, nil
}

// persistTurn appends the exchange transactionally, then settles the token
// counter. Runs detached from the request context so a disconnect cannot
// lose a produced answer.
func (o *Orchestrator) persistTurn(ctx context.Context, req TurnRequest, answer string, sources []Source, usage llm.Usage, partial bool) error {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()

	rawSources, err := json.Marshal(sources)
	if err != nil {
		return fmt.Errorf("marshalling sources: %w", err)
	}

	userMsg := &store.Message{Content: req.Query}
	assistantMsg := &store.Message{
		Content:          answer,
		Sources:          store.JSON(rawSources),
		TokensPrompt:     usage.PromptTokens,
		TokensCompletion: usage.CompletionTokens,
		TokensTotal:      usage.TotalTokens,
		Partial:          partial,
	}
	if err := o.store.AppendTurn(writeCtx, req.Session.ID, userMsg, assistantMsg); err != nil {
		return err
	}

	if _, err := o.ledger.AddTokens(writeCtx, req.User.ID, int64(usage.TotalTokens)); err != nil {
		o.log.WithError(err).WithField("user", req.User.ID).
			Warn("settling token counter failed")
	}
	return nil
}
