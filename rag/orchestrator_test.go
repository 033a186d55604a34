package rag

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/quarryhq/quarry/common"
	"github.com/quarryhq/quarry/quota"
	"github.com/quarryhq/quarry/store"
)

type fakeChat struct {
	response string
	err      error
}

func (f *fakeChat) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: f.response}},
	}, nil
}

func (f *fakeChat) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func testOrchestrator(t *testing.T, limits Limits) *Orchestrator {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return New(nil, quota.NewWithClient(client, "test"), nil, nil, limits, log)
}

func TestGateAdmitsUnderCap(t *testing.T) {
	o := testOrchestrator(t, Limits{DailyRequests: 3, DailyTokens: 1000})
	user := &store.User{ID: 1}

	for i := 0; i < 3; i++ {
		assert.NoError(t, o.gate(context.Background(), user))
	}
}

func TestGateRejectsOverRequestCap(t *testing.T) {
	o := testOrchestrator(t, Limits{DailyRequests: 2, DailyTokens: 1000})
	user := &store.User{ID: 1}

	require.NoError(t, o.gate(context.Background(), user))
	require.NoError(t, o.gate(context.Background(), user))

	err := o.gate(context.Background(), user)
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindQuotaExceededRequests))
}

func TestGatePerUserCapOverridesDefault(t *testing.T) {
	o := testOrchestrator(t, Limits{DailyRequests: 100, DailyTokens: 1000})
	user := &store.User{ID: 2, DailyRequestCap: 1}

	require.NoError(t, o.gate(context.Background(), user))

	err := o.gate(context.Background(), user)
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindQuotaExceededRequests))
}

func TestGateRejectsWhenTokensSpent(t *testing.T) {
	o := testOrchestrator(t, Limits{DailyRequests: 100, DailyTokens: 500})
	user := &store.User{ID: 3}

	_, err := o.ledger.AddTokens(context.Background(), user.ID, 500)
	require.NoError(t, err)

	err = o.gate(context.Background(), user)
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindQuotaExceededTokens))
}

func TestRewritePassesThroughWithoutHistory(t *testing.T) {
	o := testOrchestrator(t, Limits{})
	chat := &fakeChat{err: errors.New("must not be called")}

	got := o.rewrite(context.Background(), chat, nil, "original?")
	assert.Equal(t, "original?", got)
}

func TestRewriteCondensesFollowUp(t *testing.T) {
	o := testOrchestrator(t, Limits{})
	chat := &fakeChat{response: "What is hybrid retrieval in quarry?"}
	history := []store.Message{
		{Role: store.RoleUserMessage, Content: "What is quarry?"},
		{Role: store.RoleAssistantMessage, Content: "A RAG platform."},
	}

	got := o.rewrite(context.Background(), chat, history, "and hybrid retrieval?")
	assert.Equal(t, "What is hybrid retrieval in quarry?", got)
}

func TestRewriteFallsBackOnFailure(t *testing.T) {
	o := testOrchestrator(t, Limits{})
	history := []store.Message{{Role: store.RoleUserMessage, Content: "hi"}}

	got := o.rewrite(context.Background(), &fakeChat{err: errors.New("down")}, history, "follow-up?")
	assert.Equal(t, "follow-up?", got)

	got = o.rewrite(context.Background(), &fakeChat{response: "   "}, history, "follow-up?")
	assert.Equal(t, "follow-up?", got)
}
