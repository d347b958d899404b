package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stupiduntilnot/relaybot/internal/db"
	"github.com/stupiduntilnot/relaybot/internal/dummy"
	"github.com/stupiduntilnot/relaybot/internal/history"
	"github.com/stupiduntilnot/relaybot/internal/llm"
	"github.com/stupiduntilnot/relaybot/internal/metrics"
)

func scripted(t *testing.T, name, script string) *dummy.Provider {
	t.Helper()
	p, err := dummy.NewProvider(name, script)
	require.NoError(t, err)
	return p
}

func candidate(p *dummy.Provider) Candidate {
	return Candidate{Name: p.Name(), Model: p.Name() + "-model", Provider: p}
}

func newTestOrchestrator(cfg Config, store history.Store, cands ...Candidate) *Orchestrator {
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	return New(cfg, cands, store, zerolog.Nop(), nil, nil)
}

func TestAnswer_TriesCandidatesInOrder(t *testing.T) {
	ctx := context.Background()
	a := scripted(t, "a", "err:transient")
	b := scripted(t, "b", "err:timeout")
	c := scripted(t, "c", "msg:from c")
	store := history.NewMemoryStore(history.RetainNone)
	o := newTestOrchestrator(Config{AbortOnMalformed: true}, store, candidate(a), candidate(b), candidate(c))

	reply, err := o.Answer(ctx, 1, "hello")
	require.NoError(t, err)
	assert.Equal(t, "from c", reply)

	assert.Len(t, a.Requests(), 1)
	assert.Len(t, b.Requests(), 1)
	require.Len(t, c.Requests(), 1)
	assert.Equal(t, "c-model", c.Requests()[0].Model)

	turns, err := store.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []history.Turn{history.UserTurn("hello"), history.AssistantTurn("from c")}, turns)
}

func TestAnswer_FirstSuccessWins(t *testing.T) {
	a := scripted(t, "a", "msg:first")
	b := scripted(t, "b", "msg:second")
	o := newTestOrchestrator(Config{}, history.NewMemoryStore(history.RetainNone), candidate(a), candidate(b))

	reply, err := o.Answer(context.Background(), 1, "q")
	require.NoError(t, err)
	assert.Equal(t, "first", reply)
	assert.Empty(t, b.Requests())
}

func TestAnswer_MalformedShortCircuits(t *testing.T) {
	ctx := context.Background()
	a := scripted(t, "a", "err:malformed")
	b := scripted(t, "b", "msg:never")
	store := history.NewMemoryStore(history.RetainNone)
	o := newTestOrchestrator(Config{AbortOnMalformed: true}, store, candidate(a), candidate(b))

	_, err := o.Answer(ctx, 1, "bad")
	require.Error(t, err)
	assert.Equal(t, llm.KindMalformed, llm.KindOf(err))
	assert.True(t, IsMalformed(err))
	var ex *ExhaustedError
	assert.False(t, errors.As(err, &ex))
	assert.Empty(t, b.Requests())

	turns, _ := store.Get(ctx, 1)
	assert.Empty(t, turns)
}

func TestAnswer_MalformedMovesOnWhenNotAborting(t *testing.T) {
	a := scripted(t, "a", "err:malformed")
	b := scripted(t, "b", "msg:rescued")
	o := newTestOrchestrator(Config{AbortOnMalformed: false}, history.NewMemoryStore(history.RetainNone), candidate(a), candidate(b))

	reply, err := o.Answer(context.Background(), 1, "q")
	require.NoError(t, err)
	assert.Equal(t, "rescued", reply)
}

func TestAnswer_Exhausted(t *testing.T) {
	ctx := context.Background()
	store := history.NewMemoryStore(history.RetainNone)
	require.NoError(t, store.Append(ctx, 9, history.UserTurn("old q"), history.AssistantTurn("old a"), 12))

	a := scripted(t, "a", "err:transient")
	b := scripted(t, "b", "err:rate_limited")
	o := newTestOrchestrator(Config{AbortOnMalformed: true}, store, candidate(a), candidate(b))

	_, err := o.Answer(ctx, 9, "new q")
	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 2, ex.Attempts)
	assert.Equal(t, llm.KindRateLimited, llm.KindOf(ex.Last))
	assert.Contains(t, err.Error(), "b b-model: rate_limited")
	assert.False(t, IsMalformed(err))

	turns, _ := store.Get(ctx, 9)
	assert.Equal(t, []history.Turn{history.UserTurn("old q"), history.AssistantTurn("old a")}, turns)
}

func TestAnswer_NoCandidates(t *testing.T) {
	o := newTestOrchestrator(Config{}, history.NewMemoryStore(history.RetainNone))
	_, err := o.Answer(context.Background(), 1, "q")
	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Contains(t, err.Error(), "no candidates configured")
}

func TestAnswer_EmptyReplyIsRetryable(t *testing.T) {
	a := scripted(t, "a", "empty")
	b := scripted(t, "b", "msg:real")
	o := newTestOrchestrator(Config{}, history.NewMemoryStore(history.RetainNone), candidate(a), candidate(b))

	reply, err := o.Answer(context.Background(), 1, "q")
	require.NoError(t, err)
	assert.Equal(t, "real", reply)

	only := newTestOrchestrator(Config{}, history.NewMemoryStore(history.RetainNone), candidate(scripted(t, "c", "empty")))
	_, err = only.Answer(context.Background(), 1, "q")
	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, llm.KindEmpty, llm.KindOf(ex.Last))
}

func TestAnswer_RetriesSameCandidateOnRateLimit(t *testing.T) {
	a := scripted(t, "a", "err:rate_limited,err:timeout,msg:third time")
	c := candidate(a)
	c.MaxAttempts = 5
	o := newTestOrchestrator(Config{RetryBase: time.Millisecond}, history.NewMemoryStore(history.RetainNone), c)

	reply, err := o.Answer(context.Background(), 1, "q")
	require.NoError(t, err)
	assert.Equal(t, "third time", reply)
	assert.Len(t, a.Requests(), 3)
}

func TestAnswer_RetryCeiling(t *testing.T) {
	a := scripted(t, "a", "err:rate_limited")
	c := candidate(a)
	c.MaxAttempts = 3
	o := newTestOrchestrator(Config{RetryBase: time.Millisecond}, history.NewMemoryStore(history.RetainNone), c)

	_, err := o.Answer(context.Background(), 1, "q")
	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 3, ex.Attempts)
	assert.Len(t, a.Requests(), 3)
}

func TestAnswer_NoSameCandidateRetryForOtherKinds(t *testing.T) {
	a := scripted(t, "a", "err:transient,msg:late")
	b := scripted(t, "b", "msg:b wins")
	ca := candidate(a)
	ca.MaxAttempts = 5
	o := newTestOrchestrator(Config{RetryBase: time.Millisecond}, history.NewMemoryStore(history.RetainNone), ca, candidate(b))

	reply, err := o.Answer(context.Background(), 1, "q")
	require.NoError(t, err)
	assert.Equal(t, "b wins", reply)
	assert.Len(t, a.Requests(), 1)
}

func TestAnswer_CallTimeoutAdvances(t *testing.T) {
	a := scripted(t, "a", "sleep:2000")
	b := scripted(t, "b", "msg:fast")
	o := newTestOrchestrator(Config{CallTimeout: 20 * time.Millisecond}, history.NewMemoryStore(history.RetainNone), candidate(a), candidate(b))

	start := time.Now()
	reply, err := o.Answer(context.Background(), 1, "q")
	require.NoError(t, err)
	assert.Equal(t, "fast", reply)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAnswer_SendsHistoryAndParameters(t *testing.T) {
	ctx := context.Background()
	a := scripted(t, "a", "msg:r1,msg:r2")
	o := newTestOrchestrator(Config{SystemPrompt: "be brief", Temperature: 0.7, MaxTokens: 900}, history.NewMemoryStore(history.RetainNone), candidate(a))

	_, err := o.Answer(ctx, 3, "q1")
	require.NoError(t, err)
	_, err = o.Answer(ctx, 3, "q2")
	require.NoError(t, err)

	reqs := a.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, float32(0.7), reqs[1].Temperature)
	assert.Equal(t, 900, reqs[1].MaxTokens)
	assert.Equal(t, []llm.Message{
		{Role: llm.RoleSystem, Content: "be brief"},
		{Role: llm.RoleUser, Content: "q1"},
		{Role: llm.RoleAssistant, Content: "r1"},
		{Role: llm.RoleUser, Content: "q2"},
	}, reqs[1].Messages)
}

func TestAnswer_RecordsMetricsAndEvents(t *testing.T) {
	database, err := db.OpenDB(t.TempDir() + "/events.db")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.InitSchema(database))

	m := metrics.New()
	a := scripted(t, "a", "err:transient")
	b := scripted(t, "b", "msg:ok")
	o := New(Config{HistoryLimit: 12}, []Candidate{candidate(a), candidate(b)},
		history.NewMemoryStore(history.RetainNone), zerolog.Nop(), m, &db.EventLog{DB: database})

	_, err = o.Answer(context.Background(), 1, "q")
	require.NoError(t, err)

	n, err := db.CountEvents(database, db.EventAttemptFailed)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"a", "b"}, o.Candidates())
}
