package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Keyring-Network/keyring-historian/internal/events"
	"github.com/Keyring-Network/keyring-historian/internal/evidence"
	"github.com/Keyring-Network/keyring-historian/internal/llm"
	"github.com/Keyring-Network/keyring-historian/internal/prompts"
	"github.com/Keyring-Network/keyring-historian/internal/search"
)

// timeline records the order of upstream calls across fakes.
type timeline struct {
	mu      sync.Mutex
	entries []string
}

func (tl *timeline) add(entry string) {
	if tl == nil {
		return
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.entries = append(tl.entries, entry)
}

func (tl *timeline) snapshot() []string {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return append([]string(nil), tl.entries...)
}

type generation struct {
	fragments []string
	err       error
}

// scriptedGenerator plays one generation per call, in order.
type scriptedGenerator struct {
	mu       sync.Mutex
	script   []generation
	requests []llm.Request
	timeline *timeline
}

func (g *scriptedGenerator) Stream(ctx context.Context, req llm.Request, fn llm.FragmentFunc) (string, error) {
	g.mu.Lock()
	call := len(g.requests)
	g.requests = append(g.requests, req)
	g.mu.Unlock()

	if call >= len(g.script) {
		return "", errors.New("unexpected generation call")
	}
	g.timeline.add("generate:start")
	var text strings.Builder
	for _, fragment := range g.script[call].fragments {
		if err := ctx.Err(); err != nil {
			return text.String(), err
		}
		if fn != nil {
			if err := fn(fragment); err != nil {
				return text.String(), err
			}
		}
		text.WriteString(fragment)
	}
	g.timeline.add("generate:end")
	return text.String(), g.script[call].err
}

func (g *scriptedGenerator) calls() []llm.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]llm.Request(nil), g.requests...)
}

type MockEvidenceSource struct {
	mock.Mock
	timeline *timeline
}

func (m *MockEvidenceSource) Retrieve(ctx context.Context, query string) ([]evidence.Item, error) {
	m.timeline.add("search")
	args := m.Called(ctx, query)
	items, _ := args.Get(0).([]evidence.Item)
	return items, args.Error(1)
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
	// failAt makes the n-th Send (1-based) fail.
	failAt int
	err    error
}

func (s *recordingSink) Send(ev events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt > 0 && len(s.events)+1 == s.failAt {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) received() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.Event(nil), s.events...)
}

type transition struct {
	From, To State
}

func newTestOrchestrator(gen llm.Provider, source EvidenceSource, transitions *[]transition) *Orchestrator {
	opts := DefaultOptions()
	opts.Logger = zap.NewNop()
	if transitions != nil {
		opts.OnTransition = func(from, to State) {
			*transitions = append(*transitions, transition{From: from, To: to})
		}
	}
	return NewOrchestrator(gen, source, opts)
}

var lincoln = evidence.Item{
	Title:   "Abraham Lincoln",
	URL:     "https://www.loc.gov/lincoln",
	Snippet: "16th President of the United States.",
}

func TestExecute_StreamsAllStages(t *testing.T) {
	gen := &scriptedGenerator{script: []generation{
		{fragments: []string{"Abra", "ham Lincoln"}},
		{fragments: []string{"Abraham Lincoln ", "[1]."}},
	}}
	source := &MockEvidenceSource{}
	source.On("Retrieve", mock.Anything, "Who was the 16th US president?").Return([]evidence.Item{lincoln}, nil).Once()

	var transitions []transition
	sink := &recordingSink{}
	run, err := newTestOrchestrator(gen, source, &transitions).Execute(context.Background(), "  Who was the 16th US president?  ", sink)
	require.NoError(t, err)

	want := []events.Event{
		events.Creative{Delta: "Abra"},
		events.Creative{Delta: "ham Lincoln"},
		events.CreativeDone{Text: "Abraham Lincoln"},
		events.Evidence{Item: lincoln},
		events.ResearchDone{Count: 1},
		events.Historian{Delta: "Abraham Lincoln "},
		events.Historian{Delta: "[1]."},
		events.HistorianDone{},
	}
	if diff := cmp.Diff(want, sink.received()); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}

	require.Equal(t, "Abraham Lincoln", run.Draft)
	require.Equal(t, "Abraham Lincoln [1].", run.Historian)
	require.Equal(t, "Who was the 16th US president?", run.Input)
	require.Equal(t, StateDone, run.State)
	require.NotEmpty(t, run.ID)

	requests := gen.calls()
	require.Len(t, requests, 2)
	require.Equal(t, prompts.BuildCreative("Who was the 16th US president?", false), requests[0].Prompt)
	require.Equal(t, DefaultCreativeTemperature, requests[0].Temperature)
	require.True(t, requests[0].Stream)
	require.Equal(t, prompts.BuildHistorianWithSources("Who was the 16th US president?", "Abraham Lincoln", []evidence.Item{lincoln}), requests[1].Prompt)
	require.Equal(t, DefaultHistorianTemperature, requests[1].Temperature)

	require.Equal(t, []transition{
		{StateValidating, StateCreativeStreaming},
		{StateCreativeStreaming, StateSearching},
		{StateSearching, StateHistorianStreaming},
		{StateHistorianStreaming, StateDone},
	}, transitions)
	source.AssertExpectations(t)
}

func TestExecute_DraftAssembledBeforeSearch(t *testing.T) {
	tl := &timeline{}
	gen := &scriptedGenerator{timeline: tl, script: []generation{
		{fragments: []string{"Abra", "ham Lincoln"}},
		{fragments: []string{"Correct."}},
	}}
	source := &MockEvidenceSource{timeline: tl}
	source.On("Retrieve", mock.Anything, "Who freed the slaves? Abraham Lincoln").Return([]evidence.Item(nil), nil)

	opts := DefaultOptions()
	opts.QueryPolicy = QueryInputAndDraft
	run, err := NewOrchestrator(gen, source, opts).Execute(context.Background(), "Who freed the slaves?", &recordingSink{})
	require.NoError(t, err)

	require.Equal(t, []string{"generate:start", "generate:end", "search", "generate:start", "generate:end"}, tl.snapshot())
	require.Equal(t, "Who freed the slaves? Abraham Lincoln", run.Query)
	source.AssertExpectations(t)
}

func TestExecute_ListMode(t *testing.T) {
	gen := &scriptedGenerator{script: []generation{
		{fragments: []string{"- Washington\n- Adams"}},
		{fragments: []string{"Accurate."}},
	}}
	run, err := newTestOrchestrator(gen, nil, nil).Execute(context.Background(), "List all US presidents", &recordingSink{})
	require.NoError(t, err)
	require.True(t, run.ListMode)
	require.Equal(t, prompts.BuildCreative("List all US presidents", true), gen.calls()[0].Prompt)
}

func TestExecute_SearchFailureDegradesToUnsourced(t *testing.T) {
	gen := &scriptedGenerator{script: []generation{
		{fragments: []string{"Abraham Lincoln"}},
		{fragments: []string{"Correct."}},
	}}
	source := &MockEvidenceSource{}
	source.On("Retrieve", mock.Anything, mock.Anything).Return(nil, &search.StatusError{StatusCode: 502, Status: "502 Bad Gateway"})

	core, logs := observer.New(zapcore.WarnLevel)
	opts := DefaultOptions()
	opts.Logger = zap.New(core)
	var states []State
	opts.OnTransition = func(_, to State) { states = append(states, to) }

	sink := &recordingSink{}
	run, err := NewOrchestrator(gen, source, opts).Execute(context.Background(), "Who was Lincoln?", sink)
	require.NoError(t, err)

	want := []events.Event{
		events.Creative{Delta: "Abraham Lincoln"},
		events.CreativeDone{Text: "Abraham Lincoln"},
		events.ResearchDone{Count: 0},
		events.Historian{Delta: "Correct."},
		events.HistorianDone{},
	}
	if diff := cmp.Diff(want, sink.received()); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
	require.Empty(t, run.Evidence)
	require.Contains(t, states, StateHistorianStreaming)
	require.Equal(t, prompts.BuildHistorian("Abraham Lincoln"), gen.calls()[1].Prompt)
	require.Equal(t, 1, logs.FilterMessage("evidence search failed, continuing without sources").Len())
}

func TestExecute_SearchTimeoutUsesUnsourcedPrompt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	client := search.NewClient(search.Config{APIKey: "test-key", Endpoint: server.URL, Timeout: 50 * time.Millisecond})
	cache, err := search.NewCache(8)
	require.NoError(t, err)
	retriever := search.NewRetriever(client, cache)

	gen := &scriptedGenerator{script: []generation{
		{fragments: []string{"Abraham Lincoln"}},
		{fragments: []string{"Correct."}},
	}}
	run, err := newTestOrchestrator(gen, retriever, nil).Execute(context.Background(), "Who was Lincoln?", &recordingSink{})
	require.NoError(t, err)
	require.Empty(t, run.Evidence)
	require.Equal(t, 0, cache.Len())

	historianPrompt := gen.calls()[1].Prompt
	require.NotRegexp(t, regexp.MustCompile(`\[n\]|\[\d+\]`), historianPrompt)
	require.Equal(t, prompts.BuildHistorian("Abraham Lincoln"), historianPrompt)
}

func TestExecute_NilSourceRunsUnsourced(t *testing.T) {
	gen := &scriptedGenerator{script: []generation{
		{fragments: []string{"draft"}},
		{fragments: []string{"fix"}},
	}}
	sink := &recordingSink{}
	_, err := newTestOrchestrator(gen, nil, nil).Execute(context.Background(), "q", sink)
	require.NoError(t, err)
	require.Contains(t, sink.received(), events.Event(events.ResearchDone{Count: 0}))
	require.Equal(t, prompts.BuildHistorian("draft"), gen.calls()[1].Prompt)
}

func TestExecute_EmptyInput(t *testing.T) {
	gen := &scriptedGenerator{}
	var transitions []transition
	sink := &recordingSink{}
	run, err := newTestOrchestrator(gen, nil, &transitions).Execute(context.Background(), " \n\t ", sink)
	require.ErrorIs(t, err, ErrMessageRequired)
	require.Equal(t, []events.Event{events.Error{Message: "message is required"}}, sink.received())
	require.Empty(t, gen.calls())
	require.Equal(t, StateError, run.State)
	require.Equal(t, []transition{{StateValidating, StateError}}, transitions)
}

func TestExecute_CreativeGenerationError(t *testing.T) {
	genErr := &llm.GenerationError{Provider: llm.ProviderOllama, Err: errors.New("connection refused")}
	gen := &scriptedGenerator{script: []generation{
		{fragments: []string{"Abra"}, err: genErr},
	}}
	source := &MockEvidenceSource{}
	var transitions []transition
	sink := &recordingSink{}

	_, err := newTestOrchestrator(gen, source, &transitions).Execute(context.Background(), "Who was Lincoln?", sink)
	require.ErrorIs(t, err, genErr)

	want := []events.Event{
		events.Creative{Delta: "Abra"},
		events.Error{Message: "ollama generation failed: connection refused"},
	}
	if diff := cmp.Diff(want, sink.received()); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, []transition{
		{StateValidating, StateCreativeStreaming},
		{StateCreativeStreaming, StateError},
	}, transitions)
	source.AssertNotCalled(t, "Retrieve", mock.Anything, mock.Anything)
}

func TestExecute_HistorianGenerationError(t *testing.T) {
	genErr := &llm.GenerationError{Provider: llm.ProviderOpenAI, Err: errors.New("LLM request failed: 500 Internal Server Error")}
	gen := &scriptedGenerator{script: []generation{
		{fragments: []string{"draft"}},
		{err: genErr},
	}}
	sink := &recordingSink{}
	run, err := newTestOrchestrator(gen, nil, nil).Execute(context.Background(), "q", sink)

	var target *llm.GenerationError
	require.ErrorAs(t, err, &target)
	got := sink.received()
	require.Equal(t, events.Event(events.Error{Message: genErr.Error()}), got[len(got)-1])
	require.NotContains(t, got, events.Event(events.HistorianDone{}))
	require.Equal(t, StateError, run.State)
}

func TestExecute_SinkFailureAbortsWithoutErrorEvent(t *testing.T) {
	gen := &scriptedGenerator{script: []generation{
		{fragments: []string{"one", "two", "three"}},
	}}
	source := &MockEvidenceSource{}
	broken := errors.New("write: broken pipe")
	sink := &recordingSink{failAt: 2, err: broken}

	run, err := newTestOrchestrator(gen, source, nil).Execute(context.Background(), "q", sink)
	require.ErrorIs(t, err, broken)
	require.Equal(t, []events.Event{events.Creative{Delta: "one"}}, sink.received())
	require.Equal(t, "one", run.Draft)
	require.Equal(t, StateError, run.State)
	source.AssertNotCalled(t, "Retrieve", mock.Anything, mock.Anything)
}

// blockingGenerator emits one fragment and then waits for cancellation.
type blockingGenerator struct {
	entered chan struct{}
}

func (g *blockingGenerator) Stream(ctx context.Context, _ llm.Request, fn llm.FragmentFunc) (string, error) {
	if err := fn("Abra"); err != nil {
		return "", err
	}
	close(g.entered)
	<-ctx.Done()
	return "Abra", ctx.Err()
}

func TestExecute_ClientCancellation(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	gen := &blockingGenerator{entered: make(chan struct{})}
	source := &MockEvidenceSource{}
	sink := &recordingSink{}
	orchestrator := newTestOrchestrator(gen, source, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type result struct {
		run *Run
		err error
	}
	done := make(chan result, 1)
	go func() {
		run, err := orchestrator.Execute(ctx, "Who was Lincoln?", sink)
		done <- result{run: run, err: err}
	}()

	<-gen.entered
	cancel()

	select {
	case res := <-done:
		require.ErrorIs(t, res.err, context.Canceled)
		require.Equal(t, StateError, res.run.State)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
	require.Equal(t, []events.Event{events.Creative{Delta: "Abra"}}, sink.received())
	source.AssertNotCalled(t, "Retrieve", mock.Anything, mock.Anything)
}

func TestExecute_CancelledDuringSearch(t *testing.T) {
	gen := &scriptedGenerator{script: []generation{
		{fragments: []string{"draft"}},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	source := &MockEvidenceSource{}
	source.On("Retrieve", mock.Anything, "q").Run(func(mock.Arguments) { cancel() }).Return(nil, context.Canceled)

	sink := &recordingSink{}
	_, err := newTestOrchestrator(gen, source, nil).Execute(ctx, "q", sink)
	require.ErrorIs(t, err, context.Canceled)
	for _, ev := range sink.received() {
		require.NotEqual(t, events.NameError, ev.Name())
		require.NotEqual(t, events.NameResearchDone, ev.Name())
	}
}

func TestExecuteRun_UsesCallerRun(t *testing.T) {
	gen := &scriptedGenerator{script: []generation{
		{fragments: []string{"draft"}},
		{fragments: []string{"fix"}},
	}}
	run := NewRun("q")
	id := run.ID
	require.NoError(t, newTestOrchestrator(gen, nil, nil).ExecuteRun(context.Background(), run, SinkFunc(func(events.Event) error { return nil })))
	require.Equal(t, id, run.ID)
	require.Equal(t, "fix", run.Historian)
}

func TestBuildQuery(t *testing.T) {
	long := strings.Repeat("é", MaxQueryRunes)
	tests := []struct {
		name   string
		policy QueryPolicy
		input  string
		draft  string
		want   string
	}{
		{name: "input only", policy: QueryInput, input: " Who was Lincoln? ", draft: "Abraham Lincoln", want: "Who was Lincoln?"},
		{name: "unset policy", policy: "", input: "q", draft: "d", want: "q"},
		{name: "input and draft", policy: QueryInputAndDraft, input: "Who was Lincoln?", draft: " Abraham Lincoln\n", want: "Who was Lincoln? Abraham Lincoln"},
		{name: "empty draft", policy: QueryInputAndDraft, input: "q", draft: "", want: "q"},
		{name: "bounded", policy: QueryInputAndDraft, input: "q", draft: long, want: "q " + strings.Repeat("é", MaxQueryRunes-2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, BuildQuery(tt.policy, tt.input, tt.draft))
		})
	}
}

func TestParseQueryPolicy(t *testing.T) {
	for input, want := range map[string]QueryPolicy{
		"":                  QueryInput,
		"input":             QueryInput,
		" Input_And_Draft ": QueryInputAndDraft,
	} {
		got, err := ParseQueryPolicy(input)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseQueryPolicy("draft")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	got, err := Validate("  hello \n")
	require.NoError(t, err)
	require.Equal(t, "hello", got)

	_, err = Validate("")
	require.ErrorIs(t, err, ErrMessageRequired)
	_, err = Validate("\t ")
	require.ErrorIs(t, err, ErrMessageRequired)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "creative_streaming", StateCreativeStreaming.String())
	require.Equal(t, "historian_streaming", StateHistorianStreaming.String())
	require.Equal(t, "state(42)", State(42).String())
}
