// Package pipeline sequences one request through the creative draft, the
// evidence search and the historian correction, forwarding every fragment to
// a Sink as it arrives.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-historian/internal/events"
	"github.com/Keyring-Network/keyring-historian/internal/evidence"
	"github.com/Keyring-Network/keyring-historian/internal/llm"
	"github.com/Keyring-Network/keyring-historian/internal/prompts"
)

const (
	DefaultCreativeTemperature  = 0.9
	DefaultHistorianTemperature = 0.1

	// MaxQueryRunes bounds queries built from the input and the draft.
	MaxQueryRunes = 400
)

var ErrMessageRequired = errors.New("message is required")

type State int

const (
	StateValidating State = iota
	StateCreativeStreaming
	StateSearching
	StateHistorianStreaming
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateValidating:
		return "validating"
	case StateCreativeStreaming:
		return "creative_streaming"
	case StateSearching:
		return "searching"
	case StateHistorianStreaming:
		return "historian_streaming"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// QueryPolicy selects what the evidence search is keyed on.
type QueryPolicy string

const (
	QueryInput         QueryPolicy = "input"
	QueryInputAndDraft QueryPolicy = "input_and_draft"
)

func ParseQueryPolicy(value string) (QueryPolicy, error) {
	switch policy := QueryPolicy(strings.ToLower(strings.TrimSpace(value))); policy {
	case "":
		return QueryInput, nil
	case QueryInput, QueryInputAndDraft:
		return policy, nil
	default:
		return "", fmt.Errorf("unknown query policy %q", value)
	}
}

// BuildQuery derives the search query for a run.
func BuildQuery(policy QueryPolicy, input, draft string) string {
	input = strings.TrimSpace(input)
	if policy != QueryInputAndDraft {
		return input
	}
	query := strings.TrimSpace(input + " " + strings.TrimSpace(draft))
	if utf8.RuneCountInString(query) <= MaxQueryRunes {
		return query
	}
	return strings.TrimSpace(string([]rune(query)[:MaxQueryRunes]))
}

// Validate returns the trimmed input or ErrMessageRequired.
func Validate(input string) (string, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "", ErrMessageRequired
	}
	return trimmed, nil
}

// EvidenceSource returns the normalized evidence for a query. Errors are
// absorbed by the orchestrator.
type EvidenceSource interface {
	Retrieve(ctx context.Context, query string) ([]evidence.Item, error)
}

// Sink receives events in emission order. A non-nil error aborts the run.
type Sink interface {
	Send(ev events.Event) error
}

type SinkFunc func(ev events.Event) error

func (f SinkFunc) Send(ev events.Event) error { return f(ev) }

// Run is the per-request state threaded through the stages.
type Run struct {
	ID        string
	Input     string
	ListMode  bool
	Query     string
	Draft     string
	Evidence  []evidence.Item
	Historian string
	State     State
}

func NewRun(input string) *Run {
	return &Run{ID: uuid.NewString(), Input: input, State: StateValidating}
}

type Options struct {
	CreativeTemperature  float64
	HistorianTemperature float64
	QueryPolicy          QueryPolicy
	Logger               *zap.Logger
	// OnTransition is called synchronously on every state change.
	OnTransition func(from, to State)
}

func DefaultOptions() Options {
	return Options{
		CreativeTemperature:  DefaultCreativeTemperature,
		HistorianTemperature: DefaultHistorianTemperature,
		QueryPolicy:          QueryInput,
	}
}

type Orchestrator struct {
	generator llm.Provider
	source    EvidenceSource
	opts      Options
	logger    *zap.Logger
}

// NewOrchestrator builds an orchestrator. A nil source runs every request on
// the unsourced historian path.
func NewOrchestrator(generator llm.Provider, source EvidenceSource, opts Options) *Orchestrator {
	if opts.QueryPolicy == "" {
		opts.QueryPolicy = QueryInput
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		generator: generator,
		source:    source,
		opts:      opts,
		logger:    logger,
	}
}

// Execute runs the pipeline for input, sending events to sink.
func (o *Orchestrator) Execute(ctx context.Context, input string, sink Sink) (*Run, error) {
	run := NewRun(input)
	return run, o.ExecuteRun(ctx, run, sink)
}

// ExecuteRun is Execute for a run created by the caller, so the run ID can be
// published before streaming starts.
//
// The returned error is ErrMessageRequired, a generation error, the sink's
// error or the context's error. An error event is sent for the first two
// only; nobody is listening in the other cases.
func (o *Orchestrator) ExecuteRun(ctx context.Context, run *Run, sink Sink) error {
	r := &runner{
		Orchestrator: o,
		run:          run,
		sink:         sink,
		log:          o.logger.With(zap.String("run_id", run.ID)),
		started:      time.Now(),
	}
	return r.execute(ctx)
}

type runner struct {
	*Orchestrator
	run     *Run
	sink    Sink
	sinkErr error
	log     *zap.Logger
	started time.Time
}

func (r *runner) execute(ctx context.Context) error {
	r.run.State = StateValidating
	input, err := Validate(r.run.Input)
	if err != nil {
		return r.fail(ctx, err)
	}
	r.run.Input = input
	r.run.ListMode = prompts.IsListRequest(input)

	r.transition(StateCreativeStreaming)
	draft, err := r.generate(ctx, prompts.BuildCreative(input, r.run.ListMode), r.opts.CreativeTemperature, func(delta string) events.Event {
		return events.Creative{Delta: delta}
	})
	r.run.Draft = draft
	if err != nil {
		return r.fail(ctx, err)
	}
	if err := r.send(events.CreativeDone{Text: draft}); err != nil {
		return r.fail(ctx, err)
	}

	r.transition(StateSearching)
	if err := r.research(ctx); err != nil {
		return r.fail(ctx, err)
	}

	r.transition(StateHistorianStreaming)
	prompt := prompts.BuildHistorianFor(input, draft, r.run.Evidence)
	historian, err := r.generate(ctx, prompt, r.opts.HistorianTemperature, func(delta string) events.Event {
		return events.Historian{Delta: delta}
	})
	r.run.Historian = historian
	if err != nil {
		return r.fail(ctx, err)
	}
	if err := r.send(events.HistorianDone{}); err != nil {
		return r.fail(ctx, err)
	}

	r.transition(StateDone)
	r.log.Info("pipeline run completed",
		zap.Bool("list_mode", r.run.ListMode),
		zap.Int("evidence", len(r.run.Evidence)),
		zap.Int("draft_chars", utf8.RuneCountInString(r.run.Draft)),
		zap.Int("historian_chars", utf8.RuneCountInString(r.run.Historian)),
		zap.Duration("duration", time.Since(r.started)),
	)
	return nil
}

func (r *runner) generate(ctx context.Context, prompt string, temperature float64, wrap func(string) events.Event) (string, error) {
	req := llm.Request{Prompt: prompt, Temperature: temperature, Stream: true}
	return r.generator.Stream(ctx, req, func(fragment string) error {
		return r.send(wrap(fragment))
	})
}

// research never fails on search errors; only the client going away stops it.
func (r *runner) research(ctx context.Context) error {
	r.run.Query = BuildQuery(r.opts.QueryPolicy, r.run.Input, r.run.Draft)

	var items []evidence.Item
	if r.source != nil {
		var err error
		items, err = r.source.Retrieve(ctx, r.run.Query)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.Warn("evidence search failed, continuing without sources", zap.Error(err))
			items = nil
		}
	}
	r.run.Evidence = items

	for _, item := range items {
		if err := r.send(events.Evidence{Item: item}); err != nil {
			return err
		}
	}
	r.log.Debug("evidence retrieved", zap.String("query", r.run.Query), zap.Int("count", len(items)))
	return r.send(events.ResearchDone{Count: len(items)})
}

func (r *runner) send(ev events.Event) error {
	if r.sinkErr != nil {
		return r.sinkErr
	}
	if err := r.sink.Send(ev); err != nil {
		r.sinkErr = err
		return err
	}
	return nil
}

func (r *runner) transition(to State) {
	from := r.run.State
	r.run.State = to
	r.log.Debug("pipeline transition", zap.Stringer("from", from), zap.Stringer("to", to))
	if r.opts.OnTransition != nil {
		r.opts.OnTransition(from, to)
	}
}

func (r *runner) fail(ctx context.Context, err error) error {
	r.transition(StateError)
	if r.sinkErr != nil || ctx.Err() != nil {
		r.log.Debug("pipeline run aborted", zap.Error(err), zap.Duration("duration", time.Since(r.started)))
		if r.sinkErr != nil {
			return r.sinkErr
		}
		return ctx.Err()
	}

	if errors.Is(err, ErrMessageRequired) {
		r.log.Debug("pipeline run rejected", zap.Error(err))
	} else {
		r.log.Error("pipeline run failed", zap.Error(err))
	}
	if sendErr := r.send(events.Error{Message: err.Error()}); sendErr != nil {
		r.log.Debug("error event not delivered", zap.Error(sendErr))
	}
	return err
}
