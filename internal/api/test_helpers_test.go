package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-historian/internal/events"
	"github.com/Keyring-Network/keyring-historian/internal/llm"
	"github.com/Keyring-Network/keyring-historian/internal/pipeline"
)

type MockPipeline struct {
	mock.Mock
}

func (m *MockPipeline) ExecuteRun(ctx context.Context, run *pipeline.Run, sink pipeline.Sink) error {
	args := m.Called(ctx, run, sink)
	return args.Error(0)
}

// sendAll returns a Run function that delivers evs to the sink argument.
func sendAll(evs ...events.Event) func(mock.Arguments) {
	return func(args mock.Arguments) {
		sink := args.Get(2).(pipeline.Sink)
		for _, ev := range evs {
			if err := sink.Send(ev); err != nil {
				return
			}
		}
	}
}

type MockPingingProvider struct {
	mock.Mock
}

func (m *MockPingingProvider) Stream(ctx context.Context, req llm.Request, fn llm.FragmentFunc) (string, error) {
	args := m.Called(ctx, req, fn)
	return args.String(0), args.Error(1)
}

func (m *MockPingingProvider) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// scriptedProvider streams one scripted generation per call.
type scriptedProvider struct {
	mu      sync.Mutex
	outputs [][]string
	calls   int
}

func (p *scriptedProvider) Stream(ctx context.Context, req llm.Request, fn llm.FragmentFunc) (string, error) {
	p.mu.Lock()
	call := p.calls
	p.calls++
	p.mu.Unlock()

	var text strings.Builder
	if call >= len(p.outputs) {
		return "", &llm.GenerationError{Provider: "scripted", Err: errors.New("no scripted output")}
	}
	for _, fragment := range p.outputs[call] {
		if err := ctx.Err(); err != nil {
			return text.String(), err
		}
		if err := fn(fragment); err != nil {
			return text.String(), err
		}
		text.WriteString(fragment)
	}
	return text.String(), nil
}

func newOrchestrator(outputs ...[]string) *pipeline.Orchestrator {
	return pipeline.NewOrchestrator(&scriptedProvider{outputs: outputs}, nil, pipeline.DefaultOptions())
}

func newTestServer(t *testing.T, p Pipeline, generator llm.Provider, searchEnabled bool) *httptest.Server {
	t.Helper()
	server := NewServer(p, generator, searchEnabled, zap.NewNop())
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return ts
}

type noFlushWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (w *noFlushWriter) Header() http.Header {
	if w.header == nil {
		w.header = make(http.Header)
	}
	return w.header
}

func (w *noFlushWriter) WriteHeader(status int) {
	w.status = status
}

func (w *noFlushWriter) Write(data []byte) (int, error) {
	return w.body.Write(data)
}
