package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-historian/internal/events"
	"github.com/Keyring-Network/keyring-historian/internal/pipeline"
)

const (
	runIDHeader     = "X-Run-ID"
	maxRequestBytes = 64 << 10
)

type streamRequest struct {
	Message string `json:"message"`
}

func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	var req streamRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, pipeline.ErrMessageRequired.Error(), http.StatusBadRequest)
		return
	}
	message, err := pipeline.Validate(req.Message)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	run := pipeline.NewRun(message)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set(runIDHeader, run.ID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err = s.pipeline.ExecuteRun(r.Context(), run, &sseSink{w: w, flusher: flusher})
	s.logRunResult(run, "sse", err)
}

type sseSink struct {
	w       io.Writer
	flusher http.Flusher
}

func (s *sseSink) Send(ev events.Event) error {
	if err := events.WriteSSE(s.w, ev); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *Server) logRunResult(run *pipeline.Run, transport string, err error) {
	if err == nil {
		return
	}
	s.logger.Debug("stream ended early",
		zap.String("run_id", run.ID),
		zap.String("transport", transport),
		zap.Stringer("state", run.State),
		zap.Error(err),
	)
}
