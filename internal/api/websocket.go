package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-historian/internal/events"
	"github.com/Keyring-Network/keyring-historian/internal/pipeline"
)

const (
	writeWait        = 10 * time.Second
	closeGracePeriod = 2 * time.Second
)

// streamWebSocket serves one run per connection: the client sends a single
// {"message": ...} frame and receives {"event", "data"} frames until the run
// ends, followed by a close frame.
func (s *Server) streamWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxRequestBytes)
	_, data, err := conn.ReadMessage()
	if err != nil {
		s.logger.Debug("websocket closed before request", zap.Error(err))
		return
	}
	var req streamRequest
	// Undecodable requests run with an empty message and get the same error
	// frame as a blank one.
	_ = json.Unmarshal(data, &req)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	run := pipeline.NewRun(req.Message)
	err = s.pipeline.ExecuteRun(ctx, run, &frameSink{conn: conn})
	s.logRunResult(run, "websocket", err)

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	_ = conn.SetReadDeadline(time.Now().Add(closeGracePeriod))
	<-readerDone
}

type frameSink struct {
	conn *websocket.Conn
}

func (s *frameSink) Send(ev events.Event) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	w, err := s.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(events.NewFrame(ev)); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}
