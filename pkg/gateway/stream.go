package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/harun/agentjobs/internal/observability"
	"github.com/harun/agentjobs/internal/tracing"
	"github.com/harun/agentjobs/pkg/events"
	"github.com/harun/agentjobs/pkg/store"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	streamBuffer = 256
)

// handleStream upgrades to a websocket, replays the job's stored events and
// then forwards live messages until the job finishes or the client leaves.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := chi.URLParam(r, "jobID")
	logger := tracing.LoggerFromContext(ctx, s.logger).With().Str("job_id", jobID).Logger()

	// Subscribe before reading history so nothing falls between the two.
	sub := s.cfg.Hub.Subscribe(events.Channel(jobID), streamBuffer)
	defer sub.Close()

	var (
		job     *store.Job
		history []store.Event
	)
	err := s.cfg.Store.WithTenant(ctx, tenantFromContext(ctx), func(tx *store.Tx) error {
		var err error
		if job, err = tx.GetJob(ctx, jobID); err != nil {
			return err
		}
		history, err = tx.ListEvents(ctx, jobID)
		return err
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
		return
	case err != nil:
		logger.Error().Err(err).Msg("Failed to load job history")
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to upgrade connection")
		return
	}
	defer conn.Close()
	observability.AddStreamSubscribers(1)
	defer observability.AddStreamSubscribers(-1)

	seen := make(map[string]bool, len(history))
	for _, ev := range history {
		seen[ev.ID] = true
		if err := writeMessage(conn, events.FromStored(ev)); err != nil {
			return
		}
	}
	if job.Status.IsTerminal() {
		_ = writeMessage(conn, events.Notice{Event: string(job.Status), JobID: job.ID, Error: job.Error})
		closeStream(conn)
		return
	}

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case raw, ok := <-sub.C:
			if !ok {
				closeStream(conn)
				return
			}
			var head struct {
				Event string `json:"event"`
				ID    string `json:"id"`
			}
			if err := json.Unmarshal(raw, &head); err != nil {
				continue
			}
			if head.Event == events.KindStep && seen[head.ID] {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
			if head.Event == events.KindJobSucceeded || head.Event == events.KindJobFailed {
				closeStream(conn)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			return
		case <-ctx.Done():
			return
		}
	}
}

func writeMessage(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

func closeStream(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
