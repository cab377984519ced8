package server

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sse"

	"github.com/ask-mandi/server/internal/agent/model"
	"github.com/ask-mandi/server/internal/service"
	logx "github.com/ask-mandi/server/pkg/logger"
)

// SSE event names.
const (
	EventDelta = "delta"
	EventDone  = "done"
	EventError = "error"
)

type deltaEvent struct {
	Delta string `json:"delta"`
}

type doneEvent struct {
	FullText  string           `json:"fullText"`
	Usage     model.TokenUsage `json:"usage"`
	Remaining *int             `json:"remaining,omitempty"`
}

type errorEvent struct {
	Message string `json:"message"`
}

// streamAnswer relays the summary as delta events followed by one done or
// error event. A gone client stops consumption; the upstream call is left to
// finish on its own.
func streamAnswer(ctx context.Context, w http.ResponseWriter, answer *service.Answer) {
	st := answer.Stream
	defer st.Close()

	h := w.Header()
	h.Set("Content-Type", sse.ContentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	send := func(event string, data any) bool {
		if err := sse.Encode(w, sse.Event{Event: event, Data: data}); err != nil {
			logx.Ctx(ctx).Debug().Err(err).Str("event", event).Msg("SSE write failed")
			return false
		}
		if err := rc.Flush(); err != nil {
			logx.Ctx(ctx).Debug().Err(err).Msg("SSE flush failed")
			return false
		}
		return true
	}

	for st.Next() {
		if ctx.Err() != nil {
			logx.Ctx(ctx).Info().Msg("Client disconnected; stopping stream")
			return
		}
		if !send(EventDelta, deltaEvent{Delta: st.Chunk()}) {
			return
		}
	}

	if err := st.Err(); err != nil {
		logx.Ctx(ctx).Error().Err(err).Msg("Summary stream interrupted")
		send(EventError, errorEvent{Message: "Stream interrupted"})
		return
	}
	send(EventDone, doneEvent{FullText: st.Text(), Usage: st.Usage(), Remaining: answer.Remaining})
}
