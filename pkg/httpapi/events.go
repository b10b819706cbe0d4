package httpapi

import (
	"log/slog"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/helmsman-ai/helmsman/pkg/events"
)

// eventBuffer bounds the per-connection event queue. A client that falls
// this far behind is disconnected rather than backing up the bus.
const eventBuffer = 256

// handleEvents upgrades to a websocket and mirrors scheduler events to
// the client until it disconnects.
func (s *Server) handleEvents(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		slog.Debug("Websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := c.Request.Context()
	queue := make(chan events.Event, eventBuffer)
	subID := "ws-" + uuid.New().String()

	s.bus.Subscribe(subID, func(ev events.Event) {
		select {
		case queue <- ev:
		default:
			// Slow client; the mirror drops events rather than blocking
			// the bus.
		}
	})
	defer s.bus.Unsubscribe(subID)

	slog.Debug("Event mirror connected", "subscriber", subID)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-queue:
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				slog.Debug("Event mirror write failed", "subscriber", subID, "error", err)
				return
			}
		}
	}
}
