package api

import (
	"context"
	"os"
	"fmt"
	"encoding/json"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/buildforge/foreman/pkg/events"
)

const wsWriteTimeout = 10 * time.Second

// wireEvent is the websocket envelope: a type discriminator plus the event
// payload.
type wireEvent struct {
	Type string       `json:"type"`
	Data events.Event `json:"data"`
}

// streamEvents handles GET /api/v1/projects/:id/events. It upgrades to a
// websocket and forwards the project's live event stream until the client
// disconnects. No history is replayed.
func (s *Server) streamEvents(c *gin.Context) {
	dbg, _ := os.OpenFile("/tmp/ws_dbg.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	fmt.Fprintln(dbg, "handler entered")
	projectID := c.Param("id")
	fmt.Fprintln(dbg, "calling GetProject")
	if _, err := s.orch.GetProject(c.Request.Context(), projectID); err != nil {
		fmt.Fprintln(dbg, "GetProject err:", err)
		s.respondError(c, err)
		return
	}

	fmt.Fprintln(dbg, "calling Accept")
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		// Accept all origins; deployments front this with an authenticating
		// proxy.
		InsecureSkipVerify: true,
	})
	if err != nil {
		fmt.Fprintln(dbg, "accept err:", err)
		s.logger.Warn("websocket upgrade failed", "project_id", projectID, "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	fmt.Fprintln(dbg, "accepted")
	sub := s.orch.Subscribe(projectID)
	defer sub.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Read loop: clients send nothing meaningful; a read error means the
	// connection is gone.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	fmt.Fprintln(dbg, "writing hello")
	if err := s.writeWS(ctx, conn, map[string]string{
		"type":       "subscription.established",
		"project_id": projectID,
	}); err != nil {
		fmt.Fprintln(dbg, "hello write err:", err)
		return
	}
	fmt.Fprintln(dbg, "hello written")

	for {
		select {
		case ev := <-sub.C():
			if err := s.writeWS(ctx, conn, wireEvent{Type: ev.EventType(), Data: ev}); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// writeWS marshals v and sends it as a text frame with a write timeout.
func (s *Server) writeWS(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
