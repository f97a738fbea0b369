package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"

	"github.com/averlon/parley/internal/orchestrator"
	"github.com/averlon/parley/pkg/types"
)

// wsRequest is an incoming WebSocket frame. Each frame starts one turn;
// frames are served sequentially on the connection.
type wsRequest struct {
	ConversationID string          `json:"conversation_id,omitempty"`
	UserID         string          `json:"user_id"`
	Messages       []types.Message `json:"messages"`
	Model          string          `json:"model,omitempty"`
}

// handleWS handles GET /ws/chat. Outgoing frames are [types.StreamChunk]
// encoded as JSON text messages; a Done or Error frame terminates the turn
// and the connection stays open for the next request.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	// Same-origin requests always pass; cross-origin browsers must match a
	// configured pattern.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.allowedOrigins,
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			// Client gone or connection closed. Normal end of session.
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
				websocket.CloseStatus(err) == websocket.StatusGoingAway {
				return
			}
			if !errors.Is(err, context.Canceled) {
				s.log.Debug("websocket read ended", "error", err)
			}
			return
		}

		var req wsRequest
		if err := json.Unmarshal(data, &req); err != nil {
			if werr := s.writeChunk(ctx, conn, types.StreamChunk{Error: "invalid request frame"}); werr != nil {
				return
			}
			continue
		}

		if err := s.serveTurn(ctx, conn, req); err != nil {
			return
		}
	}
}

// serveTurn runs one turn and forwards every frame to the client. A non-nil
// return means the connection is unusable and the read loop should stop.
func (s *Server) serveTurn(ctx context.Context, conn *websocket.Conn, req wsRequest) error {
	ch, err := s.orch.Stream(ctx, orchestrator.Request{
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		Messages:       req.Messages,
		Model:          req.Model,
	})
	if err != nil {
		// Validation failure. Surface as a terminal error frame for this
		// request; the connection itself is fine.
		return s.writeChunk(ctx, conn, types.StreamChunk{Error: err.Error()})
	}

	for chunk := range ch {
		if err := s.writeChunk(ctx, conn, chunk); err != nil {
			// Drain so the orchestrator's turn can finish persisting.
			for range ch {
			}
			return err
		}
	}
	return nil
}

func (s *Server) writeChunk(ctx context.Context, conn *websocket.Conn, chunk types.StreamChunk) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
