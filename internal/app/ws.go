package app

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"reposcout/api/internal/channel"
	"reposcout/api/internal/search"
)

// Inbound push events.
const eventSearch = "search"

// handleWebSocket upgrades the request, binds the connection to the session's
// identity (minting one if needed) and serves inbound events until the peer
// goes away.
func (s *HTTPServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity, cookie := s.deps.Issuer.EnsureIdentity(r.Context(), r)
	header := http.Header{}
	if cookie != nil {
		header.Add("Set-Cookie", cookie.String())
	}

	ws, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		// The upgrader has already answered the request.
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := channel.NewWSConn(ws, s.logger)
	if err := s.deps.Hub.Join(identity.ID, conn); err != nil {
		s.logger.Warn("channel join rejected", zap.String("client_id", identity.ID), zap.Error(err))
		_ = conn.Close()
		return
	}
	defer s.deps.Hub.Leave(identity.ID, conn)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.closing, cancel)
	defer stop()

	conn.Serve(ctx, func(ctx context.Context, frame channel.Frame) {
		s.handleFrame(ctx, identity.ID, conn, frame)
	})
}

func (s *HTTPServer) handleFrame(ctx context.Context, clientID string, conn channel.Conn, frame channel.Frame) {
	switch frame.Event {
	case eventSearch:
		var body searchRequest
		if len(frame.Data) > 0 {
			if err := json.Unmarshal(frame.Data, &body); err != nil {
				s.sendFrame(conn, channel.EventSearchResult, search.Response{
					Status:  "error",
					Code:    "INVALID_BODY",
					Message: "invalid search payload",
				})
				return
			}
		}
		if clientID == "" {
			s.sendFrame(conn, channel.EventSearchResult, search.Response{
				Status:  "error",
				Code:    "UNAUTHENTICATED",
				Message: "Client not authenticated",
			})
			return
		}
		// The orchestrator emits search_result to the bound connection.
		_, _ = s.deps.Search.Search(ctx, clientID, body.filters())
	default:
		s.sendFrame(conn, channel.EventError, map[string]string{
			"status":  "error",
			"message": "unknown event " + frame.Event,
		})
	}
}

func (s *HTTPServer) sendFrame(conn channel.Conn, event string, payload any) {
	frame, err := channel.NewFrame(event, payload)
	if err != nil {
		s.logger.Error("encode frame", zap.String("event", event), zap.Error(err))
		return
	}
	if err := conn.Send(frame); err != nil {
		s.logger.Debug("frame send failed", zap.String("event", event), zap.Error(err))
	}
}
