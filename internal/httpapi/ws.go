package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/memoria/internal/auth"
	"github.com/ent0n29/memoria/internal/chat"
	"github.com/ent0n29/memoria/internal/memory"
	"github.com/ent0n29/memoria/internal/protocol"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsIdleTimeout  = 120 * time.Second
	wsReadLimit    = 1 << 20
)

func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		token, _ = bearerToken(r)
	}
	if token == "" {
		respondError(w, http.StatusUnauthorized, "not_authenticated", "query parameter token is required")
		return
	}
	user, err := s.auth.Authenticate(r.Context(), token)
	if err != nil {
		s.metrics.ObserveAuthEvent("token_rejected")
		s.writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.metrics.TrackWSSession(true)
	defer s.metrics.TrackWSSession(false)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan protocol.SendMessage, 16)
	outbound := make(chan any, 64)

	enqueue := func(msg any) bool {
		select {
		case <-ctx.Done():
			return false
		case outbound <- msg:
			return true
		}
	}

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		for msg := range inbound {
			s.runWSTurn(ctx, user, msg, enqueue)
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					s.logger.Debug("websocket write failed", zap.Error(err))
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.ObserveWSMessage("outbound", string(t))
				}
			}
		}
	}()

	enqueue(protocol.SystemEvent{
		Type:   protocol.TypeSystemEvent,
		Code:   protocol.EventReady,
		Detail: s.chat.ProviderName(),
	})

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.offer(outbound, protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				Code:   "invalid_client_message",
				Detail: err.Error(),
			})
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.ObserveWSMessage("inbound", string(t))
		}

		switch m := parsed.(type) {
		case protocol.ClientPing:
			s.offer(outbound, protocol.SystemEvent{
				Type:      protocol.TypeSystemEvent,
				RequestID: m.RequestID,
				Code:      protocol.EventPong,
			})
		case protocol.SendMessage:
			select {
			case <-ctx.Done():
				break readLoop
			case inbound <- m:
			}
		}
	}

	cancel()
	close(inbound)
	<-workerDone
	<-writerDone
}

// offer queues a frame without blocking the read loop; it is dropped when
// the outbound queue is full.
func (s *Server) offer(outbound chan<- any, msg any) {
	select {
	case outbound <- msg:
	default:
		if t, ok := messageTypeOf(msg); ok {
			s.metrics.ObserveWSMessage("dropped", string(t))
		}
	}
}

// runWSTurn runs one send_message frame through the same pipeline as the
// REST endpoints. Turns from one socket are handled in arrival order.
func (s *Server) runWSTurn(ctx context.Context, user memory.User, msg protocol.SendMessage, enqueue func(any) bool) {
	conversationID := strings.TrimSpace(msg.ConversationID)
	if !enqueue(protocol.SystemEvent{
		Type:           protocol.TypeSystemEvent,
		RequestID:      msg.RequestID,
		ConversationID: conversationID,
		Code:           protocol.EventTurnStarted,
	}) {
		return
	}

	ex, err := s.chat.QuickMessage(ctx, user.ID, conversationID, msg.Content)
	if err != nil {
		enqueue(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			RequestID: msg.RequestID,
			Code:      wsErrorCode(err),
			Detail:    err.Error(),
		})
		return
	}
	enqueue(protocol.ChatResponse{
		Type:             protocol.TypeChatResponse,
		RequestID:        msg.RequestID,
		ConversationID:   ex.ConversationID,
		UserMessage:      ex.UserMessage,
		AssistantMessage: ex.AssistantMessage,
	})
}

func wsErrorCode(err error) string {
	switch {
	case errors.Is(err, chat.ErrNotFound), errors.Is(err, memory.ErrNotFound):
		return "conversation_not_found"
	case errors.Is(err, chat.ErrInvalidInput):
		return "invalid_request"
	case errors.Is(err, auth.ErrUnauthorized):
		return "invalid_token"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "internal_error"
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.SendMessage:
		return m.Type, true
	case protocol.ClientPing:
		return m.Type, true
	case protocol.ChatResponse:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
