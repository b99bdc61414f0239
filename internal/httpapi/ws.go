package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/jackie/internal/protocol"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsIdleTimeout  = 120 * time.Second
)

// GET /v1/chat/ws?phone_number=... carries chat turns over one websocket. Turns
// from one connection are answered in order.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	if s.chat == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "chat service not configured")
		return
	}
	contact := strings.TrimSpace(r.URL.Query().Get("phone_number"))
	if contact == "" {
		contact = s.cfg.DefaultContact
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.metrics.ObserveSessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan protocol.ClientMessage, 64)
	outbound := make(chan any, 64)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				if t, ok := protocol.TypeOf(msg); ok {
					s.metrics.ObserveWSMessage("outbound", string(t))
				}
			}
		}
	}()

	turnsDone := make(chan struct{})
	go func() {
		defer close(turnsDone)
		for msg := range inbound {
			target := contact
			if msg.Contact != "" {
				target = msg.Contact
			}
			var out any
			if !s.limiter.Allow(target) {
				out = protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					Code:      "rate_limited",
					Source:    "gateway",
					Retryable: true,
					Detail:    "too many messages, slow down",
				}
			} else {
				out = protocol.AssistantReply{
					Type:    protocol.TypeAssistantReply,
					ReplyTo: msg.ClientMsgID,
					Contact: target,
					Text:    s.chat.HandleTurn(ctx, target, msg.Text),
					TSMs:    time.Now().UnixMilli(),
				}
			}
			select {
			case outbound <- out:
			case <-ctx.Done():
				return
			}
		}
	}()

	conn.SetReadLimit(64 << 10)
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
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.enqueue(ctx, outbound, protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Retryable: false,
				Detail:    err.Error(),
			})
			continue
		}
		if t, ok := protocol.TypeOf(parsed); ok {
			s.metrics.ObserveWSMessage("inbound", string(t))
		}

		switch m := parsed.(type) {
		case protocol.ClientMessage:
			select {
			case <-ctx.Done():
				break readLoop
			case inbound <- m:
			}
		case protocol.ClientControl:
			if m.Action == protocol.ActionClose {
				break readLoop
			}
			s.enqueue(ctx, outbound, protocol.SystemEvent{Type: protocol.TypeSystemEvent, Code: "pong"})
		}
	}

	close(inbound)
	<-turnsDone
	cancel()
	<-writerDone
	s.metrics.ObserveSessionEvent("ws_disconnected")
}

// enqueue drops the message when the outbound queue is saturated so the reader
// never blocks on a slow client.
func (s *Server) enqueue(ctx context.Context, outbound chan<- any, msg any) {
	select {
	case <-ctx.Done():
	case outbound <- msg:
	default:
		s.logger.Warn("websocket outbound queue full, dropping message")
	}
}
