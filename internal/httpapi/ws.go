package httpapi

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/ragchat/internal/protocol"
	"github.com/antoniostano/ragchat/internal/rag"
)

// handleQueryWS answers queries over a websocket, streaming answer_delta events
// before the final answer. Queries on one connection are answered in order.
func (s *Server) handleQueryWS(w http.ResponseWriter, r *http.Request) {
	if s.answerer == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "query pipeline not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.countSessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inbound := make(chan protocol.ClientQuery, 16)
	outbound := make(chan any, 256)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		s.runQueries(ctx, inbound, outbound)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					log.Printf("websocket write failed: %v", err)
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.countWSMessage("outbound", t)
				}
			}
		}
	}()

	conn.SetReadLimit(1 << 20)

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			select {
			case outbound <- protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				Code:   "invalid_client_message",
				Detail: err.Error(),
			}:
			case <-ctx.Done():
				break readLoop
			}
			continue
		}
		q := parsed.(protocol.ClientQuery)
		s.countWSMessage("inbound", q.Type)
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- q:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	s.countSessionEvent("ws_disconnected")
}

func (s *Server) runQueries(ctx context.Context, inbound <-chan protocol.ClientQuery, outbound chan<- any) {
	send := func(msg any) bool {
		select {
		case outbound <- msg:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for q := range inbound {
		ans, err := s.answerer.Answer(ctx, rag.Query{Question: q.Q, SessionID: q.SessionID}, func(delta string) error {
			if !send(protocol.AnswerDelta{
				Type:      protocol.TypeAnswerDelta,
				RequestID: q.RequestID,
				TextDelta: delta,
			}) {
				return ctx.Err()
			}
			return nil
		})
		s.syncSessionGauge()
		if err != nil {
			_, body := queryErrorResponse(err)
			if ctx.Err() == nil {
				log.Printf("ws query %s failed: %v", q.RequestID, err)
			}
			if !send(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				RequestID: q.RequestID,
				Code:      body.Code,
				Retryable: body.Retryable,
				Detail:    body.Error,
			}) {
				return
			}
			continue
		}
		if !send(protocol.AnswerEvent{
			Type:      protocol.TypeAnswer,
			RequestID: q.RequestID,
			Answer:    ans.Text,
		}) {
			return
		}
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientQuery:
		return m.Type, true
	case protocol.AnswerDelta:
		return m.Type, true
	case protocol.AnswerEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}

func (s *Server) countWSMessage(direction string, t protocol.MessageType) {
	if s.metrics == nil {
		return
	}
	s.metrics.WSMessages.WithLabelValues(direction, string(t)).Inc()
}

func (s *Server) countSessionEvent(event string) {
	if s.metrics == nil {
		return
	}
	s.metrics.SessionEvents.WithLabelValues(event).Inc()
}
