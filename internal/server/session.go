package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-chat/internal/audit"
	"github.com/kubilitics/kubilitics-chat/internal/db"
	"github.com/kubilitics/kubilitics-chat/internal/generation"
	"github.com/kubilitics/kubilitics-chat/internal/llm/types"
	"github.com/kubilitics/kubilitics-chat/internal/metrics"
	wire "github.com/kubilitics/kubilitics-chat/pkg/types"
)

// session is one authenticated websocket connection.
type session struct {
	id       string
	userID   string
	remoteIP string
	opened   time.Time

	gw   *Gateway
	conn *websocket.Conn

	// Buffered channel of outbound frames.
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once

	// room is the joined conversation, guarded by gw.mu.
	room string
}

func newSession(g *Gateway, conn *websocket.Conn, userID, ip string) *session {
	return &session{
		id:       sessionID(),
		userID:   userID,
		remoteIP: ip,
		opened:   time.Now(),
		gw:       g,
		conn:     conn,
		send:     make(chan []byte, g.opts.SendBuffer),
		done:     make(chan struct{}),
	}
}

// enqueue queues a frame without blocking. It reports false when the session
// is closed or its queue is full.
func (s *session) enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// close stops the write pump. It reports whether this call closed the
// session.
func (s *session) close() bool {
	closed := false
	s.closeOnce.Do(func() {
		close(s.done)
		closed = true
	})
	return closed
}

// reply sends an event to this session only.
func (s *session) reply(t wire.EventType, ref string, payload interface{}) {
	frame, err := encodeFrame(t, ref, payload)
	if err != nil {
		s.gw.logger.Error("failed to encode reply", zap.String("type", string(t)), zap.Error(err))
		return
	}
	if !s.enqueue(frame) {
		s.gw.dropSlow(s)
		return
	}
	metrics.WebSocketMessagesTotal.WithLabelValues("outbound", string(t)).Inc()
}

// fail reports a request-level error to this session.
func (s *session) fail(ref string, err error) {
	s.reply(wire.EventError, ref, wire.Error{
		ErrorKind: types.KindOf(err),
		Message:   err.Error(),
	})
}

// readPump reads frames until the connection fails, dispatching each one in
// order.
func (s *session) readPump() {
	defer func() {
		s.gw.unregister(s)
		s.close()
	}()

	s.conn.SetReadLimit(s.gw.opts.MaxMessageBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.gw.opts.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.gw.opts.PongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.gw.logger.Debug("websocket read error", zap.String("session_id", s.id), zap.Error(err))
			}
			return
		}
		// Any frame counts as liveness.
		_ = s.conn.SetReadDeadline(time.Now().Add(s.gw.opts.PongWait))

		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.fail("", types.Errorf(types.KindValidation, "malformed frame: %v", err))
			continue
		}
		metrics.WebSocketMessagesTotal.WithLabelValues("inbound", string(env.Type)).Inc()
		s.dispatch(env)
	}
}

// writePump drains the send queue and keeps the connection alive with ping
// frames.
func (s *session) writePump() {
	pingPeriod := (s.gw.opts.PongWait * 9) / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.gw.opts.WriteWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return

		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.gw.opts.WriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.close()
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.gw.opts.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		}
	}
}

func (s *session) dispatch(env wire.Envelope) {
	ctx := audit.WithCorrelationID(s.gw.ctx, s.id)

	switch env.Type {
	case wire.EventJoinConversation:
		var req wire.JoinConversation
		if err := env.Decode(&req); err != nil {
			s.fail(env.Ref, types.Errorf(types.KindValidation, "%v", err))
			return
		}
		s.handleJoin(ctx, env.Ref, req.ConversationID)

	case wire.EventLeaveConversation:
		var req wire.LeaveConversation
		if err := env.Decode(&req); err != nil {
			s.fail(env.Ref, types.Errorf(types.KindValidation, "%v", err))
			return
		}
		s.gw.leave(s, req.ConversationID)
		s.reply(wire.EventLeft, env.Ref, wire.LeaveConversation{ConversationID: req.ConversationID})

	case wire.EventSendPrompt:
		var req wire.SendPrompt
		if err := env.Decode(&req); err != nil {
			s.fail(env.Ref, types.Errorf(types.KindValidation, "%v", err))
			return
		}
		s.handlePrompt(ctx, env.Ref, req)

	case wire.EventCancelGeneration:
		var req wire.CancelGeneration
		if err := env.Decode(&req); err != nil {
			s.fail(env.Ref, types.Errorf(types.KindValidation, "%v", err))
			return
		}
		if _, err := s.gw.authorize(ctx, s.userID, req.ConversationID); err != nil {
			s.fail(env.Ref, err)
			return
		}
		if !s.gw.coord.Cancel(req.ConversationID) {
			s.fail(env.Ref, types.Errorf(types.KindValidation, "no cancellable generation for conversation %s", req.ConversationID))
		}

	case wire.EventPing:
		s.reply(wire.EventPong, env.Ref, nil)

	default:
		s.fail(env.Ref, types.Errorf(types.KindValidation, "unknown event type %q", env.Type))
	}
}

func (s *session) handleJoin(ctx context.Context, ref, convID string) {
	if _, err := s.gw.authorize(ctx, s.userID, convID); err != nil {
		s.fail(ref, err)
		return
	}
	s.gw.join(s, convID)
	_ = s.gw.audit.LogRoomJoined(ctx, s.id, s.userID, convID)
	s.reply(wire.EventJoined, ref, wire.Joined{ConversationID: convID})
}

func (s *session) handlePrompt(ctx context.Context, ref string, req wire.SendPrompt) {
	if !s.gw.allowPrompt(s.userID) {
		s.fail(ref, types.Errorf(types.KindRateLimited, "too many prompts, retry shortly"))
		return
	}

	var sampling types.SamplingConfig
	if req.Sampling != nil {
		sampling = *req.Sampling
	}
	if err := s.gw.coord.CheckPrompt(req.Text, sampling); err != nil {
		s.fail(ref, err)
		return
	}

	convID := req.ConversationID
	if convID == "" {
		conv, err := s.gw.coord.StartConversation(ctx, s.userID, "", req.Text, req.ProviderID, req.ModelID, sampling)
		if err != nil {
			s.fail(ref, err)
			return
		}
		convID = conv.ID
		s.gw.join(s, convID)
		_ = s.gw.audit.LogRoomJoined(ctx, s.id, s.userID, convID)
		s.reply(wire.EventJoined, ref, wire.Joined{ConversationID: convID})
	} else {
		// Submitting into a room implies membership, so the sender sees the
		// generation it started.
		if _, err := s.gw.authorize(ctx, s.userID, convID); err != nil {
			s.fail(ref, err)
			return
		}
		s.gw.join(s, convID)
	}

	_, err := s.gw.coord.Submit(ctx, generation.Prompt{
		UserID:         s.userID,
		ConversationID: convID,
		Text:           req.Text,
		ProviderID:     req.ProviderID,
		ModelID:        req.ModelID,
		Sampling:       sampling,
		Stream:         req.Stream,
		Origin:         s.id,
		Ref:            ref,
	})
	if err != nil {
		s.fail(ref, err)
	}
}

func toWireMessage(m *db.MessageRecord) wire.Message {
	return wire.Message{
		ID:              m.ID,
		ConversationID:  m.ConversationID,
		Seq:             m.Seq,
		Role:            m.Role,
		Content:         m.Content,
		TokenCount:      m.TokenCount,
		TokensEstimated: m.TokensEstimated,
		Model:           m.Model,
		Provider:        m.Provider,
		Timestamp:       m.Timestamp,
	}
}
