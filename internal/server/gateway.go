package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kubilitics/kubilitics-chat/internal/audit"
	"github.com/kubilitics/kubilitics-chat/internal/auth"
	"github.com/kubilitics/kubilitics-chat/internal/config"
	"github.com/kubilitics/kubilitics-chat/internal/db"
	"github.com/kubilitics/kubilitics-chat/internal/generation"
	"github.com/kubilitics/kubilitics-chat/internal/llm/types"
	"github.com/kubilitics/kubilitics-chat/internal/metrics"
	wire "github.com/kubilitics/kubilitics-chat/pkg/types"
)

// Coordinator is the part of the generation coordinator the gateway drives.
type Coordinator interface {
	CheckPrompt(text string, sampling types.SamplingConfig) error
	StartConversation(ctx context.Context, userID, title, firstPrompt, providerID, modelID string, settings types.SamplingConfig) (*db.ConversationRecord, error)
	Submit(ctx context.Context, p generation.Prompt) (*generation.Accepted, error)
	Cancel(convID string) bool
}

// GatewayOptions tunes the websocket gateway.
type GatewayOptions struct {
	config.GatewayConfig
	AllowedOrigins   []string
	PromptsPerMinute int
}

// defaultDevOrigins are accepted when no origins are configured.
var defaultDevOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

// newUpgrader builds an upgrader whose origin check honours the allow list.
// A "*" entry allows any origin; requests without an Origin header are
// non-browser clients and are always allowed.
func newUpgrader(allowed []string) websocket.Upgrader {
	if len(allowed) == 0 {
		allowed = defaultDevOrigins
	}
	wildcard := false
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			wildcard = true
		}
		set[strings.ToLower(o)] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || wildcard {
				return true
			}
			return set[strings.ToLower(origin)]
		},
	}
}

// Gateway authenticates websocket sessions, tracks conversation rooms and
// fans coordinator events out to room members.
type Gateway struct {
	coord    Coordinator
	store    db.ConversationStore
	auth     auth.Authenticator
	audit    audit.Logger
	logger   *zap.Logger
	opts     GatewayOptions
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*session
	rooms    map[string]map[*session]struct{}
	limiters map[string]*rate.Limiter
	// perUser counts open sessions per user.
	perUser map[string]int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGateway creates a gateway. Register it as the coordinator's publisher
// before serving connections.
func NewGateway(coord Coordinator, store db.ConversationStore, authn auth.Authenticator, opts GatewayOptions, logger *zap.Logger, auditLogger audit.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if auditLogger == nil {
		auditLogger = audit.NewNopLogger()
	}
	def := config.DefaultConfig().Gateway
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = def.SendBuffer
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = def.WriteWait
	}
	if opts.PongWait <= 0 {
		opts.PongWait = def.PongWait
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = def.MaxMessageBytes
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		coord:    coord,
		store:    store,
		auth:     authn,
		audit:    auditLogger,
		logger:   logger.Named("gateway"),
		opts:     opts,
		upgrader: newUpgrader(opts.AllowedOrigins),
		sessions: make(map[string]*session),
		rooms:    make(map[string]map[*session]struct{}),
		limiters: make(map[string]*rate.Limiter),
		perUser:  make(map[string]int),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// ServeWS authenticates the request and upgrades it to a session.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	claims, err := g.auth.Authenticate(auth.TokenFromRequest(r))
	if err != nil {
		_ = g.audit.LogAuthFailed(r.Context(), ip, err)
		writeUnauthorized(w, err)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.String("remote", ip), zap.Error(err))
		return
	}

	s := newSession(g, conn, claims.UserID, ip)
	if !g.register(s) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(g.opts.WriteWait))
		conn.Close()
		return
	}

	ctx := audit.WithCorrelationID(g.ctx, s.id)
	_ = g.audit.LogConnectionOpened(ctx, s.id, s.userID, ip)
	g.logger.Debug("session opened", zap.String("session_id", s.id), zap.String("user_id", s.userID))

	s.reply(wire.EventConnected, "", wire.Connected{SessionID: s.id, UserID: s.userID})

	g.wg.Add(2)
	go func() {
		defer g.wg.Done()
		s.writePump()
	}()
	go func() {
		defer g.wg.Done()
		s.readPump()
	}()
}

// Sessions returns the number of connected sessions.
func (g *Gateway) Sessions() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}

// RoomSize returns the number of sessions in a conversation's room.
func (g *Gateway) RoomSize(convID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms[convID])
}

// Close disconnects every session and waits for their pumps to exit.
func (g *Gateway) Close() {
	g.cancel()
	g.mu.Lock()
	all := make([]*session, 0, len(g.sessions))
	for _, s := range g.sessions {
		all = append(all, s)
	}
	g.mu.Unlock()
	for _, s := range all {
		s.close()
	}
	g.wg.Wait()
}

// Disconnect closes every session belonging to userID and returns how many
// were closed. Clients may reconnect afterwards.
func (g *Gateway) Disconnect(userID string) int {
	g.mu.RLock()
	var victims []*session
	for _, s := range g.sessions {
		if s.userID == userID {
			victims = append(victims, s)
		}
	}
	g.mu.RUnlock()

	n := 0
	for _, s := range victims {
		if s.close() {
			n++
		}
	}
	if n > 0 {
		g.logger.Info("disconnected user sessions", zap.String("user_id", userID), zap.Int("sessions", n))
	}
	return n
}

func (g *Gateway) register(s *session) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ctx.Err() != nil {
		return false
	}
	g.sessions[s.id] = s
	g.perUser[s.userID]++
	metrics.WebSocketConnections.Inc()
	return true
}

func (g *Gateway) unregister(s *session) {
	g.mu.Lock()
	if _, ok := g.sessions[s.id]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.sessions, s.id)
	g.leaveLocked(s)
	if g.perUser[s.userID]--; g.perUser[s.userID] <= 0 {
		delete(g.perUser, s.userID)
	}
	g.sweepLimitersLocked()
	g.mu.Unlock()

	metrics.WebSocketConnections.Dec()
	ctx := audit.WithCorrelationID(context.Background(), s.id)
	_ = g.audit.LogConnectionClosed(ctx, s.id, s.userID, time.Since(s.opened))
	g.logger.Debug("session closed", zap.String("session_id", s.id))
}

// join moves s into convID's room, leaving any previous room.
func (g *Gateway) join(s *session, convID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s.room == convID {
		return
	}
	g.leaveLocked(s)
	members, ok := g.rooms[convID]
	if !ok {
		members = make(map[*session]struct{})
		g.rooms[convID] = members
		metrics.ActiveRooms.Inc()
	}
	members[s] = struct{}{}
	s.room = convID
}

// leave removes s from convID's room. It reports whether s was a member.
func (g *Gateway) leave(s *session, convID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s.room != convID {
		return false
	}
	g.leaveLocked(s)
	return true
}

func (g *Gateway) leaveLocked(s *session) {
	if s.room == "" {
		return
	}
	if members, ok := g.rooms[s.room]; ok {
		delete(members, s)
		if len(members) == 0 {
			delete(g.rooms, s.room)
			metrics.ActiveRooms.Dec()
		}
	}
	s.room = ""
}

// allowPrompt applies the per-user prompt rate.
func (g *Gateway) allowPrompt(userID string) bool {
	if g.opts.PromptsPerMinute <= 0 {
		return true
	}
	g.mu.Lock()
	lim, ok := g.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(g.opts.PromptsPerMinute)/60.0), g.promptBurst())
		g.limiters[userID] = lim
	}
	g.mu.Unlock()
	return lim.Allow()
}

func (g *Gateway) promptBurst() int {
	if burst := g.opts.PromptsPerMinute / 6; burst > 1 {
		return burst
	}
	return 1
}

// sweepLimitersLocked drops the limiters of users with no open session once
// their bucket has refilled, so reconnecting never resets a drained bucket.
func (g *Gateway) sweepLimitersLocked() {
	full := float64(g.promptBurst())
	for userID, lim := range g.limiters {
		if g.perUser[userID] == 0 && lim.Tokens() >= full {
			delete(g.limiters, userID)
		}
	}
}

// trackedLimiters returns the number of per-user prompt limiters held.
func (g *Gateway) trackedLimiters() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.limiters)
}

// authorize loads convID and checks that userID owns it.
func (g *Gateway) authorize(ctx context.Context, userID, convID string) (*db.ConversationRecord, error) {
	if convID == "" {
		return nil, types.Errorf(types.KindValidation, "conversation id is required")
	}
	conv, err := g.store.GetConversation(ctx, convID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, types.Errorf(types.KindNotFound, "conversation %s not found", convID)
	}
	if err != nil {
		return nil, types.Wrap(types.KindPersistenceFailure, "", err)
	}
	if conv.UserID != userID {
		return nil, types.Errorf(types.KindAuthorization, "conversation %s belongs to another user", convID)
	}
	return conv, nil
}

// Publish implements generation.Publisher. Events go to every member of the
// conversation's room; the prompt acknowledgement goes to the submitting
// session.
func (g *Gateway) Publish(e generation.Event) {
	switch e.Kind {
	case generation.EventUserMessage:
		g.publishUserMessage(e)
	case generation.EventTyping:
		g.broadcast(e.ConversationID, nil, wire.EventTypingState, wire.TypingState{
			ConversationID: e.ConversationID,
			Typing:         e.Typing,
		})
	case generation.EventChunk:
		g.broadcast(e.ConversationID, nil, wire.EventGenerationChunk, wire.GenerationChunk{
			ConversationID: e.ConversationID,
			Index:          e.Index,
			Text:           e.Text,
		})
	case generation.EventComplete:
		payload := wire.GenerationComplete{
			ConversationID: e.ConversationID,
			Text:           e.Text,
			Usage:          e.Usage,
		}
		if e.Message != nil {
			payload.MessageID = e.Message.ID
			payload.Provider = e.Message.Provider
			payload.Model = e.Message.Model
		}
		g.broadcast(e.ConversationID, nil, wire.EventGenerationComplete, payload)
	case generation.EventFailed:
		payload := wire.GenerationError{
			ConversationID: e.ConversationID,
			ErrorKind:      e.ErrorKind,
			Message:        e.Error,
		}
		if e.Message != nil {
			payload.MessageID = e.Message.ID
		}
		g.broadcast(e.ConversationID, nil, wire.EventGenerationError, payload)
	case generation.EventCancelled:
		payload := wire.GenerationCancelled{
			ConversationID: e.ConversationID,
			PartialText:    e.Text,
		}
		if e.Message != nil {
			payload.MessageID = e.Message.ID
		}
		g.broadcast(e.ConversationID, nil, wire.EventGenerationCancelled, payload)
	}
}

func (g *Gateway) publishUserMessage(e generation.Event) {
	if e.Message == nil {
		return
	}
	g.mu.RLock()
	origin := g.sessions[e.Origin]
	g.mu.RUnlock()

	if origin != nil {
		origin.reply(wire.EventPromptAccepted, e.Ref, wire.PromptAccepted{
			ConversationID: e.ConversationID,
			MessageID:      e.Message.ID,
		})
	}
	g.broadcast(e.ConversationID, origin, wire.EventNewMessage, wire.NewMessage{
		ConversationID: e.ConversationID,
		Message:        toWireMessage(e.Message),
	})
}

// broadcast sends one event to every room member except skip. A member whose
// queue is full is disconnected.
func (g *Gateway) broadcast(convID string, skip *session, t wire.EventType, payload interface{}) {
	frame, err := encodeFrame(t, "", payload)
	if err != nil {
		g.logger.Error("failed to encode event", zap.String("type", string(t)), zap.Error(err))
		return
	}

	g.mu.RLock()
	members := make([]*session, 0, len(g.rooms[convID]))
	for s := range g.rooms[convID] {
		if s != skip {
			members = append(members, s)
		}
	}
	g.mu.RUnlock()

	for _, s := range members {
		if !s.enqueue(frame) {
			g.dropSlow(s)
			continue
		}
		metrics.WebSocketMessagesTotal.WithLabelValues("outbound", string(t)).Inc()
	}
}

func (g *Gateway) dropSlow(s *session) {
	if s.close() {
		metrics.WebSocketDroppedSessions.Inc()
		g.logger.Warn("disconnecting slow session",
			zap.String("session_id", s.id),
			zap.String("user_id", s.userID),
			zap.Int("queue", cap(s.send)),
		)
	}
}

func encodeFrame(t wire.EventType, ref string, payload interface{}) ([]byte, error) {
	env, err := wire.NewEnvelope(t, ref, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// sessionID returns a new session identifier.
func sessionID() string {
	return "ws-" + uuid.NewString()
}
