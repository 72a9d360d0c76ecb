// Package client implements a chat client that survives transport loss. It
// queues intents while offline, rejoins its room after every reconnect and
// reconciles its transcript against the REST history.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kubilitics/kubilitics-chat/internal/metrics"
	wire "github.com/kubilitics/kubilitics-chat/pkg/types"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("client closed")
	// ErrQueueFull is returned when the outbound queue is at capacity.
	ErrQueueFull = errors.New("outbound queue full")
)

// Config configures a Client.
type Config struct {
	// ServerURL is the http or https base URL of the chat server.
	ServerURL string
	Token     string

	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	QueueSize    int
	EventBuffer  int
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	DialTimeout  time.Duration

	HTTPClient *http.Client
	Logger     *zap.Logger
}

// DefaultConfig returns the reconnect and queue defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		QueueSize:    256,
		EventBuffer:  1024,
		PingInterval: 30 * time.Second,
		PongWait:     60 * time.Second,
		WriteWait:    10 * time.Second,
		DialTimeout:  10 * time.Second,
	}
}

// intent is an outbound frame plus its effect on room membership.
type intent struct {
	typ   wire.EventType
	frame []byte
	join  string
	leave string
}

type pendingPrompt struct {
	convID string
	text   string
}

// Client is a websocket chat client with an explicit connection state
// machine. It is safe for concurrent use.
type Client struct {
	cfg     Config
	baseURL string
	wsURL   string
	dialer  *websocket.Dialer
	http    *http.Client
	logger  *zap.Logger
	random  func() float64

	mu        sync.Mutex
	state     State
	closed    bool
	sessionID string
	out       chan intent
	queue     []intent
	room      string
	convs     map[string]*transcript
	pending   map[string]pendingPrompt

	states chan State
	events chan wire.Envelope

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a disconnected client.
func New(cfg Config) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server url is required")
	}
	u, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/chat"

	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:     cfg,
		baseURL: strings.TrimSuffix(cfg.ServerURL, "/"),
		wsURL:   u.String(),
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		http:    cfg.HTTPClient,
		logger:  cfg.Logger.Named("client"),
		random:  rand.Float64,
		state:   StateDisconnected,
		convs:   make(map[string]*transcript),
		pending: make(map[string]pendingPrompt),
		states:  make(chan State, 16),
		events:  make(chan wire.Envelope, cfg.EventBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Connect dials the server. It is valid from Disconnected and Offline; once
// connected the client reconnects on its own until the attempt budget is
// spent.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if err := c.transitionLocked(StateConnecting); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	conn, hello, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		_ = c.transitionLocked(StateDisconnected)
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	out := c.attachLocked(hello)
	c.wg.Add(1)
	c.mu.Unlock()

	go c.run(conn, out, hello)
	return nil
}

// Join subscribes to a conversation's room, leaving the previous one.
func (c *Client) Join(convID string) error {
	if convID == "" {
		return fmt.Errorf("conversation id is required")
	}
	it, err := newIntent(wire.EventJoinConversation, "", wire.JoinConversation{ConversationID: convID})
	if err != nil {
		return err
	}
	it.join = convID
	return c.submit(it)
}

// Leave unsubscribes from a conversation's room.
func (c *Client) Leave(convID string) error {
	it, err := newIntent(wire.EventLeaveConversation, "", wire.LeaveConversation{ConversationID: convID})
	if err != nil {
		return err
	}
	it.leave = convID
	return c.submit(it)
}

// Send submits a prompt and returns the correlation ref carried by the
// server's direct replies. An empty conversation id starts a new
// conversation.
func (c *Client) Send(p wire.SendPrompt) (string, error) {
	if strings.TrimSpace(p.Text) == "" {
		return "", fmt.Errorf("prompt text is required")
	}
	ref := uuid.NewString()
	it, err := newIntent(wire.EventSendPrompt, ref, p)
	if err != nil {
		return "", err
	}
	it.join = p.ConversationID

	c.mu.Lock()
	c.pending[ref] = pendingPrompt{convID: p.ConversationID, text: p.Text}
	c.mu.Unlock()

	if err := c.submit(it); err != nil {
		c.mu.Lock()
		delete(c.pending, ref)
		c.mu.Unlock()
		return "", err
	}
	return ref, nil
}

// Cancel asks the server to stop the running generation of a conversation.
func (c *Client) Cancel(convID string) error {
	it, err := newIntent(wire.EventCancelGeneration, "", wire.CancelGeneration{ConversationID: convID})
	if err != nil {
		return err
	}
	return c.submit(it)
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// States delivers state changes. Changes are dropped when the reader falls
// behind; State always has the current value. Closed by Close.
func (c *Client) States() <-chan State {
	return c.states
}

// Events delivers every server frame after the client has applied it to its
// transcripts. Closed by Close.
func (c *Client) Events() <-chan wire.Envelope {
	return c.events
}

// SessionID returns the server session id of the current connection.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Room returns the conversation whose room the client is in.
func (c *Client) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// QueueLen returns the number of intents waiting for a connection.
func (c *Client) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Messages returns the local transcript of a conversation.
func (c *Client) Messages(convID string) []wire.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.convs[convID]; ok {
		return t.snapshot()
	}
	return nil
}

// Provisional returns streamed text not yet confirmed by a completion.
func (c *Client) Provisional(convID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.convs[convID]; ok {
		return t.provisional.String()
	}
	return ""
}

// Close disconnects and stops reconnecting. It is terminal.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	if c.state != StateDisconnected {
		_ = c.transitionLocked(StateDisconnected)
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	close(c.states)
	close(c.events)
	return nil
}

func newIntent(t wire.EventType, ref string, payload interface{}) (intent, error) {
	env, err := wire.NewEnvelope(t, ref, payload)
	if err != nil {
		return intent{}, err
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return intent{}, fmt.Errorf("encode %s: %w", t, err)
	}
	return intent{typ: t, frame: frame}, nil
}

// submit hands an intent to the live connection or queues it.
func (c *Client) submit(it intent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.state == StateConnected && c.out != nil {
		select {
		case c.out <- it:
			c.applyMembershipLocked(it)
			return nil
		default:
			return ErrQueueFull
		}
	}
	if len(c.queue) >= c.cfg.QueueSize {
		return ErrQueueFull
	}
	c.queue = append(c.queue, it)
	return nil
}

func (c *Client) applyMembershipLocked(it intent) {
	if it.join != "" {
		c.room = it.join
		c.transcriptLocked(it.join)
	}
	if it.leave != "" && it.leave == c.room {
		c.room = ""
	}
}

func (c *Client) transcriptLocked(convID string) *transcript {
	t, ok := c.convs[convID]
	if !ok {
		t = newTranscript()
		c.convs[convID] = t
	}
	return t
}

func (c *Client) transitionLocked(to State) error {
	if c.closed {
		return ErrClosed
	}
	if !CanTransition(c.state, to) {
		return fmt.Errorf("invalid state transition %s -> %s", c.state, to)
	}
	c.logger.Debug("state change", zap.String("from", string(c.state)), zap.String("to", string(to)))
	c.state = to
	select {
	case c.states <- to:
	default:
	}
	return nil
}

// dial opens a socket and waits for the server greeting.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, wire.Envelope, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Token)
	conn, resp, err := c.dialer.DialContext(dialCtx, c.wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, wire.Envelope{}, fmt.Errorf("dial %s: %s: %w", c.wsURL, resp.Status, err)
		}
		return nil, wire.Envelope{}, fmt.Errorf("dial %s: %w", c.wsURL, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	var hello wire.Envelope
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return nil, wire.Envelope{}, fmt.Errorf("read greeting: %w", err)
	}
	if hello.Type != wire.EventConnected {
		conn.Close()
		return nil, wire.Envelope{}, fmt.Errorf("unexpected greeting %q", hello.Type)
	}
	return conn, hello, nil
}

// attachLocked enters Connected, rejoins the current room and flushes the
// queue in order onto a fresh writer channel.
func (c *Client) attachLocked(hello wire.Envelope) chan intent {
	var greeting wire.Connected
	if err := hello.Decode(&greeting); err == nil {
		c.sessionID = greeting.SessionID
	}
	_ = c.transitionLocked(StateConnected)

	out := make(chan intent, c.cfg.QueueSize+1)
	if c.room != "" {
		if it, err := newIntent(wire.EventJoinConversation, "", wire.JoinConversation{ConversationID: c.room}); err == nil {
			it.join = c.room
			out <- it
		}
	}
	for _, it := range c.queue {
		out <- it
		c.applyMembershipLocked(it)
	}
	c.queue = nil
	c.out = out
	return out
}

// detachLocked leaves the connection and requeues intents it never wrote.
func (c *Client) detachLocked(out chan intent) {
	var unsent []intent
	for {
		select {
		case it := <-out:
			unsent = append(unsent, it)
			continue
		default:
		}
		break
	}
	c.queue = append(unsent, c.queue...)
	c.out = nil
	c.sessionID = ""
}

// run serves one connection after another until the client is closed or
// goes offline.
func (c *Client) run(conn *websocket.Conn, out chan intent, hello wire.Envelope) {
	defer c.wg.Done()
	for {
		c.emit(hello)
		err := c.serve(conn, out)

		c.mu.Lock()
		c.detachLocked(out)
		if c.closed {
			c.mu.Unlock()
			return
		}
		_ = c.transitionLocked(StateReconnecting)
		c.mu.Unlock()
		c.logger.Warn("connection lost", zap.Error(err))

		conn, out, hello = c.reconnect()
		if conn == nil {
			return
		}
	}
}

// reconnect dials with jittered backoff. It returns a nil conn when the
// budget is spent or the client is closed.
func (c *Client) reconnect() (*websocket.Conn, chan intent, wire.Envelope) {
	policy := &reconnectPolicy{
		initial:     c.cfg.InitialDelay,
		max:         c.cfg.MaxDelay,
		multiplier:  c.cfg.Multiplier,
		maxAttempts: c.cfg.MaxAttempts,
		random:      c.random,
	}
	for attempt := 1; ; attempt++ {
		delay := policy.NextBackOff()
		if delay == backoff.Stop {
			c.mu.Lock()
			_ = c.transitionLocked(StateOffline)
			c.mu.Unlock()
			c.logger.Warn("reconnect attempts exhausted", zap.Int("attempts", attempt-1))
			return nil, nil, wire.Envelope{}
		}

		timer := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return nil, nil, wire.Envelope{}
		case <-timer.C:
		}

		conn, hello, err := c.dial(c.ctx)
		if err != nil {
			metrics.ClientReconnects.WithLabelValues("failure").Inc()
			c.logger.Debug("reconnect attempt failed", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return nil, nil, wire.Envelope{}
		}
		out := c.attachLocked(hello)
		c.mu.Unlock()

		metrics.ClientReconnects.WithLabelValues("success").Inc()
		c.logger.Info("reconnected", zap.Int("attempt", attempt))
		return conn, out, hello
	}
}

// serve runs the read and write loops of one connection plus a history
// reconcile. It returns when the connection fails or the client closes.
func (c *Client) serve(conn *websocket.Conn, out <-chan intent) error {
	g, ctx := errgroup.WithContext(c.ctx)
	g.Go(func() error {
		<-ctx.Done()
		conn.Close()
		return nil
	})
	g.Go(func() error {
		return c.readLoop(conn)
	})
	g.Go(func() error {
		return c.writeLoop(ctx, conn, out)
	})
	g.Go(func() error {
		c.reconcile(ctx)
		return nil
	})
	return g.Wait()
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait)) }
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		extend()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.cfg.WriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		var env wire.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		extend()
		c.apply(env)
		c.emit(env)
	}
}

func (c *Client) writeLoop(ctx context.Context, conn *websocket.Conn, out <-chan intent) error {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.WriteWait))
			return ctx.Err()
		case it := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, it.frame); err != nil {
				c.logger.Warn("write failed, intent dropped", zap.String("type", string(it.typ)), zap.Error(err))
				return fmt.Errorf("write %s: %w", it.typ, err)
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait)); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

// apply folds a server frame into the local transcripts.
func (c *Client) apply(env wire.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch env.Type {
	case wire.EventJoined:
		var p wire.Joined
		if env.Decode(&p) == nil {
			c.room = p.ConversationID
			c.transcriptLocked(p.ConversationID)
		}
	case wire.EventLeft:
		var p wire.LeaveConversation
		if env.Decode(&p) == nil && p.ConversationID == c.room {
			c.room = ""
		}
	case wire.EventPromptAccepted:
		var p wire.PromptAccepted
		if env.Decode(&p) != nil {
			return
		}
		pp, ok := c.pending[env.Ref]
		delete(c.pending, env.Ref)
		if !ok {
			return
		}
		c.transcriptLocked(p.ConversationID).add(wire.Message{
			ID:             p.MessageID,
			ConversationID: p.ConversationID,
			Role:           "user",
			Content:        pp.text,
			Timestamp:      time.Now().UTC(),
		})
	case wire.EventNewMessage:
		var p wire.NewMessage
		if env.Decode(&p) == nil {
			c.transcriptLocked(p.ConversationID).add(p.Message)
		}
	case wire.EventGenerationChunk:
		var p wire.GenerationChunk
		if env.Decode(&p) == nil {
			c.transcriptLocked(p.ConversationID).provisional.WriteString(p.Text)
		}
	case wire.EventGenerationComplete:
		var p wire.GenerationComplete
		if env.Decode(&p) != nil {
			return
		}
		t := c.transcriptLocked(p.ConversationID)
		t.provisional.Reset()
		t.add(wire.Message{
			ID:              p.MessageID,
			ConversationID:  p.ConversationID,
			Role:            "assistant",
			Content:         p.Text,
			TokenCount:      p.Usage.CompletionTokens,
			TokensEstimated: p.Usage.Estimated,
			Model:           p.Model,
			Provider:        p.Provider,
			Timestamp:       time.Now().UTC(),
		})
	case wire.EventGenerationCancelled:
		var p wire.GenerationCancelled
		if env.Decode(&p) != nil {
			return
		}
		t := c.transcriptLocked(p.ConversationID)
		t.provisional.Reset()
		if p.MessageID != "" {
			t.add(wire.Message{
				ID:             p.MessageID,
				ConversationID: p.ConversationID,
				Role:           "assistant",
				Content:        p.PartialText,
				Timestamp:      time.Now().UTC(),
			})
		}
	case wire.EventGenerationError:
		var p wire.GenerationError
		if env.Decode(&p) != nil {
			return
		}
		t := c.transcriptLocked(p.ConversationID)
		t.provisional.Reset()
		if p.MessageID != "" {
			t.add(wire.Message{
				ID:             p.MessageID,
				ConversationID: p.ConversationID,
				Role:           "system",
				Content:        p.Message,
				Timestamp:      time.Now().UTC(),
			})
		}
	case wire.EventError:
		delete(c.pending, env.Ref)
	}
}

func (c *Client) emit(env wire.Envelope) {
	select {
	case c.events <- env:
	default:
		c.logger.Warn("event buffer full, dropping frame", zap.String("type", string(env.Type)))
	}
}
