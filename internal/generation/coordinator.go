// Package generation drives generation attempts: one user prompt in, one
// assistant (or system) message out, with at most one attempt per
// conversation at a time.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-chat/internal/audit"
	"github.com/kubilitics/kubilitics-chat/internal/db"
	"github.com/kubilitics/kubilitics-chat/internal/llm/types"
	"github.com/kubilitics/kubilitics-chat/internal/metrics"
)

// Provider is the slice of the provider bridge the coordinator needs.
type Provider interface {
	SupportsStreaming(providerID string) bool
	DefaultModel(providerID string) string
	Complete(ctx context.Context, providerID, modelID string, messages []types.Message, sampling types.SamplingConfig) (*types.Result, error)
	CompleteStreaming(ctx context.Context, providerID, modelID string, messages []types.Message, sampling types.SamplingConfig) (<-chan types.Chunk, error)
}

// Accountant receives token usage after every persisted assistant message.
type Accountant interface {
	RecordUsage(ctx context.Context, rec db.UsageRecord) error
}

// Config tunes the coordinator.
type Config struct {
	ContextWindow   int
	IdleTimeout     time.Duration
	MaxPromptChars  int
	DefaultProvider string
	DefaultModel    string
	// PersistTimeout bounds the final writes, which run detached from the
	// generation context so a cancelled call can still be recorded.
	PersistTimeout time.Duration
}

// DefaultConfig returns the stock coordinator settings.
func DefaultConfig() Config {
	return Config{
		ContextWindow:   20,
		IdleTimeout:     60 * time.Second,
		MaxPromptChars:  32000,
		DefaultProvider: "openai",
		PersistTimeout:  10 * time.Second,
	}
}

const titleRunes = 50

// Prompt is one inbound user prompt for an existing conversation.
type Prompt struct {
	UserID         string
	ConversationID string
	Text           string
	ProviderID     string
	ModelID        string
	Sampling       types.SamplingConfig
	Stream         bool

	// Origin and Ref identify the submitting session and its request; they
	// are echoed on the UserMessage event.
	Origin string
	Ref    string
}

// Accepted describes a prompt that passed the single-flight gate.
type Accepted struct {
	ConversationID string
	MessageID      string
	Provider       string
	Model          string
	Streaming      bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(l *zap.Logger) Option { return func(c *Coordinator) { c.logger = l } }

func WithAudit(a audit.Logger) Option { return func(c *Coordinator) { c.audit = a } }

func WithAccountant(a Accountant) Option { return func(c *Coordinator) { c.accountant = a } }

func WithPublisher(p Publisher) Option { return func(c *Coordinator) { c.publisher = p } }

// flight is the in-memory record of one running generation.
type flight struct {
	convID   string
	ctx      context.Context
	cancel   context.CancelFunc
	started  time.Time
	provider string
	// generating is false for the short exclusive holds taken by Clear and
	// Delete.
	generating bool

	mu        sync.Mutex
	state     State
	cancelled bool
	released  bool
}

func (f *flight) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *flight) getState() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *flight) isCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

// Coordinator owns every conversation-scoped mutation made by a generation.
type Coordinator struct {
	store      db.ConversationStore
	provider   Provider
	accountant Accountant
	publisher  Publisher
	audit      audit.Logger
	logger     *zap.Logger
	cfg        Config

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	flights map[string]*flight
	closed  bool
}

// New creates a Coordinator.
func New(store db.ConversationStore, provider Provider, cfg Config, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = def.ContextWindow
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.MaxPromptChars <= 0 {
		cfg.MaxPromptChars = def.MaxPromptChars
	}
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = def.DefaultProvider
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = def.PersistTimeout
	}

	ctx, stop := context.WithCancel(context.Background())
	c := &Coordinator{
		store:    store,
		provider: provider,
		cfg:      cfg,
		baseCtx:  ctx,
		stop:     stop,
		flights:  make(map[string]*flight),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.audit == nil {
		c.audit = audit.NewNopLogger()
	}
	if c.publisher == nil {
		c.publisher = nopPublisher{}
	}
	return c
}

// SetPublisher replaces the event sink. It must be called before the first
// Submit.
func (c *Coordinator) SetPublisher(p Publisher) {
	c.publisher = p
}

// StartConversation creates a conversation for userID. The title defaults to
// the first 50 runes of firstPrompt.
func (c *Coordinator) StartConversation(ctx context.Context, userID, title, firstPrompt, providerID, modelID string, settings types.SamplingConfig) (*db.ConversationRecord, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if title == "" {
		title = truncateRunes(strings.TrimSpace(firstPrompt), titleRunes)
	}
	if title == "" {
		title = "New conversation"
	}
	if providerID == "" {
		providerID = c.cfg.DefaultProvider
	}
	if modelID == "" {
		modelID = c.defaultModel(providerID)
	}

	rec := &db.ConversationRecord{
		UserID:   userID,
		Title:    title,
		Provider: providerID,
		Model:    modelID,
		Settings: settings,
	}
	if err := c.store.CreateConversation(ctx, rec); err != nil {
		return nil, types.Wrap(types.KindPersistenceFailure, "", err)
	}
	return rec, nil
}

// Submit validates p, takes the conversation's single-flight slot, persists
// the user message and starts the provider call in the background. A
// conversation that already has a generation running yields
// GenerationInProgress.
func (c *Coordinator) Submit(ctx context.Context, p Prompt) (*Accepted, error) {
	acc, err := c.submit(ctx, p)
	if err != nil {
		kind := types.KindOf(err)
		metrics.PromptsRejectedTotal.WithLabelValues(string(kind)).Inc()
		_ = c.audit.LogPromptRejected(ctx, p.UserID, p.ConversationID, err)
		c.logger.Debug("prompt rejected",
			zap.String("conversation_id", p.ConversationID),
			zap.String("user_id", p.UserID),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	}
	return acc, err
}

// CheckPrompt applies the validation Submit performs before touching any
// state. Callers use it to reject a prompt before creating a conversation
// for it.
func (c *Coordinator) CheckPrompt(text string, sampling types.SamplingConfig) error {
	if strings.TrimSpace(text) == "" {
		return types.Errorf(types.KindValidation, "prompt text is required")
	}
	if n := utf8.RuneCountInString(text); n > c.cfg.MaxPromptChars {
		return types.Errorf(types.KindValidation, "prompt is %d characters, limit is %d", n, c.cfg.MaxPromptChars)
	}
	return sampling.Validate()
}

func (c *Coordinator) submit(ctx context.Context, p Prompt) (*Accepted, error) {
	if err := c.CheckPrompt(p.Text, p.Sampling); err != nil {
		return nil, err
	}
	if p.ConversationID == "" {
		return nil, types.Errorf(types.KindValidation, "conversation id is required")
	}

	conv, err := c.store.GetConversation(ctx, p.ConversationID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, types.Errorf(types.KindNotFound, "conversation %s not found", p.ConversationID)
	}
	if err != nil {
		return nil, types.Wrap(types.KindPersistenceFailure, "", err)
	}
	if conv.UserID != p.UserID {
		return nil, types.Errorf(types.KindAuthorization, "conversation %s belongs to another user", p.ConversationID)
	}

	providerID := p.ProviderID
	if providerID == "" {
		providerID = conv.Provider
	}
	if providerID == "" {
		providerID = c.cfg.DefaultProvider
	}
	modelID := p.ModelID
	if modelID == "" && providerID == conv.Provider {
		modelID = conv.Model
	}
	if modelID == "" {
		modelID = c.defaultModel(providerID)
	}
	streaming := p.Stream && c.provider.SupportsStreaming(providerID)

	f, err := c.acquire(conv.ID, providerID)
	if err != nil {
		return nil, err
	}

	userMsg := &db.MessageRecord{
		ConversationID:  conv.ID,
		Role:            types.RoleUser,
		Content:         p.Text,
		TokenCount:      types.EstimateTokens(p.Text),
		TokensEstimated: true,
		Model:           modelID,
		Provider:        providerID,
	}
	if _, err := c.store.AppendMessage(ctx, userMsg); err != nil {
		c.release(f)
		c.wg.Done()
		if errors.Is(err, db.ErrNotFound) {
			return nil, types.Errorf(types.KindNotFound, "conversation %s not found", conv.ID)
		}
		return nil, types.Wrap(types.KindPersistenceFailure, "", err)
	}

	c.publisher.Publish(Event{
		Kind:           EventUserMessage,
		ConversationID: conv.ID,
		Origin:         p.Origin,
		Ref:            p.Ref,
		Message:        userMsg,
	})
	_ = c.audit.LogPromptAccepted(ctx, p.UserID, conv.ID, providerID, modelID)

	req := &request{
		userID:    p.UserID,
		convID:    conv.ID,
		provider:  providerID,
		model:     modelID,
		sampling:  p.Sampling.Merge(conv.Settings).Resolved(),
		streaming: streaming,
	}
	go c.run(f, req)

	return &Accepted{
		ConversationID: conv.ID,
		MessageID:      userMsg.ID,
		Provider:       providerID,
		Model:          modelID,
		Streaming:      streaming,
	}, nil
}

// Cancel stops the running generation for convID. It reports false when
// nothing is running or the result is already being persisted.
func (c *Coordinator) Cancel(convID string) bool {
	c.mu.Lock()
	f, ok := c.flights[convID]
	c.mu.Unlock()
	if !ok {
		return false
	}

	f.mu.Lock()
	if f.state == StatePersisting || f.state == StateIdle || f.cancelled {
		f.mu.Unlock()
		return false
	}
	f.cancelled = true
	f.mu.Unlock()

	f.cancel()
	return true
}

// Clear empties convID's message log while holding its single-flight slot,
// so it cannot interleave with a generation. A running generation yields
// GenerationInProgress.
func (c *Coordinator) Clear(ctx context.Context, userID, convID string) error {
	return c.exclusive(ctx, userID, convID, func(ctx context.Context) error {
		return c.store.Clear(ctx, convID)
	})
}

// Delete soft-deletes convID under the same rules as Clear.
func (c *Coordinator) Delete(ctx context.Context, userID, convID string) error {
	return c.exclusive(ctx, userID, convID, func(ctx context.Context) error {
		return c.store.SoftDelete(ctx, convID)
	})
}

func (c *Coordinator) exclusive(ctx context.Context, userID, convID string, op func(context.Context) error) error {
	if convID == "" {
		return types.Errorf(types.KindValidation, "conversation id is required")
	}
	holdCtx, cancel := context.WithCancel(c.baseCtx)
	f := &flight{
		convID:  convID,
		ctx:     holdCtx,
		cancel:  cancel,
		started: time.Now(),
		state:   StatePersisting,
	}
	if err := c.claim(f); err != nil {
		cancel()
		return err
	}
	defer func() {
		c.release(f)
		c.wg.Done()
	}()

	conv, err := c.store.GetConversation(ctx, convID)
	if errors.Is(err, db.ErrNotFound) {
		return types.Errorf(types.KindNotFound, "conversation %s not found", convID)
	}
	if err != nil {
		return types.Wrap(types.KindPersistenceFailure, "", err)
	}
	if conv.UserID != userID {
		return types.Errorf(types.KindAuthorization, "conversation %s belongs to another user", convID)
	}

	if err := op(ctx); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return types.Errorf(types.KindNotFound, "conversation %s not found", convID)
		}
		return types.Wrap(types.KindPersistenceFailure, "", err)
	}
	return nil
}

// State returns the generation state of convID.
func (c *Coordinator) State(convID string) State {
	c.mu.Lock()
	f, ok := c.flights[convID]
	c.mu.Unlock()
	if !ok {
		return StateIdle
	}
	return f.getState()
}

// Active returns the number of running generations.
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.flights)
}

// Shutdown stops accepting prompts and waits for running generations. When
// ctx expires first the remaining generations are cancelled and their
// partial output persisted.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.stop()
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		ids := make([]string, 0, len(c.flights))
		for id := range c.flights {
			ids = append(ids, id)
		}
		c.mu.Unlock()
		for _, id := range ids {
			c.Cancel(id)
		}
		c.stop()
		<-done
		return ctx.Err()
	}
}

func (c *Coordinator) acquire(convID, providerID string) (*flight, error) {
	ctx, cancel := context.WithCancel(c.baseCtx)
	f := &flight{
		convID:     convID,
		ctx:        ctx,
		cancel:     cancel,
		started:    time.Now(),
		provider:   providerID,
		generating: true,
		state:      StateAwaitingContext,
	}
	if err := c.claim(f); err != nil {
		cancel()
		return nil, err
	}
	return f, nil
}

// claim installs f as the holder of its conversation's slot.
func (c *Coordinator) claim(f *flight) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return types.Errorf(types.KindProviderUnavailable, "server is shutting down")
	}
	if cur, busy := c.flights[f.convID]; busy {
		if cur.generating {
			return types.Errorf(types.KindGenerationInProgress, "a generation is already running for conversation %s", f.convID)
		}
		return types.Errorf(types.KindGenerationInProgress, "conversation %s is being modified", f.convID)
	}

	c.flights[f.convID] = f
	c.wg.Add(1)
	if f.generating {
		metrics.GenerationsInFlight.Inc()
	}
	return nil
}

// release returns the conversation to Idle. The terminal events are
// published before the slot is freed, so every event of the next prompt
// follows them.
func (c *Coordinator) release(f *flight, terminal ...Event) {
	f.mu.Lock()
	if f.released {
		f.mu.Unlock()
		return
	}
	f.released = true
	f.mu.Unlock()

	c.mu.Lock()
	for _, e := range terminal {
		c.publisher.Publish(e)
	}
	if c.flights[f.convID] == f {
		delete(c.flights, f.convID)
	}
	c.mu.Unlock()

	f.setState(StateIdle)
	f.cancel()
	if f.generating {
		metrics.GenerationsInFlight.Dec()
	}
}

func (c *Coordinator) defaultModel(providerID string) string {
	if m := c.provider.DefaultModel(providerID); m != "" {
		return m
	}
	return c.cfg.DefaultModel
}

type request struct {
	userID    string
	convID    string
	provider  string
	model     string
	sampling  types.SamplingConfig
	streaming bool
	context   []types.Message
}

// outcome is what the provider phase produced.
type outcome struct {
	content string
	// delivered is the text already fanned out to the room.
	delivered string
	usage     *types.TokenUsage
	model     string
	err       error
}

func (c *Coordinator) run(f *flight, req *request) {
	defer c.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("generation panicked",
				zap.String("conversation_id", req.convID),
				zap.Any("panic", r),
			)
			c.finish(f, req, outcome{err: types.Errorf(types.KindProviderUnavailable, "internal error")})
		}
	}()

	history, err := c.store.RecentContext(f.ctx, req.convID, c.cfg.ContextWindow)
	if err != nil {
		c.finish(f, req, outcome{err: types.Wrap(types.KindPersistenceFailure, "", err)})
		return
	}
	req.context = providerContext(history)

	if err := c.enter(f, StateCalling); err != nil {
		c.finish(f, req, abandoned(err))
		return
	}
	c.publish(Event{Kind: EventTyping, ConversationID: req.convID, Typing: true})

	var out outcome
	if req.streaming {
		out = c.stream(f, req)
	} else {
		out = c.batch(f, req)
	}
	c.finish(f, req, out)
}

var errCancelled = errors.New("generation cancelled")

// enter moves f to s. It fails with errCancelled once f is cancelled and
// refuses moves the transition table does not allow.
func (c *Coordinator) enter(f *flight, s State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelled {
		return errCancelled
	}
	if !CanTransition(f.state, s) {
		c.logger.Error("illegal generation state change",
			zap.String("conversation_id", f.convID),
			zap.Stringer("from", f.state),
			zap.Stringer("to", s),
		)
		return types.Errorf(types.KindProviderUnavailable, "internal error: generation state %s cannot move to %s", f.state, s)
	}
	f.state = s
	return nil
}

// abandoned is the outcome of a generation that could not enter its next
// state. Cancellation is recorded on the flight itself.
func abandoned(err error) outcome {
	if errors.Is(err, errCancelled) {
		return outcome{}
	}
	return outcome{err: err}
}

func (c *Coordinator) idleError(provider string) error {
	return &types.Error{
		Kind:     types.KindProviderUnavailable,
		Provider: provider,
		Message:  fmt.Sprintf("no provider activity for %s", c.cfg.IdleTimeout),
	}
}

func (c *Coordinator) batch(f *flight, req *request) outcome {
	callCtx, cancelCall := context.WithCancel(f.ctx)
	defer cancelCall()

	var (
		timedMu  sync.Mutex
		timedOut bool
	)
	watchdog := time.AfterFunc(c.cfg.IdleTimeout, func() {
		timedMu.Lock()
		timedOut = true
		timedMu.Unlock()
		cancelCall()
	})
	defer watchdog.Stop()

	res, err := c.provider.Complete(callCtx, req.provider, req.model, req.context, req.sampling)

	timedMu.Lock()
	expired := timedOut
	timedMu.Unlock()
	if expired {
		return outcome{err: c.idleError(req.provider)}
	}
	if err != nil {
		return outcome{err: err}
	}
	usage := res.Usage
	return outcome{content: res.Content, usage: &usage, model: res.Model}
}

func (c *Coordinator) stream(f *flight, req *request) outcome {
	callCtx, cancelCall := context.WithCancel(f.ctx)
	defer cancelCall()

	chunks, err := c.provider.CompleteStreaming(callCtx, req.provider, req.model, req.context, req.sampling)
	if err != nil {
		return outcome{err: err}
	}
	if err := c.enter(f, StateStreaming); err != nil {
		return abandoned(err)
	}

	var (
		sb    strings.Builder
		out   outcome
		index int
	)
	idle := time.NewTimer(c.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				out.content, out.delivered = sb.String(), sb.String()
				if err := f.ctx.Err(); err != nil {
					out.err = err
				} else {
					out.err = types.Errorf(types.KindProviderUnavailable, "stream ended without completion")
				}
				return out
			}
			if f.isCancelled() {
				out.content, out.delivered = sb.String(), sb.String()
				return out
			}
			resetTimer(idle, c.cfg.IdleTimeout)

			switch {
			case chunk.Err != nil:
				out.content, out.delivered = sb.String(), sb.String()
				out.err = chunk.Err
				return out
			case chunk.Done:
				out.content, out.delivered = sb.String(), sb.String()
				out.usage = chunk.Usage
				out.model = chunk.Model
				return out
			case chunk.Text != "":
				if err := c.enter(f, StateAccumulating); err != nil {
					out = abandoned(err)
					out.content, out.delivered = sb.String(), sb.String()
					return out
				}
				c.publish(Event{Kind: EventChunk, ConversationID: req.convID, Index: index, Text: chunk.Text})
				sb.WriteString(chunk.Text)
				index++
				// A cancel landing here is seen on the next receive.
				_ = c.enter(f, StateStreaming)
			}

		case <-idle.C:
			cancelCall()
			out.content, out.delivered = sb.String(), sb.String()
			out.err = c.idleError(req.provider)
			return out
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// finish persists the outcome, then publishes the terminal events and
// returns the conversation to Idle.
func (c *Coordinator) finish(f *flight, req *request, out outcome) {
	f.mu.Lock()
	if !CanTransition(f.state, StatePersisting) {
		c.logger.Error("illegal generation state change",
			zap.String("conversation_id", f.convID),
			zap.Stringer("from", f.state),
			zap.Stringer("to", StatePersisting),
		)
	}
	f.state = StatePersisting
	cancelled := f.cancelled
	f.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PersistTimeout)
	defer cancel()

	streamingLabel := strconv.FormatBool(req.streaming)
	defer func() {
		metrics.GenerationDuration.WithLabelValues(req.provider, streamingLabel).Observe(time.Since(f.started).Seconds())
	}()

	switch {
	case cancelled:
		c.finishCancelled(ctx, f, req, out)
	case out.err != nil:
		c.finishFailed(ctx, f, req, out)
	default:
		c.finishCompleted(ctx, f, req, out)
	}
}

func (c *Coordinator) finishCompleted(ctx context.Context, f *flight, req *request, out outcome) {
	model := out.model
	if model == "" {
		model = req.model
	}

	var usage types.TokenUsage
	if out.usage != nil && (out.usage.TotalTokens > 0 || out.usage.CompletionTokens > 0) {
		usage = *out.usage
	} else {
		usage = types.EstimateUsage(req.context, out.content)
	}
	tokens, estimated := usage.CompletionTokens, usage.Estimated
	if tokens == 0 && out.content != "" {
		tokens, estimated = types.EstimateTokens(out.content), true
	}

	msg := &db.MessageRecord{
		ConversationID:  req.convID,
		Role:            types.RoleAssistant,
		Content:         out.content,
		TokenCount:      tokens,
		TokensEstimated: estimated,
		Model:           model,
		Provider:        req.provider,
	}
	if _, err := c.store.AppendMessage(ctx, msg); err != nil {
		// The reply is not acknowledged, but it must not vanish.
		c.logger.Error("failed to persist assistant message",
			zap.String("conversation_id", req.convID),
			zap.String("provider", req.provider),
			zap.String("model", model),
			zap.String("content", out.content),
			zap.Error(err),
		)
		c.failPersist(ctx, f, req, err)
		return
	}

	if c.accountant != nil {
		rec := db.UsageRecord{
			UserID:         req.userID,
			ConversationID: req.convID,
			Provider:       req.provider,
			Model:          model,
			Usage:          usage,
		}
		if err := c.accountant.RecordUsage(ctx, rec); err != nil {
			c.logger.Warn("failed to record token usage",
				zap.String("conversation_id", req.convID),
				zap.Error(err),
			)
		}
	}

	metrics.GenerationsTotal.WithLabelValues(req.provider, "completed").Inc()
	_ = c.audit.LogGenerationCompleted(ctx, req.convID, req.provider, model, usage.TotalTokens, time.Since(f.started))
	c.logger.Info("generation completed",
		zap.String("conversation_id", req.convID),
		zap.String("provider", req.provider),
		zap.String("model", model),
		zap.Bool("streaming", req.streaming),
		zap.Int("total_tokens", usage.TotalTokens),
		zap.Duration("duration", time.Since(f.started)),
	)

	c.release(f,
		typingOff(req.convID),
		Event{
			Kind:           EventComplete,
			ConversationID: req.convID,
			Text:           out.content,
			Message:        msg,
			Usage:          usage,
		},
	)
}

// failPersist reports a final append that did not land as a
// PersistenceFailure.
func (c *Coordinator) failPersist(ctx context.Context, f *flight, req *request, err error) {
	metrics.GenerationsTotal.WithLabelValues(req.provider, "failed").Inc()
	_ = c.audit.LogGenerationFailed(ctx, req.convID, req.provider, err)
	c.release(f,
		typingOff(req.convID),
		Event{
			Kind:           EventFailed,
			ConversationID: req.convID,
			ErrorKind:      types.KindPersistenceFailure,
			Error:          "the response could not be saved",
		},
	)
}

func typingOff(convID string) Event {
	return Event{Kind: EventTyping, ConversationID: convID, Typing: false}
}

func (c *Coordinator) finishFailed(ctx context.Context, f *flight, req *request, out outcome) {
	kind := types.KindOf(out.err)
	if errors.Is(out.err, context.Canceled) || errors.Is(out.err, context.DeadlineExceeded) {
		kind = types.KindProviderUnavailable
	}

	if out.delivered != "" {
		c.logger.Warn("discarding partial response after provider failure",
			zap.String("conversation_id", req.convID),
			zap.String("content", out.delivered),
		)
	}

	sys := &db.MessageRecord{
		ConversationID: req.convID,
		Role:           types.RoleSystem,
		Content:        fmt.Sprintf("Generation failed (%s): %s", kind, out.err.Error()),
		Model:          req.model,
		Provider:       req.provider,
	}
	if _, err := c.store.AppendMessage(ctx, sys); err != nil {
		c.logger.Error("failed to persist failure record",
			zap.String("conversation_id", req.convID),
			zap.Error(err),
		)
		sys = nil
	}

	metrics.GenerationsTotal.WithLabelValues(req.provider, "failed").Inc()
	_ = c.audit.LogGenerationFailed(ctx, req.convID, req.provider, out.err)
	c.logger.Warn("generation failed",
		zap.String("conversation_id", req.convID),
		zap.String("provider", req.provider),
		zap.String("kind", string(kind)),
		zap.Error(out.err),
	)

	c.release(f,
		typingOff(req.convID),
		Event{
			Kind:           EventFailed,
			ConversationID: req.convID,
			Message:        sys,
			ErrorKind:      kind,
			Error:          out.err.Error(),
		},
	)
}

func (c *Coordinator) finishCancelled(ctx context.Context, f *flight, req *request, out outcome) {
	var saved *db.MessageRecord
	if out.delivered != "" {
		msg := &db.MessageRecord{
			ConversationID:  req.convID,
			Role:            types.RoleAssistant,
			Content:         out.delivered,
			TokenCount:      types.EstimateTokens(out.delivered),
			TokensEstimated: true,
			Model:           req.model,
			Provider:        req.provider,
		}
		if _, err := c.store.AppendMessage(ctx, msg); err != nil {
			c.logger.Error("failed to persist partial response",
				zap.String("conversation_id", req.convID),
				zap.String("content", out.delivered),
				zap.Error(err),
			)
			c.failPersist(ctx, f, req, err)
			return
		}
		saved = msg
	}

	metrics.GenerationsTotal.WithLabelValues(req.provider, "cancelled").Inc()
	_ = c.audit.LogGenerationCancelled(ctx, req.convID, saved != nil)
	c.logger.Info("generation cancelled",
		zap.String("conversation_id", req.convID),
		zap.Int("partial_bytes", len(out.delivered)),
	)

	c.release(f,
		typingOff(req.convID),
		Event{
			Kind:           EventCancelled,
			ConversationID: req.convID,
			Text:           out.delivered,
			Message:        saved,
		},
	)
}

func (c *Coordinator) publish(e Event) {
	c.publisher.Publish(e)
}

// providerContext converts stored history into provider messages. Failure
// records are system rows written by this package and are not replayed.
func providerContext(history []*db.MessageRecord) []types.Message {
	out := make([]types.Message, 0, len(history))
	for _, m := range history {
		if m.Role == types.RoleSystem {
			continue
		}
		out = append(out, types.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
