package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-chat/internal/llm/types"
	wire "github.com/kubilitics/kubilitics-chat/pkg/types"
)

// transcript is the client's local view of one conversation.
type transcript struct {
	messages    []wire.Message
	index       map[string]int
	provisional strings.Builder
}

func newTranscript() *transcript {
	return &transcript{index: make(map[string]int)}
}

// add appends m unless a message with the same id is already present.
func (t *transcript) add(m wire.Message) {
	if m.ID != "" {
		if _, ok := t.index[m.ID]; ok {
			return
		}
		t.index[m.ID] = len(t.messages)
	}
	t.messages = append(t.messages, m)
}

// merge makes the persisted history authoritative. Local messages the
// server does not know yet are kept after it. Provisional text is dropped
// once the history shows the last prompt was answered.
func (t *transcript) merge(history []wire.Message) {
	merged := newTranscript()
	for _, m := range history {
		merged.add(m)
	}
	for _, m := range t.messages {
		merged.add(m)
	}
	t.messages = merged.messages
	t.index = merged.index

	if n := len(history); n > 0 && history[n-1].Role != "user" {
		t.provisional.Reset()
	}
}

func (t *transcript) snapshot() []wire.Message {
	out := make([]wire.Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// History fetches a conversation with its messages from the REST API.
// Server errors and throttling are retried a few times; client errors are
// returned at once.
func (c *Client) History(ctx context.Context, convID string) (*wire.Conversation, error) {
	endpoint := c.baseURL + "/api/v1/conversations/" + url.PathEscape(convID)
	op := func() (*wire.Conversation, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch history: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			var body wire.ErrorResponse
			_ = json.NewDecoder(resp.Body).Decode(&body)
			kind := body.Kind
			if kind == "" {
				kind = types.KindPersistenceFailure
			}
			herr := types.Errorf(kind, "fetch history: %s: %s", resp.Status, body.Error)
			if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return nil, backoff.Permanent(herr)
			}
			return nil, herr
		}

		var conv wire.Conversation
		if err := json.NewDecoder(resp.Body).Decode(&conv); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("decode history: %w", err))
		}
		return &conv, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(3))
}

// reconcile refreshes every tracked conversation from the REST history so
// replies that completed while disconnected show up exactly once.
func (c *Client) reconcile(ctx context.Context) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.convs))
	for id := range c.convs {
		ids = append(ids, id)
	}
	if c.room != "" {
		if _, ok := c.convs[c.room]; !ok {
			ids = append(ids, c.room)
		}
	}
	c.mu.Unlock()

	for _, id := range ids {
		conv, err := c.History(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("history reconcile failed", zap.String("conversation_id", id), zap.Error(err))
			continue
		}
		c.mu.Lock()
		c.transcriptLocked(id).merge(conv.Messages)
		c.mu.Unlock()
	}
}
