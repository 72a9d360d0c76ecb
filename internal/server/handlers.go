package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-chat/internal/auth"
	"github.com/kubilitics/kubilitics-chat/internal/db"
	"github.com/kubilitics/kubilitics-chat/internal/llm/types"
	wire "github.com/kubilitics/kubilitics-chat/pkg/types"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// maxRequestBody caps REST request bodies.
const maxRequestBody = 1 << 20

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError maps err's kind to a status code and writes the error body.
func writeError(w http.ResponseWriter, err error) {
	kind := types.KindOf(err)
	respondJSON(w, kind.HTTPStatus(), wire.ErrorResponse{Error: err.Error(), Kind: kind})
}

// writeUnauthorized reports a missing or invalid credential.
func writeUnauthorized(w http.ResponseWriter, err error) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="kubilitics-chat"`)
	respondJSON(w, http.StatusUnauthorized, wire.ErrorResponse{Error: err.Error(), Kind: types.KindAuthorization})
}

// handleCreateConversation handles POST /conversations.
func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromContext(r.Context())

	var req wire.CreateConversationRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
			writeError(w, types.Errorf(types.KindValidation, "invalid request body: %v", err))
			return
		}
	}

	conv, err := s.coord.StartConversation(r.Context(), claims.UserID, req.Title, "", req.Provider, req.Model, req.Settings)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, toWireConversation(conv, nil))
}

// handleListConversations handles GET /conversations.
func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromContext(r.Context())

	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil {
		writeError(w, err)
		return
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, err)
		return
	}

	recs, err := s.store.ListConversations(r.Context(), claims.UserID, limit, offset)
	if err != nil {
		writeError(w, types.Wrap(types.KindPersistenceFailure, "", err))
		return
	}
	out := wire.ConversationList{Conversations: make([]wire.Conversation, 0, len(recs)), Limit: limit, Offset: offset}
	for _, rec := range recs {
		out.Conversations = append(out.Conversations, toWireConversation(rec, nil))
	}
	respondJSON(w, http.StatusOK, out)
}

// handleGetConversation handles GET /conversations/{id}, returning the full
// ordered history.
func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.ownedConversation(w, r)
	if !ok {
		return
	}
	msgs, err := s.store.GetMessages(r.Context(), conv.ID)
	if err != nil {
		writeError(w, types.Wrap(types.KindPersistenceFailure, "", err))
		return
	}
	respondJSON(w, http.StatusOK, toWireConversation(conv, msgs))
}

// handleDeleteConversation handles DELETE /conversations/{id}.
func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.ownedConversation(w, r)
	if !ok {
		return
	}
	if err := s.coord.Delete(r.Context(), conv.UserID, conv.ID); err != nil {
		writeError(w, err)
		return
	}
	_ = s.audit.LogConversationDeleted(r.Context(), conv.UserID, conv.ID)
	w.WriteHeader(http.StatusNoContent)
}

// handleClearConversation handles DELETE /conversations/{id}/messages.
func (s *Server) handleClearConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.ownedConversation(w, r)
	if !ok {
		return
	}
	if err := s.coord.Clear(r.Context(), conv.UserID, conv.ID); err != nil {
		writeError(w, err)
		return
	}
	_ = s.audit.LogConversationCleared(r.Context(), conv.UserID, conv.ID)
	w.WriteHeader(http.StatusNoContent)
}

// handleConversationStats handles GET /conversations/{id}/stats.
func (s *Server) handleConversationStats(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.ownedConversation(w, r)
	if !ok {
		return
	}
	st, err := s.store.Stats(r.Context(), conv.ID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, wire.ConversationStats{
		Statistics:              wire.Statistics{MessageCount: st.MessageCount, TotalTokens: st.TotalTokens},
		MessagesByRole:          st.MessagesByRole,
		TokensByRole:            st.TokensByRole,
		AverageTokensPerMessage: st.AverageTokensPerMessage,
	})
}

// handleUsage handles GET /usage for the caller.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromContext(r.Context())
	u, err := s.store.UserUsage(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, types.Wrap(types.KindPersistenceFailure, "", err))
		return
	}
	respondJSON(w, http.StatusOK, u)
}

// handleProviderStatus handles GET /ai/status.
func (s *Server) handleProviderStatus(w http.ResponseWriter, r *http.Request) {
	statuses := s.bridge.Statuses()
	out := wire.ProviderStatusList{Providers: make([]wire.ProviderStatus, 0, len(statuses))}
	for _, st := range statuses {
		out.Providers = append(out.Providers, wire.ProviderStatus{
			Provider:  st.Provider,
			Status:    st.Status,
			Message:   st.Message,
			Streaming: st.Streaming,
			Models:    st.Models,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

// handleProviderModels handles GET /ai/models/{provider}.
func (s *Server) handleProviderModels(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["provider"]
	known := false
	for _, p := range s.bridge.Providers() {
		if p == id {
			known = true
			break
		}
	}
	if !known {
		writeError(w, types.Errorf(types.KindNotFound, "provider %s is not configured", id))
		return
	}
	respondJSON(w, http.StatusOK, wire.ModelList{Provider: id, Models: s.bridge.Models(id)})
}

// ownedConversation loads the {id} conversation and checks the caller owns
// it, writing the error response when it does not.
func (s *Server) ownedConversation(w http.ResponseWriter, r *http.Request) (*db.ConversationRecord, bool) {
	claims := auth.ClaimsFromContext(r.Context())
	conv, err := s.gateway.authorize(r.Context(), claims.UserID, mux.Vars(r)["id"])
	if err != nil {
		if types.IsKind(err, types.KindAuthorization) {
			s.logger.Info("conversation access denied",
				zap.String("user_id", claims.UserID),
				zap.String("conversation_id", mux.Vars(r)["id"]),
			)
		}
		writeError(w, err)
		return nil, false
	}
	return conv, true
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, types.Errorf(types.KindNotFound, "%v", err))
		return
	}
	writeError(w, types.Wrap(types.KindPersistenceFailure, "", err))
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, types.Errorf(types.KindValidation, "%s must be a non-negative integer", key)
	}
	return n, nil
}

func toWireConversation(rec *db.ConversationRecord, msgs []*db.MessageRecord) wire.Conversation {
	out := wire.Conversation{
		ID:        rec.ID,
		UserID:    rec.UserID,
		Title:     rec.Title,
		Provider:  rec.Provider,
		Model:     rec.Model,
		Settings:  rec.Settings,
		Stats:     wire.Statistics{MessageCount: rec.Stats.MessageCount, TotalTokens: rec.Stats.TotalTokens},
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	for _, m := range msgs {
		out.Messages = append(out.Messages, toWireMessage(m))
	}
	return out
}
