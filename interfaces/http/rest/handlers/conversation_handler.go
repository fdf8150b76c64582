package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"m365rag-backend/application/ports"
	"m365rag-backend/domain/chat"
)

// defaultListLimit caps conversation listings when no limit is supplied.
const defaultListLimit = 20

// ConversationHandler handles conversation history endpoints.
type ConversationHandler struct {
	conversations ports.ConversationRepository
	logger        *zap.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(conversations ports.ConversationRepository, logger *zap.Logger) *ConversationHandler {
	return &ConversationHandler{
		conversations: conversations,
		logger:        logger,
	}
}

// ListConversationsResponse represents the listing response body.
type ListConversationsResponse struct {
	Conversations []chat.ConversationSummary `json:"conversations"`
}

// List handles GET /api/conversations/{userID}.
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		respondError(w, h.logger, http.StatusBadRequest, "User ID is required")
		return
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	// Listing fails open to an empty list inside the repository.
	summaries, err := h.conversations.ListConversations(r.Context(), userID, limit)
	if err != nil {
		h.logger.Error("Failed to list conversations",
			zap.String("userID", userID),
			zap.Error(err),
		)
		respondError(w, h.logger, http.StatusInternalServerError, "Failed to list conversations")
		return
	}

	respondJSON(w, h.logger, http.StatusOK, ListConversationsResponse{Conversations: summaries})
}

// Get handles GET /api/conversations/{userID}/{conversationID}.
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	conversationID := chi.URLParam(r, "conversationID")
	if userID == "" || conversationID == "" {
		respondError(w, h.logger, http.StatusBadRequest, "User ID and conversation ID are required")
		return
	}

	conversation, err := h.conversations.GetConversation(r.Context(), userID, conversationID)
	if err != nil {
		h.logger.Error("Failed to get conversation",
			zap.String("conversationID", conversationID),
			zap.String("userID", userID),
			zap.Error(err),
		)
		respondError(w, h.logger, http.StatusInternalServerError, "Failed to retrieve conversation")
		return
	}
	if conversation == nil {
		respondError(w, h.logger, http.StatusNotFound, "Conversation not found")
		return
	}

	respondJSON(w, h.logger, http.StatusOK, conversation)
}

// Shared response helpers.

func respondJSON(w http.ResponseWriter, logger *zap.Logger, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
	}
}

func respondError(w http.ResponseWriter, logger *zap.Logger, status int, message string) {
	respondJSON(w, logger, status, map[string]interface{}{
		"error":   true,
		"message": message,
		"code":    status,
	})
}
