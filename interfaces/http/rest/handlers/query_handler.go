package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"m365rag-backend/application/services"
	"m365rag-backend/domain/chat"
	apperrors "m365rag-backend/pkg/errors"
	"m365rag-backend/pkg/utils"
)

// QueryExecutor runs one query turn through the orchestration pipeline.
type QueryExecutor interface {
	Execute(ctx context.Context, in services.QueryInput) (*services.QueryResult, error)
}

// QueryHandler handles the RAG query endpoint.
type QueryHandler struct {
	service QueryExecutor
	logger  *zap.Logger
}

// NewQueryHandler creates a new query handler.
func NewQueryHandler(service QueryExecutor, logger *zap.Logger) *QueryHandler {
	return &QueryHandler{
		service: service,
		logger:  logger,
	}
}

// QueryRequest represents the request body for a query turn.
type QueryRequest struct {
	Query          string `json:"query" validate:"required"`
	ConversationID string `json:"conversationId,omitempty"`
	UserID         string `json:"userId" validate:"required"`
	TopK           int    `json:"topK,omitempty" validate:"omitempty,min=1,max=10"`
	SiteFilter     string `json:"siteFilter,omitempty"`
}

// QueryResponse represents the response for a query turn.
type QueryResponse struct {
	Answer         string          `json:"answer"`
	Citations      []chat.Citation `json:"citations"`
	ConversationID string          `json:"conversationId"`
}

// Query handles POST /api/query.
func (h *QueryHandler) Query(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, h.logger, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	if err := utils.ValidateStruct(req); err != nil {
		respondError(w, h.logger, http.StatusBadRequest, "Validation error: "+err.Error())
		return
	}

	result, err := h.service.Execute(r.Context(), services.QueryInput{
		UserID:         req.UserID,
		Query:          req.Query,
		ConversationID: req.ConversationID,
		SiteFilter:     req.SiteFilter,
		TopK:           req.TopK,
	})
	if err != nil {
		h.logger.Error("Query processing failed",
			zap.String("userID", req.UserID),
			zap.Error(err),
		)
		// The endpoint exposes two error classes: authentication failures
		// map to 401, everything else to 500 with the error message.
		if apperrors.IsUnauthorized(err) {
			respondError(w, h.logger, http.StatusUnauthorized, "Authentication failed")
			return
		}
		respondError(w, h.logger, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, h.logger, http.StatusOK, QueryResponse{
		Answer:         result.Answer,
		Citations:      result.Citations,
		ConversationID: result.ConversationID,
	})
}
