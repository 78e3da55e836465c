// ABOUTME: HTTP API handlers for chat turns, session listing, and usage.
// ABOUTME: Maps session registry errors onto HTTP status codes.

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley-gateway/internal/agent"
	"github.com/parleyhq/parley-gateway/internal/session"
	"github.com/parleyhq/parley-gateway/internal/store"
)

// ChatRequest is the JSON request body for POST /api/chat.
type ChatRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

// ChatResponse is the JSON response for a completed turn. The session_id
// echoes an existing session or carries the freshly allocated one.
type ChatResponse struct {
	SessionID    string      `json:"session_id"`
	Response     string      `json:"response"`
	StopReason   string      `json:"stop_reason,omitempty"`
	TurnCount    int         `json:"turn_count"`
	Usage        agent.Usage `json:"usage"`
	CostUSD      float64     `json:"cost_usd"`
	TotalCostUSD float64     `json:"total_cost_usd"`
}

// ListSessionsResponse is the JSON response for GET /api/sessions.
type ListSessionsResponse struct {
	Sessions []session.Summary `json:"sessions"`
	Count    int               `json:"count"`
}

// handleChat handles POST /api/chat requests. One request runs exactly
// one agent turn on the resolved session.
func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	req, err := parseChatRequest(r.Body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	g.executeTurn(w, r, req.SessionID, agent.TurnRequest{Prompt: req.Message})
}

// handleQuery handles POST /api/query multipart requests: a userInput
// field plus zero or more uploads under "files". Uploaded files become
// attachments on the turn.
func (g *Gateway) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	userInput := r.FormValue("userInput")
	if userInput == "" {
		g.sendJSONError(w, http.StatusBadRequest, "userInput is required")
		return
	}

	var attachments []agent.Attachment
	if r.MultipartForm != nil {
		for _, fh := range r.MultipartForm.File["files"] {
			att, err := readUpload(fh)
			if err != nil {
				g.sendJSONError(w, http.StatusBadRequest, err.Error())
				return
			}
			attachments = append(attachments, att)
		}
	}

	g.executeTurn(w, r, r.FormValue("session_id"), agent.TurnRequest{
		Prompt:      userInput,
		Attachments: attachments,
	})
}

// executeTurn resolves the session, serializes the turn against it, runs
// the agent, and records the outcome. Usage persistence is best-effort.
func (g *Gateway) executeTurn(w http.ResponseWriter, r *http.Request, sessionID string, turnReq agent.TurnRequest) {
	ctx := r.Context()

	rec, err := g.registry.ResolveOrCreate(ctx, sessionID)
	if err != nil {
		status, msg := sessionErrorStatus(err)
		g.sendJSONError(w, status, msg)
		return
	}

	release, err := g.registry.BeginTurn(ctx, rec)
	if err != nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "could not acquire session")
		return
	}
	defer release()

	result, err := rec.Connection().RunTurn(ctx, turnReq)
	if err != nil {
		_ = g.registry.RecordTurnOutcome(rec, 0, false)
		g.logger.Error("agent turn failed", "session_id", rec.ID(), "error", err)
		g.sendJSONError(w, http.StatusBadGateway, "agent turn failed")
		return
	}

	if err := g.registry.RecordTurnOutcome(rec, result.CostUSD, true); err != nil {
		g.logger.Error("failed to record turn outcome", "session_id", rec.ID(), "error", err)
	}
	turns, totalCost := rec.Stats()

	g.saveTurnUsage(r, rec.ID(), turns, result)

	g.writeJSON(w, http.StatusOK, ChatResponse{
		SessionID:    rec.ID(),
		Response:     result.Text,
		StopReason:   result.StopReason,
		TurnCount:    turns,
		Usage:        result.Usage,
		CostUSD:      result.CostUSD,
		TotalCostUSD: totalCost,
	})
}

// saveTurnUsage persists one turn's usage row. Failures are logged, not
// surfaced: the turn already succeeded from the caller's point of view.
func (g *Gateway) saveTurnUsage(r *http.Request, sessionID string, turn int, result *agent.TurnResult) {
	row := &store.TurnUsage{
		ID:               uuid.New().String(),
		SessionID:        sessionID,
		Turn:             turn,
		InputTokens:      result.Usage.InputTokens,
		OutputTokens:     result.Usage.OutputTokens,
		CacheReadTokens:  result.Usage.CacheReadTokens,
		CacheWriteTokens: result.Usage.CacheWriteTokens,
		CostUSD:          result.CostUSD,
		CreatedAt:        time.Now(),
	}
	if err := g.store.SaveTurnUsage(r.Context(), row); err != nil {
		g.logger.Error("failed to save turn usage", "session_id", sessionID, "turn", turn, "error", err)
	}
}

// handleSessions handles GET /api/sessions requests.
func (g *Gateway) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	summaries := g.registry.List()
	g.writeJSON(w, http.StatusOK, ListSessionsResponse{
		Sessions: summaries,
		Count:    len(summaries),
	})
}

// handleSessionByID handles DELETE /api/sessions/{id}. Releasing an
// unknown session is a no-op and still succeeds.
func (g *Gateway) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	if id == "" || strings.Contains(id, "/") {
		g.sendJSONError(w, http.StatusBadRequest, "session id is required")
		return
	}
	if _, err := uuid.Parse(id); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid session id format")
		return
	}

	g.registry.Release(id)
	w.WriteHeader(http.StatusNoContent)
}

// handleUsageStats handles GET /api/stats/usage requests. Optional query
// params: session_id, since, until (RFC3339 timestamps).
func (g *Gateway) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var filter store.UsageFilter
	if sid := r.URL.Query().Get("session_id"); sid != "" {
		filter.SessionID = &sid
	}
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "since must be an RFC3339 timestamp")
			return
		}
		filter.Since = &t
	}
	if until := r.URL.Query().Get("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "until must be an RFC3339 timestamp")
			return
		}
		filter.Until = &t
	}

	stats, err := g.store.GetUsageStats(r.Context(), filter)
	if err != nil {
		g.logger.Error("failed to get usage stats", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.writeJSON(w, http.StatusOK, stats)
}

// sessionErrorStatus maps a registry error to an HTTP status and message.
func sessionErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrInvalidID):
		return http.StatusBadRequest, "invalid session id format"
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "session not found"
	case errors.Is(err, session.ErrExpired):
		return http.StatusGone, "session expired"
	case errors.Is(err, session.ErrSessionLimit):
		return http.StatusTooManyRequests, "session limit reached"
	case errors.Is(err, session.ErrShutdown):
		return http.StatusServiceUnavailable, "gateway is shutting down"
	default:
		return http.StatusBadGateway, "agent connection failed"
	}
}

// parseChatRequest parses and validates a ChatRequest from the reader.
func parseChatRequest(r io.Reader) (*ChatRequest, error) {
	var req ChatRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if req.Message == "" {
		return nil, errors.New("message is required")
	}
	return &req, nil
}

// writeJSON writes a JSON response with the given status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
