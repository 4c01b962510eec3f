// Package handlers implements the HTTP handlers for the AgentOven relay:
// the adapter webhook ingress, session inspection, the guardrail policy
// endpoints, and chat gateway management.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/agentoven/agentoven/relay/internal/api/middleware"
	"github.com/agentoven/agentoven/relay/internal/gateway"
	"github.com/agentoven/agentoven/relay/internal/guardrails"
	"github.com/agentoven/agentoven/relay/internal/router"
	"github.com/agentoven/agentoven/relay/pkg/contracts"
	"github.com/agentoven/agentoven/relay/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

const maxBodyBytes = 1 << 20

// EventRouter runs inbound events through their session lanes.
type EventRouter interface {
	Handle(ctx context.Context, ev models.Event) (models.Reply, error)
}

// SessionReader exposes retained session state without mutating it.
type SessionReader interface {
	Peek(ctx context.Context, key string) (*models.Session, bool)
}

// Handlers holds all handler dependencies.
type Handlers struct {
	Router   EventRouter
	Sessions SessionReader
	Policy   contracts.PolicyService
	Gateways *gateway.Manager
	Webhooks *gateway.WebhookDriver
}

// New creates a new Handlers instance.
func New(rt EventRouter, sessions SessionReader, policy contracts.PolicyService, gw *gateway.Manager, hooks *gateway.WebhookDriver) *Handlers {
	return &Handlers{
		Router:   rt,
		Sessions: sessions,
		Policy:   policy,
		Gateways: gw,
		Webhooks: hooks,
	}
}

// ══════════════════════════════════════════════════════════════
// ── Event Ingress ────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// PostEvent accepts one normalized inbound event and blocks until its unit
// of work has finished. The response body is the Reply.
func (h *Handlers) PostEvent(w http.ResponseWriter, r *http.Request) {
	var ev models.Event
	if !decode(w, r, &ev) {
		return
	}

	ctx := r.Context()
	middleware.Annotate(ctx, middleware.FieldChannel, ev.ChannelKey)
	if ev.ChannelKey != "" && ev.ConversationKey != "" {
		middleware.Annotate(ctx, middleware.FieldSession, ev.SessionKey())
	}
	middleware.Annotate(ctx, middleware.FieldEvent, ev.ID)

	reply, err := h.Router.Handle(ctx, ev)
	switch {
	case err == nil && reply.HasReply():
		middleware.Annotate(ctx, middleware.FieldOutcome, "replied")
		respondJSON(w, http.StatusOK, reply)
	case err == nil:
		middleware.Annotate(ctx, middleware.FieldOutcome, "no_reply")
		respondJSON(w, http.StatusOK, reply)
	case errors.Is(err, models.ErrInvalidEvent):
		middleware.Annotate(ctx, middleware.FieldOutcome, "invalid")
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, router.ErrClosed):
		middleware.Annotate(ctx, middleware.FieldOutcome, "closed")
		respondError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// The unit of work still runs; only this caller stopped waiting.
		middleware.Annotate(ctx, middleware.FieldOutcome, "abandoned")
		respondError(w, http.StatusGatewayTimeout, "event accepted but reply not awaited: "+err.Error())
	default:
		middleware.Annotate(ctx, middleware.FieldOutcome, "error")
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// ══════════════════════════════════════════════════════════════
// ── Sessions ─────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// SessionView is the inspection shape of a session.
type SessionView struct {
	Key               string        `json:"key"`
	ContinuationToken string        `json:"continuationToken,omitempty"`
	LastActivityAt    *time.Time    `json:"lastActivityAt,omitempty"`
	Turns             int           `json:"turns"`
	History           []models.Turn `json:"history"`
}

// GetSession returns the retained history for one conversation.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	key := models.SessionKey(chi.URLParam(r, "channel"), chi.URLParam(r, "conversation"))
	middleware.Annotate(r.Context(), middleware.FieldChannel, chi.URLParam(r, "channel"))
	middleware.Annotate(r.Context(), middleware.FieldSession, key)

	sess, ok := h.Sessions.Peek(r.Context(), key)
	if !ok {
		respondError(w, http.StatusNotFound, "session not found: "+key)
		return
	}

	view := SessionView{
		Key:               sess.Key,
		ContinuationToken: sess.ContinuationToken,
		Turns:             len(sess.History),
		History:           sess.History,
	}
	if view.History == nil {
		view.History = []models.Turn{}
	}
	if !sess.LastActivityAt.IsZero() {
		t := sess.LastActivityAt.UTC()
		view.LastActivityAt = &t
	}
	respondJSON(w, http.StatusOK, view)
}

// ══════════════════════════════════════════════════════════════
// ── Guardrail Policy ─────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// PolicyRequest names an action and its argument (string or object).
type PolicyRequest struct {
	Action string      `json:"action"`
	Args   interface{} `json:"args"`
	Allow  *bool       `json:"allow,omitempty"`
}

func decodePolicy(w http.ResponseWriter, r *http.Request) (PolicyRequest, bool) {
	var req PolicyRequest
	if !decode(w, r, &req) {
		return req, false
	}
	if req.Action == "" {
		respondError(w, http.StatusBadRequest, "action is required")
		return req, false
	}
	middleware.Annotate(r.Context(), middleware.FieldAction, req.Action)
	return req, true
}

// EvaluatePolicy classifies an action.
func (h *Handlers) EvaluatePolicy(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePolicy(w, r)
	if !ok {
		return
	}
	ev := h.Policy.Evaluate(req.Action, req.Args)
	middleware.Annotate(r.Context(), middleware.FieldOutcome, string(ev.Verdict))
	respondJSON(w, http.StatusOK, ev)
}

// RecordDecision persists a human allow/deny answer and returns the
// resulting evaluation.
func (h *Handlers) RecordDecision(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePolicy(w, r)
	if !ok {
		return
	}
	if req.Allow == nil {
		respondError(w, http.StatusBadRequest, "allow is required")
		return
	}

	if err := h.Policy.RecordDecision(req.Action, req.Args, *req.Allow); err != nil {
		if errors.Is(err, guardrails.ErrConflictingDecision) {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		log.Error().Err(err).Str("action", req.Action).Msg("Failed to record policy decision")
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, h.Policy.Evaluate(req.Action, req.Args))
}

// DescribePolicy renders the confirmation summary for an action.
func (h *Handlers) DescribePolicy(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePolicy(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"action":  req.Action,
		"summary": h.Policy.Describe(req.Action, req.Args),
	})
}

// ══════════════════════════════════════════════════════════════
// ── Chat Gateways ────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// ListGateways returns configured gateways and available drivers.
func (h *Handlers) ListGateways(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"gateways": h.Gateways.List(),
		"drivers":  h.Gateways.DriverKinds(),
	})
}

// CreateGateway registers and optionally starts a gateway.
func (h *Handlers) CreateGateway(w http.ResponseWriter, r *http.Request) {
	var req gateway.CreateRequest
	if !decode(w, r, &req) {
		return
	}
	gw, err := h.Gateways.Create(r.Context(), req)
	if errors.Is(err, gateway.ErrDuplicateName) {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	middleware.Annotate(r.Context(), middleware.FieldGateway, gw.ID)
	middleware.Annotate(r.Context(), middleware.FieldChannel, gw.Name)
	respondJSON(w, http.StatusCreated, gw)
}

// GetGateway returns one gateway.
func (h *Handlers) GetGateway(w http.ResponseWriter, r *http.Request) {
	middleware.Annotate(r.Context(), middleware.FieldGateway, chi.URLParam(r, "gatewayId"))
	gw, err := h.Gateways.Get(chi.URLParam(r, "gatewayId"))
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, gw)
}

// StopGateway stops a running gateway.
func (h *Handlers) StopGateway(w http.ResponseWriter, r *http.Request) {
	middleware.Annotate(r.Context(), middleware.FieldGateway, chi.URLParam(r, "gatewayId"))
	err := h.Gateways.Stop(chi.URLParam(r, "gatewayId"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, gateway.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	default:
		respondError(w, http.StatusConflict, err.Error())
	}
}

// DeliverWebhook accepts an inbound message for a webhook gateway. The
// reply is POSTed to the gateway's callback URL when ready.
func (h *Handlers) DeliverWebhook(w http.ResponseWriter, r *http.Request) {
	var msg models.GatewayMessage
	if !decode(w, r, &msg) {
		return
	}
	if msg.ChannelID == "" {
		respondError(w, http.StatusBadRequest, "channel_id is required")
		return
	}
	gatewayID := chi.URLParam(r, "gatewayId")
	middleware.Annotate(r.Context(), middleware.FieldGateway, gatewayID)
	if gw, err := h.Gateways.Get(gatewayID); err == nil {
		middleware.Annotate(r.Context(), middleware.FieldChannel, gw.Name)
		middleware.Annotate(r.Context(), middleware.FieldSession, models.SessionKey(gw.Name, msg.ChannelID))
	}
	if err := h.Webhooks.Deliver(gatewayID, msg); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// ══════════════════════════════════════════════════════════════
// ── Helpers ──────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
