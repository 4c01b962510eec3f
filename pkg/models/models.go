// Package models defines the core domain types for the AgentOven relay.
// These types are shared between the chat gateways, the session router,
// the agent dispatcher, and the guardrail policy engine.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ── Inbound Events ──────────────────────────────────────────

// Event is a normalized inbound chat message handed to the router by a
// chat gateway driver (Telegram, Discord, Slack, ...).
type Event struct {
	ID              string                 `json:"id,omitempty"`
	ChannelKey      string                 `json:"channelKey"`      // gateway identity, e.g. "telegram"
	ConversationKey string                 `json:"conversationKey"` // chat/thread identity within the channel
	Sender          string                 `json:"sender"`
	ChatName        string                 `json:"chatName,omitempty"`
	Text            string                 `json:"text"`
	Timestamp       int64                  `json:"timestamp,omitempty"` // unix milliseconds
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// ErrInvalidEvent is returned when an event cannot be routed.
var ErrInvalidEvent = errors.New("invalid event")

// Validate checks that the event carries a routable key.
// Channel keys may not contain the session key separator so that
// composite keys stay unambiguous.
func (e *Event) Validate() error {
	if e.ChannelKey == "" || e.ConversationKey == "" {
		return fmt.Errorf("%w: channelKey and conversationKey are required", ErrInvalidEvent)
	}
	if strings.Contains(e.ChannelKey, SessionKeySeparator) {
		return fmt.Errorf("%w: channelKey %q must not contain %q", ErrInvalidEvent, e.ChannelKey, SessionKeySeparator)
	}
	return nil
}

// SessionKey returns the composite key that scopes this event's history.
func (e *Event) SessionKey() string {
	return SessionKey(e.ChannelKey, e.ConversationKey)
}

// Reply is returned to the originating gateway once the event's unit of
// work has finished. Reply is nil when the agent produced nothing.
type Reply struct {
	Reply      *string `json:"reply"`
	SessionKey *string `json:"sessionKey"`
}

// Text returns the reply body, or "" when there is none.
func (r Reply) Text() string {
	if r.Reply == nil {
		return ""
	}
	return *r.Reply
}

// HasReply reports whether the agent produced a reply.
func (r Reply) HasReply() bool { return r.Reply != nil }

// ── Sessions ────────────────────────────────────────────────

// SessionKeySeparator joins channel and conversation keys.
const SessionKeySeparator = ":"

// SessionKey builds the composite session key for a channel/conversation pair.
func SessionKey(channelKey, conversationKey string) string {
	return channelKey + SessionKeySeparator + conversationKey
}

// TurnRole identifies who produced a turn.
type TurnRole string

const (
	RoleUser      TurnRole = "user"
	RoleAssistant TurnRole = "assistant"
)

// Turn is one message in a conversation. Turns are immutable once
// appended to a session.
type Turn struct {
	Role              TurnRole `json:"role"`
	Content           string   `json:"content"`
	Sender            string   `json:"sender,omitempty"`
	ChannelKey        string   `json:"channelKey,omitempty"`
	Timestamp         int64    `json:"timestamp"` // unix milliseconds
	ContinuationToken string   `json:"continuationToken,omitempty"`
}

// Session is the retained state of one conversation.
type Session struct {
	Key               string    `json:"key"`
	History           []Turn    `json:"history"`
	ContinuationToken string    `json:"continuationToken,omitempty"`
	LastActivityAt    time.Time `json:"lastActivityAt"`
}

// NewSession returns an empty session for key.
func NewSession(key string) *Session {
	return &Session{Key: key, History: make([]Turn, 0)}
}

// Append adds a turn and drops the oldest turns beyond maxHistory.
// A non-positive maxHistory disables truncation.
func (s *Session) Append(turn Turn, maxHistory int) {
	s.History = append(s.History, turn)
	s.Truncate(maxHistory)
}

// Truncate keeps only the most recent maxHistory turns.
func (s *Session) Truncate(maxHistory int) {
	if maxHistory <= 0 || len(s.History) <= maxHistory {
		return
	}
	kept := make([]Turn, maxHistory)
	copy(kept, s.History[len(s.History)-maxHistory:])
	s.History = kept
}

// Clone returns a deep copy safe to hand outside the session's lane.
func (s *Session) Clone() *Session {
	c := *s
	c.History = make([]Turn, len(s.History))
	copy(c.History, s.History)
	return &c
}

// ── Agent Wire Types ────────────────────────────────────────

// HistoryEntry is the reduced turn shape sent to the agent.
type HistoryEntry struct {
	Role    TurnRole `json:"role"`
	Content string   `json:"content"`
}

// AgentRequest is the JSON body POSTed to the agent endpoint.
type AgentRequest struct {
	Message        string         `json:"message"`
	Platform       string         `json:"platform"`
	ChatID         string         `json:"chatId"`
	ChatName       string         `json:"chatName"`
	Sender         string         `json:"sender"`
	ConversationID string         `json:"conversationId"`
	History        []HistoryEntry `json:"history"`
}

// AgentResult is a successfully parsed agent response.
type AgentResult struct {
	Reply             string `json:"reply"`
	ContinuationToken string `json:"continuationToken,omitempty"`
}

// ── Chat Gateways ───────────────────────────────────────────

// ChatGatewayKind identifies a chat platform.
type ChatGatewayKind string

const (
	GatewayTelegram ChatGatewayKind = "telegram"
	GatewayDiscord  ChatGatewayKind = "discord"
	GatewaySlackBot ChatGatewayKind = "slack-bot"
	GatewayWhatsApp ChatGatewayKind = "whatsapp"
	GatewayWebhook  ChatGatewayKind = "webhook"
)

// ChatGateway is a configured connection to a chat platform.
type ChatGateway struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Kind      ChatGatewayKind        `json:"kind"`
	Active    bool                   `json:"active"`
	Config    map[string]interface{} `json:"config,omitempty"` // platform-specific: bot_token, etc.
	CreatedAt time.Time              `json:"created_at"`
}

// GatewayMessage is an inbound or outbound message on a chat platform.
type GatewayMessage struct {
	GatewayID string                 `json:"gateway_id"`
	Platform  string                 `json:"platform"`
	ChannelID string                 `json:"channel_id"` // chat/room/thread identifier
	ChatName  string                 `json:"chat_name,omitempty"`
	UserID    string                 `json:"user_id"`
	UserName  string                 `json:"user_name"`
	Text      string                 `json:"text"`
	Direction string                 `json:"direction"` // "inbound" or "outbound"
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// ── Guardrail Policy ────────────────────────────────────────

// Risk is the static risk tier of an action.
type Risk string

const (
	RiskSafe        Risk = "safe"
	RiskConditional Risk = "conditional"
	RiskDangerous   Risk = "dangerous"
)

// Verdict is the outcome of a policy evaluation.
type Verdict string

const (
	VerdictSafe  Verdict = "safe"  // read-only, always allowed
	VerdictAllow Verdict = "allow" // allowed by a recorded human decision
	VerdictDeny  Verdict = "deny"  // denied by a recorded human decision
	VerdictAsk   Verdict = "ask"   // needs a fresh human decision
)

// Allowed reports whether the action may run without confirmation.
func (v Verdict) Allowed() bool { return v == VerdictSafe || v == VerdictAllow }

// Evaluation is the result of classifying one requested action.
type Evaluation struct {
	Action  string  `json:"action"`
	Verdict Verdict `json:"verdict"`
	Risk    Risk    `json:"risk"`
	Reason  string  `json:"reason"`
	Key     string  `json:"key,omitempty"` // decision key, set when a decision applies
	Summary string  `json:"summary"`
}
