// Package contracts defines the service interfaces for the AgentOven relay.
//
// These interfaces form the boundary between the session router and its
// collaborators. The relay ships concrete implementations (file and badger
// session backends, the HTTP agent dispatcher, the community guardrail
// engine); alternative implementations only need to satisfy these.
package contracts

import (
	"context"

	"github.com/agentoven/agentoven/relay/pkg/models"
)

// ── Session Backend ─────────────────────────────────────────

// SessionBackend is durable storage for session histories.
// Read returns (nil, nil) when nothing is stored for key.
// Write must be durable before it returns.
type SessionBackend interface {
	Kind() string
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) error
	Close() error
}

// ── Agent Dispatcher ────────────────────────────────────────

// AgentDispatcher sends a conversation turn to the agent backend.
// A nil result means no reply: the dispatcher logs its own failures
// and never returns them past this boundary.
type AgentDispatcher interface {
	Dispatch(ctx context.Context, endpoint string, event *models.Event, session *models.Session) *models.AgentResult
}

// ── Chat Gateway Driver ─────────────────────────────────────

// ChatGatewayDriver connects one chat platform to the relay.
// Start must return once the driver is listening; it delivers inbound
// messages through onMessage until ctx is canceled.
type ChatGatewayDriver interface {
	Kind() models.ChatGatewayKind
	Start(ctx context.Context, gw *models.ChatGateway, onMessage func(models.GatewayMessage)) error
	Send(ctx context.Context, gw *models.ChatGateway, msg models.GatewayMessage) error
}

// ── Guardrail Policy ────────────────────────────────────────

// PolicyService classifies side-effecting actions before they run.
type PolicyService interface {
	Evaluate(action string, args interface{}) models.Evaluation
	RecordDecision(action string, args interface{}, allow bool) error
	Describe(action string, args interface{}) string
}
