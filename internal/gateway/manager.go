// Package gateway runs chat platform drivers and connects them to the
// session router. A driver turns platform traffic into GatewayMessages;
// the manager turns those into router events and sends each reply back
// through the same driver.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentoven/agentoven/relay/pkg/contracts"
	"github.com/agentoven/agentoven/relay/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotFound   = errors.New("gateway not found")
	ErrNotRunning = errors.New("gateway is not running")
	ErrNoDriver   = errors.New("no driver for gateway kind")

	ErrDuplicateName = errors.New("gateway name already in use")
)

// Router is the part of the session router the manager needs.
type Router interface {
	Enqueue(ctx context.Context, ev models.Event, then func(models.Reply)) error
}

// ── Chat Gateway Manager ─────────────────────────────────────

// Manager owns the configured chat gateways and their running drivers.
type Manager struct {
	router   Router
	drivers  map[models.ChatGatewayKind]contracts.ChatGatewayDriver
	gateways map[string]*models.ChatGateway
	active   map[string]context.CancelFunc // gatewayID → cancel func
	mu       sync.RWMutex
}

// NewManager creates a gateway manager feeding router.
func NewManager(router Router) *Manager {
	return &Manager{
		router:   router,
		drivers:  make(map[models.ChatGatewayKind]contracts.ChatGatewayDriver),
		gateways: make(map[string]*models.ChatGateway),
		active:   make(map[string]context.CancelFunc),
	}
}

// RegisterDriver registers the driver for its platform kind.
func (m *Manager) RegisterDriver(driver contracts.ChatGatewayDriver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[driver.Kind()] = driver
	log.Info().Str("kind", string(driver.Kind())).Msg("Registered chat gateway driver")
}

// HasDriver reports whether a driver is registered for kind.
func (m *Manager) HasDriver(kind models.ChatGatewayKind) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.drivers[kind]
	return ok
}

// DriverKinds lists registered driver kinds, sorted.
func (m *Manager) DriverKinds() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kinds := make([]string, 0, len(m.drivers))
	for k := range m.drivers {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	return kinds
}

// ── Gateway CRUD ─────────────────────────────────────────────

// CreateRequest is the payload to create a chat gateway.
type CreateRequest struct {
	Name   string                 `json:"name"` // becomes the channel key of its events
	Kind   models.ChatGatewayKind `json:"kind"`
	Config map[string]interface{} `json:"config"`
	Active bool                   `json:"active"`
}

// Create registers a gateway and starts it when Active is set.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*models.ChatGateway, error) {
	if req.Name == "" || req.Kind == "" {
		return nil, fmt.Errorf("%w: name and kind are required", models.ErrInvalidEvent)
	}
	if strings.Contains(req.Name, models.SessionKeySeparator) {
		return nil, fmt.Errorf("%w: gateway name must not contain %q", models.ErrInvalidEvent, models.SessionKeySeparator)
	}

	gw := &models.ChatGateway{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Kind:      req.Kind,
		Active:    req.Active,
		Config:    req.Config,
		CreatedAt: time.Now().UTC(),
	}

	// Check and reserve the name in one critical section.
	m.mu.Lock()
	for _, existing := range m.gateways {
		if existing.Name == req.Name {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %q", ErrDuplicateName, req.Name)
		}
	}
	m.gateways[gw.ID] = gw
	m.mu.Unlock()

	if gw.Active {
		if err := m.start(ctx, gw); err != nil {
			m.mu.Lock()
			delete(m.gateways, gw.ID)
			m.mu.Unlock()
			return nil, fmt.Errorf("start gateway: %w", err)
		}
	}

	log.Info().
		Str("gateway", gw.Name).
		Str("kind", string(gw.Kind)).
		Bool("active", gw.Active).
		Msg("Chat gateway created")
	return gw, nil
}

// Get returns a gateway by ID.
func (m *Manager) Get(id string) (*models.ChatGateway, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	gw, ok := m.gateways[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *gw
	_, c.Active = m.active[id]
	return &c, nil
}

// List returns all gateways ordered by creation time.
func (m *Manager) List() []models.ChatGateway {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ChatGateway, 0, len(m.gateways))
	for id, gw := range m.gateways {
		c := *gw
		_, c.Active = m.active[id]
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Stop stops a running gateway. The gateway stays registered.
func (m *Manager) Stop(gatewayID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cancel, ok := m.active[gatewayID]
	if !ok {
		if _, known := m.gateways[gatewayID]; !known {
			return ErrNotFound
		}
		return ErrNotRunning
	}

	cancel()
	delete(m.active, gatewayID)
	log.Info().Str("gateway", gatewayID).Msg("Chat gateway stopped")
	return nil
}

// StopAll stops all running gateways. Called during shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, cancel := range m.active {
		cancel()
		log.Info().Str("gateway", id).Msg("Chat gateway stopped (shutdown)")
	}
	m.active = make(map[string]context.CancelFunc)
}

// ── Internal ─────────────────────────────────────────────────

// start runs the gateway's driver and relays its inbound messages.
func (m *Manager) start(ctx context.Context, gw *models.ChatGateway) error {
	m.mu.RLock()
	driver, ok := m.drivers[gw.Kind]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w %q (available drivers: %v)", ErrNoDriver, gw.Kind, m.DriverKinds())
	}

	// Gateways outlive the request that created them.
	gwCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	onMessage := func(msg models.GatewayMessage) {
		if msg.Direction != "" && msg.Direction != "inbound" {
			return
		}
		ev := eventFromMessage(gw, msg)

		log.Debug().
			Str("gateway", gw.Name).
			Str("user", msg.UserName).
			Str("conversation", ev.ConversationKey).
			Msg("Incoming chat message")

		err := m.router.Enqueue(gwCtx, ev, func(reply models.Reply) {
			if !reply.HasReply() {
				return
			}
			out := models.GatewayMessage{
				GatewayID: gw.ID,
				Platform:  string(gw.Kind),
				ChannelID: msg.ChannelID,
				ChatName:  msg.ChatName,
				UserID:    msg.UserID,
				UserName:  "agentoven",
				Text:      reply.Text(),
				Direction: "outbound",
				Timestamp: time.Now().UTC(),
			}
			if err := driver.Send(gwCtx, gw, out); err != nil {
				log.Warn().Err(err).Str("gateway", gw.Name).Msg("Failed to send reply")
			}
		})
		if err != nil {
			log.Warn().Err(err).Str("gateway", gw.Name).Msg("Dropped inbound chat message")
		}
	}

	if err := driver.Start(gwCtx, gw, onMessage); err != nil {
		cancel()
		return fmt.Errorf("start driver: %w", err)
	}

	m.mu.Lock()
	m.active[gw.ID] = cancel
	m.mu.Unlock()
	return nil
}

// eventFromMessage normalizes a platform message into a router event.
func eventFromMessage(gw *models.ChatGateway, msg models.GatewayMessage) models.Event {
	sender := msg.UserName
	if sender == "" {
		sender = msg.UserID
	}
	ev := models.Event{
		ChannelKey:      gw.Name,
		ConversationKey: msg.ChannelID,
		Sender:          sender,
		ChatName:        msg.ChatName,
		Text:            msg.Text,
		Metadata: map[string]interface{}{
			"gateway_id": gw.ID,
			"platform":   string(gw.Kind),
			"user_id":    msg.UserID,
		},
	}
	if !msg.Timestamp.IsZero() {
		ev.Timestamp = msg.Timestamp.UnixMilli()
	}
	for k, v := range msg.Metadata {
		ev.Metadata[k] = v
	}
	return ev
}
