package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/agentoven/agentoven/relay/internal/telemetry"
	"github.com/agentoven/agentoven/relay/pkg/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// WebhookDriver is the generic HTTP driver. Inbound messages are POSTed to
// the relay (see Deliver); replies are POSTed as JSON to the gateway's
// "callback_url" config value.
type WebhookDriver struct {
	client *http.Client

	mu        sync.RWMutex
	listeners map[string]func(models.GatewayMessage) // gatewayID → onMessage
}

// NewWebhookDriver creates the webhook driver.
func NewWebhookDriver() *WebhookDriver {
	return &WebhookDriver{
		client:    &http.Client{Timeout: 30 * time.Second},
		listeners: make(map[string]func(models.GatewayMessage)),
	}
}

func (d *WebhookDriver) Kind() models.ChatGatewayKind { return models.GatewayWebhook }

// Start registers the gateway as a listener until ctx is canceled.
func (d *WebhookDriver) Start(ctx context.Context, gw *models.ChatGateway, onMessage func(models.GatewayMessage)) error {
	if _, ok := gw.Config["callback_url"].(string); !ok {
		return fmt.Errorf("webhook gateway %q requires config.callback_url", gw.Name)
	}

	d.mu.Lock()
	d.listeners[gw.ID] = onMessage
	d.mu.Unlock()

	go func() {
		<-ctx.Done()
		d.mu.Lock()
		delete(d.listeners, gw.ID)
		d.mu.Unlock()
		log.Debug().Str("gateway", gw.Name).Msg("Webhook listener removed")
	}()
	return nil
}

// Deliver hands an inbound message to a running webhook gateway.
func (d *WebhookDriver) Deliver(gatewayID string, msg models.GatewayMessage) error {
	d.mu.RLock()
	onMessage, ok := d.listeners[gatewayID]
	d.mu.RUnlock()
	if !ok {
		return ErrNotRunning
	}

	msg.GatewayID = gatewayID
	msg.Direction = "inbound"
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	onMessage(msg)
	return nil
}

// Send POSTs the outbound message to the gateway's callback URL.
func (d *WebhookDriver) Send(ctx context.Context, gw *models.ChatGateway, msg models.GatewayMessage) (err error) {
	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, "gateway.webhook.send",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("relay.gateway", gw.ID),
			attribute.String("relay.channel", gw.Name),
			attribute.String("relay.session", models.SessionKey(gw.Name, msg.ChannelID)),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	url, _ := gw.Config["callback_url"].(string)
	if url == "" {
		return fmt.Errorf("webhook gateway %q has no callback_url", gw.Name)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode webhook message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if secret, ok := gw.Config["secret"].(string); ok && secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook send: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook send: callback returned %d", resp.StatusCode)
	}
	return nil
}
