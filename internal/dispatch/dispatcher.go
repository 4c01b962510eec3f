// Package dispatch relays a conversation turn to the external agent
// backend over HTTP and parses its reply.
//
// The dispatcher is a hard failure boundary: timeouts, transport errors,
// non-2xx statuses, and malformed bodies are logged and reported as "no
// reply". Nothing is retried; the user re-sends.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/agentoven/agentoven/relay/internal/metrics"
	"github.com/agentoven/agentoven/relay/internal/telemetry"
	"github.com/agentoven/agentoven/relay/pkg/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultTimeout bounds one agent round-trip.
	DefaultTimeout = 60 * time.Second

	// DefaultHistoryWindow is how many recent turns go on the wire.
	DefaultHistoryWindow = 10

	maxResponseBytes = 4 << 20
	logBodyLimit     = 500
)

// Options configures a Dispatcher. Zero values take defaults.
type Options struct {
	Timeout       time.Duration
	HistoryWindow int
	ReplyFields   []Field
	TokenFields   []Field
	Client        *http.Client
}

// Dispatcher POSTs conversation context to an agent endpoint.
type Dispatcher struct {
	client        *http.Client
	timeout       time.Duration
	historyWindow int
	replyFields   []Field
	tokenFields   []Field
	tracer        trace.Tracer
}

// New creates a Dispatcher.
func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		client:        opts.Client,
		timeout:       opts.Timeout,
		historyWindow: opts.HistoryWindow,
		replyFields:   opts.ReplyFields,
		tokenFields:   opts.TokenFields,
		tracer:        otel.Tracer(telemetry.TracerName),
	}
	if d.client == nil {
		d.client = &http.Client{}
	}
	if d.timeout <= 0 {
		d.timeout = DefaultTimeout
	}
	if d.historyWindow <= 0 {
		d.historyWindow = DefaultHistoryWindow
	}
	if len(d.replyFields) == 0 {
		d.replyFields = DefaultReplyFields
	}
	if len(d.tokenFields) == 0 {
		d.tokenFields = DefaultTokenFields
	}
	return d
}

// BuildRequest reduces session state to the bounded wire payload: the
// most recent turn as the message plus the last historyWindow turns as
// role/content pairs.
func (d *Dispatcher) BuildRequest(event *models.Event, session *models.Session) models.AgentRequest {
	req := models.AgentRequest{
		Platform:       event.ChannelKey,
		ChatID:         event.ConversationKey,
		ChatName:       event.ChatName,
		Sender:         event.Sender,
		ConversationID: session.ContinuationToken,
		History:        make([]models.HistoryEntry, 0, d.historyWindow),
	}

	history := session.History
	if n := len(history); n > 0 {
		req.Message = history[n-1].Content
	} else {
		req.Message = event.Text
	}
	if len(history) > d.historyWindow {
		history = history[len(history)-d.historyWindow:]
	}
	for _, t := range history {
		req.History = append(req.History, models.HistoryEntry{Role: t.Role, Content: t.Content})
	}
	return req
}

// Dispatch sends the session context to endpoint and returns the parsed
// reply, or nil when there is none for any reason.
func (d *Dispatcher) Dispatch(ctx context.Context, endpoint string, event *models.Event, session *models.Session) *models.AgentResult {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	ctx, span := d.tracer.Start(ctx, "agent.dispatch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("relay.session", session.Key),
			attribute.String("relay.endpoint", endpoint),
		),
	)
	defer span.End()

	start := time.Now()
	status := "ok"
	defer func() {
		metrics.DispatchLatency.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}()

	logger := log.With().
		Str("session", session.Key).
		Str("event", event.ID).
		Str("endpoint", endpoint).
		Logger()

	body, err := json.Marshal(d.BuildRequest(event, session))
	if err != nil {
		status = "bad_request"
		logger.Error().Err(err).Msg("Failed to encode agent request")
		return nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		status = "bad_request"
		logger.Error().Err(err).Msg("Failed to build agent request")
		span.SetStatus(codes.Error, err.Error())
		return nil
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := d.client.Do(httpReq)
	if err != nil {
		status = "transport_error"
		if isTimeout(err) {
			status = "timeout"
		}
		logger.Warn().Err(err).Str("status", status).Dur("elapsed", time.Since(start)).Msg("Agent call failed")
		span.SetStatus(codes.Error, status)
		return nil
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		status = "transport_error"
		if isTimeout(err) {
			status = "timeout"
		}
		logger.Warn().Err(err).Int("status_code", resp.StatusCode).Msg("Failed to read agent response")
		span.SetStatus(codes.Error, status)
		return nil
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		status = "http_error"
		logger.Warn().
			Int("status_code", resp.StatusCode).
			Str("body", truncate(string(respBody), logBodyLimit)).
			Msg("Agent returned non-success status")
		span.SetStatus(codes.Error, resp.Status)
		return nil
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(respBody, &doc); err != nil {
		status = "bad_response"
		logger.Warn().Err(err).
			Int("status_code", resp.StatusCode).
			Str("body", truncate(string(respBody), logBodyLimit)).
			Msg("Agent returned malformed JSON")
		span.SetStatus(codes.Error, status)
		return nil
	}

	reply, field, ok := firstString(doc, d.replyFields)
	if !ok {
		status = "empty"
		logger.Debug().Str("body", truncate(string(respBody), logBodyLimit)).Msg("Agent response carried no reply")
		return nil
	}
	token, _, _ := firstString(doc, d.tokenFields)

	logger.Debug().
		Str("reply_field", string(field)).
		Bool("token", token != "").
		Dur("elapsed", time.Since(start)).
		Msg("Agent replied")

	return &models.AgentResult{Reply: reply, ContinuationToken: token}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
