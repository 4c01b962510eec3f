package middleware

import (
	"context"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Relay field names recorded by handlers.
const (
	FieldChannel = "channel"
	FieldSession = "session"
	FieldEvent   = "event"
	FieldGateway = "gateway"
	FieldAction  = "action"
	FieldOutcome = "outcome"
)

type fieldsKey struct{}

// relayFields collects relay identifiers a handler learns while serving
// a request, for the request log line.
type relayFields struct {
	mu     sync.Mutex
	values map[string]string
}

func (f *relayFields) set(key, value string) {
	f.mu.Lock()
	f.values[key] = value
	f.mu.Unlock()
}

func (f *relayFields) each(fn func(key, value string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.values))
	for k := range f.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fn(k, f.values[k])
	}
}

// withFields returns ctx carrying a field collector, reusing one an outer
// middleware already installed.
func withFields(ctx context.Context) (context.Context, *relayFields) {
	if f, ok := ctx.Value(fieldsKey{}).(*relayFields); ok {
		return ctx, f
	}
	f := &relayFields{values: make(map[string]string)}
	return context.WithValue(ctx, fieldsKey{}, f), f
}

// Annotate attaches a relay identifier to the current request: it appears
// on the request log line and as a "relay.<key>" attribute on the request
// span. Empty values are ignored.
func Annotate(ctx context.Context, key, value string) {
	if value == "" {
		return
	}
	if f, ok := ctx.Value(fieldsKey{}).(*relayFields); ok {
		f.set(key, value)
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("relay."+key, value))
}
