// Copyright 2025 James Ross
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pactforge/plugin-guard/internal/obs"
	"go.uber.org/zap"
)

// Kind enumerates the eight guest<->host message envelope types.
type Kind string

const (
	KindAPICall         Kind = "api-call"
	KindAPIResponse     Kind = "api-response"
	KindEvent           Kind = "event"
	KindEventSubscribe   Kind = "event-subscribe"
	KindEventUnsubscribe Kind = "event-unsubscribe"
	KindError           Kind = "error"
	KindReady           Kind = "ready"
	KindTerminate       Kind = "terminate"
)

// ErrorCode enumerates every boundary error code a denied or failed call
// can surface to a guest.
type ErrorCode string

const (
	ErrRateLimit          ErrorCode = "RATE_LIMIT"
	ErrMethodNotFound     ErrorCode = "METHOD_NOT_FOUND"
	ErrPermissionDenied   ErrorCode = "PERMISSION_DENIED"
	ErrHandlerError       ErrorCode = "HANDLER_ERROR"
	ErrSerializationErr   ErrorCode = "SERIALIZATION_ERROR"
	ErrThrottled          ErrorCode = "THROTTLED"
	ErrSuspended          ErrorCode = "SUSPENDED"
	ErrTerminated         ErrorCode = "TERMINATED"
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrBadSignature       ErrorCode = "BAD_SIGNATURE"
	ErrExpired            ErrorCode = "EXPIRED"
	ErrUsageExceeded      ErrorCode = "USAGE_EXCEEDED"
	ErrPluginUnregistered ErrorCode = "PLUGIN_UNREGISTERED"
)

// APICall is an inbound guest api-call envelope.
type APICall struct {
	MessageID       string
	PluginID        string
	Method          string
	Args            any
	CapabilityToken string
	Timestamp       time.Time
}

// Response is the broker's outcome for one APICall. RetryAfter is set on
// enforcement denials (THROTTLED, SUSPENDED, RATE_LIMIT), telling the guest
// how long to back off before retrying.
type Response struct {
	MessageID  string
	Success    bool
	Value      any
	ErrorCode  ErrorCode
	Error      string
	RetryAfter time.Duration
}

// Handler executes one method call against the host. It may itself invoke
// the guard, rate limiter and resource monitor.
type Handler func(ctx context.Context, call APICall) (any, error)

// EventDeliverer delivers a fanned-out event to one subscriber's guest. A
// delivery failure to one subscriber never affects others.
type EventDeliverer interface {
	Deliver(ctx context.Context, plugin, callbackID, eventType string, payload any) error
}

type subscription struct {
	plugin     string
	callbackID string
}

// pluginQueue admits up to MaxInFlightPerPlugin concurrent calls for one
// plugin via a buffered semaphore channel; a call that cannot acquire a
// slot is denied RATE_LIMIT immediately rather than queued, since the
// broker makes no FIFO-response ordering guarantee across plugin calls.
type pluginQueue struct {
	sem chan struct{}
}

// Config tunes broker admission and serialization.
type Config struct {
	MaxInFlightPerPlugin int
	SerializeLimits      SerializeLimits
}

func defaultConfig() Config {
	return Config{MaxInFlightPerPlugin: 16, SerializeLimits: defaultSerializeLimits()}
}

// Broker mediates every plugin-to-host call: deserialize, admit, dispatch,
// re-serialize, and fan out events to subscribers. Per-plugin admission is
// bounded by a semaphore sized MaxInFlightPerPlugin rather than a single
// worker, so the cap is actually reachable under concurrent calls.
type Broker struct {
	mu          sync.Mutex
	cfg         Config
	handlers    map[string]Handler
	queues      map[string]*pluginQueue
	subscribers map[string][]subscription
	deliverer   EventDeliverer
	logger      *zap.Logger
}

func New(cfg Config, deliverer EventDeliverer, logger *zap.Logger) *Broker {
	if cfg.MaxInFlightPerPlugin <= 0 {
		cfg = defaultConfig()
	}
	return &Broker{
		cfg:         cfg,
		handlers:    make(map[string]Handler),
		queues:      make(map[string]*pluginQueue),
		subscribers: make(map[string][]subscription),
		deliverer:   deliverer,
		logger:      logger,
	}
}

// RegisterHandler installs a method handler available to every plugin.
func (b *Broker) RegisterHandler(method string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[method] = h
}

func (b *Broker) queueFor(plugin string) *pluginQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[plugin]
	if !ok {
		q = &pluginQueue{sem: make(chan struct{}, b.cfg.MaxInFlightPerPlugin)}
		b.queues[plugin] = q
	}
	return q
}

// Dispatch implements the 1-6 step call path: admission cap, handler
// lookup, execution, re-serialization, and in-flight decrement on every
// exit path. Calls for the same plugin run concurrently up to
// MaxInFlightPerPlugin; callers needing strict per-plugin response order
// must serialize their own calls (the broker does not).
func (b *Broker) Dispatch(ctx context.Context, call APICall) Response {
	ctx, span := obs.StartBrokerCallSpan(ctx, call.PluginID, call.Method)
	defer span.End()

	q := b.queueFor(call.PluginID)
	select {
	case q.sem <- struct{}{}:
	default:
		obs.BrokerCallsTotal.WithLabelValues(call.PluginID, call.Method, "rate_limited").Inc()
		obs.RecordError(ctx, fmt.Errorf("in-flight cap exceeded"))
		return Response{MessageID: call.MessageID, Success: false, ErrorCode: ErrRateLimit, Error: "per-plugin in-flight call cap exceeded"}
	}
	obs.BrokerInFlight.WithLabelValues(call.PluginID).Set(float64(len(q.sem)))
	defer func() {
		<-q.sem
		obs.BrokerInFlight.WithLabelValues(call.PluginID).Set(float64(len(q.sem)))
	}()

	result := make(chan Response, 1)
	go func() { result <- b.dispatchOne(ctx, call) }()

	select {
	case r := <-result:
		return r
	case <-ctx.Done():
		return Response{MessageID: call.MessageID, Success: false, ErrorCode: ErrTimeout, Error: ctx.Err().Error()}
	}
}

func (b *Broker) dispatchOne(ctx context.Context, call APICall) Response {
	start := time.Now()
	defer func() {
		obs.BrokerCallDuration.WithLabelValues(call.Method).Observe(time.Since(start).Seconds())
	}()

	b.mu.Lock()
	handler, ok := b.handlers[call.Method]
	b.mu.Unlock()

	if !ok {
		obs.BrokerCallsTotal.WithLabelValues(call.PluginID, call.Method, "method_not_found").Inc()
		return Response{MessageID: call.MessageID, Success: false, ErrorCode: ErrMethodNotFound, Error: fmt.Sprintf("no handler for method %q", call.Method)}
	}

	value, err := handler(ctx, call)
	if err != nil {
		obs.BrokerCallsTotal.WithLabelValues(call.PluginID, call.Method, "handler_error").Inc()
		obs.RecordError(ctx, err)
		return Response{MessageID: call.MessageID, Success: false, ErrorCode: ErrHandlerError, Error: err.Error()}
	}

	serialized, err := Serialize(value, b.cfg.SerializeLimits)
	if err != nil {
		obs.BrokerCallsTotal.WithLabelValues(call.PluginID, call.Method, "serialization_error").Inc()
		obs.RecordError(ctx, err)
		return Response{MessageID: call.MessageID, Success: false, ErrorCode: ErrSerializationErr, Error: err.Error()}
	}

	obs.BrokerCallsTotal.WithLabelValues(call.PluginID, call.Method, "success").Inc()
	obs.SetSpanSuccess(ctx)
	return Response{MessageID: call.MessageID, Success: true, Value: serialized}
}

// Subscribe records an event-subscribe listener.
func (b *Broker) Subscribe(plugin, eventName, callbackID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventName] = append(b.subscribers[eventName], subscription{plugin: plugin, callbackID: callbackID})
}

// Unsubscribe removes a previously registered listener.
func (b *Broker) Unsubscribe(plugin, eventName, callbackID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[eventName]
	out := subs[:0]
	for _, s := range subs {
		if s.plugin == plugin && s.callbackID == callbackID {
			continue
		}
		out = append(out, s)
	}
	b.subscribers[eventName] = out
}

// UnsubscribeAll drops every listener registered by plugin, used on
// plugin unload.
func (b *Broker) UnsubscribeAll(plugin string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for eventName, subs := range b.subscribers {
		out := subs[:0]
		for _, s := range subs {
			if s.plugin != plugin {
				out = append(out, s)
			}
		}
		b.subscribers[eventName] = out
	}
}

// Emit fans eventName out to every current subscriber, in subscription
// order, attempting delivery to each once; a failed delivery is logged, not
// retried, and does not stop delivery to the remaining subscribers.
func (b *Broker) Emit(ctx context.Context, eventName string, payload any) {
	ctx, span := obs.StartBrokerEventSpan(ctx, eventName)
	defer span.End()

	b.mu.Lock()
	subs := make([]subscription, len(b.subscribers[eventName]))
	copy(subs, b.subscribers[eventName])
	b.mu.Unlock()

	serialized, err := Serialize(payload, b.cfg.SerializeLimits)
	if err != nil {
		obs.RecordError(ctx, err)
		return
	}

	for _, s := range subs {
		obs.BrokerEventsDispatched.WithLabelValues(eventName).Inc()
		if err := b.deliverer.Deliver(ctx, s.plugin, s.callbackID, eventName, serialized); err != nil {
			b.logger.Warn("event delivery failed",
				zap.String("plugin", s.plugin),
				zap.String("event", eventName),
				zap.Error(err))
		}
	}
}

// Close releases per-plugin admission state. No background goroutines to
// stop: admission is a plain semaphore, not a worker pool.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues = make(map[string]*pluginQueue)
}
