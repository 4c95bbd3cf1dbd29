// Copyright 2025 James Ross
package broker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type recordingDeliverer struct {
	mu        sync.Mutex
	delivered []string
	fail      map[string]bool
}

func (d *recordingDeliverer) Deliver(ctx context.Context, plugin, callbackID, eventType string, payload any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail[plugin] {
		return fmt.Errorf("delivery failed for %s", plugin)
	}
	d.delivered = append(d.delivered, plugin)
	return nil
}

func newBroker(cfg Config) *Broker {
	return New(cfg, &recordingDeliverer{fail: map[string]bool{}}, zap.NewNop())
}

func TestDispatchMethodNotFound(t *testing.T) {
	b := newBroker(Config{MaxInFlightPerPlugin: 4})
	resp := b.Dispatch(context.Background(), APICall{MessageID: "1", PluginID: "p", Method: "missing"})
	assert.False(t, resp.Success)
	assert.Equal(t, ErrMethodNotFound, resp.ErrorCode)
}

func TestDispatchSuccess(t *testing.T) {
	b := newBroker(Config{MaxInFlightPerPlugin: 4})
	b.RegisterHandler("echo", func(ctx context.Context, call APICall) (any, error) {
		return call.Args, nil
	})

	resp := b.Dispatch(context.Background(), APICall{MessageID: "1", PluginID: "p", Method: "echo", Args: "hello"})
	assert.True(t, resp.Success)
	assert.Equal(t, "hello", resp.Value)
}

func TestDispatchHandlerError(t *testing.T) {
	b := newBroker(Config{MaxInFlightPerPlugin: 4})
	b.RegisterHandler("fails", func(ctx context.Context, call APICall) (any, error) {
		return nil, fmt.Errorf("boom")
	})

	resp := b.Dispatch(context.Background(), APICall{MessageID: "1", PluginID: "p", Method: "fails"})
	assert.False(t, resp.Success)
	assert.Equal(t, ErrHandlerError, resp.ErrorCode)
}

func TestDispatchInFlightCapDenied(t *testing.T) {
	b := newBroker(Config{MaxInFlightPerPlugin: 1})
	release := make(chan struct{})
	b.RegisterHandler("slow", func(ctx context.Context, call APICall) (any, error) {
		<-release
		return nil, nil
	})

	var first Response
	done := make(chan struct{})
	go func() {
		first = b.Dispatch(context.Background(), APICall{MessageID: "1", PluginID: "p", Method: "slow"})
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	second := b.Dispatch(context.Background(), APICall{MessageID: "2", PluginID: "p", Method: "slow"})
	assert.False(t, second.Success)
	assert.Equal(t, ErrRateLimit, second.ErrorCode)

	close(release)
	<-done
	assert.True(t, first.Success)
}

// TestDispatchAdmitsConcurrentlyUpToCap exercises the admission cap as a
// genuine concurrency limiter: four handlers are let in and block on the
// same gate concurrently, a fifth arriving while the cap is full is
// denied immediately with RATE_LIMIT, and the four admitted calls succeed
// once released. Response order across calls to the same plugin is
// explicitly not guaranteed.
func TestDispatchAdmitsConcurrentlyUpToCap(t *testing.T) {
	b := newBroker(Config{MaxInFlightPerPlugin: 4})
	release := make(chan struct{})
	entered := make(chan struct{}, 4)
	b.RegisterHandler("record", func(ctx context.Context, call APICall) (any, error) {
		entered <- struct{}{}
		<-release
		return nil, nil
	})

	responses := make(chan Response, 5)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		id := fmt.Sprintf("%d", i)
		go func() {
			defer wg.Done()
			responses <- b.Dispatch(context.Background(), APICall{MessageID: id, PluginID: "p", Method: "record"})
		}()
	}
	for i := 0; i < 4; i++ {
		<-entered
	}

	fifth := b.Dispatch(context.Background(), APICall{MessageID: "4", PluginID: "p", Method: "record"})
	assert.False(t, fifth.Success)
	assert.Equal(t, ErrRateLimit, fifth.ErrorCode)

	close(release)
	wg.Wait()
	close(responses)
	for r := range responses {
		assert.True(t, r.Success)
	}
}

func TestEmitIsolatesSubscriberFailures(t *testing.T) {
	deliverer := &recordingDeliverer{fail: map[string]bool{"bad-plugin": true}}
	b := New(Config{MaxInFlightPerPlugin: 4}, deliverer, zap.NewNop())

	b.Subscribe("good-plugin", "tick", "cb1")
	b.Subscribe("bad-plugin", "tick", "cb2")

	b.Emit(context.Background(), "tick", map[string]any{"n": float64(1)})

	deliverer.mu.Lock()
	defer deliverer.mu.Unlock()
	assert.Equal(t, []string{"good-plugin"}, deliverer.delivered)
}

func TestUnsubscribeRemovesListener(t *testing.T) {
	deliverer := &recordingDeliverer{fail: map[string]bool{}}
	b := New(Config{MaxInFlightPerPlugin: 4}, deliverer, zap.NewNop())

	b.Subscribe("p", "tick", "cb1")
	b.Unsubscribe("p", "tick", "cb1")
	b.Emit(context.Background(), "tick", nil)

	deliverer.mu.Lock()
	defer deliverer.mu.Unlock()
	assert.Empty(t, deliverer.delivered)
}

func TestSerializationErrorOnInvalidResult(t *testing.T) {
	b := newBroker(Config{MaxInFlightPerPlugin: 4, SerializeLimits: SerializeLimits{MaxDepth: 10, MaxArrayLen: 1, MaxMapKeys: 10, MaxStringLen: 10, MaxTotalSize: 1 << 20}})
	b.RegisterHandler("bigarray", func(ctx context.Context, call APICall) (any, error) {
		return []any{1.0, 2.0, 3.0}, nil
	})

	resp := b.Dispatch(context.Background(), APICall{MessageID: "1", PluginID: "p", Method: "bigarray"})
	assert.False(t, resp.Success)
	assert.Equal(t, ErrSerializationErr, resp.ErrorCode)
}
