// Copyright 2025 James Ross
package guesthost

import (
	"context"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pactforge/plugin-guard/internal/obs"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// ErrCallTimeout is returned when a guest call exceeds its configured
// executionTime budget.
var ErrCallTimeout = errors.New("guesthost: call timed out")

// ErrIntegrityMismatch is returned when a manifest's declared integrity
// digest for a code unit doesn't match the code actually being loaded.
var ErrIntegrityMismatch = errors.New("guesthost: integrity hash mismatch")

// VerifyIntegrity checks code against a manifest's declared
// "sha384-<base64>" digest for it. A missing digest is not an error: the
// manifest format treats integrity entries as optional, so an absent entry
// loads unverified.
func VerifyIntegrity(digest string, code []byte) error {
	if digest == "" {
		return nil
	}
	encoded, ok := strings.CutPrefix(digest, "sha384-")
	if !ok {
		return fmt.Errorf("%w: malformed digest %q", ErrIntegrityMismatch, digest)
	}
	want, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(encoded, "="))
	if err != nil {
		return fmt.Errorf("%w: malformed digest %q: %v", ErrIntegrityMismatch, digest, err)
	}
	got := sha512.Sum384(code)
	if subtle.ConstantTimeCompare(got[:], want) != 1 {
		return ErrIntegrityMismatch
	}
	return nil
}

// State is a guest host's lifecycle state. Terminated is absorbing: once
// reached, no further transition is possible.
type State string

const (
	StateCreated    State = "CREATED"
	StateReady      State = "READY"
	StateRunning    State = "RUNNING"
	StateSuspended  State = "SUSPENDED"
	StateTerminated State = "TERMINATED"
)

var validTransitions = map[State][]State{
	StateCreated:    {StateReady, StateTerminated},
	StateReady:      {StateRunning, StateSuspended, StateTerminated},
	StateRunning:    {StateReady, StateSuspended, StateTerminated},
	StateSuspended:  {StateReady, StateTerminated},
	StateTerminated: {},
}

func canTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var stateMetricValue = map[State]float64{
	StateCreated:    0,
	StateReady:      1,
	StateRunning:    2,
	StateSuspended:  3,
	StateTerminated: 4,
}

// Config bounds a single guest's interpreter.
type Config struct {
	// CallTimeout is the executionTime budget for a single evaluate/
	// callFunction invocation, enforced via the VM's context poll.
	CallTimeout time.Duration
	// CallStackSize and RegistrySize approximate a memory ceiling; gopher-lua
	// has no native heap limit, so the Host's allocation counter additionally
	// tracks host-observed allocation pressure at expose boundaries.
	CallStackSize int
	RegistrySize  int
}

// Host wraps a single plugin's Lua interpreter instance: the "prebuilt
// bytecode interpreter embedded as an external module" the guest contract
// describes. Plugin code only ever runs inside this VM, through exposed
// host functions.
type Host struct {
	mu      sync.Mutex
	id      string
	state   State
	vm      *lua.LState
	logger  *zap.Logger
	cfg     Config
	exposed map[string]lua.LGFunction
	once    sync.Once

	// allocCounter is incremented by expose boundaries and read through
	// AllocEstimate, since gopher-lua itself enforces no heap ceiling. No
	// other component reads it.
	allocCounter int64
}

// New constructs a host in the Created state. Init must be called before
// any evaluation is possible.
func New(pluginID string, logger *zap.Logger) *Host {
	return &Host{
		id:      pluginID,
		state:   StateCreated,
		logger:  logger,
		exposed: make(map[string]lua.LGFunction),
	}
}

func (h *Host) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Host) transition(to State) error {
	if !canTransition(h.state, to) {
		return fmt.Errorf("guesthost %s: invalid transition %s -> %s", h.id, h.state, to)
	}
	h.state = to
	obs.GuestHostState.WithLabelValues(h.id).Set(stateMetricValue[to])
	return nil
}

// Init allocates the interpreter and registers every previously Exposed
// function as a Lua global, then moves Created -> Ready.
func (h *Host) Init(cfg Config) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateCreated {
		return fmt.Errorf("guesthost %s: Init called in state %s", h.id, h.state)
	}

	registrySize := cfg.RegistrySize
	if registrySize <= 0 {
		registrySize = 1 << 15
	}
	callStackSize := cfg.CallStackSize
	if callStackSize <= 0 {
		callStackSize = 256
	}
	h.cfg = cfg
	h.vm = lua.NewState(lua.Options{
		CallStackSize:       callStackSize,
		RegistrySize:        registrySize,
		SkipOpenLibs:        true,
		IncludeGoStackTrace: false,
	})
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := h.vm.CallByParam(lua.P{Fn: h.vm.NewFunction(lib.fn), NRet: 0, Protect: true}, lua.LString(lib.name)); err != nil {
			return fmt.Errorf("guesthost %s: opening %s: %w", h.id, lib.name, err)
		}
	}

	for name, fn := range h.exposed {
		h.vm.SetGlobal(name, wrapCounted(&h.allocCounter, fn))
	}

	return h.transition(StateReady)
}

// wrapCounted increments counter once per call, a coarse proxy for
// host-boundary crossing pressure the resource monitor samples.
func wrapCounted(counter *int64, fn lua.LGFunction) lua.LGFunction {
	return func(L *lua.LState) int {
		atomic.AddInt64(counter, 1)
		return fn(L)
	}
}

// AllocEstimate reports the host-side allocation counter plus the VM's
// reported Lua heap (KB, per collectgarbage("count")).
func (h *Host) AllocEstimate() (boundaryCalls int64, luaHeapKB float64) {
	h.mu.Lock()
	vm := h.vm
	h.mu.Unlock()
	if vm == nil {
		return atomic.LoadInt64(&h.allocCounter), 0
	}
	if err := vm.CallByParam(lua.P{Fn: vm.GetGlobal("collectgarbage"), NRet: 1, Protect: true}, lua.LString("count")); err != nil {
		return atomic.LoadInt64(&h.allocCounter), 0
	}
	ret := vm.Get(-1)
	vm.Pop(1)
	if n, ok := ret.(lua.LNumber); ok {
		return atomic.LoadInt64(&h.allocCounter), float64(n)
	}
	return atomic.LoadInt64(&h.allocCounter), 0
}

// Expose registers a Go function as a Lua global callable by guest code.
// Must be called before Init (there is no re-registration after the VM is
// built).
func (h *Host) Expose(name string, fn lua.LGFunction) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateCreated {
		return fmt.Errorf("guesthost %s: Expose called after Init", h.id)
	}
	h.exposed[name] = fn
	return nil
}

// Evaluate runs a chunk of guest code. Ready -> Running for the duration of
// the call, then back to Ready (or Terminated, if the call timed out).
func (h *Host) Evaluate(ctx context.Context, code string) error {
	h.mu.Lock()
	if err := h.transition(StateRunning); err != nil {
		h.mu.Unlock()
		return err
	}
	vm := h.vm
	h.mu.Unlock()

	callCtx, cancel := h.callContext(ctx)
	defer cancel()
	vm.SetContext(callCtx)
	err := vm.DoString(code)
	err = translateContextErr(err, callCtx, h.id, h.cfg.CallTimeout)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.settleAfterCall(err)
	return err
}

// CallFunction invokes a previously defined guest function by name.
func (h *Host) CallFunction(ctx context.Context, name string, args ...lua.LValue) (lua.LValue, error) {
	h.mu.Lock()
	if err := h.transition(StateRunning); err != nil {
		h.mu.Unlock()
		return lua.LNil, err
	}
	vm := h.vm
	h.mu.Unlock()

	callCtx, cancel := h.callContext(ctx)
	defer cancel()
	vm.SetContext(callCtx)

	var result lua.LValue = lua.LNil
	fn := vm.GetGlobal(name)
	var err error
	if fn.Type() != lua.LTFunction {
		err = fmt.Errorf("guesthost %s: function %q not defined", h.id, name)
	} else if callErr := vm.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...); callErr != nil {
		err = translateContextErr(callErr, callCtx, h.id, h.cfg.CallTimeout)
	} else {
		result = vm.Get(-1)
		vm.Pop(1)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.settleAfterCall(err)
	return result, err
}

func (h *Host) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.cfg.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.cfg.CallTimeout)
}

// translateContextErr maps gopher-lua's generic interrupted-execution error
// to ErrCallTimeout when the call context's deadline is what ended it.
func translateContextErr(err error, callCtx context.Context, id string, budget time.Duration) error {
	if err == nil {
		return nil
	}
	if callCtx.Err() != nil {
		return fmt.Errorf("%w: guesthost %s after %s", ErrCallTimeout, id, budget)
	}
	return err
}

// settleAfterCall returns a Running host to Ready, unless the call timed
// out, in which case the host is terminated: gopher-lua gives no guarantee
// about VM consistency after an externally interrupted call.
func (h *Host) settleAfterCall(err error) {
	if errors.Is(err, ErrCallTimeout) {
		h.state = StateTerminated
		h.closeVM()
		return
	}
	_ = h.transition(StateReady)
}

// Suspend parks a Ready host without tearing down its VM state, freeing it
// to be resumed later without re-running initialization.
func (h *Host) Suspend() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transition(StateSuspended)
}

// Resume returns a Suspended host to Ready. callFunction/evaluate gate on
// this: a Suspended host never touches its *lua.LState.
func (h *Host) Resume() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transition(StateReady)
}

// Terminate closes the interpreter and moves to the absorbing Terminated
// state. Idempotent.
func (h *Host) Terminate() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateTerminated {
		return nil
	}
	if err := h.transition(StateTerminated); err != nil {
		return err
	}
	h.closeVM()
	return nil
}

func (h *Host) closeVM() {
	h.once.Do(func() {
		if h.vm != nil {
			h.vm.Close()
		}
	})
}
