package lua

import (
	"context"
	"time"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"
	"github.com/srg/quickble/pkg/quickble"
)

// HostOptions configures a scripting host.
type HostOptions struct {
	// EventBuffer bounds the events waiting for quickble.run; the oldest are dropped.
	EventBuffer  int
	OutputBuffer int
}

// anyKind registers a handler for every event kind.
const anyKind quickble.EventKind = 0

type handlerKey struct {
	role int // 0 matches every role owned by the host
	kind quickble.EventKind
}

// Host exposes the bridge to Lua scripts as the global quickble table. Roles created by
// a script belong to the host and are destroyed with it. Bridge events are queued by the
// dispatch loop and delivered to Lua handlers only from inside quickble.run, on the
// goroutine running the script.
type Host struct {
	engine   *Engine
	bridge   *quickble.Bridge
	logger   *logrus.Logger
	events   *RingChannel[quickble.Event]
	unlisten func()

	// touched only from the script goroutine
	ctx      context.Context
	roles    []int
	owned    map[int]bool
	handlers map[handlerKey][]int
	stopped  bool
}

func NewHost(bridge *quickble.Bridge, logger *logrus.Logger, opts HostOptions) *Host {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	if opts.OutputBuffer <= 0 {
		opts.OutputBuffer = 100
	}
	h := &Host{
		engine:   NewEngine(logger, opts.OutputBuffer),
		bridge:   bridge,
		logger:   logger,
		events:   NewRingChannel[quickble.Event](opts.EventBuffer),
		ctx:      context.Background(),
		owned:    make(map[int]bool),
		handlers: make(map[handlerKey][]int),
	}
	h.unlisten = bridge.Listen(func(ev quickble.Event) {
		if h.events.Send(ev) {
			logger.WithField("kind", ev.Kind).Warn("Lua event queue full, oldest event dropped")
		}
	})
	_ = h.engine.DoWithState(func(L *lua.State) error {
		h.register(L)
		return nil
	})
	return h
}

func (h *Host) Engine() *Engine { return h.engine }

// Output returns captured print output and script errors.
func (h *Host) Output() <-chan OutputRecord { return h.engine.Output() }

// Run executes script. Cancelling ctx ends any quickble.run in progress.
func (h *Host) Run(ctx context.Context, name, script string, args map[string]string) error {
	h.ctx = ctx
	if args != nil {
		if err := h.engine.SetArgs(args); err != nil {
			return err
		}
	}
	h.logger.WithField("script", name).Debug("Running Lua script")
	return h.engine.Run(name, script)
}

// Roles lists the identities created by scripts, in creation order.
func (h *Host) Roles() []int {
	return append([]int{}, h.roles...)
}

// Close destroys the host's roles and releases the Lua state.
func (h *Host) Close() {
	h.unlisten()
	for _, id := range h.roles {
		h.bridge.Destroy(id)
	}
	h.roles = nil
	h.engine.Close()
}

// pump delivers queued events to handlers until timeout elapses, quickble.stop is called
// or the context ends. A zero timeout delivers only what is already queued.
func (h *Host) pump(L *lua.State, timeout time.Duration) int {
	h.stopped = false
	delivered := 0

	if timeout <= 0 {
		for !h.stopped {
			ev, ok := h.events.TryReceive()
			if !ok {
				break
			}
			if h.deliver(L, ev) {
				delivered++
			}
		}
		return delivered
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for !h.stopped {
		select {
		case ev := <-h.events.C():
			if h.deliver(L, ev) {
				delivered++
			}
		case <-timer.C:
			return delivered
		case <-h.ctx.Done():
			return delivered
		}
	}
	return delivered
}

// deliver calls every handler registered for ev. It reports whether any handler ran.
func (h *Host) deliver(L *lua.State, ev quickble.Event) bool {
	if !h.owned[ev.Role] {
		return false
	}
	var refs []int
	for _, k := range []handlerKey{{ev.Role, ev.Kind}, {ev.Role, anyKind}, {0, ev.Kind}, {0, anyKind}} {
		refs = append(refs, h.handlers[k]...)
	}
	for _, ref := range refs {
		top := L.GetTop()
		L.RawGeti(lua.LUA_REGISTRYINDEX, ref)
		pushEvent(L, ev)
		if err := L.Call(1, 0); err != nil {
			h.logger.WithError(err).WithField("kind", ev.Kind).Warn("Lua event handler failed")
			h.engine.write("stderr", "handler error ("+ev.Kind.String()+"): "+err.Error()+"\n")
		}
		L.SetTop(top)
		if h.stopped {
			break
		}
	}
	return len(refs) > 0
}

func (h *Host) on(L *lua.State, role int, nameArg, fnArg int) int {
	name := checkString(L, nameArg)
	kind := anyKind
	if name != "*" {
		k, ok := quickble.ParseEventKind(name)
		if !ok {
			L.RaiseError("unknown event " + name)
			return 0
		}
		kind = k
	}
	if !L.IsFunction(fnArg) {
		L.RaiseError("on() expects a handler function")
		return 0
	}
	L.PushValue(fnArg)
	ref := L.Ref(lua.LUA_REGISTRYINDEX)
	key := handlerKey{role, kind}
	h.handlers[key] = append(h.handlers[key], ref)
	return 0
}

func (h *Host) adopt(id int) {
	h.owned[id] = true
	h.roles = append(h.roles, id)
}

func (h *Host) release(id int) {
	if !h.owned[id] {
		return
	}
	h.bridge.Destroy(id)
	delete(h.owned, id)
	for i, r := range h.roles {
		if r == id {
			h.roles = append(h.roles[:i], h.roles[i+1:]...)
			break
		}
	}
}
