// Package quickble is the host-facing API: server and client roles addressed by integer
// identity, with results reported through per-role callbacks.
//
// Every method is safe to call from any goroutine. Calls are executed on a single dispatch
// loop and never wait for a Bluetooth operation to complete.
package quickble

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/quickble/internal/dispatch"
	"github.com/srg/quickble/internal/gatt"
	"github.com/srg/quickble/internal/native"
	"github.com/srg/quickble/internal/native/goble"
	"github.com/srg/quickble/internal/registry"
	"github.com/srg/quickble/internal/role"
)

type (
	ServerOptions = role.ServerOptions
	ClientOptions = role.ClientOptions
)

// Options configure a Bridge.
type Options struct {
	// Factory creates the native stack of each role. Defaults to the go-ble stack.
	Factory native.Factory
	Logger  *logrus.Logger
	// Server and Client are the initial options of newly created roles.
	Server ServerOptions
	Client ClientOptions
}

// Bridge owns the role registry and the dispatch loop.
type Bridge struct {
	logger     *logrus.Logger
	factory    native.Factory
	defaults   Options
	loop       *dispatch.Loop
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher

	handles atomic.Uint64

	mu        sync.Mutex
	listeners map[int]func(Event)
	nextLn    int
	closed    bool
}

// New starts a bridge.
func New(opts Options) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	factory := opts.Factory
	if factory == nil {
		factory = goble.NewFactory(logger, goble.Options{})
	}
	reg := registry.New(logger)
	loop := dispatch.NewLoop(context.Background(), "quickble-loop", logger)
	return &Bridge{
		logger:     logger,
		factory:    factory,
		defaults:   opts,
		loop:       loop,
		registry:   reg,
		dispatcher: dispatch.NewDispatcher(reg, loop, logger),
		listeners:  make(map[int]func(Event)),
	}
}

// Listen registers fn for the events of every role. fn runs on the dispatch loop after the
// role callbacks. The returned function removes the listener.
func (b *Bridge) Listen(fn func(Event)) (cancel func()) {
	b.mu.Lock()
	b.nextLn++
	id := b.nextLn
	b.listeners[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

func (b *Bridge) emitter(cb Callbacks) func(id int) role.EmitFunc {
	return func(id int) role.EmitFunc {
		return func(hev role.HostEvent) {
			ev := newEvent(id, hev)
			cb.deliver(ev)

			b.mu.Lock()
			ls := make([]func(Event), 0, len(b.listeners))
			for _, fn := range b.listeners {
				ls = append(ls, fn)
			}
			b.mu.Unlock()
			for _, fn := range ls {
				// each listener gets its own copy of the value
				c := ev
				if ev.Value != nil {
					c.Value = append([]byte{}, ev.Value...)
				}
				fn(c)
			}
		}
	}
}

func (b *Bridge) post(fn func()) {
	if !b.loop.Post(fn) {
		b.logger.Debug("Dispatch loop closed, dropping deferred callback")
	}
}

// create registers a role and binds a fresh native handle to it.
func (b *Bridge) create(kind registry.Kind, cb Callbacks) (int, error) {
	var id int
	var err error
	emit := b.emitter(cb)
	lerr := b.loop.Do(func() {
		id, err = b.registry.Create(func(id int) (registry.Object, error) {
			h := native.Handle(b.handles.Add(1))
			b.registry.BindHandle(h, id)
			stack, err := b.factory(h, b.dispatcher.Sink())
			if err != nil {
				return nil, gatt.NativeError(0, err)
			}
			deps := role.Deps{Stack: stack, Emit: emit(id), Post: b.post, Logger: b.logger}
			if kind == registry.KindServer {
				return role.NewServer(id, deps, b.defaults.Server), nil
			}
			return role.NewClient(id, deps, b.defaults.Client), nil
		})
	})
	if lerr != nil {
		return 0, lerr
	}
	if err != nil {
		b.logger.WithError(err).WithField("role", kind).Warn("Failed to create role")
		return 0, err
	}
	b.logger.WithFields(logrus.Fields{"role_id": id, "role": kind}).Info("Role created")
	return id, nil
}

// CreateServer creates a server role and returns its identity.
func (b *Bridge) CreateServer(cb Callbacks) (int, error) {
	return b.create(registry.KindServer, cb)
}

// CreateClient creates a client role and returns its identity.
func (b *Bridge) CreateClient(cb Callbacks) (int, error) {
	return b.create(registry.KindClient, cb)
}

type closer interface {
	Close() error
}

// Destroy tears down and forgets a role. Destroying an unknown identity is a no-op.
// Late native events for the role are dropped.
func (b *Bridge) Destroy(id int) {
	_ = b.loop.Do(func() { b.destroy(id) })
}

func (b *Bridge) destroy(id int) {
	obj, ok := b.registry.Destroy(id)
	if !ok {
		return
	}
	if c, ok := obj.(closer); ok {
		if err := c.Close(); err != nil {
			b.logger.WithError(err).WithField("role_id", id).Warn("Role did not close cleanly")
		}
	}
	b.logger.WithField("role_id", id).Info("Role destroyed")
}

// Roles lists the live identities.
func (b *Bridge) Roles() []int {
	return b.registry.IDs()
}

// Close destroys every role and stops the dispatch loop.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	_ = b.loop.Do(func() {
		for _, id := range b.registry.IDs() {
			b.destroy(id)
		}
	})
	b.loop.Close()
}

func (b *Bridge) withServer(id int, fn func(s *role.Server) error) error {
	var err error
	if lerr := b.loop.Do(func() {
		obj, rerr := b.registry.ResolveKind(id, registry.KindServer)
		if rerr != nil {
			err = rerr
			return
		}
		err = fn(obj.(*role.Server))
	}); lerr != nil {
		return lerr
	}
	return err
}

func (b *Bridge) withClient(id int, fn func(c *role.Client) error) error {
	var err error
	if lerr := b.loop.Do(func() {
		obj, rerr := b.registry.ResolveKind(id, registry.KindClient)
		if rerr != nil {
			err = rerr
			return
		}
		err = fn(obj.(*role.Client))
	}); lerr != nil {
		return lerr
	}
	return err
}

// queryServer runs a read-only query. Queries have no error result, so a failed lookup is
// logged and fn is not called.
func (b *Bridge) queryServer(id int, query string, fn func(s *role.Server)) {
	b.logQuery(id, query, b.withServer(id, func(s *role.Server) error { fn(s); return nil }))
}

func (b *Bridge) queryClient(id int, query string, fn func(c *role.Client)) {
	b.logQuery(id, query, b.withClient(id, func(c *role.Client) error { fn(c); return nil }))
}

func (b *Bridge) logQuery(id int, query string, err error) {
	if err == nil {
		return
	}
	b.logger.WithError(err).WithFields(logrus.Fields{
		"role_id": id,
		"query":   query,
		"code":    Code(err),
	}).Warn("Query on unavailable role")
}

func copyList(in []string) []string {
	return append(make([]string, 0, len(in)), in...)
}
