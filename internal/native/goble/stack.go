package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/quickble/internal/groutine"
	"github.com/srg/quickble/internal/native"
)

const (
	// DefaultConnectTimeout bounds a Dial.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultAdvertiseSettle is how long advertising must run without error before it is
	// reported as started. go-ble has no explicit start confirmation.
	DefaultAdvertiseSettle = 150 * time.Millisecond

	// DefaultCloseTimeout bounds how long Close waits for adapter goroutines.
	DefaultCloseTimeout = 2 * time.Second

	opQueueSize = 64
)

var errClosed = errors.New("stack closed")

// Options tune the adapter.
type Options struct {
	ConnectTimeout  time.Duration
	AdvertiseSettle time.Duration
	CloseTimeout    time.Duration
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.AdvertiseSettle <= 0 {
		o.AdvertiseSettle = DefaultAdvertiseSettle
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = DefaultCloseTimeout
	}
	return o
}

// Stack is the go-ble native.Stack. One Stack serves one role; all stacks of a process
// share the same ble.Device.
type Stack struct {
	handle native.Handle
	sink   native.Sink
	opts   Options
	logger *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	group  groutine.Group
	closed atomic.Bool

	mu     sync.Mutex
	dev    ble.Device
	devErr error

	// server side
	values     native.ValueSource
	published  bool
	advCancel  context.CancelFunc
	advGen     int
	centrals   map[string]*central
	notifyOnce sync.Once
	notifyQ    chan func()

	// client side
	scanCancel context.CancelFunc
	scanGen    int
	links      map[string]*link
}

// NewFactory returns a native.Factory producing go-ble stacks.
func NewFactory(logger *logrus.Logger, opts Options) native.Factory {
	if logger == nil {
		logger = logrus.New()
	}
	return func(h native.Handle, sink native.Sink) (native.Stack, error) {
		return NewStack(h, sink, logger, opts), nil
	}
}

// NewStack creates a stack. A missing or disabled adapter is not an error: it is reported
// through State and can be retried with RequestEnable.
func NewStack(h native.Handle, sink native.Sink, logger *logrus.Logger, opts Options) *Stack {
	if logger == nil {
		logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Stack{
		handle:   h,
		sink:     sink,
		opts:     opts.withDefaults(),
		logger:   logger.WithField("handle", h),
		ctx:      ctx,
		cancel:   cancel,
		centrals: make(map[string]*central),
		notifyQ:  make(chan func(), opQueueSize),
		links:    make(map[string]*link),
	}
	s.dev, s.devErr = acquireDevice()
	if s.devErr != nil {
		s.logger.WithError(s.devErr).Warn("BLE device unavailable")
	}
	return s
}

func (s *Stack) emit(ev native.Event) {
	if s.closed.Load() || s.sink == nil {
		return
	}
	ev.Handle = s.handle
	s.sink(ev)
}

func (s *Stack) device() (ble.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return nil, errClosed
	}
	if s.dev == nil {
		return nil, fmt.Errorf("bluetooth %s: %w", powerFromError(s.devErr), s.devErr)
	}
	return s.dev, nil
}

// State reports whether the shared device could be created.
func (s *Stack) State() native.PowerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev != nil {
		return native.PowerEnabled
	}
	return powerFromError(s.devErr)
}

// RequestEnable cannot show a system dialog through go-ble; it retries device creation
// and reports the outcome.
func (s *Stack) RequestEnable(p native.Prompt) error {
	if s.closed.Load() {
		return errClosed
	}
	s.logger.WithField("title", p.Title).Debug("Retrying BLE device creation")
	s.group.Go(s.ctx, "goble-request-enable", func(ctx context.Context) {
		s.mu.Lock()
		enabled := s.dev != nil
		if !enabled {
			s.dev, s.devErr = acquireDevice()
			enabled = s.dev != nil
		}
		s.mu.Unlock()

		s.emit(native.Event{Kind: native.EventEnableResult, Success: enabled})
		if enabled {
			s.emit(native.Event{Kind: native.EventPowerChanged, Power: native.PowerEnabled})
		}
	})
	return nil
}

// Close stops advertising and scanning, drops every link and releases the device.
func (s *Stack) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.mu.Lock()
	if s.advCancel != nil {
		s.advCancel()
		s.advCancel = nil
	}
	if s.scanCancel != nil {
		s.scanCancel()
		s.scanCancel = nil
	}
	links := make([]*link, 0, len(s.links))
	for _, l := range s.links {
		links = append(links, l)
	}
	centrals := make([]*central, 0, len(s.centrals))
	for _, c := range s.centrals {
		centrals = append(centrals, c)
	}
	published := s.published
	s.published = false
	dev := s.dev
	s.dev = nil
	s.mu.Unlock()

	s.cancel()
	for _, l := range links {
		l.teardown(s.logger)
	}
	for _, c := range centrals {
		c.close()
	}
	if published && dev != nil {
		if err := dev.RemoveAllServices(); err != nil {
			s.logger.WithError(err).Warn("Failed to remove services")
		}
	}

	done := make(chan struct{})
	go func() {
		s.group.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.opts.CloseTimeout):
		s.logger.Warn("Timed out waiting for adapter goroutines")
	}

	if dev == nil {
		return nil
	}
	return releaseDevice()
}
