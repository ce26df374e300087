package testutils

import (
	"fmt"
	"sync"

	"github.com/srg/quickble/internal/gatt"
	"github.com/srg/quickble/internal/native"
)

// StackCall is one outbound request recorded by FakeStack.
type StackCall struct {
	Method  string
	Address string
	UUID    string
	Value   []byte
	Flag    bool
	Filter  []string
	Ad      *native.Advertisement
	Profile *gatt.Profile
}

// FakeStack is a scriptable native.Stack. It records every outbound request and lets tests
// inject inbound events through the sink it was created with.
type FakeStack struct {
	mu     sync.Mutex
	handle native.Handle
	sink   native.Sink
	power  native.PowerState
	calls  []StackCall
	fail   map[string]error
	values native.ValueSource
	closed bool
}

func NewFakeStack(power native.PowerState) *FakeStack {
	return &FakeStack{power: power, fail: make(map[string]error)}
}

// FakeStacks is a native.Factory producing one FakeStack per role.
type FakeStacks struct {
	mu     sync.Mutex
	Power  native.PowerState
	stacks map[native.Handle]*FakeStack
	order  []*FakeStack
	Err    error
}

func NewFakeStacks(power native.PowerState) *FakeStacks {
	return &FakeStacks{Power: power, stacks: make(map[native.Handle]*FakeStack)}
}

// Factory returns the native.Factory to hand to the bridge.
func (f *FakeStacks) Factory() native.Factory {
	return func(h native.Handle, sink native.Sink) (native.Stack, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.Err != nil {
			return nil, f.Err
		}
		s := NewFakeStack(f.Power)
		s.Bind(h, sink)
		f.stacks[h] = s
		f.order = append(f.order, s)
		return s, nil
	}
}

// For returns the stack created for handle h.
func (f *FakeStacks) For(h native.Handle) *FakeStack {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stacks[h]
}

// Last returns the most recently created stack.
func (f *FakeStacks) Last() *FakeStack {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.order) == 0 {
		return nil
	}
	return f.order[len(f.order)-1]
}

// Bind attaches the handle and sink used by Emit.
func (s *FakeStack) Bind(h native.Handle, sink native.Sink) {
	s.mu.Lock()
	s.handle = h
	s.sink = sink
	s.mu.Unlock()
}

// Emit injects an inbound event, stamping it with the bound handle.
func (s *FakeStack) Emit(ev native.Event) {
	s.mu.Lock()
	ev.Handle = s.handle
	sink := s.sink
	s.mu.Unlock()
	if sink == nil {
		panic("fakestack: Emit before Bind")
	}
	sink(ev)
}

// SetPower changes what State reports without emitting an event.
func (s *FakeStack) SetPower(p native.PowerState) {
	s.mu.Lock()
	s.power = p
	s.mu.Unlock()
}

// Fail makes every subsequent call to method return err. A nil err clears the failure.
func (s *FakeStack) Fail(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, method)
		return
	}
	s.fail[method] = err
}

// Calls returns a copy of the recorded calls, optionally filtered by method.
func (s *FakeStack) Calls(methods ...string) []StackCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(methods) == 0 {
		return append([]StackCall(nil), s.calls...)
	}
	var out []StackCall
	for _, c := range s.calls {
		for _, m := range methods {
			if c.Method == m {
				out = append(out, c)
			}
		}
	}
	return out
}

// LastCall returns the latest call to method.
func (s *FakeStack) LastCall(method string) (StackCall, bool) {
	calls := s.Calls(method)
	if len(calls) == 0 {
		return StackCall{}, false
	}
	return calls[len(calls)-1], true
}

func (s *FakeStack) Count(method string) int { return len(s.Calls(method)) }

// Served returns what the published value source holds for key, as a remote reader would see it.
func (s *FakeStack) Served(key string) ([]byte, bool) {
	s.mu.Lock()
	src := s.values
	s.mu.Unlock()
	if src == nil {
		return nil, false
	}
	return src.Get(key)
}

func (s *FakeStack) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *FakeStack) record(c StackCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed && c.Method != "Close" {
		return fmt.Errorf("fakestack: %s after Close", c.Method)
	}
	if c.Value != nil {
		c.Value = append([]byte{}, c.Value...)
	}
	s.calls = append(s.calls, c)
	return s.fail[c.Method]
}

func (s *FakeStack) State() native.PowerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.power
}

func (s *FakeStack) RequestEnable(p native.Prompt) error {
	return s.record(StackCall{Method: "RequestEnable", Filter: []string{p.Title, p.Message}})
}

func (s *FakeStack) Publish(profile gatt.Profile, values native.ValueSource) error {
	if err := s.record(StackCall{Method: "Publish", Profile: &profile}); err != nil {
		return err
	}
	s.mu.Lock()
	s.values = values
	s.mu.Unlock()
	return nil
}

func (s *FakeStack) Withdraw() error {
	s.mu.Lock()
	s.values = nil
	s.mu.Unlock()
	return s.record(StackCall{Method: "Withdraw"})
}

func (s *FakeStack) StartAdvertising(ad native.Advertisement) error {
	return s.record(StackCall{Method: "StartAdvertising", Ad: &ad, Filter: ad.Services})
}

func (s *FakeStack) StopAdvertising() error {
	return s.record(StackCall{Method: "StopAdvertising"})
}

func (s *FakeStack) Notify(address string, c gatt.Characteristic, value []byte) error {
	return s.record(StackCall{Method: "Notify", Address: address, UUID: c.UUID, Value: value})
}

func (s *FakeStack) CancelPeer(address string) error {
	return s.record(StackCall{Method: "CancelPeer", Address: address})
}

func (s *FakeStack) StartScan(filter []string, allowDuplicates bool) error {
	return s.record(StackCall{Method: "StartScan", Filter: filter, Flag: allowDuplicates})
}

func (s *FakeStack) StopScan() error {
	return s.record(StackCall{Method: "StopScan"})
}

func (s *FakeStack) Connect(address string) error {
	return s.record(StackCall{Method: "Connect", Address: address})
}

func (s *FakeStack) Disconnect(address string) error {
	return s.record(StackCall{Method: "Disconnect", Address: address})
}

func (s *FakeStack) ReadCharacteristic(address string, c gatt.Characteristic) error {
	return s.record(StackCall{Method: "ReadCharacteristic", Address: address, UUID: c.UUID})
}

func (s *FakeStack) WriteCharacteristic(address string, c gatt.Characteristic, value []byte, noResponse bool) error {
	return s.record(StackCall{Method: "WriteCharacteristic", Address: address, UUID: c.UUID, Value: value, Flag: noResponse})
}

func (s *FakeStack) ReadDescriptor(address string, d gatt.Descriptor) error {
	return s.record(StackCall{Method: "ReadDescriptor", Address: address, UUID: d.UUID})
}

func (s *FakeStack) WriteDescriptor(address string, d gatt.Descriptor, value []byte) error {
	return s.record(StackCall{Method: "WriteDescriptor", Address: address, UUID: d.UUID, Value: value})
}

func (s *FakeStack) SetNotify(address string, c gatt.Characteristic, enable bool) error {
	return s.record(StackCall{Method: "SetNotify", Address: address, UUID: c.UUID, Flag: enable})
}

func (s *FakeStack) Close() error {
	err := s.record(StackCall{Method: "Close"})
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return err
}
