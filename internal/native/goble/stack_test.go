package goble

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/quickble/internal/gatt"
	"github.com/srg/quickble/internal/native"
	"github.com/srg/quickble/internal/testutils/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

var (
	hrService = gatt.MustNormalizeUUID("180D")
	hrMeasure = gatt.MustNormalizeUUID("2A37")
	hrControl = gatt.MustNormalizeUUID("2A39")
	userDesc  = gatt.MustNormalizeUUID("2901")
)

type StackTestSuite struct {
	suite.Suite
	dev    *mocks.MockDevice
	events chan native.Event
	stack  *Stack
}

func (s *StackTestSuite) SetupTest() {
	s.dev = &mocks.MockDevice{}
	s.dev.On("Stop").Return(nil).Maybe()
	s.dev.On("RemoveAllServices").Return(nil).Maybe()
	s.useFactory(func() (ble.Device, error) { return s.dev, nil })

	s.events = make(chan native.Event, 64)
	s.stack = s.newStack()
}

func (s *StackTestSuite) TearDownTest() {
	if s.stack != nil {
		_ = s.stack.Close()
	}
}

func (s *StackTestSuite) useFactory(f func() (ble.Device, error)) {
	prevFactory, prevDial := DeviceFactory, Dial
	shared.dev, shared.refs = nil, 0
	DeviceFactory = f
	s.T().Cleanup(func() {
		DeviceFactory, Dial = prevFactory, prevDial
		shared.dev, shared.refs = nil, 0
	})
}

func (s *StackTestSuite) newStack() *Stack {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	return NewStack(7, func(ev native.Event) { s.events <- ev.Clone() }, logger, Options{
		ConnectTimeout:  time.Second,
		AdvertiseSettle: 50 * time.Millisecond,
		CloseTimeout:    time.Second,
	})
}

// next waits for the next event of the given kind, skipping others.
func (s *StackTestSuite) next(kind native.EventKind) native.Event {
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-s.events:
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			s.FailNow("timed out waiting for event", "kind: %s", kind)
			return native.Event{}
		}
	}
}

func (s *StackTestSuite) heartRate() gatt.Profile {
	h := gatt.NewHierarchy()
	s.Require().NoError(h.AddService(hrService, true))
	s.Require().NoError(h.AddCharacteristic(hrMeasure, hrService, gatt.PropRead|gatt.PropNotify, gatt.PermRead))
	s.Require().NoError(h.AddDescriptor(gatt.MustNormalizeUUID("2902"), hrMeasure, gatt.DefaultPermissions))
	s.Require().NoError(h.AddDescriptor(userDesc, hrMeasure, gatt.PermRead))
	s.Require().NoError(h.AddCharacteristic(hrControl, hrService, gatt.PropWrite, gatt.PermWrite))
	return h.Snapshot()
}

func TestStackTestSuite(t *testing.T) {
	suite.Run(t, new(StackTestSuite))
}

func (s *StackTestSuite) TestPowerState() {
	// GOAL: Verify the power tri-state is derived from device creation
	//
	// TEST SCENARIO: factory succeeds → enabled; factory fails → disabled or unsupported

	s.Equal(native.PowerEnabled, s.stack.State(), "State MUST be enabled when the device was created")

	cases := []struct {
		err  error
		want native.PowerState
	}{
		{errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?"), native.PowerDisabled},
		{errors.New("bluetooth is powered off"), native.PowerDisabled},
		{errNoBackend, native.PowerUnsupported},
		{errors.New("can't init hci: no devices available"), native.PowerUnsupported},
	}
	for _, tc := range cases {
		s.Equal(tc.want, powerFromError(tc.err), "power state MUST match for %q", tc.err)
	}
}

func (s *StackTestSuite) TestRequestEnable_RetriesDeviceCreation() {
	// GOAL: Verify RequestEnable retries the device and reports the outcome
	//
	// TEST SCENARIO: first factory call fails → state disabled → RequestEnable → device created → enable result and power events

	_ = s.stack.Close()
	attempts := 0
	s.useFactory(func() (ble.Device, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("bluetooth is powered off")
		}
		return s.dev, nil
	})
	s.stack = s.newStack()
	s.Equal(native.PowerDisabled, s.stack.State(), "State MUST be disabled after a powered-off failure")
	s.Error(s.stack.StartScan(nil, false), "client operations MUST fail without a device")

	s.Require().NoError(s.stack.RequestEnable(native.Prompt{Title: "Enable Bluetooth"}))
	s.True(s.next(native.EventEnableResult).Success, "enable result MUST report success")
	s.Equal(native.PowerEnabled, s.next(native.EventPowerChanged).Power, "power change MUST report enabled")
	s.Equal(native.PowerEnabled, s.stack.State())
}

func (s *StackTestSuite) TestSharedDevice() {
	// GOAL: Verify every stack shares one device, stopped when the last stack closes
	//
	// TEST SCENARIO: two stacks → one factory call → first close keeps device → second close stops it

	_ = s.stack.Close()
	calls := 0
	dev := &mocks.MockDevice{}
	dev.On("Stop").Return(nil).Once()
	s.useFactory(func() (ble.Device, error) {
		calls++
		return dev, nil
	})

	a, b := s.newStack(), s.newStack()
	s.stack = nil
	s.Equal(1, calls, "factory MUST be called once for both stacks")

	s.Require().NoError(a.Close())
	dev.AssertNotCalled(s.T(), "Stop")
	s.Require().NoError(b.Close())
	dev.AssertNumberOfCalls(s.T(), "Stop", 1)
}

func (s *StackTestSuite) TestPublish_BuildsServices() {
	// GOAL: Verify the published go-ble services mirror the declared profile
	//
	// TEST SCENARIO: publish heart rate → SetServices receives one service → property masks kept → CCCD left to go-ble

	var published []*ble.Service
	s.dev.On("SetServices", mock.Anything).Run(func(args mock.Arguments) {
		published = args.Get(0).([]*ble.Service)
	}).Return(nil).Once()

	s.Require().NoError(s.stack.Publish(s.heartRate(), gatt.NewValues()))
	s.Require().Len(published, 1)

	svc := published[0]
	s.Equal(hrService, gatt.FromBLE(svc.UUID))
	s.Require().Len(svc.Characteristics, 2)

	measure := svc.Characteristics[0]
	s.Equal(ble.Property(gatt.PropRead|gatt.PropNotify), measure.Property, "declared properties MUST win over handler bits")
	s.Require().Len(measure.Descriptors, 1, "CCCD MUST NOT be published explicitly")
	s.Equal(userDesc, gatt.FromBLE(measure.Descriptors[0].UUID))

	control := svc.Characteristics[1]
	s.Equal(ble.Property(gatt.PropWrite), control.Property)
	s.NotNil(control.WriteHandler, "writable characteristic MUST get a write handler")
	s.Nil(control.ReadHandler, "write-only characteristic MUST NOT get a read handler")
}

func (s *StackTestSuite) TestPublish_Failure() {
	s.dev.On("SetServices", mock.Anything).Return(errors.New("gatt server busy")).Once()
	err := s.stack.Publish(s.heartRate(), gatt.NewValues())
	s.ErrorContains(err, "failed to publish services")
}

func (s *StackTestSuite) TestReadValue() {
	// GOAL: Verify remote reads are served from the value store
	//
	// TEST SCENARIO: value set → full read → offset read → bad offset → not readable

	s.dev.On("SetServices", mock.Anything).Return(nil)
	values := gatt.NewValues()
	key := gatt.CharKey(hrService, hrMeasure)
	values.Set(key, []byte{0x00, 0x48, 0x49})
	s.Require().NoError(s.stack.Publish(s.heartRate(), values))

	v, status := s.stack.readValue(key, gatt.PermRead, 0)
	s.Equal(ble.ErrSuccess, status)
	s.Equal([]byte{0x00, 0x48, 0x49}, v)

	v, status = s.stack.readValue(key, gatt.PermRead, 2)
	s.Equal(ble.ErrSuccess, status)
	s.Equal([]byte{0x49}, v, "offset read MUST return the tail")

	_, status = s.stack.readValue(key, gatt.PermRead, 4)
	s.Equal(ble.ErrInvalidOffset, status)

	_, status = s.stack.readValue(key, gatt.PermWrite, 0)
	s.Equal(ble.ErrReadNotPerm, status, "read MUST be rejected without read permission")
}

func (s *StackTestSuite) TestAcceptWrite() {
	// GOAL: Verify accepted remote writes become write-request events
	//
	// TEST SCENARIO: writable characteristic → event with copied value; read-only → rejected without event

	ch := gatt.Characteristic{UUID: hrControl, Service: hrService, Properties: gatt.PropWrite, Permissions: gatt.PermWrite}
	data := []byte{0x01}
	s.Equal(ble.ErrSuccess, s.stack.acceptWrite("AA:BB", ch, "", ch.Permissions, data))
	data[0] = 0xFF

	ev := s.next(native.EventWriteRequest)
	s.Equal(native.Handle(7), ev.Handle, "events MUST carry the stack handle")
	s.Equal("AA:BB", ev.Address)
	s.Equal(hrControl, ev.Characteristic)
	s.Equal([]byte{0x01}, ev.Value, "event value MUST NOT alias the request buffer")

	s.Equal(ble.ErrWriteNotPerm, s.stack.acceptWrite("AA:BB", ch, "", gatt.PermRead, data))
	s.Empty(s.events, "rejected writes MUST NOT be forwarded")
}

func (s *StackTestSuite) TestNotify_RequiresSubscription() {
	ch := gatt.Characteristic{UUID: hrMeasure, Service: hrService}
	s.ErrorContains(s.stack.Notify("aa:bb", ch, []byte{1}), "AA:BB is not connected")
}

func (s *StackTestSuite) TestAdvertising() {
	// GOAL: Verify advertising is reported started once it runs past the settle delay
	//
	// TEST SCENARIO: start → success event → second start rejected → stop → restart allowed

	s.dev.On("AdvertiseNameAndServices", mock.Anything, "quickble", mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(context.Canceled)

	ad := native.Advertisement{Name: "quickble", IncludeName: true, Services: []string{hrService}, Mode: native.AdvertiseBalanced}
	s.Require().NoError(s.stack.StartAdvertising(ad))
	s.True(s.next(native.EventAdvertiseStarted).Success, "advertising MUST be reported started")
	s.Error(s.stack.StartAdvertising(ad), "second start MUST be rejected")

	s.Require().NoError(s.stack.StopAdvertising())
	s.Require().NoError(s.stack.StartAdvertising(ad), "start after stop MUST be accepted")
	s.True(s.next(native.EventAdvertiseStarted).Success)
}

func (s *StackTestSuite) TestAdvertising_Failure() {
	s.dev.On("AdvertiseNameAndServices", mock.Anything, "", mock.Anything).
		Return(errors.New("advertising data too large")).Once()

	s.Require().NoError(s.stack.StartAdvertising(native.Advertisement{Name: "quickble"}))
	ev := s.next(native.EventAdvertiseStarted)
	s.False(ev.Success)
	s.Equal(native.AdvertiseErrDataTooLarge, ev.Code)
}

func (s *StackTestSuite) TestAdvertising_EndsAfterStart() {
	// GOAL: Verify advertising that fails after it was reported started is reported stopped and can restart
	//
	// TEST SCENARIO: advertise runs past the settle delay then fails → started event → stopped event → start accepted again

	s.dev.On("AdvertiseNameAndServices", mock.Anything, "", mock.Anything).
		Run(func(args mock.Arguments) { time.Sleep(150 * time.Millisecond) }).
		Return(errors.New("hci: controller reset")).Once()
	s.dev.On("AdvertiseNameAndServices", mock.Anything, "", mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(context.Canceled)

	s.Require().NoError(s.stack.StartAdvertising(native.Advertisement{Name: "quickble"}))
	s.True(s.next(native.EventAdvertiseStarted).Success)

	ev := s.next(native.EventAdvertiseStopped)
	s.Equal(native.AdvertiseErrInternal, ev.Code, "the stop MUST carry the failure code")

	s.Require().NoError(s.stack.StartAdvertising(native.Advertisement{Name: "quickble"}), "advertising MUST restart after a failure")
	s.True(s.next(native.EventAdvertiseStarted).Success)
}

func (s *StackTestSuite) TestScan_EndsWithError() {
	// GOAL: Verify a scan that ends on its own is reported and does not block the next scan
	//
	// TEST SCENARIO: scan fails → scan-stopped event → StartScan accepted again

	s.dev.On("Scan", mock.Anything, false, mock.Anything).
		Return(errors.New("hci: scan disallowed")).Once()
	s.dev.On("Scan", mock.Anything, false, mock.Anything).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	}).Return(context.Canceled)

	s.Require().NoError(s.stack.StartScan(nil, false))
	s.next(native.EventScanStopped)
	s.Require().NoError(s.stack.StartScan(nil, false), "scan MUST restart after it ended with an error")

	s.Require().NoError(s.stack.StopScan())
	select {
	case ev := <-s.events:
		s.NotEqual(native.EventScanStopped, ev.Kind, "StopScan MUST NOT report a scan stop")
	case <-time.After(100 * time.Millisecond):
	}
}

func (s *StackTestSuite) TestScan() {
	// GOAL: Verify advertisements become discovery events
	//
	// TEST SCENARIO: scan reports one advertisement → event with upper-case address, name, rssi, services

	adv := mocks.NewAdvertisement("c0:ff:ee:00:00:01", "HRM", -52, gatt.ToBLE(hrService))
	s.dev.On("Scan", mock.Anything, false, mock.Anything).Run(func(args mock.Arguments) {
		args.Get(2).(ble.AdvHandler)(adv)
		<-args.Get(0).(context.Context).Done()
	}).Return(context.Canceled)

	s.Require().NoError(s.stack.StartScan(nil, false))
	s.Error(s.stack.StartScan(nil, false), "concurrent scans MUST be rejected")

	ev := s.next(native.EventDeviceDiscovered)
	s.Equal("C0:FF:EE:00:00:01", ev.Address)
	s.Equal("HRM", ev.Name)
	s.Equal(-52, ev.RSSI)
	s.Equal([]string{hrService}, ev.Services)

	s.Require().NoError(s.stack.StopScan())
	s.Require().NoError(s.stack.StartScan(nil, false), "scan MUST restart after stop")
}

func (s *StackTestSuite) remoteProfile() (*ble.Profile, *ble.Characteristic, *ble.Descriptor) {
	desc := &ble.Descriptor{UUID: gatt.ToBLE(userDesc)}
	char := &ble.Characteristic{
		UUID:        gatt.ToBLE(hrMeasure),
		Property:    ble.CharRead | ble.CharNotify,
		Descriptors: []*ble.Descriptor{desc},
	}
	svc := &ble.Service{UUID: gatt.ToBLE(hrService), Characteristics: []*ble.Characteristic{char}}
	return &ble.Profile{Services: []*ble.Service{svc}}, char, desc
}

func (s *StackTestSuite) TestProfileFromBLE() {
	p, char, desc := s.remoteProfile()
	profile, chars, descs := profileFromBLE(p)

	s.Require().Len(profile.Services, 1)
	sn := profile.Services[0]
	s.Equal(hrService, sn.UUID)
	s.True(sn.Primary)
	s.Require().Len(sn.Characteristics, 1)

	cn := sn.Characteristics[0]
	s.Equal(gatt.PropRead|gatt.PropNotify, cn.Properties)
	s.Equal(gatt.PermRead, cn.Permissions, "permissions MUST follow the read/write properties")
	s.Require().Len(cn.Descriptors, 1)
	s.Equal(userDesc, cn.Descriptors[0].UUID)
	s.Equal(hrMeasure, cn.Descriptors[0].Characteristic)

	s.Same(char, chars[cn.Key()])
	s.Same(desc, descs[cn.Descriptors[0].Key()])

	empty, _, _ := profileFromBLE(nil)
	s.Empty(empty.Services)
}

func (s *StackTestSuite) TestClientFlow() {
	// GOAL: Verify connect, discovery, GATT operations and disconnect on one link
	//
	// TEST SCENARIO: connect → connected + services discovered → read, write, subscribe, descriptor read → disconnect

	p, char, desc := s.remoteProfile()
	client := &mocks.MockClient{}
	client.On("DiscoverProfile", true).Return(p, nil)
	client.On("ReadCharacteristic", char).Return([]byte{0x00, 0x50}, nil)
	client.On("WriteCharacteristic", char, []byte{0x01}, true).Return(ble.ErrWriteNotPerm)
	client.On("ReadDescriptor", desc).Return([]byte("Heart Rate"), nil)
	client.On("CancelConnection").Return(nil)

	var notify ble.NotificationHandler
	client.On("Subscribe", char, false, mock.Anything).Run(func(args mock.Arguments) {
		notify = args.Get(2).(ble.NotificationHandler)
	}).Return(nil)

	var dialed string
	Dial = func(ctx context.Context, dev ble.Device, address string) (Client, error) {
		dialed = address
		return client, nil
	}

	s.Require().NoError(s.stack.Connect("c0:ff:ee:00:00:01"))
	s.Equal("C0:FF:EE:00:00:01", s.next(native.EventConnected).Address)
	discovered := s.next(native.EventServicesDiscovered)
	s.True(discovered.Success)
	s.Require().NotNil(discovered.Profile)
	s.Equal("C0:FF:EE:00:00:01", dialed, "dial MUST use the normalized address")
	s.Error(s.stack.Connect("C0:FF:EE:00:00:01"), "duplicate connect MUST be rejected")

	cn := discovered.Profile.Services[0].Characteristics[0]
	addr := "C0:FF:EE:00:00:01"

	s.Require().NoError(s.stack.ReadCharacteristic(addr, cn.Characteristic))
	read := s.next(native.EventCharRead)
	s.True(read.Success)
	s.Equal([]byte{0x00, 0x50}, read.Value)

	s.Require().NoError(s.stack.WriteCharacteristic(addr, cn.Characteristic, []byte{0x01}, true))
	written := s.next(native.EventCharWritten)
	s.False(written.Success)
	s.Equal(int(ble.ErrWriteNotPerm), written.Code, "ATT status MUST be reported")

	s.Require().NoError(s.stack.SetNotify(addr, cn.Characteristic, true))
	sub := s.next(native.EventSubscriptionChanged)
	s.True(sub.Enabled)
	s.True(sub.Success)
	s.Require().NotNil(notify)
	notify([]byte{0x00, 0x51})
	s.Equal([]byte{0x00, 0x51}, s.next(native.EventNotification).Value)

	s.Require().NoError(s.stack.ReadDescriptor(addr, cn.Descriptors[0]))
	s.Equal([]byte("Heart Rate"), s.next(native.EventDescRead).Value)

	unknown := gatt.Characteristic{UUID: hrControl, Service: hrService}
	var nf *gatt.NotFoundError
	s.ErrorAs(s.stack.ReadCharacteristic(addr, unknown), &nf, "unknown characteristic MUST be reported as not found")

	s.Require().NoError(s.stack.Disconnect(addr))
	s.Equal(addr, s.next(native.EventDisconnected).Address)
	s.Error(s.stack.ReadCharacteristic(addr, cn.Characteristic), "operations MUST fail after disconnect")
	client.AssertCalled(s.T(), "CancelConnection")
}

func (s *StackTestSuite) TestConnectFailure() {
	Dial = func(ctx context.Context, dev ble.Device, address string) (Client, error) {
		return nil, ble.ErrReqNotSupp
	}
	s.Require().NoError(s.stack.Connect("AA:00"))
	ev := s.next(native.EventConnectFailed)
	s.Equal("AA:00", ev.Address)
	s.Equal(int(ble.ErrReqNotSupp), ev.Code)
	s.Require().NoError(s.stack.Connect("AA:00"), "a failed link MUST NOT block a retry")
}

func (s *StackTestSuite) TestClose() {
	// GOAL: Verify Close is idempotent and silences the stack
	//
	// TEST SCENARIO: close twice → no error → events suppressed → operations rejected

	s.Require().NoError(s.stack.Close())
	s.Require().NoError(s.stack.Close())
	s.stack.emit(native.Event{Kind: native.EventPowerChanged})
	s.Empty(s.events, "events MUST NOT be delivered after close")
	s.ErrorIs(s.stack.StartScan(nil, false), errClosed)
	s.ErrorIs(s.stack.RequestEnable(native.Prompt{}), errClosed)
	s.dev.AssertCalled(s.T(), "Stop")
}

func TestAdvertiseCode(t *testing.T) {
	assert.Equal(t, native.AdvertiseOK, advertiseCode(nil))
	assert.Equal(t, native.AdvertiseErrAlreadyStarted, advertiseCode(errors.New("advertising already in progress")))
	assert.Equal(t, native.AdvertiseErrTooManyAdvertisers, advertiseCode(errors.New("too many advertisers")))
	assert.Equal(t, native.AdvertiseErrUnsupported, advertiseCode(errors.New("operation not supported")))
	assert.Equal(t, native.AdvertiseErrInternal, advertiseCode(errors.New("hci: command disallowed")))
}

func TestAttCode(t *testing.T) {
	require.Equal(t, 0, attCode(nil))
	require.Equal(t, 0, attCode(errors.New("plain")))
	require.Equal(t, int(ble.ErrInvalidOffset), attCode(ble.ErrInvalidOffset))
}
