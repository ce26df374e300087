package role_test

import (
	"errors"
	"testing"

	"github.com/srg/quickble/internal/gatt"
	"github.com/srg/quickble/internal/native"
	"github.com/srg/quickble/internal/role"
	"github.com/srg/quickble/internal/testutils"
	"github.com/stretchr/testify/suite"
)

const (
	centralA = "AA:BB:CC:00:00:01"
	centralB = "AA:BB:CC:00:00:02"
)

var (
	hrService = gatt.MustNormalizeUUID("180D")
	hrMeasure = gatt.MustNormalizeUUID("2A37")
	hrControl = gatt.MustNormalizeUUID("2A39")
	cccd      = gatt.MustNormalizeUUID("2902")
)

type ServerTestSuite struct {
	suite.Suite
	helper *testutils.TestHelper
	stack  *testutils.FakeStack
	sink   *testutils.RecordingSink
	server *role.Server
}

func TestServerTestSuite(t *testing.T) {
	suite.Run(t, new(ServerTestSuite))
}

func (s *ServerTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.stack = testutils.NewFakeStack(native.PowerEnabled)
	s.sink = testutils.NewRecordingSink()
	s.server = role.NewServer(1, role.Deps{
		Stack:  s.stack,
		Emit:   s.sink.Emit,
		Post:   s.sink.Post,
		Logger: s.helper.Logger,
	}, role.ServerOptions{DeviceName: "quickble", AdvertiseDeviceName: true, AdvertiseOnStart: true})
}

func (s *ServerTestSuite) declareHeartRate() {
	s.Require().NoError(s.server.AddService("180D", true))
	s.Require().NoError(s.server.AddCharacteristic("2A37", "180D", gatt.PropNotify, gatt.PermRead))
	s.Require().NoError(s.server.AddCharacteristic("2A39", "180D", gatt.PropWrite|gatt.PropRead, gatt.PermWrite|gatt.PermRead))
	s.Require().NoError(s.server.AddDescriptor("2902", "2A37", 0))
}

func (s *ServerTestSuite) start() {
	s.Require().NoError(s.server.StartServer())
	s.server.Apply(native.Event{Kind: native.EventAdvertiseStarted, Success: true})
	s.sink.Flush()
	s.sink.Reset()
}

func (s *ServerTestSuite) TestHeartRateScenario() {
	// GOAL: Verify the canonical heart-rate server flow succeeds end to end
	//
	// TEST SCENARIO: add 180D + 2A37(NOTIFY, READ) → startServer ok → notifyDevice without subscribers is a no-op

	s.Require().NoError(s.server.AddService("180D", true))
	s.Require().NoError(s.server.AddCharacteristic("2A37", "180D", gatt.PropNotify, gatt.PermRead))

	s.Assert().NoError(s.server.StartServer(), "startServer MUST succeed with a declared hierarchy")
	s.Assert().True(s.server.IsRunning())

	published, ok := s.stack.LastCall("Publish")
	s.Require().True(ok, "hierarchy MUST be published")
	s.Assert().Equal(hrService, published.Profile.Services[0].UUID)
	s.Assert().Equal(hrMeasure, published.Profile.Services[0].Characteristics[0].UUID)

	s.Assert().NoError(s.server.NotifyDevice("2A37", "AA:BB:CC"), "notify without subscribers MUST be a silent no-op")
	s.Assert().Equal(0, s.stack.Count("Notify"))
}

func (s *ServerTestSuite) TestStartServer_Preconditions() {
	s.Run("empty hierarchy", func() {
		err := s.server.StartServer()
		s.Assert().ErrorIs(err, gatt.ErrInvalidState, "empty hierarchy MUST be refused")
	})

	s.Run("bluetooth disabled", func() {
		s.declareHeartRate()
		s.stack.SetPower(native.PowerDisabled)
		err := s.server.StartServer()
		s.Assert().ErrorIs(err, gatt.ErrBluetoothUnavailable)
		s.Assert().Equal(role.ServerBluetoothUnavailable, s.server.State())
		s.stack.SetPower(native.PowerEnabled)
	})

	s.Run("publication failure", func() {
		s.stack.Fail("Publish", errors.New("gatt database full"))
		err := s.server.StartServer()
		s.Assert().ErrorIs(err, gatt.ErrNativeFailure)
		s.Assert().False(s.server.IsRunning())
		s.stack.Fail("Publish", nil)
	})

	s.Run("already running", func() {
		s.Require().NoError(s.server.StartServer())
		err := s.server.StartServer()
		s.Assert().ErrorIs(err, gatt.ErrInvalidState, "second start MUST report the server as already running")
	})
}

func (s *ServerTestSuite) TestAdvertisingLifecycle() {
	// GOAL: Verify advertising is driven by the stack outcome and is idempotent
	//
	// TEST SCENARIO: start → advertise requested → success event → advertise(0) → stop twice → one native stop

	s.declareHeartRate()
	s.Require().NoError(s.server.AdvertiseService("180D", true))
	s.Require().NoError(s.server.AdvertiseService("180d", true))
	s.Assert().Equal([]string{hrService}, s.server.AdvertisedServices())

	s.Require().NoError(s.server.StartServer())
	ad, ok := s.stack.LastCall("StartAdvertising")
	s.Require().True(ok, "AdvertiseOnStart MUST request advertising")
	s.Assert().Equal("quickble", ad.Ad.Name)
	s.Assert().Equal([]string{hrService}, ad.Ad.Services)
	s.Assert().False(s.server.IsAdvertising(), "advertising MUST wait for the stack outcome")

	s.Require().NoError(s.server.StartAdvertising())
	s.Assert().Equal(1, s.stack.Count("StartAdvertising"), "pending advertise MUST NOT be re-requested")

	s.server.Apply(native.Event{Kind: native.EventAdvertiseStarted, Success: true})
	s.Assert().True(s.server.IsAdvertising())
	s.Assert().Equal(role.ServerAdvertising, s.server.State())
	adv := s.sink.OfKind(role.OnAdvertise)
	s.Require().Len(adv, 1)
	s.Assert().Equal(native.AdvertiseOK, adv[0].Code)

	s.server.StopAdvertising()
	s.server.StopAdvertising()
	s.Assert().Equal(1, s.stack.Count("StopAdvertising"))
	s.Assert().False(s.server.IsAdvertising())

	// stale outcome after stop
	s.server.Apply(native.Event{Kind: native.EventAdvertiseStarted, Success: true})
	s.Assert().False(s.server.IsAdvertising())
}

func (s *ServerTestSuite) TestAdvertising_NotRunningIsNoop() {
	s.declareHeartRate()
	s.Assert().NoError(s.server.StartAdvertising())
	s.Assert().Equal(0, s.stack.Count("StartAdvertising"))
}

func (s *ServerTestSuite) TestAdvertising_Failure() {
	s.declareHeartRate()
	s.Require().NoError(s.server.StartServer())
	s.server.Apply(native.Event{Kind: native.EventAdvertiseStarted, Success: false, Code: native.AdvertiseErrDataTooLarge})

	s.Assert().False(s.server.IsAdvertising())
	adv := s.sink.OfKind(role.OnAdvertise)
	s.Require().Len(adv, 1)
	s.Assert().Equal(native.AdvertiseErrDataTooLarge, adv[0].Code)

	s.Run("synchronous native failure is reported through the callback", func() {
		s.sink.Reset()
		s.stack.Fail("StartAdvertising", errors.New("busy"))
		s.Assert().NoError(s.server.StartAdvertising())
		s.Assert().Empty(s.sink.OfKind(role.OnAdvertise), "callback MUST be deferred")
		s.sink.Flush()
		adv := s.sink.OfKind(role.OnAdvertise)
		s.Require().Len(adv, 1)
		s.Assert().Equal(native.AdvertiseErrInternal, adv[0].Code)
	})
}

func (s *ServerTestSuite) TestAdvertising_StoppedByStack() {
	// GOAL: Verify advertising that ends after it started is reflected in the role and can be restarted
	//
	// TEST SCENARIO: advertising → stack reports stop → advertise(code) → not advertising → StartAdvertising requests it again

	s.declareHeartRate()
	s.start()
	s.Require().True(s.server.IsAdvertising())

	s.server.Apply(native.Event{Kind: native.EventAdvertiseStopped})
	s.Assert().False(s.server.IsAdvertising(), "advertising state MUST follow the radio")
	s.Assert().True(s.server.IsRunning())
	adv := s.sink.OfKind(role.OnAdvertise)
	s.Require().Len(adv, 1)
	s.Assert().Equal(native.AdvertiseErrInternal, adv[0].Code)

	s.Require().NoError(s.server.StartAdvertising())
	s.Assert().Equal(2, s.stack.Count("StartAdvertising"), "restart MUST reach the stack")

	s.sink.Reset()
	s.server.Apply(native.Event{Kind: native.EventAdvertiseStopped, Code: native.AdvertiseErrUnsupported})
	s.Assert().Empty(s.sink.Events(), "a stop while a new advertisement is pending MUST be ignored")
}

func (s *ServerTestSuite) TestClearGatt_StopsLiveServerFirst() {
	// GOAL: Verify the attribute table is never mutated while exposed
	//
	// TEST SCENARIO: running + advertising → ClearGatt → stop advertising and withdraw happen before the hierarchy is empty

	s.declareHeartRate()
	s.start()

	s.server.ClearGatt()

	calls := s.stack.Calls("StopAdvertising", "Withdraw")
	s.Require().Len(calls, 2)
	s.Assert().Equal("StopAdvertising", calls[0].Method)
	s.Assert().Equal("Withdraw", calls[1].Method)
	s.Assert().False(s.server.IsRunning())
	s.Assert().False(s.server.IsAdvertising())
	s.Assert().Empty(s.server.Services())
	s.Assert().Empty(s.server.AdvertisedServices())
}

func (s *ServerTestSuite) TestStructuralChangesWhileRunning() {
	s.declareHeartRate()
	s.start()

	s.Assert().NoError(s.server.AddService("180D", true), "re-declaring MUST stay idempotent while running")
	s.Assert().NoError(s.server.AddCharacteristic("2A37", "180D", 0, 0))
	s.Assert().ErrorIs(s.server.AddService("180F", true), gatt.ErrInvalidState)
	s.Assert().ErrorIs(s.server.AddCharacteristic("2A38", "180D", 0, 0), gatt.ErrInvalidState)
	s.Assert().False(s.server.HasService("180F"))

	s.server.StopServer()
	s.Assert().NoError(s.server.AddService("180F", true))
}

func (s *ServerTestSuite) TestLocalWriteAndRead() {
	// GOAL: Verify local value operations own their buffers and report asynchronously
	//
	// TEST SCENARIO: write [1,2,3] → caller mutates input → char-write after flush → read returns [1,2,3]

	s.declareHeartRate()
	in := []byte{0x01, 0x02, 0x03}
	s.Require().NoError(s.server.WriteCharacteristic("2A37", in, false))
	in[0] = 0xFF

	s.Assert().Empty(s.sink.Events(), "callbacks MUST NOT fire before the call returns")
	s.sink.Flush()
	writes := s.sink.OfKind(role.OnCharWrite)
	s.Require().Len(writes, 1)
	s.Assert().Equal([]byte{0x01, 0x02, 0x03}, writes[0].Value)

	s.Require().NoError(s.server.ReadCharacteristic("2a37"))
	s.sink.Flush()
	reads := s.sink.OfKind(role.OnCharRead)
	s.Require().Len(reads, 1)
	s.Assert().Equal(role.UnknownAddress, reads[0].Address)
	s.Assert().Equal(hrMeasure, reads[0].UUID)
	s.Assert().Equal([]byte{0x01, 0x02, 0x03}, reads[0].Value)

	v, ok := s.server.Value("2A37")
	s.Assert().True(ok)
	s.Assert().Equal([]byte{0x01, 0x02, 0x03}, v)

	var nf *gatt.NotFoundError
	s.Assert().ErrorAs(s.server.WriteCharacteristic("2A99", nil, false), &nf)
	s.Assert().ErrorAs(s.server.ReadDescriptor("2999"), &nf)
}

func (s *ServerTestSuite) TestLocalDescriptorValues() {
	s.declareHeartRate()
	s.Require().NoError(s.server.WriteDescriptor("2902", []byte{0x01, 0x00}))
	s.Require().NoError(s.server.ReadDescriptor("2902"))
	s.sink.Flush()

	s.Assert().Equal([]role.HostEventKind{role.OnDescWrite, role.OnDescRead}, s.sink.Kinds())
	read := s.sink.OfKind(role.OnDescRead)[0]
	s.Assert().Equal(cccd, read.UUID)
	s.Assert().Equal([]byte{0x01, 0x00}, read.Value)
}

func (s *ServerTestSuite) TestReadInternalWrites() {
	s.declareHeartRate()
	opts := s.server.Options()
	opts.ReadInternalWrites = true
	s.server.SetOptions(opts)

	s.Require().NoError(s.server.WriteCharacteristic("2A37", []byte{9}, false))
	s.sink.Flush()
	s.Assert().Equal([]role.HostEventKind{role.OnCharWrite, role.OnCharRead}, s.sink.Kinds())
	s.Assert().Equal(role.UnknownAddress, s.sink.OfKind(role.OnCharRead)[0].Address)
}

func (s *ServerTestSuite) TestSubscriptionsAndNotify() {
	// GOAL: Verify notifications reach only subscribed centrals
	//
	// TEST SCENARIO: A subscribes → A recorded as connected → write(notify) → notify A only → A unsubscribes → no notify

	s.declareHeartRate()
	s.start()

	s.server.Apply(native.Event{Kind: native.EventConnected, Address: centralB, Name: "phone-b"})
	s.server.Apply(native.Event{Kind: native.EventSubscriptionChanged, Address: centralA, Service: hrService, Characteristic: hrMeasure, Enabled: true})

	connected := s.sink.OfKind(role.OnDeviceConnected)
	s.Require().Len(connected, 2, "an unknown subscriber MUST be reported as connected")
	s.Assert().Equal(centralA, connected[1].Address)
	s.Assert().Equal([]string{centralA}, s.server.Subscribers("2A37"))

	s.Require().NoError(s.server.WriteCharacteristic("2A37", []byte{72}, true))
	notifies := s.stack.Calls("Notify")
	s.Require().Len(notifies, 1)
	s.Assert().Equal(centralA, notifies[0].Address)
	s.Assert().Equal([]byte{72}, notifies[0].Value)

	s.Require().NoError(s.server.NotifyDevice("2A37", centralB), "unsubscribed peer MUST be a no-op")
	s.Require().NoError(s.server.NotifyDevice("2A37", centralA))
	s.Assert().Equal(2, s.stack.Count("Notify"))

	s.server.Apply(native.Event{Kind: native.EventNotificationSent, Address: centralA, Characteristic: hrMeasure, Success: true})
	sent := s.sink.OfKind(role.OnSentNotification)
	s.Require().Len(sent, 1)
	s.Assert().True(sent[0].Success)
	s.Assert().Equal(hrMeasure, sent[0].UUID)

	s.server.Apply(native.Event{Kind: native.EventSubscriptionChanged, Address: centralA, Characteristic: hrMeasure, Enabled: false})
	s.Require().NoError(s.server.WriteCharacteristic("2A37", []byte{73}, true))
	s.Assert().Equal(2, s.stack.Count("Notify"))

	var nf *gatt.NotFoundError
	s.Assert().ErrorAs(s.server.NotifyDevice("2A99", centralA), &nf)
}

func (s *ServerTestSuite) TestUnsubscribeFromUnknownCentral() {
	s.declareHeartRate()
	s.start()

	s.server.Apply(native.Event{Kind: native.EventSubscriptionChanged, Address: centralA, Service: hrService, Characteristic: hrMeasure, Enabled: false})

	s.Assert().Empty(s.sink.OfKind(role.OnDeviceConnected), "an unsubscribe MUST NOT report an unknown central as connected")
	s.Assert().Empty(s.server.Peers())
	s.Assert().Empty(s.server.Subscribers("2A37"))
}

func (s *ServerTestSuite) TestRemoteWrite() {
	// GOAL: Verify remote writes are validated locally and fan out to other subscribers
	//
	// TEST SCENARIO: B subscribes to 2A39 → A writes 2A39 → char-read(A) → B notified, A not → write to read-only 2A37 rejected

	s.declareHeartRate()
	s.start()
	s.server.Apply(native.Event{Kind: native.EventSubscriptionChanged, Address: centralA, Characteristic: hrControl, Enabled: true})
	s.server.Apply(native.Event{Kind: native.EventSubscriptionChanged, Address: centralB, Characteristic: hrControl, Enabled: true})
	s.sink.Reset()

	s.server.Apply(native.Event{Kind: native.EventWriteRequest, Address: centralA, Service: hrService, Characteristic: hrControl, Value: []byte{0x01}})

	reads := s.sink.OfKind(role.OnCharRead)
	s.Require().Len(reads, 1)
	s.Assert().Equal(centralA, reads[0].Address)
	s.Assert().Equal([]byte{0x01}, reads[0].Value)
	served, ok := s.stack.Served(gatt.CharKey(hrService, hrControl))
	s.Assert().True(ok)
	s.Assert().Equal([]byte{0x01}, served, "remote readers MUST see the accepted value")

	notifies := s.stack.Calls("Notify")
	s.Require().Len(notifies, 1, "the writer MUST NOT be notified by default")
	s.Assert().Equal(centralB, notifies[0].Address)

	s.Run("notify changing device", func() {
		opts := s.server.Options()
		opts.NotifyChangingDevice = true
		s.server.SetOptions(opts)
		s.server.Apply(native.Event{Kind: native.EventWriteRequest, Address: centralA, Characteristic: hrControl, Value: []byte{0x02}})
		s.Assert().Equal(3, s.stack.Count("Notify"))
	})

	s.Run("read-only characteristic", func() {
		s.sink.Reset()
		s.server.Apply(native.Event{Kind: native.EventWriteRequest, Address: centralA, Characteristic: hrMeasure, Value: []byte{0xFF}})
		s.Assert().Empty(s.sink.OfKind(role.OnCharRead), "rejected writes MUST NOT be reported")
		v, _ := s.server.Value("2A37")
		s.Assert().Empty(v, "rejected writes MUST NOT be applied")
	})

	s.Run("descriptor write", func() {
		s.sink.Reset()
		s.server.Apply(native.Event{Kind: native.EventWriteRequest, Address: centralA, Characteristic: hrMeasure, Descriptor: cccd, Value: []byte{0x01, 0x00}})
		reads := s.sink.OfKind(role.OnDescRead)
		s.Require().Len(reads, 1)
		s.Assert().Equal(cccd, reads[0].UUID)
		s.Assert().Equal(centralA, reads[0].Address)
	})
}

func (s *ServerTestSuite) TestConnectionsAndPowerLoss() {
	s.declareHeartRate()
	s.start()

	s.server.Apply(native.Event{Kind: native.EventConnected, Address: centralA, Name: "phone"})
	s.server.Apply(native.Event{Kind: native.EventConnected, Address: centralA, Name: "phone"})
	s.Assert().Len(s.sink.OfKind(role.OnDeviceConnected), 1, "duplicate connect signals MUST coalesce")
	s.Assert().Len(s.server.Peers(), 1)

	s.server.Apply(native.Event{Kind: native.EventDisconnected, Address: centralA})
	s.server.Apply(native.Event{Kind: native.EventDisconnected, Address: centralA})
	disc := s.sink.OfKind(role.OnDeviceDisconnect)
	s.Require().Len(disc, 1)
	s.Assert().Equal("phone", disc[0].Name)

	s.server.Apply(native.Event{Kind: native.EventConnected, Address: centralB})
	s.server.Apply(native.Event{Kind: native.EventPowerChanged, Power: native.PowerDisabled})

	power := s.sink.OfKind(role.OnBtPower)
	s.Require().Len(power, 1)
	s.Assert().False(power[0].Success)
	s.Assert().False(s.server.IsRunning(), "power loss MUST stop the server")
	cancel, ok := s.stack.LastCall("CancelPeer")
	s.Require().True(ok)
	s.Assert().Equal(centralB, cancel.Address)
}

func (s *ServerTestSuite) TestRequestEnableBt() {
	s.Require().NoError(s.server.RequestEnableBt(native.Prompt{Title: "Bluetooth", Message: "Enable?"}))
	s.Assert().Equal(1, s.stack.Count("RequestEnable"))

	s.server.Apply(native.Event{Kind: native.EventEnableResult, Success: true})
	s.server.Apply(native.Event{Kind: native.EventPowerChanged, Power: native.PowerEnabled})
	s.Assert().Equal([]role.HostEventKind{role.OnRequestBt, role.OnBtPower}, s.sink.Kinds())
	s.Assert().Equal(native.PowerEnabled, s.server.CheckBluetooth())
}

func (s *ServerTestSuite) TestClose() {
	// GOAL: Verify teardown stops everything and silences later callbacks
	//
	// TEST SCENARIO: running + connected → Close → withdraw, cancel peer, stack closed → late event ignored

	s.declareHeartRate()
	s.start()
	s.server.Apply(native.Event{Kind: native.EventConnected, Address: centralA})
	s.sink.Reset()

	s.Require().NoError(s.server.Close())
	s.Assert().True(s.stack.IsClosed())
	s.Assert().Equal(1, s.stack.Count("Withdraw"))
	s.Assert().Equal(1, s.stack.Count("CancelPeer"))
	s.Assert().True(s.server.Closed())

	s.server.Apply(native.Event{Kind: native.EventConnected, Address: centralB})
	s.Assert().Empty(s.sink.Events(), "closed roles MUST NOT emit")
	s.Assert().NoError(s.server.Close())
}
