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
	sensorAddr = "C0:FF:EE:00:00:01"
	otherAddr  = "C0:FF:EE:00:00:02"
)

var (
	batteryService = gatt.MustNormalizeUUID("180F")
	batteryLevel   = gatt.MustNormalizeUUID("2A19")
	nusService     = gatt.MustNormalizeUUID("6E400001-B5A3-F393-E0A9-E50E24DCCA9E")
	nusRX          = gatt.MustNormalizeUUID("6E400002-B5A3-F393-E0A9-E50E24DCCA9E")
)

// sensorProfile is what discovery reports for the remote sensor.
func sensorProfile(t *testing.T) *gatt.Profile {
	h := gatt.NewHierarchy()
	must := func(err error) {
		if err != nil {
			t.Fatal(err)
		}
	}
	must(h.AddService("180D", true))
	must(h.AddCharacteristic("2A37", "180D", gatt.PropNotify|gatt.PropRead, gatt.PermRead))
	must(h.AddDescriptor("2902", "2A37", 0))
	must(h.AddService("180F", true))
	must(h.AddCharacteristic("2A19", "180F", gatt.PropRead|gatt.PropWrite, gatt.PermRead|gatt.PermWrite))
	must(h.AddService(nusService, true))
	must(h.AddCharacteristic(nusRX, nusService, gatt.PropWriteNoResponse, gatt.PermWrite))
	p := h.Snapshot()
	return &p
}

type ClientTestSuite struct {
	suite.Suite
	helper *testutils.TestHelper
	stack  *testutils.FakeStack
	sink   *testutils.RecordingSink
	client *role.Client
}

func TestClientTestSuite(t *testing.T) {
	suite.Run(t, new(ClientTestSuite))
}

func (s *ClientTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.stack = testutils.NewFakeStack(native.PowerEnabled)
	s.sink = testutils.NewRecordingSink()
	s.client = role.NewClient(2, role.Deps{
		Stack:  s.stack,
		Emit:   s.sink.Emit,
		Post:   s.sink.Post,
		Logger: s.helper.Logger,
	}, role.ClientOptions{})
}

func (s *ClientTestSuite) discover(addr, name string, services ...string) {
	s.client.Apply(native.Event{Kind: native.EventDeviceDiscovered, Address: addr, Name: name, RSSI: -60, Services: services})
}

// connectSensor drives scan → discover → connect → service discovery for the sensor.
func (s *ClientTestSuite) connectSensor() {
	s.Require().NoError(s.client.ScanForDevices())
	s.discover(sensorAddr, "sensor", hrService)
	s.client.StopScanning()
	s.Require().NoError(s.client.ConnectToDevice(sensorAddr))
	s.client.Apply(native.Event{Kind: native.EventConnected, Address: sensorAddr})
	s.client.Apply(native.Event{Kind: native.EventServicesDiscovered, Address: sensorAddr, Success: true, Profile: sensorProfile(s.T())})
	s.Require().True(s.client.IsConnected())
	s.sink.Flush()
	s.sink.Reset()
}

func (s *ClientTestSuite) TestScanWithoutBluetooth() {
	// GOAL: Verify scanning is refused synchronously when Bluetooth is off
	//
	// TEST SCENARIO: power disabled → scanForDevices → BluetoothUnavailable, no native scan

	s.stack.SetPower(native.PowerDisabled)
	err := s.client.ScanForDevices()
	s.Assert().ErrorIs(err, gatt.ErrBluetoothUnavailable)
	s.Assert().Equal(gatt.BluetoothUnavailable, gatt.KindOf(err))
	s.Assert().Equal(0, s.stack.Count("StartScan"))
	s.Assert().False(s.client.IsScanning())
	s.Assert().Equal(role.ClientBluetoothUnavailable, s.client.State())
}

func (s *ClientTestSuite) TestScanFilter() {
	// GOAL: Verify the scan filter is a set and filters discoveries
	//
	// TEST SCENARIO: add 180D twice → filter has one entry → scan passes filter → only advertising devices reported

	s.Require().NoError(s.client.ScanForService("180D", true))
	s.Require().NoError(s.client.ScanForService("0x180d", true))
	s.Assert().Equal([]string{hrService}, s.client.ScanServices())

	s.Require().NoError(s.client.ScanForDevices())
	call, ok := s.stack.LastCall("StartScan")
	s.Require().True(ok)
	s.Assert().Equal([]string{hrService}, call.Filter)
	s.Assert().False(call.Flag, "duplicates MUST be filtered without continuous scan")
	s.Assert().Equal(role.ClientScanning, s.client.State())

	s.discover(sensorAddr, "sensor", hrService)
	s.discover(otherAddr, "lamp", batteryService)
	s.discover(sensorAddr, "sensor", hrService)

	found := s.sink.OfKind(role.OnDeviceDiscovered)
	s.Require().Len(found, 1)
	s.Assert().Equal(sensorAddr, found[0].Address)
	s.Assert().Equal(-60, found[0].RSSI)

	s.Assert().ErrorIs(s.client.ScanForDevices(), gatt.ErrInvalidState, "scanning twice MUST be refused")

	s.Require().NoError(s.client.ScanForService("180D", false))
	s.Assert().Empty(s.client.ScanServices())
}

func (s *ClientTestSuite) TestContinuousScan() {
	s.client.SetOptions(role.ClientOptions{ContinuousScan: true})
	s.Require().NoError(s.client.ScanForDevices())
	call, _ := s.stack.LastCall("StartScan")
	s.Assert().True(call.Flag)

	s.discover(sensorAddr, "sensor")
	s.discover(sensorAddr, "sensor")
	s.Assert().Len(s.sink.OfKind(role.OnDeviceDiscovered), 2)

	s.client.StopScanning()
	s.client.StopScanning()
	s.Assert().Equal(1, s.stack.Count("StopScan"))
	s.discover(otherAddr, "late")
	s.Assert().Len(s.sink.OfKind(role.OnDeviceDiscovered), 2, "advertisements after stop MUST be ignored")
}

func (s *ClientTestSuite) TestRescanForgetsStaleDevices() {
	s.Require().NoError(s.client.ScanForDevices())
	s.discover(sensorAddr, "sensor")
	s.client.StopScanning()
	s.Require().Len(s.client.Peers(), 1)

	s.Require().NoError(s.client.ScanForDevices())
	s.Assert().Empty(s.client.Peers())
	s.Assert().ErrorIs(s.client.ConnectToDevice(sensorAddr), gatt.ErrInvalidState, "forgotten devices MUST NOT be connectable")
}

func (s *ClientTestSuite) TestConnectAndDiscover() {
	// GOAL: Verify the connect flow reports success and mirrors the remote hierarchy
	//
	// TEST SCENARIO: discover → connect → connected event → connect-to-device(true) → services discovered → hierarchy available

	s.Require().NoError(s.client.ScanForDevices())
	s.discover(sensorAddr, "sensor")

	s.Assert().ErrorIs(s.client.ConnectToDevice(otherAddr), gatt.ErrInvalidState, "undiscovered devices MUST be refused")

	s.Require().NoError(s.client.ConnectToDevice(sensorAddr))
	s.Assert().False(s.client.IsConnected(), "connecting MUST NOT count as connected")
	s.Assert().ErrorIs(s.client.ConnectToDevice(sensorAddr), gatt.ErrInvalidState)

	s.client.Apply(native.Event{Kind: native.EventConnected, Address: sensorAddr})
	s.Assert().True(s.client.IsConnected())
	connected := s.sink.OfKind(role.OnConnectToDevice)
	s.Require().Len(connected, 1)
	s.Assert().True(connected[0].Success)
	s.Assert().Equal("sensor", connected[0].Name)

	s.client.Apply(native.Event{Kind: native.EventConnected, Address: sensorAddr})
	s.Assert().Len(s.sink.OfKind(role.OnConnectToDevice), 1, "duplicate connect signals MUST coalesce")

	s.client.Apply(native.Event{Kind: native.EventServicesDiscovered, Address: sensorAddr, Success: true, Profile: sensorProfile(s.T())})
	s.Assert().Len(s.sink.OfKind(role.OnServiceDiscovered), 1)
	s.Assert().Equal([]string{hrService, batteryService, nusService}, s.client.Services())
	s.Assert().True(s.client.HasCharacteristic("2A19"))
	s.Assert().True(s.client.HasDescriptor("2902"))

	info, ok := s.client.Connection()
	s.Require().True(ok)
	s.Assert().Equal(role.ServicesDiscovered, info.Discovery)
	s.Assert().NoError(s.client.ConnectToDevice(sensorAddr), "reconnecting the current device MUST be a no-op")
	s.Assert().Equal(1, s.stack.Count("Connect"))
}

func (s *ClientTestSuite) TestConnectFailure() {
	s.Require().NoError(s.client.ScanForDevices())
	s.discover(sensorAddr, "sensor")

	s.Run("reported by the stack", func() {
		s.Require().NoError(s.client.ConnectToDevice(sensorAddr))
		s.client.Apply(native.Event{Kind: native.EventConnectFailed, Address: sensorAddr, Code: 133})
		res := s.sink.OfKind(role.OnConnectToDevice)
		s.Require().Len(res, 1)
		s.Assert().False(res[0].Success)
		s.Assert().False(s.client.IsConnected())
	})

	s.Run("refused synchronously", func() {
		s.sink.Reset()
		s.stack.Fail("Connect", errors.New("radio busy"))
		s.Require().NoError(s.client.ConnectToDevice(sensorAddr))
		s.Assert().Empty(s.sink.Events(), "failure MUST be reported after the call returns")
		s.sink.Flush()
		res := s.sink.OfKind(role.OnConnectToDevice)
		s.Require().Len(res, 1)
		s.Assert().False(res[0].Success)
		s.stack.Fail("Connect", nil)
	})
}

func (s *ClientTestSuite) TestDisconnectRace() {
	// GOAL: Verify a late connect completion after disconnect does not resurrect the connection
	//
	// TEST SCENARIO: connect → disconnect → late connected event → native disconnect → link end answers the attempt with connect-to-device(false)

	s.Require().NoError(s.client.ScanForDevices())
	s.discover(sensorAddr, "sensor")
	s.Require().NoError(s.client.ConnectToDevice(sensorAddr))
	s.Require().NoError(s.client.Disconnect())
	s.Require().NoError(s.client.Disconnect())

	s.client.Apply(native.Event{Kind: native.EventConnected, Address: sensorAddr})
	s.Assert().False(s.client.IsConnected())
	s.Assert().Empty(s.sink.OfKind(role.OnConnectToDevice))
	s.Assert().Equal(2, s.stack.Count("Disconnect"), "late link MUST be torn down")

	s.client.Apply(native.Event{Kind: native.EventDisconnected, Address: sensorAddr})
	s.Assert().Empty(s.sink.OfKind(role.OnDisconnectFromDevice), "a link never reported as connected MUST NOT report a disconnect")
	res := s.sink.OfKind(role.OnConnectToDevice)
	s.Require().Len(res, 1)
	s.Assert().False(res[0].Success)
	_, ok := s.client.Connection()
	s.Assert().False(ok)
	s.Assert().NoError(s.client.Disconnect(), "disconnect without a connection MUST be a no-op")
}

func (s *ClientTestSuite) TestDisconnectWhileDialing() {
	// GOAL: Verify a dial aborted by Disconnect fails the connect instead of reporting a disconnect
	//
	// TEST SCENARIO: connect → disconnect while dialing → stack reports connect failure → connect-to-device(false), no disconnect-from-device

	s.Require().NoError(s.client.ScanForDevices())
	s.discover(sensorAddr, "sensor")
	s.Require().NoError(s.client.ConnectToDevice(sensorAddr))
	s.Require().NoError(s.client.Disconnect())

	s.client.Apply(native.Event{Kind: native.EventConnectFailed, Address: sensorAddr})

	s.Assert().Empty(s.sink.OfKind(role.OnDisconnectFromDevice))
	res := s.sink.OfKind(role.OnConnectToDevice)
	s.Require().Len(res, 1, "the aborted dial MUST answer the connect request")
	s.Assert().False(res[0].Success)
	s.Assert().Equal(sensorAddr, res[0].Address)
	_, ok := s.client.Connection()
	s.Assert().False(ok)

	s.Run("established link still reports the disconnect", func() {
		s.sink.Reset()
		s.Require().NoError(s.client.ConnectToDevice(sensorAddr))
		s.client.Apply(native.Event{Kind: native.EventConnected, Address: sensorAddr})
		s.Require().NoError(s.client.Disconnect())
		s.client.Apply(native.Event{Kind: native.EventConnectFailed, Address: sensorAddr})

		s.Assert().Len(s.sink.OfKind(role.OnDisconnectFromDevice), 1)
		s.Assert().Len(s.sink.OfKind(role.OnConnectToDevice), 1, "only the successful connect MUST be reported")
	})
}

func (s *ClientTestSuite) TestScanStoppedByStack() {
	// GOAL: Verify a scan that ends on its own is reflected in the role state and can be restarted
	//
	// TEST SCENARIO: scanning → stack reports scan stopped → not scanning → scan again succeeds

	s.Require().NoError(s.client.ScanForDevices())
	s.Require().True(s.client.IsScanning())

	s.client.Apply(native.Event{Kind: native.EventScanStopped})
	s.Assert().False(s.client.IsScanning(), "scan state MUST follow the radio")
	s.Assert().Equal(role.ClientReady, s.client.State())

	s.Require().NoError(s.client.ScanForDevices(), "a scan stopped by the stack MUST be restartable")
	s.Assert().Equal(2, s.stack.Count("StartScan"))
	s.Assert().True(s.client.IsScanning())
}

func (s *ClientTestSuite) TestOperationsRequireConnection() {
	_, err := s.client.ReadCharacteristic("2A19")
	s.Assert().ErrorIs(err, gatt.ErrNotConnected)
	_, err = s.client.WriteDescriptor("2902", []byte{1, 0})
	s.Assert().ErrorIs(err, gatt.ErrNotConnected)

	s.connectSensor()
	_, err = s.client.ReadCharacteristic("2AFF")
	var nf *gatt.NotFoundError
	s.Assert().ErrorAs(err, &nf)
	s.Assert().Equal(gatt.NotFound, gatt.KindOf(err))
}

func (s *ClientTestSuite) TestWriteThenRead() {
	// GOAL: Verify a remote write followed by a read round-trips the value
	//
	// TEST SCENARIO: write [1,2,3] → write completion → char-write(true) → read → read completion → char-read([1,2,3])

	s.connectSensor()

	w, err := s.client.WriteCharacteristic("2A19", []byte{1, 2, 3})
	s.Require().NoError(err)
	call, ok := s.stack.LastCall("WriteCharacteristic")
	s.Require().True(ok)
	s.Assert().Equal([]byte{1, 2, 3}, call.Value)
	s.Assert().False(call.Flag, "writable characteristic MUST use write with response")

	s.client.Apply(native.Event{Kind: native.EventCharWritten, Address: sensorAddr, Service: batteryService, Characteristic: batteryLevel, Success: true})
	res, done := w.Result()
	s.Require().True(done)
	s.Assert().True(res.Success)
	writes := s.sink.OfKind(role.OnCharWrite)
	s.Require().Len(writes, 1)
	s.Assert().Equal([]byte{1, 2, 3}, writes[0].Value)

	r, err := s.client.ReadCharacteristic("2A19")
	s.Require().NoError(err)
	s.client.Apply(native.Event{Kind: native.EventCharRead, Address: sensorAddr, Service: batteryService, Characteristic: batteryLevel, Success: true, Value: []byte{1, 2, 3}})

	res, done = r.Result()
	s.Require().True(done)
	s.Assert().Equal([]byte{1, 2, 3}, res.Value)
	reads := s.sink.OfKind(role.OnCharRead)
	s.Require().Len(reads, 1)
	s.Assert().Equal(batteryLevel, reads[0].UUID)
	s.Assert().Equal(sensorAddr, reads[0].Address)
	s.Assert().Equal([]byte{1, 2, 3}, reads[0].Value)

	v, ok := s.client.Value("2A19")
	s.Assert().True(ok)
	s.Assert().Equal([]byte{1, 2, 3}, v)
}

func (s *ClientTestSuite) TestWriteWithoutResponse() {
	s.connectSensor()
	_, err := s.client.WriteCharacteristic(nusRX, []byte("hi"))
	s.Require().NoError(err)
	call, _ := s.stack.LastCall("WriteCharacteristic")
	s.Assert().True(call.Flag, "write-only-without-response characteristic MUST NOT request a response")
}

func (s *ClientTestSuite) TestOperationQueue() {
	// GOAL: Verify only one GATT operation is in flight and completions are correlated
	//
	// TEST SCENARIO: read A + read B queued → one native read → stale completion ignored → A completes → B issued

	s.connectSensor()

	first, err := s.client.ReadCharacteristic("2A37")
	s.Require().NoError(err)
	second, err := s.client.ReadCharacteristic("2A19")
	s.Require().NoError(err)
	s.Assert().Equal(1, s.stack.Count("ReadCharacteristic"))
	s.Assert().Equal(2, s.client.PendingOperations())

	s.client.Apply(native.Event{Kind: native.EventCharRead, Address: sensorAddr, Service: batteryService, Characteristic: batteryLevel, Success: true, Value: []byte{50}})
	_, done := second.Result()
	s.Assert().False(done, "completion for a queued operation MUST be ignored")
	s.Assert().Empty(s.sink.Events())

	s.client.Apply(native.Event{Kind: native.EventCharRead, Address: sensorAddr, Service: hrService, Characteristic: hrMeasure, Success: true, Value: []byte{0, 72}})
	res, done := first.Result()
	s.Require().True(done)
	s.Assert().Equal([]byte{0, 72}, res.Value)

	calls := s.stack.Calls("ReadCharacteristic")
	s.Require().Len(calls, 2)
	s.Assert().Equal(batteryLevel, calls[1].UUID)
	s.Assert().Equal(1, s.client.PendingOperations())

	s.client.Apply(native.Event{Kind: native.EventCharRead, Address: sensorAddr, Service: batteryService, Characteristic: batteryLevel, Success: false, Code: 5})
	res, done = second.Result()
	s.Require().True(done)
	s.Assert().False(res.Success)
	s.Assert().ErrorIs(res.Err, gatt.ErrNativeFailure)
	s.Assert().Equal(0, s.client.PendingOperations())
}

func (s *ClientTestSuite) TestDisconnectAbortsOperations() {
	// GOAL: Verify queued operations fail when the connection ends
	//
	// TEST SCENARIO: two ops queued → disconnected event → both resolve with NotConnected → failure callbacks → late completion dropped

	s.connectSensor()
	read, _ := s.client.ReadCharacteristic("2A19")
	write, _ := s.client.WriteCharacteristic("2A19", []byte{7})

	s.client.Apply(native.Event{Kind: native.EventDisconnected, Address: sensorAddr})

	for _, c := range []*role.Completion{read, write} {
		res, done := c.Result()
		s.Require().True(done)
		s.Assert().ErrorIs(res.Err, gatt.ErrNotConnected)
	}
	s.Assert().Len(s.sink.OfKind(role.OnDisconnectFromDevice), 1)
	s.Assert().Empty(s.client.Services(), "hierarchy MUST be cleared on disconnect")

	s.sink.Flush()
	s.Assert().Len(s.sink.OfKind(role.OnCharRead), 1)
	s.Assert().Len(s.sink.OfKind(role.OnCharWrite), 1)

	s.sink.Reset()
	s.client.Apply(native.Event{Kind: native.EventCharRead, Address: sensorAddr, Service: batteryService, Characteristic: batteryLevel, Success: true, Value: []byte{1}})
	s.Assert().Empty(s.sink.Events(), "late completions MUST be dropped")
}

func (s *ClientTestSuite) TestSubscribe() {
	s.connectSensor()

	s.Run("notifying characteristic", func() {
		c, err := s.client.SubscribeToCharacteristic("2A37", true)
		s.Require().NoError(err)
		call, ok := s.stack.LastCall("SetNotify")
		s.Require().True(ok)
		s.Assert().True(call.Flag)

		s.client.Apply(native.Event{Kind: native.EventSubscriptionChanged, Address: sensorAddr, Service: hrService, Characteristic: hrMeasure, Enabled: true, Success: true})
		res, done := c.Result()
		s.Require().True(done)
		s.Assert().True(res.Success)

		s.client.Apply(native.Event{Kind: native.EventNotification, Address: sensorAddr, Service: hrService, Characteristic: hrMeasure, Value: []byte{0, 80}})
		reads := s.sink.OfKind(role.OnCharRead)
		s.Require().Len(reads, 1)
		s.Assert().Equal([]byte{0, 80}, reads[0].Value)
	})

	s.Run("characteristic without notify", func() {
		before := s.stack.Count("SetNotify")
		c, err := s.client.SubscribeToCharacteristic("2A19", true)
		s.Require().NoError(err)
		res, done := c.Result()
		s.Require().True(done)
		s.Assert().True(res.Success, "unsupported subscription MUST be reported as success")
		s.Assert().Equal(before, s.stack.Count("SetNotify"))
	})
}

func (s *ClientTestSuite) TestDescriptorOperations() {
	s.connectSensor()

	w, err := s.client.WriteDescriptor("2902", []byte{1, 0})
	s.Require().NoError(err)
	s.client.Apply(native.Event{Kind: native.EventDescWritten, Address: sensorAddr, Service: hrService, Characteristic: hrMeasure, Descriptor: cccd, Success: true})
	_, done := w.Result()
	s.Assert().True(done)

	r, err := s.client.ReadDescriptor("2902")
	s.Require().NoError(err)
	s.client.Apply(native.Event{Kind: native.EventDescRead, Address: sensorAddr, Service: hrService, Characteristic: hrMeasure, Descriptor: cccd, Success: true, Value: []byte{1, 0}})
	res, done := r.Result()
	s.Require().True(done)
	s.Assert().Equal([]byte{1, 0}, res.Value)

	s.Assert().Equal([]role.HostEventKind{role.OnDescWrite, role.OnDescRead}, s.sink.Kinds())
	v, ok := s.client.DescriptorValue("2902")
	s.Assert().True(ok)
	s.Assert().Equal([]byte{1, 0}, v)
}

func (s *ClientTestSuite) TestSynchronousIssueFailure() {
	s.connectSensor()
	s.stack.Fail("ReadCharacteristic", errors.New("gatt busy"))

	c, err := s.client.ReadCharacteristic("2A19")
	s.Require().NoError(err)
	res, done := c.Result()
	s.Require().True(done)
	s.Assert().ErrorIs(res.Err, gatt.ErrNativeFailure)
	s.Assert().Empty(s.sink.Events(), "failure callback MUST be deferred")

	s.sink.Flush()
	reads := s.sink.OfKind(role.OnCharRead)
	s.Require().Len(reads, 1)
	s.Assert().False(reads[0].Success)
	s.Assert().Equal([]byte{}, reads[0].Value)
}

func (s *ClientTestSuite) TestPowerLossDropsConnection() {
	s.connectSensor()
	s.client.Apply(native.Event{Kind: native.EventPowerChanged, Power: native.PowerDisabled})

	s.Assert().Equal([]role.HostEventKind{role.OnBtPower, role.OnDisconnectFromDevice}, s.sink.Kinds())
	s.Assert().False(s.client.IsConnected())
	s.Assert().Equal(role.ClientBluetoothUnavailable, s.client.State())
}

func (s *ClientTestSuite) TestSwitchConnection() {
	// GOAL: Verify connecting to another device tears down the current link first
	//
	// TEST SCENARIO: connected to sensor → connect lamp → sensor disconnecting → lamp connecting → sensor teardown reported

	s.Require().NoError(s.client.ScanForDevices())
	s.discover(sensorAddr, "sensor")
	s.discover(otherAddr, "lamp")
	s.Require().NoError(s.client.ConnectToDevice(sensorAddr))
	s.client.Apply(native.Event{Kind: native.EventConnected, Address: sensorAddr})

	s.Require().NoError(s.client.ConnectToDevice(otherAddr))
	disc, ok := s.stack.LastCall("Disconnect")
	s.Require().True(ok)
	s.Assert().Equal(sensorAddr, disc.Address)
	conn, _ := s.stack.LastCall("Connect")
	s.Assert().Equal(otherAddr, conn.Address)

	s.client.Apply(native.Event{Kind: native.EventDisconnected, Address: sensorAddr})
	gone := s.sink.OfKind(role.OnDisconnectFromDevice)
	s.Require().Len(gone, 1)
	s.Assert().Equal(sensorAddr, gone[0].Address)

	s.client.Apply(native.Event{Kind: native.EventConnected, Address: otherAddr})
	info, ok := s.client.Connection()
	s.Require().True(ok)
	s.Assert().Equal(otherAddr, info.Address)
	s.Assert().True(s.client.IsConnected())
}

func (s *ClientTestSuite) TestClose() {
	s.connectSensor()
	pending, _ := s.client.ReadCharacteristic("2A19")

	s.Require().NoError(s.client.Close())
	s.Assert().True(s.stack.IsClosed())
	_, done := pending.Result()
	s.Assert().True(done, "pending operations MUST resolve on close")

	s.sink.Reset()
	s.client.Apply(native.Event{Kind: native.EventDeviceDiscovered, Address: otherAddr})
	s.sink.Flush()
	s.Assert().Empty(s.sink.Events())
}
