// Package mocks holds testify mocks of the go-ble interfaces driven by the native adapter.
package mocks

import (
	"context"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/mock"
)

// MockDevice implements ble.Device.
type MockDevice struct {
	mock.Mock
}

func (m *MockDevice) AddService(svc *ble.Service) error {
	return m.Called(svc).Error(0)
}

func (m *MockDevice) RemoveAllServices() error {
	return m.Called().Error(0)
}

func (m *MockDevice) SetServices(svcs []*ble.Service) error {
	return m.Called(svcs).Error(0)
}

func (m *MockDevice) Stop() error {
	return m.Called().Error(0)
}

func (m *MockDevice) Advertise(ctx context.Context, adv ble.Advertisement) error {
	return m.Called(ctx, adv).Error(0)
}

func (m *MockDevice) AdvertiseNameAndServices(ctx context.Context, name string, ss ...ble.UUID) error {
	return m.Called(ctx, name, ss).Error(0)
}

func (m *MockDevice) AdvertiseIBeacon(ctx context.Context, u ble.UUID, major, minor uint16, pwr int8) error {
	return m.Called(ctx, u, major, minor, pwr).Error(0)
}

func (m *MockDevice) AdvertiseIBeaconData(ctx context.Context, b []byte) error {
	return m.Called(ctx, b).Error(0)
}

func (m *MockDevice) AdvertiseMfgData(ctx context.Context, id uint16, b []byte) error {
	return m.Called(ctx, id, b).Error(0)
}

func (m *MockDevice) AdvertiseServiceData16(ctx context.Context, id uint16, b []byte) error {
	return m.Called(ctx, id, b).Error(0)
}

func (m *MockDevice) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	return m.Called(ctx, allowDup, h).Error(0)
}

func (m *MockDevice) Dial(ctx context.Context, a ble.Addr) (ble.Client, error) {
	args := m.Called(ctx, a)
	c, _ := args.Get(0).(ble.Client)
	return c, args.Error(1)
}

// MockClient implements the GATT client subset used by the adapter.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) DiscoverProfile(force bool) (*ble.Profile, error) {
	args := m.Called(force)
	p, _ := args.Get(0).(*ble.Profile)
	return p, args.Error(1)
}

func (m *MockClient) ReadCharacteristic(c *ble.Characteristic) ([]byte, error) {
	args := m.Called(c)
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

func (m *MockClient) WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error {
	return m.Called(c, value, noRsp).Error(0)
}

func (m *MockClient) ReadDescriptor(d *ble.Descriptor) ([]byte, error) {
	args := m.Called(d)
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

func (m *MockClient) WriteDescriptor(d *ble.Descriptor, v []byte) error {
	return m.Called(d, v).Error(0)
}

func (m *MockClient) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	return m.Called(c, ind, h).Error(0)
}

func (m *MockClient) Unsubscribe(c *ble.Characteristic, ind bool) error {
	return m.Called(c, ind).Error(0)
}

func (m *MockClient) CancelConnection() error {
	return m.Called().Error(0)
}

// MockAdvertisement implements ble.Advertisement.
type MockAdvertisement struct {
	mock.Mock
}

func (m *MockAdvertisement) LocalName() string {
	return m.Called().String(0)
}

func (m *MockAdvertisement) ManufacturerData() []byte {
	b, _ := m.Called().Get(0).([]byte)
	return b
}

func (m *MockAdvertisement) ServiceData() []ble.ServiceData {
	sd, _ := m.Called().Get(0).([]ble.ServiceData)
	return sd
}

func (m *MockAdvertisement) Services() []ble.UUID {
	u, _ := m.Called().Get(0).([]ble.UUID)
	return u
}

func (m *MockAdvertisement) OverflowService() []ble.UUID {
	u, _ := m.Called().Get(0).([]ble.UUID)
	return u
}

func (m *MockAdvertisement) TxPowerLevel() int {
	return m.Called().Int(0)
}

func (m *MockAdvertisement) Connectable() bool {
	return m.Called().Bool(0)
}

func (m *MockAdvertisement) SolicitedService() []ble.UUID {
	u, _ := m.Called().Get(0).([]ble.UUID)
	return u
}

func (m *MockAdvertisement) RSSI() int {
	return m.Called().Int(0)
}

func (m *MockAdvertisement) Addr() ble.Addr {
	return m.Called().Get(0).(ble.Addr)
}

// MockAddr implements ble.Addr.
type MockAddr struct {
	Address string
}

func (m *MockAddr) String() string {
	return m.Address
}

// NewAdvertisement returns an advertisement mock answering every accessor.
func NewAdvertisement(addr, name string, rssi int, services ...ble.UUID) *MockAdvertisement {
	adv := &MockAdvertisement{}
	adv.On("Addr").Return(&MockAddr{Address: addr}).Maybe()
	adv.On("LocalName").Return(name).Maybe()
	adv.On("RSSI").Return(rssi).Maybe()
	adv.On("Services").Return(services).Maybe()
	adv.On("ManufacturerData").Return([]byte(nil)).Maybe()
	adv.On("ServiceData").Return([]ble.ServiceData(nil)).Maybe()
	adv.On("OverflowService").Return([]ble.UUID(nil)).Maybe()
	adv.On("SolicitedService").Return([]ble.UUID(nil)).Maybe()
	adv.On("TxPowerLevel").Return(0).Maybe()
	adv.On("Connectable").Return(true).Maybe()
	return adv
}

var _ ble.Device = (*MockDevice)(nil)
var _ ble.Advertisement = (*MockAdvertisement)(nil)
