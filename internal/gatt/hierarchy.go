package gatt

import (
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Service is a GATT service declaration.
type Service struct {
	UUID    string
	Primary bool
	// Includes lists included (secondary) services in attach order.
	Includes []string
}

// Characteristic is a GATT characteristic declaration.
type Characteristic struct {
	UUID        string
	Service     string
	Properties  Properties
	Permissions Permissions
}

// Key addresses the characteristic value in a Values store.
func (c Characteristic) Key() string { return CharKey(c.Service, c.UUID) }

// Descriptor is a GATT descriptor declaration.
type Descriptor struct {
	UUID           string
	Service        string
	Characteristic string
	Permissions    Permissions
}

// Key addresses the descriptor value in a Values store.
func (d Descriptor) Key() string { return DescKey(d.Service, d.Characteristic, d.UUID) }

// CharKey builds the value-store key of a characteristic.
func CharKey(service, char string) string { return service + "/" + char }

// DescKey builds the value-store key of a descriptor.
func DescKey(service, char, desc string) string { return service + "/" + char + "/" + desc }

type charNode struct {
	Characteristic
	descs *orderedmap.OrderedMap[string, Descriptor]
}

type serviceNode struct {
	Service
	chars *orderedmap.OrderedMap[string, *charNode]
}

// Hierarchy is the in-memory GATT tree of one role. Services, characteristics and descriptors
// keep insertion order, so every listing is deterministic.
//
// Hierarchy is not safe for concurrent use; role state is confined to the dispatch loop.
type Hierarchy struct {
	services *orderedmap.OrderedMap[string, *serviceNode]
}

func NewHierarchy() *Hierarchy {
	return &Hierarchy{services: orderedmap.New[string, *serviceNode]()}
}

// AddService declares a service. Re-declaring an existing service is a no-op success.
func (h *Hierarchy) AddService(uuid string, primary bool) error {
	u, err := NormalizeUUID(uuid)
	if err != nil {
		return err
	}
	if _, ok := h.services.Get(u); ok {
		return nil
	}
	h.services.Set(u, &serviceNode{
		Service: Service{UUID: u, Primary: primary},
		chars:   orderedmap.New[string, *charNode](),
	})
	return nil
}

// AddIncludedService attaches an existing service to parent as an included (secondary) service.
func (h *Hierarchy) AddIncludedService(child, parent string) error {
	c, err := NormalizeUUID(child)
	if err != nil {
		return err
	}
	p, err := NormalizeUUID(parent)
	if err != nil {
		return err
	}
	if c == p {
		return Errorf(InvalidState, "service %s cannot include itself", ShortUUID(c))
	}
	parentNode, ok := h.services.Get(p)
	if !ok {
		return fmt.Errorf("parent service %s: %w", ShortUUID(p), ErrUnknownParent)
	}
	childNode, ok := h.services.Get(c)
	if !ok {
		return fmt.Errorf("included service %s: %w", ShortUUID(c), ErrUnknownParent)
	}
	childNode.Primary = false
	for _, inc := range parentNode.Includes {
		if inc == c {
			return nil
		}
	}
	parentNode.Includes = append(parentNode.Includes, c)
	return nil
}

// AddCharacteristic declares a characteristic under an existing service.
// Zero properties and permissions select the defaults (see ResolveAccess).
func (h *Hierarchy) AddCharacteristic(uuid, service string, props Properties, perms Permissions) error {
	u, err := NormalizeUUID(uuid)
	if err != nil {
		return err
	}
	s, err := NormalizeUUID(service)
	if err != nil {
		return err
	}
	svc, ok := h.services.Get(s)
	if !ok {
		return fmt.Errorf("service %s: %w", ShortUUID(s), ErrUnknownParent)
	}
	if _, ok := svc.chars.Get(u); ok {
		return nil
	}
	props, perms = ResolveAccess(props, perms)
	svc.chars.Set(u, &charNode{
		Characteristic: Characteristic{UUID: u, Service: s, Properties: props, Permissions: perms},
		descs:          orderedmap.New[string, Descriptor](),
	})
	return nil
}

// AddDescriptor declares a descriptor under the first characteristic matching characteristic.
func (h *Hierarchy) AddDescriptor(uuid, characteristic string, perms Permissions) error {
	u, err := NormalizeUUID(uuid)
	if err != nil {
		return err
	}
	c, err := NormalizeUUID(characteristic)
	if err != nil {
		return err
	}
	node := h.findChar(c)
	if node == nil {
		return fmt.Errorf("characteristic %s: %w", ShortUUID(c), ErrUnknownParent)
	}
	if _, ok := node.descs.Get(u); ok {
		return nil
	}
	if perms == 0 {
		perms = DefaultPermissions
	}
	node.descs.Set(u, Descriptor{UUID: u, Service: node.Service, Characteristic: c, Permissions: perms})
	return nil
}

// Clear drops every declaration.
func (h *Hierarchy) Clear() {
	h.services = orderedmap.New[string, *serviceNode]()
}

func (h *Hierarchy) Empty() bool { return h.services.Len() == 0 }

func (h *Hierarchy) HasService(uuid string) bool {
	_, ok := h.Service(uuid)
	return ok
}

func (h *Hierarchy) HasCharacteristic(uuid string) bool {
	_, ok := h.Characteristic(uuid)
	return ok
}

func (h *Hierarchy) HasDescriptor(uuid string) bool {
	_, ok := h.Descriptor(uuid)
	return ok
}

// Service returns a copy of the service declaration.
func (h *Hierarchy) Service(uuid string) (Service, bool) {
	u, err := NormalizeUUID(uuid)
	if err != nil {
		return Service{}, false
	}
	node, ok := h.services.Get(u)
	if !ok {
		return Service{}, false
	}
	return node.copyService(), true
}

// Characteristic returns the first characteristic with the given UUID in insertion order.
func (h *Hierarchy) Characteristic(uuid string) (Characteristic, bool) {
	u, err := NormalizeUUID(uuid)
	if err != nil {
		return Characteristic{}, false
	}
	node := h.findChar(u)
	if node == nil {
		return Characteristic{}, false
	}
	return node.Characteristic, true
}

// CharacteristicIn looks a characteristic up under a specific service.
func (h *Hierarchy) CharacteristicIn(service, uuid string) (Characteristic, bool) {
	s, err := NormalizeUUID(service)
	if err != nil {
		return Characteristic{}, false
	}
	u, err := NormalizeUUID(uuid)
	if err != nil {
		return Characteristic{}, false
	}
	svc, ok := h.services.Get(s)
	if !ok {
		return Characteristic{}, false
	}
	node, ok := svc.chars.Get(u)
	if !ok {
		return Characteristic{}, false
	}
	return node.Characteristic, true
}

// DescriptorIn looks a descriptor up under a specific characteristic path.
func (h *Hierarchy) DescriptorIn(service, char, uuid string) (Descriptor, bool) {
	c, ok := h.CharacteristicIn(service, char)
	if !ok {
		return Descriptor{}, false
	}
	u, err := NormalizeUUID(uuid)
	if err != nil {
		return Descriptor{}, false
	}
	svc, _ := h.services.Get(c.Service)
	node, _ := svc.chars.Get(c.UUID)
	return node.descs.Get(u)
}

// Descriptor returns the first descriptor with the given UUID in insertion order.
func (h *Hierarchy) Descriptor(uuid string) (Descriptor, bool) {
	u, err := NormalizeUUID(uuid)
	if err != nil {
		return Descriptor{}, false
	}
	for sp := h.services.Oldest(); sp != nil; sp = sp.Next() {
		for cp := sp.Value.chars.Oldest(); cp != nil; cp = cp.Next() {
			if d, ok := cp.Value.descs.Get(u); ok {
				return d, true
			}
		}
	}
	return Descriptor{}, false
}

// Services lists service UUIDs in declaration order.
func (h *Hierarchy) Services() []string {
	out := make([]string, 0, h.services.Len())
	for sp := h.services.Oldest(); sp != nil; sp = sp.Next() {
		out = append(out, sp.Key)
	}
	return out
}

// Characteristics lists distinct characteristic UUIDs across all services.
func (h *Hierarchy) Characteristics() []string {
	seen := make(map[string]struct{})
	out := []string{}
	for sp := h.services.Oldest(); sp != nil; sp = sp.Next() {
		for cp := sp.Value.chars.Oldest(); cp != nil; cp = cp.Next() {
			if _, dup := seen[cp.Key]; dup {
				continue
			}
			seen[cp.Key] = struct{}{}
			out = append(out, cp.Key)
		}
	}
	return out
}

// Descriptors lists distinct descriptor UUIDs across all characteristics.
func (h *Hierarchy) Descriptors() []string {
	seen := make(map[string]struct{})
	out := []string{}
	for sp := h.services.Oldest(); sp != nil; sp = sp.Next() {
		for cp := sp.Value.chars.Oldest(); cp != nil; cp = cp.Next() {
			for dp := cp.Value.descs.Oldest(); dp != nil; dp = dp.Next() {
				if _, dup := seen[dp.Key]; dup {
					continue
				}
				seen[dp.Key] = struct{}{}
				out = append(out, dp.Key)
			}
		}
	}
	return out
}

// Profile is an immutable snapshot of a hierarchy, as published to or discovered from a stack.
type Profile struct {
	Services []ServiceNode
}

type ServiceNode struct {
	Service
	Characteristics []CharacteristicNode
}

type CharacteristicNode struct {
	Characteristic
	Descriptors []Descriptor
}

// Snapshot copies the hierarchy into a Profile.
func (h *Hierarchy) Snapshot() Profile {
	p := Profile{Services: make([]ServiceNode, 0, h.services.Len())}
	for sp := h.services.Oldest(); sp != nil; sp = sp.Next() {
		sn := ServiceNode{Service: sp.Value.copyService()}
		for cp := sp.Value.chars.Oldest(); cp != nil; cp = cp.Next() {
			cn := CharacteristicNode{Characteristic: cp.Value.Characteristic}
			for dp := cp.Value.descs.Oldest(); dp != nil; dp = dp.Next() {
				cn.Descriptors = append(cn.Descriptors, dp.Value)
			}
			sn.Characteristics = append(sn.Characteristics, cn)
		}
		p.Services = append(p.Services, sn)
	}
	return p
}

// Load replaces the hierarchy with the contents of a Profile (client discovery).
// Entries with invalid UUIDs or dangling references are skipped.
func (h *Hierarchy) Load(p Profile) {
	h.Clear()
	for _, s := range p.Services {
		_ = h.AddService(s.UUID, s.Primary)
		for _, c := range s.Characteristics {
			if err := h.AddCharacteristic(c.UUID, s.UUID, c.Properties, c.Permissions); err != nil {
				continue
			}
			cu, _ := NormalizeUUID(c.UUID)
			su, _ := NormalizeUUID(s.UUID)
			svc, _ := h.services.Get(su)
			node, _ := svc.chars.Get(cu)
			for _, d := range c.Descriptors {
				du, err := NormalizeUUID(d.UUID)
				if err != nil {
					continue
				}
				if _, ok := node.descs.Get(du); ok {
					continue
				}
				perms := d.Permissions
				if perms == 0 {
					perms = DefaultPermissions
				}
				node.descs.Set(du, Descriptor{UUID: du, Service: su, Characteristic: cu, Permissions: perms})
			}
		}
	}
	for _, s := range p.Services {
		for _, inc := range s.Includes {
			_ = h.AddIncludedService(inc, s.UUID)
		}
	}
}

// Check verifies referential integrity: every characteristic and descriptor hangs off an
// existing parent and every included service exists.
func (h *Hierarchy) Check() error {
	for sp := h.services.Oldest(); sp != nil; sp = sp.Next() {
		for _, inc := range sp.Value.Includes {
			if _, ok := h.services.Get(inc); !ok {
				return fmt.Errorf("service %s includes missing %s: %w", ShortUUID(sp.Key), ShortUUID(inc), ErrUnknownParent)
			}
		}
		for cp := sp.Value.chars.Oldest(); cp != nil; cp = cp.Next() {
			if cp.Value.Service != sp.Key {
				return fmt.Errorf("characteristic %s has parent %s, stored under %s: %w",
					ShortUUID(cp.Key), ShortUUID(cp.Value.Service), ShortUUID(sp.Key), ErrUnknownParent)
			}
			for dp := cp.Value.descs.Oldest(); dp != nil; dp = dp.Next() {
				if dp.Value.Characteristic != cp.Key || dp.Value.Service != sp.Key {
					return fmt.Errorf("descriptor %s detached from %s: %w", ShortUUID(dp.Key), ShortUUID(cp.Key), ErrUnknownParent)
				}
			}
		}
	}
	return nil
}

func (h *Hierarchy) findChar(u string) *charNode {
	for sp := h.services.Oldest(); sp != nil; sp = sp.Next() {
		if node, ok := sp.Value.chars.Get(u); ok {
			return node
		}
	}
	return nil
}

func (n *serviceNode) copyService() Service {
	s := n.Service
	s.Includes = append([]string(nil), n.Includes...)
	return s
}
