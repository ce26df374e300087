package gatt

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ServiceSet is an ordered set of service UUIDs: the advertised services of a server
// or the scan filter of a client.
type ServiceSet struct {
	m *orderedmap.OrderedMap[string, struct{}]
}

func NewServiceSet() *ServiceSet {
	return &ServiceSet{m: orderedmap.New[string, struct{}]()}
}

// Set adds (include=true) or removes the UUID. Both directions are idempotent.
func (s *ServiceSet) Set(uuid string, include bool) error {
	u, err := NormalizeUUID(uuid)
	if err != nil {
		return err
	}
	if include {
		s.m.Set(u, struct{}{})
	} else {
		s.m.Delete(u)
	}
	return nil
}

func (s *ServiceSet) Contains(uuid string) bool {
	u, err := NormalizeUUID(uuid)
	if err != nil {
		return false
	}
	_, ok := s.m.Get(u)
	return ok
}

func (s *ServiceSet) List() []string {
	out := make([]string, 0, s.m.Len())
	for p := s.m.Oldest(); p != nil; p = p.Next() {
		out = append(out, p.Key)
	}
	return out
}

func (s *ServiceSet) Len() int { return s.m.Len() }

func (s *ServiceSet) Clear() { s.m = orderedmap.New[string, struct{}]() }
