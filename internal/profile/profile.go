// Package profile loads GATT server profiles from YAML and declares them on a server role.
//
// A profile file looks like:
//
//	device_name: HRM
//	services:
//	  - uuid: 180D
//	    advertise: true
//	    includes: [180F]
//	    characteristics:
//	      - uuid: 2A37
//	        properties: [read, notify]
//	        value: [0x00, 0x48]
//	        descriptors:
//	          - uuid: 2901
//	            value: Heart Rate
//	  - uuid: 180F
//	    primary: false
//
// Values are either a byte list, a "0x"-prefixed hex string, or plain text.
package profile

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/srg/quickble/internal/gatt"
	"gopkg.in/yaml.v3"
)

type Profile struct {
	DeviceName string    `yaml:"device_name"`
	Services   []Service `yaml:"services"`
}

type Service struct {
	UUID string `yaml:"uuid"`
	// Primary defaults to true; secondary services must be included by another service.
	Primary         *bool            `yaml:"primary"`
	Advertise       bool             `yaml:"advertise"`
	Includes        []string         `yaml:"includes"`
	Characteristics []Characteristic `yaml:"characteristics"`
}

func (s Service) IsPrimary() bool { return s.Primary == nil || *s.Primary }

type Characteristic struct {
	UUID        string       `yaml:"uuid"`
	Properties  []string     `yaml:"properties"`
	Permissions []string     `yaml:"permissions"`
	Value       Value        `yaml:"value"`
	Descriptors []Descriptor `yaml:"descriptors"`
}

type Descriptor struct {
	UUID  string `yaml:"uuid"`
	Value Value  `yaml:"value"`
}

// Value is an initial attribute value.
type Value []byte

func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var ints []int
		if err := node.Decode(&ints); err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		b := make([]byte, len(ints))
		for i, n := range ints {
			if n < 0 || n > 0xff {
				return fmt.Errorf("line %d: byte %d out of range: %d", node.Line, i, n)
			}
			b[i] = byte(n)
		}
		*v = b
	case yaml.ScalarNode:
		s := node.Value
		if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
			b, err := hex.DecodeString(strings.ReplaceAll(s[2:], " ", ""))
			if err != nil {
				return fmt.Errorf("line %d: bad hex value: %w", node.Line, err)
			}
			*v = b
			return nil
		}
		*v = []byte(s)
	default:
		return fmt.Errorf("line %d: value must be a byte list or a string", node.Line)
	}
	return nil
}

// Load reads and validates a profile file.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile %s: %w", path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", path, err)
	}
	return p, nil
}

func Parse(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks UUIDs, flag names and service inclusion.
func (p *Profile) Validate() error {
	if len(p.Services) == 0 {
		return fmt.Errorf("no services declared")
	}
	declared := make(map[string]Service, len(p.Services))
	for _, svc := range p.Services {
		u, err := gatt.NormalizeUUID(svc.UUID)
		if err != nil {
			return fmt.Errorf("service: %w", err)
		}
		declared[u] = svc
		for _, c := range svc.Characteristics {
			if _, err := gatt.NormalizeUUID(c.UUID); err != nil {
				return fmt.Errorf("service %s: characteristic: %w", svc.UUID, err)
			}
			if _, _, err := c.Access(); err != nil {
				return fmt.Errorf("characteristic %s: %w", c.UUID, err)
			}
			for _, d := range c.Descriptors {
				if _, err := gatt.NormalizeUUID(d.UUID); err != nil {
					return fmt.Errorf("characteristic %s: descriptor: %w", c.UUID, err)
				}
			}
		}
	}

	included := make(map[string]bool)
	for _, svc := range p.Services {
		parent := gatt.MustNormalizeUUID(svc.UUID)
		for _, inc := range svc.Includes {
			u, err := gatt.NormalizeUUID(inc)
			if err != nil {
				return fmt.Errorf("service %s: include: %w", svc.UUID, err)
			}
			if _, ok := declared[u]; !ok {
				return fmt.Errorf("service %s includes undeclared service %s", svc.UUID, inc)
			}
			if u == parent {
				return fmt.Errorf("service %s includes itself", svc.UUID)
			}
			included[u] = true
		}
	}
	for u, svc := range declared {
		if !svc.IsPrimary() && !included[u] {
			return fmt.Errorf("secondary service %s is not included by any service", svc.UUID)
		}
	}
	return nil
}

// Access returns the property and permission masks. Empty lists leave the mask zero so
// the server applies its defaults.
func (c Characteristic) Access() (gatt.Properties, gatt.Permissions, error) {
	var props gatt.Properties
	for _, name := range c.Properties {
		f, err := gatt.ParseProperty(name)
		if err != nil {
			return 0, 0, err
		}
		props |= f
	}
	var perms gatt.Permissions
	for _, name := range c.Permissions {
		f, err := gatt.ParsePermission(name)
		if err != nil {
			return 0, 0, err
		}
		perms |= f
	}
	return props, perms, nil
}
