package profile

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Server is the part of the host API a profile is declared through.
type Server interface {
	ServerSetDeviceName(id int, name string) error
	ServerAddService(id int, uuid string) error
	ServerAddIncludedService(id int, service, parent string) error
	ServerAddCharacteristic(id int, uuid, service string, properties, permissions int) error
	ServerAddDescriptor(id int, uuid, characteristic string) error
	ServerAdvertiseService(id int, uuid string, advertise bool) error
	ServerWriteCharacteristic(id int, characteristic string, value []byte, notify bool) error
	ServerWriteDescriptor(id int, descriptor string, value []byte) error
}

// Apply declares p on server id. Characteristic and descriptor values are addressed by
// UUID, so a UUID repeated across services receives the first declaration's value.
func Apply(srv Server, id int, p *Profile, logger *logrus.Logger) error {
	if p.DeviceName != "" {
		if err := srv.ServerSetDeviceName(id, p.DeviceName); err != nil {
			return fmt.Errorf("set device name: %w", err)
		}
	}

	for _, svc := range p.Services {
		if err := srv.ServerAddService(id, svc.UUID); err != nil {
			return fmt.Errorf("add service %s: %w", svc.UUID, err)
		}
	}
	for _, svc := range p.Services {
		for _, inc := range svc.Includes {
			if err := srv.ServerAddIncludedService(id, inc, svc.UUID); err != nil {
				return fmt.Errorf("include %s in %s: %w", inc, svc.UUID, err)
			}
		}
	}

	for _, svc := range p.Services {
		for _, c := range svc.Characteristics {
			props, perms, err := c.Access()
			if err != nil {
				return fmt.Errorf("characteristic %s: %w", c.UUID, err)
			}
			if err := srv.ServerAddCharacteristic(id, c.UUID, svc.UUID, int(props), int(perms)); err != nil {
				return fmt.Errorf("add characteristic %s: %w", c.UUID, err)
			}
			for _, d := range c.Descriptors {
				if err := srv.ServerAddDescriptor(id, d.UUID, c.UUID); err != nil {
					return fmt.Errorf("add descriptor %s: %w", d.UUID, err)
				}
			}
		}
	}

	for _, svc := range p.Services {
		for _, c := range svc.Characteristics {
			if len(c.Value) > 0 {
				if err := srv.ServerWriteCharacteristic(id, c.UUID, c.Value, false); err != nil {
					return fmt.Errorf("set value of %s: %w", c.UUID, err)
				}
			}
			for _, d := range c.Descriptors {
				if len(d.Value) == 0 {
					continue
				}
				if err := srv.ServerWriteDescriptor(id, d.UUID, d.Value); err != nil {
					return fmt.Errorf("set value of %s: %w", d.UUID, err)
				}
			}
		}
		if svc.Advertise {
			if err := srv.ServerAdvertiseService(id, svc.UUID, true); err != nil {
				return fmt.Errorf("advertise %s: %w", svc.UUID, err)
			}
		}
	}

	if logger != nil {
		logger.WithFields(logrus.Fields{
			"role_id":  id,
			"services": len(p.Services),
		}).Info("Profile declared")
	}
	return nil
}
