package groupcomm

import (
	"github.com/pkg/errors"
	"github.com/unixpickle/groupcomm/collcomm"
	"github.com/unixpickle/groupcomm/device"
)

// Message tags of the two exchanges.
const (
	BroadcastTag = 40822
	ReduceTag    = 43822
)

var ErrConfig = errors.New("groupcomm: invalid configuration")

// Config is the process-wide state a Descriptor needs.
// It is fixed for the lifetime of the Descriptor.
type Config struct {
	// Comms is the rank's transport. Its rank is the rank
	// of the Descriptor.
	Comms *collcomm.Comms

	// Device holds the data arrays and transfer buffers.
	Device *device.Device

	// DeviceAware selects Direct mode, where the transport
	// reads and writes device memory. Otherwise buffers
	// are staged through host memory (Staged mode).
	DeviceAware bool

	// StageRate is the number of bytes per unit of virtual
	// time that staging copies move. Zero makes staging
	// free.
	StageRate float64
}

// Validate checks the Config for consistency.
func (c *Config) Validate() error {
	if c.Comms == nil {
		return errors.Wrap(ErrConfig, "missing transport")
	}
	if c.Device == nil {
		return errors.Wrap(ErrConfig, "missing device")
	}
	if c.DeviceAware && !c.Comms.DeviceAware {
		return errors.Wrap(ErrConfig, "direct mode requires a device-aware transport")
	}
	if c.StageRate < 0 {
		return errors.Wrapf(ErrConfig, "negative stage rate %f", c.StageRate)
	}
	return nil
}

// Mode names the transport mode for logs.
func (c *Config) Mode() string {
	if c.DeviceAware {
		return "direct"
	}
	return "staged"
}
