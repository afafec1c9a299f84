package pci

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Interest is one driver's matching criterion: either a specific
// (vendor, device) pair, or a (class, subclass) pair. A zero VendorID
// means "match by class instead".
type Interest struct {
	VendorID, DeviceID  uint16
	ClassCode, Subclass uint8
}

func (in Interest) matches(d *Device) bool {
	if in.VendorID != 0 {
		return d.VendorID == in.VendorID && d.DeviceID == in.DeviceID
	}
	return d.ClassCode == in.ClassCode && d.Subclass == in.Subclass
}

// Driver binds to devices matching its Interests and brings them up.
type Driver struct {
	Name      string
	Interests []Interest
	// Probe attaches the driver to dev, arranging for interrupts and DMA
	// as appropriate. DriverRegistry has already enabled memory space and
	// bus mastering by the time Probe runs.
	Probe func(cs ConfigSpace, dev *Device) error
}

func (d *Driver) matches(dev *Device) bool {
	for _, in := range d.Interests {
		if in.matches(dev) {
			return true
		}
	}
	return false
}

// DriverRegistry binds discovered devices to registered drivers,
// running each match through the probe/enable sequence.
type DriverRegistry struct {
	mu      sync.Mutex
	drivers []*Driver
	log     *logrus.Logger
}

// NewDriverRegistry builds an empty registry.
func NewDriverRegistry(log *logrus.Logger) *DriverRegistry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &DriverRegistry{log: log}
}

// Register adds drv to the set consulted by Bind.
func (r *DriverRegistry) Register(drv *Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers = append(r.drivers, drv)
}

// Bind finds the first registered driver matching dev, enables memory
// space and bus mastering on it, sets the Interrupt Disable bit (turning
// off legacy INTx) whenever the device has an MSI or MSI-X capability, and
// runs the driver's Probe. It does not program the MSI or MSI-X capability
// itself, and a driver cannot keep INTx enabled on such a device.
// It returns ErrNoDriverMatch if no registered driver matches dev.
func (r *DriverRegistry) Bind(cs ConfigSpace, dev *Device) (*Driver, error) {
	r.mu.Lock()
	drv := r.firstMatch(dev)
	r.mu.Unlock()
	if drv == nil {
		return nil, ErrNoDriverMatch
	}

	EnableMemorySpace(cs, dev.Address)
	EnableBusMaster(cs, dev.Address)
	if dev.MSIX != nil || dev.MSI != nil {
		DisableLegacyInterrupts(cs, dev.Address)
	}

	if err := drv.Probe(cs, dev); err != nil {
		return nil, err
	}
	r.log.WithFields(logrus.Fields{
		"driver": drv.Name,
		"vendor": dev.VendorID,
		"device": dev.DeviceID,
	}).Info("pci: driver bound")
	return drv, nil
}

func (r *DriverRegistry) firstMatch(dev *Device) *Driver {
	for _, drv := range r.drivers {
		if drv.matches(dev) {
			return drv
		}
	}
	return nil
}

// BindAll runs Bind against every device in devices, returning the
// devices that found no matching driver. A device with no match is not
// an error at the batch level; the caller decides whether to treat
// unclaimed devices as fatal.
func (r *DriverRegistry) BindAll(cs ConfigSpace, devices []*Device) (unclaimed []*Device) {
	for _, dev := range devices {
		if _, err := r.Bind(cs, dev); err != nil {
			unclaimed = append(unclaimed, dev)
		}
	}
	return unclaimed
}
