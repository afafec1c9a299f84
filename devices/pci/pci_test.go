package pci

import (
	"errors"
	"testing"
)

func buildNetDevice(cs *FakeConfigSpace, addr Address) {
	regs := map[uint8]uint32{
		0x00: uint32(0x10EC) | (uint32(0x8168) << 16), // vendor/device
		0x04: uint32(StatusCapabilitiesList) << 16,    // command=0, status=CAPABILITIES_LIST
		0x08: uint32(0x06) | (0x00 << 8) | (0x00 << 16) | (0x02 << 24), // revision/progif/subclass=ethernet/class=network
		0x0C: 0, // cache line/latency/header type=0/bist
		RegBAR0: 0xFE000000,
		0x34:    0x40, // capabilities pointer
		0x3C:    uint32(11) | (uint32(1) << 8), // interrupt line/pin
		0x40: uint32(CapMSI), // cap id=MSI, next=0, message control=0 (not 64-bit, 1 vector)
	}
	cs.PutDevice(addr, regs)
	cs.SetBarSize(addr, RegBAR0, 0x100000) // 1 MiB BAR
}

func TestReadDeviceParsesIdentityAndClass(t *testing.T) {
	cs := NewFakeConfigSpace()
	addr := Address{Bus: 0, Device: 3, Function: 0}
	buildNetDevice(cs, addr)

	dev, err := ReadDevice(cs, addr)
	if err != nil {
		t.Fatalf("ReadDevice() = %v", err)
	}
	if dev.VendorID != 0x10EC || dev.DeviceID != 0x8168 {
		t.Errorf("vendor/device = %04x/%04x, want 10ec/8168", dev.VendorID, dev.DeviceID)
	}
	if dev.ClassCode != 0x02 || dev.Subclass != 0x00 {
		t.Errorf("class/subclass = %02x/%02x, want 02/00", dev.ClassCode, dev.Subclass)
	}
	if dev.InterruptLine != 11 || dev.InterruptPin != 1 {
		t.Errorf("interrupt line/pin = %d/%d, want 11/1", dev.InterruptLine, dev.InterruptPin)
	}
}

func TestReadDeviceMissingReturnsNotFound(t *testing.T) {
	cs := NewFakeConfigSpace()
	_, err := ReadDevice(cs, Address{Bus: 0, Device: 5, Function: 0})
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("ReadDevice() on empty slot = %v, want ErrDeviceNotFound", err)
	}
}

func TestReadDeviceDiscoversBARSize(t *testing.T) {
	cs := NewFakeConfigSpace()
	addr := Address{Bus: 0, Device: 3, Function: 0}
	buildNetDevice(cs, addr)

	dev, err := ReadDevice(cs, addr)
	if err != nil {
		t.Fatalf("ReadDevice() = %v", err)
	}
	if len(dev.BARs) != 1 {
		t.Fatalf("len(BARs) = %d, want 1", len(dev.BARs))
	}
	bar := dev.BARs[0]
	if bar.Type != BarMemory32 {
		t.Errorf("BAR type = %v, want Memory32", bar.Type)
	}
	if bar.Size != 0x100000 {
		t.Errorf("BAR size = %#x, want %#x", bar.Size, 0x100000)
	}
	if bar.Address != 0xFE000000 {
		t.Errorf("BAR address = %#x, want %#x", bar.Address, 0xFE000000)
	}
}

func TestReadDeviceWalksMSICapability(t *testing.T) {
	cs := NewFakeConfigSpace()
	addr := Address{Bus: 0, Device: 3, Function: 0}
	buildNetDevice(cs, addr)

	dev, err := ReadDevice(cs, addr)
	if err != nil {
		t.Fatalf("ReadDevice() = %v", err)
	}
	if dev.MSI == nil {
		t.Fatal("expected MSI capability to be found")
	}
	if dev.MSI.Offset != 0x40 {
		t.Errorf("MSI offset = %#x, want 0x40", dev.MSI.Offset)
	}
	if len(dev.Capabilities) != 1 || dev.Capabilities[0].ID != CapMSI {
		t.Errorf("Capabilities = %+v, want one MSI entry", dev.Capabilities)
	}
}

func TestEnumerateFindsAllDevices(t *testing.T) {
	cs := NewFakeConfigSpace()
	buildNetDevice(cs, Address{Bus: 0, Device: 3, Function: 0})
	buildNetDevice(cs, Address{Bus: 0, Device: 5, Function: 0})

	devices := Enumerate(cs)
	if len(devices) != 2 {
		t.Fatalf("Enumerate() found %d devices, want 2", len(devices))
	}
	if devices[0].Address.Device != 3 || devices[1].Address.Device != 5 {
		t.Errorf("unexpected enumeration order: %+v", devices)
	}
}

func TestDriverRegistryBindEnablesMemoryAndBusMaster(t *testing.T) {
	cs := NewFakeConfigSpace()
	addr := Address{Bus: 0, Device: 3, Function: 0}
	buildNetDevice(cs, addr)
	dev, err := ReadDevice(cs, addr)
	if err != nil {
		t.Fatalf("ReadDevice() = %v", err)
	}

	var probed *Device
	reg := NewDriverRegistry(nil)
	reg.Register(&Driver{
		Name:      "rtl8168",
		Interests: []Interest{{VendorID: 0x10EC, DeviceID: 0x8168}},
		Probe: func(cs ConfigSpace, d *Device) error {
			probed = d
			return nil
		},
	})

	drv, err := reg.Bind(cs, dev)
	if err != nil {
		t.Fatalf("Bind() = %v", err)
	}
	if drv.Name != "rtl8168" {
		t.Errorf("bound driver = %q, want rtl8168", drv.Name)
	}
	if probed != dev {
		t.Error("Probe was not invoked with the matched device")
	}

	cmd := readWord(cs, addr, RegCommand)
	if cmd&CmdMemorySpace == 0 {
		t.Error("expected memory space to be enabled after bind")
	}
	if cmd&CmdBusMaster == 0 {
		t.Error("expected bus mastering to be enabled after bind")
	}
	if cmd&CmdInterruptDisable == 0 {
		t.Error("expected legacy INTx disabled in favor of MSI")
	}
}

func TestDriverRegistryBindNoMatch(t *testing.T) {
	cs := NewFakeConfigSpace()
	addr := Address{Bus: 0, Device: 3, Function: 0}
	buildNetDevice(cs, addr)
	dev, _ := ReadDevice(cs, addr)

	reg := NewDriverRegistry(nil)
	reg.Register(&Driver{
		Name:      "unrelated",
		Interests: []Interest{{VendorID: 0x8086, DeviceID: 0x1234}},
		Probe:     func(ConfigSpace, *Device) error { return nil },
	})

	if _, err := reg.Bind(cs, dev); !errors.Is(err, ErrNoDriverMatch) {
		t.Fatalf("Bind() = %v, want ErrNoDriverMatch", err)
	}
}

func TestDriverRegistryBindAllReportsUnclaimed(t *testing.T) {
	cs := NewFakeConfigSpace()
	buildNetDevice(cs, Address{Bus: 0, Device: 3, Function: 0})
	buildNetDevice(cs, Address{Bus: 0, Device: 5, Function: 0})
	devices := Enumerate(cs)

	reg := NewDriverRegistry(nil)
	reg.Register(&Driver{
		Name:      "rtl8168",
		Interests: []Interest{{VendorID: 0x10EC, DeviceID: 0x8168}},
		Probe:     func(ConfigSpace, *Device) error { return nil },
	})
	unclaimed := reg.BindAll(cs, devices)
	if len(unclaimed) != 0 {
		t.Errorf("BindAll() left %d unclaimed, want 0", len(unclaimed))
	}
}
