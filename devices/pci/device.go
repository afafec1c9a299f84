package pci

import "sort"

// BarType distinguishes how a Base Address Register maps its device.
type BarType int

const (
	BarMemory32 BarType = iota
	BarMemory64
	BarIO
)

// Bar is one decoded Base Address Register.
type Bar struct {
	Index        uint8
	Type         BarType
	Address      uint64
	Size         uint64
	Prefetchable bool
}

// Capability is one entry walked off a device's capabilities linked list.
type Capability struct {
	ID     uint8
	Offset uint8
}

// MSI is the decoded Message Signaled Interrupts capability, when present.
type MSI struct {
	Offset        uint8
	Is64Bit       bool
	PerVectorMask bool
	MaxVectors    uint8
}

// MSIX is the decoded MSI-X capability, when present.
type MSIX struct {
	Offset      uint8
	TableSize   uint16
	TableBAR    uint8
	TableOffset uint32
	PBABAR      uint8
	PBAOffset   uint32
}

// Device is a fully enumerated PCI function.
type Device struct {
	Address            Address
	VendorID           uint16
	DeviceID           uint16
	ClassCode          uint8
	Subclass           uint8
	ProgIF             uint8
	Revision           uint8
	HeaderType         uint8
	InterruptLine      uint8
	InterruptPin       uint8
	BARs               []Bar
	Capabilities       []Capability
	MSI                *MSI
	MSIX               *MSIX
}

// IsMultiFunction reports whether bit 7 of the header type is set, meaning
// functions 1-7 of this device should also be probed.
func (d *Device) IsMultiFunction() bool {
	return d.HeaderType&0x80 != 0
}

// ReadDevice reads one function's configuration space and returns nil,
// ErrDeviceNotFound if no device responds (vendor id 0xFFFF).
func ReadDevice(cs ConfigSpace, addr Address) (*Device, error) {
	vendor := readWord(cs, addr, RegVendorID)
	if vendor == vendorIDInvalid {
		return nil, ErrDeviceNotFound
	}

	d := &Device{
		Address:       addr,
		VendorID:      vendor,
		DeviceID:      readWord(cs, addr, RegDeviceID),
		ClassCode:     readByte(cs, addr, RegClassCode),
		Subclass:      readByte(cs, addr, RegSubclass),
		ProgIF:        readByte(cs, addr, RegProgIF),
		Revision:      readByte(cs, addr, RegRevisionID),
		HeaderType:    readByte(cs, addr, RegHeaderType),
		InterruptLine: readByte(cs, addr, RegInterruptLine),
		InterruptPin:  readByte(cs, addr, RegInterruptPin),
	}

	if d.HeaderType&0x7F == 0 {
		d.BARs = readBars(cs, addr)
	}
	d.Capabilities, d.MSI, d.MSIX = readCapabilities(cs, addr)
	return d, nil
}

// readBars walks the six BAR slots of a type-0 header, sizing each via the
// write-0xFFFFFFFF probe.
func readBars(cs ConfigSpace, addr Address) []Bar {
	var bars []Bar
	for i := uint8(0); i < 6; {
		offset := RegBAR0 + i*4
		value := cs.ReadDword(addr, offset)
		if value == 0 {
			i++
			continue
		}

		isIO := value&1 != 0
		is64 := !isIO && (value>>1)&3 == 2
		prefetch := !isIO && (value>>3)&1 != 0

		cs.WriteDword(addr, offset, 0xFFFFFFFF)
		sizeMask := cs.ReadDword(addr, offset)
		cs.WriteDword(addr, offset, value)

		var address, size uint64
		switch {
		case isIO:
			address = uint64(value & 0xFFFFFFFC)
			size = uint64(^(sizeMask&0xFFFFFFFC)+1) & 0xFFFF
		case is64 && i < 5:
			high := cs.ReadDword(addr, offset+4)
			address = (uint64(high) << 32) | uint64(value&0xFFFFFFF0)

			cs.WriteDword(addr, offset+4, 0xFFFFFFFF)
			sizeHigh := cs.ReadDword(addr, offset+4)
			cs.WriteDword(addr, offset+4, high)

			fullMask := (uint64(sizeHigh) << 32) | uint64(sizeMask&0xFFFFFFF0)
			if fullMask != 0 {
				size = ^fullMask + 1
			}
		default:
			address = uint64(value & 0xFFFFFFF0)
			if m := sizeMask & 0xFFFFFFF0; m != 0 {
				size = uint64(^m + 1)
			}
		}

		if size > 0 {
			barType := BarMemory32
			switch {
			case isIO:
				barType = BarIO
			case is64:
				barType = BarMemory64
			}
			bars = append(bars, Bar{
				Index:        i,
				Type:         barType,
				Address:      address,
				Size:         size,
				Prefetchable: prefetch,
			})
		}

		if is64 {
			i += 2
		} else {
			i++
		}
	}
	return bars
}

// readCapabilities walks the capabilities linked list starting at the
// capabilities pointer, when the status register advertises one,
// recognizing MSI and MSI-X entries. A visited bitmap guards against a
// malformed or adversarial device looping the list forever.
func readCapabilities(cs ConfigSpace, addr Address) ([]Capability, *MSI, *MSIX) {
	status := readWord(cs, addr, RegStatus)
	if status&StatusCapabilitiesList == 0 {
		return nil, nil, nil
	}

	var caps []Capability
	var msi *MSI
	var msix *MSIX

	offset := readByte(cs, addr, RegCapabilitiesPtr) & 0xFC
	var visited uint64
	for offset != 0 && visited&(1<<(offset/4)) == 0 {
		visited |= 1 << (offset / 4)

		capID := readByte(cs, addr, offset)
		next := readByte(cs, addr, offset+1)

		switch capID {
		case CapMSI:
			ctrl := readWord(cs, addr, offset+2)
			msi = &MSI{
				Offset:        offset,
				Is64Bit:       ctrl&(1<<7) != 0,
				PerVectorMask: ctrl&(1<<8) != 0,
				MaxVectors:    uint8(1 << ((ctrl >> 1) & 0x7)),
			}
		case CapMSIX:
			ctrl := readWord(cs, addr, offset+2)
			tableBIR := cs.ReadDword(addr, offset+4)
			pbaBIR := cs.ReadDword(addr, offset+8)
			msix = &MSIX{
				Offset:      offset,
				TableSize:   (ctrl & 0x7FF) + 1,
				TableBAR:    uint8(tableBIR & 0x7),
				TableOffset: tableBIR &^ 0x7,
				PBABAR:      uint8(pbaBIR & 0x7),
				PBAOffset:   pbaBIR &^ 0x7,
			}
		}

		caps = append(caps, Capability{ID: capID, Offset: offset})
		offset = next & 0xFC
	}
	return caps, msi, msix
}

// EnableMemorySpace sets the Memory Space Enable command bit.
func EnableMemorySpace(cs ConfigSpace, addr Address) {
	cmd := readWord(cs, addr, RegCommand)
	writeWord(cs, addr, RegCommand, cmd|CmdMemorySpace)
}

// EnableBusMaster sets the Bus Master Enable command bit.
func EnableBusMaster(cs ConfigSpace, addr Address) {
	cmd := readWord(cs, addr, RegCommand)
	writeWord(cs, addr, RegCommand, cmd|CmdBusMaster)
}

// DisableLegacyInterrupts sets the Interrupt Disable command bit, used
// once a driver has switched a device over to MSI or MSI-X.
func DisableLegacyInterrupts(cs ConfigSpace, addr Address) {
	cmd := readWord(cs, addr, RegCommand)
	writeWord(cs, addr, RegCommand, cmd|CmdInterruptDisable)
}

// Enumerate walks every (bus, device, function) slot, probing function 0
// of each device and the remaining functions only when function 0
// reports multi-function support.
func Enumerate(cs ConfigSpace) []*Device {
	var devices []*Device
	for bus := 0; bus <= maxBus; bus++ {
		for dev := 0; dev <= maxDevice; dev++ {
			addr := Address{Bus: uint8(bus), Device: uint8(dev), Function: 0}
			d, err := ReadDevice(cs, addr)
			if err != nil {
				continue
			}
			devices = append(devices, d)
			if !d.IsMultiFunction() {
				continue
			}
			for fn := 1; fn <= maxFunction; fn++ {
				faddr := Address{Bus: uint8(bus), Device: uint8(dev), Function: uint8(fn)}
				fd, err := ReadDevice(cs, faddr)
				if err != nil {
					continue
				}
				devices = append(devices, fd)
			}
		}
	}
	sort.Slice(devices, func(i, j int) bool {
		ai, aj := devices[i].Address, devices[j].Address
		if ai.Bus != aj.Bus {
			return ai.Bus < aj.Bus
		}
		if ai.Device != aj.Device {
			return ai.Device < aj.Device
		}
		return ai.Function < aj.Function
	})
	return devices
}
