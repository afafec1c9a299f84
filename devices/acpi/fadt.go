package acpi

import "encoding/binary"

// Fadt records the subset of the Fixed ACPI Description Table ("FACP")
// this runtime needs: the PM1a/PM1b control ports, the SCI/SMI numbers,
// and the power-button and reset-register capabilities.
type Fadt struct {
	SciInterrupt     uint16
	SmiCommandPort   uint32
	Pm1aControlBlock uint32
	Pm1bControlBlock uint32
	Pm1ControlLength uint8
	ResetRegAddress  uint32
	ResetValue       uint8
	HasResetReg      bool
}

// ParseFadt parses the FADT at addr, verifying its header checksum first.
func ParseFadt(mem Memory, addr uint64) (*Fadt, error) {
	body, _, err := verifyTable(mem, addr, "FACP")
	if err != nil {
		return nil, err
	}
	if len(body) < 112 {
		return nil, ErrTruncated
	}

	f := &Fadt{
		SciInterrupt:     binary.LittleEndian.Uint16(body[46:48]),
		SmiCommandPort:   binary.LittleEndian.Uint32(body[48:52]),
		Pm1aControlBlock: binary.LittleEndian.Uint32(body[64:68]),
		Pm1bControlBlock: binary.LittleEndian.Uint32(body[68:72]),
		Pm1ControlLength: body[89],
	}

	// The Reset Register (generic address structure) lives at offset
	// 116 in ACPI 2.0+ FADTs; earlier revisions lack it.
	if len(body) >= 128 {
		f.ResetRegAddress = binary.LittleEndian.Uint32(body[120:124])
		f.ResetValue = body[128]
		f.HasResetReg = f.ResetRegAddress != 0
	}
	return f, nil
}
