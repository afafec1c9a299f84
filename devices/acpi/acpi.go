// Package acpi implements ACPI table discovery: locating the RSDP,
// validating checksums, and parsing the RSDT/XSDT, FADT, and MADT
// tables.
package acpi

import (
	"bytes"
	"encoding/binary"
	"errors"
)

var (
	// ErrRsdpNotFound is returned when no "RSD PTR " signature validates
	// within the scanned windows.
	ErrRsdpNotFound = errors.New("acpi: RSDP not found")
	// ErrChecksum is returned when a table's byte sum isn't 0 mod 256.
	ErrChecksum = errors.New("acpi: checksum mismatch")
	// ErrBadSignature is returned when a table's 4-byte signature doesn't
	// match what the caller expected.
	ErrBadSignature = errors.New("acpi: signature mismatch")
	// ErrTruncated is returned when a table is shorter than its header
	// declares.
	ErrTruncated = errors.New("acpi: truncated table")
)

// Memory is the byte-addressable physical memory window this package
// scans and parses; a real kernel backs it with a direct-mapped region,
// tests back it with FakeMemory.
type Memory interface {
	// Read returns length bytes starting at the given physical address,
	// or an error if the range falls outside the backing window.
	Read(addr uint64, length int) ([]byte, error)
}

// FakeMemory is an in-process Memory double for tests: a byte slice
// addressed starting at Base.
type FakeMemory struct {
	Base uint64
	Data []byte
}

func (m *FakeMemory) Read(addr uint64, length int) ([]byte, error) {
	if addr < m.Base {
		return nil, errors.New("acpi: address below window base")
	}
	off := addr - m.Base
	if off+uint64(length) > uint64(len(m.Data)) {
		return nil, errors.New("acpi: address range outside window")
	}
	return m.Data[off : off+uint64(length)], nil
}

const rsdpSignature = "RSD PTR "

// Rsdp is the Root System Description Pointer, ACPI 1.0 layout (the
// fields every revision shares).
type Rsdp struct {
	OEMID       [6]byte
	Revision    uint8
	RsdtAddress uint32
	// The following are present only when Revision >= 2 (ACPI 2.0+).
	Length         uint32
	XsdtAddress    uint64
	ExtChecksum    uint8
	HasExtendedPtr bool
}

// FindRsdp scans the EBDA (conventionally reported via ebdaAddr, a 16-byte
// aligned pointer) and the BIOS read-only window 0xE0000-0xFFFFF for the
// "RSD PTR " signature on a 16-byte-aligned scan, validating the
// checksum over the portion each revision defines.
func FindRsdp(mem Memory, ebdaAddr uint64) (*Rsdp, error) {
	if ebdaAddr != 0 {
		if r, err := scanWindow(mem, ebdaAddr, ebdaAddr+1024); err == nil {
			return r, nil
		}
	}
	return scanWindow(mem, 0xE0000, 0xFFFFF)
}

func scanWindow(mem Memory, start, end uint64) (*Rsdp, error) {
	for addr := start; addr+20 <= end; addr += 16 {
		b, err := mem.Read(addr, 20)
		if err != nil {
			continue
		}
		if !bytes.Equal(b[0:8], []byte(rsdpSignature)) {
			continue
		}
		if checksum(b[0:20]) != 0 {
			continue
		}
		r := &Rsdp{
			Revision:    b[15],
			RsdtAddress: binary.LittleEndian.Uint32(b[16:20]),
		}
		copy(r.OEMID[:], b[9:15])

		if r.Revision >= 2 {
			ext, err := mem.Read(addr, 36)
			if err == nil && checksum(ext) == 0 {
				r.Length = binary.LittleEndian.Uint32(ext[20:24])
				r.XsdtAddress = binary.LittleEndian.Uint64(ext[24:32])
				r.ExtChecksum = ext[32]
				r.HasExtendedPtr = true
			}
		}
		return r, nil
	}
	return nil, ErrRsdpNotFound
}

func checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return sum
}

// Header is the structure every ACPI system description table starts
// with.
type Header struct {
	Signature       [4]byte
	Length          uint32
	Revision        uint8
	Checksum        uint8
	OEMID           [6]byte
	OEMTableID      [8]byte
	OEMRevision     uint32
	CreatorID       uint32
	CreatorRevision uint32
}

const headerSize = 36

func parseHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < headerSize {
		return h, ErrTruncated
	}
	copy(h.Signature[:], b[0:4])
	h.Length = binary.LittleEndian.Uint32(b[4:8])
	h.Revision = b[8]
	h.Checksum = b[9]
	copy(h.OEMID[:], b[10:16])
	copy(h.OEMTableID[:], b[16:24])
	h.OEMRevision = binary.LittleEndian.Uint32(b[24:28])
	h.CreatorID = binary.LittleEndian.Uint32(b[28:32])
	h.CreatorRevision = binary.LittleEndian.Uint32(b[32:36])
	return h, nil
}

func verifyTable(mem Memory, addr uint64, wantSig string) ([]byte, Header, error) {
	hb, err := mem.Read(addr, headerSize)
	if err != nil {
		return nil, Header{}, err
	}
	h, err := parseHeader(hb)
	if err != nil {
		return nil, Header{}, err
	}
	if string(h.Signature[:]) != wantSig {
		return nil, h, ErrBadSignature
	}
	full, err := mem.Read(addr, int(h.Length))
	if err != nil {
		return nil, h, err
	}
	if checksum(full) != 0 {
		return nil, h, ErrChecksum
	}
	return full, h, nil
}

// TableRef is one entry in the RSDT/XSDT's child table list: its physical
// address, still unparsed.
type TableRef struct {
	Address   uint64
	Signature string
}

// ParseRootTable reads the RSDT (32-bit entries) or XSDT (64-bit entries)
// named by rsdp, verifying its signature and checksum, and returns the
// address and peeked 4-byte signature of every readable child table. The
// children themselves are not verified here; ParseFadt and ParseMadt verify
// the signature and checksum of the table they parse.
func ParseRootTable(mem Memory, rsdp *Rsdp) ([]TableRef, error) {
	var addr uint64
	var sig string
	if rsdp.HasExtendedPtr && rsdp.XsdtAddress != 0 {
		addr, sig = rsdp.XsdtAddress, "XSDT"
	} else {
		addr, sig = uint64(rsdp.RsdtAddress), "RSDT"
	}

	body, h, err := verifyTable(mem, addr, sig)
	if err != nil {
		return nil, err
	}
	entryData := body[headerSize:h.Length]

	entrySize := 4
	if sig == "XSDT" {
		entrySize = 8
	}

	var refs []TableRef
	for off := 0; off+entrySize <= len(entryData); off += entrySize {
		var childAddr uint64
		if entrySize == 4 {
			childAddr = uint64(binary.LittleEndian.Uint32(entryData[off : off+4]))
		} else {
			childAddr = binary.LittleEndian.Uint64(entryData[off : off+8])
		}
		peek, err := mem.Read(childAddr, 4)
		if err != nil {
			continue
		}
		refs = append(refs, TableRef{Address: childAddr, Signature: string(peek)})
	}
	return refs, nil
}
