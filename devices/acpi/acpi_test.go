package acpi

import (
	"encoding/binary"
	"errors"
	"testing"
)

// buildTable assembles an ACPI table: header (signature/length/revision
// filled in, checksum computed last) followed by body, and returns the
// full byte slice with a valid checksum.
func buildTable(sig string, body []byte) []byte {
	length := headerSize + len(body)
	b := make([]byte, length)
	copy(b[0:4], sig)
	binary.LittleEndian.PutUint32(b[4:8], uint32(length))
	b[8] = 1 // revision
	copy(b[10:16], "SPLAX ")
	copy(b[16:24], "SPLAXTBL")
	copy(b[headerSize:], body)
	fixChecksum(b, 9)
	return b
}

func fixChecksum(b []byte, checksumOffset int) {
	b[checksumOffset] = 0
	var sum byte
	for _, v := range b {
		sum += v
	}
	b[checksumOffset] = byte(256 - int(sum))
	if checksum(b) != 0 {
		panic("fixChecksum: checksum still nonzero")
	}
}

func buildRsdp(rsdtAddr uint32) []byte {
	b := make([]byte, 20)
	copy(b[0:8], rsdpSignature)
	copy(b[9:15], "SPLAX ")
	b[15] = 0 // revision 0: ACPI 1.0, RSDT only
	binary.LittleEndian.PutUint32(b[16:20], rsdtAddr)
	fixChecksum(b, 8)
	return b
}

func buildFadt() []byte {
	body := make([]byte, 116-headerSize)
	binary.LittleEndian.PutUint16(body[46-headerSize:48-headerSize], 9)     // SCI
	binary.LittleEndian.PutUint32(body[48-headerSize:52-headerSize], 0xB2)  // SMI command port
	binary.LittleEndian.PutUint32(body[64-headerSize:68-headerSize], 0x604) // PM1a control block
	return buildTable("FACP", body)
}

func buildMadt() []byte {
	body := make([]byte, 8)
	binary.LittleEndian.PutUint32(body[0:4], 0xFEE00000) // local APIC address

	localApic := []byte{0, 8, 0 /*acpi id*/, 1 /*apic id*/, 1, 0, 0, 0} // enabled
	ioApic := make([]byte, 12)
	ioApic[0], ioApic[1] = 1, 12
	ioApic[2] = 2 // io apic id
	binary.LittleEndian.PutUint32(ioApic[4:8], 0xFEC00000)
	binary.LittleEndian.PutUint32(ioApic[8:12], 0)

	override := make([]byte, 10)
	override[0], override[1] = 2, 10
	override[3] = 9 // source IRQ
	binary.LittleEndian.PutUint32(override[4:8], 2)
	binary.LittleEndian.PutUint16(override[8:10], 0x000d) // polarity=active high, trigger=level

	body = append(body, localApic...)
	body = append(body, ioApic...)
	body = append(body, override...)
	return buildTable("APIC", body)
}

func buildRsdt(childAddrs []uint32) []byte {
	body := make([]byte, 4*len(childAddrs))
	for i, a := range childAddrs {
		binary.LittleEndian.PutUint32(body[i*4:i*4+4], a)
	}
	return buildTable("RSDT", body)
}

func TestDiscoverFullPipeline(t *testing.T) {
	const (
		rsdpAddr = 0xE0010
		fadtAddr = 0x100000
		madtAddr = 0x101000
		rsdtAddr = 0x102000
	)

	fadt := buildFadt()
	madt := buildMadt()
	rsdt := buildRsdt([]uint32{fadtAddr, madtAddr})
	rsdp := buildRsdp(rsdtAddr)

	mem := &patchworkMemory{regions: map[uint64][]byte{
		rsdpAddr: rsdp,
		fadtAddr: fadt,
		madtAddr: madt,
		rsdtAddr: rsdt,
	}}

	sys, err := Discover(mem, 0, nil)
	if err != nil {
		t.Fatalf("Discover() failed: %v", err)
	}
	if sys.Fadt == nil {
		t.Fatal("expected FADT to be parsed")
	}
	if sys.Fadt.SciInterrupt != 9 {
		t.Errorf("SciInterrupt = %d, want 9", sys.Fadt.SciInterrupt)
	}
	if sys.Madt == nil {
		t.Fatal("expected MADT to be parsed")
	}
	if len(sys.Madt.Processors) != 1 || !sys.Madt.Processors[0].IsBSP {
		t.Errorf("expected exactly one BSP processor, got %+v", sys.Madt.Processors)
	}
	if len(sys.Madt.IoApics) != 1 || sys.Madt.IoApics[0].MmioAddress != 0xFEC00000 {
		t.Errorf("unexpected IoApics: %+v", sys.Madt.IoApics)
	}
	if len(sys.Madt.Overrides) != 1 || sys.Madt.Overrides[0].SourceIRQ != 9 || sys.Madt.Overrides[0].GSI != 2 {
		t.Errorf("unexpected Overrides: %+v", sys.Madt.Overrides)
	}
}

func TestFindRsdpChecksumRejectsCorruption(t *testing.T) {
	rsdp := buildRsdp(0x1000)
	rsdp[10] ^= 0xFF // corrupt a byte inside the checksummed region

	mem := &patchworkMemory{regions: map[uint64][]byte{0xE0010: rsdp}}
	if _, err := FindRsdp(mem, 0); err != ErrRsdpNotFound {
		t.Fatalf("FindRsdp() = %v, want ErrRsdpNotFound for corrupted checksum", err)
	}
}

// patchworkMemory serves fixed byte blobs at their declared addresses and
// zero-fills any other address a 16-byte-aligned RSDP scan probes.
type patchworkMemory struct {
	regions map[uint64][]byte
}

func (m *patchworkMemory) Read(addr uint64, length int) ([]byte, error) {
	for base, data := range m.regions {
		if addr >= base && int(addr-base)+length <= len(data) {
			return data[addr-base : addr-base+uint64(length)], nil
		}
	}
	if addr >= 0xE0000 && addr+uint64(length) <= 0x100000 {
		return make([]byte, length), nil
	}
	return nil, errNotMapped
}

var errNotMapped = errors.New("acpi: address not mapped")
