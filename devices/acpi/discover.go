package acpi

import "github.com/sirupsen/logrus"

// SystemTables is the result of a full discovery pass: every recognized
// table this package parses.
type SystemTables struct {
	Rsdp *Rsdp
	Fadt *Fadt
	Madt *Madt
}

// Discover runs the full pipeline: find the RSDP, parse its root table,
// and dispatch every child table whose signature this package recognizes
// to the matching parser. Unrecognized tables (DSDT, HPET, MCFG, ...) are
// skipped, not an error.
func Discover(mem Memory, ebdaAddr uint64, log *logrus.Logger) (*SystemTables, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	rsdp, err := FindRsdp(mem, ebdaAddr)
	if err != nil {
		return nil, err
	}
	log.WithField("revision", rsdp.Revision).Info("acpi: RSDP located")

	refs, err := ParseRootTable(mem, rsdp)
	if err != nil {
		return nil, err
	}

	sys := &SystemTables{Rsdp: rsdp}
	for _, ref := range refs {
		switch ref.Signature {
		case "FACP":
			fadt, err := ParseFadt(mem, ref.Address)
			if err != nil {
				log.WithError(err).Warn("acpi: FADT parse failed")
				continue
			}
			sys.Fadt = fadt
		case "APIC":
			madt, err := ParseMadt(mem, ref.Address)
			if err != nil {
				log.WithError(err).Warn("acpi: MADT parse failed")
				continue
			}
			sys.Madt = madt
		}
	}
	return sys, nil
}
