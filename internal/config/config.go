// Package config supplies the compiled-in address map and
// externally-driven register exemption list, with an optional INI file
// override. The exemption set is caller-provided configuration, never a
// hard-coded list buried in internal/stats.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// PeripheralID identifies a target peripheral by index into an
// AddressMap's Ranges, or one of the two sentinels below.
type PeripheralID int

const (
	// PeripheralNone marks a transaction slot that has not yet resolved
	// a target. It is set explicitly on an empty transaction, since the
	// zero PeripheralID is the first configured range.
	PeripheralNone PeripheralID = -2
	// PeripheralUnknown marks an address outside every configured range.
	PeripheralUnknown PeripheralID = -1
)

// PeripheralRange is one named, closed, inclusive address range.
type PeripheralRange struct {
	Name string
	Base uint32
	End  uint32
}

// AddressMap is a total, disjoint mapping from address to PeripheralID.
type AddressMap struct {
	Ranges []PeripheralRange
}

// Lookup resolves an address to a peripheral, or PeripheralUnknown if it
// falls outside every configured range.
func (m AddressMap) Lookup(addr uint32) PeripheralID {
	for i, r := range m.Ranges {
		if addr >= r.Base && addr <= r.End {
			return PeripheralID(i)
		}
	}
	return PeripheralUnknown
}

// Name returns the display name for id, including the sentinel names.
func (m AddressMap) Name(id PeripheralID) string {
	switch id {
	case PeripheralNone:
		return "NONE"
	case PeripheralUnknown:
		return "UNKNOWN"
	}
	if int(id) < 0 || int(id) >= len(m.Ranges) {
		return "UNKNOWN"
	}
	return m.Ranges[id].Name
}

// Config bundles the address map and exemption set the rest of the
// pipeline is constructed with.
type Config struct {
	Addresses AddressMap
	// Exempt holds externally-driven register addresses excluded from
	// mirroring checks (e.g. buffered input registers that legitimately
	// echo values never written by software).
	Exempt map[uint32]bool
}

// Default returns the compiled-in address map and exemption set, matching
// original_source/src/apb_types.hpp and statistics.cpp.
func Default() Config {
	return Config{
		Addresses: AddressMap{Ranges: []PeripheralRange{
			{Name: "UART", Base: 0x1A100000, End: 0x1A100FFF},
			{Name: "GPIO", Base: 0x1A101000, End: 0x1A101FFF},
			{Name: "SPI_MASTER", Base: 0x1A102000, End: 0x1A102FFF},
		}},
		Exempt: map[uint32]bool{
			0x1A101008: true, // GPIO PADIN
			0x1A100000: true, // UART RBR
			0x1A100014: true,
		},
	}
}

// Load reads an INI override file with sections:
//
//	[addresses]
//	UART = 0x1A100000-0x1A100FFF
//	GPIO = 0x1A101000-0x1A101FFF
//
//	[exempt]
//	0x1A101008
//	0x1A100000
//
// Any section that is absent or empty leaves the corresponding default
// untouched; sections present replace the default entirely.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads the INI override format from r, starting from Default().
func Parse(r io.Reader) (Config, error) {
	cfg := Default()
	sections := parseIni(r)

	if addrSection, ok := sections["addresses"]; ok && len(addrSection) > 0 {
		ranges := make([]PeripheralRange, 0, len(addrSection))
		for name, spec := range addrSection {
			base, end, err := parseRange(spec)
			if err != nil {
				return Config{}, fmt.Errorf("address range %q: %w", name, err)
			}
			ranges = append(ranges, PeripheralRange{Name: name, Base: base, End: end})
		}
		sort.Slice(ranges, func(i, j int) bool { return ranges[i].Base < ranges[j].Base })
		cfg.Addresses = AddressMap{Ranges: ranges}
	}

	if exemptSection, ok := sections["exempt"]; ok && len(exemptSection) > 0 {
		exempt := make(map[uint32]bool, len(exemptSection))
		for key := range exemptSection {
			addr, err := strconv.ParseUint(strings.TrimSpace(key), 0, 32)
			if err != nil {
				return Config{}, fmt.Errorf("exempt address %q: %w", key, err)
			}
			exempt[uint32(addr)] = true
		}
		cfg.Exempt = exempt
	}

	return cfg, nil
}

func parseRange(spec string) (base, end uint32, err error) {
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected BASE-END, got %q", spec)
	}
	b, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 0, 32)
	if err != nil {
		return 0, 0, err
	}
	e, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 0, 32)
	if err != nil {
		return 0, 0, err
	}
	return uint32(b), uint32(e), nil
}

// parseIni is a minimal section/key=value reader. Keys in the [exempt]
// section may appear bare (no "="), in which case the key is the value.
func parseIni(r io.Reader) map[string]map[string]string {
	sections := map[string]map[string]string{}
	scanner := bufio.NewScanner(r)
	current := ""
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			current = strings.ToLower(strings.TrimSpace(line[1 : len(line)-1]))
			if _, ok := sections[current]; !ok {
				sections[current] = map[string]string{}
			}
			continue
		}
		if _, ok := sections[current]; !ok {
			sections[current] = map[string]string{}
		}
		if eq := strings.Index(line, "="); eq >= 0 {
			key := strings.TrimSpace(line[:eq])
			val := strings.TrimSpace(line[eq+1:])
			sections[current][key] = val
		} else {
			sections[current][line] = line
		}
	}
	return sections
}
