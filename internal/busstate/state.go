// Package busstate holds the mutable signal snapshot the protocol
// analyzer ticks against, and the logic that updates it one value-change
// at a time while detecting the clock's rising edge. Edge detection and
// state update happen together so the analyzer's tick is atomic with
// respect to the snapshot it observes.
package busstate

import (
	"apbtrace/internal/signal"
)

// State is the flat, mutable record of current bus signal levels. The
// zero value is almost right except for ResetN, which VCD traces
// typically start asserted (low) then release; NewState seeds it true,
// though real traces always emit an explicit presetn value before the
// first clock edge that matters.
type State struct {
	table *signal.Table

	Timestamp uint64

	Clk     bool
	prevClk bool

	ResetN     bool
	ResetNHasX bool

	Addr     uint32
	AddrHasX bool

	Write     bool
	WriteHasX bool

	Select     bool
	SelectHasX bool

	Enable     bool
	EnableHasX bool

	WData     uint32
	WDataHasX bool

	RData     uint32
	RDataHasX bool

	Ready     bool
	ReadyHasX bool
}

// NewState builds a State resolving ids against tbl.
func NewState(tbl *signal.Table) *State {
	return &State{table: tbl, ResetN: true}
}

// SetTime advances the snapshot's timestamp; called on every VCD #<ts>.
func (s *State) SetTime(ts uint64) {
	s.Timestamp = ts
}

// Apply decodes valueString for idCode and writes it into the matching
// role field of s. It reports whether this update was the clock
// transitioning from low to high — the sole trigger for a protocol tick.
// Unregistered ids are ignored rather than treated as an error.
func (s *State) Apply(idCode, valueString string) (clockRose bool) {
	def, ok := s.table.Lookup(idCode)
	if !ok {
		return false
	}

	value, hasX := ParseValue(valueString)

	switch def.Role {
	case signal.RoleClk:
		newLevel := value != 0
		clockRose = newLevel && !s.prevClk
		s.Clk = newLevel
		s.prevClk = newLevel
		return clockRose
	case signal.RoleResetN:
		s.ResetN = value != 0
		s.ResetNHasX = hasX
	case signal.RoleAddr:
		s.Addr = value
		s.AddrHasX = hasX
	case signal.RoleWrite:
		s.Write = value != 0
		s.WriteHasX = hasX
	case signal.RoleSelect:
		s.Select = value != 0
		s.SelectHasX = hasX
	case signal.RoleEnable:
		s.Enable = value != 0
		s.EnableHasX = hasX
	case signal.RoleWData:
		s.WData = value
		s.WDataHasX = hasX
	case signal.RoleRData:
		s.RData = value
		s.RDataHasX = hasX
	case signal.RoleReady:
		s.Ready = value != 0
		s.ReadyHasX = hasX
	}
	return false
}

// ParseValue decodes a VCD value-change payload (an optional leading
// "b"/"B" vector prefix followed by bit characters, or a single scalar
// character) into its unsigned integer value and whether any bit was
// indeterminate (x/X/z/Z). X bits contribute 0 to the integer value.
func ParseValue(valueString string) (value uint32, hasX bool) {
	bits := valueString
	if len(bits) > 0 && (bits[0] == 'b' || bits[0] == 'B') {
		bits = bits[1:]
	}
	for i := 0; i < len(bits); i++ {
		c := bits[i]
		switch c {
		case '0':
			value <<= 1
		case '1':
			value <<= 1
			value |= 1
		case 'x', 'X', 'z', 'Z':
			value <<= 1
			hasX = true
		default:
			// Not a bit position (stray whitespace); ignore.
		}
	}
	return value, hasX
}
