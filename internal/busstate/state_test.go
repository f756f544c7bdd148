package busstate

import (
	"testing"

	"apbtrace/internal/signal"
)

func TestParseValueScalar(t *testing.T) {
	cases := []struct {
		in      string
		value   uint32
		hasX    bool
	}{
		{"0", 0, false},
		{"1", 1, false},
		{"x", 0, true},
		{"Z", 0, true},
	}
	for _, c := range cases {
		v, x := ParseValue(c.in)
		if v != c.value || x != c.hasX {
			t.Errorf("ParseValue(%q) = (%d,%v), want (%d,%v)", c.in, v, x, c.value, c.hasX)
		}
	}
}

func TestParseValueVector(t *testing.T) {
	v, x := ParseValue("b101010")
	if v != 0b101010 || x {
		t.Errorf("got (%d,%v), want (42,false)", v, x)
	}

	v, x = ParseValue("B1x01")
	if !x {
		t.Errorf("expected hasX for vector with x bit")
	}
	if v != 0b1001 {
		t.Errorf("x bit should contribute 0: got %b", v)
	}
}

func TestApplyClockEdgeDetection(t *testing.T) {
	tbl := signal.NewTable()
	tbl.Register("c", "wire", 1, "tb.pclk")
	s := NewState(tbl)

	if rose := s.Apply("c", "0"); rose {
		t.Fatalf("falling/low should never report a rise")
	}
	if rose := s.Apply("c", "1"); !rose {
		t.Fatalf("0 -> 1 transition should report a rise")
	}
	if rose := s.Apply("c", "1"); rose {
		t.Fatalf("holding high should not report a second rise")
	}
	if rose := s.Apply("c", "0"); rose {
		t.Fatalf("falling edge should not report a rise")
	}
	if rose := s.Apply("c", "1"); !rose {
		t.Fatalf("second 0 -> 1 transition should report a rise")
	}
}

func TestApplyRoleFields(t *testing.T) {
	tbl := signal.NewTable()
	tbl.Register("a", "wire", 32, "tb.paddr")
	tbl.Register("w", "wire", 1, "tb.pwrite")
	s := NewState(tbl)

	s.Apply("a", "b101")
	if s.Addr != 0b101 || s.AddrHasX {
		t.Errorf("expected Addr=5 hasX=false, got Addr=%d hasX=%v", s.Addr, s.AddrHasX)
	}

	s.Apply("w", "1")
	if !s.Write || s.WriteHasX {
		t.Errorf("expected Write=true, hasX=false, got Write=%v hasX=%v", s.Write, s.WriteHasX)
	}
}

func TestApplyIgnoresUnregisteredID(t *testing.T) {
	tbl := signal.NewTable()
	s := NewState(tbl)
	if rose := s.Apply("zz", "1"); rose {
		t.Errorf("unregistered id must never report a clock rise")
	}
}

func TestSetTime(t *testing.T) {
	s := NewState(signal.NewTable())
	s.SetTime(1234)
	if s.Timestamp != 1234 {
		t.Errorf("Timestamp = %d, want 1234", s.Timestamp)
	}
}
