package protocol

import (
	"testing"

	"apbtrace/internal/busstate"
	"apbtrace/internal/config"
	"apbtrace/internal/signal"
)

// fakeSink records every call the Analyzer makes, for assertions.
type fakeSink struct {
	busActiveEdges int
	accessed       []config.PeripheralID
	addrSamples    []uint32
	wdataSamples   []uint32
	outOfRange     []uint32
	reads          []txRecord
	writes         []txRecord
	shadowWrites   []shadowWrite
	shadowChecks   []shadowWrite
	timeouts       []uint32
	overlaps       []uint32
	firstValidEdge uint64
	totalEdges     uint64
	finalized      bool
}

type txRecord struct {
	hadWait  bool
	duration uint64
}

type shadowWrite struct {
	id   config.PeripheralID
	addr uint32
	data uint32
	ts   uint64
}

func (f *fakeSink) RecordBusActiveEdge()                       { f.busActiveEdges++ }
func (f *fakeSink) AccessPeripheral(id config.PeripheralID)    { f.accessed = append(f.accessed, id) }
func (f *fakeSink) SampleAddrBits(id config.PeripheralID, addr uint32) {
	f.addrSamples = append(f.addrSamples, addr)
}
func (f *fakeSink) SampleWDataBits(id config.PeripheralID, wdata uint32) {
	f.wdataSamples = append(f.wdataSamples, wdata)
}
func (f *fakeSink) RecordOutOfRange(ts uint64, addr uint32) { f.outOfRange = append(f.outOfRange, addr) }
func (f *fakeSink) RecordReadTransaction(hadWait bool, duration uint64) {
	f.reads = append(f.reads, txRecord{hadWait, duration})
}
func (f *fakeSink) RecordWriteTransaction(hadWait bool, duration uint64) {
	f.writes = append(f.writes, txRecord{hadWait, duration})
}
func (f *fakeSink) UpdateShadowMemory(id config.PeripheralID, addr, data uint32, ts uint64) {
	f.shadowWrites = append(f.shadowWrites, shadowWrite{id, addr, data, ts})
}
func (f *fakeSink) CheckReadAgainstShadow(id config.PeripheralID, addr, data uint32, ts uint64) {
	f.shadowChecks = append(f.shadowChecks, shadowWrite{id, addr, data, ts})
}
func (f *fakeSink) RecordTimeout(startTS uint64, addr uint32) { f.timeouts = append(f.timeouts, addr) }
func (f *fakeSink) RecordReadWriteOverlap(ts uint64, addr uint32) {
	f.overlaps = append(f.overlaps, addr)
}
func (f *fakeSink) SetFirstValidEdge(edge uint64) { f.firstValidEdge = edge }
func (f *fakeSink) SetTotalEdges(edge uint64)     { f.totalEdges = edge }
func (f *fakeSink) Finalize()                     { f.finalized = true }

// bus drives a busstate.State + Analyzer pair through named signal
// changes, matching how the real pipeline would via the decoder.
type bus struct {
	tbl   *signal.Table
	state *busstate.State
	an    *Analyzer
	edge  uint64
	sink  *fakeSink
}

func newBus(t *testing.T) *bus {
	tbl := signal.NewTable()
	tbl.Register("c", "wire", 1, "tb.pclk")
	tbl.Register("r", "wire", 1, "tb.presetn")
	tbl.Register("s", "wire", 1, "tb.psel")
	tbl.Register("e", "wire", 1, "tb.penable")
	tbl.Register("w", "wire", 1, "tb.pwrite")
	tbl.Register("a", "wire", 32, "tb.paddr")
	tbl.Register("d", "wire", 32, "tb.pwdata")
	tbl.Register("q", "wire", 32, "tb.prdata")
	tbl.Register("y", "wire", 1, "tb.pready")

	sink := &fakeSink{}
	an := NewAnalyzer(config.Default().Addresses, sink)
	return &bus{tbl: tbl, state: busstate.NewState(tbl), an: an, sink: sink}
}

// edgeWith sets the given signals then pulses the clock through a
// 0->1 transition, ticking the analyzer on the rise.
func (b *bus) edgeWith(sets map[string]string) {
	for id, v := range sets {
		b.state.Apply(id, v)
	}
	b.state.Apply("c", "0")
	if rose := b.state.Apply("c", "1"); rose {
		b.edge++
		b.an.Tick(b.state, b.edge)
	}
}

func hex32(v uint32) string {
	s := make([]byte, 32)
	for i := 0; i < 32; i++ {
		if v&(1<<(31-i)) != 0 {
			s[i] = '1'
		} else {
			s[i] = '0'
		}
	}
	return "b" + string(s)
}

func releaseReset(b *bus) {
	b.edgeWith(map[string]string{"r": "1", "s": "0", "e": "0", "y": "0"})
}

func TestNoWaitWriteThenRead(t *testing.T) {
	b := newBus(t)
	releaseReset(b) // edge 1

	addr := hex32(0x1A100000)
	wdata := hex32(0xAA)

	// edge 2: IDLE -> SETUP (write)
	b.edgeWith(map[string]string{"s": "1", "e": "0", "w": "1", "a": addr, "d": wdata})
	// edge 3: SETUP -> ACCESS -> complete (ready high same tick as enable asserted)
	b.edgeWith(map[string]string{"e": "1", "y": "1"})
	// edge 4: idle
	b.edgeWith(map[string]string{"s": "0", "e": "0", "w": "0", "y": "0"})
	// edge 5: IDLE -> SETUP (read)
	b.edgeWith(map[string]string{"s": "1", "e": "0", "w": "0", "a": addr})
	// edge 6: SETUP -> ACCESS -> complete
	b.edgeWith(map[string]string{"e": "1", "y": "1", "q": wdata})

	if len(b.sink.writes) != 1 || b.sink.writes[0].hadWait || b.sink.writes[0].duration != 2 {
		t.Fatalf("expected one no-wait write of duration 2, got %+v", b.sink.writes)
	}
	if len(b.sink.reads) != 1 || b.sink.reads[0].hadWait || b.sink.reads[0].duration != 2 {
		t.Fatalf("expected one no-wait read of duration 2, got %+v", b.sink.reads)
	}
	if len(b.sink.overlaps) != 0 || len(b.sink.timeouts) != 0 || len(b.sink.outOfRange) != 0 {
		t.Fatalf("expected no errors, got overlaps=%v timeouts=%v oor=%v", b.sink.overlaps, b.sink.timeouts, b.sink.outOfRange)
	}
	uniqueAccessed := map[config.PeripheralID]bool{}
	for _, id := range b.sink.accessed {
		uniqueAccessed[id] = true
	}
	if len(uniqueAccessed) != 1 {
		t.Fatalf("expected exactly one distinct peripheral accessed, got %v", b.sink.accessed)
	}
}

func TestTimeout(t *testing.T) {
	b := newBus(t)
	releaseReset(b)

	addr := hex32(0x1A100000)
	b.edgeWith(map[string]string{"s": "1", "e": "0", "w": "1", "a": addr, "d": hex32(1)})
	b.edgeWith(map[string]string{"e": "1", "y": "0"})
	for i := 0; i < 100; i++ {
		b.edgeWith(map[string]string{"y": "0"})
	}

	if len(b.sink.timeouts) != 1 {
		t.Fatalf("expected exactly one timeout, got %d: %v", len(b.sink.timeouts), b.sink.timeouts)
	}
	if len(b.sink.writes) != 0 {
		t.Fatalf("a timed-out transaction must not be counted as completed, got %+v", b.sink.writes)
	}
	if b.an.Active() {
		t.Fatalf("analyzer should have returned to an inactive state after timeout")
	}
}

func TestOutOfRange(t *testing.T) {
	b := newBus(t)
	releaseReset(b)

	addr := hex32(0x00000000)
	b.edgeWith(map[string]string{"s": "1", "e": "0", "w": "1", "a": addr, "d": hex32(1)})
	b.edgeWith(map[string]string{"e": "1", "y": "1"})

	if len(b.sink.outOfRange) != 1 {
		t.Fatalf("expected one out-of-range record, got %v", b.sink.outOfRange)
	}
	if len(b.sink.writes) != 1 {
		t.Fatalf("out-of-range transaction should still be counted, got %+v", b.sink.writes)
	}
}

func TestPendingWriteTableLifecycle(t *testing.T) {
	b := newBus(t)
	releaseReset(b)

	addr := hex32(0x1A100000)
	b.edgeWith(map[string]string{"s": "1", "e": "0", "w": "1", "a": addr, "d": hex32(5)})
	if _, ok := b.an.pendingWrites[0x1A100000]; !ok {
		t.Fatalf("expected a pending write entry for 0x1A100000 while in SETUP")
	}

	// stall in ACCESS with a wait state: entry must still be present
	b.edgeWith(map[string]string{"e": "1", "y": "0"})
	if _, ok := b.an.pendingWrites[0x1A100000]; !ok {
		t.Fatalf("pending write entry must survive a wait state")
	}

	b.edgeWith(map[string]string{"y": "1"})
	if _, ok := b.an.pendingWrites[0x1A100000]; ok {
		t.Fatalf("pending write entry must be removed on completion")
	}
}

func TestReadWriteOverlapFiresWhenWriteStillPending(t *testing.T) {
	// RecordReadWriteOverlap fires from handleIdle when a new
	// transaction targets an address with an open pending-write entry.
	// Since the FSM serializes transactions, the only way to observe
	// this from the outside is to construct the table state directly
	// and drive handleIdle's entry condition through Tick.
	b := newBus(t)
	releaseReset(b)
	b.an.pendingWrites[0x1A100000] = PendingWrite{StartTS: 1, StartEdge: 1}

	addr := hex32(0x1A100000)
	b.edgeWith(map[string]string{"s": "1", "e": "0", "w": "0", "a": addr})

	if len(b.sink.overlaps) != 1 || b.sink.overlaps[0] != 0x1A100000 {
		t.Fatalf("expected one overlap record for 0x1A100000, got %v", b.sink.overlaps)
	}
}

func TestInferredShortDetectionIsStatisticsConcern(t *testing.T) {
	// Bit-pair inference lives in internal/stats; the Analyzer only
	// forwards samples via SampleAddrBits/SampleWDataBits. This test
	// guards that forwarding happens on every completion with defined
	// address bits.
	b := newBus(t)
	releaseReset(b)
	addr := hex32(0x1A100000)
	b.edgeWith(map[string]string{"s": "1", "e": "0", "w": "1", "a": addr, "d": hex32(1)})
	b.edgeWith(map[string]string{"e": "1", "y": "1"})

	if len(b.sink.addrSamples) != 1 || b.sink.addrSamples[0] != 0x1A100000 {
		t.Fatalf("expected one address sample of 0x1A100000, got %v", b.sink.addrSamples)
	}
	if len(b.sink.wdataSamples) != 1 {
		t.Fatalf("expected one wdata sample, got %v", b.sink.wdataSamples)
	}
}

func TestFinalizeAbortsActiveTransactionSilently(t *testing.T) {
	b := newBus(t)
	releaseReset(b)
	addr := hex32(0x1A100000)
	b.edgeWith(map[string]string{"s": "1", "e": "0", "w": "1", "a": addr, "d": hex32(1)})
	// still in SETUP/ACCESS, never completes
	b.an.Finalize(b.edge)

	if len(b.sink.timeouts) != 0 {
		t.Fatalf("finalize must abort silently, not time out: %v", b.sink.timeouts)
	}
	if !b.sink.finalized {
		t.Fatalf("expected Finalize to be called on the sink")
	}
	if b.sink.totalEdges != b.edge {
		t.Fatalf("SetTotalEdges = %d, want %d", b.sink.totalEdges, b.edge)
	}
}

func TestResetGateBlocksAllActivity(t *testing.T) {
	b := newBus(t)
	// reset stays asserted (presetn=0) throughout
	b.edgeWith(map[string]string{"r": "0", "s": "1", "e": "0", "w": "1", "a": hex32(0x1A100000)})
	if b.an.Active() {
		t.Fatalf("no transaction should start while reset is asserted")
	}
	if len(b.sink.writes) != 0 {
		t.Fatalf("no completions should be recorded while reset is asserted")
	}
}
