// Package stats implements the statistics aggregator and shadow-memory
// model: per-peripheral transaction counters, a shadow memory and reverse
// value index for read-consistency checking, bit-pair co-occurrence
// matrices for connection-integrity inference, and the chronological
// error log. It implements internal/protocol.Sink.
package stats

import (
	"math/bits"
	"sort"

	"apbtrace/internal/config"
)

// ShadowEntry is the last-written value at a (peripheral, address) pair.
type ShadowEntry struct {
	Data uint32
	TS   uint64
}

// ReverseEntry is the most recent writer of a given data value, across
// all peripherals, keyed by the value itself.
type ReverseEntry struct {
	Addr uint32
	TS   uint64
}

// BitStatus is one bit's verdict in a peripheral's connection map.
type BitStatus struct {
	Shorted bool
	WithBit int
}

type timeoutRecord struct {
	StartTS uint64
	Addr    uint32
}

type oorRecord struct {
	TS   uint64
	Addr uint32
}

type overlapRecord struct {
	TS   uint64
	Addr uint32
}

type addrMirrorRecord struct {
	TS         uint64
	OrigAddr   uint32
	MirrorAddr uint32
}

type dataMirrorRecord struct {
	TS         uint64
	Value      uint32
	OrigAddr   uint32
	MirrorAddr uint32
}

type corruptionRecord struct {
	TS   uint64
	BitA int
	BitB int
}

// coMatrix tallies, for every bit pair i<j observed in a stream of values,
// how often each of the four (bit_i, bit_j) combinations occurred.
type coMatrix struct {
	counts [32][32][4]uint32
}

func (m *coMatrix) observe(value uint32, width int) {
	for i := 0; i < width; i++ {
		bi := (value >> i) & 1
		for j := i + 1; j < width; j++ {
			bj := (value >> j) & 1
			m.counts[i][j][bi*2+bj]++
		}
	}
}

// candidatePairs returns every bit pair whose observations are consistent
// with the two bits being permanently shorted together: both agreeing
// combinations seen at least once, neither disagreeing combination ever
// seen.
func (m *coMatrix) candidatePairs(width int) [][2]int {
	var pairs [][2]int
	for i := 0; i < width; i++ {
		for j := i + 1; j < width; j++ {
			c := m.counts[i][j]
			agree00, disagree01, disagree10, agree11 := c[0], c[1], c[2], c[3]
			if agree00 >= 1 && agree11 >= 1 && disagree01 == 0 && disagree10 == 0 {
				pairs = append(pairs, [2]int{i, j})
			}
		}
	}
	return pairs
}

// Aggregator owns every piece of derived state the report needs: the
// transaction counters, shadow memory, reverse value index, bit-pair
// matrices, and error records. Construct with New, feed it via the
// protocol.Sink interface, then call Snapshot once analysis is complete.
type Aggregator struct {
	addrMap config.AddressMap
	exempt  map[uint32]bool

	addrWidth  int
	wdataWidth int

	readNoWait, readWithWait   uint64
	writeNoWait, writeWithWait uint64
	totalReadEdges             uint64
	totalWriteEdges            uint64
	busActiveEdges             uint64
	totalSimEdges              uint64
	firstValidEdge             uint64

	accessedOrder []config.PeripheralID
	accessedSeen  map[config.PeripheralID]bool

	shadow  map[config.PeripheralID]map[uint32]ShadowEntry
	reverse map[uint32]ReverseEntry

	addrMatrix  map[config.PeripheralID]*coMatrix
	wdataMatrix map[config.PeripheralID]*coMatrix

	// hammingMarks records bit pairs marked SHORTED immediately by a
	// two-bit-Hamming read/shadow mismatch, keyed by peripheral. These
	// persist through finalize regardless of what the statistical
	// inference concludes for the same bus.
	hammingMarks map[config.PeripheralID]map[int]int

	timeouts   []timeoutRecord
	outOfRange []oorRecord
	overlaps   []overlapRecord

	addrMirrors []addrMirrorRecord
	dataMirrors []dataMirrorRecord

	dataCorruptions []corruptionRecord

	// addrVerdicts/wdataVerdicts hold the per-peripheral bit-pair
	// inference result, computed once by Finalize and read by Snapshot.
	addrVerdicts  map[config.PeripheralID][]BitStatus
	wdataVerdicts map[config.PeripheralID][]BitStatus
}

// New builds an Aggregator resolving addresses against addrMap,
// exempting addrMap entries in exempt from mirroring checks, and sizing
// bit-pair matrices to addrWidth/wdataWidth (both default to 32 if given
// as 0, matching an unregistered or fully generic bus).
func New(addrMap config.AddressMap, exempt map[uint32]bool, addrWidth, wdataWidth int) *Aggregator {
	if addrWidth <= 0 {
		addrWidth = 32
	}
	if wdataWidth <= 0 {
		wdataWidth = 32
	}
	return &Aggregator{
		addrMap:      addrMap,
		exempt:       exempt,
		addrWidth:    addrWidth,
		wdataWidth:   wdataWidth,
		accessedSeen: make(map[config.PeripheralID]bool),
		shadow:       make(map[config.PeripheralID]map[uint32]ShadowEntry),
		reverse:      make(map[uint32]ReverseEntry),
		addrMatrix:   make(map[config.PeripheralID]*coMatrix),
		wdataMatrix:  make(map[config.PeripheralID]*coMatrix),
		hammingMarks: make(map[config.PeripheralID]map[int]int),
	}
}

func (a *Aggregator) RecordBusActiveEdge() { a.busActiveEdges++ }

func (a *Aggregator) AccessPeripheral(id config.PeripheralID) {
	if id < 0 {
		return
	}
	if a.accessedSeen[id] {
		return
	}
	a.accessedSeen[id] = true
	a.accessedOrder = append(a.accessedOrder, id)
}

func (a *Aggregator) SampleAddrBits(id config.PeripheralID, addr uint32) {
	if id < 0 {
		return
	}
	if a.addrMatrix[id] == nil {
		a.addrMatrix[id] = &coMatrix{}
	}
	a.addrMatrix[id].observe(addr, a.addrWidth)
}

func (a *Aggregator) SampleWDataBits(id config.PeripheralID, wdata uint32) {
	if id < 0 {
		return
	}
	if a.wdataMatrix[id] == nil {
		a.wdataMatrix[id] = &coMatrix{}
	}
	a.wdataMatrix[id].observe(wdata, a.wdataWidth)
}

func (a *Aggregator) RecordOutOfRange(ts uint64, addr uint32) {
	a.outOfRange = append(a.outOfRange, oorRecord{TS: ts, Addr: addr})
}

func (a *Aggregator) RecordReadTransaction(hadWait bool, durationEdges uint64) {
	a.totalReadEdges += durationEdges
	if hadWait {
		a.readWithWait++
	} else {
		a.readNoWait++
	}
}

func (a *Aggregator) RecordWriteTransaction(hadWait bool, durationEdges uint64) {
	a.totalWriteEdges += durationEdges
	if hadWait {
		a.writeWithWait++
	} else {
		a.writeNoWait++
	}
}

func (a *Aggregator) UpdateShadowMemory(id config.PeripheralID, addr, data uint32, ts uint64) {
	if id < 0 {
		return
	}
	if a.shadow[id] == nil {
		a.shadow[id] = make(map[uint32]ShadowEntry)
	}
	a.shadow[id][addr] = ShadowEntry{Data: data, TS: ts}
	a.reverse[data] = ReverseEntry{Addr: addr, TS: ts}
}

// CheckReadAgainstShadow handles a completed read's consistency check: a
// mismatch against a known shadow entry is a corruption candidate
// (logged only when the differing bits number exactly two); a read of a
// never-written address that matches some other write's value is
// mirroring, exempting the small externally-driven register set from
// that check only.
func (a *Aggregator) CheckReadAgainstShadow(id config.PeripheralID, addr, data uint32, ts uint64) {
	if id < 0 {
		return
	}
	if entry, ok := a.shadow[id][addr]; ok {
		if entry.Data != data {
			diff := entry.Data ^ data
			if bits.OnesCount32(diff) == 2 {
				bitA, bitB := twoSetBits(diff)
				a.markHamming(id, bitA, bitB)
				a.dataCorruptions = append(a.dataCorruptions, corruptionRecord{TS: ts, BitA: bitA, BitB: bitB})
			}
		}
		return
	}
	if a.exempt[addr] {
		return
	}
	if rev, ok := a.reverse[data]; ok && rev.Addr != addr {
		a.addrMirrors = append(a.addrMirrors, addrMirrorRecord{TS: rev.TS, OrigAddr: rev.Addr, MirrorAddr: addr})
		a.dataMirrors = append(a.dataMirrors, dataMirrorRecord{TS: ts, Value: data, OrigAddr: rev.Addr, MirrorAddr: addr})
	}
}

func (a *Aggregator) markHamming(id config.PeripheralID, bitA, bitB int) {
	if a.hammingMarks[id] == nil {
		a.hammingMarks[id] = make(map[int]int)
	}
	a.hammingMarks[id][bitA] = bitB
	a.hammingMarks[id][bitB] = bitA
}

func twoSetBits(diff uint32) (int, int) {
	first, second := -1, -1
	for i := 0; i < 32; i++ {
		if diff&(1<<i) == 0 {
			continue
		}
		if first == -1 {
			first = i
		} else {
			second = i
			break
		}
	}
	return first, second
}

func (a *Aggregator) RecordTimeout(startTS uint64, addr uint32) {
	a.timeouts = append(a.timeouts, timeoutRecord{StartTS: startTS, Addr: addr})
}

func (a *Aggregator) RecordReadWriteOverlap(ts uint64, addr uint32) {
	a.overlaps = append(a.overlaps, overlapRecord{TS: ts, Addr: addr})
}

func (a *Aggregator) SetFirstValidEdge(edge uint64) { a.firstValidEdge = edge }
func (a *Aggregator) SetTotalEdges(edge uint64)     { a.totalSimEdges = edge }

// Finalize runs the once-per-stream bit-pair inference over every
// accessed peripheral's address and write-data matrices, layering the
// Hamming-2 marks on top. Statistically inferred shorts are not
// themselves logged as errors — they surface only in the connection
// report produced by Snapshot.
func (a *Aggregator) Finalize() {
	a.addrVerdicts = make(map[config.PeripheralID][]BitStatus, len(a.accessedOrder))
	a.wdataVerdicts = make(map[config.PeripheralID][]BitStatus, len(a.accessedOrder))
	for _, id := range a.accessedOrder {
		a.addrVerdicts[id] = connectionMap(a.addrMatrix[id], a.addrWidth, nil)
		a.wdataVerdicts[id] = connectionMap(a.wdataMatrix[id], a.wdataWidth, a.hammingMarks[id])
	}
}

func (a *Aggregator) effectiveWindow() uint64 {
	if a.firstValidEdge == 0 {
		return 0
	}
	if a.totalSimEdges < a.firstValidEdge {
		return 0
	}
	return a.totalSimEdges - a.firstValidEdge + 1
}

func avgDuration(totalEdges, count uint64) float64 {
	if count == 0 {
		return 0
	}
	return float64(totalEdges) / float64(count)
}

// connectionMap builds the final bit verdicts for one peripheral's bus:
// statistical inference first, then Hamming marks layered on top (they
// complement, never get overridden by, the statistical pass).
func connectionMap(co *coMatrix, width int, hamming map[int]int) []BitStatus {
	verdict := make([]BitStatus, width)
	if co != nil {
		pairs := co.candidatePairs(width)
		if len(pairs) == 1 {
			p := pairs[0]
			verdict[p[0]] = BitStatus{Shorted: true, WithBit: p[1]}
			verdict[p[1]] = BitStatus{Shorted: true, WithBit: p[0]}
		}
	}
	for bit, other := range hamming {
		if bit < width {
			verdict[bit] = BitStatus{Shorted: true, WithBit: other}
		}
	}
	return verdict
}

// PeripheralReport is one accessed peripheral's connection-integrity map.
type PeripheralReport struct {
	Name      string
	AddrBits  []BitStatus
	WDataBits []BitStatus
}

// ErrorKind tags one chronological error-log entry variant.
type ErrorKind int

const (
	ErrTimeout ErrorKind = iota
	ErrOutOfRange
	ErrOverlap
	ErrAddressMirroring
	ErrDataMirroring
	ErrAddressCorruption
	ErrDataCorruption
)

// LogEntry is one chronological error-log entry; internal/report renders
// the fixed phrasing per Kind.
type LogEntry struct {
	TS         uint64
	Kind       ErrorKind
	Addr       uint32
	MirrorAddr uint32
	Value      uint32
	BitA, BitB int
}

// Snapshot is the complete, immutable view the report emitter formats.
// Everything the pipeline measures outside the aggregator (wall-clock
// elapsed time) is threaded in at the call site.
type Snapshot struct {
	ReadNoWait, ReadWithWait   uint64
	WriteNoWait, WriteWithWait uint64
	AvgReadCycles              float64
	AvgWriteCycles             float64
	BusUtilizationPercent      float64
	IdleEdges                  uint64
	PeripheralCount            int
	CPUElapsedMS               float64

	TimeoutCount    int
	OutOfRangeCount int
	MirroredCount   int
	OverlapCount    int

	Peripherals []PeripheralReport
	ErrorLog    []LogEntry
}

// Snapshot assembles the final report-ready view. cpuElapsedMS is
// measured by the caller (internal/pipeline) since wall-clock timing is
// outside the aggregator's concerns.
func (a *Aggregator) Snapshot(cpuElapsedMS float64) Snapshot {
	window := a.effectiveWindow()
	var util float64
	if window > 0 {
		util = float64(a.busActiveEdges) / float64(window) * 100
	}
	var idle uint64
	if window > a.busActiveEdges {
		idle = window - a.busActiveEdges
	}

	snap := Snapshot{
		ReadNoWait:            a.readNoWait,
		ReadWithWait:          a.readWithWait,
		WriteNoWait:           a.writeNoWait,
		WriteWithWait:         a.writeWithWait,
		AvgReadCycles:         avgDuration(a.totalReadEdges, a.readNoWait+a.readWithWait),
		AvgWriteCycles:        avgDuration(a.totalWriteEdges, a.writeNoWait+a.writeWithWait),
		BusUtilizationPercent: util,
		IdleEdges:             idle,
		PeripheralCount:       len(a.accessedOrder),
		CPUElapsedMS:          cpuElapsedMS,
		TimeoutCount:          len(a.timeouts),
		OutOfRangeCount:       len(a.outOfRange),
		MirroredCount:         len(a.addrMirrors),
		OverlapCount:          len(a.overlaps),
	}

	for _, id := range a.accessedOrder {
		snap.Peripherals = append(snap.Peripherals, PeripheralReport{
			Name:      a.addrMap.Name(id),
			AddrBits:  a.addrVerdicts[id],
			WDataBits: a.wdataVerdicts[id],
		})
	}

	snap.ErrorLog = a.buildErrorLog()
	return snap
}

// buildErrorLog merges every error variant into one chronological log.
// Appending in this fixed variant order, then sorting by timestamp with
// sort.SliceStable, breaks timestamp ties by insertion order without
// needing an explicit sequence field.
func (a *Aggregator) buildErrorLog() []LogEntry {
	var entries []LogEntry

	for _, r := range a.timeouts {
		entries = append(entries, LogEntry{TS: r.StartTS, Kind: ErrTimeout, Addr: r.Addr})
	}
	for _, r := range a.outOfRange {
		entries = append(entries, LogEntry{TS: r.TS, Kind: ErrOutOfRange, Addr: r.Addr})
	}
	for _, r := range a.overlaps {
		entries = append(entries, LogEntry{TS: r.TS, Kind: ErrOverlap, Addr: r.Addr})
	}
	for _, r := range a.addrMirrors {
		entries = append(entries, LogEntry{TS: r.TS, Kind: ErrAddressMirroring, Addr: r.OrigAddr, MirrorAddr: r.MirrorAddr})
	}
	for _, r := range a.dataMirrors {
		entries = append(entries, LogEntry{TS: r.TS, Kind: ErrDataMirroring, Value: r.Value, Addr: r.OrigAddr, MirrorAddr: r.MirrorAddr})
	}
	for _, r := range a.dataCorruptions {
		entries = append(entries, LogEntry{TS: r.TS, Kind: ErrDataCorruption, BitA: r.BitA, BitB: r.BitB})
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].TS < entries[j].TS })
	return entries
}
