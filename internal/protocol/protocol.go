// Package protocol implements the clock-driven IDLE/SETUP/ACCESS state
// machine that recognizes APB transactions from bus snapshots. It owns
// exactly one in-flight transaction and the pending-write table;
// completed transactions are handed to a Sink (internal/stats.Aggregator
// in production) by value, one push call per fact the Aggregator needs
// to know.
package protocol

import (
	"apbtrace/internal/busstate"
	"apbtrace/internal/config"
)

// State is one of the three FSM states.
type State int

const (
	StateIdle State = iota
	StateSetup
	StateAccess
)

func (s State) String() string {
	switch s {
	case StateSetup:
		return "SETUP"
	case StateAccess:
		return "ACCESS"
	default:
		return "IDLE"
	}
}

// TimeoutEdges is the number of clock edges a transaction may occupy
// before it is forcibly terminated with a Timeout error.
const TimeoutEdges = 100

// Transaction is the in-flight (or just-completed) APB access.
type Transaction struct {
	Active       bool
	StartEdge    uint64
	StartTS      uint64
	IsWrite      bool
	Addr         uint32
	AddrHasX     bool
	WData        uint32
	WDataHasX    bool
	HadWait      bool
	Target       config.PeripheralID
	IsOutOfRange bool
}

func emptyTransaction() Transaction {
	return Transaction{Target: config.PeripheralNone}
}

// PendingWrite records when a still-in-flight write entered SETUP, keyed
// by address in the Analyzer's pending-write table.
type PendingWrite struct {
	StartTS   uint64
	StartEdge uint64
}

// Sink receives every fact the Protocol Analyzer produces. In
// production this is internal/stats.Aggregator; tests substitute a
// recording fake.
type Sink interface {
	RecordBusActiveEdge()
	AccessPeripheral(id config.PeripheralID)
	SampleAddrBits(id config.PeripheralID, addr uint32)
	SampleWDataBits(id config.PeripheralID, wdata uint32)
	RecordOutOfRange(ts uint64, addr uint32)
	RecordReadTransaction(hadWait bool, durationEdges uint64)
	RecordWriteTransaction(hadWait bool, durationEdges uint64)
	UpdateShadowMemory(id config.PeripheralID, addr, data uint32, ts uint64)
	CheckReadAgainstShadow(id config.PeripheralID, addr, data uint32, ts uint64)
	RecordTimeout(startTS uint64, addr uint32)
	RecordReadWriteOverlap(ts uint64, addr uint32)
	SetFirstValidEdge(edge uint64)
	SetTotalEdges(edge uint64)
	Finalize()
}

// Analyzer is the IDLE/SETUP/ACCESS state machine. One Analyzer tracks
// one bus; Tick must be called exactly once per rising clock edge.
type Analyzer struct {
	addrMap config.AddressMap
	sink    Sink

	state   State
	current Transaction

	pendingWrites map[uint32]PendingWrite

	cycleCounter     int
	systemOutOfReset bool
	firstValidEdge   uint64
}

// NewAnalyzer builds an Analyzer resolving addresses against addrMap and
// reporting to sink.
func NewAnalyzer(addrMap config.AddressMap, sink Sink) *Analyzer {
	return &Analyzer{
		addrMap:       addrMap,
		sink:          sink,
		current:       emptyTransaction(),
		pendingWrites: make(map[uint32]PendingWrite),
	}
}

// State returns the analyzer's current FSM state, for tests asserting
// that SETUP/ACCESS implies an active transaction.
func (a *Analyzer) State() State { return a.state }

// Active reports whether a transaction is currently in flight.
func (a *Analyzer) Active() bool { return a.current.Active }

// Tick runs one clock-edge's worth of protocol logic against snap.
// Nothing happens until reset has been observed de-asserted at least
// once; edgeNumber is the 1-based count of rising edges seen so far,
// including those spent in reset.
func (a *Analyzer) Tick(snap *busstate.State, edgeNumber uint64) {
	if !a.systemOutOfReset {
		if snap.ResetN && !snap.ResetNHasX {
			a.systemOutOfReset = true
			a.firstValidEdge = edgeNumber
		} else {
			return
		}
	}

	if a.current.Active {
		a.cycleCounter++
		if a.cycleCounter > TimeoutEdges {
			a.sink.RecordTimeout(a.current.StartTS, a.current.Addr)
			if a.current.IsWrite {
				delete(a.pendingWrites, a.current.Addr)
			}
			a.current = emptyTransaction()
			a.state = StateIdle
			return
		}
	}

	if snap.Select && !snap.SelectHasX {
		a.sink.RecordBusActiveEdge()
	}

	stateBefore := a.state
	switch stateBefore {
	case StateIdle:
		a.handleIdle(snap, edgeNumber)
	case StateSetup:
		a.handleSetup(snap)
	}
	if a.state == StateAccess {
		a.handleAccess(snap, edgeNumber)
	}
}

func (a *Analyzer) handleIdle(snap *busstate.State, edgeNumber uint64) {
	if !snap.Select || snap.SelectHasX || snap.Enable {
		return
	}

	a.state = StateSetup
	a.cycleCounter = 1
	a.current = Transaction{
		Active:    true,
		StartEdge: edgeNumber,
		StartTS:   snap.Timestamp,
		IsWrite:   snap.Write && !snap.WriteHasX,
		Addr:      snap.Addr,
		AddrHasX:  snap.AddrHasX,
	}

	if snap.AddrHasX {
		a.current.Target = config.PeripheralUnknown
	} else {
		a.current.Target = a.addrMap.Lookup(snap.Addr)
	}

	if a.current.IsWrite {
		a.current.WData = snap.WData
		a.current.WDataHasX = snap.WDataHasX
		a.pendingWrites[a.current.Addr] = PendingWrite{StartTS: snap.Timestamp, StartEdge: edgeNumber}
	} else if _, pending := a.pendingWrites[a.current.Addr]; pending {
		a.sink.RecordReadWriteOverlap(snap.Timestamp, a.current.Addr)
	}
}

func (a *Analyzer) handleSetup(snap *busstate.State) {
	if !a.current.Active {
		a.state = StateIdle
		return
	}
	if !snap.Select || snap.SelectHasX {
		a.abort()
		return
	}
	if snap.Enable && !snap.EnableHasX {
		a.state = StateAccess
		a.current.WData = snap.WData
		a.current.WDataHasX = snap.WDataHasX
	}
}

func (a *Analyzer) handleAccess(snap *busstate.State, edgeNumber uint64) {
	if !a.current.Active {
		a.state = StateIdle
		return
	}
	if snap.Ready && !snap.ReadyHasX {
		a.complete(snap, edgeNumber)
		return
	}
	if !snap.Select || snap.SelectHasX || !snap.Enable || snap.EnableHasX {
		a.abort()
		return
	}
	a.current.HadWait = true
}

// abort clears the in-flight transaction without statistics: a
// deselect or indeterminate control signal during SETUP/ACCESS means
// the bus never actually completed the handshake.
func (a *Analyzer) abort() {
	if a.current.IsWrite {
		delete(a.pendingWrites, a.current.Addr)
	}
	a.current = emptyTransaction()
	a.state = StateIdle
}

func (a *Analyzer) complete(snap *busstate.State, edgeNumber uint64) {
	tx := a.current

	if tx.IsWrite {
		delete(a.pendingWrites, tx.Addr)
	}
	a.sink.AccessPeripheral(tx.Target)

	if !tx.AddrHasX {
		a.sink.SampleAddrBits(tx.Target, tx.Addr)
	}
	if tx.IsWrite && !snap.WDataHasX {
		a.sink.SampleWDataBits(tx.Target, snap.WData)
	}

	known := tx.Target >= 0
	tx.IsOutOfRange = !known
	if !known {
		a.sink.RecordOutOfRange(snap.Timestamp, tx.Addr)
	}

	duration := edgeNumber - tx.StartEdge + 1
	if tx.IsWrite {
		a.sink.RecordWriteTransaction(tx.HadWait, duration)
	} else {
		a.sink.RecordReadTransaction(tx.HadWait, duration)
	}

	if known && !tx.AddrHasX {
		if tx.IsWrite && !snap.WDataHasX {
			a.sink.UpdateShadowMemory(tx.Target, tx.Addr, snap.WData, snap.Timestamp)
		} else if !tx.IsWrite && !snap.RDataHasX {
			a.sink.CheckReadAgainstShadow(tx.Target, tx.Addr, snap.RData, snap.Timestamp)
		}
	}

	a.current = emptyTransaction()
	a.state = StateIdle
}

// Finalize silently discards any still-active transaction, reports the
// first valid edge and total simulation edge count, and triggers the
// Sink's end-of-stream analysis (bit-pair inference in production).
func (a *Analyzer) Finalize(totalEdges uint64) {
	if a.current.Active {
		if a.current.IsWrite {
			delete(a.pendingWrites, a.current.Addr)
		}
		a.current = emptyTransaction()
	}
	a.sink.SetTotalEdges(totalEdges)
	a.sink.SetFirstValidEdge(a.firstValidEdge)
	a.sink.Finalize()
}
