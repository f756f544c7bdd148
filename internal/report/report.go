// Package report renders a stats.Snapshot into a fixed textual layout:
// traffic statistics, an error-count summary, per-peripheral
// connection-integrity tables, and a chronological error log. Render is
// a pure function: typed value in, string out, no side effects.
package report

import (
	"fmt"
	"strings"

	"apbtrace/internal/stats"
)

// Render formats snap into the complete report text.
func Render(snap stats.Snapshot) string {
	var sb strings.Builder
	writeCounters(&sb, snap)
	writeErrorSummary(&sb, snap)
	writeConnections(&sb, snap)
	writeErrorLog(&sb, snap)
	return sb.String()
}

func writeCounters(sb *strings.Builder, snap stats.Snapshot) {
	fmt.Fprintf(sb, "Number of Read Transactions with no wait states: %d\n", snap.ReadNoWait)
	fmt.Fprintf(sb, "Number of Read Transactions with wait states: %d\n", snap.ReadWithWait)
	fmt.Fprintf(sb, "Number of Write Transactions with no wait states: %d\n", snap.WriteNoWait)
	fmt.Fprintf(sb, "Number of Write Transactions with wait states: %d\n", snap.WriteWithWait)
	fmt.Fprintf(sb, "Average Read Cycle: %.2f cycles\n", snap.AvgReadCycles)
	fmt.Fprintf(sb, "Average Write Cycle: %.2f cycles\n", snap.AvgWriteCycles)
	fmt.Fprintf(sb, "Bus Utilization: %.2f%%\n", snap.BusUtilizationPercent)
	fmt.Fprintf(sb, "Number of Idle Cycles: %d\n", snap.IdleEdges)
	fmt.Fprintf(sb, "Number of Completer: %d\n", snap.PeripheralCount)
	fmt.Fprintf(sb, "CPU Elapsed Time: %.2f ms\n", snap.CPUElapsedMS)
}

func writeErrorSummary(sb *strings.Builder, snap stats.Snapshot) {
	fmt.Fprintf(sb, "\nNumber of Transactions with Timeout: %d\n", snap.TimeoutCount)
	fmt.Fprintf(sb, "Number of Out-of-Range Accesses: %d\n", snap.OutOfRangeCount)
	fmt.Fprintf(sb, "Number of Mirrored Transactions: %d\n", snap.MirroredCount)
	fmt.Fprintf(sb, "Number of Read-Write Overlap Errors: %d\n", snap.OverlapCount)
}

func writeConnections(sb *strings.Builder, snap stats.Snapshot) {
	for _, p := range snap.Peripherals {
		fmt.Fprintf(sb, "\n%s Address Connections\n", p.Name)
		writeBitColumn(sb, p.AddrBits, 'a')

		fmt.Fprintf(sb, "\n%s Data Connections\n", p.Name)
		writeBitColumn(sb, p.WDataBits, 'd')
	}
}

func writeBitColumn(sb *strings.Builder, bitStatuses []stats.BitStatus, prefix byte) {
	for i := len(bitStatuses) - 1; i >= 0; i-- {
		fmt.Fprintf(sb, "%c%02d: %s\n", prefix, i, bitStatusString(bitStatuses[i], prefix))
	}
}

func bitStatusString(b stats.BitStatus, prefix byte) string {
	if !b.Shorted {
		return "Correct"
	}
	return fmt.Sprintf("Connected with %c%d", prefix, b.WithBit)
}

func writeErrorLog(sb *strings.Builder, snap stats.Snapshot) {
	sb.WriteString("\n")
	for _, e := range snap.ErrorLog {
		fmt.Fprintf(sb, "[#%d] %s\n", e.TS, errorMessage(e))
	}
}

func errorMessage(e stats.LogEntry) string {
	switch e.Kind {
	case stats.ErrTimeout:
		return fmt.Sprintf("Timeout Occurred -> Transaction Stalled at PADDR 0x%08X", e.Addr)
	case stats.ErrOutOfRange:
		return fmt.Sprintf("Out-of-Range Access -> PADDR 0x%08X", e.Addr)
	case stats.ErrOverlap:
		return fmt.Sprintf("Read-Write Overlap Error -> Read & Write at PADDR 0x%08X overlapped", e.Addr)
	case stats.ErrAddressMirroring:
		return fmt.Sprintf("Address Mirroring -> Write at PADDR 0x%08X also reflected at PADDR 0x%08X", e.Addr, e.MirrorAddr)
	case stats.ErrDataMirroring:
		return fmt.Sprintf("Data Mirroring -> Value 0x%08X written at PADDR 0x%08X also found at PADDR 0x%08X", e.Value, e.Addr, e.MirrorAddr)
	case stats.ErrAddressCorruption:
		return fmt.Sprintf("Address Corruption -> a%d-a%d Floating", e.BitA, e.BitB)
	case stats.ErrDataCorruption:
		return fmt.Sprintf("Data Corruption -> d%d-d%d Floating", e.BitA, e.BitB)
	default:
		return ""
	}
}
