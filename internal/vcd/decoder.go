// Package vcd implements the streaming value-change-dump decoder:
// a single linear pass over the trace that pushes signal-definition,
// timestamp, and value-change events into a Sink. Malformed inner lines
// are skipped silently rather than aborting the run, and unregistered
// signal ids are the Sink's concern, not the decoder's.
package vcd

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"
)

// Sink receives decoder events. DefineSignal and EndDefinitions fire
// during the header; SetTime, ChangeValue, and EndDumpvars fire during
// the body.
type Sink interface {
	DefineSignal(idCode, typeString string, width int, fullyQualifiedName string)
	EndDefinitions()
	SetTime(ts uint64)
	ChangeValue(idCode, valueString string)
	EndDumpvars()
}

// Decode performs a single linear pass over r, pushing events to sink.
// Memory use beyond the chosen line-buffer size is O(1) in file size.
func Decode(r io.Reader, sink Sink) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	d := &decodeState{sink: sink}
	for scanner.Scan() {
		d.feedLine(scanner.Text())
	}
	return scanner.Err()
}

// DecodeFile opens path and decodes it into sink. The file is not
// memory-mapped; it is read through a large buffered reader, which keeps
// the single linear pass at O(1) extra memory in file size.
func DecodeFile(path string, sink Sink) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return Decode(bufio.NewReaderSize(f, 1<<20), sink)
}

type decodeState struct {
	sink Sink

	pastDefinitions bool
	scopeStack      []string
	pending         []string

	inDumpvars bool
}

func (d *decodeState) feedLine(line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}

	if !d.pastDefinitions {
		d.feedHeaderLine(trimmed)
		return
	}
	d.feedBodyLine(trimmed)
}

func (d *decodeState) feedHeaderLine(line string) {
	toks, err := tokenizeHeaderLine(line)
	if err != nil {
		return // malformed line: skip silently
	}
	for _, tok := range toks {
		if d.pending == nil {
			if strings.HasPrefix(tok, "$") {
				d.pending = []string{tok}
			}
			continue
		}
		if tok == "$end" {
			d.dispatchDirective(d.pending)
			d.pending = nil
			continue
		}
		d.pending = append(d.pending, tok)
	}
}

func (d *decodeState) dispatchDirective(tokens []string) {
	if len(tokens) == 0 {
		return
	}
	keyword, payload := tokens[0], tokens[1:]
	switch keyword {
	case "$scope":
		// "$scope <type> <name> $end" - the name is the last payload token.
		if len(payload) > 0 {
			d.scopeStack = append(d.scopeStack, payload[len(payload)-1])
		}
	case "$upscope":
		if n := len(d.scopeStack); n > 0 {
			d.scopeStack = d.scopeStack[:n-1]
		}
	case "$var":
		if len(payload) < 4 {
			return
		}
		typeString, widthStr, idCode, name := payload[0], payload[1], payload[2], payload[3]
		width, err := strconv.Atoi(widthStr)
		if err != nil {
			return
		}
		fullName := name
		if len(d.scopeStack) > 0 {
			fullName = strings.Join(d.scopeStack, ".") + "." + name
		}
		d.sink.DefineSignal(idCode, typeString, width, fullName)
	case "$enddefinitions":
		d.pastDefinitions = true
		d.sink.EndDefinitions()
	case "$timescale", "$date", "$version", "$comment":
		// consumed and ignored
	}
}

func (d *decodeState) feedBodyLine(line string) {
	switch line[0] {
	case '$':
		switch line {
		case "$dumpvars":
			d.inDumpvars = true
		case "$end":
			if d.inDumpvars {
				d.sink.EndDumpvars()
				d.inDumpvars = false
			}
		}
		return
	case '#':
		ts, err := strconv.ParseUint(line[1:], 10, 64)
		if err != nil {
			return
		}
		d.sink.SetTime(ts)
		return
	}

	if line[0] == 'b' || line[0] == 'B' {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return
		}
		d.sink.ChangeValue(fields[1], fields[0])
		return
	}

	if len(line) < 2 {
		return
	}
	d.sink.ChangeValue(line[1:], line[0:1])
}
