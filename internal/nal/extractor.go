// Package nal implements stateful byte-stream framing of H.264 Annex-B
// into NAL units. It never errors on malformed input: pre-stream garbage
// is dropped, oversize units are dropped and logged, and the soft cap
// discipline keeps memory bounded under a stalled producer.
package nal

import (
	"log/slog"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// startCode4 is the normalized 4-byte Annex-B start code every unit this
// package emits begins with.
var startCode4 = []byte{0x00, 0x00, 0x00, 0x01}

// Extractor turns a byte stream into a sequence of complete NAL units,
// each prefixed with a 4-byte start code. It is not safe for concurrent
// use; callers that need concurrency own one Extractor per goroutine.
type Extractor struct {
	buf []byte

	softCap int
	hardCap int

	logger *slog.Logger

	droppedOversize int
}

// New creates an Extractor. softCap bounds the append buffer (oldest
// bytes are discarded past it); hardCap bounds a single emitted unit
// (oversize units are dropped). logger may be nil, in which case a
// discard logger is used.
func New(softCap, hardCap int, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Extractor{
		softCap: softCap,
		hardCap: hardCap,
		logger:  logger,
	}
}

// Type returns the NAL unit type (low 5 bits of the first byte after the
// start code) of a unit previously emitted by this package — i.e. one
// that is known to begin with a 4-byte start code.
func Type(unit []byte) h264.NALUType {
	if len(unit) < 5 {
		return 0
	}
	return h264.NALUType(unit[4] & 0x1f)
}

// startCodeAt reports the length (3 or 4) of a start code beginning at
// offset i, or 0 if none matches. When both the 3-byte and 4-byte forms
// match at the same offset, the 4-byte form wins (see DESIGN.md).
func startCodeAt(b []byte, i int) int {
	if i+3 > len(b) {
		return 0
	}
	if b[i] != 0 || b[i+1] != 0 {
		return 0
	}
	if i+4 <= len(b) && b[i+2] == 0 && b[i+3] == 1 {
		return 4
	}
	if b[i+2] == 1 {
		return 3
	}
	return 0
}

// scanStartCodes returns the offsets of every start code in b, earliest
// first. Overlapping candidates are impossible since a match always
// consumes at least 3 bytes of zeros-then-one.
func scanStartCodes(b []byte) []int {
	var offsets []int
	for i := 0; i+3 <= len(b); i++ {
		if n := startCodeAt(b, i); n > 0 {
			offsets = append(offsets, i)
			i += n - 1
		}
	}
	return offsets
}

// normalize rewrites a unit beginning with a 3-byte start code to begin
// with the 4-byte form, leaving 4-byte units untouched.
func normalize(unit []byte) []byte {
	if len(unit) >= 3 && unit[0] == 0 && unit[1] == 0 && unit[2] == 1 {
		out := make([]byte, 0, len(unit)+1)
		out = append(out, 0x00)
		out = append(out, unit...)
		return out
	}
	return unit
}

// Push appends chunk to the internal buffer and returns every complete
// NAL unit that can now be extracted. Bytes preceding the first start
// code are held only until a start code is found and then discarded;
// bytes from the last start code onward are retained internally as the
// in-progress tail rather than returned.
func (e *Extractor) Push(chunk []byte) [][]byte {
	e.buf = append(e.buf, chunk...)

	if e.softCap > 0 && len(e.buf) > e.softCap {
		excess := len(e.buf) - e.softCap
		e.buf = e.buf[excess:]
	}

	offsets := scanStartCodes(e.buf)
	if len(offsets) == 0 {
		return nil
	}

	if offsets[0] != 0 {
		e.buf = e.buf[offsets[0]:]
		offsets = scanStartCodes(e.buf)
		if len(offsets) == 0 {
			return nil
		}
	}

	var units [][]byte
	for i := 0; i+1 < len(offsets); i++ {
		a, b := offsets[i], offsets[i+1]
		units = append(units, e.buf[a:b])
	}

	if len(offsets) > 0 {
		e.buf = e.buf[offsets[len(offsets)-1]:]
	}

	return e.finalize(units)
}

// finalize normalizes start codes and drops units exceeding the hard cap.
func (e *Extractor) finalize(raw [][]byte) [][]byte {
	out := make([][]byte, 0, len(raw))
	for _, u := range raw {
		u = normalize(u)
		if e.hardCap > 0 && len(u) > e.hardCap {
			e.droppedOversize++
			e.logger.Warn("nal: dropping oversize unit", "len", len(u), "hard_cap", e.hardCap)
			continue
		}
		out = append(out, u)
	}
	return out
}

// Flush emits the retained tail as a single unit, provided it is at
// least 5 bytes and begins with a start code once normalized, then
// clears all internal state. Called once at end-of-stream.
func (e *Extractor) Flush() [][]byte {
	tail := e.buf
	e.buf = nil

	if len(tail) < 5 {
		return nil
	}
	if startCodeAt(tail, 0) == 0 {
		return nil
	}
	return e.finalize([][]byte{tail})
}

// Reset discards all buffered state without emitting anything.
func (e *Extractor) Reset() {
	e.buf = nil
}

// DroppedOversize returns the running count of units dropped for
// exceeding the hard cap, for diagnostics/tests.
func (e *Extractor) DroppedOversize() int {
	return e.droppedOversize
}
