package nal

import (
	"testing"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sps(n int) []byte {
	u := make([]byte, n)
	u[0] = 0x67 // forbidden_zero_bit=0, nal_ref_idc=3, type=7 (SPS)
	return u
}

func pps(n int) []byte {
	u := make([]byte, n)
	u[0] = 0x68 // type=8 (PPS)
	return u
}

func idr(n int) []byte {
	u := make([]byte, n)
	u[0] = 0x65 // type=5 (IDR)
	return u
}

func withStart4(payload []byte) []byte {
	return append(append([]byte{}, startCode4...), payload...)
}

func TestPushFlush_TwoUnitStream(t *testing.T) {
	e := New(1<<20, 1<<22, nil)
	chunk := append(withStart4(sps(5)), withStart4(pps(3))...)

	units := e.Push(chunk)
	require.Len(t, units, 1)
	assert.Equal(t, h264.NALUType(7), Type(units[0]))

	tail := e.Flush()
	require.Len(t, tail, 1)
	assert.Equal(t, h264.NALUType(8), Type(tail[0]))
}

func TestPushFlush_ThreeUnitStreamWithIDR(t *testing.T) {
	e := New(1<<20, 1<<22, nil)
	chunk := append(append(withStart4(sps(4)), withStart4(pps(4))...), withStart4(idr(20))...)

	units := e.Push(chunk)
	require.Len(t, units, 2)
	assert.Equal(t, h264.NALUType(7), Type(units[0]))
	assert.Equal(t, h264.NALUType(8), Type(units[1]))

	tail := e.Flush()
	require.Len(t, tail, 1)
	assert.Equal(t, h264.NALUType(5), Type(tail[0]))
}

func TestPush_ByteWiseDrip(t *testing.T) {
	e := New(1<<20, 1<<22, nil)
	chunk := append(withStart4(sps(8)), withStart4(pps(4))...)

	var got [][]byte
	for _, b := range chunk {
		got = append(got, e.Push([]byte{b})...)
	}
	got = append(got, e.Flush()...)

	require.Len(t, got, 2)
	assert.Equal(t, h264.NALUType(7), Type(got[0]))
	assert.Equal(t, h264.NALUType(8), Type(got[1]))
}

func TestPush_NormalizesThreeByteStartCode(t *testing.T) {
	e := New(1<<20, 1<<22, nil)
	chunk1 := []byte{0x00, 0x00, 0x01, 0x67, 0x01, 0x02, 0x03}
	chunk2 := []byte{0x00, 0x00, 0x00, 0x01, 0x68, 0x04, 0x05}

	units := e.Push(append(chunk1, chunk2...))
	require.Len(t, units, 1)
	assert.Equal(t, startCode4, units[0][:4])

	tail := e.Flush()
	require.Len(t, tail, 1)
	assert.Equal(t, startCode4, tail[0][:4])
}

func TestPush_ChunkingIndependence(t *testing.T) {
	full := append(append(withStart4(sps(4)), withStart4(pps(4))...), withStart4(idr(20))...)

	oneShot := New(1<<20, 1<<22, nil)
	want := append(oneShot.Push(full), oneShot.Flush()...)

	for split := 1; split < len(full); split++ {
		e := New(1<<20, 1<<22, nil)
		got := append(e.Push(full[:split]), e.Push(full[split:])...)
		got = append(got, e.Flush()...)
		require.Equal(t, len(want), len(got), "split at %d", split)
		for i := range want {
			assert.Equal(t, want[i], got[i], "split at %d unit %d", split, i)
		}
	}
}

func TestPush_DropsPreStreamGarbage(t *testing.T) {
	e := New(1<<20, 1<<22, nil)
	garbage := []byte{0xAB, 0xCD, 0xEF}
	chunk := append(append(garbage, withStart4(sps(4))...), withStart4(pps(4))...)

	units := e.Push(chunk)
	require.Len(t, units, 1)
	assert.Equal(t, startCode4, units[0][:4])
}

func TestPush_DropsOversizeUnit(t *testing.T) {
	e := New(1<<20, 16, nil)
	chunk := append(withStart4(idr(100)), withStart4(pps(4))...)

	units := e.Push(chunk)
	require.Len(t, units, 0)
	tail := e.Flush()
	require.Len(t, tail, 1)
	assert.Equal(t, h264.NALUType(8), Type(tail[0]))
	assert.Equal(t, 1, e.DroppedOversize())
}

func TestPush_SoftCapEvictsOldestBytes(t *testing.T) {
	e := New(32, 1<<22, nil)
	junk := make([]byte, 100)
	e.Push(junk)
	units := e.Push(withStart4(sps(4)))
	assert.Empty(t, units)
	tail := e.Flush()
	require.Len(t, tail, 1)
}

func TestFlush_RejectsShortOrUnstartedTail(t *testing.T) {
	e := New(1<<20, 1<<22, nil)
	e.Push([]byte{0x00, 0x00, 0x00, 0x01})
	assert.Empty(t, e.Flush())

	e2 := New(1<<20, 1<<22, nil)
	e2.Push([]byte{0x01, 0x02, 0x03, 0x04, 0x05})
	assert.Empty(t, e2.Flush())
}
