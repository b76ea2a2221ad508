package audio

import (
	"math"
	"sync"
)

// G.711 expansion tables, built on first use. Index is the wire byte.
var (
	ulawTable = sync.OnceValue(func() *[256]int16 { return expansionTable(expandUlaw) })
	alawTable = sync.OnceValue(func() *[256]int16 { return expansionTable(expandAlaw) })
)

func expansionTable(expand func(byte) int16) *[256]int16 {
	var t [256]int16
	for i := range t {
		t[i] = expand(byte(i))
	}
	return &t
}

// expandUlaw decodes one µ-law byte (ITU-T G.711, bias 0x84).
func expandUlaw(b byte) int16 {
	b = ^b
	exp := (b >> 4) & 0x07
	mag := (int16(b&0x0F)<<3 + 0x84) << exp
	mag -= 0x84
	if b&0x80 != 0 {
		return -mag
	}
	return mag
}

// expandAlaw decodes one A-law byte (even bits inverted on the wire).
func expandAlaw(b byte) int16 {
	b ^= 0x55
	exp := (b >> 4) & 0x07
	mant := int16(b & 0x0F)
	mag := mant<<4 + 8
	if exp > 0 {
		mag = (mant<<4 + 0x108) << (exp - 1)
	}
	if b&0x80 == 0 {
		return -mag
	}
	return mag
}

func expandG711(data []byte, table *[256]int16) []float32 {
	out := make([]float32, len(data))
	for i, b := range data {
		out[i] = float32(table[b]) / math.MaxInt16
	}
	return out
}

func decodeG711Ulaw(data []byte) []float32 { return expandG711(data, ulawTable()) }

func decodeG711Alaw(data []byte) []float32 { return expandG711(data, alawTable()) }
