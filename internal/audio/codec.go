package audio

import (
	"fmt"
	"strings"
)

type Codec string

const (
	CodecPCM16    Codec = "pcm16"
	CodecG711Ulaw Codec = "g711_ulaw"
	CodecG711Alaw Codec = "g711_alaw"
)

// decoder holds a codec's decode function and its fixed output sample rate.
// A rate of 0 means "use the caller-supplied sampleRate" (PCM passthrough).
type decoder struct {
	fn   func([]byte) []float32
	rate int
}

var decoders = map[Codec]decoder{
	CodecPCM16:    {fn: decodePCM16, rate: 0},
	CodecG711Ulaw: {fn: decodeG711Ulaw, rate: 8000},
	CodecG711Alaw: {fn: decodeG711Alaw, rate: 8000},
}

// formatAliases maps client-supplied format tags onto codecs.
var formatAliases = map[string]Codec{
	"":          CodecPCM16,
	"pcm":       CodecPCM16,
	"pcm16":     CodecPCM16,
	"pcm_s16le": CodecPCM16,
	"g711_ulaw": CodecG711Ulaw,
	"ulaw":      CodecG711Ulaw,
	"mulaw":     CodecG711Ulaw,
	"g711_alaw": CodecG711Alaw,
	"alaw":      CodecG711Alaw,
}

// ParseCodec resolves a client format tag such as "pcm16" or "ulaw".
func ParseCodec(format string) (Codec, error) {
	c, ok := formatAliases[strings.ToLower(strings.TrimSpace(format))]
	if !ok {
		return "", fmt.Errorf("unsupported codec: %s", format)
	}
	return c, nil
}

// Decode converts encoded audio bytes to float32 PCM samples normalized to [-1, 1].
// Returns samples and the sample rate.
func Decode(data []byte, codec Codec, sampleRate int) ([]float32, int, error) {
	dec, ok := decoders[codec]
	if !ok {
		return nil, 0, fmt.Errorf("unsupported codec: %s", codec)
	}
	rate := dec.rate
	if rate == 0 {
		rate = sampleRate
	}
	return dec.fn(data), rate, nil
}
