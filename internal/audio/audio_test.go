package audio

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tone(n int, amp float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(amp * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	return out
}

func TestParseCodec(t *testing.T) {
	for format, want := range map[string]Codec{
		"pcm16":     CodecPCM16,
		"PCM":       CodecPCM16,
		"":          CodecPCM16,
		"ulaw":      CodecG711Ulaw,
		"g711_alaw": CodecG711Alaw,
	} {
		got, err := ParseCodec(format)
		require.NoError(t, err, format)
		assert.Equal(t, want, got, format)
	}

	_, err := ParseCodec("opus")
	assert.Error(t, err)
}

func TestDecodePCM16RoundTrip(t *testing.T) {
	in := []float32{0, 0.5, -0.5, 1}
	samples, rate, err := Decode(EncodePCM16(in), CodecPCM16, 24000)
	require.NoError(t, err)
	assert.Equal(t, 24000, rate)
	require.Len(t, samples, len(in))
	for i := range in {
		assert.InDelta(t, in[i], samples[i], 1e-3)
	}
}

func TestDecodeG711ForcesNarrowband(t *testing.T) {
	samples, rate, err := Decode([]byte{0xFF, 0x7F}, CodecG711Ulaw, 16000)
	require.NoError(t, err)
	assert.Equal(t, 8000, rate)
	assert.Len(t, samples, 2)
}

func TestPCM16ToInts(t *testing.T) {
	assert.Equal(t, []int{1, -1}, PCM16ToInts([]byte{0x01, 0x00, 0xFF, 0xFF, 0x07}))
}

func TestResampleLength(t *testing.T) {
	out := Resample(tone(8000, 0.5), 8000, 16000)
	assert.Len(t, out, 16000)
	assert.Len(t, Resample(tone(100, 0.5), 16000, 16000), 100)
}

func TestSamplesToWAVHeader(t *testing.T) {
	wav := SamplesToWAV(tone(160, 0.5), 16000)
	assert.Equal(t, "RIFF", string(wav[0:4]))
	assert.Equal(t, "WAVE", string(wav[8:12]))
	assert.Len(t, wav, 44+320)
}

func TestVADBoundaries(t *testing.T) {
	cfg := DefaultVADConfig()
	cfg.SilenceTimeout = 200 * time.Millisecond
	cfg.MinSpeechDuration = 100 * time.Millisecond
	vad := NewVAD(cfg)

	chunk := 1600 // 100ms at 16kHz

	res := vad.Process(tone(chunk, 0.5))
	assert.True(t, res.SpeechStarted)
	assert.True(t, vad.InSpeech())

	res = vad.Process(tone(chunk, 0.5))
	assert.False(t, res.SpeechStarted)

	res = vad.Process(make([]float32, chunk))
	assert.False(t, res.SpeechEnded)

	res = vad.Process(make([]float32, chunk))
	assert.True(t, res.SpeechEnded)
	assert.False(t, vad.InSpeech())
}

func TestVADDropsShortBlips(t *testing.T) {
	cfg := DefaultVADConfig()
	cfg.SilenceTimeout = 100 * time.Millisecond
	cfg.MinSpeechDuration = 500 * time.Millisecond
	vad := NewVAD(cfg)

	assert.True(t, vad.Process(tone(160, 0.5)).SpeechStarted)
	res := vad.Process(make([]float32, 3200))
	assert.False(t, res.SpeechEnded)
	assert.False(t, vad.InSpeech())
}

func TestEnergyDB(t *testing.T) {
	assert.Equal(t, -100.0, EnergyDB(nil))
	assert.Equal(t, -100.0, EnergyDB(make([]float32, 10)))
	assert.Greater(t, EnergyDB(tone(1600, 0.5)), -30.0)
}

func TestG711Expansion(t *testing.T) {
	assert.Equal(t, int16(0), expandUlaw(0xFF))
	assert.Equal(t, int16(-32124), expandUlaw(0x00))
	assert.Equal(t, int16(32124), expandUlaw(0x80))
	assert.Equal(t, int16(8), expandAlaw(0xD5))
	assert.Equal(t, int16(-8), expandAlaw(0x55))
	assert.Equal(t, ulawTable()[0x00], expandUlaw(0x00))
}

func TestResampleDownKeepsDCLevel(t *testing.T) {
	in := make([]float32, 4800)
	for i := range in {
		in[i] = 0.25
	}
	out := Resample(in, 24000, 16000)
	require.Len(t, out, 3200)
	// away from the edges the unity-gain filter preserves a constant signal
	assert.InDelta(t, 0.25, out[1600], 1e-4)
	assert.Same(t, &lowPassKernel(24000, 16000)[0], &lowPassKernel(24000, 16000)[0])
}

func TestPCM16ToWAVFields(t *testing.T) {
	wav := PCM16ToWAV([]byte{1, 0, 2, 0}, 8000)
	require.Len(t, wav, 48)
	assert.Equal(t, "fmt ", string(wav[12:16]))
	assert.Equal(t, uint32(40), binary.LittleEndian.Uint32(wav[4:8]))
	assert.Equal(t, uint32(8000), binary.LittleEndian.Uint32(wav[24:28]))
	assert.Equal(t, uint32(16000), binary.LittleEndian.Uint32(wav[28:32]))
	assert.Equal(t, "data", string(wav[36:40]))
	assert.Equal(t, uint32(4), binary.LittleEndian.Uint32(wav[40:44]))
}
