package audio

import "encoding/binary"

const wavHeaderLen = 44

// SamplesToWAV encodes normalized samples as an in-memory mono 16-bit WAV.
// Multipart uploads need a byte slice; file exports go through go-audio/wav,
// which needs a seekable writer.
func SamplesToWAV(samples []float32, sampleRate int) []byte {
	return PCM16ToWAV(EncodePCM16(samples), sampleRate)
}

// PCM16ToWAV prefixes raw mono little-endian PCM16 with a canonical header.
func PCM16ToWAV(pcm []byte, sampleRate int) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
		blockAlign    = channels * bitsPerSample / 8
	)
	out := make([]byte, 0, wavHeaderLen+len(pcm))
	le := binary.LittleEndian

	out = append(out, "RIFF"...)
	out = le.AppendUint32(out, uint32(wavHeaderLen-8+len(pcm)))
	out = append(out, "WAVEfmt "...)
	out = le.AppendUint32(out, 16)
	out = le.AppendUint16(out, 1)
	out = le.AppendUint16(out, channels)
	out = le.AppendUint32(out, uint32(sampleRate))
	out = le.AppendUint32(out, uint32(sampleRate*blockAlign))
	out = le.AppendUint16(out, blockAlign)
	out = le.AppendUint16(out, bitsPerSample)
	out = append(out, "data"...)
	out = le.AppendUint32(out, uint32(len(pcm)))
	return append(out, pcm...)
}
