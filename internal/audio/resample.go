package audio

import (
	"math"
	"sync"
)

// filterTaps is the FIR length of the anti-aliasing filter.
const filterTaps = 31

// kernels caches one low-pass kernel per rate pair. Realtime sessions
// resample every chunk at the same rates.
var kernels sync.Map

type ratePair struct{ src, dst int }

// Resample converts samples from srcRate to dstRate by linear interpolation.
// A Blackman-windowed sinc low-pass runs before decimation or after
// interpolation, cut at the lower Nyquist. Equal rates return the input.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	kernel := lowPassKernel(srcRate, dstRate)

	if srcRate > dstRate {
		samples = convolve(samples, kernel)
	}
	out := interpolateLinear(samples, float64(srcRate)/float64(dstRate))
	if dstRate > srcRate {
		out = convolve(out, kernel)
	}
	return out
}

func lowPassKernel(srcRate, dstRate int) []float32 {
	key := ratePair{srcRate, dstRate}
	if k, ok := kernels.Load(key); ok {
		return k.([]float32)
	}
	cutoff := float64(min(srcRate, dstRate)) / 2
	k := sincKernel(cutoff/float64(max(srcRate, dstRate)), filterTaps)
	kernels.Store(key, k)
	return k
}

// sincKernel builds a unity-DC-gain windowed-sinc kernel for the normalized
// cutoff fc (cycles per sample).
func sincKernel(fc float64, taps int) []float32 {
	half := taps / 2
	span := float64(taps - 1)
	raw := make([]float64, taps)
	var sum float64
	for i := range raw {
		n := float64(i - half)
		v := 1.0
		if n != 0 {
			x := 2 * math.Pi * fc * n
			v = math.Sin(x) / x
		}
		v *= 0.42 - 0.5*math.Cos(2*math.Pi*float64(i)/span) + 0.08*math.Cos(4*math.Pi*float64(i)/span)
		raw[i] = v
		sum += v
	}
	kernel := make([]float32, taps)
	for i, v := range raw {
		kernel[i] = float32(v / sum)
	}
	return kernel
}

// convolve applies kernel centered on each sample; taps that fall outside
// the input are skipped.
func convolve(samples, kernel []float32) []float32 {
	half := len(kernel) / 2
	out := make([]float32, len(samples))
	for i := range samples {
		var acc float32
		for j := max(0, half-i); j < min(len(kernel), len(samples)-i+half); j++ {
			acc += samples[i+j-half] * kernel[j]
		}
		out[i] = acc
	}
	return out
}

// interpolateLinear reads the input at fractional positions step apart.
func interpolateLinear(samples []float32, step float64) []float32 {
	out := make([]float32, int(float64(len(samples))/step))
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx]*(1-frac) + samples[idx+1]*frac
	}
	return out
}
