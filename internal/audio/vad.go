package audio

import (
	"math"
	"time"
)

// VADConfig controls voice activity detection behavior.
type VADConfig struct {
	SpeechThresholdDB float64
	SilenceTimeout    time.Duration
	MinSpeechDuration time.Duration
	SampleRate        int
}

// DefaultVADConfig returns sensible defaults for conversational audio.
func DefaultVADConfig() VADConfig {
	return VADConfig{
		SpeechThresholdDB: -30,
		SilenceTimeout:    800 * time.Millisecond,
		MinSpeechDuration: 300 * time.Millisecond,
		SampleRate:        16000,
	}
}

// VAD implements energy-based voice activity detection. Elapsed time is
// derived from the number of samples seen, not the wall clock, so bursts of
// buffered audio are judged by their content duration.
type VAD struct {
	cfg            VADConfig
	inSpeech       bool
	speechSamples  int
	silenceSamples int
}

// NewVAD creates a VAD with the given config.
func NewVAD(cfg VADConfig) *VAD {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	return &VAD{cfg: cfg}
}

// VADResult reports speech boundary transitions caused by one chunk.
type VADResult struct {
	SpeechStarted bool
	SpeechEnded   bool
}

// Process feeds an audio chunk into the VAD.
func (v *VAD) Process(samples []float32) VADResult {
	if EnergyDB(samples) >= v.cfg.SpeechThresholdDB {
		return v.handleSpeech(samples)
	}
	return v.handleSilence(samples)
}

// InSpeech reports whether the detector is inside a speech segment.
func (v *VAD) InSpeech() bool {
	return v.inSpeech
}

// Reset returns the detector to its idle state.
func (v *VAD) Reset() {
	v.inSpeech = false
	v.speechSamples = 0
	v.silenceSamples = 0
}

func (v *VAD) handleSpeech(samples []float32) VADResult {
	var res VADResult
	if !v.inSpeech {
		v.inSpeech = true
		v.speechSamples = 0
		res.SpeechStarted = true
	}
	v.speechSamples += len(samples)
	v.silenceSamples = 0
	return res
}

func (v *VAD) handleSilence(samples []float32) VADResult {
	if !v.inSpeech {
		return VADResult{}
	}

	v.silenceSamples += len(samples)
	if v.duration(v.silenceSamples) < v.cfg.SilenceTimeout {
		return VADResult{}
	}

	speech := v.duration(v.speechSamples)
	v.Reset()
	// Blips shorter than MinSpeechDuration end silently.
	return VADResult{SpeechEnded: speech >= v.cfg.MinSpeechDuration}
}

func (v *VAD) duration(samples int) time.Duration {
	return time.Duration(samples) * time.Second / time.Duration(v.cfg.SampleRate)
}

// EnergyDB returns the RMS level of samples in dBFS, floored at -100.
func EnergyDB(samples []float32) float64 {
	if len(samples) == 0 {
		return -100
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms < 1e-10 {
		return -100
	}
	return 20 * math.Log10(rms)
}
