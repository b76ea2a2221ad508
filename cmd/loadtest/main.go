package main

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/go-audio/wav"
	"github.com/gorilla/websocket"
)

const (
	sampleRate = 16000
	// chunkBytes is 20ms of 16kHz mono PCM16.
	chunkBytes = 640
)

func main() {
	gateway := flag.String("gateway", "ws://localhost:8000/ws/session", "gateway WebSocket URL")
	concurrency := flag.Int("concurrency", 10, "number of concurrent sessions")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	audioDir := flag.String("audio-dir", "/samples", "directory with 16kHz mono WAV files")
	modeName := flag.String("mode", "cascade", "interaction mode (cascade|realtime)")
	provider := flag.String("provider", "", "realtime provider")
	ttsEngine := flag.String("tts-engine", "fast", "cascade TTS engine")
	turnTimeout := flag.Duration("turn-timeout", 30*time.Second, "max wait for response_ended")
	flag.Parse()

	clips := loadClips(*audioDir)
	if len(clips) == 0 {
		fmt.Fprintf(os.Stderr, "no WAV files in %s, generating synthetic audio\n", *audioDir)
	}

	fmt.Printf("Load test: %d concurrent sessions for %s\n", *concurrency, *duration)
	fmt.Printf("Gateway: %s | Mode: %s | TTS: %s\n\n", *gateway, *modeName, *ttsEngine)

	sessionCfg := map[string]any{"tts_engine": *ttsEngine, "input_sample_rate": sampleRate}
	if *provider != "" {
		sessionCfg["provider"] = *provider
	}

	var mu sync.Mutex
	var results []turnResult
	var wg sync.WaitGroup

	deadline := time.Now().Add(*duration)

	for range *concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for time.Now().Before(deadline) {
				r := runSession(*gateway, *modeName, sessionCfg, clips, *turnTimeout)
				mu.Lock()
				results = append(results, r)
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	printSummary(results)
}

type turnResult struct {
	success    bool
	firstText  float64
	firstAudio float64
	totalMs    float64
	err        string
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// runSession opens one session, speaks one turn and measures the time from
// end_turn to the first text delta, the first audio chunk and response_ended.
func runSession(gateway, modeName string, sessionCfg map[string]any, clips [][]byte, timeout time.Duration) turnResult {
	conn, _, err := websocket.DefaultDialer.Dial(gateway, nil)
	if err != nil {
		return turnResult{err: fmt.Sprintf("dial: %v", err)}
	}
	defer conn.Close()

	send := func(typ string, data any) error {
		return conn.WriteJSON(map[string]any{"type": typ, "data": data})
	}

	if err = send("config", map[string]any{"mode": modeName, "config": sessionCfg}); err != nil {
		return turnResult{err: fmt.Sprintf("send config: %v", err)}
	}
	conn.SetReadDeadline(time.Now().Add(timeout))
	if err = awaitType(conn, "connected"); err != nil {
		return turnResult{err: fmt.Sprintf("config: %v", err)}
	}

	pcm := pickClip(clips)
	for i := 0; i < len(pcm); i += chunkBytes {
		end := min(i+chunkBytes, len(pcm))
		err = send("audio_chunk", map[string]any{"audio": pcm[i:end], "format": "pcm16", "sample_rate": sampleRate})
		if err != nil {
			return turnResult{err: fmt.Sprintf("send audio: %v", err)}
		}
		time.Sleep(20 * time.Millisecond)
	}

	start := time.Now()
	if err = send("end_turn", nil); err != nil {
		return turnResult{err: fmt.Sprintf("send end_turn: %v", err)}
	}

	r := turnResult{}
	conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		var f frame
		if err = conn.ReadJSON(&f); err != nil {
			return turnResult{err: fmt.Sprintf("read: %v", err)}
		}
		elapsed := float64(time.Since(start).Milliseconds())
		switch f.Type {
		case "text_delta":
			if r.firstText == 0 {
				r.firstText = elapsed
			}
		case "audio":
			if r.firstAudio == 0 {
				r.firstAudio = elapsed
			}
		case "error":
			return turnResult{err: "gateway error: " + string(f.Data)}
		case "response_ended":
			r.totalMs = elapsed
			r.success = r.firstAudio > 0
			if !r.success {
				r.err = "response without audio"
			}
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return r
		}
	}
}

func awaitType(conn *websocket.Conn, want string) error {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}
		if f.Type == "error" {
			return errors.New(string(f.Data))
		}
		if f.Type == want {
			return nil
		}
	}
}

func pickClip(clips [][]byte) []byte {
	if len(clips) > 0 {
		return clips[rand.Intn(len(clips))]
	}
	return generateSyntheticAudio(3 * time.Second)
}

func generateSyntheticAudio(dur time.Duration) []byte {
	numSamples := int(dur.Seconds()) * sampleRate
	buf := make([]byte, numSamples*2)

	for i := range numSamples {
		t := float64(i) / float64(sampleRate)
		// 440Hz sine with noise so energy endpointing sees speech
		sample := math.Sin(2*math.Pi*440*t)*0.3 + (rand.Float64()-0.5)*0.05
		val := int16(sample * math.MaxInt16)
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(val))
	}
	return buf
}

// loadClips decodes every 16kHz mono 16-bit WAV in dir into raw PCM16.
func loadClips(dir string) [][]byte {
	paths, err := filepath.Glob(filepath.Join(dir, "*.wav"))
	if err != nil {
		return nil
	}
	var clips [][]byte
	for _, p := range paths {
		pcm, err := readWAV(p)
		if err != nil {
			fmt.Fprintf(os.Stderr, "skip %s: %v\n", p, err)
			continue
		}
		clips = append(clips, pcm)
	}
	return clips
}

func readWAV(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, err
	}
	if int(dec.SampleRate) != sampleRate || dec.NumChans != 1 || dec.BitDepth != 16 {
		return nil, fmt.Errorf("want %dHz mono 16-bit, got %dHz %dch %d-bit", sampleRate, dec.SampleRate, dec.NumChans, dec.BitDepth)
	}
	out := make([]byte, len(buf.Data)*2)
	for i, s := range buf.Data {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s)))
	}
	return out, nil
}

func printSummary(results []turnResult) {
	var succeeded, failed int
	var textAll, audioAll, totalAll []float64
	errs := map[string]int{}

	for _, r := range results {
		if !r.success {
			failed++
			errs[r.err]++
			continue
		}
		succeeded++
		if r.firstText > 0 {
			textAll = append(textAll, r.firstText)
		}
		audioAll = append(audioAll, r.firstAudio)
		totalAll = append(totalAll, r.totalMs)
	}

	fmt.Printf("\n=== Load Test Results ===\n")
	fmt.Printf("Turns completed: %d\n", succeeded)
	fmt.Printf("Turns failed:    %d\n", failed)
	for msg, n := range errs {
		fmt.Printf("  %4d  %s\n", n, msg)
	}

	if len(audioAll) == 0 {
		fmt.Println("No successful turns to report latency")
		return
	}

	fmt.Printf("\n%-12s %8s %8s %8s\n", "Milestone", "p50", "p95", "p99")
	printRow("First text", textAll)
	printRow("First audio", audioAll)
	printRow("Response", totalAll)
}

func printRow(label string, data []float64) {
	if len(data) == 0 {
		return
	}
	fmt.Printf("%-12s %6.0fms %6.0fms %6.0fms\n", label, percentile(data, 50), percentile(data, 95), percentile(data, 99))
}

func percentile(data []float64, pct float64) float64 {
	sort.Float64s(data)
	idx := int(math.Ceil(pct/100*float64(len(data)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(data) {
		idx = len(data) - 1
	}
	return data[idx]
}
