package pipeline

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"
)

// NoiseClient calls a noise suppression sidecar. Samples travel as raw
// little-endian float32 in both directions.
type NoiseClient struct {
	url    string
	client *http.Client
}

func NewNoiseClient(url string, poolSize int) *NoiseClient {
	return &NoiseClient{url: url, client: NewPooledHTTPClient(poolSize, 5*time.Second)}
}

// Denoise returns the cleaned samples; the sidecar must preserve length
// alignment.
func (c *NoiseClient) Denoise(ctx context.Context, samples []float32) ([]float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/denoise", bytes.NewReader(encodeFloat32LE(samples)))
	if err != nil {
		return nil, fmt.Errorf("denoise request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("denoise http: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("denoise read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("denoise status %d: %s", resp.StatusCode, body)
	}
	if len(body)%4 != 0 {
		return nil, fmt.Errorf("denoise: response of %d bytes is not float32 aligned", len(body))
	}
	return decodeFloat32LE(body), nil
}

func encodeFloat32LE(samples []float32) []byte {
	buf := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}
	return buf
}

func decodeFloat32LE(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
