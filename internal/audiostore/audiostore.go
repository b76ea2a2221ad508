// Package audiostore captures raw session audio to disk, one file per turn
// and speaker, and exports PCM16 captures as WAV for offline review.
package audiostore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/hubenschmidt/voice-session-gateway/internal/audio"
)

const (
	TrackUser = "user"
	TrackAI   = "ai"
)

// ErrDisabled is returned on a Store with no root directory.
var ErrDisabled = errors.New("audio storage disabled")

// Store appends audio under Root/<session_id>/turn_<n>_<track>.<format>.
// A Store with an empty Root discards everything.
type Store struct {
	Root string

	mu    sync.Mutex
	files map[string]*os.File
}

func New(root string) *Store {
	return &Store{Root: root, files: make(map[string]*os.File)}
}

// Enabled reports whether audio is being written.
func (s *Store) Enabled() bool {
	return s != nil && s.Root != ""
}

// EnsureSessionDir creates the session's directory and returns its path.
func (s *Store) EnsureSessionDir(sessionID string) (string, error) {
	if !s.Enabled() {
		return "", ErrDisabled
	}
	dir := s.sessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("audiostore mkdir: %w", err)
	}
	return dir, nil
}

// AppendUserAudio appends client audio in its original encoding.
func (s *Store) AppendUserAudio(sessionID string, turn int, data []byte, format string) error {
	return s.append(sessionID, trackFile(turn, TrackUser, format), data)
}

// AppendAIAudio appends agent audio, which is always PCM16.
func (s *Store) AppendAIAudio(sessionID string, turn int, pcm []byte) error {
	return s.append(sessionID, trackFile(turn, TrackAI, "pcm16"), pcm)
}

func (s *Store) sessionDir(sessionID string) string {
	return filepath.Join(s.Root, filepath.Base(sessionID))
}

func trackFile(turn int, track, format string) string {
	if format == "" {
		format = "pcm16"
	}
	return fmt.Sprintf("turn_%03d_%s.%s", turn, track, filepath.Base(format))
}

func (s *Store) append(sessionID, name string, data []byte) error {
	if !s.Enabled() || len(data) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.fileLocked(sessionID, name)
	if err != nil {
		return err
	}
	if _, err = f.Write(data); err != nil {
		return fmt.Errorf("audiostore write %s: %w", name, err)
	}
	return nil
}

func (s *Store) fileLocked(sessionID, name string) (*os.File, error) {
	key := sessionID + "/" + name
	if f, ok := s.files[key]; ok {
		return f, nil
	}
	dir, err := s.EnsureSessionDir(sessionID)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audiostore open %s: %w", name, err)
	}
	s.files[key] = f
	return f, nil
}

// CloseTurn closes the open files of one turn. Audio appended later reopens
// the file in append mode.
func (s *Store) CloseTurn(sessionID string, turn int) error {
	return s.closePrefix(fmt.Sprintf("%s/turn_%03d_", sessionID, turn))
}

// CloseSession closes every open file of the session.
func (s *Store) CloseSession(sessionID string) error {
	return s.closePrefix(sessionID + "/")
}

func (s *Store) closePrefix(prefix string) error {
	if !s.Enabled() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for key, f := range s.files {
		if strings.HasPrefix(key, prefix) {
			errs = append(errs, f.Close())
			delete(s.files, key)
		}
	}
	return errors.Join(errs...)
}

// ExportWAV encodes a PCM16 capture of one turn and track as a WAV file
// beside the raw capture and returns its path.
func (s *Store) ExportWAV(sessionID string, turn int, track string, sampleRate int) (string, error) {
	if !s.Enabled() {
		return "", ErrDisabled
	}
	if track != TrackUser && track != TrackAI {
		return "", fmt.Errorf("audiostore: unknown track %q", track)
	}

	name := trackFile(turn, track, "pcm16")
	s.mu.Lock()
	if f, ok := s.files[sessionID+"/"+name]; ok {
		f.Sync()
	}
	s.mu.Unlock()

	dir := s.sessionDir(sessionID)
	raw, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return "", fmt.Errorf("audiostore read %s: %w", name, err)
	}

	out := filepath.Join(dir, fmt.Sprintf("turn_%03d_%s.wav", turn, track))
	f, err := os.Create(out)
	if err != nil {
		return "", fmt.Errorf("audiostore create wav: %w", err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           audio.PCM16ToInts(raw),
		SourceBitDepth: 16,
	}
	if err = enc.Write(buf); err != nil {
		return "", fmt.Errorf("audiostore encode wav: %w", err)
	}
	if err = enc.Close(); err != nil {
		return "", fmt.Errorf("audiostore close wav: %w", err)
	}
	return out, nil
}
