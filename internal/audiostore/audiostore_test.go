package audiostore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledStoreIsNoop(t *testing.T) {
	s := New("")
	assert.False(t, s.Enabled())
	assert.NoError(t, s.AppendUserAudio("s1", 1, []byte{1, 2}, "pcm16"))
	assert.NoError(t, s.CloseSession("s1"))
	_, err := s.ExportWAV("s1", 1, TrackUser, 16000)
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestAppendAndExport(t *testing.T) {
	root := t.TempDir()
	s := New(root)

	require.NoError(t, s.AppendUserAudio("s1", 1, []byte{0x00, 0x10, 0xff, 0x7f}, "pcm16"))
	require.NoError(t, s.AppendUserAudio("s1", 1, []byte{0x00, 0x80, 0x01, 0x00}, "pcm16"))
	require.NoError(t, s.AppendAIAudio("s1", 1, []byte{0x02, 0x00}))
	require.NoError(t, s.AppendUserAudio("s1", 2, []byte{0x05, 0x00}, "ulaw"))

	path, err := s.ExportWAV("s1", 1, TrackUser, 16000)
	require.NoError(t, err)
	require.NoError(t, s.CloseSession("s1"))

	raw, err := os.ReadFile(filepath.Join(root, "s1", "turn_001_user.pcm16"))
	require.NoError(t, err)
	assert.Len(t, raw, 8)
	_, err = os.Stat(filepath.Join(root, "s1", "turn_002_user.ulaw"))
	assert.NoError(t, err)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	dec := wav.NewDecoder(f)
	require.True(t, dec.IsValidFile())
	buf, err := dec.FullPCMBuffer()
	require.NoError(t, err)
	assert.Equal(t, []int{4096, 32767, -32768, 1}, buf.Data)
	assert.Equal(t, uint32(16000), dec.SampleRate)
}

func TestExportUnknownTrack(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.ExportWAV("s1", 1, "other", 16000)
	assert.Error(t, err)
}

func TestSessionIDCannotEscapeRoot(t *testing.T) {
	root := t.TempDir()
	s := New(root)
	dir, err := s.EnsureSessionDir("../../etc")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "etc"), dir)
}

func TestCloseTurnReleasesOnlyThatTurn(t *testing.T) {
	root := t.TempDir()
	s := New(root)

	require.NoError(t, s.AppendUserAudio("s1", 1, []byte{1, 0}, "pcm16"))
	require.NoError(t, s.AppendAIAudio("s1", 1, []byte{2, 0}))
	require.NoError(t, s.AppendUserAudio("s1", 2, []byte{3, 0}, "pcm16"))
	require.NoError(t, s.AppendUserAudio("s2", 1, []byte{4, 0}, "pcm16"))
	assert.Len(t, s.files, 4)

	require.NoError(t, s.CloseTurn("s1", 1))
	assert.Len(t, s.files, 2)
	assert.Contains(t, s.files, "s1/turn_002_user.pcm16")
	assert.Contains(t, s.files, "s2/turn_001_user.pcm16")

	// late audio for a closed turn reopens in append mode
	require.NoError(t, s.AppendAIAudio("s1", 1, []byte{5, 0}))
	require.NoError(t, s.CloseSession("s1"))
	require.NoError(t, s.CloseSession("s2"))
	assert.Empty(t, s.files)

	raw, err := os.ReadFile(filepath.Join(root, "s1", "turn_001_ai.pcm16"))
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 0, 5, 0}, raw)
}
