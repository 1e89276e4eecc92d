package dispatcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func receiveLine(t *testing.T, s *FileSource) string {
	t.Helper()
	select {
	case line, ok := <-s.Lines():
		require.True(t, ok, "line channel closed")
		return line
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for line")
	}
	return ""
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.log")
	require.NoError(t, os.WriteFile(path, []byte("existing\n"), 0644))

	s, err := OpenFileSource(zerolog.Nop(), path, true)
	require.NoError(t, err)
	defer s.Stop()

	require.Equal(t, "existing", receiveLine(t, s))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteString("split ")
	require.NoError(t, err)
	_, err = f.WriteString("line\r\nnext\n")
	require.NoError(t, err)

	require.Equal(t, "split line", receiveLine(t, s))
	require.Equal(t, "next", receiveLine(t, s))
}

func TestFileSource_FromEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.log")
	require.NoError(t, os.WriteFile(path, []byte("old\n"), 0644))

	s, err := OpenFileSource(zerolog.Nop(), path, false)
	require.NoError(t, err)
	defer s.Stop()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString("new\n")
	require.NoError(t, err)

	require.Equal(t, "new", receiveLine(t, s))
}

func TestFileSource_Removed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.log")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	s, err := OpenFileSource(zerolog.Nop(), path, true)
	require.NoError(t, err)
	defer s.Stop()

	require.NoError(t, os.Remove(path))

	select {
	case _, ok := <-s.Lines():
		require.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("source did not stop after removal")
	}
	require.ErrorIs(t, s.Err(), ErrFileRemoved)
}

func TestFileSource_Stop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.log")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	s, err := OpenFileSource(zerolog.Nop(), path, true)
	require.NoError(t, err)
	s.Stop()
	s.Stop()

	_, ok := <-s.Lines()
	require.False(t, ok)
	require.NoError(t, s.Err())
}
