package notifier

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifierReportsModified(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watched.log")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	n, err := New(zerolog.Nop(), []string{path})
	require.NoError(t, err)
	defer n.Close()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("a new line\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	select {
	case ev := <-n.Events():
		assert.Equal(t, path, ev.Path)
		assert.Equal(t, Modified, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a modified event")
	}
}

func TestNotifierReportsRemoved(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watched.log")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	n, err := New(zerolog.Nop(), []string{path})
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, os.Remove(path))

	for {
		select {
		case ev := <-n.Events():
			if ev.Type == Removed {
				assert.Equal(t, path, ev.Path)
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for a removed event")
		}
	}
}

func TestEventTypeString(t *testing.T) {
	assert.Equal(t, "modified", Modified.String())
	assert.Equal(t, "removed", Removed.String())
}
