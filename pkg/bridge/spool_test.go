package bridge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSpool(t *testing.T) *Spool {
	t.Helper()
	s, err := OpenSpool(filepath.Join(t.TempDir(), "plates.spool"), nil)
	require.NoError(t, err)
	return s
}

func TestSpoolEmpty(t *testing.T) {
	s := newSpool(t)
	n, err := s.Len()
	require.NoError(t, err)
	assert.Zero(t, n)

	sent, err := s.Drain(context.Background(), func([]byte) error {
		t.Fatal("send called on empty spool")
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, sent)
}

func TestSpoolDrainAll(t *testing.T) {
	s := newSpool(t)
	for _, p := range []string{"one", "two", "three"} {
		require.NoError(t, s.Append([]byte(p)))
	}

	var got []string
	sent, err := s.Drain(context.Background(), func(p []byte) error {
		got = append(got, string(p))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, sent)
	assert.Equal(t, []string{"one", "two", "three"}, got)

	_, err = os.Stat(s.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestSpoolDrainPartial(t *testing.T) {
	s := newSpool(t)
	for _, p := range []string{"one", "two", "three"} {
		require.NoError(t, s.Append([]byte(p)))
	}

	errDown := errors.New("broker down")
	calls := 0
	sent, err := s.Drain(context.Background(), func(p []byte) error {
		calls++
		if string(p) == "two" {
			return errDown
		}
		return nil
	})
	assert.ErrorIs(t, err, errDown)
	assert.Equal(t, 1, sent)
	assert.Equal(t, 2, calls)

	// the failed payload and everything after it stay, in order
	require.NoError(t, s.Append([]byte("four")))
	var got []string
	_, err = s.Drain(context.Background(), func(p []byte) error {
		got = append(got, string(p))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"two", "three", "four"}, got)
}

func TestSpoolDrainCanceled(t *testing.T) {
	s := newSpool(t)
	require.NoError(t, s.Append([]byte("one")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sent, err := s.Drain(ctx, func([]byte) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, sent)

	n, err := s.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSpoolPersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "plates.spool")
	s, err := OpenSpool(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Append([]byte(`{"plate":"A000AA78","timestamp":"t1"}`)))

	reopened, err := OpenSpool(path, nil)
	require.NoError(t, err)
	n, err := reopened.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSpoolRejectsNewline(t *testing.T) {
	s := newSpool(t)
	assert.Error(t, s.Append([]byte("a\nb")))
}
