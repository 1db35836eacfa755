package history

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/canvas-sync/pkg/pixel"
	"github.com/astromechza/canvas-sync/pkg/raster"
)

type recorder struct {
	restored [][]byte
	err      error
}

func (r *recorder) Restore(frame []byte) error {
	if r.err != nil {
		return r.err
	}
	r.restored = append(r.restored, frame)
	return nil
}

func TestUndoRestoresPreviousFrame(t *testing.T) {
	c := raster.New(20, 20)
	s := New(0)

	frameA := c.Snapshot()
	s.Push(frameA)
	require.NoError(t, c.PaintPixel(pixel.Pixel{X: 10, Y: 10, Size: 8, Color: "#ff0000"}))
	s.Push(c.Snapshot())

	ok, err := s.Undo(c)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, frameA, c.Snapshot())
	assert.Equal(t, 0, s.Cursor())
}

func TestPushTruncatesRedo(t *testing.T) {
	r := &recorder{}
	s := New(0)
	s.Push([]byte("A"))
	s.Push([]byte("B"))

	ok, err := s.Undo(r)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, s.CanRedo())

	s.Push([]byte("C"))
	assert.False(t, s.CanRedo())
	assert.Equal(t, 2, s.Len())

	ok, err = s.Redo(r)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Undo(r)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, [][]byte{[]byte("A"), []byte("A")}, r.restored)
}

func TestRedo(t *testing.T) {
	r := &recorder{}
	s := New(0)
	s.Push([]byte("A"))
	s.Push([]byte("B"))
	_, _ = s.Undo(r)

	ok, err := s.Redo(r)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, s.Cursor())
	assert.Equal(t, []byte("B"), r.restored[len(r.restored)-1])
}

func TestUndoNoop(t *testing.T) {
	r := &recorder{}
	s := New(0)
	assert.Equal(t, -1, s.Cursor())

	ok, err := s.Undo(r)
	require.NoError(t, err)
	assert.False(t, ok)

	s.Push([]byte("A"))
	ok, err = s.Undo(r)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, r.restored)
}

func TestUndoRestoreFailureKeepsCursor(t *testing.T) {
	r := &recorder{err: errors.New("boom")}
	s := New(0)
	s.Push([]byte("A"))
	s.Push([]byte("B"))

	ok, err := s.Undo(r)
	assert.Error(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, s.Cursor())
}

func TestClear(t *testing.T) {
	s := New(0)
	s.Push([]byte("A"))
	s.Push([]byte("B"))
	s.Clear()
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, -1, s.Cursor())
	assert.False(t, s.CanUndo())
	assert.False(t, s.CanRedo())
}

func TestPushCopiesFrame(t *testing.T) {
	r := &recorder{}
	s := New(0)
	frame := []byte("A")
	s.Push(frame)
	s.Push([]byte("B"))
	frame[0] = 'Z'
	_, _ = s.Undo(r)
	assert.Equal(t, []byte("A"), r.restored[0])
}

func TestMaxFrames(t *testing.T) {
	r := &recorder{}
	s := New(3)
	for _, f := range []string{"A", "B", "C", "D", "E"} {
		s.Push([]byte(f))
	}
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, 2, s.Cursor())

	for s.CanUndo() {
		_, err := s.Undo(r)
		require.NoError(t, err)
	}
	assert.Equal(t, [][]byte{[]byte("D"), []byte("C")}, r.restored)
}

func TestCurrentFollowsCursor(t *testing.T) {
	r := &recorder{}
	s := New(0)
	assert.Nil(t, s.Current())
	s.Push([]byte("A"))
	s.Push([]byte("B"))
	assert.Equal(t, []byte("B"), s.Current())
	_, _ = s.Undo(r)
	assert.Equal(t, []byte("A"), s.Current())
}
