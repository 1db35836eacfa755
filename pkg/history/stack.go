// Package history keeps whole-canvas frames for local undo and redo.
package history

import "fmt"

// Restorer puts a frame back onto the canvas.
type Restorer interface {
	Restore(frame []byte) error
}

// Stack is a linear undo history. The cursor always points at the frame that matches the canvas, or -1 when the
// stack is empty. Pushing a frame discards everything above the cursor, so any new draw destroys redo.
//
// Stack is not safe for concurrent use.
type Stack struct {
	frames [][]byte
	cursor int

	// MaxFrames bounds memory use. When positive, the oldest frame is dropped once the stack grows past it.
	MaxFrames int
}

func New(maxFrames int) *Stack {
	return &Stack{cursor: -1, MaxFrames: maxFrames}
}

func (s *Stack) Len() int {
	return len(s.frames)
}

func (s *Stack) Cursor() int {
	return s.cursor
}

func (s *Stack) CanUndo() bool {
	return s.cursor > 0
}

func (s *Stack) CanRedo() bool {
	return s.cursor < len(s.frames)-1
}

// Current returns the frame at the cursor, or nil when the stack is empty. The frame must not be modified.
func (s *Stack) Current() []byte {
	if s.cursor < 0 {
		return nil
	}
	return s.frames[s.cursor]
}

// Push stores a copy of frame on top of the cursor.
func (s *Stack) Push(frame []byte) {
	f := make([]byte, len(frame))
	copy(f, frame)

	s.frames = append(s.frames[:s.cursor+1], f)
	if s.MaxFrames > 0 && len(s.frames) > s.MaxFrames {
		drop := len(s.frames) - s.MaxFrames
		clear(s.frames[:drop])
		s.frames = s.frames[drop:]
	}
	s.cursor = len(s.frames) - 1
}

// Undo restores the frame below the cursor. It reports false without touching the canvas when there is nothing
// to undo. The cursor only moves when the restore succeeds.
func (s *Stack) Undo(r Restorer) (bool, error) {
	if !s.CanUndo() {
		return false, nil
	}
	if err := r.Restore(s.frames[s.cursor-1]); err != nil {
		return false, fmt.Errorf("failed to restore frame %d: %w", s.cursor-1, err)
	}
	s.cursor--
	return true, nil
}

// Redo restores the frame above the cursor, if any.
func (s *Stack) Redo(r Restorer) (bool, error) {
	if !s.CanRedo() {
		return false, nil
	}
	if err := r.Restore(s.frames[s.cursor+1]); err != nil {
		return false, fmt.Errorf("failed to restore frame %d: %w", s.cursor+1, err)
	}
	s.cursor++
	return true, nil
}

// Clear drops every frame.
func (s *Stack) Clear() {
	s.frames = nil
	s.cursor = -1
}
