package orchestrator

import (
	"strings"

	"github.com/averlon/parley/pkg/types"
)

// emitFunc delivers one frame to the client transport. A non-nil error means
// the client is gone and the turn should stop.
type emitFunc func(types.StreamChunk) error

// sanitizer enforces the output frame rules between the reasoning loop and
// the client stream:
//
//   - status frames pass through unchanged.
//   - content passes through on the fast path; on tool-using paths it is
//     buffered per iteration and discarded whenever the iteration ends in
//     tool calls, so inline tool-call JSON never reaches the client.
//   - provider-originated done signals are never forwarded; the loop emits
//     its own terminal frame when no further iteration is planned.
//   - the conversation id rides exactly one frame, the final done.
//
// Not safe for concurrent use; each turn owns one sanitizer.
type sanitizer struct {
	emit      emitFunc
	buffering bool
	buf       strings.Builder
	terminal  bool
}

func newSanitizer(emit emitFunc) *sanitizer {
	return &sanitizer{emit: emit}
}

// beginIteration resets the per-iteration buffer. When buffer is true the
// iteration's content is held back until endIteration decides its fate.
func (s *sanitizer) beginIteration(buffer bool) {
	s.buffering = buffer
	s.buf.Reset()
}

// endIteration closes the iteration. Buffered content is discarded when the
// iteration produced tool calls and flushed to the client otherwise.
func (s *sanitizer) endIteration(hadToolCalls bool) error {
	if !s.buffering {
		return nil
	}
	content := s.buf.String()
	s.buf.Reset()
	if hadToolCalls || content == "" {
		return nil
	}
	return s.send(types.StreamChunk{Content: content})
}

func (s *sanitizer) status(msg string) error {
	return s.send(types.StreamChunk{Status: msg})
}

func (s *sanitizer) content(fragment string) error {
	if fragment == "" {
		return nil
	}
	if s.buffering {
		s.buf.WriteString(fragment)
		return nil
	}
	return s.send(types.StreamChunk{Content: fragment})
}

func (s *sanitizer) toolCalls(tc []types.ToolCall) error {
	return s.send(types.StreamChunk{ToolCalls: tc})
}

// done emits the terminal frame, carrying the conversation id. At most one
// terminal frame is ever sent.
func (s *sanitizer) done(conversationID string) error {
	if s.terminal {
		return nil
	}
	s.terminal = true
	return s.emit(types.StreamChunk{Done: true, ConversationID: conversationID})
}

// fail emits a terminal error frame. No frames follow it.
func (s *sanitizer) fail(msg string) error {
	if s.terminal {
		return nil
	}
	s.terminal = true
	return s.emit(types.StreamChunk{Error: msg})
}

func (s *sanitizer) send(chunk types.StreamChunk) error {
	if s.terminal {
		return nil
	}
	return s.emit(chunk)
}
