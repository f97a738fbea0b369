package orchestrator

import "errors"

// ErrEmptyMessage is returned when a request carries no user text and no
// attachments. Transports map it to a 400-equivalent.
var ErrEmptyMessage = errors.New("orchestrator: empty user message")

// ErrConversationNotFound is returned when the request names a conversation
// that does not exist.
var ErrConversationNotFound = errors.New("orchestrator: conversation not found")

// ErrIterationLimit is surfaced when a turn exhausts its tool-call budget
// without producing a final answer.
var ErrIterationLimit = errors.New("orchestrator: tool turn limit exceeded")

// ErrInvariantViolated marks a broken tool-call correlation: a tool-role
// message whose id does not match the preceding assistant message. The turn
// is aborted rather than fed back to the model, which would otherwise
// silently re-issue the same call.
var ErrInvariantViolated = errors.New("orchestrator: tool call correlation violated")
