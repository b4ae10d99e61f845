// internal/protocol/event.go
package protocol

import "time"

// EventType enumerates what the engine reports to its consumer
type EventType int

const (
	EventOpened EventType = iota + 1
	EventClosed
	EventAnswer
	EventAnswerTimeout
	EventIdentityConfirmed
)

func (t EventType) String() string {
	switch t {
	case EventOpened:
		return "opened"
	case EventClosed:
		return "closed"
	case EventAnswer:
		return "answer"
	case EventAnswerTimeout:
		return "answerTimeout"
	case EventIdentityConfirmed:
		return "identityConfirmed"
	default:
		return "unknown"
	}
}

// Event is one notification from the engine. Kind and Data are set for answers,
// Kind alone for timeouts and Identity for identityConfirmed.
type Event struct {
	Type     EventType
	Port     string
	Kind     Kind
	Data     []byte
	Identity Identity
	Time     time.Time
}
