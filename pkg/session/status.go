package session

// Status is the lifecycle state of a Session
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// IsTerminal reports whether no further transitions are possible
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimeout
}

var transitions = map[Status][]Status{
	StatusPending: {StatusRunning},
	StatusRunning: {StatusPaused, StatusCompleted, StatusFailed, StatusTimeout},
	StatusPaused:  {StatusRunning, StatusFailed, StatusTimeout},
}

// CanTransition reports whether from -> to is a legal move
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func validStatus(s Status) bool {
	switch s {
	case StatusPending, StatusRunning, StatusPaused, StatusCompleted, StatusFailed, StatusTimeout:
		return true
	}
	return false
}

// ConversationStatus is the lifecycle state of a Conversation
type ConversationStatus string

const (
	ConversationIdle       ConversationStatus = "idle"
	ConversationProcessing ConversationStatus = "processing"
	ConversationPaused     ConversationStatus = "paused"
	ConversationEnded      ConversationStatus = "ended"
)

func validConversationStatus(s ConversationStatus) bool {
	switch s {
	case ConversationIdle, ConversationProcessing, ConversationPaused, ConversationEnded:
		return true
	}
	return false
}
