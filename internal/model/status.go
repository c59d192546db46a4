package model

import "fmt"

type SessionStatus string

const (
	SessionWaiting   SessionStatus = "waiting"
	SessionDelivered SessionStatus = "delivered"
)

// validSessionTransitions lists the only forward moves a waiting session can make.
// Removal is not a status; it deletes the record.
var validSessionTransitions = map[SessionStatus][]SessionStatus{
	SessionWaiting: {SessionDelivered},
}

func IsSessionTerminal(s SessionStatus) bool {
	return s == SessionDelivered
}

func ValidateSessionTransition(from, to SessionStatus) error {
	for _, allowed := range validSessionTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("invalid session transition: %s -> %s", from, to)
}

// MessageSource tags who authored a queued or delivered message.
type MessageSource string

const (
	SourceAgent MessageSource = "agent"
	SourceAdmin MessageSource = "admin"
)

func ParseMessageSource(s string) (MessageSource, error) {
	switch MessageSource(s) {
	case "":
		return "", nil
	case SourceAgent, SourceAdmin:
		return MessageSource(s), nil
	default:
		return "", fmt.Errorf("invalid message source: %q (must be agent|admin)", s)
	}
}
