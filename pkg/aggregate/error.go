package aggregate

import "fmt"

// ErrorCode tags the closed set of domain error variants a guest contract
// may produce. Host infrastructure never manufactures these.
type ErrorCode string

const (
	ErrCommand            ErrorCode = "command"
	ErrCustom             ErrorCode = "custom"
	ErrDeserializeCommand ErrorCode = "deserialize-command"
	ErrDeserializeEvent   ErrorCode = "deserialize-event"
	ErrDeserializeState   ErrorCode = "deserialize-state"
	ErrSerializeCommand   ErrorCode = "serialize-command"
	ErrSerializeEvent     ErrorCode = "serialize-event"
	ErrSerializeState     ErrorCode = "serialize-state"
	ErrUnknownCommand     ErrorCode = "unknown-command"
	ErrUnknownEvent       ErrorCode = "unknown-event"
)

// DomainError is a recoverable, guest-produced failure. It never advances
// instance state and never persists events; the host surfaces it to the
// caller as a negative return code plus a serialized copy in the scratch
// buffer.
type DomainError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message,omitempty"`
}

func (e *DomainError) Error() string {
	switch e.Code {
	case ErrCommand:
		return fmt.Sprintf("command failed: %s", e.Message)
	case ErrCustom:
		return fmt.Sprintf("error: %s", e.Message)
	case ErrDeserializeCommand:
		return fmt.Sprintf("deserialize command failed: %s", e.Message)
	case ErrDeserializeEvent:
		return fmt.Sprintf("deserialize event failed: %s", e.Message)
	case ErrDeserializeState:
		return fmt.Sprintf("deserialize state failed: %s", e.Message)
	case ErrSerializeCommand:
		return fmt.Sprintf("serialize command failed: %s", e.Message)
	case ErrSerializeEvent:
		return fmt.Sprintf("serialize event failed: %s", e.Message)
	case ErrSerializeState:
		return fmt.Sprintf("serialize state failed: %s", e.Message)
	case ErrUnknownCommand:
		return "unknown command"
	case ErrUnknownEvent:
		return "unknown event"
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// Valid reports whether the code is one of the closed set.
func (e *DomainError) Valid() bool {
	switch e.Code {
	case ErrCommand, ErrCustom,
		ErrDeserializeCommand, ErrDeserializeEvent, ErrDeserializeState,
		ErrSerializeCommand, ErrSerializeEvent, ErrSerializeState,
		ErrUnknownCommand, ErrUnknownEvent:
		return true
	}
	return false
}
