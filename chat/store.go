package chat

import (
	"encoding/json"

	"github.com/martinjo/ai/proto"
)

// Store holds the observable state of one session. UI layers subscribe to
// its values and never mutate them directly; all writes go through the
// session.
type Store struct {
	// Messages is the conversation.
	Messages *Value[[]proto.Message]

	// Data is the auxiliary payload stream, appended monotonically per
	// exchange.
	Data *Value[[]json.RawMessage]

	// Input is the pending user input consumed by [Session.Submit].
	Input *Value[string]

	// Loading is true while an exchange is in flight.
	Loading *Value[bool]

	// Err is the last exchange failure, cleared when a new exchange starts.
	Err *Value[error]
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		Messages: NewValue[[]proto.Message](nil),
		Data:     NewValue[[]json.RawMessage](nil),
		Input:    NewValue(""),
		Loading:  NewValue(false),
		Err:      NewValue[error](nil),
	}
}
