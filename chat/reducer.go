package chat

import (
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/martinjo/ai/proto"
	"github.com/martinjo/ai/stream"
)

// reducer folds decoded stream events into the store for one exchange. It is
// only ever driven by the exchange goroutine holding the session lock, so
// state mutation stays single-writer.
type reducer struct {
	store  *Store
	openID string
	calls  []toolCallDraft
	finish *stream.Finish
}

// toolCallDraft is a partially-built tool call. args accumulates argument
// fragments in arrival order.
type toolCallDraft struct {
	id   string
	name string
	args string
}

func newReducer(store *Store) *reducer {
	return &reducer{store: store}
}

func (r *reducer) apply(ev stream.Event) {
	switch ev.Kind {
	case stream.EventText:
		r.updateOpen(func(msg *proto.Message) {
			msg.Content += ev.Text
		})
	case stream.EventData:
		data := slices.Clone(r.store.Data.Get())
		r.store.Data.Set(append(data, ev.Data...))
	case stream.EventToolCallBegin, stream.EventToolCallDelta, stream.EventToolCall:
		r.applyToolCall(ev.ToolCall)
	case stream.EventFinish:
		r.finish = ev.Finish
	}
}

func (r *reducer) applyToolCall(delta *stream.ToolCallDelta) {
	for len(r.calls) <= delta.Index {
		r.calls = append(r.calls, toolCallDraft{})
	}
	call := &r.calls[delta.Index]
	if delta.ID != "" {
		call.id = delta.ID
	}
	if delta.Name != "" {
		call.name = delta.Name
	}
	call.args += delta.ArgsDelta

	calls := make([]proto.ToolCall, len(r.calls))
	for i, draft := range r.calls {
		calls[i] = proto.ToolCall{
			ID:   draft.id,
			Type: "function",
			Function: proto.FunctionCall{
				Name:      draft.name,
				Arguments: draft.args,
			},
		}
	}
	r.updateOpen(func(msg *proto.Message) {
		msg.ToolCalls = calls
	})
}

// updateOpen applies fn to the exchange's streaming assistant message,
// creating it on first use.
func (r *reducer) updateOpen(fn func(*proto.Message)) {
	messages := slices.Clone(r.store.Messages.Get())
	if r.openID == "" {
		r.openID = uuid.NewString()
		messages = append(messages, proto.Message{
			ID:        r.openID,
			Role:      proto.RoleAssistant,
			CreatedAt: time.Now(),
		})
	}
	i := r.indexOf(messages)
	if i < 0 {
		// The conversation was replaced mid-stream; keep streaming into a
		// re-appended message rather than losing the deltas.
		messages = append(messages, proto.Message{
			ID:        r.openID,
			Role:      proto.RoleAssistant,
			CreatedAt: time.Now(),
		})
		i = len(messages) - 1
	}
	fn(&messages[i])
	r.store.Messages.Set(messages)
}

func (r *reducer) indexOf(messages []proto.Message) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].ID == r.openID {
			return i
		}
	}
	return -1
}

// message returns the finalized assistant message, if the exchange opened
// one.
func (r *reducer) message() (proto.Message, bool) {
	if r.openID == "" {
		return proto.Message{}, false
	}
	messages := r.store.Messages.Get()
	if i := r.indexOf(messages); i >= 0 {
		return messages[i], true
	}
	return proto.Message{}, false
}

// meta returns the finish metadata, defaulting the reason when the stream
// ended without an explicit finish segment.
func (r *reducer) meta() stream.Finish {
	if r.finish != nil {
		return *r.finish
	}
	return stream.Finish{Reason: "unknown"}
}
