// Package stream decodes raw completion responses into typed events.
package stream

import (
	"encoding/json"
	"fmt"

	"github.com/martinjo/ai/proto"
)

// EventKind discriminates the events a [Decoder] produces.
type EventKind int

// Event kinds.
const (
	EventText EventKind = iota
	EventData
	EventToolCallBegin
	EventToolCallDelta
	EventToolCall
	EventFinish
)

func (k EventKind) String() string {
	switch k {
	case EventText:
		return "text"
	case EventData:
		return "data"
	case EventToolCallBegin:
		return "tool-call-begin"
	case EventToolCallDelta:
		return "tool-call-delta"
	case EventToolCall:
		return "tool-call"
	case EventFinish:
		return "finish"
	default:
		return "unknown"
	}
}

// Event is a single typed event decoded from the response stream.
type Event struct {
	Kind     EventKind
	Text     string
	Data     []json.RawMessage
	ToolCall *ToolCallDelta
	Finish   *Finish
}

// ToolCallDelta is a fragment of a tool call. Index is assigned in order of
// first appearance of the call id within the stream; ArgsDelta fragments are
// only valid JSON once the whole call has arrived.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	ArgsDelta string
}

// Finish carries the completion metadata from the final stream segment.
type Finish struct {
	Reason string
	Usage  proto.Usage
}

// Decoder turns a raw response body into a sequence of events. Next returns
// [io.EOF] once the stream is exhausted.
type Decoder interface {
	Next() (Event, error)
}

// ParseError is a malformed stream chunk.
type ParseError struct {
	Chunk string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stream: parse %q: %s", e.Chunk, e.Err)
	}
	return fmt.Sprintf("stream: parse %q", e.Chunk)
}

func (e *ParseError) Unwrap() error { return e.Err }

// RemoteError is an error segment sent by the endpoint inside the stream.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "stream: remote error: " + e.Message
}
