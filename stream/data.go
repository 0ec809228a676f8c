package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Part type codes for the annotated wire mode.
const (
	partText          = "0"
	partData          = "2"
	partError         = "3"
	partToolCall      = "9"
	partToolCallBegin = "b"
	partToolCallDelta = "c"
	partFinish        = "d"
)

// DataDecoder decodes the annotated wire mode: newline-terminated parts of
// the form `CODE:JSON`, multiplexing text, data, tool calls, and the finish
// segment over a single stream.
type DataDecoder struct {
	r       *bufio.Reader
	done    bool
	indexes map[string]int
}

// NewDataDecoder returns a [Decoder] for the annotated wire mode.
func NewDataDecoder(r io.Reader) *DataDecoder {
	return &DataDecoder{
		r:       bufio.NewReaderSize(r, 64*1024),
		indexes: map[string]int{},
	}
}

// Next returns the next event, a [ParseError] on malformed framing, or
// [io.EOF] once the stream is exhausted.
func (d *DataDecoder) Next() (Event, error) {
	if d.done {
		return Event{}, io.EOF
	}
	for {
		line, err := d.r.ReadBytes('\n')
		line = bytes.TrimRight(line, "\r\n")
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return Event{}, err
			}
			d.done = true
			if len(line) == 0 {
				return Event{}, io.EOF
			}
			// Trailing part without a terminating newline.
			return d.decode(line)
		}
		if len(line) == 0 {
			continue
		}
		return d.decode(line)
	}
}

func (d *DataDecoder) decode(line []byte) (Event, error) {
	code, body, ok := bytes.Cut(line, []byte(":"))
	if !ok {
		return Event{}, &ParseError{Chunk: string(line), Err: errors.New("missing part separator")}
	}
	switch string(code) {
	case partText:
		var text string
		if err := json.Unmarshal(body, &text); err != nil {
			return Event{}, &ParseError{Chunk: string(line), Err: err}
		}
		return Event{Kind: EventText, Text: text}, nil
	case partData:
		var values []json.RawMessage
		if err := json.Unmarshal(body, &values); err != nil {
			return Event{}, &ParseError{Chunk: string(line), Err: err}
		}
		return Event{Kind: EventData, Data: values}, nil
	case partError:
		var msg string
		if err := json.Unmarshal(body, &msg); err != nil {
			return Event{}, &ParseError{Chunk: string(line), Err: err}
		}
		return Event{}, &RemoteError{Message: msg}
	case partToolCallBegin:
		var part struct {
			ToolCallID string `json:"toolCallId"`
			ToolName   string `json:"toolName"`
		}
		if err := json.Unmarshal(body, &part); err != nil {
			return Event{}, &ParseError{Chunk: string(line), Err: err}
		}
		return Event{Kind: EventToolCallBegin, ToolCall: &ToolCallDelta{
			Index: d.index(part.ToolCallID),
			ID:    part.ToolCallID,
			Name:  part.ToolName,
		}}, nil
	case partToolCallDelta:
		var part struct {
			ToolCallID    string `json:"toolCallId"`
			ArgsTextDelta string `json:"argsTextDelta"`
		}
		if err := json.Unmarshal(body, &part); err != nil {
			return Event{}, &ParseError{Chunk: string(line), Err: err}
		}
		return Event{Kind: EventToolCallDelta, ToolCall: &ToolCallDelta{
			Index:     d.index(part.ToolCallID),
			ID:        part.ToolCallID,
			ArgsDelta: part.ArgsTextDelta,
		}}, nil
	case partToolCall:
		var part struct {
			ToolCallID string          `json:"toolCallId"`
			ToolName   string          `json:"toolName"`
			Args       json.RawMessage `json:"args"`
		}
		if err := json.Unmarshal(body, &part); err != nil {
			return Event{}, &ParseError{Chunk: string(line), Err: err}
		}
		return Event{Kind: EventToolCall, ToolCall: &ToolCallDelta{
			Index:     d.index(part.ToolCallID),
			ID:        part.ToolCallID,
			Name:      part.ToolName,
			ArgsDelta: string(part.Args),
		}}, nil
	case partFinish:
		var part struct {
			FinishReason string `json:"finishReason"`
			Usage        struct {
				PromptTokens     int64 `json:"promptTokens"`
				CompletionTokens int64 `json:"completionTokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal(body, &part); err != nil {
			return Event{}, &ParseError{Chunk: string(line), Err: err}
		}
		ev := Event{Kind: EventFinish, Finish: &Finish{Reason: part.FinishReason}}
		ev.Finish.Usage.PromptTokens = part.Usage.PromptTokens
		ev.Finish.Usage.CompletionTokens = part.Usage.CompletionTokens
		ev.Finish.Usage.TotalTokens = part.Usage.PromptTokens + part.Usage.CompletionTokens
		return ev, nil
	default:
		return Event{}, &ParseError{Chunk: string(line), Err: fmt.Errorf("unknown part code %q", code)}
	}
}

// index returns the slot for a tool call id, assigning slots in order of
// first appearance.
func (d *DataDecoder) index(id string) int {
	if i, ok := d.indexes[id]; ok {
		return i
	}
	i := len(d.indexes)
	d.indexes[id] = i
	return i
}
