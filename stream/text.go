package stream

import (
	"errors"
	"io"
)

// TextDecoder decodes the plain wire mode: the body is the assistant reply
// itself, with no framing. Every read becomes a text event and EOF yields a
// synthetic finish.
type TextDecoder struct {
	r    io.Reader
	buf  []byte
	done bool
}

// NewTextDecoder returns a [Decoder] for the plain wire mode.
func NewTextDecoder(r io.Reader) *TextDecoder {
	return &TextDecoder{
		r:   r,
		buf: make([]byte, 4096),
	}
}

// Next returns the next event or [io.EOF] once the stream is exhausted.
func (d *TextDecoder) Next() (Event, error) {
	if d.done {
		return Event{}, io.EOF
	}
	for {
		n, err := d.r.Read(d.buf)
		if n > 0 {
			return Event{Kind: EventText, Text: string(d.buf[:n])}, nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				d.done = true
				return Event{Kind: EventFinish, Finish: &Finish{Reason: "stop"}}, nil
			}
			return Event{}, err
		}
	}
}
