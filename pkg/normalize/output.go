package normalize

import (
	"fmt"

	"github.com/bturcanu/plugwire/pkg/types"
)

// Shape is the closed set of results a reshaping helper may return. The
// unexported method keeps the set closed so Output.Add can switch on it
// exhaustively.
type Shape interface {
	shape()
}

// Text is a human-readable result.
type Text string

// Object is a single structured result.
type Object map[string]any

// List is a structured result list.
type List []any

// Blob is a binary result with an explicit MIME type.
type Blob struct {
	Data     []byte
	MimeType string
	Filename string
}

func (Text) shape()   {}
func (Object) shape() {}
func (List) shape()   {}
func (Blob) shape()   {}

// Output accumulates messages for one invocation. A summary, when set, is
// always emitted before every payload message regardless of call order.
type Output struct {
	summary *types.InvokeMessage
	msgs    []types.InvokeMessage
}

// NewOutput returns an empty Output.
func NewOutput() *Output { return &Output{} }

// Summary sets the human-readable line that precedes the payloads.
func (o *Output) Summary(format string, args ...any) *Output {
	m := types.TextMessage(fmt.Sprintf(format, args...))
	o.summary = &m
	return o
}

// Add appends a shaped result.
func (o *Output) Add(s Shape) *Output {
	switch v := s.(type) {
	case Text:
		o.msgs = append(o.msgs, types.TextMessage(string(v)))
	case Object:
		o.msgs = append(o.msgs, types.JSONMessage(map[string]any(v)))
	case List:
		o.msgs = append(o.msgs, types.JSONMessage([]any(v)))
	case Blob:
		mt := v.MimeType
		if mt == "" {
			mt = InferMime("", v.Filename, v.Data)
		}
		o.msgs = append(o.msgs, types.BlobMessage(v.Data, mt, v.Filename))
	}
	return o
}

// JSON appends a structured payload.
func (o *Output) JSON(v any) *Output {
	o.msgs = append(o.msgs, types.JSONMessage(v))
	return o
}

// Variable appends a named output variable.
func (o *Output) Variable(name string, value any) *Output {
	o.msgs = append(o.msgs, types.VariableMessage(name, value))
	return o
}

// Messages returns the ordered messages: summary first, then payloads in the
// order they were added.
func (o *Output) Messages() []types.InvokeMessage {
	if o == nil {
		return nil
	}
	out := make([]types.InvokeMessage, 0, len(o.msgs)+1)
	if o.summary != nil {
		out = append(out, *o.summary)
	}
	return append(out, o.msgs...)
}
