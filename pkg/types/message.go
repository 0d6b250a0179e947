package types

// MessageKind tags the InvokeMessage variant.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindJSON     MessageKind = "json"
	KindBlob     MessageKind = "blob"
	KindVariable MessageKind = "variable"
)

// InvokeMessage is one unit of adapter output. Only the fields of its Kind
// are populated; use the constructors below.
type InvokeMessage struct {
	Kind MessageKind `json:"type"`

	// Text
	Text    string `json:"text,omitempty"`
	IsError bool   `json:"is_error,omitempty"`

	// JSON
	JSON any `json:"json,omitempty"`

	// Blob
	Blob     []byte `json:"blob,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Filename string `json:"filename,omitempty"`

	// Variable
	Name  string `json:"name,omitempty"`
	Value any    `json:"value,omitempty"`
}

func TextMessage(text string) InvokeMessage {
	return InvokeMessage{Kind: KindText, Text: text}
}

// ErrorMessage is the terminating Text of a failed invocation.
func ErrorMessage(err error) InvokeMessage {
	return InvokeMessage{Kind: KindText, Text: UserMessage(err), IsError: true}
}

func JSONMessage(v any) InvokeMessage {
	return InvokeMessage{Kind: KindJSON, JSON: v}
}

func BlobMessage(data []byte, mimeType, filename string) InvokeMessage {
	return InvokeMessage{Kind: KindBlob, Blob: data, MimeType: mimeType, Filename: filename}
}

func VariableMessage(name string, value any) InvokeMessage {
	return InvokeMessage{Kind: KindVariable, Name: name, Value: value}
}
