package ai

import "context"

// Blob is an inline binary payload, base64 encoded.
type Blob struct {
	MIMEType string
	Data     string
}

// Part is one piece of a prompt turn: text or inline data, never both.
type Part struct {
	Text       string
	InlineData *Blob
}

// Message is one turn of provider history.
type Message struct {
	Role  string // "user" or "assistant"
	Parts []Part
}

// ModelInfo describes one generation model exposed by a provider.
type ModelInfo struct {
	Name             string `json:"name"`
	DisplayName      string `json:"display_name"`
	Description      string `json:"description"`
	InputTokenLimit  int    `json:"input_token_limit"`
	OutputTokenLimit int    `json:"output_token_limit"`
}

type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// StreamProvider is optional; providers that can emit incremental chunks
// implement it in addition to Provider.
type StreamProvider interface {
	StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error)
}

// TextMessage is a convenience constructor for plain-text turns.
func TextMessage(role, text string) Message {
	return Message{Role: role, Parts: []Part{{Text: text}}}
}
