package agent

import "context"

// Assembler builds the initial transcript for a run. Richer implementations
// can splice in conversation history or retrieved context; the loop does not
// care where the messages come from.
type Assembler interface {
	Assemble(ctx context.Context, sessionKey, message string) ([]Message, error)
}

// AssemblerFunc adapts a function to the Assembler interface.
type AssemblerFunc func(ctx context.Context, sessionKey, message string) ([]Message, error)

// Assemble calls f.
func (f AssemblerFunc) Assemble(ctx context.Context, sessionKey, message string) ([]Message, error) {
	return f(ctx, sessionKey, message)
}

// PromptAssembler is the minimal Assembler: the inbound message becomes a
// single user message.
type PromptAssembler struct{}

// Assemble implements Assembler.
func (PromptAssembler) Assemble(_ context.Context, _ string, message string) ([]Message, error) {
	return []Message{{Role: "user", Content: message}}, nil
}
