// Package backend talks to the text-generation service.
package backend

import "context"

// Stream is a finite, in-order sequence of response text fragments. It is
// exhaustible exactly once: Recv returns io.EOF on clean completion and is
// not restartable afterwards.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Generator produces a completion stream for a fully formatted prompt.
// maxTokens caps the length of the generated response.
type Generator interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (Stream, error)
}
