// Package oracle abstracts the external evidence judge. The engine sends one
// bundle per attempt and gets back free-form text that is expected, but not
// guaranteed, to contain a structured answer.
package oracle

import (
	"context"
	"errors"
)

// Transport failure taxonomy. The verdict interpreter maps each kind to a
// distinct user-facing safe-fail explanation; operators tell them apart in
// the logs.
var (
	ErrUnauthorized = errors.New("oracle rejected credentials")
	ErrBadRequest   = errors.New("oracle rejected request")
	ErrOverloaded   = errors.New("oracle overloaded or unavailable")
	ErrRateLimited  = errors.New("oracle rate limited")
)

// Bundle is the evidence package sent to the oracle for one attempt.
type Bundle struct {
	ImageData   []byte
	ImageMIME   string
	Instruction string
}

// Oracle judges evidence. Implementations must call the upstream provider at
// most once per Interpret call; retry policy belongs to the user, not here.
type Oracle interface {
	Interpret(ctx context.Context, bundle Bundle) (string, error)
}

// Disabled is the oracle used when no API key is configured. Every attempt
// fails the same way a credential rejection would, so the rest of the stack
// keeps serving.
type Disabled struct{}

func (Disabled) Interpret(ctx context.Context, bundle Bundle) (string, error) {
	return "", ErrUnauthorized
}
