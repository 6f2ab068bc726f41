package provider

import "context"

// Stub is a deterministic offline backend: the completion is "fake:" plus
// the prompt. It exists for tests and for running the control loop without
// vendor credentials.
type Stub struct{}

// NewStub creates the stub backend.
func NewStub() *Stub {
	return &Stub{}
}

// Name implements Backend.
func (s *Stub) Name() string { return "stub" }

// Complete echoes the prompt with a "fake:" prefix.
func (s *Stub) Complete(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "fake:" + req.Prompt, nil
}

var _ Backend = (*Stub)(nil)
