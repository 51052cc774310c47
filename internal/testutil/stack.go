package testutil

import (
	"context"
	"os"
	"sync"
)

// FakeStack stands in for the user-mode network stack. Serve blocks until
// the context is cancelled, then closes the connection it was handed.
type FakeStack struct {
	// Err is returned immediately from Serve when set.
	Err error

	mu      sync.Mutex
	options []string
	served  chan struct{}
}

// NewFakeStack returns an idle FakeStack.
func NewFakeStack() *FakeStack {
	return &FakeStack{served: make(chan struct{}, 64)}
}

func (s *FakeStack) Serve(ctx context.Context, conn *os.File, options string) error {
	s.mu.Lock()
	s.options = append(s.options, options)
	s.mu.Unlock()
	s.served <- struct{}{}

	defer conn.Close()
	if s.Err != nil {
		return s.Err
	}
	<-ctx.Done()
	return nil
}

// Served returns a channel receiving one value per Serve call.
func (s *FakeStack) Served() <-chan struct{} {
	return s.served
}

// Options returns the option strings passed to Serve, in call order.
func (s *FakeStack) Options() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.options...)
}

// Calls returns how often Serve was called.
func (s *FakeStack) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.options)
}
