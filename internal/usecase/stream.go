package usecase

import (
	"errors"
	"io"
	"sync"

	"professor-agent/internal/domain"
)

var errStreamClosed = errors.New("usecase: answer stream closed before completion")

// AnswerStream relays completion fragments to a single consumer. Recv pulls
// the next upstream delta only when called, so the consumer sets the pace.
type AnswerStream struct {
	src domain.ChatStream

	mu        sync.Mutex
	done      bool
	err       error
	fragments int
	onFinish  func(fragments int, err error)
}

func newAnswerStream(src domain.ChatStream, onFinish func(fragments int, err error)) *AnswerStream {
	return &AnswerStream{src: src, onFinish: onFinish}
}

// Recv returns the next non-empty fragment. It returns io.EOF once the answer
// is complete and a *Error with code STREAM_ERROR if the upstream stream fails.
// Both are terminal: every later call returns the same error.
func (s *AnswerStream) Recv() (string, error) {
	s.mu.Lock()
	if s.done {
		err := s.err
		s.mu.Unlock()
		return "", err
	}
	for {
		delta, err := s.src.Recv()
		if errors.Is(err, io.EOF) {
			n := s.finish(io.EOF)
			s.mu.Unlock()
			s.notify(n, io.EOF)
			return "", io.EOF
		}
		if err != nil {
			streamErr := newError(ErrorStream, "completion_stream_error", err)
			n := s.finish(streamErr)
			s.mu.Unlock()
			s.notify(n, streamErr)
			return "", streamErr
		}
		if delta == "" {
			continue
		}
		s.fragments++
		s.mu.Unlock()
		return delta, nil
	}
}

// Fragments returns the number of fragments delivered so far.
func (s *AnswerStream) Fragments() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fragments
}

// Close releases the upstream stream. Closing before io.EOF marks the answer
// as failed.
func (s *AnswerStream) Close() error {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return s.src.Close()
	}
	closeErr := newError(ErrorStream, "stream_closed", errStreamClosed)
	n := s.finish(closeErr)
	s.mu.Unlock()
	s.notify(n, closeErr)
	return s.src.Close()
}

// finish records the terminal state and returns the fragment count. It must
// be called with mu held, and exactly once.
func (s *AnswerStream) finish(err error) int {
	s.done = true
	s.err = err
	return s.fragments
}

// notify runs onFinish. It must be called without mu held.
func (s *AnswerStream) notify(fragments int, err error) {
	if s.onFinish != nil {
		s.onFinish(fragments, err)
	}
}
