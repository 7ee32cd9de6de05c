package core

import (
	"context"
	"errors"
	"io"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
)

// ErrStreamClosed is returned to a producer whose consumer went away, and is
// the terminal error of a stream closed by its consumer.
var ErrStreamClosed = errors.New("stream closed")

// Stream is a push-based sequence of text fragments. The channel is
// unbuffered so a producer blocks until the consumer reads. Complete and Fail
// are guarded by a single flag: exactly one terminal event is observed.
type Stream struct {
	chunks chan string
	done   chan struct{}
	closed chan struct{}

	closeOnce  sync.Once
	terminated atomic.Bool

	// written once before done is closed
	err       error
	toolCalls []ToolCall
	usage     TokenUsage

	cancel      context.CancelFunc
	onTerminate func(error)
}

// NewStream creates a stream. cancel aborts the upstream read when the
// consumer closes; onTerminate runs once after the terminal event. Both may
// be nil.
func NewStream(cancel context.CancelFunc, onTerminate func(error)) *Stream {
	return &Stream{
		chunks:      make(chan string),
		done:        make(chan struct{}),
		closed:      make(chan struct{}),
		cancel:      cancel,
		onTerminate: onTerminate,
	}
}

// Send delivers one fragment, blocking until it is received, the stream
// terminates, the consumer closes, or ctx ends.
func (s *Stream) Send(ctx context.Context, text string) error {
	if s.terminated.Load() {
		return ErrStreamClosed
	}
	select {
	case s.chunks <- text:
		return nil
	case <-s.done:
		return ErrStreamClosed
	case <-s.closed:
		return ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Complete ends the stream successfully. It reports whether this call was
// the terminal event.
func (s *Stream) Complete(toolCalls []ToolCall) bool {
	return s.terminate(nil, toolCalls, TokenUsage{})
}

// CompleteWithUsage is Complete carrying the token usage the vendor
// reported over the stream.
func (s *Stream) CompleteWithUsage(toolCalls []ToolCall, usage TokenUsage) bool {
	return s.terminate(nil, toolCalls, usage)
}

// Fail ends the stream with err. It reports whether this call was the
// terminal event.
func (s *Stream) Fail(err error) bool {
	if err == nil {
		err = NewModelError(ErrorKindUnknown, "", "stream failed", nil)
	}
	return s.terminate(err, nil, TokenUsage{})
}

func (s *Stream) terminate(err error, toolCalls []ToolCall, usage TokenUsage) bool {
	if !s.terminated.CompareAndSwap(false, true) {
		return false
	}
	s.err = err
	s.toolCalls = toolCalls
	s.usage = usage
	close(s.done)
	if s.cancel != nil {
		s.cancel()
	}
	if s.onTerminate != nil {
		s.onTerminate(err)
	}
	return true
}

// Recv returns the next fragment. After a successful end it returns io.EOF;
// after a failure it returns the failure.
func (s *Stream) Recv() (string, error) {
	select {
	case text := <-s.chunks:
		return text, nil
	case <-s.done:
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
}

// Done is closed when the stream terminates.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal error once Done is closed; nil before that or on success.
func (s *Stream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// ToolCalls returns tool calls finalized at completion.
func (s *Stream) ToolCalls() []ToolCall {
	select {
	case <-s.done:
		return s.toolCalls
	default:
		return nil
	}
}

// Usage returns the token usage reported by a completed stream. It is zero
// before Done is closed, after a failure, or when the vendor sent none.
func (s *Stream) Usage() TokenUsage {
	select {
	case <-s.done:
		return s.usage
	default:
		return TokenUsage{}
	}
}

// All iterates fragments in order. A failure is yielded once as the last
// element; a clean end yields nothing extra. Breaking out closes the stream.
func (s *Stream) All() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for {
			text, err := s.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", err)
				return
			}
			if !yield(text, nil) {
				s.Close()
				return
			}
		}
	}
}

// Collect drains the stream into one string.
func (s *Stream) Collect() (string, error) {
	var sb strings.Builder
	for text, err := range s.All() {
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(text)
	}
	return sb.String(), nil
}

// Close cancels consumption. A stream that has not yet terminated ends with
// ErrStreamClosed.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
	s.terminate(ErrStreamClosed, nil, TokenUsage{})
}
