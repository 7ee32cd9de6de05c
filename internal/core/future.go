package core

import "context"

// Future is the result of an asynchronous call.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Go runs fn on its own goroutine and returns its future.
func Go[T any](fn func() (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.val, f.err = fn()
	}()
	return f
}

// Done is closed when the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks for the result or until ctx ends.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// GenerateAsync runs m.Generate on its own goroutine.
func GenerateAsync(ctx context.Context, m Model, prompt string, params Params) *Future[*ModelResponse] {
	return Go(func() (*ModelResponse, error) {
		return m.Generate(ctx, prompt, params)
	})
}

// ChatAsync runs m.Chat on its own goroutine.
func ChatAsync(ctx context.Context, m Model, messages []Message, params Params) *Future[*ModelResponse] {
	return Go(func() (*ModelResponse, error) {
		return m.Chat(ctx, messages, params)
	})
}
