// Package listener runs a handler over a channel until stopped. The
// engine uses it for its tick, apply and lease-sweep loops so every
// background worker shares one start/stop discipline.
package listener

import (
	"context"
	"errors"
	"sync"
)

var errStopped = errors.New("listener stopped")

// Worker is anything the engine starts and stops as a unit.
type Worker interface {
	Start(ctx context.Context)
	Stop()
}

// Listener drains one channel with one handler on a dedicated goroutine.
// Handler errors are fatal for the worker: the loops fed through here
// only fail on unrecoverable storage corruption.
type Listener[T any] struct {
	handler     func(ctx context.Context, input T) error
	stopHandler func()

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()
}

func New[T any](
	in <-chan T,
	handler func(context.Context, T) error,
	stopHandler ...func(),
) *Listener[T] {
	if len(stopHandler) == 0 {
		stopHandler = []func(){func() {}}
	}

	return &Listener[T]{
		in:          in,
		handler:     handler,
		cancel:      func() {},
		stopHandler: stopHandler[0],
	}
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			err := l.run(ctx)
			switch {
			case errors.Is(err, errStopped):
				return
			case err != nil:
				panic("listener handler error: " + err.Error())
			}
		}
	}()
}

func (l *Listener[T]) run(ctx context.Context) error {
	select {
	case inp, ok := <-l.in:
		if !ok {
			return errStopped
		}
		return l.handler(ctx, inp)
	case <-ctx.Done():
		return errStopped
	}
}

// Stop cancels the loop, waits for the in-flight handler call and then
// runs the stop handler.
func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
	l.stopHandler()
}
