// Package remote implements the message-passing primitives the
// training stack uses in place of a distributed actor runtime. Every
// shared mutable service (replay buffer, shared storage, logger) owns
// its state on a single goroutine and is reached only through its
// Mailbox; cross-actor requests that produce a value return a Future.
package remote

import "sync"

// Future is a one-shot promise for a value of type T. Get blocks until
// the value has been resolved and then keeps returning it.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
}

// NewFuture returns an unresolved Future and the function that
// resolves it. Resolving more than once is a no-op.
func NewFuture[T any]() (*Future[T], func(T)) {
	f := &Future[T]{done: make(chan struct{})}
	resolve := func(v T) {
		f.once.Do(func() {
			f.val = v
			close(f.done)
		})
	}
	return f, resolve
}

// Resolved returns a Future that already holds v.
func Resolved[T any](v T) *Future[T] {
	f, resolve := NewFuture[T]()
	resolve(v)
	return f
}

// Get blocks until the Future resolves and returns its value.
func (f *Future[T]) Get() T {
	<-f.done
	return f.val
}

// Ready reports whether Get would return without blocking.
func (f *Future[T]) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Go runs fn on its own goroutine and returns a Future for its result.
func Go[T any](fn func() T) *Future[T] {
	f, resolve := NewFuture[T]()
	go func() { resolve(fn()) }()
	return f
}

// Mailbox serializes access to an actor's state. Messages are closures
// executed in send order by a single goroutine, so actor methods never
// need locks.
type Mailbox struct {
	msgs chan func()
	quit chan struct{}
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewMailbox starts the actor goroutine.
func NewMailbox() *Mailbox {
	m := &Mailbox{
		msgs: make(chan func(), 64),
		quit: make(chan struct{}),
	}
	m.wg.Add(1)
	go m.run()
	return m
}

func (m *Mailbox) run() {
	defer m.wg.Done()
	for {
		select {
		case msg := <-m.msgs:
			msg()
		case <-m.quit:
			// Drain anything already queued before exiting
			for {
				select {
				case msg := <-m.msgs:
					msg()
				default:
					return
				}
			}
		}
	}
}

// Send enqueues a fire-and-forget message. Messages sent after Close
// are dropped.
func (m *Mailbox) Send(msg func()) {
	m.send(msg)
}

// send enqueues a message and reports whether the mailbox accepted it.
// The lock is held across the channel send so Close cannot stop the
// actor goroutine while a message is being enqueued.
func (m *Mailbox) send(msg func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.msgs <- msg
	return true
}

// Closed reports whether Close has been called.
func (m *Mailbox) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Call enqueues a message and returns a Future resolved with its
// result. Calling a closed Mailbox resolves the Future immediately
// with the zero value, so waiters never block across a shutdown.
func Call[T any](m *Mailbox, fn func() T) *Future[T] {
	f, resolve := NewFuture[T]()
	if !m.send(func() { resolve(fn()) }) {
		var zero T
		resolve(zero)
	}
	return f
}

// Close stops the actor after draining queued messages. Closing twice
// is a no-op.
func (m *Mailbox) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	close(m.quit)
	m.wg.Wait()
}
