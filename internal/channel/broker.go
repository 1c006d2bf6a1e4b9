package channel

import "sync"

// subBuffer is the per-subscriber delivery channel depth. Behind it each
// subscriber keeps an ordered overflow queue, so a consumer that stops
// draining delays only itself and can always still unsubscribe.
const subBuffer = 64

// subscriber is one attached consumer: an ordered queue filled under the
// broker lock and a forwarding goroutine that moves it into the delivery
// channel. The split keeps Publish non-blocking.
type subscriber[T any] struct {
	ch   chan T
	done chan struct{}

	mu      sync.Mutex
	queue   []T
	wake    chan struct{}
	stopped bool
}

func newSubscriber[T any]() *subscriber[T] {
	return &subscriber[T]{
		ch:   make(chan T, subBuffer),
		done: make(chan struct{}),
		wake: make(chan struct{}, 1),
	}
}

// push appends one value. Callers hold the broker lock, which is what keeps
// the queue order identical across subscribers.
func (s *subscriber[T]) push(v T) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, v)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// stop ends delivery. Idempotent; the forwarding goroutine closes the
// delivery channel on its way out.
func (s *subscriber[T]) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	close(s.done)
}

// forward moves queued values into the delivery channel in order. On stop it
// flushes what still fits into the channel buffer and drops the rest.
func (s *subscriber[T]) forward() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()
		for i, v := range batch {
			select {
			case s.ch <- v:
			case <-s.done:
				s.flush(batch[i:])
				return
			}
		}
		select {
		case <-s.wake:
		case <-s.done:
			s.mu.Lock()
			rest := s.queue
			s.queue = nil
			s.mu.Unlock()
			s.flush(rest)
			return
		}
	}
}

func (s *subscriber[T]) flush(rest []T) {
	for _, v := range rest {
		select {
		case s.ch <- v:
		default:
			return
		}
	}
}

// broker is an ordered multi-subscriber fan-out. Subscriber channels are
// closed exactly once, when the broker completes or the subscription is
// cancelled; completion is a separate signal from any in-band error value
// published through it.
type broker[T any] struct {
	mu     sync.Mutex
	subs   map[int]*subscriber[T]
	nextID int
	closed bool
}

func newBroker[T any]() *broker[T] {
	return &broker[T]{subs: make(map[int]*subscriber[T])}
}

// Subscribe returns a channel of future values and a cancel func. After the
// broker completed, the returned channel is already closed.
func (b *broker[T]) Subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		ch := make(chan T)
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	s := newSubscriber[T]()
	b.subs[id] = s
	go s.forward()
	cancel := func() {
		b.mu.Lock()
		sub, ok := b.subs[id]
		delete(b.subs, id)
		b.mu.Unlock()
		if ok {
			sub.stop()
		}
	}
	return s.ch, cancel
}

// Publish queues v for every subscriber; each subscriber sees values in
// publish order. It never blocks: delivery happens on the subscribers'
// forwarding goroutines, so one stuck consumer cannot stall the publishing
// read pump or its siblings.
func (b *broker[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		s.push(v)
	}
}

// Close completes every subscriber channel. Idempotent.
func (b *broker[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber[T], 0, len(b.subs))
	for id, s := range b.subs {
		subs = append(subs, s)
		delete(b.subs, id)
	}
	b.mu.Unlock()
	for _, s := range subs {
		s.stop()
	}
}
