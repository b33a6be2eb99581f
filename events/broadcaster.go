package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Subscription is one observer's view of the event stream. C is closed when
// the subscriber is removed, either explicitly or because it fell behind.
type Subscription struct {
	ch chan Event
}

// C returns the delivery channel.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Broadcaster delivers published events to every current subscriber in
// publish order. Publishing never waits on a subscriber.
type Broadcaster struct {
	inbox chan Event
	done  chan struct{}

	pubMu  sync.RWMutex // guards closed against in-flight Publish calls
	closed bool

	subMu sync.Mutex
	subs  map[*Subscription]struct{}

	dropped atomic.Int64
}

// NewBroadcaster starts the fan-out goroutine. buffer sizes the inbox.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 1
	}
	b := &Broadcaster{
		inbox: make(chan Event, buffer),
		done:  make(chan struct{}),
		subs:  make(map[*Subscription]struct{}),
	}
	go b.run()
	return b
}

// Subscribe registers a new observer with a delivery buffer of the given size.
// Events published before the call are not replayed.
func (b *Broadcaster) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 1
	}
	sub := &Subscription{ch: make(chan Event, buffer)}

	b.pubMu.RLock()
	defer b.pubMu.RUnlock()
	if b.closed {
		close(sub.ch)
		return sub
	}

	b.subMu.Lock()
	b.subs[sub] = struct{}{}
	b.subMu.Unlock()
	return sub
}

// Unsubscribe removes sub and closes its channel. Unknown or already removed
// subscriptions are ignored.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.removeLocked(sub)
}

// Publish queues ev for delivery and returns. It is a no-op after Close.
func (b *Broadcaster) Publish(ev Event) {
	b.pubMu.RLock()
	defer b.pubMu.RUnlock()
	if b.closed {
		return
	}
	b.inbox <- ev
}

// Len returns the number of registered subscribers.
func (b *Broadcaster) Len() int {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	return len(b.subs)
}

// Dropped returns how many subscribers were removed for falling behind.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops accepting events, delivers what is already queued, then closes
// every subscriber channel. It blocks until the fan-out goroutine exits.
func (b *Broadcaster) Close() {
	b.pubMu.Lock()
	if b.closed {
		b.pubMu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	close(b.inbox)
	b.pubMu.Unlock()

	<-b.done
}

func (b *Broadcaster) run() {
	defer close(b.done)

	for ev := range b.inbox {
		b.deliver(ev)
	}

	b.subMu.Lock()
	for sub := range b.subs {
		b.removeLocked(sub)
	}
	b.subMu.Unlock()
}

func (b *Broadcaster) deliver(ev Event) {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	for sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			b.removeLocked(sub)
			b.dropped.Add(1)
			slog.Warn("dropping slow event subscriber",
				slog.String("job_id", ev.JobID),
				slog.Int("buffer", cap(sub.ch)),
			)
		}
	}
}

func (b *Broadcaster) removeLocked(sub *Subscription) {
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}
