package session

import "sync"

// Feed fans events out to subscribers without ever blocking the publisher.
// A subscriber whose buffer is full misses events.
type Feed struct {
	mu      sync.Mutex
	buffer  int
	next    int
	subs    map[int]chan Event
	closed  bool
	dropped uint64
}

func NewFeed(buffer int) *Feed {
	if buffer < 1 {
		buffer = DefaultFeedBuffer
	}
	return &Feed{buffer: buffer, subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of future events and a function that ends the
// subscription. The channel is closed when either is called or the feed
// closes.
func (f *Feed) Subscribe() (<-chan Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan Event, f.buffer)
	if f.closed {
		close(ch)
		return ch, func() {}
	}

	id := f.next
	f.next++
	f.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if sub, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(sub)
			}
		})
	}
}

func (f *Feed) publish(events ...Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	for _, e := range events {
		for _, ch := range f.subs {
			select {
			case ch <- e:
			default:
				f.dropped++
			}
		}
	}
}

// Dropped counts events not delivered to a full subscriber.
func (f *Feed) Dropped() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}

func (f *Feed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
