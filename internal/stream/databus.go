package stream

import "sync"

const dataBusCapacity = 1024

// dataBus is the per-stream broadcast bus for data-channel messages.
// Each subscriber gets its own bounded channel so one slow consumer
// cannot stall delivery to the others; a full channel drops its oldest
// queued message and increments a counter rather than blocking the
// publisher.
type dataBus struct {
	mu      sync.Mutex
	queues  map[ClientID]chan []byte
	dropped map[ClientID]*uint64
	onDrop  func(ClientID)
}

func newDataBus(onDrop func(ClientID)) *dataBus {
	return &dataBus{
		queues:  make(map[ClientID]chan []byte),
		dropped: make(map[ClientID]*uint64),
		onDrop:  onDrop,
	}
}

func (b *dataBus) addSubscriber(id ClientID) <-chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan []byte, dataBusCapacity)
	b.queues[id] = ch
	var d uint64
	b.dropped[id] = &d
	return ch
}

func (b *dataBus) removeSubscriber(id ClientID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.queues[id]; ok {
		close(ch)
		delete(b.queues, id)
	}
	delete(b.dropped, id)
}

// publish enqueues msg for every current subscriber. The whole fan-out
// happens under the bus lock: trySend never blocks, and holding the
// lock means removeSubscriber can never close a channel between the
// membership check and the send. A subscriber registered concurrently
// with a publish may miss that one message but sees every later one.
func (b *dataBus) publish(msg []byte) {
	cp := make([]byte, len(msg))
	copy(cp, msg)

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.queues {
		if trySend(ch, cp) {
			if d, ok := b.dropped[id]; ok {
				*d++
			}
			if b.onDrop != nil {
				b.onDrop(id)
			}
		}
	}
}

// trySend delivers msg, evicting the oldest queued message to make
// room when the channel is full instead of blocking the caller. It
// reports whether a message was dropped to get msg in — either the
// evicted oldest, or msg itself if the freed slot was lost again.
func trySend(ch chan []byte, msg []byte) bool {
	select {
	case ch <- msg:
		return false
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- msg:
	default:
	}
	return true
}

func (b *dataBus) droppedCount(id ClientID) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d, ok := b.dropped[id]; ok {
		return *d
	}
	return 0
}
