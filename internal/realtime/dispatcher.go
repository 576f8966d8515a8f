// Package realtime fans committed field changes out to in-process subscribers,
// relays them across instances through Redis and consumes them over websockets.
package realtime

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/pixelfield/internal/fields"
)

const defaultBufferSize = 16

// Dispatcher delivers change events to subscribers keyed by field id.
// Publishing never blocks and never drops: each subscriber owns an unbounded queue drained
// in publish order by its own goroutine.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan fields.ChangeEvent
	wake   chan struct{}
	done   chan struct{}

	mu     sync.Mutex
	queue  []fields.ChangeEvent
	closed bool
}

func newSubscriber(id int64, bufferSize int) *subscriber {
	return &subscriber{
		id:     id,
		stream: make(chan fields.ChangeEvent, bufferSize),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (s *subscriber) enqueue(event fields.ChangeEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, event)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump moves queued events into the stream and closes the stream once the subscriber is released.
func (s *subscriber) pump() {
	defer close(s.stream)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		event := s.queue[0]
		s.queue[0] = fields.ChangeEvent{}
		s.queue = s.queue[1:]
		s.mu.Unlock()
		select {
		case s.stream <- event:
		case <-s.done:
			return
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.queue = nil
	close(s.done)
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  defaultBufferSize,
	}
}

// Subscribe registers a stream for fieldID. The stream is closed when ctx ends or cleanup runs.
func (d *Dispatcher) Subscribe(ctx context.Context, fieldID string) (<-chan fields.ChangeEvent, func()) {
	if fieldID == "" {
		ch := make(chan fields.ChangeEvent)
		close(ch)
		return ch, func() {}
	}
	sub := newSubscriber(d.nextSequence(), d.bufferSize)
	d.register(fieldID, sub)
	go sub.pump()
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregister(fieldID, sub.id)
			sub.close()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-sub.done:
		}
	}()
	return sub.stream, cleanup
}

// Listen pumps events for fieldID into handler on a single goroutine until ctx ends or stop is called.
// A slow handler delays delivery but loses nothing.
func (d *Dispatcher) Listen(ctx context.Context, fieldID string, handler func(fields.ChangeEvent)) func() {
	listenCtx, cancel := context.WithCancel(ctx)
	stream, cleanup := d.Subscribe(listenCtx, fieldID)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-listenCtx.Done():
				return
			case event, ok := <-stream:
				if !ok {
					return
				}
				handler(event)
			}
		}
	}()
	return func() {
		cancel()
		cleanup()
		<-done
	}
}

// Publish implements fields.Publisher.
func (d *Dispatcher) Publish(_ context.Context, event fields.ChangeEvent) {
	if event.FieldID == "" || event.Kind == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.FieldID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subscribers))
	for _, sub := range subscribers {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()
	for _, sub := range copies {
		sub.enqueue(event)
	}
}

// SubscriberCount reports the live subscribers of fieldID.
func (d *Dispatcher) SubscriberCount(fieldID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[fieldID])
}

// Pending reports the events queued for subscribers of fieldID that have not reached their streams yet.
func (d *Dispatcher) Pending(fieldID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	total := 0
	for _, sub := range d.subscribers[fieldID] {
		sub.mu.Lock()
		total += len(sub.queue)
		sub.mu.Unlock()
	}
	return total
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(fieldID string, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[fieldID]; !ok {
		d.subscribers[fieldID] = make(map[int64]*subscriber)
	}
	d.subscribers[fieldID][sub.id] = sub
}

func (d *Dispatcher) unregister(fieldID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[fieldID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, fieldID)
		}
	}
	d.mu.Unlock()
}
