package sync

import (
	"fmt"
	stdsync "sync"

	"github.com/kimhsiao/syncore/internal/logging"
)

// ListenerID identifies a registered listener for removal.
type ListenerID uint64

// bus fans events out to listeners. Every listener owns an unbounded
// mailbox drained by its own goroutine, so a slow listener delays only
// itself and never the publisher. Events reach each listener in publish
// order.
type bus[T any] struct {
	name string

	mu     stdsync.Mutex
	nextID ListenerID
	boxes  map[ListenerID]*mailbox[T]
	closed bool
}

func newBus[T any](name string) *bus[T] {
	return &bus[T]{name: name, boxes: make(map[ListenerID]*mailbox[T])}
}

// subscribe registers fn and returns its id.
func (b *bus[T]) subscribe(fn func(T)) ListenerID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	box := newMailbox(b.name, fn)
	if b.closed {
		box.close()
		return id
	}
	b.boxes[id] = box
	return id
}

// unsubscribe removes a listener; undelivered events are dropped.
func (b *bus[T]) unsubscribe(id ListenerID) bool {
	b.mu.Lock()
	box, ok := b.boxes[id]
	delete(b.boxes, id)
	b.mu.Unlock()

	if ok {
		box.close()
	}
	return ok
}

// publish enqueues ev for every current listener without blocking.
func (b *bus[T]) publish(ev T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, box := range b.boxes {
		box.put(ev)
	}
}

// len returns the number of listeners.
func (b *bus[T]) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.boxes)
}

// flush blocks until every mailbox has delivered what was published so far.
func (b *bus[T]) flush() {
	b.mu.Lock()
	boxes := make([]*mailbox[T], 0, len(b.boxes))
	for _, box := range b.boxes {
		boxes = append(boxes, box)
	}
	b.mu.Unlock()

	for _, box := range boxes {
		box.waitIdle()
	}
}

// close stops every mailbox.
func (b *bus[T]) close() {
	b.mu.Lock()
	boxes := b.boxes
	b.boxes = make(map[ListenerID]*mailbox[T])
	b.closed = true
	b.mu.Unlock()

	for _, box := range boxes {
		box.close()
	}
}

type mailbox[T any] struct {
	name string
	fn   func(T)

	mu     stdsync.Mutex
	cond   *stdsync.Cond
	items  []T
	busy   bool
	closed bool
}

func newMailbox[T any](name string, fn func(T)) *mailbox[T] {
	m := &mailbox[T]{name: name, fn: fn}
	m.cond = stdsync.NewCond(&m.mu)
	go m.run()
	return m
}

func (m *mailbox[T]) put(ev T) {
	m.mu.Lock()
	if !m.closed {
		m.items = append(m.items, ev)
		m.cond.Broadcast()
	}
	m.mu.Unlock()
}

func (m *mailbox[T]) close() {
	m.mu.Lock()
	m.closed = true
	m.items = nil
	m.cond.Broadcast()
	m.mu.Unlock()
}

func (m *mailbox[T]) waitIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for !m.closed && (len(m.items) > 0 || m.busy) {
		m.cond.Wait()
	}
}

func (m *mailbox[T]) run() {
	for {
		m.mu.Lock()
		for len(m.items) == 0 && !m.closed {
			m.cond.Wait()
		}
		if m.closed {
			m.mu.Unlock()
			return
		}
		ev := m.items[0]
		var zero T
		m.items[0] = zero
		m.items = m.items[1:]
		m.busy = true
		m.mu.Unlock()

		m.deliver(ev)

		m.mu.Lock()
		m.busy = false
		m.cond.Broadcast()
		m.mu.Unlock()
	}
}

func (m *mailbox[T]) deliver(ev T) {
	defer func() {
		if p := recover(); p != nil {
			logging.Error(m.name+" listener panicked", fmt.Errorf("%v", p))
		}
	}()
	m.fn(ev)
}
