package local

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/MouTaaz/TazMou-ChatApp/internal/backend"
	"github.com/MouTaaz/TazMou-ChatApp/internal/model/chat"
)

// Broker is the in-process push change-feed: store mutations fan out to
// per-table subscribers. Each subscription is delivered in order on its
// own goroutine; a slow consumer drops events rather than blocking the
// publisher.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[uint64]*brokerSub
	next uint64
}

type brokerSub struct {
	events chan backend.ChangeEvent
	errs   chan error
	done   chan struct{}
	once   sync.Once
}

// NewBroker builds an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[uint64]*brokerSub)}
}

// Subscribe registers a handler for one table's change events.
func (b *Broker) Subscribe(ctx context.Context, table string, handler func(backend.ChangeEvent)) (backend.Handle, error) {
	sub := &brokerSub{
		events: make(chan backend.ChangeEvent, 64),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	id := b.next
	b.next++
	if b.subs[table] == nil {
		b.subs[table] = make(map[uint64]*brokerSub)
	}
	b.subs[table][id] = sub
	b.mu.Unlock()

	go func() {
		for {
			select {
			case ev := <-sub.events:
				handler(ev)
			case <-sub.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return &brokerHandle{broker: b, table: table, id: id, sub: sub}, nil
}

// Publish fans a row change out to the table's subscribers.
func (b *Broker) Publish(table string, kind chat.ChangeKind, newRow, oldRow any) {
	ev := backend.ChangeEvent{Type: kind, Table: table}
	if newRow != nil {
		raw, err := json.Marshal(newRow)
		if err != nil {
			log.Printf("[broker] encode %s row: %v", table, err)
			return
		}
		ev.New = raw
	}
	if oldRow != nil {
		raw, err := json.Marshal(oldRow)
		if err != nil {
			log.Printf("[broker] encode %s old row: %v", table, err)
			return
		}
		ev.Old = raw
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs[table] {
		select {
		case sub.events <- ev:
		default:
			log.Printf("[broker] dropping %s event for slow subscriber", table)
		}
	}
}

// Fail injects a transport-level error into every live subscription of a
// table. Used to exercise the reconnect path.
func (b *Broker) Fail(table string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs[table] {
		select {
		case sub.errs <- err:
		default:
		}
	}
}

func (b *Broker) remove(table string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[table], id)
}

type brokerHandle struct {
	broker *Broker
	table  string
	id     uint64
	sub    *brokerSub
}

func (h *brokerHandle) Unsubscribe() {
	h.broker.remove(h.table, h.id)
	h.sub.once.Do(func() {
		close(h.sub.done)
		close(h.sub.errs)
	})
}

func (h *brokerHandle) Err() <-chan error {
	return h.sub.errs
}
