package credstore

import (
	"context"
	"sync"
)

// Change describes a credential write observed on a Bus.
type Change struct {
	// Origin identifies the Store that made the write. Empty when the bus
	// cannot tell (for example file system notifications).
	Origin  string `json:"origin,omitempty"`
	Key     string `json:"key"`
	Value   string `json:"value,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

// Bus carries credential changes between stores that share persisted state,
// the way browser storage events reach other tabs.
type Bus interface {
	Publish(ctx context.Context, change Change) error
	// Subscribe registers fn for every change published after it returns.
	// The returned function stops delivery.
	Subscribe(ctx context.Context, fn func(Change)) (func(), error)
}

// NopBus drops everything. Use it when no other process shares the state.
type NopBus struct{}

func (NopBus) Publish(context.Context, Change) error { return nil }

func (NopBus) Subscribe(context.Context, func(Change)) (func(), error) {
	return func() {}, nil
}

// LocalBus fans changes out to subscribers inside one process. Each
// subscriber gets changes in publish order on its own goroutine.
type LocalBus struct {
	mu   sync.Mutex
	next int
	subs map[int]*localSub
}

type localSub struct {
	ch   chan Change
	done chan struct{}
}

// NewLocalBus returns a LocalBus with no subscribers.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[int]*localSub)}
}

func (b *LocalBus) Publish(ctx context.Context, change Change) error {
	b.mu.Lock()
	subs := make([]*localSub, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- change:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(_ context.Context, fn func(Change)) (func(), error) {
	s := &localSub{ch: make(chan Change, 64), done: make(chan struct{})}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = s
	b.mu.Unlock()

	go func() {
		for {
			select {
			case c := <-s.ch:
				fn(c)
			case <-s.done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.done)
		})
	}, nil
}
