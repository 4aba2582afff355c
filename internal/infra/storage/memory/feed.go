package memory

import (
	"context"
	"sync"

	"marketchat/internal/app/session"
	"marketchat/internal/domain/chat"
)

type feedSubscriber struct {
	tables  map[string]struct{}
	handler func(chat.ChangeEvent)
	lost    func(error)
}

// ChangeFeed is an in-process feed with the same delivery contract as the
// Kafka adapter: at-least-once, no ordering promise. Tests drive it directly
// through Publish and Drop.
type ChangeFeed struct {
	mu   sync.Mutex
	next int
	subs map[int]*feedSubscriber
}

// NewChangeFeed builds an empty feed.
func NewChangeFeed() *ChangeFeed {
	return &ChangeFeed{subs: make(map[int]*feedSubscriber)}
}

func (f *ChangeFeed) Subscribe(ctx context.Context, tables []string, handler func(chat.ChangeEvent), lost func(error)) (func(), error) {
	sub := &feedSubscriber{
		tables:  make(map[string]struct{}, len(tables)),
		handler: handler,
		lost:    lost,
	}
	for _, t := range tables {
		sub.tables[t] = struct{}{}
	}
	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = sub
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}, nil
}

// Publish delivers ev to every subscriber interested in its table.
func (f *ChangeFeed) Publish(ev chat.ChangeEvent) {
	f.mu.Lock()
	targets := make([]*feedSubscriber, 0, len(f.subs))
	for _, sub := range f.subs {
		if _, ok := sub.tables[ev.Table]; ok {
			targets = append(targets, sub)
		}
	}
	f.mu.Unlock()
	for _, sub := range targets {
		sub.handler(ev)
	}
}

// Drop simulates a feed disconnect for every subscriber.
func (f *ChangeFeed) Drop(err error) {
	f.mu.Lock()
	targets := make([]*feedSubscriber, 0, len(f.subs))
	for _, sub := range f.subs {
		targets = append(targets, sub)
	}
	f.mu.Unlock()
	for _, sub := range targets {
		if sub.lost != nil {
			sub.lost(err)
		}
	}
}

// Subscribers returns the current subscription count.
func (f *ChangeFeed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

var (
	_ session.ChangeFeed          = (*ChangeFeed)(nil)
	_ session.ChangeFeedPublisher = (*ChangeFeed)(nil)
)
