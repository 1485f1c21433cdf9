package server

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/TobiSchelling/RegBrief/internal/database"
)

var errBroadcasterClosed = errors.New("server is shutting down")

// broadcaster fans one store insert subscription out to every connected
// /events client. The subscription is opened by the first client and held
// until close, so the number of listeners on the store stays at one no
// matter how many browsers are open.
type broadcaster struct {
	store  database.Store
	logger *zap.Logger

	mu      sync.Mutex
	sub     database.Subscription
	closed  bool
	clients map[chan struct{}]struct{}
}

func newBroadcaster(store database.Store, logger *zap.Logger) *broadcaster {
	return &broadcaster{store: store, logger: logger, clients: make(map[chan struct{}]struct{})}
}

// join registers a client. The returned channel receives at most one
// pending signal; leave must be called when the client goes away.
func (b *broadcaster) join() (<-chan struct{}, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, errBroadcasterClosed
	}
	if b.sub == nil {
		sub, err := b.store.SubscribeInserts(context.Background(), b.publish)
		if err != nil {
			return nil, nil, err
		}
		b.sub = sub
		b.logger.Debug("insert subscription opened")
	}

	ch := make(chan struct{}, 1)
	b.clients[ch] = struct{}{}
	var once sync.Once
	leave := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
		})
	}
	return ch, leave, nil
}

func (b *broadcaster) publish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.clients {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// close releases the shared subscription. Clients still connected stop
// receiving signals but keep their keep-alives until they disconnect.
func (b *broadcaster) close() {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	b.closed = true
	b.mu.Unlock()

	// Unsubscribe waits for the watcher goroutine, which may be blocked
	// in publish on b.mu.
	if sub != nil {
		sub.Unsubscribe()
	}
}
