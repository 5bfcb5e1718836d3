package browser

import "sync"

// exchangeQueue delivers exchanges in arrival order on a single goroutine
// without ever blocking the producer.
type exchangeQueue struct {
	mu     sync.Mutex
	items  []func()
	signal chan struct{}
}

func newExchangeQueue() *exchangeQueue {
	return &exchangeQueue{signal: make(chan struct{}, 1)}
}

func (q *exchangeQueue) push(fn func()) {
	q.mu.Lock()
	q.items = append(q.items, fn)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *exchangeQueue) run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-q.signal:
		}

		for {
			q.mu.Lock()
			if len(q.items) == 0 {
				q.mu.Unlock()
				break
			}
			fn := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			fn()
		}
	}
}
