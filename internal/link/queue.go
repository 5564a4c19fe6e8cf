package link

import (
	"context"
	"sync"
)

// frameOverhead is the separator written before and after every command.
const frameOverhead = 2

// queue is a byte-budgeted FIFO of commands. Pushes are all-or-nothing.
type queue struct {
	mu       sync.Mutex
	items    []string
	used     int
	capacity int
	paused   bool
	notify   chan struct{}
}

func newQueue(capacity int) *queue {
	if capacity <= 0 {
		capacity = DefaultTxBufferBytes
	}
	return &queue{
		capacity: capacity,
		paused:   true,
		notify:   make(chan struct{}, 1),
	}
}

func cost(cmd string) int {
	return len(cmd) + frameOverhead
}

func (q *queue) push(cmds []string) error {
	need := 0
	for _, c := range cmds {
		need += cost(c)
	}

	q.mu.Lock()
	if q.used+need > q.capacity {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.items = append(q.items, cmds...)
	q.used += need
	q.mu.Unlock()

	q.wake()
	return nil
}

func (q *queue) clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	q.used = 0
	return n
}

func (q *queue) setPaused(paused bool) {
	q.mu.Lock()
	q.paused = paused
	q.mu.Unlock()
	if !paused {
		q.wake()
	}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// next blocks until a command is available and transmission is not paused.
func (q *queue) next(ctx context.Context) (string, error) {
	for {
		q.mu.Lock()
		if !q.paused && len(q.items) > 0 {
			cmd := q.items[0]
			q.items[0] = ""
			q.items = q.items[1:]
			q.used -= cost(cmd)
			q.mu.Unlock()
			return cmd, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-q.notify:
		}
	}
}
