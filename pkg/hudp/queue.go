package hudp

import "sync"

// readyQueue is the FIFO shared by both channels. The receiver's ingress
// worker and the receive buffer push; Endpoint.Recv pops. Interleaving
// between the channels follows release order; within a channel the order is
// preserved because all pushes happen on the ingress goroutine.
type readyQueue struct {
	mu      sync.Mutex
	packets []*Packet

	// signal has capacity one; a push performs a non-blocking send so that
	// at most one wakeup is pending.
	signal chan struct{}
}

func newReadyQueue() *readyQueue {
	return &readyQueue{signal: make(chan struct{}, 1)}
}

func (q *readyQueue) push(p *Packet) {
	q.mu.Lock()
	q.packets = append(q.packets, p)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop returns the head of the queue, or nil when the queue is empty.
func (q *readyQueue) pop() *Packet {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.packets) == 0 {
		return nil
	}
	p := q.packets[0]
	q.packets[0] = nil
	q.packets = q.packets[1:]
	if len(q.packets) > 0 {
		// Keep a wakeup pending for other waiters; the signal capacity is
		// one, so pushes may have collapsed.
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}
	return p
}

func (q *readyQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.packets)
}
