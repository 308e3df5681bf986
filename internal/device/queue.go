package device

import (
	"context"
	"sync"

	"github.com/ludgerheide/powermeter-lora/internal/meter"
)

// measurementQueue is a bounded FIFO between the sampling loop and the
// transmit loop. On overflow the oldest measurement is dropped: for
// periodic metering a fresh reading is worth more than a backlog.
type measurementQueue struct {
	mu     sync.Mutex
	buf    []meter.Measurement
	limit  int
	notify chan struct{}
}

func newMeasurementQueue(limit int) *measurementQueue {
	return &measurementQueue{
		limit:  limit,
		notify: make(chan struct{}, 1),
	}
}

// Push enqueues a measurement and reports whether an older one was
// dropped to make room.
func (q *measurementQueue) Push(m meter.Measurement) (dropped bool) {
	q.mu.Lock()
	if len(q.buf) >= q.limit {
		q.buf = q.buf[1:]
		dropped = true
	}
	q.buf = append(q.buf, m)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped
}

// Pop blocks until a measurement is available or the context ends
func (q *measurementQueue) Pop(ctx context.Context) (meter.Measurement, error) {
	for {
		q.mu.Lock()
		if len(q.buf) > 0 {
			m := q.buf[0]
			q.buf = q.buf[1:]
			q.mu.Unlock()
			return m, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return meter.Measurement{}, ctx.Err()
		}
	}
}

// Len reports the number of queued measurements
func (q *measurementQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}
