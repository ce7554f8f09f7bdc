package dispatch

import (
	"sync"

	"github.com/rewired-gh/marketsentinel/internal/models"
)

// lane is a bounded FIFO ring drained by a single worker. Pushing into a full
// lane evicts the oldest queued alert.
type lane struct {
	mu     sync.Mutex
	items  []*models.Alert
	head   int
	count  int
	closed bool
	wake   chan struct{}
}

func newLane(capacity int) *lane {
	if capacity < 1 {
		capacity = 1
	}
	return &lane{
		items: make([]*models.Alert, capacity),
		wake:  make(chan struct{}, 1),
	}
}

// push appends alert and returns the alert evicted to make room, if any.
func (l *lane) push(alert *models.Alert) (evicted *models.Alert) {
	l.mu.Lock()
	if l.count == len(l.items) {
		evicted = l.items[l.head]
		l.items[l.head] = nil
		l.head = (l.head + 1) % len(l.items)
		l.count--
	}
	l.items[(l.head+l.count)%len(l.items)] = alert
	l.count++
	l.mu.Unlock()

	l.signal()
	return evicted
}

// pop removes the oldest alert. closed is true once the lane is closed and empty.
func (l *lane) pop() (alert *models.Alert, ok bool, closed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == 0 {
		return nil, false, l.closed
	}
	alert = l.items[l.head]
	l.items[l.head] = nil
	l.head = (l.head + 1) % len(l.items)
	l.count--
	return alert, true, false
}

func (l *lane) close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.signal()
}

// drain empties the lane and returns what was left.
func (l *lane) drain() []*models.Alert {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*models.Alert, 0, l.count)
	for l.count > 0 {
		out = append(out, l.items[l.head])
		l.items[l.head] = nil
		l.head = (l.head + 1) % len(l.items)
		l.count--
	}
	return out
}

func (l *lane) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

func (l *lane) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}
