package httpapi

import (
	"sync"

	"github.com/ariaaba/ariasync/internal/stepstore"
)

const subscriberBuffer = 32

// eventHub fans step events out to websocket subscribers of one assessment.
// Slow subscribers drop events rather than block writers.
type eventHub struct {
	mu   sync.Mutex
	subs map[string]map[chan stepstore.Event]struct{}
}

func newEventHub() *eventHub {
	return &eventHub{subs: map[string]map[chan stepstore.Event]struct{}{}}
}

func (h *eventHub) subscribe(assessmentID string) (<-chan stepstore.Event, func()) {
	ch := make(chan stepstore.Event, subscriberBuffer)
	h.mu.Lock()
	if h.subs[assessmentID] == nil {
		h.subs[assessmentID] = map[chan stepstore.Event]struct{}{}
	}
	h.subs[assessmentID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[assessmentID], ch)
			if len(h.subs[assessmentID]) == 0 {
				delete(h.subs, assessmentID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *eventHub) publish(ev stepstore.Event) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	delivered := 0
	for ch := range h.subs[ev.AssessmentID] {
		select {
		case ch <- ev:
			delivered++
		default:
		}
	}
	return delivered
}

func (h *eventHub) subscribers(assessmentID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[assessmentID])
}
