// events.go - Structured ledger events for off-chain indexing.

package ledger

import "sync"

// EventType discriminates ledger events.
type EventType string

const (
	// EventExpenseAdded fires once per successful expense submission.
	EventExpenseAdded EventType = "expense_added"
	// EventMonthlyTotalUpdated fires when an account's encrypted running
	// total changes.
	EventMonthlyTotalUpdated EventType = "monthly_total_updated"
)

// Event is a single ledger event.
type Event struct {
	Type      EventType `json:"type"`
	Account   string    `json:"account"`
	Timestamp int64     `json:"timestamp"`
	Category  string    `json:"category,omitempty"`
}

// Feed is an append-only event log with optional live subscribers.
type Feed struct {
	mu     sync.Mutex
	events []Event
	subs   []chan Event
}

// NewFeed creates an empty event feed.
func NewFeed() *Feed {
	return &Feed{}
}

// Append records an event and notifies subscribers. Slow subscribers miss
// events rather than blocking the ledger.
func (f *Feed) Append(e Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	for _, ch := range f.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// All returns a copy of every event appended so far, in order.
func (f *Feed) All() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Event, len(f.events))
	copy(out, f.events)
	return out
}

// Subscribe returns a channel of future events and a cancel function.
func (f *Feed) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, sub := range f.subs {
			if sub == ch {
				f.subs = append(f.subs[:i], f.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}
