package bus

import "time"

// Event represents a domain event published on the bus.
// ID carries the originating remote event ID when the event came from one of
// the notification producers (realtime feed, polling fallback); the fan-out
// consumer de-duplicates on it. Locally originated events leave it empty.
type Event struct {
	ID        string
	Kind      string
	Timestamp time.Time
	Payload   any
}
