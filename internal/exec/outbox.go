package exec

import (
	"fmt"
	"sync"

	"github.com/v13quant/orderflow/internal/schema"
	"github.com/v13quant/orderflow/internal/sink"
)

// Outbox writes order lifecycle events through the dual sink while enforcing
// the per-order state machine: NEW -> ACK -> (PARTIAL*) -> FILLED | CANCELED
// | REJECTED. An out-of-order event is a bug upstream and is refused.
type Outbox struct {
	writer sink.ExecWriter

	mu   sync.Mutex
	last map[string]schema.ExecEvent
}

// NewOutbox wraps the given exec writer.
func NewOutbox(writer sink.ExecWriter) *Outbox {
	return &Outbox{writer: writer, last: make(map[string]schema.ExecEvent)}
}

// Log validates the transition and writes the event.
func (o *Outbox) Log(ev *schema.ExecLogEvent) error {
	o.mu.Lock()
	last, seen := o.last[ev.ClientOrderID]
	switch {
	case !seen:
		if ev.Event != schema.EventSubmit {
			o.mu.Unlock()
			return fmt.Errorf("order %s: first event must be submit, got %s", ev.ClientOrderID, ev.Event)
		}
	case !schema.ValidTransition(last, ev.Event):
		o.mu.Unlock()
		return fmt.Errorf("order %s: invalid transition %s -> %s", ev.ClientOrderID, last, ev.Event)
	}
	if ev.Status.Terminal() {
		delete(o.last, ev.ClientOrderID)
	} else {
		o.last[ev.ClientOrderID] = ev.Event
	}
	o.mu.Unlock()
	return o.writer.WriteExecEvent(ev)
}

// Flush drains the underlying writer.
func (o *Outbox) Flush() error { return o.writer.Flush() }

// Close flushes and closes the underlying writer.
func (o *Outbox) Close() error { return o.writer.Close() }
