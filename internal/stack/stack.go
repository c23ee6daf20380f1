// Package stack defines the abstract upstream transport a routing core
// dispatches requests to: named, carrying a recipient table, and backed by
// one of the concrete transports in internal/stack/usbstack or
// internal/stack/rs485.
package stack

import (
	"sync"

	"github.com/brickbridge/stackbridged/internal/tfp"
)

// Recipient records how a stack reaches a particular device UID. Opaque
// carries transport-specific addressing (an RS-485 slave address, a USB
// device handle).
type Recipient struct {
	UID    uint32
	Opaque interface{}
}

// Table is a stack's recipient set: idempotent upsert, linear lookup by
// UID (small N, matches the teacher/original's linear-scan recipient
// lookup rather than a hash map).
type Table struct {
	mu         sync.Mutex
	recipients []Recipient
}

// Add upserts (uid, opaque); calling it again for the same uid only
// updates opaque.
func (t *Table) Add(uid uint32, opaque interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.recipients {
		if t.recipients[i].UID == uid {
			t.recipients[i].Opaque = opaque
			return
		}
	}
	t.recipients = append(t.recipients, Recipient{UID: uid, Opaque: opaque})
}

// Get looks up uid, matching the spec's (uid, function_id, sequence_number)
// recipient definition down to the UID component the table is keyed by.
func (t *Table) Get(uid uint32) (Recipient, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, r := range t.recipients {
		if r.UID == uid {
			return r, true
		}
	}
	return Recipient{}, false
}

// All returns a snapshot of every recipient currently published.
func (t *Table) All() []Recipient {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Recipient, len(t.recipients))
	copy(out, t.recipients)
	return out
}

// Swap exchanges this table's contents with other's. The USB rescan path
// does not call it: a device that is found again keeps its existing
// Device, and with it its table.
func (t *Table) Swap(other *Table) {
	t.mu.Lock()
	other.mu.Lock()
	t.recipients, other.recipients = other.recipients, t.recipients
	other.mu.Unlock()
	t.mu.Unlock()
}

// Stack is the abstract upstream the routing core dispatches requests to.
type Stack interface {
	Name() string
	Recipients() *Table

	// DispatchRequest attempts to hand pkt to recipient for transmission.
	// It returns true iff a PendingRequest should be retained (i.e. the
	// stack actually queued the request rather than dropping it, e.g. an
	// unknown RS-485 slave address or a full USB outbound channel).
	DispatchRequest(pkt tfp.Packet, recipient Recipient) bool
}
