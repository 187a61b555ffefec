package phy

import (
	"fmt"
	"time"

	"github.com/linht/phy-manager/radio"
)

// EventKind tags an asynchronous completion
type EventKind uint8

const (
	EventRxStarted EventKind = iota
	EventRxComplete
	EventTxComplete
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventRxStarted:
		return "rx-started"
	case EventRxComplete:
		return "rx-complete"
	case EventTxComplete:
		return "tx-complete"
	case EventError:
		return "error"
	}
	return fmt.Sprintf("event-%d", uint8(k))
}

// MarshalText lets events serialise with readable kinds
func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Event is delivered to the registered callback from Service. Handlers
// re-read device state rather than rely on Status for error details.
type Event struct {
	Kind   EventKind `json:"kind"`
	Status uint32    `json:"status"`
	Time   time.Time `json:"time"`
}

// EventFunc receives events. It runs on the task calling Service and must not
// block.
type EventFunc func(Event)

// eventsFor maps a cleared IRQ status onto events in completion order
func eventsFor(status uint32, receiving bool) []EventKind {
	var kinds []EventKind
	if receiving && status&(radio.IrqPreamble|radio.IrqSync) != 0 {
		kinds = append(kinds, EventRxStarted)
	}
	if status&radio.IrqRxDone != 0 {
		kinds = append(kinds, EventRxComplete)
	}
	if status&radio.IrqTxDone != 0 {
		kinds = append(kinds, EventTxComplete)
	}
	if status&(radio.IrqCrcError|radio.IrqHwError) != 0 {
		kinds = append(kinds, EventError)
	}
	return kinds
}
