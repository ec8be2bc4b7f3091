package core

import (
	"sync"

	"github.com/tturner/doipsim/internal/ecu"
	"github.com/tturner/doipsim/internal/logging"
)

// Dispatcher hands diagnostic requests to the addressed ECUs. Every ECU
// invocation runs on its own goroutine; Route never waits for a response.
type Dispatcher struct {
	book   *AddressBook
	logger *logging.Logger
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher over book.
func NewDispatcher(book *AddressBook, logger *logging.Logger) *Dispatcher {
	return &Dispatcher{book: book, logger: logger}
}

// Route starts handling msg on every ECU its target address resolves to and
// reports whether any did. Unresolved targets are dropped.
func (d *Dispatcher) Route(msg *ecu.UdsMessage) bool {
	typ, ok := d.book.Classify(msg.TargetAddress)
	if !ok {
		d.logger.Verbose("No ECU for target 0x%04X, dropping request from 0x%04X", msg.TargetAddress, msg.SourceAddress)
		return false
	}
	targets, _ := d.book.Resolve(msg.TargetAddress, typ)
	for _, target := range targets {
		m := *msg
		m.TargetType = typ
		d.wg.Add(1)
		go func(target *ecu.Ecu) {
			defer d.wg.Done()
			d.logger.With("ecu", target.Name()).Debug("%s request 0x%04X -> 0x%04X (%d bytes)",
				typ, m.SourceAddress, m.TargetAddress, len(m.Payload))
			target.HandleRequest(&m)
		}(target)
	}
	return true
}

// Wait blocks until every routed request has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
