package core

import (
	"fmt"

	"github.com/tturner/doipsim/internal/ecu"
)

// AddressBook maps logical and functional addresses to ECUs. It is built
// once and never modified, so lookups need no locking.
type AddressBook struct {
	ecus         []*ecu.Ecu
	byLogical    map[uint16]*ecu.Ecu
	byFunctional map[uint16][]*ecu.Ecu
}

// NewAddressBook indexes ecus. Two ECUs sharing a logical address is a
// configuration error; any number may share a functional address.
func NewAddressBook(ecus []*ecu.Ecu) (*AddressBook, error) {
	b := &AddressBook{
		ecus:         ecus,
		byLogical:    make(map[uint16]*ecu.Ecu, len(ecus)),
		byFunctional: make(map[uint16][]*ecu.Ecu),
	}
	for _, e := range ecus {
		if prev, ok := b.byLogical[e.LogicalAddress()]; ok {
			return nil, fmt.Errorf("ecus %s and %s share logical address 0x%04X", prev.Name(), e.Name(), e.LogicalAddress())
		}
		b.byLogical[e.LogicalAddress()] = e
		b.byFunctional[e.FunctionalAddress()] = append(b.byFunctional[e.FunctionalAddress()], e)
	}
	return b, nil
}

// Resolve returns the ECUs addressed by addr for the given addressing type.
func (b *AddressBook) Resolve(addr uint16, typ ecu.AddressType) ([]*ecu.Ecu, bool) {
	if typ == ecu.Functional {
		group, ok := b.byFunctional[addr]
		return group, ok
	}
	e, ok := b.byLogical[addr]
	if !ok {
		return nil, false
	}
	return []*ecu.Ecu{e}, true
}

// Classify tells how a target address from the wire is addressed. Logical
// addresses take precedence over functional ones.
func (b *AddressBook) Classify(addr uint16) (ecu.AddressType, bool) {
	if _, ok := b.byLogical[addr]; ok {
		return ecu.Physical, true
	}
	if _, ok := b.byFunctional[addr]; ok {
		return ecu.Functional, true
	}
	return ecu.Physical, false
}

// Exists reports whether any ECU answers addr.
func (b *AddressBook) Exists(addr uint16) bool {
	_, ok := b.Classify(addr)
	return ok
}

// Ecus returns every ECU in configuration order.
func (b *AddressBook) Ecus() []*ecu.Ecu {
	return b.ecus
}
