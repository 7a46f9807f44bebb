// Package infolayer is the thin signal-resolution layer that sits
// above the core replication engine: given a named mblk.Block and a
// self-describing "info" block's bytes, it resolves named mblk.Signal
// views onto that block (spec §1: "JSON parsing of self-describing
// info blocks ... is a thin layer above the core"; the core itself
// only moves bytes). CBOR replaces JSON on the wire here, matching how
// the teacher already encodes structured device messages with
// fxamacker/cbor/v2; nothing in codec, sbuf, tbuf, or connection knows
// this package exists.
package infolayer

import (
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/iocafe/iocom-sub000/pkg/iocom/mblk"
)

// Descriptor is one named signal's location and shape within a block,
// the unit an info block's bytes are parsed into.
type Descriptor struct {
	Name string          `cbor:"name"`
	Addr int             `cbor:"addr"`
	N    int             `cbor:"n"`
	Type mblk.SignalType `cbor:"type"`
}

// Table is a decoded info block: every signal a device advertises on a
// particular named memory block, keyed by signal name for resolution.
type Table struct {
	mu    sync.RWMutex
	byKey map[string]Descriptor
}

// NewTable builds an empty, resolvable table.
func NewTable() *Table {
	return &Table{byKey: make(map[string]Descriptor)}
}

// DecodeInfoBlock parses a CBOR-encoded info block (an array of
// Descriptor) into a fresh Table, the infolayer counterpart of the
// core engine handing mblkinfo raw bytes off to a "thin layer above"
// per §1.
func DecodeInfoBlock(data []byte) (*Table, error) {
	var descs []Descriptor
	if err := cbor.Unmarshal(data, &descs); err != nil {
		return nil, fmt.Errorf("infolayer: decode info block: %w", err)
	}
	t := NewTable()
	for _, d := range descs {
		t.byKey[d.Name] = d
	}
	return t, nil
}

// EncodeInfoBlock serializes the table's descriptors back to CBOR, the
// bytes a sender publishes over its own named info block for the peer
// to decode.
func (t *Table) EncodeInfoBlock() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	descs := make([]Descriptor, 0, len(t.byKey))
	for _, d := range t.byKey {
		descs = append(descs, d)
	}
	data, err := cbor.Marshal(descs)
	if err != nil {
		return nil, fmt.Errorf("infolayer: encode info block: %w", err)
	}
	return data, nil
}

// Declare adds or replaces a signal's descriptor, used by the
// advertising side to build the table it will encode and publish.
func (t *Table) Declare(d Descriptor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byKey[d.Name] = d
}

// Resolve looks up name and binds it to block, returning a ready-to-use
// mblk.Signal. Returns an error if the table has no descriptor for
// name.
func (t *Table) Resolve(block *mblk.Block, name string) (mblk.Signal, error) {
	t.mu.RLock()
	d, ok := t.byKey[name]
	t.mu.RUnlock()
	if !ok {
		return mblk.Signal{}, fmt.Errorf("infolayer: no signal named %q", name)
	}
	return mblk.Signal{Block: block, Addr: d.Addr, Count: d.N, Type: d.Type}, nil
}

// Names returns every signal name currently declared, in no particular
// order.
func (t *Table) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.byKey))
	for name := range t.byKey {
		names = append(names, name)
	}
	return names
}
