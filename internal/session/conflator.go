package session

import (
	"strings"

	"github.com/gueridon/backend/internal/protocol"
)

type pendingKey struct {
	Index int
	Kind  string
	Field string
}

type pendingDelta struct {
	key     pendingKey
	payload strings.Builder
}

// Conflator coalesces consecutive small block deltas targeting the same
// content block into one merged delta. The owning runtime drains it when
// the flush timer fires or before routing any non-delta event, so merged
// state is always observed first.
type Conflator struct {
	pending map[pendingKey]*pendingDelta
	order   []pendingKey
}

func NewConflator() *Conflator {
	return &Conflator{pending: make(map[pendingKey]*pendingDelta)}
}

func fieldForDeltaKind(kind string) string {
	switch kind {
	case protocol.DeltaText:
		return "text"
	case protocol.DeltaThinking:
		return "thinking"
	case protocol.DeltaInputJSON:
		return "partial_json"
	case protocol.DeltaSignature:
		return "signature"
	default:
		return kind
	}
}

// Add appends a raw delta's payload to the pending entry for its
// (index, kind, field) key, creating the entry at arrival position.
func (c *Conflator) Add(d *protocol.BlockDeltaPayload) {
	if d == nil {
		return
	}
	key := pendingKey{Index: d.Index, Kind: d.Kind, Field: fieldForDeltaKind(d.Kind)}
	entry, ok := c.pending[key]
	if !ok {
		entry = &pendingDelta{key: key}
		c.pending[key] = entry
		c.order = append(c.order, key)
	}
	entry.payload.WriteString(d.Payload)
}

// Empty reports whether anything is pending.
func (c *Conflator) Empty() bool { return len(c.order) == 0 }

// Drain returns one merged delta per key in arrival order of the first
// contributing raw delta, and clears the table.
func (c *Conflator) Drain() []*protocol.BlockDeltaPayload {
	if len(c.order) == 0 {
		return nil
	}
	merged := make([]*protocol.BlockDeltaPayload, 0, len(c.order))
	for _, key := range c.order {
		entry := c.pending[key]
		merged = append(merged, &protocol.BlockDeltaPayload{
			Index:   key.Index,
			Kind:    key.Kind,
			Payload: entry.payload.String(),
		})
	}
	c.pending = make(map[pendingKey]*pendingDelta)
	c.order = nil
	return merged
}
