// Package sequence drops duplicate and out-of-order records per probe.
//
// A record is accepted only when its sequence number is strictly greater
// than the last committed one for the same probe. Equal or lower numbers
// are dropped rather than reordered. The last committed number is
// persisted by the store in the same transaction as the reading, so the
// guard survives restarts by loading it lazily.
package sequence

import (
	"context"
	"fmt"
	"sync"
)

// CursorStore reads a probe's persisted last sequence.
type CursorStore interface {
	LastSequence(ctx context.Context, probeID int64) (seq int64, ok bool, err error)
}

type cursor struct {
	last  int64
	valid bool
}

// Guard tracks the last committed sequence per probe.
//
// Guard is safe for concurrent use.
type Guard struct {
	store CursorStore

	mu      sync.Mutex
	cursors map[int64]cursor
	dropped map[int64]int64
	total   int64
}

// New creates a guard backed by store.
func New(store CursorStore) *Guard {
	return &Guard{
		store:   store,
		cursors: make(map[int64]cursor),
		dropped: make(map[int64]int64),
	}
}

// Accept reports whether seq may be committed for probeID. A nil seq is
// always accepted. Accept does not advance state; call Commit after the
// reading is stored.
func (g *Guard) Accept(ctx context.Context, probeID int64, seq *int64) (bool, error) {
	if seq == nil {
		return true, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	c, err := g.load(ctx, probeID)
	if err != nil {
		return false, err
	}

	if c.valid && *seq <= c.last {
		g.dropped[probeID]++
		g.total++
		return false, nil
	}
	return true, nil
}

// Commit records seq as committed for probeID. Lower values are ignored.
func (g *Guard) Commit(probeID int64, seq *int64) {
	if seq == nil {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	c := g.cursors[probeID]
	if !c.valid || *seq > c.last {
		g.cursors[probeID] = cursor{last: *seq, valid: true}
	}
}

// Last returns the last committed sequence known to the guard.
func (g *Guard) Last(probeID int64) (int64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	c := g.cursors[probeID]
	return c.last, c.valid
}

// Dropped returns the number of records dropped since the guard was created.
func (g *Guard) Dropped() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.total
}

// DroppedFor returns the drops for one probe.
func (g *Guard) DroppedFor(probeID int64) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dropped[probeID]
}

// Forget discards the cached cursor so the next Accept reloads it.
func (g *Guard) Forget(probeID int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.cursors, probeID)
}

// load must be called with g.mu held.
func (g *Guard) load(ctx context.Context, probeID int64) (cursor, error) {
	if c, ok := g.cursors[probeID]; ok {
		return c, nil
	}
	if g.store == nil {
		return cursor{}, nil
	}

	last, ok, err := g.store.LastSequence(ctx, probeID)
	if err != nil {
		return cursor{}, fmt.Errorf("load cursor for probe %d: %w", probeID, err)
	}

	c := cursor{last: last, valid: ok}
	g.cursors[probeID] = c
	return c, nil
}
