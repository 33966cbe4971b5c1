package navien

import (
	"time"
)

// freshnessMonitor marks entities stale when the freshness window elapses
// without a status frame. Runs until Stop.
func (b *Bridge) freshnessMonitor() {
	defer b.wg.Done()

	// Sweep often enough that staleness is detected well within a quarter
	// window of the deadline.
	interval := b.freshness / 4
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case now := <-ticker.C:
			b.sweepStale(now)
		}
	}
}

// sweepStale flips Synced entities past the freshness window to Stale and
// publishes their availability. Unknown entities stay unknown; they have
// never been online.
func (b *Bridge) sweepStale(now time.Time) {
	for _, e := range b.registry.Entities() {
		e.mu.Lock()
		expired := e.syncState == SyncSynced && now.Sub(e.lastSeen) > b.freshness
		if expired {
			e.syncState = SyncStale
		}
		e.mu.Unlock()

		if expired {
			b.logInfo("entity stale", "entity", e.Name, "class", e.Class)
			b.publishAvailability(e, "offline")
		}
	}
}

// EntityHealth is a snapshot of one entity's freshness for status reporting.
type EntityHealth struct {
	Name     string    `json:"name"`
	Class    string    `json:"class"`
	State    string    `json:"state"`
	LastSeen time.Time `json:"last_seen,omitempty"`
}

// Health returns a freshness snapshot of every entity.
func (b *Bridge) Health() []EntityHealth {
	entities := b.registry.Entities()
	out := make([]EntityHealth, 0, len(entities))

	for _, e := range entities {
		e.mu.Lock()
		h := EntityHealth{
			Name:  e.Name,
			Class: e.Class,
			State: e.syncState.String(),
		}
		if e.syncState != SyncUnknown {
			h.LastSeen = e.lastSeen
		}
		e.mu.Unlock()
		out = append(out, h)
	}
	return out
}
