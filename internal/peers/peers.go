/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Package peers tracks per-node last-seen time, EWMA-smoothed SNR, and a
three-tier liveness flag, updated from every decoded inbound frame.

Liveness transitions only on the background tick, never directly on
receipt of a frame: a burst of frames does not itself mark a peer
Alive early, and a gap does not mark it Stale/Dead until the next tick
observes it (spec §3, invariant 5).
*/
package peers

import (
	"sync"
	"time"
)

// Liveness is a peer's current reachability tier.
type Liveness int

const (
	Alive Liveness = iota
	Stale
	Dead
)

func (l Liveness) String() string {
	switch l {
	case Alive:
		return "ALIVE"
	case Stale:
		return "STALE"
	case Dead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// Thresholds for liveness transitions, per spec §3.
const (
	StaleAfter = 2 * time.Second
	DeadAfter  = 5 * time.Second

	// TickInterval is how often the background liveness sweep runs.
	TickInterval = 500 * time.Millisecond

	// ewmaAlpha weights the newest sample against the running average.
	ewmaAlpha = 0.3
)

// State is a point-in-time snapshot of one peer.
type State struct {
	ID       int
	LastSeen time.Time
	EWMASNR  float64
	Liveness Liveness
}

// Table is the shared peer table. The zero value is not usable; use
// NewTable.
type Table struct {
	mu    sync.RWMutex
	peers map[int]*State

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewTable returns an empty Table and starts its background liveness
// ticker.
func NewTable() *Table {
	t := &Table{
		peers:  make(map[int]*State),
		stopCh: make(chan struct{}),
	}
	t.wg.Add(1)
	go t.tick()
	return t
}

// Observe records a received frame from peer id with the given SNR
// sample, updating last-seen unconditionally and the EWMA SNR.
func (t *Table) Observe(id int, snrDb float64, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[id]
	if !ok {
		p = &State{ID: id, EWMASNR: snrDb, Liveness: Alive}
		t.peers[id] = p
	} else {
		p.EWMASNR = ewmaAlpha*snrDb + (1-ewmaAlpha)*p.EWMASNR
	}
	p.LastSeen = now
}

// Touch records a received frame with no SNR estimate attached (control
// frames that don't carry snr_db), updating only last-seen.
func (t *Table) Touch(id int, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[id]
	if !ok {
		p = &State{ID: id, Liveness: Alive}
		t.peers[id] = p
	}
	p.LastSeen = now
}

func (t *Table) tick() {
	defer t.wg.Done()
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case now := <-ticker.C:
			t.sweep(now)
		}
	}
}

func (t *Table) sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.peers {
		since := now.Sub(p.LastSeen)
		switch {
		case since >= DeadAfter:
			p.Liveness = Dead
		case since >= StaleAfter:
			p.Liveness = Stale
		default:
			p.Liveness = Alive
		}
	}
}

// Snapshot returns a copy of every known peer's state, used by the
// consensus engine's weighted-commit rule and by the controller.
func (t *Table) Snapshot() []State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]State, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, *p)
	}
	return out
}

// Get returns a single peer's state.
func (t *Table) Get(id int) (State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[id]
	if !ok {
		return State{}, false
	}
	return *p, true
}

// Close stops the background ticker.
func (t *Table) Close() {
	close(t.stopCh)
	t.wg.Wait()
}
