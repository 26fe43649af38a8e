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
Package follower implements the two duties of a non-leader node in the
reliability experiment: a Bernoulli acceptance policy plugged into
consensus.Engine, and a proportional transmit-gain controller that
chases the leader's per-follower SNR reports toward a configured
target.
*/
package follower

import (
	"math/rand"
	"sync"
	"time"

	"consensusrig/internal/consensus"
	"consensusrig/internal/logging"
	"consensusrig/internal/phy"
)

// BernoulliPolicy grants a vote independently of the proposed entry's
// content, with probability p_node. The RNG is per-node, seeded from
// node_id and wall-clock at process start; it is explicitly not
// cryptographically meaningful. p_node can change mid-run (the leader
// broadcasts a new value at the start of each p_node level in the
// sweep), so reads and writes of it are mutex-guarded.
type BernoulliPolicy struct {
	rnd *rand.Rand

	mu    sync.Mutex
	pNode float64
}

// NewBernoulliPolicy builds a policy seeded from nodeID and the current
// time, so repeated runs of the same node id do not replay the same
// acceptance sequence.
func NewBernoulliPolicy(nodeID int, pNode float64) *BernoulliPolicy {
	seed := int64(nodeID)*31 + time.Now().UnixNano()
	return &BernoulliPolicy{rnd: rand.New(rand.NewSource(seed)), pNode: pNode}
}

// Decide implements consensus.VotePolicy.
func (b *BernoulliPolicy) Decide(consensus.LogEntry) bool {
	b.mu.Lock()
	p := b.pNode
	b.mu.Unlock()
	return b.rnd.Float64() < p
}

// SetPNode adopts a new acceptance probability, broadcast by the leader
// at the start of each p_node level in the grid-walk sweep.
func (b *BernoulliPolicy) SetPNode(pNode float64) {
	b.mu.Lock()
	b.pNode = pNode
	b.mu.Unlock()
}

// PNode returns the current acceptance probability.
func (b *BernoulliPolicy) PNode() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pNode
}

const (
	gainStep      = 0.02 // k, gain units per dB of error
	gainDeadband  = 1.0  // dB
	gainHoldAfter = 3 * time.Second
	gainTick      = 500 * time.Millisecond
)

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// GainController chases the leader-reported SNR of this follower toward
// targetSNR by nudging local transmit gain through the PHY control
// endpoint, per spec §4.7's proportional-with-clamp rule.
type GainController struct {
	client *phy.Client
	log    *logging.Logger

	targetSNR float64

	currentGain  float64
	lastObserved float64
	lastReportAt time.Time
	haveReport   bool
}

// NewGainController constructs a controller with an initial gain and
// target SNR already known (from the active experiment cell).
func NewGainController(client *phy.Client, targetSNR, initGain float64) *GainController {
	return &GainController{
		client:      client,
		log:         logging.NewLogger("follower.gain"),
		targetSNR:   targetSNR,
		currentGain: clamp(initGain, 0, 1),
	}
}

// SetTarget updates the target SNR for a new experiment cell.
func (g *GainController) SetTarget(targetSNR float64) {
	g.targetSNR = targetSNR
}

// ObserveSNRReport records the leader's most recent SNR observation of
// this follower, delivered via an SNR_REPORT frame.
func (g *GainController) ObserveSNRReport(observedSNRDb float64, now time.Time) {
	g.lastObserved = observedSNRDb
	g.lastReportAt = now
	g.haveReport = true
}

// Tick applies one adjustment step. It holds gain constant if no SNR
// report has arrived in the last 3 s, or if the error is within the
// ±1 dB dead-band.
func (g *GainController) Tick(now time.Time) error {
	if !g.haveReport || now.Sub(g.lastReportAt) > gainHoldAfter {
		return nil
	}

	errDb := g.targetSNR - g.lastObserved
	if errDb > -gainDeadband && errDb < gainDeadband {
		return nil
	}

	newGain := clamp(g.currentGain+gainStep*errDb, 0, 1)
	if err := g.client.SetTxGain(newGain); err != nil {
		g.log.Warn("set_tx_gain failed, holding gain", "err", err)
		return err
	}
	g.currentGain = newGain
	return nil
}

// Run drives Tick on the 500 ms cadence until stopCh is closed.
func (g *GainController) Run(stopCh <-chan struct{}) {
	ticker := time.NewTicker(gainTick)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case now := <-ticker.C:
			_ = g.Tick(now)
		}
	}
}

// CurrentGain returns the controller's last-applied gain value.
func (g *GainController) CurrentGain() float64 {
	return g.currentGain
}
