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
Package round drives a single round's lifecycle at the leader: flip a
reproducible ground-truth coin, propose the entry, retry the broadcast
on a fixed schedule while concurrently waiting out the vote deadline,
then apply the weighted-commit rule and emit a RoundOutcome.

Rounds within a cell run strictly sequentially — the experiment
controller never calls Run for round k+1 until round k has returned —
so SNR adjustment and log replay stay tractable, per spec §4.5/§5.
*/
package round

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"consensusrig/internal/consensus"
	"golang.org/x/sync/errgroup"
)

// Outcome is the per-round result recorded by internal/outcome.
type Outcome struct {
	RoundID       uint64
	NEff          int
	WeightedYes   float64
	WeightedTotal float64
	Committed     bool
	Correct       bool
	GroundTruth   bool
	LatencyMs     float32
}

// Driver runs rounds against one consensus.Engine.
type Driver struct {
	Engine       *consensus.Engine
	VoteDeadline time.Duration
	Seed         int64
}

// SNRProvider returns the leader's current per-peer EWMA SNR estimate,
// consulted once per round for the weighted-commit calculation.
type SNRProvider func() map[int]float64

// groundTruth flips a fair coin that is reproducible from seed and
// roundID alone, regardless of call order — required so a cell can be
// replayed bit-for-bit from its recorded votes (spec §8's filtering
// idempotence law).
func groundTruth(seed int64, roundID uint64) bool {
	src := rand.NewSource(seed ^ int64(roundID)*2654435761)
	return rand.New(src).Float64() < 0.5
}

// Run executes one round with the given target cluster size and
// returns its outcome.
func (d *Driver) Run(ctx context.Context, roundID uint64, nTarget int, snrs SNRProvider) (Outcome, error) {
	start := time.Now()
	truth := groundTruth(d.Seed, roundID)
	payload := []byte(fmt.Sprintf("round-%d", roundID))

	if err := d.Engine.Propose(roundID, payload, truth); err != nil {
		return Outcome{}, err
	}

	deadlineCtx, cancel := context.WithTimeout(ctx, d.VoteDeadline)
	defer cancel()

	g, gctx := errgroup.WithContext(deadlineCtx)
	g.Go(func() error {
		return d.retryBroadcast(gctx, roundID, payload)
	})
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	_ = g.Wait()

	votes := d.Engine.VotesForRound(roundID)
	result := consensus.WeightedCommit(votes, nTarget, d.Engine.NodeID(), snrs())

	return Outcome{
		RoundID:       roundID,
		NEff:          result.NEff,
		WeightedYes:   result.WeightedYes,
		WeightedTotal: result.WeightedTotal,
		Committed:     result.Committed,
		Correct:       result.Committed == truth,
		GroundTruth:   truth,
		LatencyMs:     float32(time.Since(start).Milliseconds()),
	}, nil
}

// retryBroadcast resends the round's APPEND frame up to
// consensus.AppendRetryLimit times at consensus.AppendRetryDelay
// intervals, stopping early if the round deadline fires first.
func (d *Driver) retryBroadcast(ctx context.Context, roundID uint64, payload []byte) error {
	for i := 0; i < consensus.AppendRetryLimit; i++ {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(consensus.AppendRetryDelay):
		}
		if err := d.Engine.RebroadcastAppend(roundID, payload); err != nil {
			continue
		}
	}
	return nil
}
