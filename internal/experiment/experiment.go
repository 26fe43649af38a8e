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
Package experiment is the leader-side grid-walk controller: it steps
through every (snr_tier, p_node, n_target) cell, waits for the channel
to stabilize at each new SNR tier, runs a block of rounds per cell
through internal/round, records each round in an internal/outcome
Manager, and aggregates the results per cell. Writing the final
artifact is left to the caller.
*/
package experiment

import (
	"context"
	"sync"
	"time"

	"consensusrig/internal/consensus"
	"consensusrig/internal/logging"
	"consensusrig/internal/outcome"
	"consensusrig/internal/peers"
	"consensusrig/internal/protocol"
	"consensusrig/internal/round"
)

const (
	stabilizeSampleInterval = 500 * time.Millisecond
	stabilizeConsecutiveOK  = 3
	stabilizeHardCap        = 60 * time.Second
	stabilizeToleranceDb    = 3.0
)

// Config parameterizes one sweep.
type Config struct {
	SNRLevels     []float64
	PNodeLevels   []float64
	NLevels       []int
	RoundsPerCell int
	VoteDeadline  time.Duration
	StabilizeTime time.Duration
	Seed          int64
	// MinPeers is the number of peers that must be within tolerance of
	// the target SNR before a tier is considered stable. Zero means
	// "every currently known peer".
	MinPeers int

	// OnStabilizeStart and OnStabilizeEnd, when set, bracket each call to
	// waitForStabilization so a caller can surface a progress indicator
	// while the sweep is blocked waiting for the channel to settle at a
	// new SNR tier. Both are optional.
	OnStabilizeStart func(targetDb float64)
	OnStabilizeEnd   func()
}

// Controller drives the sweep described by Config against one leader
// consensus.Engine.
type Controller struct {
	cfg     Config
	engine  *consensus.Engine
	peers   *peers.Table
	driver  *round.Driver
	outcome *outcome.Manager
	log     *logging.Logger

	nextRoundID uint64
	skipCell    chan struct{}

	progressMu sync.Mutex
	progress   Progress
}

// Progress is a point-in-time snapshot of where the sweep is, for
// internal/shell's "status" command.
type Progress struct {
	SNRTier       float64
	PNode         float64
	NTarget       int
	CellsDone     int
	RoundsInCell  int
	RoundsPlanned int
}

// Status returns the sweep's current progress.
func (c *Controller) Status() Progress {
	c.progressMu.Lock()
	defer c.progressMu.Unlock()
	return c.progress
}

func (c *Controller) setProgress(p Progress) {
	c.progressMu.Lock()
	c.progress = p
	c.progressMu.Unlock()
}

// NewController wires a grid-walk controller to a running leader engine.
func NewController(cfg Config, engine *consensus.Engine, peerTable *peers.Table, om *outcome.Manager) *Controller {
	return &Controller{
		cfg:      cfg,
		engine:   engine,
		peers:    peerTable,
		driver:   &round.Driver{Engine: engine, VoteDeadline: cfg.VoteDeadline, Seed: cfg.Seed},
		outcome:  om,
		log:      logging.NewLogger("experiment"),
		skipCell: make(chan struct{}, 1),
	}
}

// SkipCurrentCell requests that the in-progress cell stop after its
// current round instead of running out RoundsPerCell, moving straight
// on to the next cell in the grid. Exposed for internal/shell's
// "skip-cell" console command. A request made while no cell is running
// is held and cuts the next cell short; repeated requests before it is
// consumed count once.
func (c *Controller) SkipCurrentCell() {
	select {
	case c.skipCell <- struct{}{}:
	default:
	}
}

// PeerSnapshot exposes the leader's peer table for status reporting
// (internal/shell's "peers" command).
func (c *Controller) PeerSnapshot() []peers.State {
	return c.peers.Snapshot()
}

// CellProgress is reported after each cell completes, for operator-facing
// progress lines (cmd/wc-node formats these per spec §7).
type CellProgress struct {
	outcome.CellKey
	outcome.CellResult
}

// Run walks the full grid and returns the per-cell results in the order
// they were run, ready for aggregation into the final artifact by the
// caller (which also knows the output directory and run config to embed).
func (c *Controller) Run(ctx context.Context, onCell func(CellProgress)) ([]outcome.CellResult, error) {
	var cells []outcome.CellResult

	for _, snrTier := range c.cfg.SNRLevels {
		if err := ctxErr(ctx); err != nil {
			return cells, err
		}
		c.broadcastTargetSNR(snrTier)
		c.waitForStabilization(ctx, snrTier)

		for _, pNode := range c.cfg.PNodeLevels {
			if err := ctxErr(ctx); err != nil {
				return cells, err
			}
			c.broadcastPNode(pNode)

			for _, n := range c.cfg.NLevels {
				if err := ctxErr(ctx); err != nil {
					return cells, err
				}
				key := outcome.CellKey{SNRTierDb: snrTier, PNode: pNode, NTarget: n}
				c.setProgress(Progress{SNRTier: snrTier, PNode: pNode, NTarget: n, CellsDone: len(cells), RoundsPlanned: c.cfg.RoundsPerCell})
				rounds, err := c.runCell(ctx, n)
				if err != nil {
					return cells, err
				}
				result := outcome.Aggregate(key, rounds)
				cells = append(cells, result)
				c.setProgress(Progress{SNRTier: snrTier, PNode: pNode, NTarget: n, CellsDone: len(cells), RoundsPlanned: c.cfg.RoundsPerCell})
				if onCell != nil {
					onCell(CellProgress{CellKey: key, CellResult: result})
				}
			}
		}
	}

	c.broadcastExpEnd()
	return cells, nil
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func (c *Controller) runCell(ctx context.Context, nTarget int) ([]round.Outcome, error) {
	results := make([]round.Outcome, 0, c.cfg.RoundsPerCell)
	for i := 0; i < c.cfg.RoundsPerCell; i++ {
		if err := ctxErr(ctx); err != nil {
			return results, err
		}
		select {
		case <-c.skipCell:
			c.log.Info("cell skipped by operator", "rounds_run", len(results), "rounds_planned", c.cfg.RoundsPerCell)
			return results, nil
		default:
		}
		c.nextRoundID++
		o, err := c.driver.Run(ctx, c.nextRoundID, nTarget, c.snrSnapshot)
		if err != nil {
			c.log.Warn("round failed", "round_id", c.nextRoundID, "err", err)
			continue
		}
		results = append(results, o)
		if c.outcome != nil {
			c.outcome.Record(o)
		}
		c.progressMu.Lock()
		c.progress.RoundsInCell = len(results)
		c.progressMu.Unlock()
	}
	return results, nil
}

func (c *Controller) snrSnapshot() map[int]float64 {
	snapshot := c.peers.Snapshot()
	out := make(map[int]float64, len(snapshot))
	for _, p := range snapshot {
		out[p.ID] = p.EWMASNR
	}
	return out
}

func (c *Controller) broadcastTargetSNR(target float64) {
	snr := target
	frame := protocol.Frame{Metadata: protocol.Metadata{
		Src: c.engine.NodeID(), Broadcast: true, Term: c.engine.Term(),
		Kind: protocol.KindExpBegin, SNRDb: &snr,
	}}
	c.sendOrWarn(frame, "exp_begin (target_snr) broadcast failed")
}

func (c *Controller) broadcastPNode(pNode float64) {
	frame := protocol.Frame{Metadata: protocol.Metadata{
		Src: c.engine.NodeID(), Broadcast: true, Term: c.engine.Term(),
		Kind: protocol.KindExpBegin,
	}, Payload: pNodePayload(pNode)}
	c.sendOrWarn(frame, "exp_begin (p_node) broadcast failed")
}

func (c *Controller) broadcastExpEnd() {
	frame := protocol.Frame{Metadata: protocol.Metadata{
		Src: c.engine.NodeID(), Broadcast: true, Term: c.engine.Term(), Kind: protocol.KindExpEnd,
	}}
	c.sendOrWarn(frame, "exp_end broadcast failed")
}

func (c *Controller) sendOrWarn(frame protocol.Frame, msg string) {
	if err := c.engine.Broadcast(frame); err != nil {
		c.log.Warn(msg, "err", err)
	}
}

// waitForStabilization blocks until the channel settles at the new
// target, per spec §4.6: stabilize_time AND 3 consecutive 500 ms
// samples within ±3 dB on at least MinPeers peers, or a 60 s hard cap,
// whichever comes first.
func (c *Controller) waitForStabilization(ctx context.Context, target float64) {
	if c.cfg.OnStabilizeStart != nil {
		c.cfg.OnStabilizeStart(target)
	}
	if c.cfg.OnStabilizeEnd != nil {
		defer c.cfg.OnStabilizeEnd()
	}

	deadline := time.Now().Add(stabilizeHardCap)
	minHold := time.Now().Add(c.cfg.StabilizeTime)

	consecutive := 0
	ticker := time.NewTicker(stabilizeSampleInterval)
	defer ticker.Stop()

	for {
		if time.Now().After(deadline) {
			c.log.Warn("snr stabilization hit the 60s hard cap", "target_db", target)
			return
		}
		if consecutive >= stabilizeConsecutiveOK && time.Now().After(minHold) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.withinTolerance(target) {
				consecutive++
			} else {
				consecutive = 0
			}
		}
	}
}

func (c *Controller) withinTolerance(target float64) bool {
	snapshot := c.peers.Snapshot()
	minPeers := c.cfg.MinPeers
	if minPeers <= 0 {
		minPeers = len(snapshot)
	}
	if len(snapshot) == 0 {
		return false
	}

	ok := 0
	for _, p := range snapshot {
		diff := p.EWMASNR - target
		if diff < 0 {
			diff = -diff
		}
		if diff <= stabilizeToleranceDb {
			ok++
		}
	}
	return ok >= minPeers
}
