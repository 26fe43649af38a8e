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
Package outcome is the append-only log of RoundOutcome records: it
chains each record to the previous with a BLAKE2b digest so a
truncated or edited result file is detectable, aggregates per-cell
statistics, and writes the final JSON artifact.
*/
package outcome

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"consensusrig/internal/logging"
	"consensusrig/internal/round"

	"golang.org/x/crypto/blake2b"
)

// RoundOutcome is the artifact's per-round record: spec §4.3's fields
// plus a prev_hash/hash pair for tamper evidence.
type RoundOutcome struct {
	RoundID       uint64  `json:"round_id"`
	NEff          int     `json:"n_eff"`
	WeightedYes   float64 `json:"weighted_yes"`
	WeightedTotal float64 `json:"weighted_total"`
	Committed     bool    `json:"committed"`
	Correct       bool    `json:"correct"`
	LatencyMs     float32 `json:"latency_ms"`
	PrevHash      string  `json:"prev_hash"`
	Hash          string  `json:"hash"`
}

func fromRound(o round.Outcome, prevHash string) RoundOutcome {
	r := RoundOutcome{
		RoundID:       o.RoundID,
		NEff:          o.NEff,
		WeightedYes:   o.WeightedYes,
		WeightedTotal: o.WeightedTotal,
		Committed:     o.Committed,
		Correct:       o.Correct,
		LatencyMs:     o.LatencyMs,
		PrevHash:      prevHash,
	}
	r.Hash = chainHash(prevHash, r)
	return r
}

func chainHash(prevHash string, r RoundOutcome) string {
	payload := fmt.Sprintf("%s|%d|%d|%f|%f|%t|%t|%f",
		prevHash, r.RoundID, r.NEff, r.WeightedYes, r.WeightedTotal, r.Committed, r.Correct, r.LatencyMs)
	sum := blake2b.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// CellKey identifies one point in the experiment grid.
type CellKey struct {
	SNRTierDb float64
	PNode     float64
	NTarget   int
}

// CellResult is the aggregated statistics for one grid cell.
type CellResult struct {
	SNRTierDb float64 `json:"snr"`
	PNode     float64 `json:"p_node"`
	NTarget   int     `json:"n"`
	Rounds    int     `json:"rounds"`
	Committed int     `json:"committed"`
	Correct   int     `json:"correct"`
	PSys      float64 `json:"p_sys"`
	MeanNEff  float64 `json:"mean_n_eff"`
}

// Aggregate computes a CellResult from the rounds run within one cell.
// Calling Aggregate twice over the same slice always yields the same
// result (spec §8's filtering idempotence law): aggregation is a pure
// function of its input, nothing here mutates or reorders rounds. It
// takes the driver's raw round.Outcome values directly, so the
// experiment controller can aggregate a cell before its outcomes have
// been drained and hash-chained by the Manager.
func Aggregate(key CellKey, rounds []round.Outcome) CellResult {
	r := CellResult{SNRTierDb: key.SNRTierDb, PNode: key.PNode, NTarget: key.NTarget, Rounds: len(rounds)}
	if len(rounds) == 0 {
		return r
	}
	var nEffSum int
	for _, ro := range rounds {
		if ro.Committed {
			r.Committed++
		}
		if ro.Correct {
			r.Correct++
		}
		nEffSum += ro.NEff
	}
	r.PSys = float64(r.Correct) / float64(r.Rounds)
	r.MeanNEff = float64(nEffSum) / float64(r.Rounds)
	return r
}

// Manager is the append-only outcome log for one experiment run.
type Manager struct {
	log *logging.Logger

	mu       sync.Mutex
	rounds   []RoundOutcome
	lastHash string

	buffer chan round.Outcome
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager starts a background worker that drains recorded outcomes
// into the append-only chain through a buffered channel, so Record
// never blocks the round driver.
func NewManager() *Manager {
	m := &Manager{
		log:    logging.NewLogger("outcome"),
		buffer: make(chan round.Outcome, 256),
		stopCh: make(chan struct{}),
	}
	m.wg.Add(1)
	go m.worker()
	return m
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		select {
		case o := <-m.buffer:
			m.append(o)
		case <-m.stopCh:
			for {
				select {
				case o := <-m.buffer:
					m.append(o)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) append(o round.Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := fromRound(o, m.lastHash)
	m.rounds = append(m.rounds, rec)
	m.lastHash = rec.Hash
}

// Record enqueues a round outcome for chaining. Non-blocking; if the
// buffer is full the outcome is dropped and logged, the same
// fail-open posture as every other non-fatal path in this design.
func (m *Manager) Record(o round.Outcome) {
	select {
	case m.buffer <- o:
	default:
		m.log.Warn("outcome buffer full, dropping round outcome", "round_id", o.RoundID)
	}
}

// Rounds returns a snapshot of every chained outcome recorded so far.
func (m *Manager) Rounds() []RoundOutcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RoundOutcome, len(m.rounds))
	copy(out, m.rounds)
	return out
}

// Stop drains any buffered outcomes and stops the worker.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// Artifact is the final JSON result file's schema.
type Artifact struct {
	Config map[string]any `json:"config"`
	Cells  []CellResult   `json:"cells"`
	Rounds []RoundOutcome `json:"rounds"`
}

// ArtifactFilename builds the timestamped result filename per spec §6.
func ArtifactFilename(now time.Time) string {
	return fmt.Sprintf("reliability_experiment_results_%s.json", now.Format("20060102_150405"))
}

// WriteArtifact renders the artifact and writes it to dir, returning
// the full path written.
func WriteArtifact(dir string, cfg map[string]any, cells []CellResult, rounds []RoundOutcome, now time.Time) (string, error) {
	artifact := Artifact{Config: cfg, Cells: cells, Rounds: rounds}
	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal result artifact: %w", err)
	}

	path := filepath.Join(dir, ArtifactFilename(now))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write result artifact: %w", err)
	}
	return path, nil
}
