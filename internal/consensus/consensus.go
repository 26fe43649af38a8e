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
Package consensus implements the term/vote/log state machine that sits
under every round: a three-state machine (Follower, Candidate, Leader),
term-numbered elections and heartbeats, log append with majority
confirmation, and the weighted-majority commit rule this testbed
substitutes for plain Raft's acks > n/2.

The leader role is pinned to a configured node id; only that node ever
holds the Leader role. A follower whose election timer fires becomes a
Candidate, increments its term and broadcasts REQUEST_VOTE, and peers
answer with VOTE replies, but those replies are not tallied: a Candidate
never becomes Leader, so a crashed leader is not replaced.
*/
package consensus

import (
	"math/rand"
	"sync"
	"time"

	"consensusrig/internal/compression"
	"consensusrig/internal/link"
	"consensusrig/internal/logging"
	"consensusrig/internal/peers"
	"consensusrig/internal/protocol"
	"consensusrig/internal/wcerrors"
)

// Role is one of the three Raft-style states.
type Role int32

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "FOLLOWER"
	case RoleCandidate:
		return "CANDIDATE"
	case RoleLeader:
		return "LEADER"
	default:
		return "UNKNOWN"
	}
}

// Timing constants, per spec §4.4/§5.
const (
	HeartbeatInterval  = 150 * time.Millisecond
	TickerInterval     = 250 * time.Millisecond
	ElectionTimeoutMin = 1500 * time.Millisecond
	ElectionTimeoutMax = 3000 * time.Millisecond
	AppendRetryLimit   = 3
	AppendRetryDelay   = 150 * time.Millisecond
)

// LogEntry is one proposed round. GroundTruth is populated only at the
// proposing leader and is never serialized onto the wire: nothing in
// this package, and no protocol.Metadata field, carries it across a
// Send call.
type LogEntry struct {
	Index       uint64
	Term        uint64
	Payload     []byte
	GroundTruth bool
}

// VoteRecord is one follower's response to a round, or the leader's own
// implicit self-vote.
type VoteRecord struct {
	RoundID       uint64
	Voter         int
	Granted       bool
	ObservedSNRDb float64
	ReceivedAt    time.Time
}

// VotePolicy decides how a follower responds to an incoming log entry.
// An APPEND is accepted when its term is at least the follower's own;
// no previous-entry check is made, and the entry is not added to the
// follower's log. The default policy grants a vote for every accepted
// APPEND; the reliability experiment substitutes a Bernoulli policy
// (internal/follower) that grants independently of content.
type VotePolicy interface {
	Decide(entry LogEntry) bool
}

// acceptAlwaysPolicy is the plain-Raft default: granted tracks acceptance.
type acceptAlwaysPolicy struct{}

func (acceptAlwaysPolicy) Decide(LogEntry) bool { return true }

// Config configures a new Engine.
type Config struct {
	NodeID     int
	LeaderID   int
	TotalNodes int
	Link       *link.Link
	Peers      *peers.Table
	// Compression configures the payload compression ladder for APPEND
	// frames, per spec §4.1. The zero value (AlgorithmNone) leaves every
	// payload uncompressed, which is what every engine built before this
	// field existed keeps doing.
	Compression compression.Config
}

// Engine is the term/vote/log state machine for one node.
type Engine struct {
	nodeID     int
	leaderID   int
	totalNodes int

	lnk   *link.Link
	peers *peers.Table
	log   *logging.Logger

	compressor *compression.Compressor

	mu          sync.Mutex
	term        uint64
	votedForTerm map[uint64]int
	entries     []LogEntry
	lastHeard   time.Time

	role Role // guarded by mu

	electionTimeout time.Duration
	rnd             *rand.Rand

	votePolicy VotePolicy

	votesMu sync.Mutex
	votes   map[uint64][]VoteRecord // round id -> votes received so far

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEngine constructs an Engine. The leader's node starts in RoleLeader
// immediately (pinned leadership, spec §4.4); every other node starts as
// RoleFollower with an election timer armed.
func NewEngine(cfg Config) *Engine {
	role := RoleFollower
	if cfg.NodeID == cfg.LeaderID {
		role = RoleLeader
	}

	e := &Engine{
		nodeID:       cfg.NodeID,
		leaderID:     cfg.LeaderID,
		totalNodes:   cfg.TotalNodes,
		lnk:          cfg.Link,
		peers:        cfg.Peers,
		compressor:   compression.NewCompressor(cfg.Compression),
		log:          logging.NewLogger("consensus").With("node_id", cfg.NodeID),
		votedForTerm: make(map[uint64]int),
		role:         role,
		rnd:          rand.New(rand.NewSource(int64(cfg.NodeID))),
		votePolicy:   acceptAlwaysPolicy{},
		votes:        make(map[uint64][]VoteRecord),
		stopCh:       make(chan struct{}),
		lastHeard:    time.Now(),
	}
	e.electionTimeout = electionTimeout(e.rnd)
	return e
}

func electionTimeout(rnd *rand.Rand) time.Duration {
	span := ElectionTimeoutMax - ElectionTimeoutMin
	return ElectionTimeoutMin + time.Duration(rnd.Float64()*float64(span))
}

// SetVotePolicy overrides the default accept-always policy. Used by
// internal/follower to install the Bernoulli vote policy.
func (e *Engine) SetVotePolicy(p VotePolicy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.votePolicy = p
}

// Role returns the engine's current role.
func (e *Engine) Role() Role {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role
}

// Term returns the engine's current term.
func (e *Engine) Term() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.term
}

// Start launches the background ticker that drives heartbeats and
// per-peer SNR reports (leader) and election timeouts
// (follower/candidate); retries and vote collection are owned by
// internal/round.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.tickLoop()
}

// Stop signals the ticker to exit.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

func (e *Engine) tickLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(TickerInterval)
	defer ticker.Stop()

	lastHeartbeat := time.Time{}

	for {
		select {
		case <-e.stopCh:
			return
		case now := <-ticker.C:
			e.mu.Lock()
			role := e.role
			e.mu.Unlock()

			switch role {
			case RoleLeader:
				if now.Sub(lastHeartbeat) >= HeartbeatInterval {
					e.sendHeartbeat()
					e.reportPeerSNR()
					lastHeartbeat = now
				}
			case RoleFollower, RoleCandidate:
				e.mu.Lock()
				elapsed := now.Sub(e.lastHeard)
				timedOut := elapsed >= e.electionTimeout
				e.mu.Unlock()
				if timedOut {
					e.startElection()
				}
			}
		}
	}
}

func (e *Engine) sendHeartbeat() {
	term := e.Term()
	frame := protocol.Frame{Metadata: protocol.Metadata{
		Src: e.nodeID, Broadcast: true, Term: term, Kind: protocol.KindHeartbeat,
	}}
	if err := e.lnk.Send(frame); err != nil {
		e.log.Warn("heartbeat send failed", "err", err)
	}
}

// reportPeerSNR sends each known peer an SNR_REPORT carrying the
// leader's EWMA estimate of that specific peer's signal, per spec §4.7.
func (e *Engine) reportPeerSNR() {
	term := e.Term()
	for _, p := range e.peers.Snapshot() {
		snr := p.EWMASNR
		frame := protocol.Frame{Metadata: protocol.Metadata{
			Src: e.nodeID, Dst: p.ID, Term: term, Kind: protocol.KindSNRReport, SNRDb: &snr,
		}}
		if err := e.lnk.Send(frame); err != nil {
			e.log.Debug("snr report send failed", "peer", p.ID, "err", err)
		}
	}
}

func (e *Engine) startElection() {
	e.mu.Lock()
	e.term++
	term := e.term
	e.role = RoleCandidate
	e.votedForTerm[term] = e.nodeID
	e.lastHeard = time.Now()
	e.electionTimeout = electionTimeout(e.rnd)
	e.mu.Unlock()

	e.log.Info("starting election", "term", term)
	frame := protocol.Frame{Metadata: protocol.Metadata{
		Src: e.nodeID, Broadcast: true, Term: term, Kind: protocol.KindRequestVote,
	}}
	if err := e.lnk.Send(frame); err != nil {
		e.log.Warn("request_vote send failed", "err", err)
	}
}

// HandleFrame dispatches a decoded inbound frame by kind. Any frame
// carrying a higher term causes an unconditional term adoption and a
// reversion to Follower, per spec §4.4's "term mismatches are
// non-fatal" rule.
func (e *Engine) HandleFrame(rec link.Received) {
	meta := rec.Frame.Metadata
	if rec.Frame.Metadata.Dst != 0 && rec.Frame.Metadata.Dst != e.nodeID && !meta.Broadcast {
		return
	}

	e.adoptHigherTerm(meta.Term)

	switch meta.Kind {
	case protocol.KindHeartbeat:
		e.onHeartbeat(meta)
	case protocol.KindRequestVote:
		e.onRequestVote(meta)
	case protocol.KindVote:
		e.onVote(meta, rec.Frame.Payload)
	case protocol.KindAppend:
		e.onAppend(meta, rec.Frame.Payload)
	case protocol.KindAppendAck:
		e.onAppendAck(meta, rec.Frame.Payload)
	}
}

func (e *Engine) adoptHigherTerm(term uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if term > e.term {
		e.term = term
		if e.role == RoleLeader || e.role == RoleCandidate {
			e.role = RoleFollower
		}
	}
	if term >= e.term {
		e.lastHeard = time.Now()
	}
}

func (e *Engine) onHeartbeat(meta protocol.Metadata) {
	if meta.Src == e.leaderID {
		e.mu.Lock()
		e.lastHeard = time.Now()
		if e.role != RoleLeader {
			e.role = RoleFollower
		}
		e.mu.Unlock()
	}
}

func (e *Engine) onRequestVote(meta protocol.Metadata) {
	e.mu.Lock()
	defer e.mu.Unlock()

	granted := false
	if meta.Term >= e.term {
		if _, voted := e.votedForTerm[meta.Term]; !voted {
			e.votedForTerm[meta.Term] = meta.Src
			granted = true
			e.lastHeard = time.Now()
		}
	}

	frame := protocol.Frame{Metadata: protocol.Metadata{
		Src: e.nodeID, Dst: meta.Src, Term: e.term, Kind: protocol.KindVote,
	}}
	payload := voteGrantedPayload(granted)
	frame.Payload = payload
	if err := e.lnk.Send(frame); err != nil {
		e.log.Debug("vote reply send failed", "err", err)
	}
}

func (e *Engine) onVote(meta protocol.Metadata, payload []byte) {
	granted := decodeGrantedPayload(payload)
	_ = granted // election votes aren't scored for rounds; only round votes are
}

// onAppend is the follower-side acceptance path. term ≥ own_term is
// required; the vote granted by votePolicy is independent of that
// acceptance check once the Bernoulli policy is installed.
func (e *Engine) onAppend(meta protocol.Metadata, payload []byte) {
	e.mu.Lock()
	accept := meta.Term >= e.term
	if e.role == RoleLeader && meta.Src != e.nodeID {
		e.role = RoleFollower
	}
	policy := e.votePolicy
	e.lastHeard = time.Now()
	e.mu.Unlock()

	if !accept || meta.RoundID == nil {
		return
	}

	alg, err := compression.ParseAlgorithm(meta.Compression)
	if err != nil {
		e.log.Warn("append dropped: unrecognized compression tag", "round_id", *meta.RoundID, "tag", meta.Compression)
		return
	}
	decoded, err := compression.Decompress(payload, alg)
	if err != nil {
		e.log.Warn("append dropped: payload decompression failed", "round_id", *meta.RoundID, "alg", alg, "err", err)
		return
	}

	entry := LogEntry{Index: *meta.RoundID, Term: meta.Term, Payload: decoded}
	granted := policy.Decide(entry)

	var observedSNR float64
	if meta.SNRDb != nil {
		observedSNR = *meta.SNRDb
	}

	ackFrame := protocol.Frame{Metadata: protocol.Metadata{
		Src: e.nodeID, Dst: meta.Src, Term: meta.Term, Kind: protocol.KindAppendAck, RoundID: meta.RoundID,
	}}
	ackFrame.Payload = ackPayload(granted, observedSNR)
	if err := e.lnk.Send(ackFrame); err != nil {
		e.log.Debug("append_ack send failed", "err", err)
	}
}

func (e *Engine) onAppendAck(meta protocol.Metadata, payload []byte) {
	if meta.RoundID == nil {
		return
	}
	granted, snr := decodeAckPayload(payload)

	e.votesMu.Lock()
	e.votes[*meta.RoundID] = append(e.votes[*meta.RoundID], VoteRecord{
		RoundID:       *meta.RoundID,
		Voter:         meta.Src,
		Granted:       granted,
		ObservedSNRDb: snr,
		ReceivedAt:    time.Now(),
	})
	e.votesMu.Unlock()
}

// Propose appends a new LogEntry and broadcasts it. Leader-only; callers
// (internal/round) are expected to serialize calls one round at a time.
func (e *Engine) Propose(roundID uint64, payload []byte, groundTruth bool) error {
	e.mu.Lock()
	if e.role != RoleLeader {
		e.mu.Unlock()
		return wcerrors.Protocol("propose called on a non-leader engine")
	}
	term := e.term
	e.entries = append(e.entries, LogEntry{Index: roundID, Term: term, Payload: payload, GroundTruth: groundTruth})
	e.mu.Unlock()

	e.votesMu.Lock()
	e.votes[roundID] = nil
	e.votesMu.Unlock()

	rid := roundID
	wire, alg, err := e.compressor.Compress(payload)
	if err != nil {
		e.log.Warn("payload compression failed, sending uncompressed", "round_id", roundID, "err", err)
		wire, alg = payload, compression.AlgorithmNone
	}
	frame := protocol.Frame{Metadata: protocol.Metadata{
		Src: e.nodeID, Broadcast: true, Term: term, Kind: protocol.KindAppend, RoundID: &rid,
		Compression: compressionTag(alg),
	}}
	frame.Payload = wire
	return e.lnk.Send(frame)
}

// RebroadcastAppend resends the same APPEND frame for an in-flight
// round, used by the round orchestrator's retry loop, which resends on a
// fixed schedule during the vote window whether or not a send was lost.
// payload is the original, uncompressed entry: a retried round is
// compressed fresh rather than caching the last Propose call's wire
// bytes.
func (e *Engine) RebroadcastAppend(roundID uint64, payload []byte) error {
	term := e.Term()
	rid := roundID
	wire, alg, err := e.compressor.Compress(payload)
	if err != nil {
		e.log.Warn("payload compression failed, sending uncompressed", "round_id", roundID, "err", err)
		wire, alg = payload, compression.AlgorithmNone
	}
	frame := protocol.Frame{Metadata: protocol.Metadata{
		Src: e.nodeID, Broadcast: true, Term: term, Kind: protocol.KindAppend, RoundID: &rid,
		Compression: compressionTag(alg),
	}}
	frame.Payload = wire
	return e.lnk.Send(frame)
}

// compressionTag maps AlgorithmNone to the empty string so an
// uncompressed APPEND omits the metadata field entirely.
func compressionTag(alg compression.Algorithm) string {
	if alg == compression.AlgorithmNone {
		return ""
	}
	return alg.String()
}

// VotesForRound returns a snapshot of every AppendEntries ack received
// so far for roundID.
func (e *Engine) VotesForRound(roundID uint64) []VoteRecord {
	e.votesMu.Lock()
	defer e.votesMu.Unlock()
	src := e.votes[roundID]
	out := make([]VoteRecord, len(src))
	copy(out, src)
	return out
}

// NodeID returns this engine's own id.
func (e *Engine) NodeID() int { return e.nodeID }

// Broadcast sends an arbitrary frame as-is, for experiment-control kinds
// (EXP_BEGIN, EXP_END) that ride the same link but aren't part of the
// term/vote/log state machine itself.
func (e *Engine) Broadcast(frame protocol.Frame) error {
	return e.lnk.Send(frame)
}
