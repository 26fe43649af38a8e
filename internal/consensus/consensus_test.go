/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 * Licensed under the Apache License, Version 2.0.
 */

package consensus

import (
	"net"
	"testing"

	"consensusrig/internal/compression"
	"consensusrig/internal/link"
	"consensusrig/internal/peers"
	"consensusrig/internal/protocol"
)

func freePort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("failed to pick a free port: %v", err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

func newTestEngine(t *testing.T, nodeID, leaderID, total int) *Engine {
	t.Helper()
	rx := freePort(t)
	tx := freePort(t)
	lnk, err := link.Dial(tx, rx)
	if err != nil {
		t.Fatalf("link.Dial failed: %v", err)
	}
	t.Cleanup(func() { lnk.Close() })

	tbl := peers.NewTable()
	t.Cleanup(tbl.Close)

	e := NewEngine(Config{NodeID: nodeID, LeaderID: leaderID, TotalNodes: total, Link: lnk, Peers: tbl})
	return e
}

func TestLeaderStartsInRoleLeader(t *testing.T) {
	e := newTestEngine(t, 1, 1, 3)
	if e.Role() != RoleLeader {
		t.Errorf("expected the pinned leader id to start as Leader, got %v", e.Role())
	}
}

func TestFollowerStartsInRoleFollower(t *testing.T) {
	e := newTestEngine(t, 2, 1, 3)
	if e.Role() != RoleFollower {
		t.Errorf("expected a non-leader id to start as Follower, got %v", e.Role())
	}
}

func TestTermMonotonicityUnderHigherTermFrame(t *testing.T) {
	e := newTestEngine(t, 2, 1, 3)
	if e.Term() != 0 {
		t.Fatalf("expected initial term 0, got %d", e.Term())
	}

	e.HandleFrame(link.Received{Frame: protocol.Frame{
		Metadata: protocol.Metadata{Src: 1, Broadcast: true, Term: 5, Kind: protocol.KindHeartbeat},
	}})
	if e.Term() != 5 {
		t.Errorf("expected term to adopt the higher observed term 5, got %d", e.Term())
	}

	e.HandleFrame(link.Received{Frame: protocol.Frame{
		Metadata: protocol.Metadata{Src: 1, Broadcast: true, Term: 2, Kind: protocol.KindHeartbeat},
	}})
	if e.Term() != 5 {
		t.Errorf("term must never regress: expected still 5, got %d", e.Term())
	}
}

func TestAtMostOneVoteGrantedPerTerm(t *testing.T) {
	e := newTestEngine(t, 2, 1, 3)

	round := uint64(1)
	e.HandleFrame(link.Received{Frame: protocol.Frame{
		Metadata: protocol.Metadata{Src: 3, Term: 1, Kind: protocol.KindRequestVote, RoundID: &round},
	}})
	first := e.votedForTerm[1]

	e.HandleFrame(link.Received{Frame: protocol.Frame{
		Metadata: protocol.Metadata{Src: 4, Term: 1, Kind: protocol.KindRequestVote, RoundID: &round},
	}})
	second := e.votedForTerm[1]

	if first != second {
		t.Errorf("voted-for candidate changed within the same term: %d then %d", first, second)
	}
}

func TestHigherTermLeaderStepsDown(t *testing.T) {
	e := newTestEngine(t, 1, 1, 3)
	if e.Role() != RoleLeader {
		t.Fatal("expected to start as leader")
	}
	e.HandleFrame(link.Received{Frame: protocol.Frame{
		Metadata: protocol.Metadata{Src: 2, Broadcast: true, Term: 9, Kind: protocol.KindHeartbeat},
	}})
	if e.Role() != RoleFollower {
		t.Errorf("expected leader to step down on a higher-term frame, got %v", e.Role())
	}
}

func TestProposeCollectsAppendAck(t *testing.T) {
	e := newTestEngine(t, 1, 1, 3)
	round := uint64(7)
	if err := e.Propose(round, []byte("payload"), true); err != nil {
		t.Fatalf("Propose failed: %v", err)
	}

	e.HandleFrame(link.Received{Frame: protocol.Frame{
		Metadata: protocol.Metadata{Src: 2, Term: 0, Kind: protocol.KindAppendAck, RoundID: &round},
		Payload:  ackPayload(true, 18.0),
	}})

	votes := e.VotesForRound(round)
	if len(votes) != 1 {
		t.Fatalf("expected 1 vote recorded, got %d", len(votes))
	}
	if !votes[0].Granted || votes[0].ObservedSNRDb != 18.0 {
		t.Errorf("unexpected vote record: %+v", votes[0])
	}
}

// capturingPolicy records the LogEntry it was asked to decide on, so a
// test can inspect what onAppend actually handed the vote policy.
type capturingPolicy struct {
	last LogEntry
}

func (p *capturingPolicy) Decide(e LogEntry) bool {
	p.last = e
	return true
}

func TestProposeCompressesLargePayloadAndOnAppendDecompressesIt(t *testing.T) {
	rx := freePort(t)
	tx := freePort(t)
	lnk, err := link.Dial(tx, rx)
	if err != nil {
		t.Fatalf("link.Dial failed: %v", err)
	}
	t.Cleanup(func() { lnk.Close() })
	tbl := peers.NewTable()
	t.Cleanup(tbl.Close)

	compCfg := compression.Config{Algorithm: compression.AlgorithmSnappy, MinSize: 8}
	e := NewEngine(Config{NodeID: 1, LeaderID: 1, TotalNodes: 3, Link: lnk, Peers: tbl, Compression: compCfg})

	big := make([]byte, 512)
	for i := range big {
		big[i] = byte(i)
	}

	round := uint64(3)
	if err := e.Propose(round, big, true); err != nil {
		t.Fatalf("Propose failed: %v", err)
	}

	wire, alg, err := compression.NewCompressor(compCfg).Compress(big)
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	if alg != compression.AlgorithmSnappy {
		t.Fatalf("expected snappy to be selected for a payload above MinSize, got %v", alg)
	}

	policy := &capturingPolicy{}
	e.SetVotePolicy(policy)
	e.HandleFrame(link.Received{Frame: protocol.Frame{
		Metadata: protocol.Metadata{Src: 2, Term: 0, Kind: protocol.KindAppend, RoundID: &round, Compression: "snappy"},
		Payload:  wire,
	}})

	if string(policy.last.Payload) != string(big) {
		t.Error("expected onAppend to decompress the payload before handing it to the vote policy")
	}
}

func TestOnAppendDropsFrameWithUnrecognizedCompressionTag(t *testing.T) {
	e := newTestEngine(t, 1, 1, 3)
	policy := &capturingPolicy{}
	e.SetVotePolicy(policy)
	round := uint64(4)
	e.HandleFrame(link.Received{Frame: protocol.Frame{
		Metadata: protocol.Metadata{Src: 2, Term: 0, Kind: protocol.KindAppend, RoundID: &round, Compression: "brotli"},
		Payload:  []byte("x"),
	}})
	if policy.last.Index != 0 {
		t.Error("expected an unrecognized compression tag to drop the frame before reaching the vote policy")
	}
}

func TestNonLeaderCannotPropose(t *testing.T) {
	e := newTestEngine(t, 2, 1, 3)
	if err := e.Propose(1, []byte("x"), false); err == nil {
		t.Error("expected Propose to fail on a non-leader engine")
	}
}

func TestElectionTimeoutSeededByID(t *testing.T) {
	a := newTestEngine(t, 2, 1, 3)
	b := newTestEngine(t, 2, 1, 3)
	if a.electionTimeout != b.electionTimeout {
		t.Error("expected the same node id to produce the same seeded election timeout")
	}
	if a.electionTimeout < ElectionTimeoutMin || a.electionTimeout > ElectionTimeoutMax {
		t.Errorf("election timeout %v out of spec range [%v, %v]", a.electionTimeout, ElectionTimeoutMin, ElectionTimeoutMax)
	}
}
