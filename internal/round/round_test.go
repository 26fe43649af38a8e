/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 * Licensed under the Apache License, Version 2.0.
 */

package round

import (
	"context"
	"net"
	"testing"
	"time"

	"consensusrig/internal/consensus"
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

func newLeaderEngine(t *testing.T) *consensus.Engine {
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

	return consensus.NewEngine(consensus.Config{NodeID: 1, LeaderID: 1, TotalNodes: 3, Link: lnk, Peers: tbl})
}

func TestGroundTruthDeterministicBySeedAndRound(t *testing.T) {
	a := groundTruth(42, 7)
	b := groundTruth(42, 7)
	if a != b {
		t.Error("expected the same seed+round_id to always produce the same coin flip")
	}
}

func TestGroundTruthVariesByRound(t *testing.T) {
	seen := map[bool]int{}
	for r := uint64(0); r < 20; r++ {
		seen[groundTruth(1, r)]++
	}
	if len(seen) != 2 {
		t.Error("expected both outcomes to appear across 20 rounds")
	}
}

func TestRunWithNoFollowersIsUncommitted(t *testing.T) {
	e := newLeaderEngine(t)
	d := &Driver{Engine: e, VoteDeadline: 100 * time.Millisecond, Seed: 1}

	outcome, err := d.Run(context.Background(), 1, 3, func() map[int]float64 { return nil })
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if outcome.Committed {
		t.Error("expected no commit with zero followers responding")
	}
	if outcome.RoundID != 1 {
		t.Errorf("expected RoundID 1, got %d", outcome.RoundID)
	}
}

func TestRunOnNonLeaderEngineErrors(t *testing.T) {
	rx := freePort(t)
	tx := freePort(t)
	lnk, err := link.Dial(tx, rx)
	if err != nil {
		t.Fatalf("link.Dial failed: %v", err)
	}
	defer lnk.Close()
	tbl := peers.NewTable()
	defer tbl.Close()

	e := consensus.NewEngine(consensus.Config{NodeID: 2, LeaderID: 1, TotalNodes: 3, Link: lnk, Peers: tbl})
	d := &Driver{Engine: e, VoteDeadline: 50 * time.Millisecond, Seed: 1}

	if _, err := d.Run(context.Background(), 1, 3, func() map[int]float64 { return nil }); err == nil {
		t.Error("expected Run to fail when the engine is not the leader")
	}
}

func TestRunRecordsVoteCastDuringWindow(t *testing.T) {
	e := newLeaderEngine(t)
	d := &Driver{Engine: e, VoteDeadline: 300 * time.Millisecond, Seed: 5}

	round := uint64(9)
	go func() {
		time.Sleep(20 * time.Millisecond)
		e.HandleFrame(link.Received{Frame: protocol.Frame{
			Metadata: protocol.Metadata{Src: 2, Term: 0, Kind: protocol.KindAppendAck, RoundID: &round},
			Payload:  []byte(`{"granted":true,"snr_db":18.0}`),
		}})
	}()

	outcome, err := d.Run(context.Background(), round, 3, func() map[int]float64 { return map[int]float64{2: 18.0} })
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if outcome.NEff < 2 {
		t.Errorf("expected at least the follower plus leader counted, got n_eff=%d", outcome.NEff)
	}
	if !outcome.Committed {
		t.Error("expected a unanimous yes (follower + implicit leader) to commit")
	}
}
