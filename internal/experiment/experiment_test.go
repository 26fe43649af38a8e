/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 * Licensed under the Apache License, Version 2.0.
 */

package experiment

import (
	"context"
	"net"
	"testing"
	"time"

	"consensusrig/internal/consensus"
	"consensusrig/internal/link"
	"consensusrig/internal/outcome"
	"consensusrig/internal/peers"
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

func relay(t *testing.T, lnk *link.Link, e *consensus.Engine, stopCh <-chan struct{}) {
	t.Helper()
	go func() {
		for {
			select {
			case <-stopCh:
				return
			case <-lnk.Notify():
				for {
					rec, ok := lnk.TryRecv()
					if !ok {
						break
					}
					e.HandleFrame(rec)
				}
			}
		}
	}()
}

func TestWithinToleranceRequiresMinPeers(t *testing.T) {
	tbl := peers.NewTable()
	defer tbl.Close()

	c := &Controller{cfg: Config{MinPeers: 2}, peers: tbl}

	tbl.Observe(2, 20.0, time.Now())
	if c.withinTolerance(20.0) {
		t.Error("expected false with only 1 of 2 required peers in tolerance")
	}

	tbl.Observe(3, 19.0, time.Now())
	if !c.withinTolerance(20.0) {
		t.Error("expected true once 2 peers are within tolerance")
	}
}

func TestWithinToleranceNoPeersIsFalse(t *testing.T) {
	tbl := peers.NewTable()
	defer tbl.Close()
	c := &Controller{cfg: Config{MinPeers: 1}, peers: tbl}
	if c.withinTolerance(20.0) {
		t.Error("expected false with no known peers")
	}
}

func TestRunSingleCellGrid(t *testing.T) {
	leaderRx := freePort(t)
	followerRx := freePort(t)

	// Cross-wire two loopback links: leader's egress feeds follower's
	// ingress and vice versa.
	leaderLink, err := link.Dial(followerRx, leaderRx)
	if err != nil {
		t.Fatalf("leader link.Dial failed: %v", err)
	}
	defer leaderLink.Close()
	followerLink, err := link.Dial(leaderRx, followerRx)
	if err != nil {
		t.Fatalf("follower link.Dial failed: %v", err)
	}
	defer followerLink.Close()

	leaderPeers := peers.NewTable()
	defer leaderPeers.Close()
	followerPeers := peers.NewTable()
	defer followerPeers.Close()

	leaderEngine := consensus.NewEngine(consensus.Config{NodeID: 1, LeaderID: 1, TotalNodes: 2, Link: leaderLink, Peers: leaderPeers})
	followerEngine := consensus.NewEngine(consensus.Config{NodeID: 2, LeaderID: 1, TotalNodes: 2, Link: followerLink, Peers: followerPeers})

	stopCh := make(chan struct{})
	defer close(stopCh)
	relay(t, leaderLink, leaderEngine, stopCh)
	relay(t, followerLink, followerEngine, stopCh)

	// Pre-seed the leader's peer table so stabilization passes immediately.
	leaderPeers.Observe(2, 20.0, time.Now())

	om := outcome.NewManager()
	defer om.Stop()

	cfg := Config{
		SNRLevels:     []float64{20.0},
		PNodeLevels:   []float64{1.0},
		NLevels:       []int{1},
		RoundsPerCell: 3,
		VoteDeadline:  150 * time.Millisecond,
		StabilizeTime: 0,
		MinPeers:      1,
	}
	ctrl := NewController(cfg, leaderEngine, leaderPeers, om)

	var progressed []CellProgress
	cells, err := ctrl.Run(context.Background(), func(p CellProgress) { progressed = append(progressed, p) })
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(cells) != 1 {
		t.Fatalf("expected 1 cell result, got %d", len(cells))
	}
	if cells[0].Rounds != 3 {
		t.Errorf("expected 3 rounds run, got %d", cells[0].Rounds)
	}
	if len(progressed) != 1 {
		t.Errorf("expected exactly 1 progress callback, got %d", len(progressed))
	}
}

func TestSkipCurrentCellStopsCellEarly(t *testing.T) {
	leaderRx := freePort(t)
	followerRx := freePort(t)

	leaderLink, err := link.Dial(followerRx, leaderRx)
	if err != nil {
		t.Fatalf("leader link.Dial failed: %v", err)
	}
	defer leaderLink.Close()
	followerLink, err := link.Dial(leaderRx, followerRx)
	if err != nil {
		t.Fatalf("follower link.Dial failed: %v", err)
	}
	defer followerLink.Close()

	leaderPeers := peers.NewTable()
	defer leaderPeers.Close()
	followerPeers := peers.NewTable()
	defer followerPeers.Close()

	leaderEngine := consensus.NewEngine(consensus.Config{NodeID: 1, LeaderID: 1, TotalNodes: 2, Link: leaderLink, Peers: leaderPeers})
	followerEngine := consensus.NewEngine(consensus.Config{NodeID: 2, LeaderID: 1, TotalNodes: 2, Link: followerLink, Peers: followerPeers})

	stopCh := make(chan struct{})
	defer close(stopCh)
	relay(t, leaderLink, leaderEngine, stopCh)
	relay(t, followerLink, followerEngine, stopCh)

	leaderPeers.Observe(2, 20.0, time.Now())

	cfg := Config{
		SNRLevels:     []float64{20.0},
		PNodeLevels:   []float64{1.0},
		NLevels:       []int{1},
		RoundsPerCell: 5,
		VoteDeadline:  150 * time.Millisecond,
		StabilizeTime: 0,
		MinPeers:      1,
	}
	ctrl := NewController(cfg, leaderEngine, leaderPeers, nil)
	ctrl.SkipCurrentCell()

	cells, err := ctrl.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(cells) != 1 {
		t.Fatalf("expected 1 cell result, got %d", len(cells))
	}
	if cells[0].Rounds != 0 {
		t.Errorf("expected the pre-armed skip to cut the cell to 0 rounds, got %d", cells[0].Rounds)
	}
}
