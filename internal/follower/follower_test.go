/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 * Licensed under the Apache License, Version 2.0.
 */

package follower

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"consensusrig/internal/consensus"
	"consensusrig/internal/phy"
)

type fakePHY struct {
	conn   *net.UDPConn
	tx, rx float64
	stopCh chan struct{}
}

func startFakePHY(t *testing.T) (*phy.Client, func()) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("failed to start fake phy: %v", err)
	}
	f := &fakePHY{conn: conn, stopCh: make(chan struct{})}
	go f.serve()

	port := conn.LocalAddr().(*net.UDPAddr).Port
	client, err := phy.Dial(port)
	if err != nil {
		t.Fatalf("phy.Dial failed: %v", err)
	}
	return client, func() {
		close(f.stopCh)
		conn.Close()
		client.Close()
	}
}

func (f *fakePHY) serve() {
	buf := make([]byte, 4096)
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}
		n, addr, err := f.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		var req struct {
			Cmd   string  `json:"cmd"`
			Value float64 `json:"value,omitempty"`
		}
		if err := json.Unmarshal(buf[:n], &req); err != nil {
			continue
		}
		var reply any
		switch req.Cmd {
		case "set_tx_gain":
			f.tx = req.Value
			reply = struct {
				OK bool `json:"ok"`
			}{true}
		default:
			continue
		}
		body, _ := json.Marshal(reply)
		body = append(body, '\n')
		f.conn.WriteToUDP(body, addr)
	}
}

func TestBernoulliPolicyRespectsProbabilityBounds(t *testing.T) {
	always := NewBernoulliPolicy(1, 1.0)
	for i := 0; i < 50; i++ {
		if !always.Decide(consensus.LogEntry{}) {
			t.Fatal("expected p_node=1.0 to always grant")
		}
	}
	never := NewBernoulliPolicy(1, 0.0)
	for i := 0; i < 50; i++ {
		if never.Decide(consensus.LogEntry{}) {
			t.Fatal("expected p_node=0.0 to never grant")
		}
	}
}

func TestBernoulliPolicySeededByNodeIDDiffersAcrossNodes(t *testing.T) {
	a := NewBernoulliPolicy(1, 0.5)
	b := NewBernoulliPolicy(2, 0.5)
	same := true
	for i := 0; i < 30; i++ {
		if a.Decide(consensus.LogEntry{}) != b.Decide(consensus.LogEntry{}) {
			same = false
			break
		}
	}
	if same {
		t.Error("expected two differently-seeded policies to diverge over 30 draws")
	}
}

func TestGainControllerHoldsWithNoReport(t *testing.T) {
	client, stop := startFakePHY(t)
	defer stop()

	g := NewGainController(client, 20.0, 0.5)
	if err := g.Tick(time.Now()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if g.CurrentGain() != 0.5 {
		t.Errorf("expected gain to stay at initial 0.5 with no report, got %v", g.CurrentGain())
	}
}

func TestGainControllerAdjustsTowardTarget(t *testing.T) {
	client, stop := startFakePHY(t)
	defer stop()

	g := NewGainController(client, 20.0, 0.5)
	now := time.Now()
	g.ObserveSNRReport(10.0, now) // 10 dB below target, well outside dead-band

	if err := g.Tick(now); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	// new_gain = clamp(0.5 + 0.02*(20-10), 0, 1) = clamp(0.7, 0, 1) = 0.7
	if g.CurrentGain() != 0.7 {
		t.Errorf("expected gain 0.7, got %v", g.CurrentGain())
	}
}

func TestGainControllerDeadbandSkipsSmallError(t *testing.T) {
	client, stop := startFakePHY(t)
	defer stop()

	g := NewGainController(client, 20.0, 0.5)
	now := time.Now()
	g.ObserveSNRReport(19.5, now) // 0.5 dB error, inside the 1 dB dead-band

	if err := g.Tick(now); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if g.CurrentGain() != 0.5 {
		t.Errorf("expected gain unchanged within dead-band, got %v", g.CurrentGain())
	}
}

func TestBernoulliPolicySetPNodeChangesAcceptanceRate(t *testing.T) {
	p := NewBernoulliPolicy(1, 0.0)
	for i := 0; i < 20; i++ {
		if p.Decide(consensus.LogEntry{}) {
			t.Fatal("expected p_node=0.0 to never grant before SetPNode")
		}
	}
	p.SetPNode(1.0)
	if p.PNode() != 1.0 {
		t.Fatalf("expected PNode() to report 1.0 after SetPNode, got %v", p.PNode())
	}
	for i := 0; i < 20; i++ {
		if !p.Decide(consensus.LogEntry{}) {
			t.Fatal("expected p_node=1.0 to always grant after SetPNode")
		}
	}
}

func TestGainControllerHoldsAfterStaleReport(t *testing.T) {
	client, stop := startFakePHY(t)
	defer stop()

	g := NewGainController(client, 20.0, 0.5)
	past := time.Now().Add(-4 * time.Second)
	g.ObserveSNRReport(10.0, past)

	if err := g.Tick(time.Now()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if g.CurrentGain() != 0.5 {
		t.Errorf("expected gain held constant after a stale (>3s) report, got %v", g.CurrentGain())
	}
}
