/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 * Licensed under the Apache License, Version 2.0.
 */

package peers

import (
	"testing"
	"time"
)

func TestObserveSetsInitialEWMA(t *testing.T) {
	tbl := &Table{peers: make(map[int]*State)}
	now := time.Now()
	tbl.Observe(2, 20.0, now)

	st, ok := tbl.Get(2)
	if !ok {
		t.Fatal("expected peer 2 to be present")
	}
	if st.EWMASNR != 20.0 {
		t.Errorf("expected initial EWMA to equal first sample, got %v", st.EWMASNR)
	}
}

func TestObserveSmoothsSNR(t *testing.T) {
	tbl := &Table{peers: make(map[int]*State)}
	now := time.Now()
	tbl.Observe(2, 20.0, now)
	tbl.Observe(2, 10.0, now)

	st, _ := tbl.Get(2)
	want := 0.3*10.0 + 0.7*20.0
	if st.EWMASNR != want {
		t.Errorf("EWMA = %v, want %v", st.EWMASNR, want)
	}
}

func TestLastSeenUpdatedUnconditionally(t *testing.T) {
	tbl := &Table{peers: make(map[int]*State)}
	t1 := time.Now()
	tbl.Touch(3, t1)
	t2 := t1.Add(time.Second)
	tbl.Touch(3, t2)

	st, _ := tbl.Get(3)
	if !st.LastSeen.Equal(t2) {
		t.Errorf("expected LastSeen %v, got %v", t2, st.LastSeen)
	}
}

func TestLivenessTransitionsOnSweepOnly(t *testing.T) {
	tbl := &Table{peers: make(map[int]*State)}
	base := time.Now()
	tbl.Touch(5, base)

	st, _ := tbl.Get(5)
	if st.Liveness != Alive {
		t.Fatalf("expected Alive immediately after Touch, got %v", st.Liveness)
	}

	tbl.sweep(base.Add(3 * time.Second))
	st, _ = tbl.Get(5)
	if st.Liveness != Stale {
		t.Errorf("expected Stale after 3s gap, got %v", st.Liveness)
	}

	tbl.sweep(base.Add(6 * time.Second))
	st, _ = tbl.Get(5)
	if st.Liveness != Dead {
		t.Errorf("expected Dead after 6s gap, got %v", st.Liveness)
	}
}

func TestSnapshotReturnsCopy(t *testing.T) {
	tbl := &Table{peers: make(map[int]*State)}
	tbl.Touch(1, time.Now())
	tbl.Touch(2, time.Now())

	snap := tbl.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 peers in snapshot, got %d", len(snap))
	}
}
