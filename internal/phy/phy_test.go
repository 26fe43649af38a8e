/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 * Licensed under the Apache License, Version 2.0.
 */

package phy

import (
	"encoding/json"
	"net"
	"testing"
)

// fakePHY is a minimal stand-in for the real PHY control endpoint,
// implementing the four verbs of spec §6's table.
type fakePHY struct {
	conn    *net.UDPConn
	tx, rx  float64
	stopCh  chan struct{}
}

func startFakePHY(t *testing.T) (port int, stop func()) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("failed to start fake phy: %v", err)
	}
	f := &fakePHY{conn: conn, stopCh: make(chan struct{})}
	go f.serve()
	return conn.LocalAddr().(*net.UDPAddr).Port, func() {
		close(f.stopCh)
		conn.Close()
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
		var req request
		if err := json.Unmarshal(trimNewline(buf[:n]), &req); err != nil {
			continue
		}

		var reply any
		switch req.Cmd {
		case "ping":
			reply = pingReply{Reply: "pong"}
		case "set_tx_gain":
			f.tx = req.Value
			reply = okReply{OK: true}
		case "set_rx_gain":
			f.rx = req.Value
			reply = okReply{OK: true}
		case "get_gains":
			reply = gainsReply{TX: f.tx, RX: f.rx}
		default:
			continue
		}

		body, _ := json.Marshal(reply)
		body = append(body, '\n')
		f.conn.WriteToUDP(body, addr)
	}
}

func TestPing(t *testing.T) {
	port, stop := startFakePHY(t)
	defer stop()

	c, err := Dial(port)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	if err := c.Ping(); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestSetAndGetGains(t *testing.T) {
	port, stop := startFakePHY(t)
	defer stop()

	c, err := Dial(port)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	if err := c.SetTxGain(0.75); err != nil {
		t.Fatalf("SetTxGain failed: %v", err)
	}
	if err := c.SetRxGain(0.25); err != nil {
		t.Fatalf("SetRxGain failed: %v", err)
	}

	tx, rx, err := c.Gains()
	if err != nil {
		t.Fatalf("Gains failed: %v", err)
	}
	if tx != 0.75 || rx != 0.25 {
		t.Errorf("expected tx=0.75 rx=0.25, got tx=%v rx=%v", tx, rx)
	}
}

func TestRequestTimeoutWhenPhyUnreachable(t *testing.T) {
	// Dial a port nobody is listening on; the write still succeeds
	// (connectionless UDP) but the read must time out and surface a
	// ControlError rather than blocking forever.
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("failed to reserve an unused port: %v", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()

	c, err := Dial(port)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	if err := c.Ping(); err == nil {
		t.Error("expected Ping to fail against an unreachable phy endpoint")
	}
}
