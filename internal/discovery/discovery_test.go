/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 * Licensed under the Apache License, Version 2.0.
 */

package discovery

import (
	"net"
	"testing"

	"github.com/hashicorp/mdns"
)

func TestInfoFieldsParsesKeyValuePairs(t *testing.T) {
	fields := infoFields([]string{"node_id=3", "rx=5100", "ctrl=5200"})
	if fields["node_id"] != "3" || fields["rx"] != "5100" || fields["ctrl"] != "5200" {
		t.Fatalf("unexpected fields: %#v", fields)
	}
}

func TestInfoFieldsIgnoresMalformedEntries(t *testing.T) {
	fields := infoFields([]string{"no-equals-sign", "rx=5100"})
	if _, ok := fields["no-equals-sign"]; ok {
		t.Error("malformed entry should have been skipped")
	}
	if fields["rx"] != "5100" {
		t.Errorf("expected rx=5100, got %q", fields["rx"])
	}
}

func TestParseEntryExtractsNodeFields(t *testing.T) {
	entry := &mdns.ServiceEntry{
		Host:       "node3.local.",
		AddrV4:     net.ParseIP("192.168.1.30"),
		InfoFields: []string{"node_id=3", "rx=5100", "ctrl=5200"},
	}
	node, ok := parseEntry(entry)
	if !ok {
		t.Fatal("expected a parsed node")
	}
	if node.NodeID != 3 || node.Host != "192.168.1.30" || node.RxPort != 5100 || node.CtrlPort != 5200 {
		t.Fatalf("unexpected node: %#v", node)
	}
}

func TestParseEntryFallsBackToHostWithoutAddrV4(t *testing.T) {
	entry := &mdns.ServiceEntry{
		Host:       "node4.local.",
		InfoFields: []string{"node_id=4", "rx=5101", "ctrl=5201"},
	}
	node, ok := parseEntry(entry)
	if !ok {
		t.Fatal("expected a parsed node")
	}
	if node.Host != "node4.local." {
		t.Errorf("expected host fallback, got %q", node.Host)
	}
}

func TestParseEntryRejectsMissingNodeID(t *testing.T) {
	entry := &mdns.ServiceEntry{Host: "node5.local.", InfoFields: []string{"rx=5101"}}
	if _, ok := parseEntry(entry); ok {
		t.Error("expected parseEntry to reject an entry with no node_id field")
	}
}

func TestNewServiceDisabledIsNoOp(t *testing.T) {
	s, err := NewService(Config{NodeID: 1, Enabled: false})
	if err != nil {
		t.Fatalf("NewService with Enabled=false should never fail: %v", err)
	}
	if s.server != nil {
		t.Error("disabled service should not start an mdns server")
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close on a disabled service should be a no-op, got: %v", err)
	}
}
