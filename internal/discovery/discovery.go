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
Package discovery advertises and browses for rig nodes over mDNS. It
exists for the multi-host deployment mode: a vehicular testbed with one
physical node per vehicle can't assume every peer lives on localhost,
so each node advertises its own data and control ports and the others
resolve real addresses instead of assuming 127.0.0.1.

Single-host bring-up (the default) never touches this package; the
core only ever dials 127.0.0.1 per spec §1/§6.
*/
package discovery

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"consensusrig/internal/logging"
	"consensusrig/internal/wcerrors"

	"github.com/hashicorp/mdns"
)

const serviceName = "_wc-consensus._udp"

// Config configures advertisement of the local node.
type Config struct {
	NodeID   int
	Enabled  bool
	TxPort   int
	RxPort   int
	CtrlPort int
}

// DiscoveredNode is one peer found on the network.
type DiscoveredNode struct {
	NodeID   int
	Host     string
	RxPort   int
	CtrlPort int
}

// Service advertises this node's presence; the zero value (Enabled
// false) is a valid no-op service.
type Service struct {
	cfg    Config
	server *mdns.Server
	log    *logging.Logger
}

// NewService starts advertising the local node over mDNS, unless
// cfg.Enabled is false, in which case it is a harmless no-op.
func NewService(cfg Config) (*Service, error) {
	s := &Service{cfg: cfg, log: logging.NewLogger("discovery")}
	if !cfg.Enabled {
		return s, nil
	}

	info := []string{
		fmt.Sprintf("node_id=%d", cfg.NodeID),
		fmt.Sprintf("rx=%d", cfg.RxPort),
		fmt.Sprintf("ctrl=%d", cfg.CtrlPort),
	}
	instance := fmt.Sprintf("wc-node-%d", cfg.NodeID)
	svc, err := mdns.NewMDNSService(instance, serviceName, "", "", cfg.TxPort, nil, info)
	if err != nil {
		return nil, wcerrors.Transport("build mdns service record", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: svc})
	if err != nil {
		return nil, wcerrors.Transport("start mdns advertiser", err)
	}
	s.server = server
	s.log.Info("advertising over mdns", "node_id", cfg.NodeID, "rx_port", cfg.RxPort)
	return s, nil
}

// Close stops advertising, if it was ever started.
func (s *Service) Close() error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown()
}

// DiscoverNodes browses the local network for other advertising nodes
// for up to timeout.
func DiscoverNodes(timeout time.Duration) ([]DiscoveredNode, error) {
	entries := make(chan *mdns.ServiceEntry, 32)
	var nodes []DiscoveredNode
	done := make(chan struct{})

	go func() {
		defer close(done)
		for e := range entries {
			if node, ok := parseEntry(e); ok {
				nodes = append(nodes, node)
			}
		}
	}()

	err := mdns.Query(&mdns.QueryParam{
		Service: serviceName,
		Timeout: timeout,
		Entries: entries,
	})
	close(entries)
	<-done

	if err != nil {
		return nil, wcerrors.Transport("mdns query failed", err)
	}
	return nodes, nil
}

func parseEntry(e *mdns.ServiceEntry) (DiscoveredNode, bool) {
	fields := infoFields(e.InfoFields)

	nodeID, ok := strconv.Atoi(fields["node_id"])
	if ok != nil {
		return DiscoveredNode{}, false
	}
	rx, _ := strconv.Atoi(fields["rx"])
	ctrl, _ := strconv.Atoi(fields["ctrl"])

	host := e.Host
	if e.AddrV4 != nil {
		host = e.AddrV4.String()
	}

	return DiscoveredNode{NodeID: nodeID, Host: host, RxPort: rx, CtrlPort: ctrl}, true
}

// infoFields parses "key=value" TXT record entries into a map.
func infoFields(raw []string) map[string]string {
	out := make(map[string]string, len(raw))
	for _, f := range raw {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}
