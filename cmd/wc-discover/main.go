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
wc-discover finds other consensus rig nodes advertising on the local
network over mDNS. It's for the multi-host deployment mode, where a
node running on one vehicle needs real peer addresses instead of
assuming everything lives on 127.0.0.1.

Usage:
    wc-discover                  # Discover nodes (5 second timeout)
    wc-discover --timeout 10     # Custom timeout in seconds
    wc-discover --json           # Output as JSON
    wc-discover --quiet          # Only output addresses (for scripting)
*/
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"consensusrig/internal/discovery"
	"consensusrig/pkg/cli"
)

const (
	version   = "1.0.0"
	copyright = "Copyright (c) 2026 Firefly Software Solutions Inc."
)

func main() {
	timeout := flag.Int("timeout", 5, "Discovery timeout in seconds")
	jsonOutput := flag.Bool("json", false, "Output as JSON")
	quiet := flag.Bool("quiet", false, "Only output host:port addresses (for scripting)")
	help := flag.Bool("help", false, "Show help")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.BoolVar(quiet, "q", false, "Only output host:port addresses (for scripting)")
	flag.BoolVar(help, "h", false, "Show help")
	flag.BoolVar(showVersion, "v", false, "Show version information")

	flag.Parse()

	if *help {
		printUsage()
		os.Exit(0)
	}
	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	// Suppress mDNS library logging (it logs IPv6 errors that are not critical).
	log.SetOutput(io.Discard)

	if !*quiet && !*jsonOutput {
		printBanner()
	}

	if !*quiet && !*jsonOutput {
		cli.PrintInfo("Scanning for consensus rig nodes on the network (timeout: %ds)...", *timeout)
		fmt.Println()
	}

	nodes, err := discovery.DiscoverNodes(time.Duration(*timeout) * time.Second)
	if err != nil {
		if !*quiet {
			cli.PrintError("Discovery failed: %v", err)
		}
		os.Exit(1)
	}

	if len(nodes) == 0 {
		if !*quiet && !*jsonOutput {
			cli.PrintWarning("No consensus rig nodes found on the network.")
			fmt.Println()
			fmt.Printf("%s%sTROUBLESHOOTING%s\n\n", cli.Bold, cli.Cyan, cli.Reset)
			fmt.Printf("%s  Common issues:%s\n", cli.Dim, cli.Reset)
			fmt.Printf("    %s•%s Nodes are not running with --advertise enabled\n", cli.Yellow, cli.Reset)
			fmt.Printf("    %s•%s mDNS is blocked by firewall (UDP port 5353)\n", cli.Yellow, cli.Reset)
			fmt.Printf("    %s•%s Nodes are on a different network segment\n\n", cli.Yellow, cli.Reset)
			fmt.Printf("%s  Try:%s\n", cli.Dim, cli.Reset)
			fmt.Printf("    %swc-discover --timeout 10%s   # Increase timeout\n\n", cli.Green, cli.Reset)
		}
		os.Exit(0)
	}

	switch {
	case *jsonOutput:
		outputJSON(nodes)
	case *quiet:
		outputQuiet(nodes)
	default:
		outputHuman(nodes)
	}
}

func printBanner() {
	fmt.Println()
	fmt.Printf("%s%s", cli.Cyan, cli.Bold)
	fmt.Println("  ██╗    ██╗ ██████╗      ██████╗ ██╗ ██████╗ ")
	fmt.Println("  ██║    ██║██╔════╝      ██╔══██╗██║██╔════╝ ")
	fmt.Println("  ██║ █╗ ██║██║     █████╗██████╔╝██║██║  ███╗")
	fmt.Println("  ██║███╗██║██║     ╚════╝██╔══██╗██║██║   ██║")
	fmt.Println("  ╚███╔███╔╝╚██████╗      ██║  ██║██║╚██████╔╝")
	fmt.Println("   ╚══╝╚══╝  ╚═════╝      ╚═╝  ╚═╝╚═╝ ╚═════╝ ")
	fmt.Printf("%s\n", cli.Reset)
	fmt.Printf("  %s%swc-discover%s %sv%s%s\n", cli.Green, cli.Bold, cli.Reset, cli.Dim, version, cli.Reset)
	fmt.Printf("  %sConsensus Rig Node Discovery%s\n\n", cli.Dim, cli.Reset)
}

func printVersion() {
	fmt.Println()
	fmt.Printf("  %s%swc-discover%s %sv%s%s\n", cli.Cyan, cli.Bold, cli.Reset, cli.Dim, version, cli.Reset)
	fmt.Printf("  %sConsensus Rig Node Discovery%s\n\n", cli.Dim, cli.Reset)
	fmt.Printf("  %s%s%s\n\n", cli.Dim, copyright, cli.Reset)
}

func printUsage() {
	printBanner()

	fmt.Printf("%s  Discovers consensus rig nodes on the local network using mDNS.%s\n", cli.Dim, cli.Reset)
	fmt.Printf("%s  Useful for wiring up a multi-vehicle run without hardcoding hosts.%s\n\n", cli.Dim, cli.Reset)

	fmt.Printf("%sUsage:%s wc-discover [options]\n\n", cli.Bold, cli.Reset)

	fmt.Printf("%s%sOPTIONS%s\n\n", cli.Bold, cli.Cyan, cli.Reset)
	fmt.Printf("    %s--timeout%s <seconds>   Discovery timeout (default: 5)\n", cli.Green, cli.Reset)
	fmt.Printf("    %s--json%s               Output results as JSON\n", cli.Green, cli.Reset)
	fmt.Printf("    %s--quiet%s, %s-q%s          Only output addresses (for scripting)\n", cli.Green, cli.Reset, cli.Green, cli.Reset)
	fmt.Printf("    %s--version%s, %s-v%s        Show version information\n", cli.Green, cli.Reset, cli.Green, cli.Reset)
	fmt.Printf("    %s--help%s, %s-h%s           Show this help message\n\n", cli.Green, cli.Reset, cli.Green, cli.Reset)

	fmt.Printf("%s%sEXAMPLES%s\n\n", cli.Bold, cli.Cyan, cli.Reset)
	fmt.Printf("%s    # Discover nodes with default timeout%s\n", cli.Dim, cli.Reset)
	fmt.Println("    wc-discover")
	fmt.Println()
	fmt.Printf("%s    # Increase timeout for slower networks%s\n", cli.Dim, cli.Reset)
	fmt.Println("    wc-discover --timeout 10")
	fmt.Println()
	fmt.Printf("%s    # Get JSON output for automation%s\n", cli.Dim, cli.Reset)
	fmt.Println("    wc-discover --json")
	fmt.Println()
	fmt.Printf("%s    # Get just addresses for scripting%s\n", cli.Dim, cli.Reset)
	fmt.Println("    wc-discover --quiet")
	fmt.Println()

	fmt.Printf("%s%sNETWORK REQUIREMENTS%s\n\n", cli.Bold, cli.Cyan, cli.Reset)
	fmt.Printf("    %s•%s mDNS uses UDP port 5353 (multicast)\n", cli.Yellow, cli.Reset)
	fmt.Printf("    %s•%s Nodes must be on the same network segment\n", cli.Yellow, cli.Reset)
	fmt.Printf("    %s•%s Firewalls must allow mDNS traffic\n\n", cli.Yellow, cli.Reset)
}

func outputJSON(nodes []discovery.DiscoveredNode) {
	type nodeOutput struct {
		NodeID   int    `json:"node_id"`
		Host     string `json:"host"`
		RxPort   int    `json:"rx_port"`
		CtrlPort int    `json:"ctrl_port"`
	}

	output := make([]nodeOutput, len(nodes))
	for i, n := range nodes {
		output[i] = nodeOutput{NodeID: n.NodeID, Host: n.Host, RxPort: n.RxPort, CtrlPort: n.CtrlPort}
	}

	data, _ := json.MarshalIndent(output, "", "  ")
	fmt.Println(string(data))
}

func outputQuiet(nodes []discovery.DiscoveredNode) {
	addrs := make([]string, len(nodes))
	for i, n := range nodes {
		addrs[i] = fmt.Sprintf("%s:%d", n.Host, n.RxPort)
	}
	fmt.Println(strings.Join(addrs, ","))
}

func outputHuman(nodes []discovery.DiscoveredNode) {
	cli.PrintSuccess("Found %d consensus rig node(s)", len(nodes))
	fmt.Println()

	for i, n := range nodes {
		fmt.Printf("  %s[%d]%s %snode %d%s\n",
			cli.Dim, i+1, cli.Reset,
			cli.Bold+cli.Cyan, n.NodeID, cli.Reset)
		fmt.Printf("      %sData Address:%s    %s%s:%d%s\n",
			cli.Dim, cli.Reset, cli.Green, n.Host, n.RxPort, cli.Reset)
		fmt.Printf("      %sControl Address:%s %s:%d\n",
			cli.Dim, cli.Reset, n.Host, n.CtrlPort)
		fmt.Println()
	}

	fmt.Printf("%s  Tip: Use --json for machine-readable output%s\n\n", cli.Dim, cli.Reset)
}
