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
wc-node is the core binary: one process per vehicle, running either the
leader role (drives the SNR/p_node/n grid-walk experiment) or the
follower role (votes on proposed rounds and chases a target SNR via the
local PHY control endpoint).

Usage:

	wc-node --role leader --id 1 --total 3 --snr-levels 8,16,24 \
	    --p-node-levels 0.5,0.7,0.9 --n-levels 3,5 --rounds 50
	wc-node --role follower --id 2 --total 3 --ctrl 9110 --target-snr 20
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"consensusrig/internal/compression"
	"consensusrig/internal/config"
	"consensusrig/internal/consensus"
	"consensusrig/internal/discovery"
	"consensusrig/internal/experiment"
	"consensusrig/internal/follower"
	"consensusrig/internal/link"
	"consensusrig/internal/logging"
	"consensusrig/internal/outcome"
	"consensusrig/internal/peers"
	"consensusrig/internal/phy"
	"consensusrig/internal/protocol"
	"consensusrig/internal/shell"
	"consensusrig/internal/wcerrors"
	"consensusrig/pkg/cli"
)

const (
	version   = "1.0.0"
	copyright = "Copyright (c) 2026 Firefly Software Solutions Inc."
)

func main() {
	os.Exit(run())
}

// run returns the process exit code per spec §6: 0 normal, 1
// configuration error, 2 other fatal runtime error, 130 on SIGINT.
func run() int {
	cfg, help, showVersion, err := parseFlags(os.Args[1:])
	if help {
		printUsage()
		return 0
	}
	if showVersion {
		printVersion()
		return 0
	}
	if err != nil {
		printFatal(err)
		return 1
	}

	if err := cfg.Validate(); err != nil {
		printFatal(err)
		return 1
	}

	logging.SetGlobalLevel(logging.ParseLevel(cfg.LogLevel))
	logging.SetJSONMode(cfg.LogJSON)
	log := logging.NewLogger("wc-node").With("node_id", cfg.NodeID, "role", cfg.Role)

	printBanner(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lnk, err := link.Dial(cfg.TxPort, cfg.RxPort)
	if err != nil {
		cli.ErrLinkBindFailed(cfg.RxPort, err).Print()
		return 2
	}
	defer lnk.Close()

	peerTable := peers.NewTable()
	defer peerTable.Close()

	compCfg, err := buildCompressionConfig(cfg)
	if err != nil {
		printFatal(err)
		return 1
	}

	engine := consensus.NewEngine(consensus.Config{
		NodeID:      cfg.NodeID,
		LeaderID:    cfg.LeaderID,
		TotalNodes:  cfg.TotalNodes,
		Link:        lnk,
		Peers:       peerTable,
		Compression: compCfg,
	})
	engine.Start()
	defer engine.Stop()

	var disc *discovery.Service
	if cfg.Advertise {
		disc, err = discovery.NewService(discovery.Config{
			NodeID: cfg.NodeID, Enabled: true,
			TxPort: cfg.TxPort, RxPort: cfg.RxPort, CtrlPort: cfg.CtrlPort,
		})
		if err != nil {
			log.Warn("mdns advertisement failed to start", "err", err)
		} else {
			defer disc.Close()
		}
	}

	var exitCode int
	if cfg.Role == "leader" {
		exitCode = runLeader(ctx, cfg, engine, lnk, peerTable, log)
	} else {
		exitCode = runFollower(ctx, cfg, engine, lnk, peerTable, log)
	}

	if ctx.Err() != nil {
		return 130
	}
	return exitCode
}

func buildCompressionConfig(cfg *config.Config) (compression.Config, error) {
	alg, err := compression.ParseAlgorithm(cfg.CompressionAlg)
	if err != nil {
		return compression.Config{}, wcerrors.Config("--compression", err.Error())
	}
	return compression.Config{Algorithm: alg, Level: compression.LevelDefault, MinSize: cfg.CompressionMinSize}, nil
}

// runLeader drives the grid-walk sweep to completion (or until ctx is
// cancelled) and writes the result artifact.
func runLeader(ctx context.Context, cfg *config.Config, engine *consensus.Engine, lnk *link.Link, peerTable *peers.Table, log *logging.Logger) int {
	om := outcome.NewManager()
	defer om.Stop()

	expCfg := experiment.Config{
		SNRLevels: cfg.SNRLevels, PNodeLevels: cfg.PNodeLevels, NLevels: cfg.NLevels,
		RoundsPerCell: cfg.RoundsPerCell, VoteDeadline: cfg.VoteDeadline, StabilizeTime: cfg.StabilizeTime,
		Seed: int64(cfg.NodeID), MinPeers: cfg.MinPeers,
	}
	if !cfg.Interactive {
		spinner := cli.NewSpinner("waiting for channel to stabilize")
		expCfg.OnStabilizeStart = func(targetDb float64) {
			spinner.UpdateMessage(fmt.Sprintf("waiting for channel to stabilize at %.1f dB", targetDb))
			spinner.Start()
		}
		expCfg.OnStabilizeEnd = spinner.Stop
	}
	ctrl := experiment.NewController(expCfg, engine, peerTable, om)

	relayStop := make(chan struct{})
	go runRelay(relayStop, lnk, peerTable, engine, nil)
	defer close(relayStop)

	if cfg.Interactive {
		go shell.NewConsole(ctrl).Run()
	}

	cells, err := ctrl.Run(ctx, func(cp experiment.CellProgress) {
		fmt.Printf("[cell snr=%.1f p=%.2f n=%d] committed=%d/%d correct=%d/%d P_sys=%.2f\n",
			cp.SNRTierDb, cp.PNode, cp.NTarget, cp.Committed, cp.Rounds, cp.Correct, cp.Rounds, cp.PSys)
	})
	if err != nil && err != context.Canceled {
		log.Error("sweep aborted", "err", err)
		return 2
	}

	now := time.Now()
	if cfg.Interactive {
		existing := filepath.Join(cfg.OutDir, outcome.ArtifactFilename(now))
		if _, statErr := os.Stat(existing); statErr == nil {
			if !cli.Confirm(fmt.Sprintf("result artifact %s already exists and will be overwritten", existing)) {
				cli.PrintWarning("result artifact not written")
				return 0
			}
		}
	}

	path, err := outcome.WriteArtifact(cfg.OutDir, configSummary(cfg), cells, om.Rounds(), now)
	if err != nil {
		cli.ErrOutputDirNotWritable(cfg.OutDir, err).Print()
		return 2
	}
	cli.PrintSuccess("wrote result artifact: %s", path)
	return 0
}

// runFollower installs the Bernoulli vote policy, chases the target SNR
// through the local PHY control endpoint, and blocks until ctx is
// cancelled.
func runFollower(ctx context.Context, cfg *config.Config, engine *consensus.Engine, lnk *link.Link, peerTable *peers.Table, log *logging.Logger) int {
	policy := follower.NewBernoulliPolicy(cfg.NodeID, cfg.PNode)
	engine.SetVotePolicy(policy)

	phyClient, err := phy.Dial(cfg.CtrlPort)
	if err != nil {
		cli.ErrPhyUnreachable(cfg.CtrlPort, err).Print()
		return 2
	}
	defer phyClient.Close()

	if err := phyClient.Ping(); err != nil {
		log.Warn("phy control endpoint did not answer ping, holding gain until a report arrives", "err", err)
	}

	gain := follower.NewGainController(phyClient, cfg.TargetSNR, cfg.InitGain)
	gainStop := make(chan struct{})
	go gain.Run(gainStop)
	defer close(gainStop)

	relayStop := make(chan struct{})
	go runRelay(relayStop, lnk, peerTable, engine, func(meta protocol.Metadata, payload []byte) {
		switch meta.Kind {
		case protocol.KindExpBegin:
			if meta.SNRDb != nil {
				gain.SetTarget(*meta.SNRDb)
			} else if pNode, ok := experiment.DecodePNode(payload); ok {
				policy.SetPNode(pNode)
			}
		case protocol.KindSNRReport:
			if meta.Dst == engine.NodeID() && meta.SNRDb != nil {
				gain.ObserveSNRReport(*meta.SNRDb, time.Now())
			}
		}
	})
	defer close(relayStop)

	ticker := time.NewTicker(cfg.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return 0
		case <-ticker.C:
			log.Info("status", "p_node", policy.PNode(), "gain", gain.CurrentGain())
		}
	}
}

// runRelay pumps decoded frames off lnk, updates the peer table, hands
// each frame to engine, and — for a follower — also to extra for the
// EXP_BEGIN/SNR_REPORT handling consensus.Engine itself doesn't know
// about. It runs until stopCh is closed, waking either on a new-frame
// notification or a 250ms poll so a quiet link doesn't block shutdown.
func runRelay(stopCh <-chan struct{}, lnk *link.Link, peerTable *peers.Table, engine *consensus.Engine, extra func(protocol.Metadata, []byte)) {
	for {
		select {
		case <-stopCh:
			return
		case <-lnk.Notify():
		case <-time.After(250 * time.Millisecond):
		}
		for {
			rec, ok := lnk.TryRecv()
			if !ok {
				break
			}
			now := time.Now()
			if rec.HasSNR {
				peerTable.Observe(rec.Frame.Metadata.Src, rec.SNRDb, now)
			} else {
				peerTable.Touch(rec.Frame.Metadata.Src, now)
			}
			engine.HandleFrame(rec)
			if extra != nil {
				extra(rec.Frame.Metadata, rec.Frame.Payload)
			}
		}
	}
}

// configSummary renders the config fields the result artifact embeds,
// so a run can be correlated with the settings that produced it without
// a separate TOML file.
func configSummary(cfg *config.Config) map[string]any {
	return map[string]any{
		"role":           cfg.Role,
		"id":             cfg.NodeID,
		"leader_id":      cfg.LeaderID,
		"total":          cfg.TotalNodes,
		"snr_levels":     cfg.SNRLevels,
		"p_node_levels":  cfg.PNodeLevels,
		"n_levels":       cfg.NLevels,
		"rounds":         cfg.RoundsPerCell,
		"vote_deadline":  cfg.VoteDeadline.String(),
		"stabilize_time": cfg.StabilizeTime.String(),
		"compression":    cfg.CompressionAlg,
	}
}

func printFatal(err error) {
	if wcErr, ok := err.(*wcerrors.Error); ok {
		fmt.Fprintln(os.Stderr, wcErr.UserMessage())
		return
	}
	fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
}

// parseFlags builds a Config from spec §6's CLI surface. A --config file,
// if given, is loaded first so its values become the new baseline; any
// flag explicitly passed on the command line then overrides it.
func parseFlags(args []string) (cfg *config.Config, help, showVersion bool, err error) {
	fs := flag.NewFlagSet("wc-node", flag.ContinueOnError)
	fs.SetOutput(new(strings.Builder)) // usage is printed by printUsage, not the flag package

	d := config.DefaultConfig()

	role := fs.String("role", d.Role, "node role: leader or follower")
	id := fs.Int("id", d.NodeID, "this node's id")
	leaderID := fs.Int("leader-id", d.LeaderID, "the node id consensus is pinned to as leader")
	total := fs.Int("total", d.TotalNodes, "cluster size")
	tx := fs.Int("tx", d.TxPort, "app to PHY data port")
	rx := fs.Int("rx", d.RxPort, "PHY to app data port")
	ctrl := fs.Int("ctrl", d.CtrlPort, "local PHY control port (follower only)")
	advertise := fs.Bool("advertise", d.Advertise, "advertise this node over mDNS")
	interactive := fs.Bool("interactive", d.Interactive, "attach an interactive console (leader only)")
	outDir := fs.String("out-dir", d.OutDir, "result artifact directory (leader only)")
	minPeers := fs.Int("min-peers", d.MinPeers, "peers required within tolerance to call a tier stable, 0 = all (leader only)")

	snrLevels := fs.String("snr-levels", "", "comma-separated SNR tiers in dB (leader only)")
	pNodeLevels := fs.String("p-node-levels", "", "comma-separated p_node levels (leader only)")
	nLevels := fs.String("n-levels", "", "comma-separated n_target levels (leader only)")
	rounds := fs.Int("rounds", d.RoundsPerCell, "rounds run per grid cell (leader only)")
	voteDeadline := fs.Float64("vote-deadline", d.VoteDeadline.Seconds(), "seconds to wait for votes on a round (leader only)")
	stabilizeTime := fs.Float64("stabilize-time", d.StabilizeTime.Seconds(), "minimum hold time at a new SNR tier before sampling (leader only)")

	targetSNR := fs.Float64("target-snr", d.TargetSNR, "target SNR in dB (follower only)")
	initGain := fs.Float64("init-gain", d.InitGain, "initial normalized TX gain (follower only)")
	pNode := fs.Float64("p-node", d.PNode, "initial vote acceptance probability (follower only)")
	statusInterval := fs.Float64("status-interval", d.StatusInterval.Seconds(), "seconds between follower status lines")

	compressionAlg := fs.String("compression", d.CompressionAlg, "APPEND payload compression: none, gzip, lz4, snappy, or zstd")
	compressionMinSize := fs.Int("compression-min-size", d.CompressionMinSize, "minimum payload size, in bytes, before compression is applied")

	logLevel := fs.String("log-level", d.LogLevel, "debug, info, warn, or error")
	logJSON := fs.Bool("log-json", d.LogJSON, "emit one JSON object per log line")
	configFile := fs.String("config", "", "load a previously saved TOML config as the baseline")

	fs.BoolVar(&help, "help", false, "show help")
	fs.BoolVar(&help, "h", false, "show help")
	fs.BoolVar(&showVersion, "version", false, "show version information")

	if parseErr := fs.Parse(args); parseErr != nil {
		return nil, false, false, wcerrors.Config("flags", parseErr.Error())
	}
	if help || showVersion {
		return nil, help, showVersion, nil
	}

	cfg = d
	if *configFile != "" {
		mgr := config.NewManager()
		if err := mgr.LoadFromFile(*configFile); err != nil {
			return nil, false, false, err
		}
		cfg = mgr.Get()
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	applyIfSet := func(name string, apply func()) {
		if set[name] {
			apply()
		}
	}

	applyIfSet("role", func() { cfg.Role = *role })
	applyIfSet("id", func() { cfg.NodeID = *id })
	applyIfSet("leader-id", func() { cfg.LeaderID = *leaderID })
	applyIfSet("total", func() { cfg.TotalNodes = *total })
	applyIfSet("tx", func() { cfg.TxPort = *tx })
	applyIfSet("rx", func() { cfg.RxPort = *rx })
	applyIfSet("ctrl", func() { cfg.CtrlPort = *ctrl })
	applyIfSet("advertise", func() { cfg.Advertise = *advertise })
	applyIfSet("interactive", func() { cfg.Interactive = *interactive })
	applyIfSet("out-dir", func() { cfg.OutDir = *outDir })
	applyIfSet("min-peers", func() { cfg.MinPeers = *minPeers })
	applyIfSet("rounds", func() { cfg.RoundsPerCell = *rounds })
	applyIfSet("vote-deadline", func() { cfg.VoteDeadline = secondsToDuration(*voteDeadline) })
	applyIfSet("stabilize-time", func() { cfg.StabilizeTime = secondsToDuration(*stabilizeTime) })
	applyIfSet("target-snr", func() { cfg.TargetSNR = *targetSNR })
	applyIfSet("init-gain", func() { cfg.InitGain = *initGain })
	applyIfSet("p-node", func() { cfg.PNode = *pNode })
	applyIfSet("status-interval", func() { cfg.StatusInterval = secondsToDuration(*statusInterval) })
	applyIfSet("compression", func() { cfg.CompressionAlg = *compressionAlg })
	applyIfSet("compression-min-size", func() { cfg.CompressionMinSize = *compressionMinSize })
	applyIfSet("log-level", func() { cfg.LogLevel = *logLevel })
	applyIfSet("log-json", func() { cfg.LogJSON = *logJSON })

	if *snrLevels != "" {
		vals, parseErr := parseFloatList(*snrLevels)
		if parseErr != nil {
			return nil, false, false, wcerrors.Config("--snr-levels", parseErr.Error())
		}
		cfg.SNRLevels = vals
	}
	if *pNodeLevels != "" {
		vals, parseErr := parseFloatList(*pNodeLevels)
		if parseErr != nil {
			return nil, false, false, wcerrors.Config("--p-node-levels", parseErr.Error())
		}
		cfg.PNodeLevels = vals
	}
	if *nLevels != "" {
		vals, parseErr := parseIntList(*nLevels)
		if parseErr != nil {
			return nil, false, false, wcerrors.Config("--n-levels", parseErr.Error())
		}
		cfg.NLevels = vals
	}

	return cfg, false, false, nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func parseFloatList(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", p)
		}
		out = append(out, v)
	}
	return out, nil
}

func parseIntList(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", p)
		}
		out = append(out, v)
	}
	return out, nil
}

func printBanner(cfg *config.Config) {
	cli.PrintInfo("wc-node v%s starting as %s (node %d of %d)", version, cfg.Role, cfg.NodeID, cfg.TotalNodes)
}

func printVersion() {
	fmt.Printf("wc-node v%s\n%s\n", version, copyright)
}

func printUsage() {
	fmt.Printf("%s\n\n", cli.Highlight("wc-node - Vehicular Wireless-Consensus Testbed Node"))
	fmt.Println("Usage: wc-node --role <leader|follower> --id <n> --total <n> [flags]")
	fmt.Println()
	fmt.Println("Common flags:")
	fmt.Println("  --role, --id, --total, --tx, --rx, --advertise, --compression")
	fmt.Println("Leader flags:")
	fmt.Println("  --snr-levels, --p-node-levels, --n-levels, --rounds, --vote-deadline,")
	fmt.Println("  --stabilize-time, --out-dir, --min-peers, --interactive")
	fmt.Println("Follower flags:")
	fmt.Println("  --ctrl, --target-snr, --init-gain, --p-node, --status-interval")
	fmt.Println()
	fmt.Println("Exit codes: 0 normal, 1 configuration error, 2 fatal runtime error, 130 on SIGINT.")
}
