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
Package config assembles the Options a node runs with: the CLI flag
surface for both roles (leader and follower), an environment override
layer, and validation. A Config can be written to a TOML file
(SaveToFile) and a Manager can load such a file back as a baseline
(LoadFromFile); loading restores the node, port, compression and
logging settings but not the sweep grid, rounds, deadlines or follower
gain settings.
*/
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"consensusrig/internal/wcerrors"
)

// Environment variable names recognized by LoadFromEnv.
const (
	EnvLogLevel = "WCTB_LOG_LEVEL"
	EnvLogJSON  = "WCTB_LOG_JSON"
	EnvNodeID   = "WCTB_ID"
	EnvCtrlPort = "WCTB_CTRL_PORT"
)

// Config is the fully resolved set of options a node binary runs with.
// Leader-only and follower-only fields are present whatever the Role;
// DefaultConfig fills in defaults for both, and a node reads only the
// fields that apply to its Role.
type Config struct {
	Role        string // "leader" or "follower"
	NodeID      int
	LeaderID    int // the node id consensus.Engine pins leadership to
	TotalNodes  int
	TxPort      int
	RxPort      int
	CtrlPort    int  // follower: local PHY control endpoint port
	Advertise   bool // advertise this node over mDNS for internal/discovery
	Interactive bool // leader: attach internal/shell
	OutDir      string // leader: result artifact directory
	MinPeers    int    // leader: peers required within tolerance to call a tier stable (0 = all)

	// Leader fields: experiment grid.
	SNRLevels     []float64
	PNodeLevels   []float64
	NLevels       []int
	RoundsPerCell int
	VoteDeadline  time.Duration
	StabilizeTime time.Duration

	// Follower fields: gain control loop.
	TargetSNR      float64
	InitGain       float64
	PNode          float64
	StatusInterval time.Duration

	// Compression controls the APPEND payload compression ladder
	// (internal/compression): CompressionAlg is one of
	// none/gzip/lz4/snappy/zstd, CompressionMinSize is the byte
	// threshold below which a payload is always sent uncompressed.
	CompressionAlg     string
	CompressionMinSize int

	LogLevel string
	LogJSON  bool

	ConfigFile string
}

// DefaultConfig returns the baseline Config before flags or environment
// variables are applied.
func DefaultConfig() *Config {
	return &Config{
		Role:               "follower",
		NodeID:             1,
		LeaderID:           1,
		TotalNodes:         1,
		TxPort:             9100,
		RxPort:             9101,
		CtrlPort:           9110,
		OutDir:             ".",
		RoundsPerCell:      50,
		VoteDeadline:       500 * time.Millisecond,
		StabilizeTime:      60 * time.Second,
		TargetSNR:          20.0,
		InitGain:           0.5,
		PNode:              0.9,
		StatusInterval:     1 * time.Second,
		CompressionAlg:     "snappy",
		CompressionMinSize: 256,
		LogLevel:           "info",
		LogJSON:            false,
	}
}

// Validate enforces spec §6's invariants over the CLI surface.
func (c *Config) Validate() error {
	if c.NodeID < 1 {
		return wcerrors.Config("--id", "must be >= 1")
	}
	if c.TotalNodes < c.NodeID {
		return wcerrors.Config("--total", "must be >= --id")
	}
	if c.LeaderID < 1 || c.LeaderID > c.TotalNodes {
		return wcerrors.Config("--leader-id", "must be in [1, --total]")
	}
	for _, p := range []struct {
		name string
		port int
	}{{"--tx", c.TxPort}, {"--rx", c.RxPort}} {
		if p.port <= 0 || p.port > 65535 {
			return wcerrors.Config(p.name, "must be a valid port in 1-65535")
		}
	}
	if c.TxPort == c.RxPort {
		return wcerrors.Config("--tx/--rx", "tx and rx ports must differ")
	}
	switch c.CompressionAlg {
	case "none", "gzip", "lz4", "snappy", "zstd":
	default:
		return wcerrors.Config("--compression", fmt.Sprintf("unknown algorithm %q, want none, gzip, lz4, snappy, or zstd", c.CompressionAlg))
	}
	if c.CompressionMinSize < 0 {
		return wcerrors.Config("--compression-min-size", "must be >= 0")
	}

	switch c.Role {
	case "leader":
		if len(c.SNRLevels) == 0 {
			return wcerrors.Config("--snr-levels", "leader requires at least one SNR level")
		}
		if len(c.PNodeLevels) == 0 {
			return wcerrors.Config("--p-node-levels", "leader requires at least one p_node level")
		}
		if len(c.NLevels) == 0 {
			return wcerrors.Config("--n-levels", "leader requires at least one n level")
		}
		if c.RoundsPerCell <= 0 {
			return wcerrors.Config("--rounds", "must be > 0")
		}
		if c.VoteDeadline <= 0 {
			return wcerrors.Config("--vote-deadline", "must be > 0")
		}
		if c.StabilizeTime <= 0 {
			return wcerrors.Config("--stabilize-time", "must be > 0")
		}
	case "follower":
		if c.CtrlPort <= 0 || c.CtrlPort > 65535 {
			return wcerrors.Config("--ctrl", "must be a valid port in 1-65535")
		}
		if c.CtrlPort == c.TxPort || c.CtrlPort == c.RxPort {
			return wcerrors.Config("--ctrl", "control port must differ from --tx and --rx")
		}
		if c.PNode < 0 || c.PNode > 1 {
			return wcerrors.Config("--p-node", "must be in [0, 1]")
		}
		if c.InitGain < 0 || c.InitGain > 1 {
			return wcerrors.Config("--init-gain", "must be in [0, 1]")
		}
		if c.StatusInterval <= 0 {
			return wcerrors.Config("--status-interval", "must be > 0")
		}
	default:
		return wcerrors.Config("--role", fmt.Sprintf("unknown role %q, want leader or follower", c.Role))
	}
	return nil
}

// String renders a human-readable summary of the effective config, one
// "Name: value" line per field.
func (c *Config) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Role: %s\n", c.Role)
	fmt.Fprintf(&b, "NodeID: %d\n", c.NodeID)
	fmt.Fprintf(&b, "LeaderID: %d\n", c.LeaderID)
	fmt.Fprintf(&b, "TotalNodes: %d\n", c.TotalNodes)
	fmt.Fprintf(&b, "TxPort: %d\n", c.TxPort)
	fmt.Fprintf(&b, "RxPort: %d\n", c.RxPort)
	fmt.Fprintf(&b, "CompressionAlg: %s\n", c.CompressionAlg)
	fmt.Fprintf(&b, "CompressionMinSize: %d\n", c.CompressionMinSize)
	if c.Role == "follower" {
		fmt.Fprintf(&b, "CtrlPort: %d\n", c.CtrlPort)
		fmt.Fprintf(&b, "TargetSNR: %.2f\n", c.TargetSNR)
		fmt.Fprintf(&b, "InitGain: %.2f\n", c.InitGain)
		fmt.Fprintf(&b, "PNode: %.2f\n", c.PNode)
		fmt.Fprintf(&b, "StatusInterval: %s\n", c.StatusInterval)
	}
	if c.Role == "leader" {
		fmt.Fprintf(&b, "SNRLevels: %v\n", c.SNRLevels)
		fmt.Fprintf(&b, "PNodeLevels: %v\n", c.PNodeLevels)
		fmt.Fprintf(&b, "NLevels: %v\n", c.NLevels)
		fmt.Fprintf(&b, "RoundsPerCell: %d\n", c.RoundsPerCell)
		fmt.Fprintf(&b, "VoteDeadline: %s\n", c.VoteDeadline)
		fmt.Fprintf(&b, "StabilizeTime: %s\n", c.StabilizeTime)
	}
	fmt.Fprintf(&b, "LogLevel: %s\n", c.LogLevel)
	fmt.Fprintf(&b, "LogJSON: %v\n", c.LogJSON)
	return b.String()
}

// ToTOML renders the config as TOML text, used by SaveToFile to persist
// the effective run configuration to a file.
func (c *Config) ToTOML() string {
	var b strings.Builder
	fmt.Fprintf(&b, "role = %q\n", c.Role)
	fmt.Fprintf(&b, "id = %d\n", c.NodeID)
	fmt.Fprintf(&b, "total = %d\n", c.TotalNodes)
	fmt.Fprintf(&b, "tx = %d\n", c.TxPort)
	fmt.Fprintf(&b, "rx = %d\n", c.RxPort)
	fmt.Fprintf(&b, "advertise = %v\n", c.Advertise)
	fmt.Fprintf(&b, "compression = %q\n", c.CompressionAlg)
	fmt.Fprintf(&b, "compression_min_size = %d\n", c.CompressionMinSize)
	if c.Role == "follower" {
		fmt.Fprintf(&b, "ctrl = %d\n", c.CtrlPort)
		fmt.Fprintf(&b, "target_snr = %f\n", c.TargetSNR)
		fmt.Fprintf(&b, "init_gain = %f\n", c.InitGain)
		fmt.Fprintf(&b, "p_node = %f\n", c.PNode)
		fmt.Fprintf(&b, "status_interval = %q\n", c.StatusInterval.String())
	}
	if c.Role == "leader" {
		fmt.Fprintf(&b, "leader_id = %d\n", c.LeaderID)
		fmt.Fprintf(&b, "interactive = %v\n", c.Interactive)
		fmt.Fprintf(&b, "out_dir = %q\n", c.OutDir)
		fmt.Fprintf(&b, "min_peers = %d\n", c.MinPeers)
		fmt.Fprintf(&b, "snr_levels = %s\n", formatFloatSlice(c.SNRLevels))
		fmt.Fprintf(&b, "p_node_levels = %s\n", formatFloatSlice(c.PNodeLevels))
		fmt.Fprintf(&b, "n_levels = %s\n", formatIntSlice(c.NLevels))
		fmt.Fprintf(&b, "rounds = %d\n", c.RoundsPerCell)
		fmt.Fprintf(&b, "vote_deadline = %q\n", c.VoteDeadline.String())
		fmt.Fprintf(&b, "stabilize_time = %q\n", c.StabilizeTime.String())
	}
	fmt.Fprintf(&b, "log_level = %q\n", c.LogLevel)
	fmt.Fprintf(&b, "log_json = %v\n", c.LogJSON)
	return b.String()
}

func formatFloatSlice(xs []float64) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = strconv.FormatFloat(x, 'f', -1, 64)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func formatIntSlice(xs []int) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = strconv.Itoa(x)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// SaveToFile writes the config's TOML form to path, creating parent
// directories as needed.
func (c *Config) SaveToFile(path string) error {
	dir := path[:strings.LastIndex(path, "/")+1]
	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return wcerrors.Config("config-file", "could not create parent directory").WithCause(err)
		}
	}
	return os.WriteFile(path, []byte(c.ToTOML()), 0644)
}

// Manager owns a Config and knows how to load it from a TOML file or an
// environment layer; each load overlays the keys it recognizes onto the
// current Config. CLI flags are applied by the caller on top of Get().
type Manager struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewManager returns a Manager seeded with DefaultConfig.
func NewManager() *Manager {
	return &Manager{cfg: DefaultConfig()}
}

// Get returns the current Config. Callers must not mutate the result.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// LoadFromFile loads a previously saved TOML config (as written by
// SaveToFile) and merges it into the current Config. Only a small,
// line-oriented subset of TOML is supported: this mirrors how the file
// was produced, not a general-purpose parser. Only the keys handled
// below are read; the grid levels, rounds, vote_deadline,
// stabilize_time, target_snr, init_gain, p_node and status_interval
// lines that SaveToFile also writes are ignored.
func (m *Manager) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return wcerrors.Config("config-file", "could not read file").WithCause(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cfg := *m.cfg
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		val = strings.Trim(val, `"`)
		switch key {
		case "role":
			cfg.Role = val
		case "id":
			cfg.NodeID = atoiOr(val, cfg.NodeID)
		case "total":
			cfg.TotalNodes = atoiOr(val, cfg.TotalNodes)
		case "tx":
			cfg.TxPort = atoiOr(val, cfg.TxPort)
		case "rx":
			cfg.RxPort = atoiOr(val, cfg.RxPort)
		case "ctrl":
			cfg.CtrlPort = atoiOr(val, cfg.CtrlPort)
		case "leader_id":
			cfg.LeaderID = atoiOr(val, cfg.LeaderID)
		case "advertise":
			cfg.Advertise = val == "true"
		case "interactive":
			cfg.Interactive = val == "true"
		case "out_dir":
			cfg.OutDir = val
		case "min_peers":
			cfg.MinPeers = atoiOr(val, cfg.MinPeers)
		case "compression":
			cfg.CompressionAlg = val
		case "compression_min_size":
			cfg.CompressionMinSize = atoiOr(val, cfg.CompressionMinSize)
		case "log_level":
			cfg.LogLevel = val
		case "log_json":
			cfg.LogJSON = val == "true"
		}
	}
	cfg.ConfigFile = path
	m.cfg = &cfg
	return nil
}

func atoiOr(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

// LoadFromEnv overlays any recognized WCTB_* environment variables onto
// the current Config.
func (m *Manager) LoadFromEnv() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg := *m.cfg
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(EnvLogJSON); v != "" {
		cfg.LogJSON = v == "true" || v == "1"
	}
	if v := os.Getenv(EnvNodeID); v != "" {
		cfg.NodeID = atoiOr(v, cfg.NodeID)
	}
	if v := os.Getenv(EnvCtrlPort); v != "" {
		cfg.CtrlPort = atoiOr(v, cfg.CtrlPort)
	}
	m.cfg = &cfg
}

var (
	globalOnce sync.Once
	globalMgr  *Manager
)

// Global returns the process-wide Manager singleton.
func Global() *Manager {
	globalOnce.Do(func() {
		globalMgr = NewManager()
	})
	return globalMgr
}
