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
Package shell is an optional interactive console for a running leader
sweep, attached with --interactive. It never gates or blocks the sweep
itself: peers/status/skip-cell/quit are all read-only or best-effort
signals layered over the experiment.Controller's own public surface.
*/
package shell

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"consensusrig/internal/experiment"
	"consensusrig/internal/logging"
	"consensusrig/pkg/cli"

	"github.com/chzyer/readline"
)

// Console is the interactive debugging console.
type Console struct {
	ctrl *experiment.Controller
	log  *logging.Logger
}

// NewConsole wires a console to a controller driving the active sweep.
func NewConsole(ctrl *experiment.Controller) *Console {
	return &Console{ctrl: ctrl, log: logging.NewLogger("shell")}
}

// Run blocks reading commands from stdin until "quit", "exit", Ctrl-D,
// or Ctrl-C on an empty line. Returns nil on any of those; the sweep
// itself is unaffected by detaching the console.
func (c *Console) Run() error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "wc> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return fmt.Errorf("start interactive console: %w", err)
	}
	defer rl.Close()

	cli.PrintInfo("interactive console attached (peers, status, skip-cell, quit)")

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				return nil
			}
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		if c.dispatch(strings.TrimSpace(line)) {
			return nil
		}
	}
}

// dispatch runs one command and reports whether the console should exit.
func (c *Console) dispatch(cmd string) bool {
	switch cmd {
	case "":
		return false
	case "quit", "exit":
		return true
	case "help", "?":
		c.printHelp()
	case "peers":
		c.printPeers()
	case "status":
		c.printStatus()
	case "skip-cell":
		c.ctrl.SkipCurrentCell()
		cli.PrintInfo("skip requested; the current cell will stop after its in-flight round")
	default:
		cli.ErrInvalidCommand(cmd).Print()
	}
	return false
}

func (c *Console) printHelp() {
	fmt.Println("available commands:")
	fmt.Println("  peers       show known peers, EWMA SNR, and liveness")
	fmt.Println("  status      show the active cell and round progress")
	fmt.Println("  skip-cell   end the in-progress cell early")
	fmt.Println("  help        show this message")
	fmt.Println("  quit        detach the console; the sweep keeps running")
}

func (c *Console) printPeers() {
	snapshot := c.ctrl.PeerSnapshot()
	if len(snapshot) == 0 {
		cli.PrintWarning("no peers observed yet")
		return
	}

	t := cli.NewTable("NODE", "EWMA SNR (dB)", "LIVENESS")
	for _, p := range snapshot {
		t.AddRow(strconv.Itoa(p.ID), fmt.Sprintf("%.2f", p.EWMASNR), p.Liveness.String())
	}
	t.Print()
}

func (c *Console) printStatus() {
	p := c.ctrl.Status()
	fmt.Printf("cell %d: snr_tier=%.1f dB p_node=%.2f n_target=%d\n", p.CellsDone+1, p.SNRTier, p.PNode, p.NTarget)
	fmt.Printf("round %d/%d\n", p.RoundsInCell, p.RoundsPlanned)
}
