// SPDX-FileCopyrightText: 2025 The ecounter Authors
// SPDX-License-Identifier: Apache-2.0

// Package nodepower provides probes for the externally measured
// instantaneous power of the whole node, used by the overhead
// estimator.
package nodepower

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
)

// CommandProbe runs a shell command that prints the instantaneous node
// power in watts on its first output line. An empty output, a value
// that does not parse, or a non-positive value is an error; the caller
// treats probe errors as fatal.
type CommandProbe struct {
	logger  *slog.Logger
	command string
}

// NewCommandProbe creates a probe around the given shell command.
func NewCommandProbe(command string, logger *slog.Logger) *CommandProbe {
	return &CommandProbe{
		logger:  logger.With("probe", "command"),
		command: command,
	}
}

func (p *CommandProbe) Name() string {
	return "command-probe"
}

// Read runs the command and parses the watts from its first line.
func (p *CommandProbe) Read() (Power, error) {
	out, err := exec.Command("/bin/sh", "-c", p.command).Output()
	if err != nil {
		return 0, fmt.Errorf("node power command %q failed: %w", p.command, err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(out))
	if !scanner.Scan() {
		return 0, fmt.Errorf("node power command %q produced no output", p.command)
	}
	line := strings.TrimSpace(scanner.Text())

	watts, err := strconv.ParseInt(line, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("node power command %q returned a non-numeric value %q: %w", p.command, line, err)
	}
	if watts <= 0 {
		return 0, fmt.Errorf("node power command %q returned a non-positive value %d", p.command, watts)
	}

	p.logger.Debug("node power read", "watts", watts)
	return Power(watts) * Watt, nil
}

func (p *CommandProbe) Close() error {
	return nil
}
