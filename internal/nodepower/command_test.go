// SPDX-FileCopyrightText: 2025 The ecounter Authors
// SPDX-License-Identifier: Apache-2.0

package nodepower

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandProbe(t *testing.T) {
	probe := NewCommandProbe("echo 300", slog.Default())

	power, err := probe.Read()
	require.NoError(t, err)
	assert.InDelta(t, 300, power.Watts(), 1e-9)
	require.NoError(t, probe.Close())
}

func TestCommandProbeFirstLineOnly(t *testing.T) {
	probe := NewCommandProbe("printf '250\\nnoise\\n'", slog.Default())

	power, err := probe.Read()
	require.NoError(t, err)
	assert.InDelta(t, 250, power.Watts(), 1e-9)
}

func TestCommandProbeTrimsWhitespace(t *testing.T) {
	probe := NewCommandProbe("echo '  275  '", slog.Default())

	power, err := probe.Read()
	require.NoError(t, err)
	assert.InDelta(t, 275, power.Watts(), 1e-9)
}

func TestCommandProbeErrors(t *testing.T) {
	tt := []struct {
		name    string
		command string
		errText string
	}{
		{"empty output", "true", "produced no output"},
		{"non-numeric", "echo watts", "non-numeric value"},
		{"negative", "printf '%s\\n' '-5'", "non-positive value"},
		{"zero", "echo 0", "non-positive value"},
		{"command fails", "exit 3", "failed"},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			probe := NewCommandProbe(tc.command, slog.Default())
			_, err := probe.Read()
			assert.ErrorContains(t, err, tc.errText)
		})
	}
}
