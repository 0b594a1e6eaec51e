// SPDX-FileCopyrightText: 2025 The ecounter Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"math"

	"github.com/hewlettpackard/ecounter/internal/device"
)

// OverheadStats tracks the node power not accounted for by the summed
// component readings. Statistics accumulate for the process lifetime
// and are never reset.
//
// A cycle whose measured power is zero is a degenerate sample (the
// engine has no baseline yet, or every unit was idle at startup) and
// leaves the statistics untouched. Min starts at the maximum
// representable power so the first valid sample always lowers it.
type OverheadStats struct {
	min     device.Power
	max     device.Power
	avg     device.Power
	samples uint64
}

func NewOverheadStats() *OverheadStats {
	return &OverheadStats{
		min: device.Power(math.MaxFloat64),
	}
}

// Update folds one cycle into the statistics. Measured power exceeding
// the node power yields zero overhead, never a negative value.
func (o *OverheadStats) Update(nodePower, measured device.Power) {
	if measured == 0 {
		return
	}

	overhead := nodePower - measured
	if overhead < 0 {
		overhead = 0
	}

	if overhead < o.min {
		o.min = overhead
	}
	if overhead > o.max {
		o.max = overhead
	}
	o.avg = (o.avg*device.Power(o.samples) + overhead) / device.Power(o.samples+1)
	o.samples++
}

// Initialized reports whether at least one non-degenerate sample has
// been folded in; min/max/avg are meaningless before that.
func (o *OverheadStats) Initialized() bool {
	return o.samples > 0
}

func (o *OverheadStats) Min() device.Power {
	return o.min
}

func (o *OverheadStats) Max() device.Power {
	return o.max
}

func (o *OverheadStats) Average() device.Power {
	return o.avg
}

func (o *OverheadStats) Samples() uint64 {
	return o.samples
}
