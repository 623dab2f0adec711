/*
Copyright © 2026 the Flume authors.
This file is part of Flume.

Flume is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

Flume is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with Flume.  If not, see <http://www.gnu.org/licenses/>.
*/

package flume

import (
	"fmt"
	"math"
	"sort"

	"github.com/ctessum/sparse"
	"gonum.org/v1/gonum/stat"
)

// RiskConfig parameterizes the risk index reduction.
type RiskConfig struct {
	// Beta balances runoff against flow accumulation.
	Beta float64
	// PLow and PHigh are the clipping percentiles, in percent.
	PLow, PHigh float64
}

// DefaultRiskConfig matches the operational defaults.
var DefaultRiskConfig = RiskConfig{Beta: 0.5, PLow: 5, PHigh: 95}

// robustNormalize rescales a field to [0, 1] using percentile clipping,
// which resists outliers better than a min/max rescale. Inactive cells
// come out NaN. A field with no spread normalizes to 0.5 so that it
// contributes a neutral term to the combined index.
func robustNormalize(f *sparse.DenseArray, active []bool, pLow, pHigh float64) *sparse.DenseArray {
	vals := make([]float64, 0, len(f.Elements))
	for i, v := range f.Elements {
		if active[i] && !math.IsNaN(v) {
			vals = append(vals, v)
		}
	}
	out := sparse.ZerosDense(f.Shape...)
	for i := range out.Elements {
		out.Elements[i] = math.NaN()
	}
	if len(vals) == 0 {
		return out
	}
	sort.Float64s(vals)
	lo := stat.Quantile(pLow/100, stat.Empirical, vals, nil)
	hi := stat.Quantile(pHigh/100, stat.Empirical, vals, nil)
	for i, v := range f.Elements {
		if !active[i] || math.IsNaN(v) {
			continue
		}
		if hi <= lo {
			out.Elements[i] = 0.5
			continue
		}
		y := (v - lo) / (hi - lo)
		out.Elements[i] = math.Min(1, math.Max(0, y))
	}
	return out
}

// RiskIndex combines percentile-normalized cumulative runoff and flow
// accumulation into a unit-free index in [0, 1]:
// R = β·Q̂ + (1−β)·Â. Deterministic given the same fields.
func RiskIndex(runoff, flowAccum *sparse.DenseArray, active []bool, cfg RiskConfig) (*sparse.DenseArray, error) {
	if cfg.Beta < 0 || cfg.Beta > 1 {
		return nil, fmt.Errorf("%w: beta %g outside [0, 1]", ErrConfigurationInvalid, cfg.Beta)
	}
	if cfg.PLow < 0 || cfg.PHigh > 100 || cfg.PLow >= cfg.PHigh {
		return nil, fmt.Errorf("%w: percentiles (%g, %g)", ErrConfigurationInvalid, cfg.PLow, cfg.PHigh)
	}
	qn := robustNormalize(runoff, active, cfg.PLow, cfg.PHigh)
	an := robustNormalize(flowAccum, active, cfg.PLow, cfg.PHigh)
	out := sparse.ZerosDense(runoff.Shape...)
	for i := range out.Elements {
		if !active[i] {
			out.Elements[i] = math.NaN()
			continue
		}
		out.Elements[i] = cfg.Beta*qn.Elements[i] + (1-cfg.Beta)*an.Elements[i]
	}
	return out, nil
}
