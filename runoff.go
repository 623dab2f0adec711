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
	"math"

	"github.com/ctessum/sparse"
)

// DefaultIaRatio is the standard initial-abstraction ratio for the
// curve-number method.
const DefaultIaRatio = 0.2

// RunoffGenerator converts per-step precipitation into incremental runoff
// depth using the SCS curve-number model in cumulative form. It owns the
// cumulative precipitation and runoff fields, which are monotonically
// non-decreasing over a run.
type RunoffGenerator struct {
	// IaRatio is the initial-abstraction ratio α.
	IaRatio float64

	// P and Q are cumulative precipitation and runoff per cell [mm].
	P, Q *sparse.DenseArray
}

// NewRunoffGenerator creates a generator with zeroed cumulative fields.
func NewRunoffGenerator(ny, nx int, iaRatio float64) *RunoffGenerator {
	return &RunoffGenerator{
		IaRatio: iaRatio,
		P:       sparse.ZerosDense(ny, nx),
		Q:       sparse.ZerosDense(ny, nx),
	}
}

// retention returns the potential maximum retention S [mm] for a curve
// number. CN=100 gives S=0 (impervious: all precipitation past the
// initial abstraction runs off); values outside (0, 100] retain
// everything, signalled by a negative return.
func retention(cn float64) float64 {
	if math.IsNaN(cn) || cn <= 0 || cn > 100 {
		return -1
	}
	return 25400/cn - 254
}

// Step commits one timestep of precipitation [mm] on the rows [r0, r1)
// and returns the incremental runoff depth ΔQ [mm] for those rows.
// Cells outside the slab or inactive in the domain are left untouched.
func (g *RunoffGenerator) Step(precip *sparse.DenseArray, d *Domain, r0, r1 int) *sparse.DenseArray {
	nx := d.Nx
	dq := sparse.ZerosDense(d.Ny, nx)
	for iy := r0; iy < r1; iy++ {
		for ix := 0; ix < nx; ix++ {
			i := iy*nx + ix
			if !d.Active[i] {
				continue
			}
			p := precip.Elements[i]
			if math.IsNaN(p) || p < 0 {
				p = 0
			}
			pNew := g.P.Elements[i] + p
			g.P.Elements[i] = pNew

			s := retention(d.CN.Elements[i])
			if s < 0 {
				continue // infinite retention, no runoff
			}
			ia := g.IaRatio * s
			var qNew float64
			if pNew > ia {
				qNew = (pNew - ia) * (pNew - ia) / (pNew - ia + s)
			}
			if dqv := qNew - g.Q.Elements[i]; dqv > 0 {
				dq.Elements[i] = dqv
				g.Q.Elements[i] = qNew
			}
		}
	}
	return dq
}

// RunoffVolume converts an incremental runoff depth [mm] at a cell into a
// spawned volume [m³].
func RunoffVolume(dqMM, areaM2 float64) float64 {
	return dqMM * areaM2 / 1000
}
