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
	"math/rand"
	"testing"

	"github.com/ctessum/sparse"
)

// uniformRain builds a precipitation field with the same depth [mm]
// everywhere.
func uniformRain(ny, nx int, mm float64) *sparse.DenseArray {
	p := sparse.ZerosDense(ny, nx)
	for i := range p.Elements {
		p.Elements[i] = mm
	}
	return p
}

// TestCurveNumberThreshold reproduces the standard worked example:
// CN=80 gives S=63.5 mm and Ia=12.7 mm; 10 mm of rain stays below the
// abstraction, 20 mm cumulative yields ≈0.752 mm of runoff.
func TestCurveNumberThreshold(t *testing.T) {
	d := testDomain(t, 1, 1, 0, 80)
	g := NewRunoffGenerator(1, 1, DefaultIaRatio)

	dq := g.Step(uniformRain(1, 1, 10), d, 0, 1)
	if dq.Get(0, 0) != 0 {
		t.Errorf("after 10 mm: ΔQ = %g, want 0 (P below initial abstraction)", dq.Get(0, 0))
	}

	dq = g.Step(uniformRain(1, 1, 10), d, 0, 1)
	want := (20 - 12.7) * (20 - 12.7) / (20 - 12.7 + 63.5)
	if math.Abs(dq.Get(0, 0)-want) > 1e-12 {
		t.Errorf("after 20 mm: ΔQ = %g, want %g", dq.Get(0, 0), want)
	}
	if math.Abs(want-0.752) > 1e-3 {
		t.Errorf("worked example drifted: %g should be ≈0.752", want)
	}
}

func TestImperviousCell(t *testing.T) {
	// CN=100 means S=0 and Ia=0: all precipitation becomes runoff.
	d := testDomain(t, 1, 1, 0, 100)
	g := NewRunoffGenerator(1, 1, DefaultIaRatio)
	dq := g.Step(uniformRain(1, 1, 10), d, 0, 1)
	if math.Abs(dq.Get(0, 0)-10) > testTolerance {
		t.Errorf("impervious ΔQ = %g, want 10", dq.Get(0, 0))
	}
}

func TestFullRetentionCell(t *testing.T) {
	// Curve numbers outside (0, 100] retain everything.
	for _, cn := range []float64{0, -5, 101, math.NaN()} {
		d := testDomain(t, 1, 1, 0, cn)
		g := NewRunoffGenerator(1, 1, DefaultIaRatio)
		dq := g.Step(uniformRain(1, 1, 1000), d, 0, 1)
		if dq.Get(0, 0) != 0 {
			t.Errorf("CN=%g: ΔQ = %g, want 0", cn, dq.Get(0, 0))
		}
	}
}

// TestCumulativeFieldsNonDecreasing drives a generator with random rain
// pulses and checks P and Q never decrease.
func TestCumulativeFieldsNonDecreasing(t *testing.T) {
	const ny, nx = 4, 5
	d := testDomain(t, ny, nx, 1, 70)
	g := NewRunoffGenerator(ny, nx, DefaultIaRatio)
	rng := rand.New(rand.NewSource(42))

	prevP := make([]float64, ny*nx)
	prevQ := make([]float64, ny*nx)
	for step := 0; step < 50; step++ {
		rain := sparse.ZerosDense(ny, nx)
		for i := range rain.Elements {
			if rng.Float64() < 0.7 {
				rain.Elements[i] = rng.Float64() * 8
			}
		}
		g.Step(rain, d, 0, ny)
		for i := range prevP {
			if g.P.Elements[i] < prevP[i] {
				t.Fatalf("step %d: P[%d] decreased from %g to %g", step, i, prevP[i], g.P.Elements[i])
			}
			if g.Q.Elements[i] < prevQ[i] {
				t.Fatalf("step %d: Q[%d] decreased from %g to %g", step, i, prevQ[i], g.Q.Elements[i])
			}
			if g.Q.Elements[i] > g.P.Elements[i]+testTolerance {
				t.Fatalf("step %d: Q[%d]=%g exceeds P[%d]=%g", step, i, g.Q.Elements[i], i, g.P.Elements[i])
			}
			prevP[i] = g.P.Elements[i]
			prevQ[i] = g.Q.Elements[i]
		}
	}
}

func TestRunoffVolume(t *testing.T) {
	// 10 mm over 100 m² is one cubic meter.
	if v := RunoffVolume(10, 100); math.Abs(v-1) > testTolerance {
		t.Errorf("RunoffVolume(10, 100) = %g, want 1", v)
	}
}
