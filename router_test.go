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
	"testing"

	"github.com/ctessum/sparse"
)

const Δt = 60. // seconds

// TestLinearChannel walks one particle down a 1×5 channel with a travel
// time of one step per cell: four steps to reach the outlet, retirement
// on the fifth, and a dry grid afterwards.
func TestLinearChannel(t *testing.T) {
	ny, nx := 1, 5
	lat := []float64{0}
	lon := []float64{0, 10, 20, 30, 40}
	dem := sparse.ZerosDense(ny, nx)
	cn := sparse.ZerosDense(ny, nx)
	dir := sparse.ZerosDenseInt(ny, nx)
	channel := sparse.ZerosDenseInt(ny, nx)
	for ix := 0; ix < nx-1; ix++ {
		dir.Set(1, 0, ix)
	}
	for ix := 0; ix < nx; ix++ {
		channel.Set(1, 0, ix)
	}
	d, err := NewDomain(lat, lon, dem, dir, cn, channel, EncodingESRI, false)
	if err != nil {
		t.Fatal(err)
	}

	pool := NewPool(ny, nx)
	pool.Ingest([]Particle{{Iy: 0, Ix: 0, Volume: 1}})
	cfg := RouterConfig{Dt: Δt, THillslope: 10 * Δt, TChannel: Δt}
	var ledger Ledger

	for step := 1; step <= 4; step++ {
		Route(pool, d, cfg, &ledger)
		if pool.Count() != 1 {
			t.Fatalf("step %d: count = %d, want 1", step, pool.Count())
		}
		if got := int(pool.Particles[0].Ix); got != step {
			t.Fatalf("step %d: particle at column %d, want %d", step, got, step)
		}
	}
	// The particle now stands on the sink cell; the next pass retires it.
	Route(pool, d, cfg, &ledger)
	if pool.Count() != 0 {
		t.Fatalf("after sink: count = %d, want 0", pool.Count())
	}
	if math.Abs(ledger.Outflow-1) > testTolerance {
		t.Errorf("outflow = %g, want 1", ledger.Outflow)
	}
	h := FloodDepth(pool, d)
	for i, v := range h.Elements {
		if v != 0 {
			t.Errorf("flood depth[%d] = %g, want 0", i, v)
		}
	}
}

// TestTimerGating verifies the timer invariant: a particle whose timer
// exceeds the step length holds its cell, then moves one hop when the
// timer runs out.
func TestTimerGating(t *testing.T) {
	d := testDomain(t, 1, 3, 1, 80)
	pool := NewPool(1, 3)
	pool.Ingest([]Particle{{Iy: 0, Ix: 0, Volume: 1, Timer: 2 * Δt}})
	cfg := RouterConfig{Dt: Δt, THillslope: 3 * Δt, TChannel: Δt}
	var ledger Ledger

	Route(pool, d, cfg, &ledger)
	if pool.Particles[0].Ix != 0 {
		t.Fatal("particle with positive timer moved")
	}
	if math.Abs(pool.Particles[0].Timer-Δt) > testTolerance {
		t.Errorf("timer = %g, want %g", pool.Particles[0].Timer, Δt)
	}

	Route(pool, d, cfg, &ledger)
	if pool.Particles[0].Ix != 1 {
		t.Fatal("particle with expired timer did not move")
	}
	// The hop recharges the timer from the hillslope class.
	if math.Abs(pool.Particles[0].Timer-3*Δt) > testTolerance {
		t.Errorf("recharged timer = %g, want %g", pool.Particles[0].Timer, 3*Δt)
	}

	// At most one hop per pass regardless of timer slack.
	if ledger.Hops != 1 {
		t.Errorf("hops = %d, want 1", ledger.Hops)
	}
}

func TestBoundaryLoss(t *testing.T) {
	// Directions pointing off the east edge retire particles into the
	// boundary-loss ledger, not outflow.
	d := testDomain(t, 1, 2, 1, 80)
	pool := NewPool(1, 2)
	pool.Ingest([]Particle{{Iy: 0, Ix: 1, Volume: 2.5}})
	var ledger Ledger
	Route(pool, d, RouterConfig{Dt: Δt, THillslope: Δt, TChannel: Δt}, &ledger)
	if pool.Count() != 0 {
		t.Fatalf("count = %d, want 0", pool.Count())
	}
	if math.Abs(ledger.BoundaryLoss-2.5) > testTolerance {
		t.Errorf("boundary loss = %g, want 2.5", ledger.BoundaryLoss)
	}
	if ledger.Outflow != 0 {
		t.Errorf("outflow = %g, want 0", ledger.Outflow)
	}
}

func TestChannelClassSwitch(t *testing.T) {
	// A particle hopping onto a channel cell picks up the channel
	// class and the shorter travel time.
	ny, nx := 1, 3
	lat := []float64{0}
	lon := []float64{0, 10, 20}
	dem := sparse.ZerosDense(ny, nx)
	cn := sparse.ZerosDense(ny, nx)
	dir := sparse.ZerosDenseInt(ny, nx)
	dir.Set(1, 0, 0)
	dir.Set(1, 0, 1)
	channel := sparse.ZerosDenseInt(ny, nx)
	channel.Set(1, 0, 1)
	d, err := NewDomain(lat, lon, dem, dir, cn, channel, EncodingESRI, false)
	if err != nil {
		t.Fatal(err)
	}
	pool := NewPool(ny, nx)
	pool.Ingest([]Particle{{Iy: 0, Ix: 0, Volume: 1}})
	var ledger Ledger
	Route(pool, d, RouterConfig{Dt: Δt, THillslope: 10 * Δt, TChannel: 2 * Δt}, &ledger)
	pt := pool.Particles[0]
	if !pt.Channel {
		t.Error("particle on a channel cell should carry the channel class")
	}
	if math.Abs(pt.Timer-Δt) > testTolerance { // -Δt + 2Δt
		t.Errorf("timer = %g, want %g", pt.Timer, Δt)
	}
}

func TestFloodDepthIdempotent(t *testing.T) {
	d := testDomain(t, 2, 2, 0, 80)
	pool := NewPool(2, 2)
	pool.Ingest([]Particle{
		{Iy: 0, Ix: 0, Volume: 1},
		{Iy: 0, Ix: 0, Volume: 2, Timer: 100}, // timed particles count too
		{Iy: 1, Ix: 1, Volume: 4},
	})
	h1 := FloodDepth(pool, d)
	h2 := FloodDepth(pool, d)
	for i := range h1.Elements {
		if h1.Elements[i] != h2.Elements[i] {
			t.Fatalf("aggregation not idempotent at %d: %g vs %g", i, h1.Elements[i], h2.Elements[i])
		}
	}
	if want := 3.0 / 100; math.Abs(h1.Get(0, 0)-want) > testTolerance {
		t.Errorf("depth(0,0) = %g, want %g", h1.Get(0, 0), want)
	}
}
