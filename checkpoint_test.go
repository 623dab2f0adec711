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
	"errors"
	"math"
	"path/filepath"
	"testing"
)

// newTestEngine assembles a serial engine around a domain with no I/O
// stages, for driving state directly in tests.
func newTestEngine(t *testing.T, d *Domain) *Flume {
	t.Helper()
	f := &Flume{
		Dt:     Δt,
		Spawn:  SpawnConfig{VTarget: 1, VMin: 1e-6, NMaxPerCell: 16},
		Router: RouterConfig{THillslope: 2 * Δt, TChannel: Δt},
	}
	f.InitFuncs = []EngineOp{UseDomain(d), InitSlab(0, 1)}
	if err := f.Init(); err != nil {
		t.Fatal(err)
	}
	return f
}

func TestCheckpointRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.nc")
	d := testDomain(t, 3, 2, 4, 80)
	tr := NewSelfTransport()

	f := newTestEngine(t, d)
	f.Pool.Ingest([]Particle{
		{Iy: 0, Ix: 1, Volume: 1.5, Timer: 30, Channel: true},
		{Iy: 2, Ix: 0, Volume: 0.25},
	})
	f.Gen.P.Set(12.5, 1, 1)
	f.Gen.Q.Set(3.25, 1, 1)
	f.Pool.Residual.Set(1e-4, 0, 0)
	f.Ledger = Ledger{Rain: 10, Spawned: 4, Outflow: 1.5, BoundaryLoss: 0.75}
	f.Step = 7
	f.Elapsed = 7 * Δt

	if err := WriteCheckpoint(path, f, tr); err != nil {
		t.Fatal(err)
	}
	st, err := ReadCheckpoint(path)
	if err != nil {
		t.Fatal(err)
	}
	if st.Step != 7 || st.Elapsed != 7*Δt {
		t.Errorf("clock (%d, %g), want (7, %g)", st.Step, st.Elapsed, 7*Δt)
	}
	if len(st.Particles) != 2 {
		t.Fatalf("particles %d, want 2", len(st.Particles))
	}
	p0 := st.Particles[0]
	if p0.Iy != 0 || p0.Ix != 1 || p0.Volume != 1.5 || p0.Timer != 30 || !p0.Channel {
		t.Errorf("particle 0 = %+v", p0)
	}
	if st.P.Get(1, 1) != 12.5 || st.Q.Get(1, 1) != 3.25 {
		t.Errorf("cumulative fields (%g, %g), want (12.5, 3.25)", st.P.Get(1, 1), st.Q.Get(1, 1))
	}
	if st.Residual.Get(0, 0) != 1e-4 {
		t.Errorf("residual = %g, want 1e-4", st.Residual.Get(0, 0))
	}
	if st.Ledger.Outflow != 1.5 || st.Ledger.BoundaryLoss != 0.75 {
		t.Errorf("ledger = %+v", st.Ledger)
	}
	if st.Encoding != "esri" {
		t.Errorf("encoding %q, want esri", st.Encoding)
	}
}

func TestCheckpointRestoresEngine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.nc")
	d := testDomain(t, 3, 2, 4, 80)
	tr := NewSelfTransport()

	f := newTestEngine(t, d)
	f.Pool.Ingest([]Particle{{Iy: 1, Ix: 0, Volume: 2, Timer: 10}})
	f.Gen.P.Set(20, 0, 0)
	f.Gen.Q.Set(5, 0, 0)
	f.Ledger.Spawned = 2
	f.Step = 3
	f.Elapsed = 3 * Δt
	if err := WriteCheckpoint(path, f, tr); err != nil {
		t.Fatal(err)
	}

	g := newTestEngine(t, d)
	if err := LoadCheckpoint(path, tr)(g); err != nil {
		t.Fatal(err)
	}
	if g.Step != 3 || g.Elapsed != 3*Δt {
		t.Errorf("restored clock (%d, %g), want (3, %g)", g.Step, g.Elapsed, 3*Δt)
	}
	if g.Pool.Count() != 1 {
		t.Fatalf("restored particles %d, want 1", g.Pool.Count())
	}
	pt := g.Pool.Particles[0]
	if pt.Iy != 1 || pt.Ix != 0 || pt.Volume != 2 || pt.Timer != 10 {
		t.Errorf("restored particle = %+v", pt)
	}
	if g.Gen.P.Get(0, 0) != 20 || g.Gen.Q.Get(0, 0) != 5 {
		t.Errorf("restored fields (%g, %g), want (20, 5)", g.Gen.P.Get(0, 0), g.Gen.Q.Get(0, 0))
	}
	if g.Ledger.Spawned != 2 {
		t.Errorf("restored spawned = %g, want 2", g.Ledger.Spawned)
	}
}

func TestRestartRejectsDifferentDomain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.nc")
	tr := NewSelfTransport()
	d := testDomain(t, 3, 2, 4, 80)
	f := newTestEngine(t, d)
	if err := WriteCheckpoint(path, f, tr); err != nil {
		t.Fatal(err)
	}

	// Different shape.
	other := testDomain(t, 4, 2, 4, 80)
	g := newTestEngine(t, other)
	if err := LoadCheckpoint(path, tr)(g); !errors.Is(err, ErrStateIncompatible) {
		t.Errorf("different shape: got %v, want ErrStateIncompatible", err)
	}

	// Same shape, different curve numbers.
	tweaked := testDomain(t, 3, 2, 4, 81)
	g2 := newTestEngine(t, tweaked)
	if err := LoadCheckpoint(path, tr)(g2); !errors.Is(err, ErrStateIncompatible) {
		t.Errorf("different terrain: got %v, want ErrStateIncompatible", err)
	}
}

// TestCheckpointIdempotentRestart checks the round-trip law: writing a
// checkpoint and restoring it with no intervening steps reproduces the
// state exactly.
func TestCheckpointIdempotentRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.nc")
	d := testDomain(t, 3, 2, 4, 80)
	tr := NewSelfTransport()

	f := newTestEngine(t, d)
	f.Pool.Ingest([]Particle{
		{Iy: 0, Ix: 0, Volume: 0.5},
		{Iy: 2, Ix: 1, Volume: 0.75, Timer: 45},
	})
	f.Gen.P.Set(8, 2, 1)
	f.Gen.Q.Set(2, 2, 1)
	if err := WriteCheckpoint(path, f, tr); err != nil {
		t.Fatal(err)
	}
	g := newTestEngine(t, d)
	if err := LoadCheckpoint(path, tr)(g); err != nil {
		t.Fatal(err)
	}
	if g.Pool.Count() != f.Pool.Count() {
		t.Fatalf("count %d != %d", g.Pool.Count(), f.Pool.Count())
	}
	for i := range f.Pool.Particles {
		a, b := f.Pool.Particles[i], g.Pool.Particles[i]
		if a.Iy != b.Iy || a.Ix != b.Ix || a.Volume != b.Volume || a.Timer != b.Timer {
			t.Errorf("particle %d: %+v != %+v", i, a, b)
		}
	}
	for i := range f.Gen.P.Elements {
		if f.Gen.P.Elements[i] != g.Gen.P.Elements[i] || f.Gen.Q.Elements[i] != g.Gen.Q.Elements[i] {
			t.Fatalf("cumulative fields differ at %d", i)
		}
	}
	if math.Abs(g.Pool.ResidualVolume()-f.Pool.ResidualVolume()) != 0 {
		t.Error("residuals differ")
	}
}
