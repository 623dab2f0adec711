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
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"time"

	"github.com/ctessum/cdf"
	"github.com/ctessum/sparse"
)

// Checkpoint container names.
const (
	dimParticles = "particles"

	varP        = "P"
	varQ        = "Q"
	varResidual = "residual"
	varPIy      = "p_iy"
	varPIx      = "p_ix"
	varPVolume  = "p_volume"
	varPTimer   = "p_timer"
	varPClass   = "p_class"

	varElapsed       = "elapsed_time"
	varStep          = "step"
	varParticleCount = "particle_count"
	varOutflow       = "outflow_volume"
	varBoundaryLoss  = "boundary_loss_volume"
	varRainVolume    = "rain_volume"
	varSpawnedVolume = "spawned_volume"

	attrTerrainDigest = "terrain_digest"
)

// CheckpointState is the engine state read back from a checkpoint
// container, before redistribution to ranks.
type CheckpointState struct {
	P, Q, Residual *sparse.DenseArray
	Particles      []Particle

	Elapsed float64
	Step    int
	Ledger  Ledger

	Ny, Nx   int
	Encoding string
	Digest   string
}

// terrainDigest fingerprints the terrain fields so a checkpoint can be
// rejected when restarted against a different domain.
func terrainDigest(d *Domain) string {
	h := fnv.New64a()
	var buf [8]byte
	writeF := func(v float64) {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}
	for _, v := range d.Elevation.Elements {
		writeF(v)
	}
	for _, v := range d.CN.Elements {
		writeF(v)
	}
	for _, v := range d.Dir.Elements {
		binary.LittleEndian.PutUint64(buf[:], uint64(int64(v)))
		h.Write(buf[:])
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// WriteCheckpoint gathers the full engine state on rank 0 and stores it
// as a single self-describing container. All ranks must call it at the
// same step boundary, after migration completes, so the state is
// globally consistent.
func WriteCheckpoint(path string, f *Flume, t Transport) error {
	parts, err := GatherParticles(t, f.Pool.Particles)
	if err != nil {
		return err
	}
	fullP, err := GatherField(t, f.Slab, f.Gen.P)
	if err != nil {
		return err
	}
	fullQ, err := GatherField(t, f.Slab, f.Gen.Q)
	if err != nil {
		return err
	}
	fullResid, err := GatherField(t, f.Slab, f.Pool.Residual)
	if err != nil {
		return err
	}
	ledger, err := gatherLedger(t, f.Ledger)
	if err != nil {
		return err
	}
	if t.Rank() != 0 {
		return nil
	}
	return writeCheckpointFile(path, f, t.Size(), parts, fullP, fullQ, fullResid, ledger)
}

// gatherLedger sums the per-rank ledgers on rank 0.
func gatherLedger(t Transport, l Ledger) (Ledger, error) {
	buckets := make([][]Particle, t.Size())
	buckets[0] = []Particle{
		{Iy: 0, Volume: l.Rain},
		{Iy: 1, Volume: l.Spawned},
		{Iy: 2, Volume: l.Outflow},
		{Iy: 3, Volume: l.BoundaryLoss},
	}
	recs, err := exchange(t, buckets)
	if err != nil {
		return Ledger{}, err
	}
	var out Ledger
	for _, r := range recs {
		switch r.Iy {
		case 0:
			out.Rain += r.Volume
		case 1:
			out.Spawned += r.Volume
		case 2:
			out.Outflow += r.Volume
		case 3:
			out.BoundaryLoss += r.Volume
		}
	}
	return out, nil
}

func writeCheckpointFile(path string, f *Flume, ranks int, parts []Particle,
	fullP, fullQ, fullResid *sparse.DenseArray, ledger Ledger) error {
	d := f.Domain
	np := len(parts)
	pdim := np
	if pdim == 0 {
		pdim = 1 // a zero-length dimension would be a record dimension
	}
	h := cdf.NewHeader([]string{dimLat, dimLon, dimParticles}, []int{d.Ny, d.Nx, pdim})
	h.AddVariable(dimLat, []string{dimLat}, []float64{0})
	h.AddVariable(dimLon, []string{dimLon}, []float64{0})
	for _, v := range []string{varP, varQ, varResidual} {
		h.AddVariable(v, []string{dimLat, dimLon}, []float64{0})
	}
	h.AddAttribute(varP, "units", "mm")
	h.AddAttribute(varQ, "units", "mm")
	h.AddAttribute(varResidual, "units", "m3")
	h.AddVariable(varPIy, []string{dimParticles}, []int32{0})
	h.AddVariable(varPIx, []string{dimParticles}, []int32{0})
	h.AddVariable(varPVolume, []string{dimParticles}, []float64{0})
	h.AddAttribute(varPVolume, "units", "m3")
	h.AddVariable(varPTimer, []string{dimParticles}, []float64{0})
	h.AddAttribute(varPTimer, "units", "s")
	h.AddVariable(varPClass, []string{dimParticles}, []int32{0})
	for _, v := range []string{varElapsed, varOutflow, varBoundaryLoss, varRainVolume, varSpawnedVolume} {
		h.AddVariable(v, []string{}, []float64{0})
	}
	h.AddAttribute(varElapsed, "units", "s")
	h.AddVariable(varStep, []string{}, []int32{0})
	h.AddVariable(varParticleCount, []string{}, []int32{0})

	h.AddAttribute("", "Conventions", cfConventions)
	h.AddAttribute("", "title", "Flume checkpoint")
	h.AddAttribute("", "source", "Flume "+Version)
	h.AddAttribute("", "history", time.Now().UTC().Format(time.RFC3339)+": checkpoint written by Flume")
	h.AddAttribute("", attrEncoding, d.Encoding.String())
	h.AddAttribute("", attrTerrainDigest, terrainDigest(d))
	h.AddAttribute("", "ia_ratio", []float64{f.Gen.IaRatio})
	h.AddAttribute("", "t_hillslope", []float64{f.Router.THillslope})
	h.AddAttribute("", "t_channel", []float64{f.Router.TChannel})
	h.AddAttribute("", "beta", []float64{f.Risk().Beta})
	h.AddAttribute("", "v_target", []float64{f.Spawn.VTarget})
	h.AddAttribute("", "v_min", []float64{f.Spawn.VMin})
	h.AddAttribute("", "n_max_per_cell", []int32{int32(f.Spawn.NMaxPerCell)})
	h.AddAttribute("", "dt", []float64{f.Dt})
	h.AddAttribute("", "ranks", []int32{int32(ranks)})
	h.Define()
	for _, err := range h.Check() {
		return fmt.Errorf("flume: defining checkpoint: %v", err)
	}

	w, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("flume: creating checkpoint: %w", err)
	}
	defer w.Close()
	ff, err := cdf.Create(w, h)
	if err != nil {
		return fmt.Errorf("flume: creating checkpoint: %w", err)
	}

	if err := writeFloats(ff, dimLat, d.Lat); err != nil {
		return err
	}
	if err := writeFloats(ff, dimLon, d.Lon); err != nil {
		return err
	}
	if err := writeFloats(ff, varP, fullP.Elements); err != nil {
		return err
	}
	if err := writeFloats(ff, varQ, fullQ.Elements); err != nil {
		return err
	}
	if err := writeFloats(ff, varResidual, fullResid.Elements); err != nil {
		return err
	}

	iy := make([]int, pdim)
	ix := make([]int, pdim)
	vol := make([]float64, pdim)
	timer := make([]float64, pdim)
	class := make([]int, pdim)
	for i, pt := range parts {
		iy[i], ix[i] = int(pt.Iy), int(pt.Ix)
		vol[i], timer[i] = pt.Volume, pt.Timer
		if pt.Channel {
			class[i] = 1
		}
	}
	if err := writeInts(ff, varPIy, iy); err != nil {
		return err
	}
	if err := writeInts(ff, varPIx, ix); err != nil {
		return err
	}
	if err := writeFloats(ff, varPVolume, vol); err != nil {
		return err
	}
	if err := writeFloats(ff, varPTimer, timer); err != nil {
		return err
	}
	if err := writeInts(ff, varPClass, class); err != nil {
		return err
	}

	if err := writeFloats(ff, varElapsed, []float64{f.Elapsed}); err != nil {
		return err
	}
	if err := writeInts(ff, varStep, []int{f.Step}); err != nil {
		return err
	}
	if err := writeInts(ff, varParticleCount, []int{np}); err != nil {
		return err
	}
	if err := writeFloats(ff, varOutflow, []float64{ledger.Outflow}); err != nil {
		return err
	}
	if err := writeFloats(ff, varBoundaryLoss, []float64{ledger.BoundaryLoss}); err != nil {
		return err
	}
	if err := writeFloats(ff, varRainVolume, []float64{ledger.Rain}); err != nil {
		return err
	}
	return writeFloats(ff, varSpawnedVolume, []float64{ledger.Spawned})
}

// ReadCheckpoint loads a checkpoint container into memory.
func ReadCheckpoint(path string) (*CheckpointState, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("flume: opening checkpoint: %w", err)
	}
	defer f.Close()
	ff, err := cdf.Open(f)
	if err != nil {
		return nil, fmt.Errorf("%w: reading checkpoint header: %v", ErrStateIncompatible, err)
	}
	dims := ff.Header.Lengths(varP)
	if len(dims) != 2 {
		return nil, fmt.Errorf("%w: cumulative field P has shape %v", ErrStateIncompatible, dims)
	}
	st := &CheckpointState{
		Ny:       dims[0],
		Nx:       dims[1],
		Encoding: attrString(ff, "", attrEncoding),
		Digest:   attrString(ff, "", attrTerrainDigest),
	}
	if st.P, err = readField(ff, varP, st.Ny, st.Nx); err != nil {
		return nil, err
	}
	if st.Q, err = readField(ff, varQ, st.Ny, st.Nx); err != nil {
		return nil, err
	}
	if st.Residual, err = readField(ff, varResidual, st.Ny, st.Nx); err != nil {
		return nil, err
	}

	np := int(scalarFloat(ff, varParticleCount))
	iy, err := readFloats(ff, varPIy)
	if err != nil {
		return nil, err
	}
	ix, err := readFloats(ff, varPIx)
	if err != nil {
		return nil, err
	}
	vol, err := readFloats(ff, varPVolume)
	if err != nil {
		return nil, err
	}
	timer, err := readFloats(ff, varPTimer)
	if err != nil {
		return nil, err
	}
	class, err := readFloats(ff, varPClass)
	if err != nil {
		return nil, err
	}
	if np > len(iy) {
		return nil, fmt.Errorf("%w: particle_count %d exceeds particle dimension %d",
			ErrStateIncompatible, np, len(iy))
	}
	st.Particles = make([]Particle, np)
	for i := 0; i < np; i++ {
		st.Particles[i] = Particle{
			Iy:      int32(iy[i]),
			Ix:      int32(ix[i]),
			Volume:  vol[i],
			Timer:   timer[i],
			Channel: class[i] != 0,
		}
	}

	st.Elapsed = scalarFloat(ff, varElapsed)
	st.Step = int(scalarFloat(ff, varStep))
	st.Ledger.Outflow = scalarFloat(ff, varOutflow)
	st.Ledger.BoundaryLoss = scalarFloat(ff, varBoundaryLoss)
	st.Ledger.Rain = scalarFloat(ff, varRainVolume)
	st.Ledger.Spawned = scalarFloat(ff, varSpawnedVolume)
	return st, nil
}

func scalarFloat(ff *cdf.File, name string) float64 {
	vals, err := readFloats(ff, name)
	if err != nil || len(vals) == 0 {
		return 0
	}
	return vals[0]
}

// LoadCheckpoint restores engine state from a checkpoint, redistributing
// particles and fields to the current rank layout. The rank count may
// differ from the one that wrote the file: ownership follows each
// particle's row. The current domain must match the checkpointed one.
func LoadCheckpoint(path string, t Transport) EngineOp {
	return func(f *Flume) error {
		var st *CheckpointState
		if t.Rank() == 0 {
			var err error
			st, err = ReadCheckpoint(path)
			if err != nil {
				return err
			}
			if st.Ny != f.Domain.Ny || st.Nx != f.Domain.Nx {
				return fmt.Errorf("%w: checkpoint grid (%d, %d), domain (%d, %d)",
					ErrStateIncompatible, st.Ny, st.Nx, f.Domain.Ny, f.Domain.Nx)
			}
			if st.Encoding != f.Domain.Encoding.String() {
				return fmt.Errorf("%w: checkpoint encoding %q, domain %q",
					ErrStateIncompatible, st.Encoding, f.Domain.Encoding)
			}
			if st.Digest != terrainDigest(f.Domain) {
				return fmt.Errorf("%w: terrain fields differ from checkpoint", ErrStateIncompatible)
			}
		} else {
			st = &CheckpointState{
				P:        sparse.ZerosDense(f.Domain.Ny, f.Domain.Nx),
				Q:        sparse.ZerosDense(f.Domain.Ny, f.Domain.Nx),
				Residual: sparse.ZerosDense(f.Domain.Ny, f.Domain.Nx),
			}
		}

		var err error
		if f.Gen.P, err = ScatterField(t, f.Slab, st.P, f.Domain.Ny, f.Domain.Nx); err != nil {
			return err
		}
		if f.Gen.Q, err = ScatterField(t, f.Slab, st.Q, f.Domain.Ny, f.Domain.Nx); err != nil {
			return err
		}
		if f.Pool.Residual, err = ScatterField(t, f.Slab, st.Residual, f.Domain.Ny, f.Domain.Nx); err != nil {
			return err
		}
		arrivals, err := ScatterParticlesByRow(t, f.Slab, st.Particles)
		if err != nil {
			return err
		}
		f.Pool.Particles = f.Pool.Particles[:0]
		f.Pool.Ingest(arrivals)

		// The global ledger is restored on rank 0 only, so globally
		// summed diagnostics stay correct; the step counter and model
		// time ride the particle exchange to the other ranks.
		if t.Rank() == 0 {
			f.Ledger = st.Ledger
			f.Elapsed = st.Elapsed
			f.Step = st.Step
		} else {
			f.Ledger = Ledger{}
		}
		step, elapsed, err := broadcastClock(t, f.Step, f.Elapsed)
		if err != nil {
			return err
		}
		f.Step, f.Elapsed = step, elapsed
		return nil
	}
}

// broadcastClock shares rank 0's step counter and model time with all
// ranks using the particle exchange.
func broadcastClock(t Transport, step int, elapsed float64) (int, float64, error) {
	buckets := make([][]Particle, t.Size())
	if t.Rank() == 0 {
		for dst := 0; dst < t.Size(); dst++ {
			buckets[dst] = []Particle{{Volume: float64(step), Timer: elapsed}}
		}
	}
	recs, err := exchange(t, buckets)
	if err != nil {
		return 0, 0, err
	}
	if len(recs) == 0 {
		return 0, 0, fmt.Errorf("%w: missing clock broadcast", ErrTransport)
	}
	return int(recs[0].Volume), recs[0].Timer, nil
}

// Checkpoint writes the engine state every `every` steps and at the end
// of the run. A non-positive cadence checkpoints only at the end.
func Checkpoint(path string, every int, t Transport) EngineOp {
	return func(f *Flume) error {
		if path == "" {
			return nil
		}
		if !f.Done && (every <= 0 || (f.Step+1)%every != 0) {
			return nil
		}
		// Inside the step loop the current step is complete but not
		// yet counted; record the state as of the step boundary.
		step, elapsed := f.Step, f.Elapsed
		f.Step++
		f.Elapsed += f.Dt
		err := WriteCheckpoint(path, f, t)
		f.Step, f.Elapsed = step, elapsed
		return err
	}
}
