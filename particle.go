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

// Particle is a discrete carrier of water volume moving along the flow
// network. The id is rank-local and used only for debugging; it does not
// survive migration.
type Particle struct {
	Iy, Ix  int32
	Volume  float64 // m³, strictly positive
	Timer   float64 // s, time until the next hop is allowed
	Channel bool    // class bit, refreshed from the cell on each hop

	id uint64
}

// SpawnConfig bounds particle creation.
type SpawnConfig struct {
	// VTarget is the nominal particle volume [m³]; a cell's spawned
	// volume is split into roughly VTarget-sized particles.
	VTarget float64
	// VMin is the minimum volume worth carrying [m³]; smaller amounts
	// accumulate in the per-cell residual until they cross it.
	VMin float64
	// NMaxPerCell caps the number of particles created on one cell in
	// one step.
	NMaxPerCell int
}

// Pool owns the particles resident on this rank, plus the per-cell
// residual accumulator for sub-threshold runoff volumes.
type Pool struct {
	Particles []Particle

	// Residual holds runoff volume [m³] not yet large enough to spawn.
	// It counts toward mass-conservation diagnostics.
	Residual *sparse.DenseArray

	nextID uint64
}

// NewPool creates an empty pool for a grid of the given shape.
func NewPool(ny, nx int) *Pool {
	return &Pool{Residual: sparse.ZerosDense(ny, nx)}
}

// Count returns the number of resident particles.
func (p *Pool) Count() int { return len(p.Particles) }

// TotalVolume returns the volume held by resident particles [m³].
func (p *Pool) TotalVolume() float64 {
	var v float64
	for i := range p.Particles {
		v += p.Particles[i].Volume
	}
	return v
}

// ResidualVolume returns the volume waiting in the residual accumulator.
func (p *Pool) ResidualVolume() float64 {
	var v float64
	for _, r := range p.Residual.Elements {
		v += r
	}
	return v
}

// add appends a particle and assigns it a fresh rank-local id.
func (p *Pool) add(pt Particle) {
	p.nextID++
	pt.id = p.nextID
	p.Particles = append(p.Particles, pt)
}

// Ingest appends particles arriving from a migration exchange. Arrivals
// get fresh local ids.
func (p *Pool) Ingest(arrivals []Particle) {
	for _, pt := range arrivals {
		p.add(pt)
	}
}

// Spawn converts incremental runoff depth ΔQ [mm] on rows [r0, r1) into
// particles, honoring the volume threshold and the per-cell cap. The
// spawn order is deterministic: row-major over cells, ascending within a
// cell. Returns the total volume released into particles [m³].
func (p *Pool) Spawn(dq *sparse.DenseArray, d *Domain, r0, r1 int, cfg SpawnConfig) float64 {
	var spawned float64
	nx := d.Nx
	for iy := r0; iy < r1; iy++ {
		for ix := 0; ix < nx; ix++ {
			i := iy*nx + ix
			if !d.Active[i] {
				continue
			}
			dv := RunoffVolume(dq.Elements[i], d.CellArea(iy, ix)) + p.Residual.Elements[i]
			if dv <= 0 {
				continue
			}
			if dv < cfg.VMin {
				p.Residual.Elements[i] = dv
				continue
			}
			p.Residual.Elements[i] = 0
			n := int(math.Ceil(dv / cfg.VTarget))
			if n < 1 {
				n = 1
			}
			if cfg.NMaxPerCell > 0 && n > cfg.NMaxPerCell {
				n = cfg.NMaxPerCell
			}
			vol := dv / float64(n)
			channel := d.IsChannel(iy, ix)
			for k := 0; k < n; k++ {
				p.add(Particle{
					Iy:      int32(iy),
					Ix:      int32(ix),
					Volume:  vol,
					Timer:   0,
					Channel: channel,
				})
			}
			spawned += dv
		}
	}
	return spawned
}

// Merge combines particles that share a cell and are free to move
// (Timer ≤ 0), summing volumes. The surviving particle of each group is
// the first by insertion order, so merging is deterministic. Merged
// particles whose volume still falls below vMin are returned to the
// residual accumulator. Mass is preserved either way.
func (p *Pool) Merge(d *Domain, vMin float64) {
	first := make(map[int64]int)
	out := p.Particles[:0]
	for _, pt := range p.Particles {
		if pt.Timer > 0 {
			out = append(out, pt)
			continue
		}
		key := int64(pt.Iy)*int64(d.Nx) + int64(pt.Ix)
		if j, ok := first[key]; ok {
			out[j].Volume += pt.Volume
			continue
		}
		out = append(out, pt)
		first[key] = len(out) - 1
	}
	kept := out[:0]
	for _, pt := range out {
		if pt.Timer <= 0 && pt.Volume < vMin {
			p.Residual.AddVal(pt.Volume, int(pt.Iy), int(pt.Ix))
			continue
		}
		kept = append(kept, pt)
	}
	p.Particles = kept
}
