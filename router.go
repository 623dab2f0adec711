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

import "github.com/ctessum/sparse"

// RouterConfig holds the per-hop travel times that gate particle motion.
// Channel acceleration is expressed by THillslope > TChannel.
type RouterConfig struct {
	Dt         float64 // step length [s]
	THillslope float64 // hillslope cell residence time [s]
	TChannel   float64 // channel cell residence time [s]
}

// Ledger accumulates the scalar volume diagnostics that, together with
// resident particles and residuals, close the mass balance.
type Ledger struct {
	Rain         float64 // precipitation volume delivered [m³]
	Spawned      float64 // runoff volume generated, in particles or residuals [m³]
	Outflow      float64 // volume retired through sinks [m³]
	BoundaryLoss float64 // volume retired across the grid edge [m³]
	Hops         int64   // hops taken, for reporting
}

// Add accumulates another ledger into this one.
func (l *Ledger) Add(o Ledger) {
	l.Rain += o.Rain
	l.Spawned += o.Spawned
	l.Outflow += o.Outflow
	l.BoundaryLoss += o.BoundaryLoss
	l.Hops += o.Hops
}

// Route advances every resident particle at most one hop along the flow
// network. A particle's timer is decremented by Dt; while it remains
// positive the particle holds its cell. An eligible particle standing on
// a sink cell retires into the outflow ledger; one whose downstream
// neighbor falls outside the grid retires into the boundary-loss ledger;
// otherwise it hops and its timer is recharged from the class of the
// destination cell. Retired particles are removed preserving order.
func Route(pool *Pool, d *Domain, cfg RouterConfig, ledger *Ledger) {
	kept := pool.Particles[:0]
	for _, pt := range pool.Particles {
		pt.Timer -= cfg.Dt
		if pt.Timer > 0 {
			kept = append(kept, pt)
			continue
		}
		jy, jx, kind := d.Downstream(int(pt.Iy), int(pt.Ix))
		switch kind {
		case HopSink:
			ledger.Outflow += pt.Volume
			continue
		case HopOutOfDomain:
			ledger.BoundaryLoss += pt.Volume
			continue
		}
		pt.Iy, pt.Ix = int32(jy), int32(jx)
		pt.Channel = d.IsChannel(jy, jx)
		if pt.Channel {
			pt.Timer += cfg.TChannel
		} else {
			pt.Timer += cfg.THillslope
		}
		if pt.Timer < 0 {
			pt.Timer = 0
		}
		ledger.Hops++
		kept = append(kept, pt)
	}
	pool.Particles = kept
}

// FloodDepth bins resident particle volumes into water depth [m] per
// cell: h = ΣV / area. Particles still waiting on their timers are
// included; they are present in the cell. The operation reads the pool
// without modifying it, so it is idempotent.
func FloodDepth(pool *Pool, d *Domain) *sparse.DenseArray {
	h := sparse.ZerosDense(d.Ny, d.Nx)
	for i := range pool.Particles {
		pt := &pool.Particles[i]
		h.AddVal(pt.Volume/d.CellArea(int(pt.Iy), int(pt.Ix)), int(pt.Iy), int(pt.Ix))
	}
	return h
}
