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

// Package flume implements a distributed-memory Lagrangian flood-routing
// model. Rainfall is converted to incremental runoff by a cumulative
// curve-number model, discretized into water parcels, and transported
// along precomputed D8 directions with per-cell travel-time gating. The
// grid is decomposed into row slabs owned by ranks; parcels crossing a
// slab boundary migrate through a collective exchange that doubles as
// the step barrier.
package flume

import (
	"fmt"
	"io"
	"math"
	"time"

	"github.com/ctessum/sparse"
	"github.com/sirupsen/logrus"
)

// Version is the model version.
const Version = "1.1.0"

// EngineOp is a pipeline stage: it changes the engine state in some way.
// Engines are composed of stages to initialize, run each timestep, and
// clean up, so alternative models can be assembled from the same parts.
type EngineOp func(f *Flume) error

// Flume holds the state of one rank's share of a simulation.
type Flume struct {
	// Dt is the timestep length [s].
	Dt float64

	Domain *Domain
	Slab   *Slab
	Gen    *RunoffGenerator
	Pool   *Pool

	Spawn  SpawnConfig
	Router RouterConfig

	// Ledger tracks this rank's volume diagnostics.
	Ledger Ledger

	// Snapshots collects aggregated flood-depth and risk fields on
	// rank 0, one per aggregation.
	Snapshots []Snapshot

	// InitFuncs run once before the first step, RunFuncs once per step
	// in order, and CleanupFuncs once after Done becomes true.
	InitFuncs    []EngineOp
	RunFuncs     []EngineOp
	CleanupFuncs []EngineOp

	// Done stops the run loop at the next step boundary.
	Done bool

	// Cancel, when closed, interrupts the run at the next step
	// boundary for a clean shutdown.
	Cancel <-chan struct{}

	// Interrupted records that the run stopped on Cancel rather than
	// on its configured length.
	Interrupted bool

	// StartTime anchors the simulation calendar; rainfall lookups use
	// StartTime + elapsed.
	StartTime time.Time

	// Step and Elapsed are the completed step count and model time [s].
	Step    int
	Elapsed float64

	// Log receives structured progress and warnings. Defaults to the
	// standard logger.
	Log logrus.FieldLogger

	riskConfig RiskConfig

	// per-step scratch fields
	precip *sparse.DenseArray // this step's precipitation depth [mm]
	dq     *sparse.DenseArray // this step's incremental runoff [mm]
}

// Snapshot is one aggregated output frame, gathered on rank 0.
type Snapshot struct {
	Elapsed float64
	Flood   *sparse.DenseArray
	Risk    *sparse.DenseArray
}

// Clock returns the current simulation time.
func (f *Flume) Clock() time.Time {
	return f.StartTime.Add(time.Duration(f.Elapsed * float64(time.Second)))
}

// Init runs the initialization stages.
func (f *Flume) Init() error {
	if f.Log == nil {
		f.Log = logrus.StandardLogger()
	}
	for _, op := range f.InitFuncs {
		if err := op(f); err != nil {
			return err
		}
	}
	return nil
}

// Run executes the per-step stages until Done. The loop checks for
// cancellation only at step boundaries, so every step that starts
// completes, including its migration exchange.
func (f *Flume) Run() error {
	for !f.Done {
		select {
		case <-f.Cancel:
			f.Done = true
			f.Interrupted = true
			continue
		default:
		}
		for _, op := range f.RunFuncs {
			if err := op(f); err != nil {
				return err
			}
		}
		f.Step++
		f.Elapsed += f.Dt
	}
	return nil
}

// Cleanup runs the teardown stages.
func (f *Flume) Cleanup() error {
	for _, op := range f.CleanupFuncs {
		if err := op(f); err != nil {
			return err
		}
	}
	return nil
}

// UseDomain installs an already-loaded domain.
func UseDomain(d *Domain) EngineOp {
	return func(f *Flume) error {
		f.Domain = d
		return nil
	}
}

// LoadDomain reads the domain container at path.
func LoadDomain(path string) EngineOp {
	return func(f *Flume) error {
		d, err := ReadDomain(path)
		if err != nil {
			return err
		}
		f.Domain = d
		return nil
	}
}

// InitSlab sets up this rank's slab, runoff generator, and particle
// pool. It must follow a domain stage.
func InitSlab(rank, size int) EngineOp {
	return func(f *Flume) error {
		if f.Domain == nil {
			return fmt.Errorf("%w: InitSlab before a domain is loaded", ErrConfigurationInvalid)
		}
		s, err := NewSlab(f.Domain.Ny, rank, size)
		if err != nil {
			return err
		}
		f.Slab = s
		if f.Gen == nil {
			f.Gen = NewRunoffGenerator(f.Domain.Ny, f.Domain.Nx, DefaultIaRatio)
		}
		if f.Pool == nil {
			f.Pool = NewPool(f.Domain.Ny, f.Domain.Nx)
		}
		return nil
	}
}

// AddRainfall pulls the precipitation field for the current step and
// credits the rain term of the volume ledger for owned rows.
func AddRainfall(r *Rainfall) EngineOp {
	return func(f *Flume) error {
		precip, err := r.StepField(f.Clock(), f.Step, f.Dt)
		if err != nil {
			return err
		}
		f.precip = precip
		r0, r1 := f.Slab.Local()
		for iy := r0; iy < r1; iy++ {
			for ix := 0; ix < f.Domain.Nx; ix++ {
				if !f.Domain.IsActive(iy, ix) {
					continue
				}
				f.Ledger.Rain += RunoffVolume(precip.Get(iy, ix), f.Domain.CellArea(iy, ix))
			}
		}
		return nil
	}
}

// GenerateRunoff commits the step's precipitation to the cumulative
// fields and keeps the incremental runoff for spawning.
func GenerateRunoff() EngineOp {
	return func(f *Flume) error {
		if f.precip == nil {
			f.precip = sparse.ZerosDense(f.Domain.Ny, f.Domain.Nx)
		}
		r0, r1 := f.Slab.Local()
		f.dq = f.Gen.Step(f.precip, f.Domain, r0, r1)
		return nil
	}
}

// SpawnParticles converts the step's incremental runoff into particles.
func SpawnParticles() EngineOp {
	return func(f *Flume) error {
		if f.dq == nil {
			return nil
		}
		r0, r1 := f.Slab.Local()
		before := f.Pool.ResidualVolume()
		released := f.Pool.Spawn(f.dq, f.Domain, r0, r1, f.Spawn)
		// Runoff parked in a residual counts as generated now; residual
		// volume released into particles was counted when it was parked.
		f.Ledger.Spawned += released + f.Pool.ResidualVolume() - before
		f.dq = nil
		return nil
	}
}

// RouteParticles advances every particle at most one hop.
func RouteParticles() EngineOp {
	return func(f *Flume) error {
		cfg := f.Router
		cfg.Dt = f.Dt
		Route(f.Pool, f.Domain, cfg, &f.Ledger)
		return nil
	}
}

// Migrate exchanges particles whose row left this rank's slab. The
// collective acts as the barrier between steps: no rank proceeds to
// step n+1 until all ranks have finished step n.
func Migrate(t Transport) EngineOp {
	return func(f *Flume) error {
		buckets := f.Slab.PartitionMigrants(f.Pool)
		arrivals, err := exchange(t, buckets)
		if err != nil {
			return err
		}
		f.Pool.Ingest(arrivals)
		return nil
	}
}

// RunPeriodically runs op every `every` steps and on the final step.
func RunPeriodically(every int, op EngineOp) EngineOp {
	if every < 1 {
		every = 1
	}
	return func(f *Flume) error {
		if (f.Step+1)%every == 0 || f.Done {
			return op(f)
		}
		return nil
	}
}

// Aggregate merges co-located idle particles, reconstructs the flood
// depth field, gathers it with the cumulative runoff on rank 0, and
// reduces the risk index there. Because each particle resides on
// exactly one rank, the local depth sums are disjoint and gathering
// them yields the global field.
func Aggregate(t Transport) EngineOp {
	return func(f *Flume) error {
		f.Pool.Merge(f.Domain, f.Spawn.VMin)
		flood := FloodDepth(f.Pool, f.Domain)
		fullFlood, err := GatherField(t, f.Slab, flood)
		if err != nil {
			return err
		}
		fullQ, err := GatherField(t, f.Slab, f.Gen.Q)
		if err != nil {
			return err
		}
		if t.Rank() != 0 {
			return nil
		}
		risk, err := RiskIndex(fullQ, f.Domain.FlowAccumulation(), f.Domain.Active, f.Risk())
		if err != nil {
			return err
		}
		f.Snapshots = append(f.Snapshots, Snapshot{
			Elapsed: f.Elapsed + f.Dt,
			Flood:   fullFlood,
			Risk:    risk,
		})
		return nil
	}
}

// Risk returns the configured risk reduction parameters.
func (f *Flume) Risk() RiskConfig {
	cfg := f.riskConfig
	if cfg == (RiskConfig{}) {
		cfg = DefaultRiskConfig
	}
	return cfg
}

// SetRisk overrides the risk reduction parameters.
func (f *Flume) SetRisk(cfg RiskConfig) { f.riskConfig = cfg }

// StepConvergenceCheck finishes the run after nSteps steps.
func StepConvergenceCheck(nSteps int) EngineOp {
	return func(f *Flume) error {
		if f.Step+1 >= nSteps {
			f.Done = true
		}
		return nil
	}
}

// Log writes a progress line for each step.
func Log(w io.Writer) EngineOp {
	startTime := time.Now()
	stepTime := time.Now()
	return func(f *Flume) error {
		fmt.Fprintf(w, "Step %-5d walltime=%6.3gh Δwalltime=%4.2gs modeltime=%8.4gh particles=%-7d outflow=%.4g m³\n",
			f.Step+1, time.Since(startTime).Hours(), time.Since(stepTime).Seconds(),
			(f.Elapsed+f.Dt)/3600, f.Pool.Count(), f.Ledger.Outflow)
		stepTime = time.Now()
		return nil
	}
}

// MassBalance gathers the global volume ledger and verifies
// conservation: resident + retired + residual volume must equal the
// spawned volume. Within rtolWarn the check passes silently; between
// rtolWarn and rtolFatal the drift is logged; beyond rtolFatal the run
// aborts with ErrMassConservation. Only rank 0 evaluates the check.
func MassBalance(t Transport, rtolWarn, rtolFatal float64) EngineOp {
	return func(f *Flume) error {
		terms := []float64{
			f.Pool.TotalVolume(),
			f.Pool.ResidualVolume(),
			f.Ledger.Outflow,
			f.Ledger.BoundaryLoss,
			f.Ledger.Spawned,
		}
		buckets := make([][]Particle, t.Size())
		for i, v := range terms {
			buckets[0] = append(buckets[0], Particle{Iy: int32(i), Volume: v})
		}
		recs, err := exchange(t, buckets)
		if err != nil {
			return err
		}
		if t.Rank() != 0 {
			return nil
		}
		var global [5]float64
		for _, r := range recs {
			global[r.Iy] += r.Volume
		}
		held := global[0] + global[1] + global[2] + global[3]
		spawned := global[4]
		drift := math.Abs(held - spawned)
		scale := rtolWarn * spawned
		if drift <= scale || spawned == 0 {
			return nil
		}
		if drift > rtolFatal*spawned {
			return fmt.Errorf("%w: |%g - %g| = %g m³ at step %d",
				ErrMassConservation, held, spawned, drift, f.Step+1)
		}
		f.Log.WithFields(logrus.Fields{
			"step":    f.Step + 1,
			"held":    held,
			"spawned": spawned,
		}).Warn("mass balance drift within tolerance")
		return nil
	}
}
