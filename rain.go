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
	"os"
	"strings"
	"time"

	"github.com/ctessum/cdf"
	"github.com/ctessum/sparse"
	"github.com/sirupsen/logrus"
)

// Rain source kinds and modes.
const (
	RainKindNetCDF = "netcdf"
	RainKindScalar = "scalar"

	RainModeIntensity = "intensity_mmph"  // field is a rate [mm/h]
	RainModeDepth     = "depth_mm_per_step" // field is already [mm/step]
)

// RainSource is one precipitation input. Several sources are blended by
// weight; each is either a raster stack in a self-describing container
// or a uniform scalar rate.
type RainSource struct {
	Name    string
	Kind    string
	Weight  float64
	Mode    string
	Path    string
	Var     string
	TimeVar string
	Value   float64
}

// Rainfall resolves the blended precipitation field for each simulation
// step. The engine pulls one field per step; file handles are opened and
// released within the call, never held across steps.
type Rainfall struct {
	Sources []RainSource

	// Start and End bound the run window. A missing frame strictly
	// inside the window is fatal; outside it the field is zero.
	Start, End time.Time

	// Log receives warnings about skipped out-of-window frames.
	Log logrus.FieldLogger

	ny, nx int
}

// NewRainfall validates the source list against the domain shape.
func NewRainfall(sources []RainSource, ny, nx int, start, end time.Time) (*Rainfall, error) {
	for _, src := range sources {
		switch src.Kind {
		case RainKindScalar:
		case RainKindNetCDF:
			if src.Path == "" || src.Var == "" {
				return nil, fmt.Errorf("%w: rain source %q needs path and var",
					ErrConfigurationInvalid, src.Name)
			}
		default:
			return nil, fmt.Errorf("%w: rain source %q has unknown kind %q",
				ErrConfigurationInvalid, src.Name, src.Kind)
		}
		switch src.Mode {
		case RainModeIntensity, RainModeDepth:
		default:
			return nil, fmt.Errorf("%w: rain source %q has unknown mode %q",
				ErrConfigurationInvalid, src.Name, src.Mode)
		}
	}
	return &Rainfall{
		Sources: sources,
		Start:   start,
		End:     end,
		Log:     logrus.StandardLogger(),
		ny:      ny,
		nx:      nx,
	}, nil
}

// insideWindow reports whether t lies strictly inside the run window.
func (r *Rainfall) insideWindow(t time.Time) bool {
	if r.Start.IsZero() || r.End.IsZero() {
		return false
	}
	return t.After(r.Start) && t.Before(r.End)
}

// StepField returns the blended precipitation depth [mm] for the step at
// simulation time t. Out-of-range times yield a zero field; a missing
// required frame inside the window yields ErrRainfallUnavailable.
func (r *Rainfall) StepField(t time.Time, step int, dt float64) (*sparse.DenseArray, error) {
	total := sparse.ZerosDense(r.ny, r.nx)
	for _, src := range r.Sources {
		if src.Weight == 0 {
			continue
		}
		var field *sparse.DenseArray
		var err error
		switch src.Kind {
		case RainKindScalar:
			field = sparse.ZerosDense(r.ny, r.nx)
			for i := range field.Elements {
				field.Elements[i] = src.Value
			}
		case RainKindNetCDF:
			field, err = readRainFrame(src, r.ny, r.nx, t, step)
			if err != nil {
				if r.insideWindow(t) {
					return nil, err
				}
				// Outside the window a missing frame reads as zero.
				r.Log.WithField("source", src.Name).Warnf("no rainfall frame at %v: %v", t, err)
				continue
			}
		}
		w := src.Weight
		scale := 1.0
		if src.Mode == RainModeIntensity {
			scale = dt / 3600
		}
		for i, v := range field.Elements {
			if math.IsNaN(v) || v < 0 {
				continue
			}
			total.Elements[i] += w * v * scale
		}
	}
	return total, nil
}

// readRainFrame extracts the frame nearest to t from one raster stack.
func readRainFrame(src RainSource, ny, nx int, t time.Time, step int) (*sparse.DenseArray, error) {
	f, err := os.Open(src.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: source %q: %v", ErrRainfallUnavailable, src.Name, err)
	}
	defer f.Close()
	ff, err := cdf.Open(f)
	if err != nil {
		return nil, fmt.Errorf("%w: source %q: %v", ErrRainfallUnavailable, src.Name, err)
	}
	if !hasVariable(ff, src.Var) {
		return nil, fmt.Errorf("%w: variable %q not in %s", ErrRainfallUnavailable, src.Var, src.Path)
	}
	dims := ff.Header.Lengths(src.Var)
	switch len(dims) {
	case 2:
		if dims[0] != ny || dims[1] != nx {
			return nil, fmt.Errorf("%w: source %q shape %v, want (%d, %d)",
				ErrRainfallUnavailable, src.Name, dims, ny, nx)
		}
		return readField(ff, src.Var, ny, nx)
	case 3:
		if dims[1] != ny || dims[2] != nx {
			return nil, fmt.Errorf("%w: source %q shape %v, want (time, %d, %d)",
				ErrRainfallUnavailable, src.Name, dims, ny, nx)
		}
		it, err := nearestTimeIndex(ff, src, t, step, dims[0])
		if err != nil {
			return nil, err
		}
		return readFrame(ff, src.Var, it, ny, nx)
	}
	return nil, fmt.Errorf("%w: source %q must be 2-D or (time, latitude, longitude)",
		ErrRainfallUnavailable, src.Name)
}

// nearestTimeIndex picks the frame closest to t on the source's CF time
// axis, falling back to the step index when the axis is absent.
func nearestTimeIndex(ff *cdf.File, src RainSource, t time.Time, step, nt int) (int, error) {
	timeVar := src.TimeVar
	if timeVar == "" {
		timeVar = "time"
	}
	if !hasVariable(ff, timeVar) || t.IsZero() {
		if step >= nt {
			return nt - 1, nil
		}
		return step, nil
	}
	vals, err := readFloats(ff, timeVar)
	if err != nil {
		return 0, err
	}
	base, unit, err := parseCFTimeUnits(attrString(ff, timeVar, "units"))
	if err != nil {
		return 0, fmt.Errorf("%w: source %q: %v", ErrRainfallUnavailable, src.Name, err)
	}
	best, bestDiff := 0, math.Inf(1)
	for i, v := range vals {
		ti := base.Add(time.Duration(v * float64(unit)))
		if diff := math.Abs(t.Sub(ti).Seconds()); diff < bestDiff {
			best, bestDiff = i, diff
		}
	}
	return best, nil
}

// parseCFTimeUnits interprets a CF time units string such as
// "hours since 1900-01-01 00:00:0.0".
func parseCFTimeUnits(units string) (time.Time, time.Duration, error) {
	parts := strings.SplitN(strings.TrimSpace(units), " since ", 2)
	if len(parts) != 2 {
		return time.Time{}, 0, fmt.Errorf("cannot parse time units %q", units)
	}
	var unit time.Duration
	switch strings.ToLower(strings.TrimSpace(parts[0])) {
	case "seconds", "second", "s":
		unit = time.Second
	case "minutes", "minute", "min":
		unit = time.Minute
	case "hours", "hour", "h":
		unit = time.Hour
	case "days", "day", "d":
		unit = 24 * time.Hour
	default:
		return time.Time{}, 0, fmt.Errorf("unknown time unit in %q", units)
	}
	base := strings.TrimSpace(parts[1])
	base = strings.TrimSuffix(base, "Z")
	base = strings.Replace(base, "T", " ", 1)
	for _, layout := range []string{
		"2006-01-02 15:04:05",
		"2006-01-02 15:04:5.0", // "since 1900-01-01 00:00:0.0" style
		"2006-01-02 15:04",
		"2006-01-02",
	} {
		if ts, err := time.Parse(layout, base); err == nil {
			return ts.UTC(), unit, nil
		}
	}
	return time.Time{}, 0, fmt.Errorf("cannot parse base date in %q", units)
}

// readFrame reads one (latitude, longitude) slice of a 3-D variable.
func readFrame(ff *cdf.File, name string, it, ny, nx int) (*sparse.DenseArray, error) {
	r := ff.Reader(name, []int{it, 0, 0}, []int{it + 1, ny, nx})
	buf := r.Zero(ny * nx)
	if _, err := r.Read(buf); err != nil {
		return nil, fmt.Errorf("flume: reading rain frame %d of %q: %w", it, name, err)
	}
	a := sparse.ZerosDense(ny, nx)
	switch b := buf.(type) {
	case []float64:
		copy(a.Elements, b)
	case []float32:
		for i, v := range b {
			a.Elements[i] = float64(v)
		}
	default:
		return nil, fmt.Errorf("flume: rain variable %q has unsupported type %T", name, buf)
	}
	return a, nil
}
