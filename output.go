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
	"sort"
	"time"

	"github.com/Knetic/govaluate"
	"github.com/ctessum/cdf"
	"github.com/ctessum/sparse"
)

const cfConventions = "CF-1.10"

// floatFill is the conventional fill value for float output variables.
const floatFill = float32(9.9692099683868690e+36)

const dimTime = "time"

// modelVariables are the fields output expressions may reference.
var modelVariables = map[string]string{
	"flood_depth": "m",
	"risk_index":  "1",
	"P":           "mm",
	"Q":           "mm",
	"flow_accum":  "m2",
}

// Outputter evaluates user-configured output expressions over the model
// fields and writes the result frames to a self-describing container.
// Each output variable is an expression over flood_depth, risk_index,
// P, Q, and flow_accum; the default set passes flood_depth and
// risk_index through unchanged.
type Outputter struct {
	fileName string
	exprs    map[string]*govaluate.EvaluableExpression
	units    map[string]string
}

// DefaultOutputVariables passes the two primary products through.
func DefaultOutputVariables() map[string]string {
	return map[string]string{
		"flood_depth": "flood_depth",
		"risk_index":  "risk_index",
	}
}

// NewOutputter parses and validates the output variable expressions.
func NewOutputter(fileName string, outputVariables map[string]string) (*Outputter, error) {
	if len(outputVariables) == 0 {
		outputVariables = DefaultOutputVariables()
	}
	o := &Outputter{
		fileName: fileName,
		exprs:    make(map[string]*govaluate.EvaluableExpression),
		units:    make(map[string]string),
	}
	for name, exprStr := range outputVariables {
		expr, err := govaluate.NewEvaluableExpression(exprStr)
		if err != nil {
			return nil, fmt.Errorf("%w: output variable %q: %v", ErrConfigurationInvalid, name, err)
		}
		for _, v := range expr.Vars() {
			if _, ok := modelVariables[v]; !ok {
				return nil, fmt.Errorf("%w: output variable %q references undefined field %q",
					ErrConfigurationInvalid, name, v)
			}
		}
		o.exprs[name] = expr
		if u, ok := modelVariables[exprStr]; ok {
			o.units[name] = u // pass-through keeps the field's units
		} else {
			o.units[name] = "1"
		}
	}
	return o, nil
}

// names returns the output variable names in stable order.
func (o *Outputter) names() []string {
	names := make([]string, 0, len(o.exprs))
	for n := range o.exprs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// WriteResults gathers the final cumulative fields and writes every
// aggregation snapshot to the output container on rank 0.
func WriteResults(o *Outputter, t Transport) EngineOp {
	return func(f *Flume) error {
		fullP, err := GatherField(t, f.Slab, f.Gen.P)
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
		return o.write(f, fullP, fullQ)
	}
}

func (o *Outputter) write(f *Flume, fullP, fullQ *sparse.DenseArray) error {
	d := f.Domain
	snaps := f.Snapshots
	if len(snaps) == 0 {
		return fmt.Errorf("flume: no aggregated snapshots to write")
	}
	names := o.names()

	h := cdf.NewHeader([]string{dimTime, dimLat, dimLon}, []int{len(snaps), d.Ny, d.Nx})
	h.AddVariable(dimTime, []string{dimTime}, []float64{0})
	h.AddAttribute(dimTime, "units", timeUnits(f.StartTime))
	h.AddVariable(dimLat, []string{dimLat}, []float64{0})
	h.AddAttribute(dimLat, "units", "degrees_north")
	h.AddVariable(dimLon, []string{dimLon}, []float64{0})
	h.AddAttribute(dimLon, "units", "degrees_east")
	for _, name := range names {
		h.AddVariable(name, []string{dimTime, dimLat, dimLon}, []float32{0})
		h.AddAttribute(name, "units", o.units[name])
		h.AddAttribute(name, "_FillValue", []float32{floatFill})
		if d.Mapping.Name != "" {
			h.AddAttribute(name, "grid_mapping", varCRS)
		}
	}
	if d.Mapping.Name != "" {
		h.AddVariable(varCRS, []string{}, []int32{0})
		h.AddAttribute(varCRS, "grid_mapping_name", d.Mapping.Name)
		h.AddAttribute(varCRS, "epsg_code", []int32{int32(d.Mapping.EPSG)})
		h.AddAttribute(varCRS, "semi_major_axis", []float64{d.Mapping.SemiMajorAxis})
		h.AddAttribute(varCRS, "inverse_flattening", []float64{d.Mapping.InverseFlattening})
	}
	h.AddAttribute("", "Conventions", cfConventions)
	h.AddAttribute("", "title", "Flume flood depth and risk index")
	h.AddAttribute("", "source", "Flume "+Version)
	h.AddAttribute("", "history", time.Now().UTC().Format(time.RFC3339)+": written by Flume")
	h.AddAttribute("", "ia_ratio", []float64{f.Gen.IaRatio})
	h.AddAttribute("", "t_hillslope", []float64{f.Router.THillslope})
	h.AddAttribute("", "t_channel", []float64{f.Router.TChannel})
	h.AddAttribute("", "beta", []float64{f.Risk().Beta})
	h.AddAttribute("", "v_target", []float64{f.Spawn.VTarget})
	h.AddAttribute("", "dt", []float64{f.Dt})
	h.Define()
	for _, err := range h.Check() {
		return fmt.Errorf("flume: defining output file: %v", err)
	}

	w, err := os.Create(o.fileName)
	if err != nil {
		return fmt.Errorf("flume: creating output file: %w", err)
	}
	defer w.Close()
	ff, err := cdf.Create(w, h)
	if err != nil {
		return fmt.Errorf("flume: creating output file: %w", err)
	}

	times := make([]float64, len(snaps))
	for i, s := range snaps {
		times[i] = s.Elapsed
	}
	if err := writeFloats(ff, dimTime, times); err != nil {
		return err
	}
	if err := writeFloats(ff, dimLat, d.Lat); err != nil {
		return err
	}
	if err := writeFloats(ff, dimLon, d.Lon); err != nil {
		return err
	}
	if d.Mapping.Name != "" {
		if err := writeInts(ff, varCRS, []int{0}); err != nil {
			return err
		}
	}

	accum := d.FlowAccumulation()
	params := make(map[string]interface{}, len(modelVariables))
	frame := make([]float32, d.Ny*d.Nx)
	for _, name := range names {
		expr := o.exprs[name]
		for is, s := range snaps {
			for i := range frame {
				if !d.Active[i] {
					frame[i] = floatFill
					continue
				}
				params["flood_depth"] = s.Flood.Elements[i]
				params["risk_index"] = s.Risk.Elements[i]
				params["P"] = fullP.Elements[i]
				params["Q"] = fullQ.Elements[i]
				params["flow_accum"] = accum.Elements[i]
				v, err := expr.Evaluate(params)
				if err != nil {
					return fmt.Errorf("flume: evaluating output variable %q: %v", name, err)
				}
				fv, ok := v.(float64)
				if !ok || math.IsNaN(fv) {
					frame[i] = floatFill
					continue
				}
				frame[i] = float32(fv)
			}
			wr := ff.Writer(name, []int{is, 0, 0}, []int{is + 1, d.Ny, d.Nx})
			if _, err := wr.Write(frame); err != nil {
				return fmt.Errorf("flume: writing output variable %q: %w", name, err)
			}
		}
	}
	return nil
}

// timeUnits renders a CF time units string anchored at the simulation
// start, or plain seconds for runs with no calendar.
func timeUnits(start time.Time) string {
	if start.IsZero() {
		return "s"
	}
	return "seconds since " + start.UTC().Format("2006-01-02 15:04:05")
}
