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
	"sync"

	"github.com/ctessum/cdf"
	"github.com/ctessum/sparse"
)

const earthRadius = 6371000. // m, spherical approximation

// GridMapping describes the coordinate reference system of a domain, in
// the shape of a CF grid-mapping variable.
type GridMapping struct {
	Name              string
	EPSG              int
	SemiMajorAxis     float64
	InverseFlattening float64
}

// HopKind classifies the result of following a cell's direction code.
type HopKind int

const (
	// HopAdvance means the downstream neighbor is a valid grid cell.
	HopAdvance HopKind = iota
	// HopSink means the cell's code denotes an outlet or no-flow cell.
	HopSink
	// HopOutOfDomain means the downstream neighbor falls outside the grid.
	HopOutOfDomain
)

// Domain holds the immutable terrain inputs: elevation, flow directions,
// curve numbers, the optional channel mask, coordinates, and derived cell
// areas. It is loaded once and never mutated during a simulation.
type Domain struct {
	Ny, Nx int

	// Lat and Lon are the 1-D coordinate center arrays, strictly
	// monotonic in index.
	Lat, Lon []float64

	Elevation *sparse.DenseArray
	Dir       *sparse.DenseArrayInt
	CN        *sparse.DenseArray
	Channel   *sparse.DenseArrayInt // nil when the domain has no channel mask

	// Active marks cells with finite elevation; inactive cells never
	// spawn or accumulate.
	Active []bool

	Encoding D8Encoding
	Mapping  GridMapping

	area *sparse.DenseArray

	accumOnce sync.Once
	accum     *sparse.DenseArray
}

// NewDomain assembles a domain from in-memory fields, deriving the active
// mask and cell areas. It validates shapes and coordinate monotonicity.
func NewDomain(lat, lon []float64, dem *sparse.DenseArray, dir *sparse.DenseArrayInt,
	cn *sparse.DenseArray, channel *sparse.DenseArrayInt, enc D8Encoding, geographic bool) (*Domain, error) {
	ny, nx := len(lat), len(lon)
	if ny == 0 || nx == 0 {
		return nil, fmt.Errorf("%w: empty coordinate axes", ErrDomainInvalid)
	}
	if !strictlyMonotonic(lat) || !strictlyMonotonic(lon) {
		return nil, fmt.Errorf("%w: coordinates are not strictly monotonic", ErrDomainInvalid)
	}
	for _, f := range []struct {
		name  string
		shape []int
	}{
		{"dem", dem.Shape},
		{"d8", dir.Shape},
		{"cn", cn.Shape},
	} {
		if len(f.shape) != 2 || f.shape[0] != ny || f.shape[1] != nx {
			return nil, fmt.Errorf("%w: %s shape %v does not match coordinates (%d, %d)",
				ErrDomainInvalid, f.name, f.shape, ny, nx)
		}
	}
	if channel != nil && (channel.Shape[0] != ny || channel.Shape[1] != nx) {
		return nil, fmt.Errorf("%w: channel_mask shape %v does not match coordinates (%d, %d)",
			ErrDomainInvalid, channel.Shape, ny, nx)
	}

	active := make([]bool, ny*nx)
	for i, z := range dem.Elements {
		active[i] = !math.IsNaN(z) && !math.IsInf(z, 0)
	}

	d := &Domain{
		Ny:        ny,
		Nx:        nx,
		Lat:       lat,
		Lon:       lon,
		Elevation: dem,
		Dir:       dir,
		CN:        cn,
		Channel:   channel,
		Active:    active,
		Encoding:  enc,
	}
	d.area = cellAreas(lat, lon, geographic)
	return d, nil
}

func strictlyMonotonic(x []float64) bool {
	if len(x) < 2 {
		return true
	}
	up := x[1] > x[0]
	for i := 1; i < len(x); i++ {
		if up && x[i] <= x[i-1] {
			return false
		}
		if !up && x[i] >= x[i-1] {
			return false
		}
	}
	return true
}

// cellAreas computes per-cell areas in m². Geographic coordinates get a
// per-row spherical area; projected coordinates get the constant dx·dy.
func cellAreas(lat, lon []float64, geographic bool) *sparse.DenseArray {
	ny, nx := len(lat), len(lon)
	a := sparse.ZerosDense(ny, nx)
	dy := spacing(lat)
	dx := spacing(lon)
	if !geographic {
		for i := range a.Elements {
			a.Elements[i] = dx * dy
		}
		return a
	}
	dlon := dx * math.Pi / 180
	for iy := 0; iy < ny; iy++ {
		top := (lat[iy] + dy/2) * math.Pi / 180
		bot := (lat[iy] - dy/2) * math.Pi / 180
		rowArea := math.Abs(earthRadius * earthRadius * dlon * (math.Sin(top) - math.Sin(bot)))
		for ix := 0; ix < nx; ix++ {
			a.Elements[iy*nx+ix] = rowArea
		}
	}
	return a
}

// spacing is the median absolute difference of a coordinate axis.
func spacing(x []float64) float64 {
	if len(x) < 2 {
		return 1
	}
	diffs := make([]float64, len(x)-1)
	for i := 1; i < len(x); i++ {
		diffs[i-1] = math.Abs(x[i] - x[i-1])
	}
	// Insertion sort; axes are short.
	for i := 1; i < len(diffs); i++ {
		for j := i; j > 0 && diffs[j] < diffs[j-1]; j-- {
			diffs[j], diffs[j-1] = diffs[j-1], diffs[j]
		}
	}
	return diffs[len(diffs)/2]
}

// Neighbor resolves a direction code at (iy, ix) into the downstream cell.
// It is a pure function of the domain's encoding and shape.
func (d *Domain) Neighbor(iy, ix, code int) (jy, jx int, kind HopKind) {
	dy, dx, ok := d.Encoding.Offset(code)
	if !ok {
		return iy, ix, HopSink
	}
	jy, jx = iy+dy, ix+dx
	if jy < 0 || jy >= d.Ny || jx < 0 || jx >= d.Nx {
		return iy, ix, HopOutOfDomain
	}
	return jy, jx, HopAdvance
}

// Downstream follows the direction grid one hop from (iy, ix).
func (d *Domain) Downstream(iy, ix int) (jy, jx int, kind HopKind) {
	return d.Neighbor(iy, ix, d.Dir.Get(iy, ix))
}

// CellArea returns the area of cell (iy, ix) in m².
func (d *Domain) CellArea(iy, ix int) float64 { return d.area.Get(iy, ix) }

// IsChannel reports whether (iy, ix) is a channel cell. Domains without a
// channel mask are all hillslope.
func (d *Domain) IsChannel(iy, ix int) bool {
	return d.Channel != nil && d.Channel.Get(iy, ix) != 0
}

// IsActive reports whether (iy, ix) has valid terrain.
func (d *Domain) IsActive(iy, ix int) bool { return d.Active[iy*d.Nx+ix] }

// FlowAccumulation returns the upstream contributing area of each cell in
// m², including the cell itself. It is computed once by a topological
// sweep over the inverse direction graph and cached.
func (d *Domain) FlowAccumulation() *sparse.DenseArray {
	d.accumOnce.Do(func() {
		acc := sparse.ZerosDense(d.Ny, d.Nx)
		indeg := make([]int, d.Ny*d.Nx)
		down := make([]int, d.Ny*d.Nx)
		for i := range down {
			down[i] = -1
		}
		for iy := 0; iy < d.Ny; iy++ {
			for ix := 0; ix < d.Nx; ix++ {
				i := iy*d.Nx + ix
				if !d.Active[i] {
					continue
				}
				acc.Elements[i] = d.area.Elements[i]
				jy, jx, kind := d.Downstream(iy, ix)
				if kind != HopAdvance {
					continue
				}
				down[i] = jy*d.Nx + jx
				indeg[jy*d.Nx+jx]++
			}
		}
		stack := make([]int, 0, d.Ny*d.Nx)
		for i := range indeg {
			if d.Active[i] && indeg[i] == 0 {
				stack = append(stack, i)
			}
		}
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			j := down[i]
			if j < 0 {
				continue
			}
			acc.Elements[j] += acc.Elements[i]
			indeg[j]--
			if indeg[j] == 0 && d.Active[j] {
				stack = append(stack, j)
			}
		}
		d.accum = acc
	})
	return d.accum
}

// SameGrid reports whether another domain has identical shape, encoding,
// and terrain fields.
func (d *Domain) SameGrid(o *Domain) bool {
	if d.Ny != o.Ny || d.Nx != o.Nx || d.Encoding != o.Encoding {
		return false
	}
	for i := range d.Elevation.Elements {
		za, zb := d.Elevation.Elements[i], o.Elevation.Elements[i]
		if za != zb && !(math.IsNaN(za) && math.IsNaN(zb)) {
			return false
		}
		if d.CN.Elements[i] != o.CN.Elements[i] {
			return false
		}
		if d.Dir.Elements[i] != o.Dir.Elements[i] {
			return false
		}
	}
	return true
}

// Domain container variable and dimension names.
const (
	dimLat = "latitude"
	dimLon = "longitude"

	varDEM     = "dem"
	varD8      = "d8"
	varCN      = "cn"
	varChannel = "channel_mask"
	varCRS     = "crs"

	attrEncoding = "encoding"
)

// ReadDomain loads a domain from a self-describing container. The D8
// encoding is taken from the d8 variable's "encoding" attribute,
// defaulting to ESRI. When the container has no d8 variable, directions
// are derived from the elevation model by steepest descent.
func ReadDomain(path string) (*Domain, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("flume: opening domain file: %w", err)
	}
	defer f.Close()
	ff, err := cdf.Open(f)
	if err != nil {
		return nil, fmt.Errorf("%w: reading domain header: %v", ErrDomainInvalid, err)
	}

	lat, err := readCoord(ff, dimLat)
	if err != nil {
		return nil, err
	}
	lon, err := readCoord(ff, dimLon)
	if err != nil {
		return nil, err
	}
	ny, nx := len(lat), len(lon)

	dem, err := readField(ff, varDEM, ny, nx)
	if err != nil {
		return nil, err
	}
	cn, err := readField(ff, varCN, ny, nx)
	if err != nil {
		return nil, err
	}

	enc := EncodingESRI
	if s := attrString(ff, varD8, attrEncoding); s != "" {
		enc, err = ParseD8Encoding(s)
		if err != nil {
			return nil, err
		}
	}

	active := make([]bool, ny*nx)
	for i, z := range dem.Elements {
		active[i] = !math.IsNaN(z) && !math.IsInf(z, 0)
	}

	var dir *sparse.DenseArrayInt
	if hasVariable(ff, varD8) {
		dir, err = readIntField(ff, varD8, ny, nx)
		if err != nil {
			return nil, err
		}
	} else {
		dir = DeriveD8(dem, active, enc)
	}

	var channel *sparse.DenseArrayInt
	if hasVariable(ff, varChannel) {
		channel, err = readIntField(ff, varChannel, ny, nx)
		if err != nil {
			return nil, err
		}
	}

	geographic := coordsAreGeographic(ff, lat)
	d, err := NewDomain(lat, lon, dem, dir, cn, channel, enc, geographic)
	if err != nil {
		return nil, err
	}
	d.Mapping = readGridMapping(ff)
	return d, nil
}

// WriteDomain stores a domain as a self-describing container suitable for
// ReadDomain. Used by the preprocessor and by tests.
func WriteDomain(path string, d *Domain) error {
	h := cdf.NewHeader([]string{dimLat, dimLon}, []int{d.Ny, d.Nx})
	h.AddVariable(dimLat, []string{dimLat}, []float64{0})
	h.AddAttribute(dimLat, "units", "degrees_north")
	h.AddVariable(dimLon, []string{dimLon}, []float64{0})
	h.AddAttribute(dimLon, "units", "degrees_east")
	h.AddVariable(varDEM, []string{dimLat, dimLon}, []float64{0})
	h.AddAttribute(varDEM, "units", "m")
	h.AddAttribute(varDEM, "grid_mapping", varCRS)
	h.AddVariable(varD8, []string{dimLat, dimLon}, []int32{0})
	h.AddAttribute(varD8, attrEncoding, d.Encoding.String())
	h.AddAttribute(varD8, "grid_mapping", varCRS)
	h.AddVariable(varCN, []string{dimLat, dimLon}, []float64{0})
	h.AddAttribute(varCN, "grid_mapping", varCRS)
	if d.Channel != nil {
		h.AddVariable(varChannel, []string{dimLat, dimLon}, []int32{0})
		h.AddAttribute(varChannel, "grid_mapping", varCRS)
	}
	h.AddVariable(varCRS, []string{}, []int32{0})
	if d.Mapping.Name != "" {
		h.AddAttribute(varCRS, "grid_mapping_name", d.Mapping.Name)
	}
	h.AddAttribute(varCRS, "epsg_code", []int32{int32(d.Mapping.EPSG)})
	h.AddAttribute(varCRS, "semi_major_axis", []float64{d.Mapping.SemiMajorAxis})
	h.AddAttribute(varCRS, "inverse_flattening", []float64{d.Mapping.InverseFlattening})
	h.AddAttribute("", "Conventions", cfConventions)
	h.Define()
	for _, err := range h.Check() {
		return fmt.Errorf("flume: defining domain file: %v", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("flume: creating domain file: %w", err)
	}
	defer f.Close()
	ff, err := cdf.Create(f, h)
	if err != nil {
		return fmt.Errorf("flume: creating domain file: %w", err)
	}
	if err := writeFloats(ff, dimLat, d.Lat); err != nil {
		return err
	}
	if err := writeFloats(ff, dimLon, d.Lon); err != nil {
		return err
	}
	if err := writeFloats(ff, varDEM, d.Elevation.Elements); err != nil {
		return err
	}
	if err := writeInts(ff, varD8, d.Dir.Elements); err != nil {
		return err
	}
	if err := writeFloats(ff, varCN, d.CN.Elements); err != nil {
		return err
	}
	if d.Channel != nil {
		if err := writeInts(ff, varChannel, d.Channel.Elements); err != nil {
			return err
		}
	}
	return writeInts(ff, varCRS, []int{0})
}

func coordsAreGeographic(ff *cdf.File, lat []float64) bool {
	if u := attrString(ff, dimLat, "units"); u != "" {
		return strings.HasPrefix(strings.ToLower(u), "degree")
	}
	for _, v := range lat {
		if math.Abs(v) > 90 {
			return false
		}
	}
	return true
}

func readGridMapping(ff *cdf.File) GridMapping {
	var m GridMapping
	if !hasVariable(ff, varCRS) {
		return m
	}
	m.Name = attrString(ff, varCRS, "grid_mapping_name")
	m.EPSG = int(attrFloat(ff, varCRS, "epsg_code"))
	m.SemiMajorAxis = attrFloat(ff, varCRS, "semi_major_axis")
	m.InverseFlattening = attrFloat(ff, varCRS, "inverse_flattening")
	return m
}

func hasVariable(ff *cdf.File, name string) bool {
	for _, v := range ff.Header.Variables() {
		if v == name {
			return true
		}
	}
	return false
}

func attrString(ff *cdf.File, v, a string) string {
	if s, ok := ff.Header.GetAttribute(v, a).(string); ok {
		return s
	}
	return ""
}

func attrFloat(ff *cdf.File, v, a string) float64 {
	switch x := ff.Header.GetAttribute(v, a).(type) {
	case []float64:
		if len(x) > 0 {
			return x[0]
		}
	case []float32:
		if len(x) > 0 {
			return float64(x[0])
		}
	case []int32:
		if len(x) > 0 {
			return float64(x[0])
		}
	}
	return 0
}

func readCoord(ff *cdf.File, name string) ([]float64, error) {
	if !hasVariable(ff, name) {
		return nil, fmt.Errorf("%w: missing coordinate variable %q", ErrDomainInvalid, name)
	}
	vals, err := readFloats(ff, name)
	if err != nil {
		return nil, err
	}
	if !strictlyMonotonic(vals) {
		return nil, fmt.Errorf("%w: coordinate %q is not strictly monotonic", ErrDomainInvalid, name)
	}
	return vals, nil
}

func readField(ff *cdf.File, name string, ny, nx int) (*sparse.DenseArray, error) {
	if !hasVariable(ff, name) {
		return nil, fmt.Errorf("%w: missing variable %q", ErrDomainInvalid, name)
	}
	dims := ff.Header.Lengths(name)
	if len(dims) != 2 || dims[0] != ny || dims[1] != nx {
		return nil, fmt.Errorf("%w: variable %q has shape %v, want (%d, %d)",
			ErrDomainInvalid, name, dims, ny, nx)
	}
	vals, err := readFloats(ff, name)
	if err != nil {
		return nil, err
	}
	a := sparse.ZerosDense(ny, nx)
	copy(a.Elements, vals)
	return a, nil
}

func readIntField(ff *cdf.File, name string, ny, nx int) (*sparse.DenseArrayInt, error) {
	dims := ff.Header.Lengths(name)
	if len(dims) != 2 || dims[0] != ny || dims[1] != nx {
		return nil, fmt.Errorf("%w: variable %q has shape %v, want (%d, %d)",
			ErrDomainInvalid, name, dims, ny, nx)
	}
	vals, err := readFloats(ff, name)
	if err != nil {
		return nil, err
	}
	a := sparse.ZerosDenseInt(ny, nx)
	for i, v := range vals {
		a.Elements[i] = int(v)
	}
	return a, nil
}

// readFloats reads the full contents of a variable, converting any of the
// container's numeric types to float64.
func readFloats(ff *cdf.File, name string) ([]float64, error) {
	n := 1
	for _, l := range ff.Header.Lengths(name) {
		n *= l
	}
	r := ff.Reader(name, nil, nil)
	buf := r.Zero(n)
	if _, err := r.Read(buf); err != nil {
		return nil, fmt.Errorf("flume: reading variable %q: %w", name, err)
	}
	switch b := buf.(type) {
	case []float64:
		return b, nil
	case []float32:
		out := make([]float64, len(b))
		for i, v := range b {
			out[i] = float64(v)
		}
		return out, nil
	case []int32:
		out := make([]float64, len(b))
		for i, v := range b {
			out[i] = float64(v)
		}
		return out, nil
	case []int16:
		out := make([]float64, len(b))
		for i, v := range b {
			out[i] = float64(v)
		}
		return out, nil
	case []uint8:
		out := make([]float64, len(b))
		for i, v := range b {
			out[i] = float64(v)
		}
		return out, nil
	}
	return nil, fmt.Errorf("flume: variable %q has unsupported type %T", name, buf)
}

func writeFloats(ff *cdf.File, name string, vals []float64) error {
	w := ff.Writer(name, nil, nil)
	if _, err := w.Write(vals); err != nil {
		return fmt.Errorf("flume: writing variable %q: %w", name, err)
	}
	return nil
}

func writeInts(ff *cdf.File, name string, vals []int) error {
	out := make([]int32, len(vals))
	for i, v := range vals {
		out[i] = int32(v)
	}
	w := ff.Writer(name, nil, nil)
	if _, err := w.Write(out); err != nil {
		return fmt.Errorf("flume: writing variable %q: %w", name, err)
	}
	return nil
}
