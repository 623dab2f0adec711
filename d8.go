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
	"strings"

	"github.com/ctessum/sparse"
)

// D8Encoding selects the integer code scheme used by the direction grid.
type D8Encoding int

const (
	// EncodingESRI uses powers of two: 1=E, 2=SE, 4=S, 8=SW, 16=W,
	// 32=NW, 64=N, 128=NE. Any other value is a sink.
	EncodingESRI D8Encoding = iota

	// EncodingClockwise counts the compass neighbors clockwise from
	// east: 0=E, 1=SE, 2=S, 3=SW, 4=W, 5=NW, 6=N, 7=NE. Any other
	// value is a sink.
	EncodingClockwise
)

// d8Neighbor is one compass neighbor in clockwise order starting from east.
type d8Neighbor struct {
	dy, dx   int
	esriCode int
	diagonal bool
}

// d8Neighbors lists the eight compass neighbors clockwise from east. The
// slice index is the clockwise code.
var d8Neighbors = []d8Neighbor{
	{0, 1, 1, false},    // E
	{1, 1, 2, true},     // SE
	{1, 0, 4, false},    // S
	{1, -1, 8, true},    // SW
	{0, -1, 16, false},  // W
	{-1, -1, 32, true},  // NW
	{-1, 0, 64, false},  // N
	{-1, 1, 128, true},  // NE
}

var esriOffsets = map[int][2]int{
	1:   {0, 1},
	2:   {1, 1},
	4:   {1, 0},
	8:   {1, -1},
	16:  {0, -1},
	32:  {-1, -1},
	64:  {-1, 0},
	128: {-1, 1},
}

var clockwiseOffsets = map[int][2]int{
	0: {0, 1},
	1: {1, 1},
	2: {1, 0},
	3: {1, -1},
	4: {0, -1},
	5: {-1, -1},
	6: {-1, 0},
	7: {-1, 1},
}

// ParseD8Encoding interprets an encoding name from grid metadata.
func ParseD8Encoding(name string) (D8Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "esri", "":
		return EncodingESRI, nil
	case "clockwise", "cw0_7", "clockwise0_7", "0_7":
		return EncodingClockwise, nil
	}
	return 0, fmt.Errorf("%w: unknown D8 encoding %q", ErrDomainInvalid, name)
}

func (e D8Encoding) String() string {
	if e == EncodingClockwise {
		return "clockwise"
	}
	return "esri"
}

// Offset returns the (dy, dx) step for a direction code. ok is false when
// the code denotes a sink (including 0 in the ESRI scheme and any value
// outside the code table).
func (e D8Encoding) Offset(code int) (dy, dx int, ok bool) {
	var off [2]int
	switch e {
	case EncodingESRI:
		off, ok = esriOffsets[code]
	case EncodingClockwise:
		off, ok = clockwiseOffsets[code]
	}
	if !ok {
		return 0, 0, false
	}
	return off[0], off[1], true
}

// SinkCode returns the canonical sink value for the encoding.
func (e D8Encoding) SinkCode() int {
	if e == EncodingClockwise {
		return -1
	}
	return 0
}

// code returns the encoding's value for the i-th clockwise neighbor.
func (e D8Encoding) code(i int) int {
	if e == EncodingClockwise {
		return i
	}
	return d8Neighbors[i].esriCode
}

// ConvertD8 re-expresses a direction grid in another encoding, leaving
// sinks as the target encoding's sink code. Directions are preserved
// exactly, so trajectories computed from either grid are identical.
func ConvertD8(dir *sparse.DenseArrayInt, from, to D8Encoding) *sparse.DenseArrayInt {
	out := sparse.ZerosDenseInt(dir.Shape...)
	for i, code := range dir.Elements {
		out.Elements[i] = to.SinkCode()
		dy, dx, ok := from.Offset(code)
		if !ok {
			continue
		}
		for j, n := range d8Neighbors {
			if n.dy == dy && n.dx == dx {
				out.Elements[i] = to.code(j)
				break
			}
		}
	}
	return out
}

// DeriveD8 computes a direction grid from the elevation model by steepest
// descent. Ties prefer cardinal over diagonal neighbors, then the first
// neighbor clockwise from east. Cells with no descending neighbor, and
// inactive cells, get the sink code.
func DeriveD8(dem *sparse.DenseArray, active []bool, enc D8Encoding) *sparse.DenseArrayInt {
	ny, nx := dem.Shape[0], dem.Shape[1]
	dir := sparse.ZerosDenseInt(ny, nx)
	for iy := 0; iy < ny; iy++ {
		for ix := 0; ix < nx; ix++ {
			i := iy*nx + ix
			dir.Elements[i] = enc.SinkCode()
			if !active[i] {
				continue
			}
			z := dem.Elements[i]
			best := -1
			bestDrop := 0.0
			bestDiagonal := false
			for j, n := range d8Neighbors {
				jy, jx := iy+n.dy, ix+n.dx
				if jy < 0 || jy >= ny || jx < 0 || jx >= nx {
					continue
				}
				k := jy*nx + jx
				if !active[k] {
					continue
				}
				zn := dem.Elements[k]
				if math.IsNaN(zn) {
					continue
				}
				drop := z - zn
				if drop <= 0 {
					continue
				}
				switch {
				case best < 0 || drop > bestDrop:
					best, bestDrop, bestDiagonal = j, drop, n.diagonal
				case drop == bestDrop && bestDiagonal && !n.diagonal:
					best, bestDiagonal = j, false
				}
			}
			if best >= 0 {
				dir.Elements[i] = enc.code(best)
			}
		}
	}
	return dir
}
