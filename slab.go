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

import "fmt"

// Slab is the contiguous range of grid rows owned by one rank. Rank r of
// R owns rows [⌊r·Ny/R⌋, ⌊(r+1)·Ny/R⌋), so ownership of a particle is a
// pure function of its row index.
type Slab struct {
	Rank, Size int
	Ny         int
}

// NewSlab validates and builds the decomposition for one rank.
func NewSlab(ny, rank, size int) (*Slab, error) {
	if size < 1 || rank < 0 || rank >= size {
		return nil, fmt.Errorf("%w: rank %d of %d", ErrConfigurationInvalid, rank, size)
	}
	if ny < size {
		return nil, fmt.Errorf("%w: %d ranks for %d rows", ErrConfigurationInvalid, size, ny)
	}
	return &Slab{Rank: rank, Size: size, Ny: ny}, nil
}

// Bounds returns the half-open row range [r0, r1) owned by a rank.
func (s *Slab) Bounds(rank int) (r0, r1 int) {
	return rank * s.Ny / s.Size, (rank + 1) * s.Ny / s.Size
}

// Local returns this rank's own row range.
func (s *Slab) Local() (r0, r1 int) { return s.Bounds(s.Rank) }

// HaloBounds widens the local range by one read-only row on each side,
// clamped to the grid; hops computed at slab edges read these rows.
func (s *Slab) HaloBounds() (r0, r1 int) {
	r0, r1 = s.Local()
	if r0 > 0 {
		r0--
	}
	if r1 < s.Ny {
		r1++
	}
	return r0, r1
}

// RankOfRow maps a row index to its owning rank.
func (s *Slab) RankOfRow(iy int) int {
	return ((iy + 1) * s.Size - 1) / s.Ny
}

// Owns reports whether this rank owns row iy.
func (s *Slab) Owns(iy int) bool { return s.RankOfRow(iy) == s.Rank }

// PartitionMigrants splits the pool into particles staying on this rank
// and per-destination buckets for the exchange. Bucket order within a
// destination preserves pool order, keeping migration deterministic for
// a fixed rank count.
func (s *Slab) PartitionMigrants(pool *Pool) [][]Particle {
	buckets := make([][]Particle, s.Size)
	stay := pool.Particles[:0]
	for _, pt := range pool.Particles {
		dst := s.RankOfRow(int(pt.Iy))
		if dst == s.Rank {
			stay = append(stay, pt)
			continue
		}
		buckets[dst] = append(buckets[dst], pt)
	}
	pool.Particles = stay
	return buckets
}
