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
	"sync"

	"github.com/ctessum/sparse"
)

// Transport performs the collective exchanges between ranks. The two
// operations mirror an all-to-all on counts followed by an all-to-all on
// variable-length particle payloads; the exchange doubles as the step
// barrier. send[rank] addressed to the caller's own rank is delivered
// back locally.
//
// Implementations must be called once per round by every rank in the
// group; the calls block until all peers have contributed.
type Transport interface {
	Rank() int
	Size() int

	// ExchangeCounts publishes per-destination counts and returns the
	// per-source counts addressed to this rank.
	ExchangeCounts(send []int) ([]int, error)

	// ExchangeParticles moves particle records; the returned slice
	// concatenates arrivals in source-rank order.
	ExchangeParticles(send [][]Particle) ([]Particle, error)
}

// ParticleRecordLen is the number of float64 words in a packed particle
// record: row, column, volume, timer, class.
const ParticleRecordLen = 5

// PackParticles flattens particles into fixed-size float64 records for
// the wire. Local debug ids are not carried.
func PackParticles(parts []Particle) []float64 {
	buf := make([]float64, 0, len(parts)*ParticleRecordLen)
	for i := range parts {
		pt := &parts[i]
		class := 0.
		if pt.Channel {
			class = 1
		}
		buf = append(buf, float64(pt.Iy), float64(pt.Ix), pt.Volume, pt.Timer, class)
	}
	return buf
}

// UnpackParticles rebuilds particles from packed records.
func UnpackParticles(buf []float64) ([]Particle, error) {
	if len(buf)%ParticleRecordLen != 0 {
		return nil, fmt.Errorf("%w: particle payload length %d is not a multiple of %d",
			ErrTransport, len(buf), ParticleRecordLen)
	}
	parts := make([]Particle, 0, len(buf)/ParticleRecordLen)
	for i := 0; i < len(buf); i += ParticleRecordLen {
		parts = append(parts, Particle{
			Iy:      int32(buf[i]),
			Ix:      int32(buf[i+1]),
			Volume:  buf[i+2],
			Timer:   buf[i+3],
			Channel: buf[i+4] != 0,
		})
	}
	return parts, nil
}

// barrier is a reusable synchronization point for a fixed party count.
type barrier struct {
	mu    sync.Mutex
	cond  *sync.Cond
	n     int
	count int
	round int
}

func newBarrier(n int) *barrier {
	b := &barrier{n: n}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *barrier) wait() {
	b.mu.Lock()
	round := b.round
	b.count++
	if b.count == b.n {
		b.count = 0
		b.round++
		b.cond.Broadcast()
	} else {
		for round == b.round {
			b.cond.Wait()
		}
	}
	b.mu.Unlock()
}

// localGroup shares exchange state among in-process ranks. It lets a
// mock multi-rank setup drive the full migration path on one process,
// with each rank running in its own goroutine.
type localGroup struct {
	size    int
	counts  [][]int
	parts   [][][]Particle
	deposit *barrier
	collect *barrier
}

// LocalTransport is one rank's endpoint into an in-process group.
type LocalTransport struct {
	g    *localGroup
	rank int
}

// NewLocalGroup creates size connected in-process transports, one per
// rank. Each endpoint must be driven from its own goroutine.
func NewLocalGroup(size int) []Transport {
	g := &localGroup{
		size:    size,
		counts:  make([][]int, size),
		parts:   make([][][]Particle, size),
		deposit: newBarrier(size),
		collect: newBarrier(size),
	}
	ts := make([]Transport, size)
	for i := range ts {
		ts[i] = &LocalTransport{g: g, rank: i}
	}
	return ts
}

// NewSelfTransport returns the single-rank transport used for serial
// runs; exchanges are loopbacks.
func NewSelfTransport() Transport { return NewLocalGroup(1)[0] }

// Rank implements Transport.
func (t *LocalTransport) Rank() int { return t.rank }

// Size implements Transport.
func (t *LocalTransport) Size() int { return t.g.size }

// ExchangeCounts implements Transport.
func (t *LocalTransport) ExchangeCounts(send []int) ([]int, error) {
	if len(send) != t.g.size {
		return nil, fmt.Errorf("%w: %d send counts for %d ranks", ErrTransport, len(send), t.g.size)
	}
	t.g.counts[t.rank] = send
	t.g.deposit.wait()
	recv := make([]int, t.g.size)
	for from := 0; from < t.g.size; from++ {
		recv[from] = t.g.counts[from][t.rank]
	}
	t.g.collect.wait()
	return recv, nil
}

// ExchangeParticles implements Transport.
func (t *LocalTransport) ExchangeParticles(send [][]Particle) ([]Particle, error) {
	if len(send) != t.g.size {
		return nil, fmt.Errorf("%w: %d send buffers for %d ranks", ErrTransport, len(send), t.g.size)
	}
	t.g.parts[t.rank] = send
	t.g.deposit.wait()
	var recv []Particle
	for from := 0; from < t.g.size; from++ {
		recv = append(recv, t.g.parts[from][t.rank]...)
	}
	t.g.collect.wait()
	return recv, nil
}

// exchange runs the two-phase collective for a set of destination
// buckets: counts first, then the variable-length particle payloads.
// The count phase lets receivers size their buffers and doubles as the
// step barrier even when no particles move.
func exchange(t Transport, buckets [][]Particle) ([]Particle, error) {
	counts := make([]int, t.Size())
	for i, b := range buckets {
		counts[i] = len(b)
	}
	recvCounts, err := t.ExchangeCounts(counts)
	if err != nil {
		return nil, err
	}
	arrivals, err := t.ExchangeParticles(buckets)
	if err != nil {
		return nil, err
	}
	want := 0
	for _, c := range recvCounts {
		want += c
	}
	if len(arrivals) != want {
		return nil, fmt.Errorf("%w: received %d particles, counts promised %d",
			ErrTransport, len(arrivals), want)
	}
	return arrivals, nil
}

// GatherParticles collects every rank's particles on rank 0. Other ranks
// receive an empty slice.
func GatherParticles(t Transport, parts []Particle) ([]Particle, error) {
	buckets := make([][]Particle, t.Size())
	buckets[0] = parts
	return exchange(t, buckets)
}

// ScatterParticlesByRow distributes particles held on rank 0 to their
// owning ranks. Used once at restart, when the rank count may differ
// from the one that wrote the checkpoint.
func ScatterParticlesByRow(t Transport, s *Slab, parts []Particle) ([]Particle, error) {
	buckets := make([][]Particle, t.Size())
	if t.Rank() == 0 {
		for _, pt := range parts {
			dst := s.RankOfRow(int(pt.Iy))
			buckets[dst] = append(buckets[dst], pt)
		}
	}
	return exchange(t, buckets)
}

// GatherField assembles a full-grid field on rank 0 from the rows each
// rank owns. Nonzero cells ride the particle exchange as one record per
// cell, so no additional collective primitive is needed. Ranks other
// than 0 return nil.
func GatherField(t Transport, s *Slab, f *sparse.DenseArray) (*sparse.DenseArray, error) {
	r0, r1 := s.Local()
	nx := f.Shape[1]
	buckets := make([][]Particle, t.Size())
	for iy := r0; iy < r1; iy++ {
		for ix := 0; ix < nx; ix++ {
			v := f.Elements[iy*nx+ix]
			if v == 0 {
				continue
			}
			buckets[0] = append(buckets[0], Particle{Iy: int32(iy), Ix: int32(ix), Volume: v})
		}
	}
	cells, err := exchange(t, buckets)
	if err != nil {
		return nil, err
	}
	if t.Rank() != 0 {
		return nil, nil
	}
	full := sparse.ZerosDense(f.Shape...)
	for _, c := range cells {
		full.Elements[int(c.Iy)*nx+int(c.Ix)] = c.Volume
	}
	return full, nil
}

// ScatterField distributes rank 0's full-grid field so that every rank
// holds the rows it owns; other rows are zero.
func ScatterField(t Transport, s *Slab, full *sparse.DenseArray, ny, nx int) (*sparse.DenseArray, error) {
	buckets := make([][]Particle, t.Size())
	if t.Rank() == 0 {
		for iy := 0; iy < ny; iy++ {
			dst := s.RankOfRow(iy)
			for ix := 0; ix < nx; ix++ {
				v := full.Elements[iy*nx+ix]
				if v == 0 {
					continue
				}
				buckets[dst] = append(buckets[dst], Particle{Iy: int32(iy), Ix: int32(ix), Volume: v})
			}
		}
	}
	cells, err := exchange(t, buckets)
	if err != nil {
		return nil, err
	}
	local := sparse.ZerosDense(ny, nx)
	for _, c := range cells {
		local.Elements[int(c.Iy)*nx+int(c.Ix)] = c.Volume
	}
	return local, nil
}
