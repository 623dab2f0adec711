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

// Package cluster runs the particle exchange across processes. Every
// rank serves an RPC receiver and dials every peer, so a collective
// exchange is size−1 pairwise deliveries plus a wait for the same number
// of arrivals; the wait makes the exchange a step barrier.
package cluster

import (
	"fmt"
	"net"
	"net/http"
	"net/rpc"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"github.com/spatialflood/flume"
)

// RPCPort is the default port for peer communication.
var RPCPort = "6061"

// Empty is used for content-less RPC replies.
type Empty struct{}

// CountsMsg carries one rank's per-destination count for one round.
type CountsMsg struct {
	From  int
	Round int64
	Count int
}

// RecordsMsg carries packed particle records for one round.
type RecordsMsg struct {
	From    int
	Round   int64
	Records []float64
}

// Receiver accumulates deliveries from peers. It is exported to meet
// net/rpc requirements and should not be used directly.
type Receiver struct {
	mu   sync.Mutex
	cond *sync.Cond

	counts  map[int64]map[int]int
	records map[int64]map[int][]float64
}

func newReceiver() *Receiver {
	r := &Receiver{
		counts:  make(map[int64]map[int]int),
		records: make(map[int64]map[int][]float64),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Counts receives a peer's count for a round. It meets the requirements
// for use with rpc.Call.
func (r *Receiver) Counts(msg *CountsMsg, _ *Empty) error {
	r.mu.Lock()
	if r.counts[msg.Round] == nil {
		r.counts[msg.Round] = make(map[int]int)
	}
	r.counts[msg.Round][msg.From] = msg.Count
	r.cond.Broadcast()
	r.mu.Unlock()
	return nil
}

// Records receives a peer's packed particles for a round.
func (r *Receiver) Records(msg *RecordsMsg, _ *Empty) error {
	r.mu.Lock()
	if r.records[msg.Round] == nil {
		r.records[msg.Round] = make(map[int][]float64)
	}
	r.records[msg.Round][msg.From] = msg.Records
	r.cond.Broadcast()
	r.mu.Unlock()
	return nil
}

// waitCounts blocks until n peers have delivered counts for the round,
// then consumes them.
func (r *Receiver) waitCounts(round int64, n int) map[int]int {
	r.mu.Lock()
	for len(r.counts[round]) < n {
		r.cond.Wait()
	}
	m := r.counts[round]
	delete(r.counts, round)
	r.mu.Unlock()
	return m
}

func (r *Receiver) waitRecords(round int64, n int) map[int][]float64 {
	r.mu.Lock()
	for len(r.records[round]) < n {
		r.cond.Wait()
	}
	m := r.records[round]
	delete(r.records, round)
	r.mu.Unlock()
	return m
}

// Transport is one rank's endpoint of the process mesh. It implements
// flume.Transport.
type Transport struct {
	rank, size int
	clients    []*rpc.Client
	recv       *Receiver
	listener   net.Listener

	countRound  int64
	recordRound int64

	Log logrus.FieldLogger
}

// Options configures a mesh endpoint. Addrs lists every rank's host in
// rank order, including this process's own.
type Options struct {
	Rank  int
	Size  int
	Addrs []string
	Port  string

	// DialTimeout bounds how long to keep retrying a peer dial while
	// the mesh starts up. The default is 3 minutes.
	DialTimeout time.Duration
}

// New starts this rank's receiver and dials every peer, retrying with
// exponential backoff while the rest of the mesh comes up.
func New(opts Options) (*Transport, error) {
	if opts.Size < 1 || opts.Rank < 0 || opts.Rank >= opts.Size || len(opts.Addrs) != opts.Size {
		return nil, fmt.Errorf("%w: mesh options rank=%d size=%d addrs=%d",
			flume.ErrTransport, opts.Rank, opts.Size, len(opts.Addrs))
	}
	port := opts.Port
	if port == "" {
		port = RPCPort
	}
	t := &Transport{
		rank: opts.Rank,
		size: opts.Size,
		recv: newReceiver(),
		Log:  logrus.StandardLogger(),
	}

	server := rpc.NewServer()
	if err := server.RegisterName("Receiver", t.recv); err != nil {
		return nil, fmt.Errorf("%w: registering receiver: %v", flume.ErrTransport, err)
	}
	mux := http.NewServeMux()
	mux.Handle(rpc.DefaultRPCPath, server)
	l, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return nil, fmt.Errorf("%w: listening on port %s: %v", flume.ErrTransport, port, err)
	}
	t.listener = l
	go http.Serve(l, mux)

	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	t.clients = make([]*rpc.Client, opts.Size)
	for peer, addr := range opts.Addrs {
		if peer == opts.Rank {
			continue
		}
		peer, addr := peer, addr
		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = timeout
		dial := addr
		if !strings.Contains(dial, ":") {
			dial += ":" + port
		}
		err := backoff.RetryNotify(
			func() error {
				c, err := rpc.DialHTTP("tcp", dial)
				if err != nil {
					return err
				}
				t.clients[peer] = c
				return nil
			},
			bo,
			func(err error, d time.Duration) {
				t.Log.WithFields(logrus.Fields{
					"peer": peer,
					"addr": addr,
				}).Infof("dial failed, retrying in %v: %v", d, err)
			},
		)
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("%w: dialing rank %d at %s: %v", flume.ErrTransport, peer, addr, err)
		}
	}
	return t, nil
}

// Rank implements flume.Transport.
func (t *Transport) Rank() int { return t.rank }

// Size implements flume.Transport.
func (t *Transport) Size() int { return t.size }

// ExchangeCounts implements flume.Transport.
func (t *Transport) ExchangeCounts(send []int) ([]int, error) {
	if len(send) != t.size {
		return nil, fmt.Errorf("%w: %d send counts for %d ranks", flume.ErrTransport, len(send), t.size)
	}
	t.countRound++
	round := t.countRound
	for peer, c := range t.clients {
		if peer == t.rank {
			continue
		}
		msg := &CountsMsg{From: t.rank, Round: round, Count: send[peer]}
		if err := c.Call("Receiver.Counts", msg, &Empty{}); err != nil {
			return nil, fmt.Errorf("%w: delivering counts to rank %d: %v", flume.ErrTransport, peer, err)
		}
	}
	arrived := t.recv.waitCounts(round, t.size-1)
	recv := make([]int, t.size)
	recv[t.rank] = send[t.rank]
	for from, c := range arrived {
		recv[from] = c
	}
	return recv, nil
}

// ExchangeParticles implements flume.Transport.
func (t *Transport) ExchangeParticles(send [][]flume.Particle) ([]flume.Particle, error) {
	if len(send) != t.size {
		return nil, fmt.Errorf("%w: %d send buffers for %d ranks", flume.ErrTransport, len(send), t.size)
	}
	t.recordRound++
	round := t.recordRound
	for peer, c := range t.clients {
		if peer == t.rank {
			continue
		}
		msg := &RecordsMsg{From: t.rank, Round: round, Records: flume.PackParticles(send[peer])}
		if err := c.Call("Receiver.Records", msg, &Empty{}); err != nil {
			return nil, fmt.Errorf("%w: delivering particles to rank %d: %v", flume.ErrTransport, peer, err)
		}
	}
	arrived := t.recv.waitRecords(round, t.size-1)
	var out []flume.Particle
	for from := 0; from < t.size; from++ {
		if from == t.rank {
			out = append(out, send[t.rank]...)
			continue
		}
		parts, err := flume.UnpackParticles(arrived[from])
		if err != nil {
			return nil, err
		}
		out = append(out, parts...)
	}
	return out, nil
}

// Close shuts down the endpoint's clients and listener.
func (t *Transport) Close() {
	for _, c := range t.clients {
		if c != nil {
			c.Close()
		}
	}
	if t.listener != nil {
		t.listener.Close()
	}
}
