package txlgo

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Communicator is one rank's handle on a process group. Every rank must
// issue the same sequence of collectives with the same tags; a call blocks
// until all ranks have contributed.
type Communicator interface {
	Rank() int
	WorldSize() int
	// AllReduceSum replaces vals with the element-wise sum over all ranks.
	AllReduceSum(ctx context.Context, tag string, vals []float64) error
	// Broadcast replaces vals with the values of root.
	Broadcast(ctx context.Context, tag string, vals []float64, root int) error
	Barrier(ctx context.Context) error
}

type collectiveOp int

const (
	opSum collectiveOp = iota
	opBroadcast
)

func (op collectiveOp) String() string {
	if op == opBroadcast {
		return "broadcast"
	}
	return "sum"
}

var (
	ErrCollectiveMismatch = errors.New("ranks issued mismatched collectives")
	ErrDuplicateRank      = errors.New("rank contributed twice to one collective")
)

// round is a single collective in flight.
type round struct {
	tag     string
	op      collectiveOp
	root    int
	size    int
	contrib [][]float64
	arrived int
	result  []float64
	err     error
	done    chan struct{}
}

// rendezvous fans contributions in and the result out. Sums are taken in rank
// order so every rank observes a bit-identical result.
type rendezvous struct {
	world int

	mu  sync.Mutex
	cur *round
}

func newRendezvous(world int) *rendezvous {
	return &rendezvous{world: world}
}

func (r *rendezvous) submit(ctx context.Context, rank int, tag string, op collectiveOp, root int, vals []float64) ([]float64, error) {
	if rank < 0 || rank >= r.world {
		return nil, errors.Errorf("rank %d outside world of %d", rank, r.world)
	}
	r.mu.Lock()
	rd := r.cur
	if rd == nil {
		rd = &round{
			tag:     tag,
			op:      op,
			root:    root,
			size:    len(vals),
			contrib: make([][]float64, r.world),
			done:    make(chan struct{}),
		}
		r.cur = rd
	}
	switch {
	case rd.tag != tag || rd.op != op || rd.root != root || rd.size != len(vals):
		rd.err = errors.Wrapf(ErrCollectiveMismatch, "rank %d sent %s %q (%d values), round is %s %q (%d values)",
			rank, op, tag, len(vals), rd.op, rd.tag, rd.size)
		r.finish(rd)
		r.mu.Unlock()
		return nil, rd.err
	case rd.contrib[rank] != nil:
		rd.err = errors.Wrapf(ErrDuplicateRank, "rank %d, tag %q", rank, tag)
		r.finish(rd)
		r.mu.Unlock()
		return nil, rd.err
	}
	rd.contrib[rank] = append(make([]float64, 0, len(vals)), vals...)
	rd.arrived++
	if rd.arrived == r.world {
		rd.result = reduce(rd)
		r.finish(rd)
	}
	r.mu.Unlock()

	select {
	case <-rd.done:
		if rd.err != nil {
			return nil, rd.err
		}
		return rd.result, nil
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "waiting for collective %q", tag)
	}
}

// finish must be called with r.mu held.
func (r *rendezvous) finish(rd *round) {
	close(rd.done)
	if r.cur == rd {
		r.cur = nil
	}
}

func reduce(rd *round) []float64 {
	if rd.op == opBroadcast {
		return rd.contrib[rd.root]
	}
	out := make([]float64, rd.size)
	for _, c := range rd.contrib {
		for i, v := range c {
			out[i] += v
		}
	}
	return out
}

type localComm struct {
	rank int
	rv   *rendezvous
}

// NewLocalGroup returns n communicators that talk through memory. Each must
// be driven from its own goroutine.
func NewLocalGroup(n int) []Communicator {
	rv := newRendezvous(n)
	comms := make([]Communicator, n)
	for i := range comms {
		comms[i] = &localComm{rank: i, rv: rv}
	}
	return comms
}

func (c *localComm) Rank() int      { return c.rank }
func (c *localComm) WorldSize() int { return c.rv.world }

func (c *localComm) AllReduceSum(ctx context.Context, tag string, vals []float64) error {
	res, err := c.rv.submit(ctx, c.rank, tag, opSum, 0, vals)
	if err != nil {
		return err
	}
	copy(vals, res)
	return nil
}

func (c *localComm) Broadcast(ctx context.Context, tag string, vals []float64, root int) error {
	if root < 0 || root >= c.rv.world {
		return errors.Errorf("broadcast root %d outside world of %d", root, c.rv.world)
	}
	res, err := c.rv.submit(ctx, c.rank, tag, opBroadcast, root, vals)
	if err != nil {
		return err
	}
	copy(vals, res)
	return nil
}

func (c *localComm) Barrier(ctx context.Context) error {
	return c.AllReduceSum(ctx, "barrier", nil)
}

type soloComm struct{}

// Solo returns the communicator of a single-process run.
func Solo() Communicator { return soloComm{} }

func (soloComm) Rank() int                                             { return 0 }
func (soloComm) WorldSize() int                                        { return 1 }
func (soloComm) AllReduceSum(context.Context, string, []float64) error { return nil }
func (soloComm) Barrier(context.Context) error                         { return nil }

func (soloComm) Broadcast(_ context.Context, _ string, _ []float64, root int) error {
	if root != 0 {
		return errors.Errorf("broadcast root %d outside world of 1", root)
	}
	return nil
}
