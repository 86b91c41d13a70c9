package txlgo

import (
	"context"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// DistributedModel replicates a model across the ranks of a Communicator.
// Parameters start out identical and gradients are averaged after every
// backward, so every replica takes the same optimizer step.
type DistributedModel struct {
	Model
	comm Communicator
	buf  []float64
}

// NewDistributedModel broadcasts the parameters of rank 0 into m.
func NewDistributedModel(ctx context.Context, m Model, comm Communicator) (*DistributedModel, error) {
	d := &DistributedModel{Model: m, comm: comm}
	if err := d.BroadcastParameters(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// BroadcastParameters overwrites the parameters of every rank with those of
// rank 0.
func (d *DistributedModel) BroadcastParameters(ctx context.Context) error {
	if d.comm.WorldSize() == 1 {
		return nil
	}
	for _, p := range d.Model.Parameters() {
		d.buf = widen(d.buf, p.Data)
		if err := d.comm.Broadcast(ctx, "params/"+p.Name, d.buf, 0); err != nil {
			return errors.Wrapf(err, "broadcasting %s", p.Name)
		}
		narrow(p.Data, d.buf)
	}
	return nil
}

func (d *DistributedModel) UnderlyingModel() Model { return d.Model }

// Comm returns the process group of the model.
func (d *DistributedModel) Comm() Communicator { return d.comm }

// SyncGradients replaces every gradient with its mean over the ranks.
// Non-finite values survive the average, so overflow is still detectable.
func (d *DistributedModel) SyncGradients(ctx context.Context) error {
	world := d.comm.WorldSize()
	if world == 1 {
		return nil
	}
	params := d.Model.Parameters()
	total := 0
	for _, p := range params {
		total += p.Len()
	}
	if cap(d.buf) < total {
		d.buf = make([]float64, total)
	}
	flat := d.buf[:total]
	off := 0
	for _, p := range params {
		for i, g := range p.Grad {
			flat[off+i] = float64(g)
		}
		off += p.Len()
	}
	if err := d.comm.AllReduceSum(ctx, "grads", flat); err != nil {
		return errors.Wrap(err, "averaging gradients")
	}
	floats.Scale(1/float64(world), flat)
	off = 0
	for _, p := range params {
		narrow(p.Grad, flat[off:off+p.Len()])
		off += p.Len()
	}
	return nil
}
