package txlgo

import (
	"context"
	"net"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	coordinatorService = "txlgo.Coordinator"
	collectiveMethod   = "/" + coordinatorService + "/Collective"
	maxMessageSize     = 1 << 30
)

// coordinatorServer is the service rank 0 hosts. Requests and replies are
// structpb.Struct messages so no generated code is needed.
type coordinatorServer interface {
	Collective(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var coordinatorServiceDesc = grpc.ServiceDesc{
	ServiceName: coordinatorService,
	HandlerType: (*coordinatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Collective", Handler: collectiveHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "txlgo/coordinator",
}

func collectiveHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(coordinatorServer).Collective(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: collectiveMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(coordinatorServer).Collective(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Coordinator serves the rendezvous of a process group over gRPC.
type Coordinator struct {
	rv     *rendezvous
	server *grpc.Server
}

// ServeCoordinator starts serving collectives for world ranks on lis.
func ServeCoordinator(lis net.Listener, world int) *Coordinator {
	c := &Coordinator{
		rv: newRendezvous(world),
		server: grpc.NewServer(
			grpc.MaxRecvMsgSize(maxMessageSize),
			grpc.MaxSendMsgSize(maxMessageSize),
		),
	}
	c.server.RegisterService(&coordinatorServiceDesc, c)
	go func() {
		if err := c.server.Serve(lis); err != nil {
			glog.Errorf("coordinator stopped: %v", err)
		}
	}()
	glog.Infof("coordinator for %d ranks listening on %s", world, lis.Addr())
	return c
}

// Stop closes the listener and aborts collectives in flight.
func (c *Coordinator) Stop() { c.server.Stop() }

func (c *Coordinator) Collective(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	f := in.GetFields()
	rank := int(f["rank"].GetNumberValue())
	tag := f["tag"].GetStringValue()
	op := collectiveOp(f["op"].GetNumberValue())
	root := int(f["root"].GetNumberValue())
	vals := numbersFromList(f["values"].GetListValue())

	res, err := c.rv.submit(ctx, rank, tag, op, root, vals)
	switch {
	case errors.Is(err, ErrCollectiveMismatch), errors.Is(err, ErrDuplicateRank):
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, status.Error(codes.Canceled, err.Error())
	case err != nil:
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"values": structpb.NewListValue(listFromNumbers(res)),
	}}, nil
}

func listFromNumbers(vals []float64) *structpb.ListValue {
	list := &structpb.ListValue{Values: make([]*structpb.Value, len(vals))}
	for i, v := range vals {
		list.Values[i] = structpb.NewNumberValue(v)
	}
	return list
}

func numbersFromList(list *structpb.ListValue) []float64 {
	vals := make([]float64, len(list.GetValues()))
	for i, v := range list.GetValues() {
		vals[i] = v.GetNumberValue()
	}
	return vals
}

// GRPCCommunicator is a rank that reaches its group through a Coordinator.
type GRPCCommunicator struct {
	rank  int
	world int
	conn  *grpc.ClientConn
}

// DialCoordinator connects rank to the coordinator at addr.
func DialCoordinator(addr string, rank, world int) (*GRPCCommunicator, error) {
	if rank < 0 || rank >= world {
		return nil, errors.Errorf("rank %d outside world of %d", rank, world)
	}
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.MaxCallSendMsgSize(maxMessageSize),
		),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing coordinator %s", addr)
	}
	return &GRPCCommunicator{rank: rank, world: world, conn: conn}, nil
}

func (c *GRPCCommunicator) Rank() int      { return c.rank }
func (c *GRPCCommunicator) WorldSize() int { return c.world }
func (c *GRPCCommunicator) Close() error   { return c.conn.Close() }

func (c *GRPCCommunicator) call(ctx context.Context, tag string, op collectiveOp, root int, vals []float64) error {
	in := &structpb.Struct{Fields: map[string]*structpb.Value{
		"rank":   structpb.NewNumberValue(float64(c.rank)),
		"tag":    structpb.NewStringValue(tag),
		"op":     structpb.NewNumberValue(float64(op)),
		"root":   structpb.NewNumberValue(float64(root)),
		"values": structpb.NewListValue(listFromNumbers(vals)),
	}}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, collectiveMethod, in, out, grpc.WaitForReady(true)); err != nil {
		if s, ok := status.FromError(err); ok && s.Code() == codes.FailedPrecondition {
			return errors.Wrap(ErrCollectiveMismatch, s.Message())
		}
		return errors.Wrapf(err, "collective %q", tag)
	}
	res := numbersFromList(out.GetFields()["values"].GetListValue())
	if len(res) != len(vals) {
		return errors.Errorf("collective %q returned %d values, want %d", tag, len(res), len(vals))
	}
	copy(vals, res)
	return nil
}

func (c *GRPCCommunicator) AllReduceSum(ctx context.Context, tag string, vals []float64) error {
	return c.call(ctx, tag, opSum, 0, vals)
}

func (c *GRPCCommunicator) Broadcast(ctx context.Context, tag string, vals []float64, root int) error {
	if root < 0 || root >= c.world {
		return errors.Errorf("broadcast root %d outside world of %d", root, c.world)
	}
	return c.call(ctx, tag, opBroadcast, root, vals)
}

func (c *GRPCCommunicator) Barrier(ctx context.Context) error {
	return c.AllReduceSum(ctx, "barrier", nil)
}
