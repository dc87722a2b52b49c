package telemetry

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/tagpose/internal/monitoring"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service.
const ServiceName = "tagpose.telemetry.v1.Telemetry"

const subscribeMethod = "/" + ServiceName + "/Subscribe"

// TelemetryServer streams frames to subscribers.
type TelemetryServer interface {
	Subscribe(*emptypb.Empty, grpc.ServerStream) error
}

var telemetryServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TelemetryServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "tagpose/telemetry.proto",
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	req := new(emptypb.Empty)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(TelemetryServer).Subscribe(req, stream)
}

// RegisterTelemetryServer registers srv on s.
func RegisterTelemetryServer(s grpc.ServiceRegistrar, srv TelemetryServer) {
	s.RegisterService(&telemetryServiceDesc, srv)
}

// GRPCPublisher serves a frame stream to any number of subscribers. Each
// frame is converted to a protobuf Struct once and fanned out; slow
// subscribers lose frames rather than stall the pipeline.
type GRPCPublisher struct {
	listenAddr string
	server     *grpc.Server
	listener   net.Listener

	mu      sync.RWMutex
	clients map[string]chan *structpb.Struct

	published atomic.Uint64
	dropped   atomic.Uint64
	running   atomic.Bool
	wg        sync.WaitGroup
}

// NewGRPCPublisher returns a publisher that will listen on listenAddr.
func NewGRPCPublisher(listenAddr string) *GRPCPublisher {
	p := &GRPCPublisher{
		listenAddr: listenAddr,
		clients:    make(map[string]chan *structpb.Struct),
	}
	p.server = grpc.NewServer()
	RegisterTelemetryServer(p.server, p)
	return p
}

// Start binds the listen address and serves in the background.
func (p *GRPCPublisher) Start() error {
	lis, err := net.Listen("tcp", p.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	p.Serve(lis)
	return nil
}

// Serve serves on an existing listener in the background.
func (p *GRPCPublisher) Serve(lis net.Listener) {
	p.listener = lis
	p.running.Store(true)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		monitoring.Logf("[Telemetry] gRPC stream listening on %s", lis.Addr())
		if err := p.server.Serve(lis); err != nil && p.running.Load() {
			monitoring.Logf("[Telemetry] gRPC server error: %v", err)
		}
	}()
}

// Subscribe implements TelemetryServer.
func (p *GRPCPublisher) Subscribe(_ *emptypb.Empty, stream grpc.ServerStream) error {
	id := uuid.NewString()
	ch := make(chan *structpb.Struct, 16)
	p.mu.Lock()
	p.clients[id] = ch
	n := len(p.clients)
	p.mu.Unlock()
	monitoring.Logf("[Telemetry] subscriber %s connected (total: %d)", id, n)

	defer func() {
		p.mu.Lock()
		delete(p.clients, id)
		p.mu.Unlock()
		monitoring.Logf("[Telemetry] subscriber %s disconnected", id)
	}()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

// Publish implements Publisher.
func (p *GRPCPublisher) Publish(_ context.Context, f *Frame) error {
	msg, err := structpb.NewStruct(f.Map())
	if err != nil {
		return fmt.Errorf("encode frame %d: %w", f.FrameID, err)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, ch := range p.clients {
		select {
		case ch <- msg:
		default:
			p.dropped.Add(1)
		}
	}
	p.published.Add(1)
	return nil
}

// Subscribers returns the number of connected streams.
func (p *GRPCPublisher) Subscribers() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.clients)
}

// Dropped returns frames lost to slow subscribers.
func (p *GRPCPublisher) Dropped() uint64 { return p.dropped.Load() }

// Close stops the server and ends every stream.
func (p *GRPCPublisher) Close() error {
	if !p.running.Swap(false) {
		return nil
	}
	p.server.Stop()
	p.wg.Wait()
	return nil
}

// Subscription is a client-side frame stream.
type Subscription struct {
	stream grpc.ClientStream
}

// Subscribe opens a frame stream on conn.
func Subscribe(ctx context.Context, conn grpc.ClientConnInterface) (*Subscription, error) {
	stream, err := conn.NewStream(ctx, &telemetryServiceDesc.Streams[0], subscribeMethod)
	if err != nil {
		return nil, fmt.Errorf("open telemetry stream: %w", err)
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, fmt.Errorf("send subscribe request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("close subscribe request: %w", err)
	}
	return &Subscription{stream: stream}, nil
}

// Recv blocks for the next frame.
func (s *Subscription) Recv() (*structpb.Struct, error) {
	msg := new(structpb.Struct)
	if err := s.stream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}
