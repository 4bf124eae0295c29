package dispatch

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"autoposter/internal/domain"
	"autoposter/internal/logging"
	"autoposter/internal/metrics"
	"autoposter/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName   = "dispatch.v1.Dispatch"
	ConnectMethod = "/" + ServiceName + "/Connect"

	// outboundBuffer frames may wait for a slow client before sends are refused.
	outboundBuffer = 64
	writerStopWait = 2 * time.Second
)

var (
	ErrClientBackedUp = errors.New("client outbound buffer full")
	ErrClientClosed   = errors.New("client stream closed")
)

// ConnectStream is the server side of a Connect call.
type ConnectStream interface {
	Send(*structpb.Struct) error
	Recv() (*structpb.Struct, error)
	grpc.ServerStream
}

type DispatchServer interface {
	Connect(ConnectStream) error
}

// ServiceDesc describes the Connect stream. Frames are google.protobuf.Struct
// values shaped like Message.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DispatchServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "dispatch/v1/dispatch.proto",
}

func RegisterDispatchServer(s grpc.ServiceRegistrar, srv DispatchServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(DispatchServer).Connect(&connectServerStream{stream})
}

type connectServerStream struct {
	grpc.ServerStream
}

func (x *connectServerStream) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

func (x *connectServerStream) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// ConnectClient is the client side of a Connect call.
type ConnectClient interface {
	Send(*structpb.Struct) error
	Recv() (*structpb.Struct, error)
	grpc.ClientStream
}

// Connect opens a stream on conn.
func Connect(ctx context.Context, conn grpc.ClientConnInterface, opts ...grpc.CallOption) (ConnectClient, error) {
	stream, err := conn.NewStream(ctx, &ServiceDesc.Streams[0], ConnectMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &connectClientStream{stream}, nil
}

type connectClientStream struct {
	grpc.ClientStream
}

func (x *connectClientStream) Send(m *structpb.Struct) error {
	return x.ClientStream.SendMsg(m)
}

func (x *connectClientStream) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Transport serves Connect streams: it registers each client on the hub and
// routes the results agents send back to the result sink.
type Transport struct {
	hub     *Hub
	results domain.ResultSink
	logger  zerolog.Logger
}

func NewTransport(hub *Hub, results domain.ResultSink, logger *zerolog.Logger) *Transport {
	return &Transport{
		hub:     hub,
		results: results,
		logger:  logging.Component(logger, "dispatch_transport"),
	}
}

// streamClient queues frames for a single writer goroutine, so a stalled
// client never blocks Hub.Emit.
type streamClient struct {
	id        string
	out       chan *structpb.Struct
	done      chan struct{}
	closeOnce sync.Once
}

func newStreamClient() *streamClient {
	return &streamClient{
		id:   uuid.NewString(),
		out:  make(chan *structpb.Struct, outboundBuffer),
		done: make(chan struct{}),
	}
}

func (c *streamClient) ID() string { return c.id }

// Send enqueues msg without waiting on the network.
func (c *streamClient) Send(msg Message) error {
	frame, err := msg.ToStruct()
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	select {
	case c.out <- frame:
		return nil
	case <-c.done:
		return ErrClientClosed
	default:
		return ErrClientBackedUp
	}
}

func (c *streamClient) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// writeLoop is the only caller of stream.Send; a gRPC stream allows one sender at a time.
func (c *streamClient) writeLoop(stream ConnectStream, log zerolog.Logger) {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.out:
			if err := stream.Send(frame); err != nil {
				log.Debug().Err(err).Msg("stream send failed, closing client")
				c.close()
				return
			}
		}
	}
}

func (t *Transport) Connect(stream ConnectStream) error {
	first, err := stream.Recv()
	if err != nil {
		return err
	}
	msg, err := MessageFromStruct(first)
	if err != nil || msg.Event != models.EventRegister {
		return status.Error(codes.InvalidArgument, "first frame must be register")
	}
	var reg Registration
	if err := msg.Decode(&reg); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode registration: %v", err)
	}

	client := newStreamClient()
	log := t.logger.With().Str("client_id", client.id).Str("user_id", reg.UserID).Str("role", string(reg.Role)).Logger()

	written := make(chan struct{})
	go func() {
		defer close(written)
		client.writeLoop(stream, log)
	}()
	defer func() {
		client.close()
		select {
		case <-written:
		case <-time.After(writerStopWait):
			log.Warn().Msg("stream writer still blocked after disconnect")
		}
	}()

	if err := t.hub.Register(client, reg); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	defer t.hub.Unregister(client)

	metrics.ClientConnected(string(reg.Role))
	defer metrics.ClientDisconnected(string(reg.Role))

	ack, err := NewMessage(models.EventRegistered, map[string]any{
		"client_id": client.id,
		"rooms":     reg.Rooms(),
	})
	if err != nil {
		return err
	}
	if err := client.Send(ack); err != nil {
		return err
	}

	ctx := stream.Context()
	for {
		frame, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if status.Code(err) == codes.Canceled || ctx.Err() != nil {
				return nil
			}
			return err
		}

		msg, err := MessageFromStruct(frame)
		if err != nil {
			t.reply(client, models.EventError, map[string]string{"error": err.Error()}, log)
			continue
		}
		t.handle(ctx, client, reg, msg, log)
	}
}

func (t *Transport) handle(ctx context.Context, client *streamClient, reg Registration, msg Message, log zerolog.Logger) {
	switch msg.Event {
	case models.EventPing:
		t.reply(client, models.EventPong, map[string]string{}, log)

	case models.EventPostingResult:
		var c models.Completion
		if err := msg.Decode(&c); err != nil {
			t.reply(client, models.EventError, map[string]string{"error": "invalid posting-result: " + err.Error()}, log)
			return
		}
		if t.results == nil {
			log.Warn().Str("posting_id", c.PostingID).Msg("no result sink, dropping result")
			return
		}
		if err := t.results.Report(ctx, c); err != nil {
			log.Warn().Err(err).Str("posting_id", c.PostingID).Msg("result rejected")
			t.reply(client, models.EventError, map[string]string{"error": err.Error(), "posting_id": c.PostingID}, log)
		}

	default:
		log.Debug().Str("event", msg.Event).Msg("ignoring unknown client event")
		t.reply(client, models.EventError, map[string]string{"error": "unknown event " + msg.Event}, log)
	}
}

func (t *Transport) reply(client *streamClient, event string, payload any, log zerolog.Logger) {
	msg, err := NewMessage(event, payload)
	if err == nil {
		err = client.Send(msg)
	}
	if err != nil {
		log.Debug().Err(err).Str("event", event).Msg("reply failed")
	}
}
