package tracking

import "google.golang.org/grpc"

// PositionReport is a streamed driver position update.
type PositionReport struct {
	DriverId string
	CarClass string
	Lat      float64
	Lng      float64
	Ts       int64
}

// Ack is returned when the stream closes.
type Ack struct{}

// TrackingServer defines the gRPC contract.
type TrackingServer interface {
	StreamPositions(Tracking_StreamPositionsServer) error
}

// RegisterTrackingServer registers the service implementation.
func RegisterTrackingServer(s *grpc.Server, srv TrackingServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "tracking.Tracking",
		HandlerType: (*TrackingServer)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    "StreamPositions",
			Handler:       _Tracking_StreamPositions_Handler,
			ServerStreams: true,
			ClientStreams: true,
		}},
	}, srv)
}

// Tracking_StreamPositionsServer defines the bidi stream interface.
type Tracking_StreamPositionsServer interface {
	grpc.ServerStream
	SendAndClose(*Ack) error
	Recv() (*PositionReport, error)
}

func _Tracking_StreamPositions_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(TrackingServer).StreamPositions(&trackingStreamServer{ServerStream: stream})
}

type trackingStreamServer struct {
	grpc.ServerStream
}

func (s *trackingStreamServer) SendAndClose(*Ack) error { return nil }

func (s *trackingStreamServer) Recv() (*PositionReport, error) {
	msg := new(PositionReport)
	if err := s.ServerStream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}
