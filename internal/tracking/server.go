package tracking

import (
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/example/dispatchlite/internal/dispatch/domain"
)

// Server ingests driver position streams into a PositionSink.
type Server struct {
	sink PositionSink
}

// NewServer constructs a server.
func NewServer(sink PositionSink) *Server {
	return &Server{sink: sink}
}

// StreamPositions consumes position reports until the client closes.
// Malformed reports are skipped rather than tearing down the stream.
func (s *Server) StreamPositions(stream Tracking_StreamPositionsServer) error {
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			return stream.SendAndClose(&Ack{})
		}
		if err != nil {
			return err
		}
		driverID, err := uuid.Parse(msg.DriverId)
		if err != nil {
			continue
		}
		at := time.Unix(msg.Ts, 0).UTC()
		if msg.Ts == 0 {
			at = time.Now().UTC()
		}
		_ = s.sink.UpsertPosition(stream.Context(), driverID, domain.CarClass(msg.CarClass), domain.GeoPoint{Lat: msg.Lat, Lng: msg.Lng}, at)
	}
}
