package notify

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// NATSNotifier pushes driver messages to per-driver NATS subjects.
// Delivery is fire and forget: failures are logged and never surface to
// the dispatch flow.
type NATSNotifier struct {
	conn   *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewNATSNotifier builds a notifier publishing to <prefix>.<driver_id>.
func NewNATSNotifier(conn *nats.Conn, prefix string, logger *zap.Logger) *NATSNotifier {
	if prefix == "" {
		prefix = "driver.notifications"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSNotifier{conn: conn, prefix: prefix, logger: logger}
}

func (n *NATSNotifier) PossibleTransit(ctx context.Context, driverID, requestID uuid.UUID) {
	n.send(ctx, Message{Kind: KindPossibleTransit, DriverID: driverID, RequestID: requestID})
}

func (n *NATSNotifier) ChangedAddress(ctx context.Context, driverID, requestID uuid.UUID) {
	n.send(ctx, Message{Kind: KindChangedAddress, DriverID: driverID, RequestID: requestID})
}

func (n *NATSNotifier) Cancelled(ctx context.Context, driverID, requestID uuid.UUID) {
	n.send(ctx, Message{Kind: KindCancelled, DriverID: driverID, RequestID: requestID})
}

func (n *NATSNotifier) send(ctx context.Context, msg Message) {
	if n == nil || n.conn == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		n.logger.Error("marshal driver notification", zap.Error(err))
		return
	}
	subject := n.prefix + "." + msg.DriverID.String()
	natsMsg := &nats.Msg{Subject: subject, Data: payload, Header: nats.Header{}}
	natsMsg.Header.Set("x-notification-kind", string(msg.Kind))
	if traceID := traceIDFromContext(ctx); traceID != "" {
		natsMsg.Header.Set("x-trace-id", traceID)
	}
	if err := n.conn.PublishMsg(natsMsg); err != nil {
		n.logger.Warn("driver notification publish failed",
			zap.Error(err),
			zap.String("driver_id", msg.DriverID.String()),
			zap.String("kind", string(msg.Kind)))
	}
}

func traceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
