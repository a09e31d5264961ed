package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

type scriptedPublisher struct {
	failures int
	attempts int
	last     *nats.Msg
}

func (p *scriptedPublisher) PublishMsg(msg *nats.Msg) error {
	p.attempts++
	p.last = msg
	if p.attempts <= p.failures {
		return errors.New("broker unavailable")
	}
	return nil
}

func newTestWorker(publisher natsPublisher, retryMax int) *Worker {
	return &Worker{
		publisher: publisher,
		logger:    zap.NewNop(),
		cfg:       WorkerConfig{RetryMax: retryMax, PollInterval: 10 * time.Millisecond, BatchSize: 10},
		tracer:    otel.Tracer("test"),
	}
}

func TestPublishWithRetryRecoversFromTransientFailure(t *testing.T) {
	publisher := &scriptedPublisher{failures: 2}
	w := newTestWorker(publisher, 5)

	rec := record{ID: 1, Subject: "dispatch.events", Payload: []byte(`{"type":"driver_proposed"}`), CreatedAt: time.Now()}
	require.NoError(t, w.publishWithRetry(context.Background(), rec))
	require.Equal(t, 3, publisher.attempts)
	require.Equal(t, "dispatch.events", publisher.last.Subject)
	require.Equal(t, rec.Payload, publisher.last.Data)
}

func TestPublishWithRetryExhaustsRetries(t *testing.T) {
	publisher := &scriptedPublisher{failures: 100}
	w := newTestWorker(publisher, 2)

	rec := record{ID: 7, Subject: "dispatch.events", Payload: []byte("{}"), CreatedAt: time.Now()}
	err := w.publishWithRetry(context.Background(), rec)
	require.Error(t, err)
	require.Equal(t, 2, publisher.attempts)
}

func TestPublishWithRetryRejectsMissingSubject(t *testing.T) {
	publisher := &scriptedPublisher{}
	w := newTestWorker(publisher, 3)

	err := w.publishWithRetry(context.Background(), record{ID: 3})
	require.Error(t, err)
	require.Zero(t, publisher.attempts)
}

func TestRunRequiresDependencies(t *testing.T) {
	w := NewWorker(nil, nil, nil, WorkerConfig{})
	require.Error(t, w.Run(context.Background()))
}
