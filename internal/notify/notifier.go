package notify

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

type Kind string

const (
	KindPossibleTransit Kind = "possible_transit"
	KindChangedAddress  Kind = "changed_address"
	KindCancelled       Kind = "cancelled"
)

// Message is the payload pushed to a driver.
type Message struct {
	Kind      Kind      `json:"kind"`
	DriverID  uuid.UUID `json:"driver_id"`
	RequestID uuid.UUID `json:"request_id"`
}

// MemoryNotifier records messages for tests.
type MemoryNotifier struct {
	mu       sync.Mutex
	messages []Message
}

// NewMemoryNotifier constructs an empty notifier.
func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{}
}

func (m *MemoryNotifier) PossibleTransit(_ context.Context, driverID, requestID uuid.UUID) {
	m.record(Message{Kind: KindPossibleTransit, DriverID: driverID, RequestID: requestID})
}

func (m *MemoryNotifier) ChangedAddress(_ context.Context, driverID, requestID uuid.UUID) {
	m.record(Message{Kind: KindChangedAddress, DriverID: driverID, RequestID: requestID})
}

func (m *MemoryNotifier) Cancelled(_ context.Context, driverID, requestID uuid.UUID) {
	m.record(Message{Kind: KindCancelled, DriverID: driverID, RequestID: requestID})
}

// Messages returns a copy of everything recorded so far.
func (m *MemoryNotifier) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.messages...)
}

func (m *MemoryNotifier) record(msg Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
}
