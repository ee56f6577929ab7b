package webhook

import (
	"sync"

	"github.com/google/uuid"

	"github.com/realcast/chatcore/internal/domain"
)

// DeliveryLog records the outcome of every delivery attempt for operator
// inspection. Recording must never block or fail a delivery.
type DeliveryLog interface {
	Record(attempt domain.DeliveryAttempt)
}

// InMemoryDeliveryLog keeps attempts in process memory. Suitable for
// single-box mode; a durable implementation can replace it without touching
// the dispatcher.
type InMemoryDeliveryLog struct {
	mu       sync.Mutex
	attempts []domain.DeliveryAttempt
}

func NewInMemoryDeliveryLog() *InMemoryDeliveryLog {
	return &InMemoryDeliveryLog{}
}

func (l *InMemoryDeliveryLog) Record(attempt domain.DeliveryAttempt) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = append(l.attempts, attempt)
}

// Attempts returns the recorded attempts for one (event, subscription) pair
// in recording order.
func (l *InMemoryDeliveryLog) Attempts(eventID, subscriptionID uuid.UUID) []domain.DeliveryAttempt {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.DeliveryAttempt
	for _, a := range l.attempts {
		if a.EventID == eventID && a.SubscriptionID == subscriptionID {
			out = append(out, a)
		}
	}
	return out
}
