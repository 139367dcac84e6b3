package parking

import (
	"context"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// Locker serialises operations touching the same spot or user.
// Lock blocks until every key is held or ctx is done; the returned func releases them.
type Locker interface {
	Lock(ctx context.Context, keys ...string) (func(), error)
}

// Event is a domain fact emitted after a committed state change.
type Event struct {
	Type           string
	BookingID      string
	UserID         string
	SpotID         string
	OwnerID        string
	Points         int64
	Summary        *PurgeSummary
	OccurredAtUnix int64
}

// EventPublisher delivers domain events. Delivery is best effort.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithLocker wires a key locker acquired around every effectful step.
func WithLocker(locker Locker) ServiceOption {
	return func(service *Service) {
		service.locker = locker
	}
}

// WithEventPublisher wires a publisher for post-commit domain events.
func WithEventPublisher(publisher EventPublisher) ServiceOption {
	return func(service *Service) {
		service.publisher = publisher
	}
}

// WithRetry bounds transaction attempts on ErrTransientStore.
func WithRetry(maxAttempts int, interval time.Duration) ServiceOption {
	return func(service *Service) {
		if maxAttempts > 0 {
			service.maxAttempts = maxAttempts
		}
		if interval >= 0 {
			service.retryInterval = interval
		}
	}
}

// WithIDGenerator overrides how booking ids are minted.
func WithIDGenerator(generate func() string) ServiceOption {
	return func(service *Service) {
		if generate != nil {
			service.newID = generate
		}
	}
}

// WithPurgeBatchSize sets the page size used when cascading a purge.
func WithPurgeBatchSize(size int) ServiceOption {
	return func(service *Service) {
		if size > 0 {
			service.purgeBatch = size
		}
	}
}
