package parking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// Service contains the booking and points logic over a Store.
type Service struct {
	store         Store
	nowFn         func() int64
	newID         func() string
	logger        OperationLogger
	locker        Locker
	publisher     EventPublisher
	maxAttempts   int
	retryInterval time.Duration
	purgeBatch    int
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:         store,
		nowFn:         now,
		newID:         uuid.NewString,
		maxAttempts:   defaultMaxAttempts,
		retryInterval: defaultRetryInterval,
		purgeBatch:    defaultPurgeBatch,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Reserve books spotID for userID, moving the spot price from the booker to the owner.
func (service *Service) Reserve(ctx context.Context, userID UserID, spotID SpotID) (Booking, error) {
	var created Booking
	var lockedOwnerID UserID
	resolve := func(ctx context.Context) ([]string, error) {
		peeked, err := service.store.GetSpot(ctx, spotID)
		if err != nil {
			return nil, rejectMissing(operationReserve, subjectSpot, err)
		}
		lockedOwnerID = peeked.OwnerID
		return resourceKeys([]SpotID{spotID}, []UserID{userID, peeked.OwnerID}), nil
	}
	attempts, operationError := service.executeResolved(ctx, operationReserve, resolve, func(ctx context.Context, transactionStore Store) error {
		booking, err := service.reserveInTx(ctx, transactionStore, userID, spotID, lockedOwnerID)
		if err != nil {
			return err
		}
		created = booking
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationReserve,
		UserID:    userID,
		SpotID:    spotID,
		BookingID: created.ID,
		Points:    created.Snapshot.Price.ToPoints(),
		Attempts:  attempts,
		Error:     operationError,
	})
	if operationError != nil {
		return Booking{}, operationError
	}
	service.publish(ctx, Event{
		Type:      EventBookingReserved,
		BookingID: created.ID.String(),
		UserID:    created.UserID.String(),
		SpotID:    created.SpotID.String(),
		OwnerID:   created.Snapshot.OwnerID.String(),
		Points:    created.Snapshot.Price.Int64(),
	})
	return created, nil
}

func (service *Service) reserveInTx(ctx context.Context, transactionStore Store, userID UserID, spotID SpotID, lockedOwnerID UserID) (Booking, error) {
	spot, err := transactionStore.GetSpot(ctx, spotID)
	if err != nil {
		return Booking{}, rejectMissing(operationReserve, subjectSpot, err)
	}
	if spot.OwnerID == userID {
		return Booking{}, WrapError(operationReserve, subjectSpot, codeSelf, ErrSelfBooking)
	}
	if !spot.Bookable {
		return Booking{}, WrapError(operationReserve, subjectSpot, codeUnavailable, ErrSpotUnavailable)
	}
	existing, err := transactionStore.ListBookings(ctx, BookingFilter{
		UserID:   userID,
		SpotID:   spotID,
		Statuses: []BookingStatus{BookingStatusActive},
		Limit:    1,
	})
	if err != nil {
		return Booking{}, err
	}
	if len(existing) > 0 {
		return Booking{}, WrapError(operationReserve, subjectBooking, codeDuplicate, ErrDuplicateBooking)
	}
	account, err := transactionStore.GetAccount(ctx, userID)
	if err != nil {
		return Booking{}, rejectMissing(operationReserve, subjectAccount, err)
	}
	if account.Points < spot.Price.ToPoints() {
		return Booking{}, WrapError(operationReserve, subjectAccount, codeInsufficient, ErrInsufficientPoints)
	}
	if spot.OwnerID != lockedOwnerID {
		return Booking{}, WrapError(operationReserve, subjectSpot, codeChanged, ErrTransientStore)
	}

	if err := transactionStore.DebitAccount(ctx, userID, spot.Price); err != nil {
		return Booking{}, rejectMissing(operationReserve, subjectAccount, err)
	}
	if err := transactionStore.CreditAccount(ctx, spot.OwnerID, spot.Price); err != nil {
		return Booking{}, rejectMissing(operationReserve, subjectOwner, err)
	}
	if err := transactionStore.SetSpotBookable(ctx, spotID, true, false); err != nil {
		return Booking{}, err
	}
	bookingID, err := NewBookingID(service.newID())
	if err != nil {
		return Booking{}, err
	}
	booking, err := NewBooking(bookingID, userID, spotID, BookingStatusActive, Snapshot{
		Price:   spot.Price,
		OwnerID: spot.OwnerID,
		Address: spot.Address,
	}, service.nowFn())
	if err != nil {
		return Booking{}, err
	}
	if err := transactionStore.CreateBooking(ctx, booking); err != nil {
		return Booking{}, err
	}
	return booking, nil
}

// Cancel reverses an active booking using its snapshot terms. Only the booker may cancel.
func (service *Service) Cancel(ctx context.Context, bookingID BookingID, requesterID UserID) (Booking, error) {
	var canceled Booking
	resolve := func(ctx context.Context) ([]string, error) {
		peeked, err := service.store.GetBooking(ctx, bookingID)
		if err != nil {
			return nil, rejectMissing(operationCancel, subjectBooking, err)
		}
		return resourceKeys([]SpotID{peeked.SpotID}, []UserID{peeked.UserID, peeked.Snapshot.OwnerID}), nil
	}
	attempts, operationError := service.executeResolved(ctx, operationCancel, resolve, func(ctx context.Context, transactionStore Store) error {
		booking, err := service.cancelInTx(ctx, transactionStore, bookingID, requesterID)
		if err != nil {
			return err
		}
		canceled = booking
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationCancel,
		UserID:    requesterID,
		SpotID:    canceled.SpotID,
		BookingID: bookingID,
		Points:    canceled.Snapshot.Price.ToPoints(),
		Attempts:  attempts,
		Error:     operationError,
	})
	if operationError != nil {
		return Booking{}, operationError
	}
	service.publish(ctx, Event{
		Type:      EventBookingCanceled,
		BookingID: canceled.ID.String(),
		UserID:    canceled.UserID.String(),
		SpotID:    canceled.SpotID.String(),
		OwnerID:   canceled.Snapshot.OwnerID.String(),
		Points:    canceled.Snapshot.Price.Int64(),
	})
	return canceled, nil
}

func (service *Service) cancelInTx(ctx context.Context, transactionStore Store, bookingID BookingID, requesterID UserID) (Booking, error) {
	booking, err := transactionStore.GetBooking(ctx, bookingID)
	if err != nil {
		return Booking{}, rejectMissing(operationCancel, subjectBooking, err)
	}
	if booking.UserID != requesterID {
		return Booking{}, WrapError(operationCancel, subjectBooking, codeForbidden, ErrNotAuthorized)
	}
	switch booking.Status {
	case BookingStatusCanceled:
		return Booking{}, WrapError(operationCancel, subjectBooking, codeCanceled, ErrAlreadyCanceled)
	case BookingStatusCompleted:
		return Booking{}, WrapError(operationCancel, subjectBooking, codeCompleted, ErrBookingCompleted)
	}

	price := booking.Snapshot.Price
	if err := transactionStore.DebitAccount(ctx, booking.Snapshot.OwnerID, price); err != nil {
		if errors.Is(err, ErrInsufficientPoints) {
			return Booking{}, WrapError(operationCancel, subjectOwner, codeInsufficient, err)
		}
		return Booking{}, rejectMissing(operationCancel, subjectOwner, err)
	}
	if err := transactionStore.CreditAccount(ctx, booking.UserID, price); err != nil {
		return Booking{}, rejectMissing(operationCancel, subjectAccount, err)
	}
	nowUnixUTC := service.nowFn()
	if err := transactionStore.UpdateBookingStatus(ctx, bookingID, BookingStatusActive, BookingStatusCanceled, nowUnixUTC); err != nil {
		return Booking{}, err
	}
	if err := releaseSpot(ctx, transactionStore, booking.SpotID); err != nil {
		return Booking{}, err
	}
	booking.Status = BookingStatusCanceled
	booking.UpdatedUnixUTC = nowUnixUTC
	return booking, nil
}

// releaseSpot marks a spot bookable again. A deleted spot is skipped.
func releaseSpot(ctx context.Context, transactionStore Store, spotID SpotID) error {
	spot, err := transactionStore.GetSpot(ctx, spotID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if spot.Bookable {
		return nil
	}
	return transactionStore.SetSpotBookable(ctx, spotID, false, true)
}

// execute holds the resource locks and runs fn in a store transaction,
// retrying ErrTransientStore up to maxAttempts.
func (service *Service) execute(ctx context.Context, operation string, keys []string, fn func(ctx context.Context, transactionStore Store) error) (int, error) {
	return service.executeResolved(ctx, operation, func(context.Context) ([]string, error) { return keys, nil }, fn)
}

// executeResolved is execute with lock keys read from current state. resolve
// runs again on every attempt.
func (service *Service) executeResolved(ctx context.Context, operation string, resolve func(ctx context.Context) ([]string, error), fn func(ctx context.Context, transactionStore Store) error) (int, error) {
	attempts := 0
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(service.retryInterval), uint64(service.maxAttempts-1)),
		ctx,
	)
	err := backoff.Retry(func() error {
		attempts++
		attemptError := service.attempt(ctx, operation, resolve, fn)
		if attemptError == nil || errors.Is(attemptError, ErrTransientStore) {
			return attemptError
		}
		return backoff.Permanent(attemptError)
	}, policy)
	switch {
	case err == nil:
		return attempts, nil
	case errors.Is(err, ErrTransientStore):
		return attempts, WrapError(operation, "transaction", codeRetry, fmt.Errorf("after %d attempts: %w", attempts, err))
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return attempts, WrapError(operation, "transaction", codeInterrupted, fmt.Errorf("%w: %w", ErrTransientStore, err))
	}
	return attempts, err
}

func (service *Service) attempt(ctx context.Context, operation string, resolve func(ctx context.Context) ([]string, error), fn func(ctx context.Context, transactionStore Store) error) error {
	keys, err := resolve(ctx)
	if err != nil {
		return err
	}
	if service.locker != nil && len(keys) > 0 {
		release, err := service.locker.Lock(ctx, keys...)
		if err != nil {
			return WrapError(operation, "lock", "acquire", fmt.Errorf("%w: %w", ErrTransientStore, err))
		}
		defer release()
	}
	return service.store.WithTx(ctx, fn)
}

func (service *Service) publish(ctx context.Context, event Event) {
	if service.publisher == nil {
		return
	}
	event.OccurredAtUnix = service.nowFn()
	if err := service.publisher.Publish(ctx, event); err != nil {
		service.logOperation(ctx, OperationLog{
			Operation: "publish." + event.Type,
			Status:    operationStatusError,
			Error:     err,
		})
	}
}

// rejectMissing tags ErrNotFound with the operation and subject; other errors pass through.
func rejectMissing(operation string, subject string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return WrapError(operation, subject, codeNotFound, err)
	}
	return err
}

func resourceKeys(spotIDs []SpotID, userIDs []UserID) []string {
	seen := make(map[string]struct{}, len(spotIDs)+len(userIDs))
	keys := make([]string, 0, len(spotIDs)+len(userIDs))
	add := func(key string) {
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	for _, spotID := range spotIDs {
		if !spotID.IsZero() {
			add(lockKeyPrefixSpot + spotID.String())
		}
	}
	for _, userID := range userIDs {
		if !userID.IsZero() {
			add(lockKeyPrefixUser + userID.String())
		}
	}
	sort.Strings(keys)
	return keys
}
