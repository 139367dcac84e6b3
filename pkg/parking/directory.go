package parking

import (
	"context"
	"errors"
	"fmt"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// OpenAccount creates the balance record for userID with initial points.
// An existing account is returned unchanged with created=false.
func (service *Service) OpenAccount(ctx context.Context, userID UserID, initial Points) (Account, bool, error) {
	var (
		account Account
		created bool
	)
	attempts, operationError := service.execute(ctx, operationOpenAccount, resourceKeys(nil, []UserID{userID}), func(ctx context.Context, transactionStore Store) error {
		created = false
		existing, err := transactionStore.GetAccount(ctx, userID)
		if err == nil {
			account = existing
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		account = Account{UserID: userID, Points: initial}
		if err := transactionStore.CreateAccount(ctx, account); err != nil {
			if errors.Is(err, ErrAccountExists) {
				return WrapError(operationOpenAccount, subjectAccount, codeDuplicate, fmt.Errorf("%w: %w", ErrTransientStore, err))
			}
			return err
		}
		created = true
		return nil
	})
	if created || operationError != nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationOpenAccount,
			UserID:    userID,
			Points:    initial,
			Attempts:  attempts,
			Error:     operationError,
		})
	}
	if operationError != nil {
		return Account{}, false, operationError
	}
	return account, created, nil
}

// Balance returns the current points of userID.
func (service *Service) Balance(ctx context.Context, userID UserID) (Account, error) {
	account, err := service.store.GetAccount(ctx, userID)
	if err != nil {
		return Account{}, rejectMissing("balance", subjectAccount, err)
	}
	return account, nil
}

// ListSpot registers a bookable spot owned by ownerID. The owner needs an
// account so reservations have somewhere to credit.
func (service *Service) ListSpot(ctx context.Context, ownerID UserID, address string, price PositivePoints) (Spot, error) {
	spotID, err := NewSpotID(service.newID())
	if err != nil {
		return Spot{}, err
	}
	spot, err := NewSpot(spotID, ownerID, address, price, true)
	if err != nil {
		return Spot{}, err
	}
	_, operationError := service.execute(ctx, operationListSpot, resourceKeys([]SpotID{spotID}, []UserID{ownerID}), func(ctx context.Context, transactionStore Store) error {
		if _, err := transactionStore.GetAccount(ctx, ownerID); err != nil {
			return rejectMissing(operationListSpot, subjectOwner, err)
		}
		return transactionStore.CreateSpot(ctx, spot)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationListSpot,
		UserID:    ownerID,
		SpotID:    spotID,
		Points:    price.ToPoints(),
		Error:     operationError,
	})
	if operationError != nil {
		return Spot{}, operationError
	}
	return spot, nil
}

// RepriceSpot changes the price of a spot. Existing bookings keep their snapshot price.
func (service *Service) RepriceSpot(ctx context.Context, ownerID UserID, spotID SpotID, price PositivePoints) (Spot, error) {
	var updated Spot
	_, operationError := service.execute(ctx, operationRepriceSpot, resourceKeys([]SpotID{spotID}, []UserID{ownerID}), func(ctx context.Context, transactionStore Store) error {
		spot, err := transactionStore.GetSpot(ctx, spotID)
		if err != nil {
			return rejectMissing(operationRepriceSpot, subjectSpot, err)
		}
		if spot.OwnerID != ownerID {
			return WrapError(operationRepriceSpot, subjectSpot, codeForbidden, ErrNotAuthorized)
		}
		if err := transactionStore.UpdateSpotPrice(ctx, spotID, price); err != nil {
			return err
		}
		spot.Price = price
		updated = spot
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationRepriceSpot,
		UserID:    ownerID,
		SpotID:    spotID,
		Points:    price.ToPoints(),
		Error:     operationError,
	})
	if operationError != nil {
		return Spot{}, operationError
	}
	return updated, nil
}

// DeleteSpot removes a spot owned by ownerID. An active booking on the spot is
// canceled first: the booker gets the snapshot price back from the owner.
func (service *Service) DeleteSpot(ctx context.Context, ownerID UserID, spotID SpotID) (SpotRemoval, error) {
	var (
		removal     SpotRemoval
		lockedUsers map[UserID]struct{}
	)
	resolve := func(ctx context.Context) ([]string, error) {
		peeked, err := service.store.GetSpot(ctx, spotID)
		if err != nil {
			return nil, rejectMissing(operationDeleteSpot, subjectSpot, err)
		}
		active, err := service.store.ListBookings(ctx, BookingFilter{SpotID: spotID, Statuses: activeOnly, Limit: maxHistoryLimit})
		if err != nil {
			return nil, err
		}
		userIDs := []UserID{ownerID, peeked.OwnerID}
		for _, booking := range active {
			userIDs = append(userIDs, booking.UserID, booking.Snapshot.OwnerID)
		}
		lockedUsers = make(map[UserID]struct{}, len(userIDs))
		for _, userID := range userIDs {
			lockedUsers[userID] = struct{}{}
		}
		return resourceKeys([]SpotID{spotID}, userIDs), nil
	}
	attempts, operationError := service.executeResolved(ctx, operationDeleteSpot, resolve, func(ctx context.Context, transactionStore Store) error {
		result, err := service.deleteSpotInTx(ctx, transactionStore, ownerID, spotID, lockedUsers)
		if err != nil {
			return err
		}
		removal = result
		return nil
	})
	refunded := Points(0)
	for _, booking := range removal.Canceled {
		refunded += booking.Snapshot.Price.ToPoints()
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationDeleteSpot,
		UserID:    ownerID,
		SpotID:    spotID,
		Points:    refunded,
		Attempts:  attempts,
		Error:     operationError,
	})
	if operationError != nil {
		return SpotRemoval{}, operationError
	}
	for _, booking := range removal.Canceled {
		service.publish(ctx, Event{
			Type:      EventBookingCanceled,
			BookingID: booking.ID.String(),
			UserID:    booking.UserID.String(),
			SpotID:    booking.SpotID.String(),
			OwnerID:   booking.Snapshot.OwnerID.String(),
			Points:    booking.Snapshot.Price.Int64(),
		})
	}
	service.publish(ctx, Event{
		Type:    EventSpotDeleted,
		SpotID:  spotID.String(),
		OwnerID: ownerID.String(),
		Points:  refunded.Int64(),
	})
	return removal, nil
}

func (service *Service) deleteSpotInTx(ctx context.Context, transactionStore Store, ownerID UserID, spotID SpotID, lockedUsers map[UserID]struct{}) (SpotRemoval, error) {
	spot, err := transactionStore.GetSpot(ctx, spotID)
	if err != nil {
		return SpotRemoval{}, rejectMissing(operationDeleteSpot, subjectSpot, err)
	}
	if spot.OwnerID != ownerID {
		return SpotRemoval{}, WrapError(operationDeleteSpot, subjectSpot, codeForbidden, ErrNotAuthorized)
	}
	active, err := transactionStore.ListBookings(ctx, BookingFilter{SpotID: spotID, Statuses: activeOnly, Limit: maxHistoryLimit})
	if err != nil {
		return SpotRemoval{}, err
	}
	removal := SpotRemoval{Spot: spot}
	nowUnixUTC := service.nowFn()
	for _, booking := range active {
		_, bookerLocked := lockedUsers[booking.UserID]
		_, ownerLocked := lockedUsers[booking.Snapshot.OwnerID]
		if !bookerLocked || !ownerLocked {
			return SpotRemoval{}, WrapError(operationDeleteSpot, subjectBooking, codeChanged, ErrTransientStore)
		}
		price := booking.Snapshot.Price
		if err := transactionStore.DebitAccount(ctx, booking.Snapshot.OwnerID, price); err != nil {
			if errors.Is(err, ErrInsufficientPoints) {
				return SpotRemoval{}, WrapError(operationDeleteSpot, subjectOwner, codeInsufficient, err)
			}
			return SpotRemoval{}, rejectMissing(operationDeleteSpot, subjectOwner, err)
		}
		if err := transactionStore.CreditAccount(ctx, booking.UserID, price); err != nil {
			return SpotRemoval{}, rejectMissing(operationDeleteSpot, subjectAccount, err)
		}
		if err := transactionStore.UpdateBookingStatus(ctx, booking.ID, BookingStatusActive, BookingStatusCanceled, nowUnixUTC); err != nil {
			return SpotRemoval{}, err
		}
		booking.Status = BookingStatusCanceled
		booking.UpdatedUnixUTC = nowUnixUTC
		removal.Canceled = append(removal.Canceled, booking)
	}
	if err := transactionStore.DeleteSpot(ctx, spotID); err != nil {
		return SpotRemoval{}, rejectMissing(operationDeleteSpot, subjectSpot, err)
	}
	return removal, nil
}

// OwnedSpots lists the spots of ownerID, bookable or not.
func (service *Service) OwnedSpots(ctx context.Context, ownerID UserID) ([]Spot, error) {
	return service.store.ListSpots(ctx, SpotFilter{OwnerID: ownerID, Limit: maxHistoryLimit})
}

// Spot returns a spot by id.
func (service *Service) Spot(ctx context.Context, spotID SpotID) (Spot, error) {
	spot, err := service.store.GetSpot(ctx, spotID)
	if err != nil {
		return Spot{}, rejectMissing("spot", subjectSpot, err)
	}
	return spot, nil
}

// Booking returns a booking visible to its booker or to the spot owner at booking time.
func (service *Service) Booking(ctx context.Context, bookingID BookingID, requesterID UserID) (Booking, error) {
	booking, err := service.store.GetBooking(ctx, bookingID)
	if err != nil {
		return Booking{}, rejectMissing("booking", subjectBooking, err)
	}
	if booking.UserID != requesterID && booking.Snapshot.OwnerID != requesterID {
		return Booking{}, WrapError("booking", subjectBooking, codeForbidden, ErrNotAuthorized)
	}
	return booking, nil
}

// BookingHistory lists every booking of userID, newest first.
func (service *Service) BookingHistory(ctx context.Context, userID UserID, limit int) ([]Booking, error) {
	return service.store.ListBookings(ctx, BookingFilter{
		UserID:      userID,
		NewestFirst: true,
		Limit:       normalizeHistoryLimit(limit),
	})
}

// ActiveBookings lists the bookings of userID that were not canceled.
func (service *Service) ActiveBookings(ctx context.Context, userID UserID) ([]Booking, error) {
	return service.store.ListBookings(ctx, BookingFilter{
		UserID:      userID,
		Statuses:    []BookingStatus{BookingStatusActive, BookingStatusCompleted},
		NewestFirst: true,
		Limit:       maxHistoryLimit,
	})
}

func normalizeHistoryLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}
