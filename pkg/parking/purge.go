package parking

import (
	"context"
	"errors"
)

var errStillReferenced = errors.New("still referenced")

var activeOnly = []BookingStatus{BookingStatusActive}

// PurgeAccount unwinds everything that references userID and deletes its balance.
//
// Bookings on spots the user owns are refunded to their bookers and the spots
// are deleted; bookings the user holds are debited back from the spot owners
// and their spots freed. Each booking is settled in its own transaction and
// re-read there, so a re-run after a partial failure settles only what is
// still active.
func (service *Service) PurgeAccount(ctx context.Context, userID UserID) (PurgeSummary, error) {
	summary := PurgeSummary{}
	operationError := service.purge(ctx, userID, &summary)
	service.logOperation(ctx, OperationLog{
		Operation: operationPurge,
		UserID:    userID,
		Points:    summary.UnrecoveredPoints,
		Error:     operationError,
	})
	if operationError != nil {
		return summary, operationError
	}
	if summary != (PurgeSummary{}) {
		summaryCopy := summary
		service.publish(ctx, Event{
			Type:    EventAccountPurged,
			UserID:  userID.String(),
			Points:  summary.UnrecoveredPoints.Int64(),
			Summary: &summaryCopy,
		})
	}
	return summary, nil
}

func (service *Service) purge(ctx context.Context, userID UserID, summary *PurgeSummary) error {
	for round := 0; round < defaultPurgeRounds; round++ {
		if err := service.purgeOwnedSpots(ctx, userID, summary); err != nil {
			return err
		}
		if err := service.releaseHeldBookings(ctx, userID, summary); err != nil {
			return err
		}
		deleted, err := service.deleteAccount(ctx, userID)
		if err == nil {
			summary.AccountDeleted = deleted
			return nil
		}
		if !errors.Is(err, errStillReferenced) {
			return err
		}
	}
	return WrapError(operationPurge, subjectAccount, codeStillReferred, ErrTransientStore)
}

func (service *Service) purgeOwnedSpots(ctx context.Context, ownerID UserID, summary *PurgeSummary) error {
	after := SpotID{}
	for {
		spots, err := service.store.ListSpots(ctx, SpotFilter{OwnerID: ownerID, AfterSpotID: after, Limit: service.purgeBatch})
		if err != nil {
			return err
		}
		for _, spot := range spots {
			after = spot.ID
			if err := service.retireSpot(ctx, ownerID, spot.ID, summary); err != nil {
				return err
			}
		}
		if len(spots) < service.purgeBatch {
			return nil
		}
	}
}

func (service *Service) retireSpot(ctx context.Context, ownerID UserID, spotID SpotID, summary *PurgeSummary) error {
	for round := 0; round < defaultPurgeRounds; round++ {
		if err := service.refundSpotBookings(ctx, ownerID, spotID, summary); err != nil {
			return err
		}
		deleted := false
		_, err := service.execute(ctx, operationPurge, resourceKeys([]SpotID{spotID}, []UserID{ownerID}), func(ctx context.Context, transactionStore Store) error {
			deleted = false
			active, err := transactionStore.ListBookings(ctx, BookingFilter{SpotID: spotID, Statuses: activeOnly, Limit: 1})
			if err != nil {
				return err
			}
			if len(active) > 0 {
				return WrapError(operationPurge, subjectSpot, codeStillReferred, errStillReferenced)
			}
			if err := transactionStore.DeleteSpot(ctx, spotID); err != nil {
				if errors.Is(err, ErrNotFound) {
					return nil
				}
				return err
			}
			deleted = true
			return nil
		})
		if err == nil {
			if deleted {
				summary.SpotsDeleted++
			}
			return nil
		}
		if !errors.Is(err, errStillReferenced) {
			return err
		}
	}
	return WrapError(operationPurge, subjectSpot, codeStillReferred, ErrTransientStore)
}

func (service *Service) refundSpotBookings(ctx context.Context, ownerID UserID, spotID SpotID, summary *PurgeSummary) error {
	after := BookingID{}
	for {
		bookings, err := service.store.ListBookings(ctx, BookingFilter{
			SpotID:         spotID,
			Statuses:       activeOnly,
			AfterBookingID: after,
			Limit:          service.purgeBatch,
		})
		if err != nil {
			return err
		}
		for _, booking := range bookings {
			after = booking.ID
			refunded, err := service.refundOwnedBooking(ctx, ownerID, booking)
			if err != nil {
				return err
			}
			if refunded {
				summary.BookingsRefunded++
			}
		}
		if len(bookings) < service.purgeBatch {
			return nil
		}
	}
}

// refundOwnedBooking returns the snapshot price to the booker of a spot whose
// owner is being purged. The owner is not debited; its balance is discarded.
func (service *Service) refundOwnedBooking(ctx context.Context, ownerID UserID, listed Booking) (bool, error) {
	refunded := false
	keys := resourceKeys([]SpotID{listed.SpotID}, []UserID{listed.UserID, ownerID})
	_, err := service.execute(ctx, operationPurge, keys, func(ctx context.Context, transactionStore Store) error {
		refunded = false
		booking, err := transactionStore.GetBooking(ctx, listed.ID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !booking.IsActive() {
			return nil
		}
		if err := transactionStore.CreditAccount(ctx, booking.UserID, booking.Snapshot.Price); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if err := transactionStore.UpdateBookingStatus(ctx, booking.ID, BookingStatusActive, BookingStatusCanceled, service.nowFn()); err != nil {
			return err
		}
		refunded = true
		return nil
	})
	return refunded, err
}

func (service *Service) releaseHeldBookings(ctx context.Context, userID UserID, summary *PurgeSummary) error {
	after := BookingID{}
	for {
		bookings, err := service.store.ListBookings(ctx, BookingFilter{
			UserID:         userID,
			Statuses:       activeOnly,
			AfterBookingID: after,
			Limit:          service.purgeBatch,
		})
		if err != nil {
			return err
		}
		for _, booking := range bookings {
			after = booking.ID
			released, shortfall, err := service.releaseHeldBooking(ctx, userID, booking)
			if err != nil {
				return err
			}
			if released {
				summary.BookingsReleased++
				summary.UnrecoveredPoints += shortfall
			}
		}
		if len(bookings) < service.purgeBatch {
			return nil
		}
	}
}

// releaseHeldBooking takes the snapshot price back from the spot owner and frees
// the spot. An owner who has since spent the points is debited down to zero and
// the remainder is reported as shortfall.
func (service *Service) releaseHeldBooking(ctx context.Context, userID UserID, listed Booking) (bool, Points, error) {
	var (
		released  bool
		shortfall Points
	)
	keys := resourceKeys([]SpotID{listed.SpotID}, []UserID{userID, listed.Snapshot.OwnerID})
	_, err := service.execute(ctx, operationPurge, keys, func(ctx context.Context, transactionStore Store) error {
		released, shortfall = false, 0
		booking, err := transactionStore.GetBooking(ctx, listed.ID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !booking.IsActive() {
			return nil
		}
		missing, err := debitUpTo(ctx, transactionStore, booking.Snapshot.OwnerID, booking.Snapshot.Price)
		if err != nil {
			return err
		}
		if err := releaseSpot(ctx, transactionStore, booking.SpotID); err != nil {
			return err
		}
		if err := transactionStore.UpdateBookingStatus(ctx, booking.ID, BookingStatusActive, BookingStatusCanceled, service.nowFn()); err != nil {
			return err
		}
		released, shortfall = true, missing
		return nil
	})
	return released, shortfall, err
}

func debitUpTo(ctx context.Context, transactionStore Store, userID UserID, amount PositivePoints) (Points, error) {
	account, err := transactionStore.GetAccount(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return amount.ToPoints(), nil
	}
	if err != nil {
		return 0, err
	}
	debit := amount.ToPoints()
	if account.Points < debit {
		debit = account.Points
	}
	if debit > 0 {
		if err := transactionStore.DebitAccount(ctx, userID, PositivePoints(debit)); err != nil {
			return 0, err
		}
	}
	return amount.ToPoints() - debit, nil
}

func (service *Service) deleteAccount(ctx context.Context, userID UserID) (bool, error) {
	deleted := false
	_, err := service.execute(ctx, operationPurge, resourceKeys(nil, []UserID{userID}), func(ctx context.Context, transactionStore Store) error {
		deleted = false
		spots, err := transactionStore.ListSpots(ctx, SpotFilter{OwnerID: userID, Limit: 1})
		if err != nil {
			return err
		}
		held, err := transactionStore.ListBookings(ctx, BookingFilter{UserID: userID, Statuses: activeOnly, Limit: 1})
		if err != nil {
			return err
		}
		if len(spots) > 0 || len(held) > 0 {
			return WrapError(operationPurge, subjectAccount, codeStillReferred, errStillReferenced)
		}
		if err := transactionStore.DeleteAccount(ctx, userID); err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		deleted = true
		return nil
	})
	return deleted, err
}
