package parking

import (
	"context"
	"fmt"
	"strings"
)

// Points is a non-negative Park Points quantity.
type Points int64

// PositivePoints is a strictly positive Park Points quantity (prices, transfers).
type PositivePoints int64

// UserID identifies a user account.
type UserID struct {
	value string
}

// SpotID identifies a parking spot.
type SpotID struct {
	value string
}

// BookingID identifies a booking record.
type BookingID struct {
	value string
}

// BookingStatus defines the booking lifecycle.
type BookingStatus string

const (
	BookingStatusActive    BookingStatus = "active"
	BookingStatusCanceled  BookingStatus = "canceled"
	BookingStatusCompleted BookingStatus = "completed"
)

// NewPoints validates a balance value.
func NewPoints(raw int64) (Points, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidPoints)
	}
	return Points(raw), nil
}

// Int64 returns the raw value.
func (points Points) Int64() int64 {
	return int64(points)
}

// NewPositivePoints validates a price or transfer amount.
func NewPositivePoints(raw int64) (PositivePoints, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidPoints)
	}
	return PositivePoints(raw), nil
}

// Int64 returns the raw value.
func (points PositivePoints) Int64() int64 {
	return int64(points)
}

// ToPoints widens the value to a balance quantity.
func (points PositivePoints) ToPoints() Points {
	return Points(points)
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the id was never initialised.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// NewSpotID validates and normalizes a spot id.
func NewSpotID(raw string) (SpotID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return SpotID{}, fmt.Errorf("%w: empty value", ErrInvalidSpotID)
	}
	return SpotID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id SpotID) String() string {
	return id.value
}

// IsZero reports whether the id was never initialised.
func (id SpotID) IsZero() bool {
	return id.value == ""
}

// NewBookingID validates and normalizes a booking id.
func NewBookingID(raw string) (BookingID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return BookingID{}, fmt.Errorf("%w: empty value", ErrInvalidBookingID)
	}
	return BookingID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id BookingID) String() string {
	return id.value
}

// IsZero reports whether the id was never initialised.
func (id BookingID) IsZero() bool {
	return id.value == ""
}

// ParseBookingStatus validates a stored status string.
func ParseBookingStatus(raw string) (BookingStatus, error) {
	switch BookingStatus(strings.TrimSpace(raw)) {
	case BookingStatusActive:
		return BookingStatusActive, nil
	case BookingStatusCanceled:
		return BookingStatusCanceled, nil
	case BookingStatusCompleted:
		return BookingStatusCompleted, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidBookingStatus, raw)
	}
}

// String returns the status literal.
func (status BookingStatus) String() string {
	return string(status)
}

// Account is the balance record of one user.
type Account struct {
	UserID UserID
	Points Points
}

// Spot carries the fields of a listing the ledger needs.
type Spot struct {
	ID       SpotID
	OwnerID  UserID
	Address  string
	Price    PositivePoints
	Bookable bool
}

// NewSpot validates a spot record.
func NewSpot(spotID SpotID, ownerID UserID, address string, price PositivePoints, bookable bool) (Spot, error) {
	if spotID.IsZero() {
		return Spot{}, fmt.Errorf("%w: empty value", ErrInvalidSpotID)
	}
	if ownerID.IsZero() {
		return Spot{}, fmt.Errorf("%w: empty owner", ErrInvalidUserID)
	}
	if price <= 0 {
		return Spot{}, fmt.Errorf("%w: price must be greater than zero", ErrInvalidPoints)
	}
	trimmedAddress := strings.TrimSpace(address)
	if trimmedAddress == "" {
		return Spot{}, fmt.Errorf("%w: empty address", ErrInvalidAddress)
	}
	return Spot{ID: spotID, OwnerID: ownerID, Address: trimmedAddress, Price: price, Bookable: bookable}, nil
}

// Snapshot freezes the terms of a spot at booking time.
type Snapshot struct {
	Price   PositivePoints
	OwnerID UserID
	Address string
}

// Booking is a stored booking record.
type Booking struct {
	ID             BookingID
	UserID         UserID
	SpotID         SpotID
	Status         BookingStatus
	Snapshot       Snapshot
	CreatedUnixUTC int64
	UpdatedUnixUTC int64
}

// NewBooking validates a booking record.
func NewBooking(bookingID BookingID, userID UserID, spotID SpotID, status BookingStatus, snapshot Snapshot, createdUnixUTC int64) (Booking, error) {
	if bookingID.IsZero() {
		return Booking{}, fmt.Errorf("%w: empty value", ErrInvalidBookingID)
	}
	if userID.IsZero() {
		return Booking{}, fmt.Errorf("%w: empty booker", ErrInvalidUserID)
	}
	if spotID.IsZero() {
		return Booking{}, fmt.Errorf("%w: empty value", ErrInvalidSpotID)
	}
	if _, err := ParseBookingStatus(status.String()); err != nil {
		return Booking{}, err
	}
	if snapshot.OwnerID.IsZero() {
		return Booking{}, fmt.Errorf("%w: empty snapshot owner", ErrInvalidUserID)
	}
	if snapshot.Price <= 0 {
		return Booking{}, fmt.Errorf("%w: snapshot price must be greater than zero", ErrInvalidPoints)
	}
	return Booking{
		ID:             bookingID,
		UserID:         userID,
		SpotID:         spotID,
		Status:         status,
		Snapshot:       snapshot,
		CreatedUnixUTC: createdUnixUTC,
		UpdatedUnixUTC: createdUnixUTC,
	}, nil
}

// IsActive reports whether the booking still holds its spot.
func (booking Booking) IsActive() bool {
	return booking.Status == BookingStatusActive
}

// BookingFilter narrows ListBookings. Zero fields are ignored.
// Results are ordered by booking id ascending unless NewestFirst is set.
type BookingFilter struct {
	UserID         UserID
	SpotID         SpotID
	Statuses       []BookingStatus
	AfterBookingID BookingID
	NewestFirst    bool
	Limit          int
}

// SpotFilter narrows ListSpots. Results are ordered by spot id ascending.
type SpotFilter struct {
	OwnerID     UserID
	AfterSpotID SpotID
	Limit       int
}

// SpotRemoval is what DeleteSpot removed: the spot and the bookings it canceled.
type SpotRemoval struct {
	Spot     Spot
	Canceled []Booking
}

// PurgeSummary reports what PurgeAccount changed.
type PurgeSummary struct {
	SpotsDeleted      int
	BookingsRefunded  int
	BookingsReleased  int
	UnrecoveredPoints Points
	AccountDeleted    bool
}

// Store is the persistence contract used by Service.
// gormstore and pgstore implement it.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	GetAccount(ctx context.Context, userID UserID) (Account, error)
	CreateAccount(ctx context.Context, account Account) error
	CreditAccount(ctx context.Context, userID UserID, amount PositivePoints) error
	DebitAccount(ctx context.Context, userID UserID, amount PositivePoints) error
	DeleteAccount(ctx context.Context, userID UserID) error

	GetSpot(ctx context.Context, spotID SpotID) (Spot, error)
	CreateSpot(ctx context.Context, spot Spot) error
	UpdateSpotPrice(ctx context.Context, spotID SpotID, price PositivePoints) error
	SetSpotBookable(ctx context.Context, spotID SpotID, from bool, to bool) error
	DeleteSpot(ctx context.Context, spotID SpotID) error
	ListSpots(ctx context.Context, filter SpotFilter) ([]Spot, error)

	CreateBooking(ctx context.Context, booking Booking) error
	GetBooking(ctx context.Context, bookingID BookingID) (Booking, error)
	UpdateBookingStatus(ctx context.Context, bookingID BookingID, from BookingStatus, to BookingStatus, atUnixUTC int64) error
	ListBookings(ctx context.Context, filter BookingFilter) ([]Booking, error)
}
