package gormstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/parkpoints/pkg/parking"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	pgUniqueViolationCode     = "23505"
	pgSerializationFailure    = "40001"
	pgDeadlockDetected        = "40P01"
	pgLockNotAvailable        = "55P03"
	sqliteConstraintCode      = 19
	sqliteBusyCode            = 5
	sqliteLockedCode          = 6
	errorOperationStore       = "store"
	errorSubjectAccount       = "account"
	errorSubjectSpot          = "spot"
	errorSubjectBooking       = "booking"
	errorSubjectTransaction   = "transaction"
	errorCodeCreate           = "create"
	errorCodeCredit           = "credit"
	errorCodeDebit            = "debit"
	errorCodeDelete           = "delete"
	errorCodeDuplicate        = "duplicate"
	errorCodeGet              = "get"
	errorCodeInvalid          = "invalid"
	errorCodeList             = "list"
	errorCodeSetBookable      = "set_bookable"
	errorCodeUpdatePrice      = "update_price"
	errorCodeUpdateStatus     = "update_status"
	errorCodeConflict         = "conflict"
	orderBookingsAscending    = "booking_id ASC"
	orderBookingsNewestFirst  = "created_at DESC, booking_id DESC"
	orderSpotsAscending       = "spot_id ASC"
	lockStrengthUpdate        = "UPDATE"
	bookingStatusFilter       = "status IN ?"
)

// Option configures a Store.
type Option func(*Store)

// WithTxOptions sets the options every transaction is started with.
func WithTxOptions(options *sql.TxOptions) Option {
	return func(store *Store) {
		store.txOptions = options
	}
}

// Store implements parking.Store using GORM.
type Store struct {
	db        *gorm.DB
	inTx      bool
	txOptions *sql.TxOptions
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB, options ...Option) *Store {
	store := &Store{db: db}
	for _, option := range options {
		if option != nil {
			option(store)
		}
	}
	return store
}

// WithTx executes fn within a transaction. Serialization failures and
// deadlocks surface as parking.ErrTransientStore so the caller can retry.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore parking.Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	var txOptions []*sql.TxOptions
	if store.txOptions != nil {
		txOptions = append(txOptions, store.txOptions)
	}
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction, inTx: true, txOptions: store.txOptions})
	}, txOptions...)
	if err != nil && !errors.Is(err, parking.ErrTransientStore) && isTransient(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeConflict, fmt.Errorf("%w: %w", parking.ErrTransientStore, err))
	}
	return err
}

func (store *Store) GetAccount(ctx context.Context, userID parking.UserID) (parking.Account, error) {
	var model Account
	err := store.query(ctx).Where("user_id = ?", userID.String()).Take(&model).Error
	if err != nil {
		return parking.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, classify(err))
	}
	points, err := parking.NewPoints(model.Points)
	if err != nil {
		return parking.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return parking.Account{UserID: userID, Points: points}, nil
}

func (store *Store) CreateAccount(ctx context.Context, account parking.Account) error {
	model := Account{UserID: account.UserID.String(), Points: account.Points.Int64()}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, parking.ErrAccountExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, classify(err))
	}
	return nil
}

func (store *Store) CreditAccount(ctx context.Context, userID parking.UserID, amount parking.PositivePoints) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ?", userID.String()).
		Update("points", gorm.Expr("points + ?", amount.Int64()))
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCredit, classify(result.Error))
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeCredit, parking.ErrNotFound)
	}
	return nil
}

func (store *Store) DebitAccount(ctx context.Context, userID parking.UserID, amount parking.PositivePoints) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ? AND points >= ?", userID.String(), amount.Int64()).
		Update("points", gorm.Expr("points - ?", amount.Int64()))
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeDebit, classify(result.Error))
	}
	if result.RowsAffected > 0 {
		return nil
	}
	exists, err := store.exists(ctx, &Account{}, "user_id = ?", userID.String())
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeDebit, err)
	}
	if !exists {
		return wrapStoreError(errorSubjectAccount, errorCodeDebit, parking.ErrNotFound)
	}
	return wrapStoreError(errorSubjectAccount, errorCodeDebit, parking.ErrInsufficientPoints)
}

func (store *Store) DeleteAccount(ctx context.Context, userID parking.UserID) error {
	result := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Delete(&Account{})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeDelete, classify(result.Error))
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeDelete, parking.ErrNotFound)
	}
	return nil
}

func (store *Store) GetSpot(ctx context.Context, spotID parking.SpotID) (parking.Spot, error) {
	var model Spot
	err := store.query(ctx).Where("spot_id = ?", spotID.String()).Take(&model).Error
	if err != nil {
		return parking.Spot{}, wrapStoreError(errorSubjectSpot, errorCodeGet, classify(err))
	}
	spot, err := mapSpot(model)
	if err != nil {
		return parking.Spot{}, wrapStoreError(errorSubjectSpot, errorCodeInvalid, err)
	}
	return spot, nil
}

func (store *Store) CreateSpot(ctx context.Context, spot parking.Spot) error {
	model := Spot{
		SpotID:   spot.ID.String(),
		OwnerID:  spot.OwnerID.String(),
		Address:  spot.Address,
		Price:    spot.Price.Int64(),
		Bookable: spot.Bookable,
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectSpot, errorCodeCreate, classify(err))
	}
	return nil
}

func (store *Store) UpdateSpotPrice(ctx context.Context, spotID parking.SpotID, price parking.PositivePoints) error {
	result := store.db.WithContext(ctx).
		Model(&Spot{}).
		Where("spot_id = ?", spotID.String()).
		Update("price", price.Int64())
	if result.Error != nil {
		return wrapStoreError(errorSubjectSpot, errorCodeUpdatePrice, classify(result.Error))
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectSpot, errorCodeUpdatePrice, parking.ErrNotFound)
	}
	return nil
}

// SetSpotBookable flips the bookable flag only when it still holds from.
func (store *Store) SetSpotBookable(ctx context.Context, spotID parking.SpotID, from bool, to bool) error {
	result := store.db.WithContext(ctx).
		Model(&Spot{}).
		Where("spot_id = ? AND bookable = ?", spotID.String(), from).
		Update("bookable", to)
	if result.Error != nil {
		return wrapStoreError(errorSubjectSpot, errorCodeSetBookable, classify(result.Error))
	}
	if result.RowsAffected > 0 {
		return nil
	}
	exists, err := store.exists(ctx, &Spot{}, "spot_id = ?", spotID.String())
	if err != nil {
		return wrapStoreError(errorSubjectSpot, errorCodeSetBookable, err)
	}
	if !exists {
		return wrapStoreError(errorSubjectSpot, errorCodeSetBookable, parking.ErrNotFound)
	}
	return wrapStoreError(errorSubjectSpot, errorCodeSetBookable, parking.ErrTransientStore)
}

func (store *Store) DeleteSpot(ctx context.Context, spotID parking.SpotID) error {
	result := store.db.WithContext(ctx).Where("spot_id = ?", spotID.String()).Delete(&Spot{})
	if result.Error != nil {
		return wrapStoreError(errorSubjectSpot, errorCodeDelete, classify(result.Error))
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectSpot, errorCodeDelete, parking.ErrNotFound)
	}
	return nil
}

func (store *Store) ListSpots(ctx context.Context, filter parking.SpotFilter) ([]parking.Spot, error) {
	query := store.db.WithContext(ctx).Model(&Spot{})
	if !filter.OwnerID.IsZero() {
		query = query.Where("owner_id = ?", filter.OwnerID.String())
	}
	if !filter.AfterSpotID.IsZero() {
		query = query.Where("spot_id > ?", filter.AfterSpotID.String())
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var rows []Spot
	if err := query.Order(orderSpotsAscending).Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectSpot, errorCodeList, classify(err))
	}
	spots := make([]parking.Spot, 0, len(rows))
	for _, row := range rows {
		spot, err := mapSpot(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectSpot, errorCodeInvalid, err)
		}
		spots = append(spots, spot)
	}
	return spots, nil
}

// CreateBooking inserts a booking. A second active booking for the same spot
// violates idx_bookings_active_spot and is reported as a transient conflict.
func (store *Store) CreateBooking(ctx context.Context, booking parking.Booking) error {
	snapshot, err := json.Marshal(snapshotDocument{
		Price:   booking.Snapshot.Price.Int64(),
		OwnerID: booking.Snapshot.OwnerID.String(),
		Address: booking.Snapshot.Address,
	})
	if err != nil {
		return wrapStoreError(errorSubjectBooking, errorCodeInvalid, err)
	}
	model := Booking{
		BookingID: booking.ID.String(),
		UserID:    booking.UserID.String(),
		SpotID:    booking.SpotID.String(),
		Status:    booking.Status.String(),
		Snapshot:  datatypes.JSON(snapshot),
		CreatedAt: time.Unix(booking.CreatedUnixUTC, 0).UTC(),
		UpdatedAt: time.Unix(booking.UpdatedUnixUTC, 0).UTC(),
	}
	err = store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		if isActiveSpotConflict(err) {
			return wrapStoreError(errorSubjectBooking, errorCodeConflict, fmt.Errorf("%w: %w", parking.ErrTransientStore, err))
		}
		return wrapStoreError(errorSubjectBooking, errorCodeDuplicate, parking.ErrDuplicateBooking)
	}
	if err != nil {
		return wrapStoreError(errorSubjectBooking, errorCodeCreate, classify(err))
	}
	return nil
}

func (store *Store) GetBooking(ctx context.Context, bookingID parking.BookingID) (parking.Booking, error) {
	var model Booking
	err := store.query(ctx).Where("booking_id = ?", bookingID.String()).Take(&model).Error
	if err != nil {
		return parking.Booking{}, wrapStoreError(errorSubjectBooking, errorCodeGet, classify(err))
	}
	booking, err := mapBooking(model)
	if err != nil {
		return parking.Booking{}, wrapStoreError(errorSubjectBooking, errorCodeInvalid, err)
	}
	return booking, nil
}

// UpdateBookingStatus moves a booking from one status to another only when it still holds from.
func (store *Store) UpdateBookingStatus(ctx context.Context, bookingID parking.BookingID, from parking.BookingStatus, to parking.BookingStatus, atUnixUTC int64) error {
	result := store.db.WithContext(ctx).
		Model(&Booking{}).
		Where("booking_id = ? AND status = ?", bookingID.String(), from.String()).
		Updates(map[string]interface{}{
			"status":     to.String(),
			"updated_at": time.Unix(atUnixUTC, 0).UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBooking, errorCodeUpdateStatus, classify(result.Error))
	}
	if result.RowsAffected > 0 {
		return nil
	}
	exists, err := store.exists(ctx, &Booking{}, "booking_id = ?", bookingID.String())
	if err != nil {
		return wrapStoreError(errorSubjectBooking, errorCodeUpdateStatus, err)
	}
	if !exists {
		return wrapStoreError(errorSubjectBooking, errorCodeUpdateStatus, parking.ErrNotFound)
	}
	return wrapStoreError(errorSubjectBooking, errorCodeUpdateStatus, parking.ErrTransientStore)
}

func (store *Store) ListBookings(ctx context.Context, filter parking.BookingFilter) ([]parking.Booking, error) {
	query := store.db.WithContext(ctx).Model(&Booking{})
	if !filter.UserID.IsZero() {
		query = query.Where("user_id = ?", filter.UserID.String())
	}
	if !filter.SpotID.IsZero() {
		query = query.Where("spot_id = ?", filter.SpotID.String())
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			statuses = append(statuses, status.String())
		}
		query = query.Where(bookingStatusFilter, statuses)
	}
	if !filter.AfterBookingID.IsZero() {
		query = query.Where("booking_id > ?", filter.AfterBookingID.String())
	}
	if filter.NewestFirst {
		query = query.Order(orderBookingsNewestFirst)
	} else {
		query = query.Order(orderBookingsAscending)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var rows []Booking
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectBooking, errorCodeList, classify(err))
	}
	bookings := make([]parking.Booking, 0, len(rows))
	for _, row := range rows {
		booking, err := mapBooking(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectBooking, errorCodeInvalid, err)
		}
		bookings = append(bookings, booking)
	}
	return bookings, nil
}

// query returns a session that locks selected rows when running inside a transaction.
func (store *Store) query(ctx context.Context) *gorm.DB {
	session := store.db.WithContext(ctx)
	if store.inTx {
		session = session.Clauses(clause.Locking{Strength: lockStrengthUpdate})
	}
	return session
}

func (store *Store) exists(ctx context.Context, model interface{}, condition string, args ...interface{}) (bool, error) {
	var count int64
	if err := store.db.WithContext(ctx).Model(model).Where(condition, args...).Count(&count).Error; err != nil {
		return false, classify(err)
	}
	return count > 0, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return parking.WrapError(errorOperationStore, subject, code, err)
}

func mapSpot(row Spot) (parking.Spot, error) {
	spotID, err := parking.NewSpotID(row.SpotID)
	if err != nil {
		return parking.Spot{}, err
	}
	ownerID, err := parking.NewUserID(row.OwnerID)
	if err != nil {
		return parking.Spot{}, err
	}
	price, err := parking.NewPositivePoints(row.Price)
	if err != nil {
		return parking.Spot{}, err
	}
	return parking.NewSpot(spotID, ownerID, row.Address, price, row.Bookable)
}

func mapBooking(row Booking) (parking.Booking, error) {
	bookingID, err := parking.NewBookingID(row.BookingID)
	if err != nil {
		return parking.Booking{}, err
	}
	userID, err := parking.NewUserID(row.UserID)
	if err != nil {
		return parking.Booking{}, err
	}
	spotID, err := parking.NewSpotID(row.SpotID)
	if err != nil {
		return parking.Booking{}, err
	}
	status, err := parking.ParseBookingStatus(row.Status)
	if err != nil {
		return parking.Booking{}, err
	}
	var document snapshotDocument
	if err := json.Unmarshal(row.Snapshot, &document); err != nil {
		return parking.Booking{}, err
	}
	price, err := parking.NewPositivePoints(document.Price)
	if err != nil {
		return parking.Booking{}, err
	}
	ownerID, err := parking.NewUserID(document.OwnerID)
	if err != nil {
		return parking.Booking{}, err
	}
	booking, err := parking.NewBooking(bookingID, userID, spotID, status, parking.Snapshot{
		Price:   price,
		OwnerID: ownerID,
		Address: document.Address,
	}, row.CreatedAt.Unix())
	if err != nil {
		return parking.Booking{}, err
	}
	booking.UpdatedUnixUTC = row.UpdatedAt.Unix()
	return booking, nil
}

// classify maps driver errors onto the domain sentinels the service branches on.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return parking.ErrNotFound
	}
	if isTransient(err) {
		return fmt.Errorf("%w: %w", parking.ErrTransientStore, err)
	}
	return err
}

func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
			return true
		}
		return false
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		primary := sqliteErr.Code() & 0xFF
		return primary == sqliteBusyCode || primary == sqliteLockedCode
	}
	return false
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

// isActiveSpotConflict tells the partial spot index apart from a primary key clash.
func isActiveSpotConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName == indexActiveBookingPerSpot
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return strings.Contains(sqliteErr.Error(), "bookings.spot_id")
	}
	return false
}
