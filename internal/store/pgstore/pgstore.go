package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/parkpoints/pkg/parking"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

const (
	constraintActiveSpot    = "idx_bookings_active_spot"
	constraintAccountKey    = "accounts_pkey"
	pgUniqueViolationCode   = "23505"
	pgSerializationFailure  = "40001"
	pgDeadlockDetected      = "40P01"
	pgLockNotAvailable      = "55P03"
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectSpot        = "spot"
	errorSubjectBooking     = "booking"
	errorSubjectSchema      = "schema"
	errorSubjectTransaction = "transaction"
	errorCodeApply          = "apply"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeConflict       = "conflict"
	errorCodeCreate         = "create"
	errorCodeCredit         = "credit"
	errorCodeDebit          = "debit"
	errorCodeDelete         = "delete"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeSetBookable    = "set_bookable"
	errorCodeUpdatePrice    = "update_price"
	errorCodeUpdateStatus   = "update_status"

	sqlSelectAccount = `select points from accounts where user_id = $1`

	sqlInsertAccount = `insert into accounts(user_id, points) values ($1, $2)`

	sqlCreditAccount = `update accounts set points = points + $2, updated_at = now() where user_id = $1`

	sqlDebitAccount = `update accounts set points = points - $2, updated_at = now() where user_id = $1 and points >= $2`

	sqlAccountExists = `select exists(select 1 from accounts where user_id = $1)`

	sqlDeleteAccount = `delete from accounts where user_id = $1`

	sqlSelectSpotColumns = `select spot_id, owner_id, address, price, bookable from spots`

	sqlSelectSpot = sqlSelectSpotColumns + ` where spot_id = $1`

	sqlInsertSpot = `insert into spots(spot_id, owner_id, address, price, bookable) values ($1, $2, $3, $4, $5)`

	sqlUpdateSpotPrice = `update spots set price = $2 where spot_id = $1`

	sqlSetSpotBookable = `update spots set bookable = $3 where spot_id = $1 and bookable = $2`

	sqlSpotExists = `select exists(select 1 from spots where spot_id = $1)`

	sqlDeleteSpot = `delete from spots where spot_id = $1`

	sqlInsertBooking = `
		insert into bookings(booking_id, user_id, spot_id, status, snapshot, created_at, updated_at)
		values ($1, $2, $3, $4, $5::jsonb, to_timestamp($6), to_timestamp($7))
	`

	sqlSelectBookingColumns = `
		select booking_id, user_id, spot_id, status, snapshot::text,
			extract(epoch from created_at)::bigint, extract(epoch from updated_at)::bigint
		from bookings
	`

	sqlUpdateBookingStatus = `
		update bookings set status = $3, updated_at = to_timestamp($4)
		where booking_id = $1 and status = $2
	`

	sqlBookingExists = `select exists(select 1 from bookings where booking_id = $1)`

	sqlForUpdate = ` for update`
)

// querier is the part of pgxpool.Pool and pgx.Tx the store needs.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store implements parking.Store using a pgx connection pool (autocommit outside WithTx).
type Store struct {
	pool      *pgxpool.Pool
	db        querier
	inTx      bool
	txOptions pgx.TxOptions
}

// New returns a Store backed by a pgx pool. Transactions run serializable.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool, txOptions: pgx.TxOptions{IsoLevel: pgx.Serializable}}
}

// EnsureSchema creates the tables and indexes when they are missing.
func (store *Store) EnsureSchema(ctx context.Context) error {
	if _, err := store.pool.Exec(ctx, schemaSQL); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeApply, err)
	}
	return nil
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore parking.Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, store.txOptions)
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, classify(err))
	}
	transactionStore := &Store{pool: store.pool, db: tx, inTx: true, txOptions: store.txOptions}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, classify(err))
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, userID parking.UserID) (parking.Account, error) {
	var value int64
	if err := store.db.QueryRow(ctx, store.locking(sqlSelectAccount), userID.String()).Scan(&value); err != nil {
		return parking.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, classify(err))
	}
	points, err := parking.NewPoints(value)
	if err != nil {
		return parking.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return parking.Account{UserID: userID, Points: points}, nil
}

func (store *Store) CreateAccount(ctx context.Context, account parking.Account) error {
	_, err := store.db.Exec(ctx, sqlInsertAccount, account.UserID.String(), account.Points.Int64())
	if isConstraintViolation(err, constraintAccountKey) {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, parking.ErrAccountExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, classify(err))
	}
	return nil
}

func (store *Store) CreditAccount(ctx context.Context, userID parking.UserID, amount parking.PositivePoints) error {
	tag, err := store.db.Exec(ctx, sqlCreditAccount, userID.String(), amount.Int64())
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCredit, classify(err))
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeCredit, parking.ErrNotFound)
	}
	return nil
}

func (store *Store) DebitAccount(ctx context.Context, userID parking.UserID, amount parking.PositivePoints) error {
	tag, err := store.db.Exec(ctx, sqlDebitAccount, userID.String(), amount.Int64())
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeDebit, classify(err))
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	return wrapStoreError(errorSubjectAccount, errorCodeDebit, store.missingOr(ctx, sqlAccountExists, userID.String(), parking.ErrInsufficientPoints))
}

func (store *Store) DeleteAccount(ctx context.Context, userID parking.UserID) error {
	return store.deleteOne(ctx, sqlDeleteAccount, userID.String(), errorSubjectAccount)
}

func (store *Store) GetSpot(ctx context.Context, spotID parking.SpotID) (parking.Spot, error) {
	var (
		spotIDValue  string
		ownerIDValue string
		address      string
		price        int64
		bookable     bool
	)
	err := store.db.QueryRow(ctx, store.locking(sqlSelectSpot), spotID.String()).Scan(&spotIDValue, &ownerIDValue, &address, &price, &bookable)
	if err != nil {
		return parking.Spot{}, wrapStoreError(errorSubjectSpot, errorCodeGet, classify(err))
	}
	spot, err := parseSpot(spotIDValue, ownerIDValue, address, price, bookable)
	if err != nil {
		return parking.Spot{}, wrapStoreError(errorSubjectSpot, errorCodeInvalid, err)
	}
	return spot, nil
}

func (store *Store) CreateSpot(ctx context.Context, spot parking.Spot) error {
	_, err := store.db.Exec(ctx, sqlInsertSpot, spot.ID.String(), spot.OwnerID.String(), spot.Address, spot.Price.Int64(), spot.Bookable)
	if err != nil {
		return wrapStoreError(errorSubjectSpot, errorCodeCreate, classify(err))
	}
	return nil
}

func (store *Store) UpdateSpotPrice(ctx context.Context, spotID parking.SpotID, price parking.PositivePoints) error {
	tag, err := store.db.Exec(ctx, sqlUpdateSpotPrice, spotID.String(), price.Int64())
	if err != nil {
		return wrapStoreError(errorSubjectSpot, errorCodeUpdatePrice, classify(err))
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectSpot, errorCodeUpdatePrice, parking.ErrNotFound)
	}
	return nil
}

func (store *Store) SetSpotBookable(ctx context.Context, spotID parking.SpotID, from bool, to bool) error {
	tag, err := store.db.Exec(ctx, sqlSetSpotBookable, spotID.String(), from, to)
	if err != nil {
		return wrapStoreError(errorSubjectSpot, errorCodeSetBookable, classify(err))
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	return wrapStoreError(errorSubjectSpot, errorCodeSetBookable, store.missingOr(ctx, sqlSpotExists, spotID.String(), parking.ErrTransientStore))
}

func (store *Store) DeleteSpot(ctx context.Context, spotID parking.SpotID) error {
	return store.deleteOne(ctx, sqlDeleteSpot, spotID.String(), errorSubjectSpot)
}

func (store *Store) ListSpots(ctx context.Context, filter parking.SpotFilter) ([]parking.Spot, error) {
	var (
		conditions []string
		arguments  []any
	)
	if !filter.OwnerID.IsZero() {
		arguments = append(arguments, filter.OwnerID.String())
		conditions = append(conditions, fmt.Sprintf("owner_id = $%d", len(arguments)))
	}
	if !filter.AfterSpotID.IsZero() {
		arguments = append(arguments, filter.AfterSpotID.String())
		conditions = append(conditions, fmt.Sprintf("spot_id > $%d", len(arguments)))
	}
	query := sqlSelectSpotColumns + whereClause(conditions) + " order by spot_id asc" + limitClause(filter.Limit)
	rows, err := store.db.Query(ctx, query, arguments...)
	if err != nil {
		return nil, wrapStoreError(errorSubjectSpot, errorCodeList, classify(err))
	}
	defer rows.Close()
	spots := make([]parking.Spot, 0)
	for rows.Next() {
		var (
			spotIDValue  string
			ownerIDValue string
			address      string
			price        int64
			bookable     bool
		)
		if err := rows.Scan(&spotIDValue, &ownerIDValue, &address, &price, &bookable); err != nil {
			return nil, wrapStoreError(errorSubjectSpot, errorCodeList, err)
		}
		spot, err := parseSpot(spotIDValue, ownerIDValue, address, price, bookable)
		if err != nil {
			return nil, wrapStoreError(errorSubjectSpot, errorCodeInvalid, err)
		}
		spots = append(spots, spot)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectSpot, errorCodeList, classify(err))
	}
	return spots, nil
}

func (store *Store) CreateBooking(ctx context.Context, booking parking.Booking) error {
	snapshot, err := json.Marshal(snapshotDocument{
		Price:   booking.Snapshot.Price.Int64(),
		OwnerID: booking.Snapshot.OwnerID.String(),
		Address: booking.Snapshot.Address,
	})
	if err != nil {
		return wrapStoreError(errorSubjectBooking, errorCodeInvalid, err)
	}
	_, err = store.db.Exec(ctx, sqlInsertBooking,
		booking.ID.String(),
		booking.UserID.String(),
		booking.SpotID.String(),
		booking.Status.String(),
		string(snapshot),
		booking.CreatedUnixUTC,
		booking.UpdatedUnixUTC,
	)
	if isConstraintViolation(err, constraintActiveSpot) {
		return wrapStoreError(errorSubjectBooking, errorCodeConflict, fmt.Errorf("%w: %w", parking.ErrTransientStore, err))
	}
	if isConstraintViolation(err, "") {
		return wrapStoreError(errorSubjectBooking, errorCodeDuplicate, parking.ErrDuplicateBooking)
	}
	if err != nil {
		return wrapStoreError(errorSubjectBooking, errorCodeCreate, classify(err))
	}
	return nil
}

func (store *Store) GetBooking(ctx context.Context, bookingID parking.BookingID) (parking.Booking, error) {
	row := store.db.QueryRow(ctx, store.locking(sqlSelectBookingColumns+" where booking_id = $1"), bookingID.String())
	booking, err := scanBooking(row)
	if err != nil {
		return parking.Booking{}, wrapStoreError(errorSubjectBooking, errorCodeGet, classify(err))
	}
	return booking, nil
}

func (store *Store) UpdateBookingStatus(ctx context.Context, bookingID parking.BookingID, from parking.BookingStatus, to parking.BookingStatus, atUnixUTC int64) error {
	tag, err := store.db.Exec(ctx, sqlUpdateBookingStatus, bookingID.String(), from.String(), to.String(), atUnixUTC)
	if err != nil {
		return wrapStoreError(errorSubjectBooking, errorCodeUpdateStatus, classify(err))
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	return wrapStoreError(errorSubjectBooking, errorCodeUpdateStatus, store.missingOr(ctx, sqlBookingExists, bookingID.String(), parking.ErrTransientStore))
}

func (store *Store) ListBookings(ctx context.Context, filter parking.BookingFilter) ([]parking.Booking, error) {
	query, arguments := bookingQuery(filter)
	rows, err := store.db.Query(ctx, query, arguments...)
	if err != nil {
		return nil, wrapStoreError(errorSubjectBooking, errorCodeList, classify(err))
	}
	defer rows.Close()
	bookings := make([]parking.Booking, 0)
	for rows.Next() {
		booking, err := scanBooking(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectBooking, errorCodeInvalid, err)
		}
		bookings = append(bookings, booking)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectBooking, errorCodeList, classify(err))
	}
	return bookings, nil
}

func bookingQuery(filter parking.BookingFilter) (string, []any) {
	var (
		conditions []string
		arguments  []any
	)
	if !filter.UserID.IsZero() {
		arguments = append(arguments, filter.UserID.String())
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", len(arguments)))
	}
	if !filter.SpotID.IsZero() {
		arguments = append(arguments, filter.SpotID.String())
		conditions = append(conditions, fmt.Sprintf("spot_id = $%d", len(arguments)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			statuses = append(statuses, status.String())
		}
		arguments = append(arguments, statuses)
		conditions = append(conditions, fmt.Sprintf("status = any($%d)", len(arguments)))
	}
	if !filter.AfterBookingID.IsZero() {
		arguments = append(arguments, filter.AfterBookingID.String())
		conditions = append(conditions, fmt.Sprintf("booking_id > $%d", len(arguments)))
	}
	order := " order by booking_id asc"
	if filter.NewestFirst {
		order = " order by created_at desc, booking_id desc"
	}
	return sqlSelectBookingColumns + whereClause(conditions) + order + limitClause(filter.Limit), arguments
}

func (store *Store) locking(query string) string {
	if store.inTx {
		return query + sqlForUpdate
	}
	return query
}

func (store *Store) deleteOne(ctx context.Context, query string, key string, subject string) error {
	tag, err := store.db.Exec(ctx, query, key)
	if err != nil {
		return wrapStoreError(subject, errorCodeDelete, classify(err))
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(subject, errorCodeDelete, parking.ErrNotFound)
	}
	return nil
}

// missingOr returns parking.ErrNotFound when the keyed row is gone, otherwise fallback.
func (store *Store) missingOr(ctx context.Context, existsQuery string, key string, fallback error) error {
	var exists bool
	if err := store.db.QueryRow(ctx, existsQuery, key).Scan(&exists); err != nil {
		return classify(err)
	}
	if !exists {
		return parking.ErrNotFound
	}
	return fallback
}

type snapshotDocument struct {
	Price   int64  `json:"price"`
	OwnerID string `json:"owner_id"`
	Address string `json:"address"`
}

func scanBooking(row pgx.Row) (parking.Booking, error) {
	var (
		bookingIDValue string
		userIDValue    string
		spotIDValue    string
		statusValue    string
		snapshotValue  string
		createdUnixUTC int64
		updatedUnixUTC int64
	)
	if err := row.Scan(&bookingIDValue, &userIDValue, &spotIDValue, &statusValue, &snapshotValue, &createdUnixUTC, &updatedUnixUTC); err != nil {
		return parking.Booking{}, err
	}
	bookingID, err := parking.NewBookingID(bookingIDValue)
	if err != nil {
		return parking.Booking{}, err
	}
	userID, err := parking.NewUserID(userIDValue)
	if err != nil {
		return parking.Booking{}, err
	}
	spotID, err := parking.NewSpotID(spotIDValue)
	if err != nil {
		return parking.Booking{}, err
	}
	status, err := parking.ParseBookingStatus(statusValue)
	if err != nil {
		return parking.Booking{}, err
	}
	var document snapshotDocument
	if err := json.Unmarshal([]byte(snapshotValue), &document); err != nil {
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
	}, createdUnixUTC)
	if err != nil {
		return parking.Booking{}, err
	}
	booking.UpdatedUnixUTC = updatedUnixUTC
	return booking, nil
}

func parseSpot(spotIDValue string, ownerIDValue string, address string, priceValue int64, bookable bool) (parking.Spot, error) {
	spotID, err := parking.NewSpotID(spotIDValue)
	if err != nil {
		return parking.Spot{}, err
	}
	ownerID, err := parking.NewUserID(ownerIDValue)
	if err != nil {
		return parking.Spot{}, err
	}
	price, err := parking.NewPositivePoints(priceValue)
	if err != nil {
		return parking.Spot{}, err
	}
	return parking.NewSpot(spotID, ownerID, address, price, bookable)
}

func whereClause(conditions []string) string {
	if len(conditions) == 0 {
		return ""
	}
	return " where " + strings.Join(conditions, " and ")
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" limit %d", limit)
}

func wrapStoreError(subject string, code string, err error) error {
	return parking.WrapError(errorOperationStore, subject, code, err)
}

// classify maps pgx errors onto the sentinels the service branches on.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return parking.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
			return fmt.Errorf("%w: %w", parking.ErrTransientStore, err)
		}
	}
	return err
}

// isConstraintViolation reports a unique violation, optionally on a named constraint.
func isConstraintViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolationCode {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
