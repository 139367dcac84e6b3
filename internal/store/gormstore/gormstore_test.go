package gormstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/parkpoints/pkg/parking"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// newTestStore pins the pool to one connection, so transactions run one at a
// time. newPooledTestStore leaves the pool open for interleaved transactions.
func newTestStore(test *testing.T) *Store {
	test.Helper()
	return openTestStore(test, test.TempDir()+"/parkpoints.db", 1)
}

func newPooledTestStore(test *testing.T) *Store {
	test.Helper()
	return openTestStore(test, test.TempDir()+"/parkpoints.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", 0)
}

func openTestStore(test *testing.T, dsn string, maxOpenConns int) *Store {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(maxOpenConns)
	test.Cleanup(func() { _ = sqlDB.Close() })
	if err := AutoMigrate(db); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return New(db)
}

func newTestService(test *testing.T, store parking.Store, options ...parking.ServiceOption) *parking.Service {
	test.Helper()
	var (
		mutex sync.Mutex
		next  int
	)
	nextID := func() string {
		mutex.Lock()
		defer mutex.Unlock()
		next++
		return fmt.Sprintf("id-%04d", next)
	}
	base := []parking.ServiceOption{parking.WithIDGenerator(nextID), parking.WithRetry(5, 0)}
	service, err := parking.NewService(store, func() int64 { return 1700000000 }, append(base, options...)...)
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	return service
}

func openAccount(test *testing.T, service *parking.Service, raw string, points int64) parking.UserID {
	test.Helper()
	userID, err := parking.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	initial, err := parking.NewPoints(points)
	if err != nil {
		test.Fatalf("points: %v", err)
	}
	if _, _, err := service.OpenAccount(context.Background(), userID, initial); err != nil {
		test.Fatalf("open account: %v", err)
	}
	return userID
}

func listSpot(test *testing.T, service *parking.Service, owner parking.UserID, price int64) parking.SpotID {
	test.Helper()
	amount, err := parking.NewPositivePoints(price)
	if err != nil {
		test.Fatalf("price: %v", err)
	}
	spot, err := service.ListSpot(context.Background(), owner, "5 harbour road", amount)
	if err != nil {
		test.Fatalf("list spot: %v", err)
	}
	return spot.ID
}

func balanceOf(test *testing.T, store *Store, userID parking.UserID) int64 {
	test.Helper()
	account, err := store.GetAccount(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance %s: %v", userID, err)
	}
	return account.Points.Int64()
}

func TestReserveAndCancelRoundTrip(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	service := newTestService(test, store)
	booker := openAccount(test, service, "user-a", 100)
	owner := openAccount(test, service, "user-b", 100)
	spotID := listSpot(test, service, owner, 30)

	booking, err := service.Reserve(context.Background(), booker, spotID)
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if got := balanceOf(test, store, booker); got != 70 {
		test.Fatalf("expected booker 70, got %d", got)
	}
	if got := balanceOf(test, store, owner); got != 130 {
		test.Fatalf("expected owner 130, got %d", got)
	}
	stored, err := store.GetBooking(context.Background(), booking.ID)
	if err != nil {
		test.Fatalf("get booking: %v", err)
	}
	if stored.Snapshot.Price != 30 || stored.Snapshot.OwnerID != owner || stored.CreatedUnixUTC != 1700000000 {
		test.Fatalf("unexpected stored booking: %+v", stored)
	}
	spot, err := store.GetSpot(context.Background(), spotID)
	if err != nil || spot.Bookable {
		test.Fatalf("expected spot to be taken: %+v %v", spot, err)
	}

	if _, err := service.Cancel(context.Background(), booking.ID, booker); err != nil {
		test.Fatalf("cancel: %v", err)
	}
	if got := balanceOf(test, store, booker); got != 100 {
		test.Fatalf("expected booker 100, got %d", got)
	}
	if got := balanceOf(test, store, owner); got != 100 {
		test.Fatalf("expected owner 100, got %d", got)
	}
	spot, err = store.GetSpot(context.Background(), spotID)
	if err != nil || !spot.Bookable {
		test.Fatalf("expected spot to be free: %+v %v", spot, err)
	}
}

func TestPurgeOwnerRefundsBookersInDatabase(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	service := newTestService(test, store)
	booker := openAccount(test, service, "user-a", 100)
	owner := openAccount(test, service, "user-b", 100)
	spotID := listSpot(test, service, owner, 30)
	if _, err := service.Reserve(context.Background(), booker, spotID); err != nil {
		test.Fatalf("reserve: %v", err)
	}

	summary, err := service.PurgeAccount(context.Background(), owner)
	if err != nil {
		test.Fatalf("purge: %v", err)
	}
	if summary.SpotsDeleted != 1 || summary.BookingsRefunded != 1 || !summary.AccountDeleted {
		test.Fatalf("unexpected summary: %+v", summary)
	}
	if got := balanceOf(test, store, booker); got != 100 {
		test.Fatalf("expected booker refunded to 100, got %d", got)
	}
	if _, err := store.GetAccount(context.Background(), owner); !errors.Is(err, parking.ErrNotFound) {
		test.Fatalf("expected owner removed, got %v", err)
	}
	if _, err := store.GetSpot(context.Background(), spotID); !errors.Is(err, parking.ErrNotFound) {
		test.Fatalf("expected spot removed, got %v", err)
	}
	again, err := service.PurgeAccount(context.Background(), owner)
	if err != nil || again != (parking.PurgeSummary{}) {
		test.Fatalf("expected empty second purge, got %+v %v", again, err)
	}
}

func TestDeleteSpotRefundsBookerInDatabase(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	service := newTestService(test, store)
	booker := openAccount(test, service, "user-a", 100)
	owner := openAccount(test, service, "user-b", 100)
	spotID := listSpot(test, service, owner, 30)
	booking, err := service.Reserve(context.Background(), booker, spotID)
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}

	removal, err := service.DeleteSpot(context.Background(), owner, spotID)
	if err != nil {
		test.Fatalf("delete spot: %v", err)
	}
	if len(removal.Canceled) != 1 {
		test.Fatalf("expected one canceled booking, got %+v", removal.Canceled)
	}
	if got := balanceOf(test, store, booker); got != 100 {
		test.Fatalf("expected booker refunded to 100, got %d", got)
	}
	if got := balanceOf(test, store, owner); got != 100 {
		test.Fatalf("expected owner debited to 100, got %d", got)
	}
	if _, err := store.GetSpot(context.Background(), spotID); !errors.Is(err, parking.ErrNotFound) {
		test.Fatalf("expected spot removed, got %v", err)
	}
	if _, err := service.Cancel(context.Background(), booking.ID, booker); !errors.Is(err, parking.ErrAlreadyCanceled) {
		test.Fatalf("expected already canceled, got %v", err)
	}
	if got := balanceOf(test, store, owner); got != 100 {
		test.Fatalf("expected owner untouched by late cancel, got %d", got)
	}
}

func TestConcurrentReservationsSingleWinner(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	service := newTestService(test, store)
	owner := openAccount(test, service, "owner", 0)
	spotID := listSpot(test, service, owner, 10)
	bookers := make([]parking.UserID, 6)
	for index := range bookers {
		bookers[index] = openAccount(test, service, fmt.Sprintf("booker-%d", index), 50)
	}

	var (
		waitGroup sync.WaitGroup
		mutex     sync.Mutex
		winners   int
	)
	for _, booker := range bookers {
		waitGroup.Add(1)
		go func(booker parking.UserID) {
			defer waitGroup.Done()
			_, err := service.Reserve(context.Background(), booker, spotID)
			if err == nil {
				mutex.Lock()
				winners++
				mutex.Unlock()
				return
			}
			if !errors.Is(err, parking.ErrSpotUnavailable) {
				test.Errorf("unexpected error: %v", err)
			}
		}(booker)
	}
	waitGroup.Wait()
	if winners != 1 {
		test.Fatalf("expected exactly one winner, got %d", winners)
	}
	if got := balanceOf(test, store, owner); got != 10 {
		test.Fatalf("expected owner 10, got %d", got)
	}
}

func TestConcurrentReservationsAcrossConnections(test *testing.T) {
	test.Parallel()
	store := newPooledTestStore(test)
	service := newTestService(test, store, parking.WithRetry(20, time.Millisecond))
	owner := openAccount(test, service, "owner", 0)
	spotID := listSpot(test, service, owner, 10)
	bookers := make([]parking.UserID, 8)
	for index := range bookers {
		bookers[index] = openAccount(test, service, fmt.Sprintf("booker-%d", index), 50)
	}

	var (
		waitGroup sync.WaitGroup
		mutex     sync.Mutex
		winners   int
	)
	for _, booker := range bookers {
		waitGroup.Add(1)
		go func(booker parking.UserID) {
			defer waitGroup.Done()
			_, err := service.Reserve(context.Background(), booker, spotID)
			if err == nil {
				mutex.Lock()
				winners++
				mutex.Unlock()
				return
			}
			if !errors.Is(err, parking.ErrSpotUnavailable) && !errors.Is(err, parking.ErrTransientStore) {
				test.Errorf("unexpected error: %v", err)
			}
		}(booker)
	}
	waitGroup.Wait()
	if winners != 1 {
		test.Fatalf("expected exactly one winner, got %d", winners)
	}
	if got := balanceOf(test, store, owner); got != 10 {
		test.Fatalf("expected owner 10, got %d", got)
	}
	total := balanceOf(test, store, owner)
	for _, booker := range bookers {
		total += balanceOf(test, store, booker)
	}
	if total != int64(len(bookers))*50 {
		test.Fatalf("expected points conserved at %d, got %d", len(bookers)*50, total)
	}
	active, err := store.ListBookings(context.Background(), parking.BookingFilter{
		SpotID:   spotID,
		Statuses: []parking.BookingStatus{parking.BookingStatusActive},
	})
	if err != nil || len(active) != 1 {
		test.Fatalf("expected one active booking, got %d (%v)", len(active), err)
	}
}

func TestDebitAccountClassifiesFailures(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	userID, _ := parking.NewUserID("user-a")
	ghost, _ := parking.NewUserID("ghost")
	amount, _ := parking.NewPositivePoints(40)
	if err := store.CreateAccount(ctx, parking.Account{UserID: userID, Points: 30}); err != nil {
		test.Fatalf("create: %v", err)
	}
	if err := store.CreateAccount(ctx, parking.Account{UserID: userID, Points: 30}); !errors.Is(err, parking.ErrAccountExists) {
		test.Fatalf("expected duplicate account, got %v", err)
	}
	if err := store.DebitAccount(ctx, userID, amount); !errors.Is(err, parking.ErrInsufficientPoints) {
		test.Fatalf("expected insufficient points, got %v", err)
	}
	if err := store.DebitAccount(ctx, ghost, amount); !errors.Is(err, parking.ErrNotFound) {
		test.Fatalf("expected not found, got %v", err)
	}
	if got := balanceOf(test, store, userID); got != 30 {
		test.Fatalf("expected balance untouched, got %d", got)
	}
}

func TestConditionalUpdatesReportChangedRows(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	owner, _ := parking.NewUserID("owner")
	booker, _ := parking.NewUserID("booker")
	spotID, _ := parking.NewSpotID("spot-1")
	price, _ := parking.NewPositivePoints(15)
	spot, err := parking.NewSpot(spotID, owner, "1 main", price, true)
	if err != nil {
		test.Fatalf("spot: %v", err)
	}
	if err := store.CreateSpot(ctx, spot); err != nil {
		test.Fatalf("create spot: %v", err)
	}
	if err := store.SetSpotBookable(ctx, spotID, true, false); err != nil {
		test.Fatalf("take spot: %v", err)
	}
	if err := store.SetSpotBookable(ctx, spotID, true, false); !errors.Is(err, parking.ErrTransientStore) {
		test.Fatalf("expected transient conflict, got %v", err)
	}

	bookingID, _ := parking.NewBookingID("bk-1")
	booking, err := parking.NewBooking(bookingID, booker, spotID, parking.BookingStatusActive, parking.Snapshot{Price: price, OwnerID: owner, Address: spot.Address}, 10)
	if err != nil {
		test.Fatalf("booking: %v", err)
	}
	if err := store.CreateBooking(ctx, booking); err != nil {
		test.Fatalf("create booking: %v", err)
	}
	secondID, _ := parking.NewBookingID("bk-2")
	second := booking
	second.ID = secondID
	if err := store.CreateBooking(ctx, second); !errors.Is(err, parking.ErrTransientStore) {
		test.Fatalf("expected active spot conflict, got %v", err)
	}
	if err := store.UpdateBookingStatus(ctx, bookingID, parking.BookingStatusActive, parking.BookingStatusCanceled, 20); err != nil {
		test.Fatalf("cancel booking: %v", err)
	}
	if err := store.UpdateBookingStatus(ctx, bookingID, parking.BookingStatusActive, parking.BookingStatusCanceled, 30); !errors.Is(err, parking.ErrTransientStore) {
		test.Fatalf("expected status conflict, got %v", err)
	}
	if err := store.CreateBooking(ctx, second); err != nil {
		test.Fatalf("expected a new active booking after cancel, got %v", err)
	}
	stored, err := store.GetBooking(ctx, bookingID)
	if err != nil {
		test.Fatalf("get booking: %v", err)
	}
	if stored.Status != parking.BookingStatusCanceled || stored.UpdatedUnixUTC != 20 {
		test.Fatalf("unexpected booking: %+v", stored)
	}
}

func TestListBookingsFilters(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	owner, _ := parking.NewUserID("owner")
	booker, _ := parking.NewUserID("booker")
	price, _ := parking.NewPositivePoints(5)
	for index := 1; index <= 3; index++ {
		spotID, _ := parking.NewSpotID(fmt.Sprintf("spot-%d", index))
		bookingID, _ := parking.NewBookingID(fmt.Sprintf("bk-%d", index))
		status := parking.BookingStatusCanceled
		if index == 2 {
			status = parking.BookingStatusActive
		}
		booking, err := parking.NewBooking(bookingID, booker, spotID, status, parking.Snapshot{Price: price, OwnerID: owner}, int64(index*10))
		if err != nil {
			test.Fatalf("booking: %v", err)
		}
		if err := store.CreateBooking(ctx, booking); err != nil {
			test.Fatalf("create booking: %v", err)
		}
	}

	newest, err := store.ListBookings(ctx, parking.BookingFilter{UserID: booker, NewestFirst: true})
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(newest) != 3 || newest[0].ID.String() != "bk-3" || newest[2].ID.String() != "bk-1" {
		test.Fatalf("unexpected order: %+v", newest)
	}
	active, err := store.ListBookings(ctx, parking.BookingFilter{UserID: booker, Statuses: []parking.BookingStatus{parking.BookingStatusActive}})
	if err != nil {
		test.Fatalf("list active: %v", err)
	}
	if len(active) != 1 || active[0].ID.String() != "bk-2" {
		test.Fatalf("unexpected active bookings: %+v", active)
	}
	after, _ := parking.NewBookingID("bk-1")
	page, err := store.ListBookings(ctx, parking.BookingFilter{UserID: booker, AfterBookingID: after, Limit: 1})
	if err != nil {
		test.Fatalf("list page: %v", err)
	}
	if len(page) != 1 || page[0].ID.String() != "bk-2" {
		test.Fatalf("unexpected page: %+v", page)
	}
}

func TestWithTxRollsBackOnError(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	userID, _ := parking.NewUserID("user-a")
	amount, _ := parking.NewPositivePoints(25)
	if err := store.CreateAccount(ctx, parking.Account{UserID: userID, Points: 50}); err != nil {
		test.Fatalf("create: %v", err)
	}
	boom := errors.New("boom")
	err := store.WithTx(ctx, func(ctx context.Context, txStore parking.Store) error {
		if err := txStore.CreditAccount(ctx, userID, amount); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		test.Fatalf("expected boom, got %v", err)
	}
	if got := balanceOf(test, store, userID); got != 50 {
		test.Fatalf("expected rollback to 50, got %d", got)
	}
}
