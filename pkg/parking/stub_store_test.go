package parking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type stubState struct {
	accounts map[UserID]Points
	spots    map[SpotID]Spot
	bookings map[BookingID]Booking
}

func (state *stubState) clone() *stubState {
	cloned := &stubState{
		accounts: make(map[UserID]Points, len(state.accounts)),
		spots:    make(map[SpotID]Spot, len(state.spots)),
		bookings: make(map[BookingID]Booking, len(state.bookings)),
	}
	for key, value := range state.accounts {
		cloned.accounts[key] = value
	}
	for key, value := range state.spots {
		cloned.spots[key] = value
	}
	for key, value := range state.bookings {
		cloned.bookings[key] = value
	}
	return cloned
}

// stubStore keeps everything in maps. Transactions run one at a time on a
// copy of the state that replaces the original only on success.
type stubStore struct {
	mutex        *sync.Mutex
	state        *stubState
	inTx         bool
	hooks        *stubHooks
	transactions *int
}

type stubHooks struct {
	mutex sync.Mutex
	byOp  map[string]func() error
}

func newStubStore() *stubStore {
	transactions := 0
	return &stubStore{
		mutex: &sync.Mutex{},
		state: &stubState{
			accounts: map[UserID]Points{},
			spots:    map[SpotID]Spot{},
			bookings: map[BookingID]Booking{},
		},
		hooks:        &stubHooks{byOp: map[string]func() error{}},
		transactions: &transactions,
	}
}

func (store *stubStore) onCall(operation string, hook func() error) {
	store.hooks.mutex.Lock()
	defer store.hooks.mutex.Unlock()
	store.hooks.byOp[operation] = hook
}

func (store *stubStore) hook(operation string) error {
	store.hooks.mutex.Lock()
	hook := store.hooks.byOp[operation]
	store.hooks.mutex.Unlock()
	if hook == nil {
		return nil
	}
	return hook()
}

func (store *stubStore) guard() func() {
	if store.inTx {
		return func() {}
	}
	store.mutex.Lock()
	return store.mutex.Unlock
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	*store.transactions++
	working := store.state.clone()
	transactionStore := &stubStore{mutex: store.mutex, state: working, inTx: true, hooks: store.hooks, transactions: store.transactions}
	if err := fn(ctx, transactionStore); err != nil {
		return err
	}
	*store.state = *working
	return nil
}

func (store *stubStore) GetAccount(ctx context.Context, userID UserID) (Account, error) {
	defer store.guard()()
	if err := store.hook("GetAccount"); err != nil {
		return Account{}, err
	}
	points, ok := store.state.accounts[userID]
	if !ok {
		return Account{}, WrapError("store", "account", "get", ErrNotFound)
	}
	return Account{UserID: userID, Points: points}, nil
}

func (store *stubStore) CreateAccount(ctx context.Context, account Account) error {
	defer store.guard()()
	if _, ok := store.state.accounts[account.UserID]; ok {
		return WrapError("store", "account", "duplicate", ErrAccountExists)
	}
	store.state.accounts[account.UserID] = account.Points
	return nil
}

func (store *stubStore) CreditAccount(ctx context.Context, userID UserID, amount PositivePoints) error {
	defer store.guard()()
	if err := store.hook("CreditAccount"); err != nil {
		return err
	}
	points, ok := store.state.accounts[userID]
	if !ok {
		return WrapError("store", "account", "credit", ErrNotFound)
	}
	store.state.accounts[userID] = points + amount.ToPoints()
	return nil
}

func (store *stubStore) DebitAccount(ctx context.Context, userID UserID, amount PositivePoints) error {
	defer store.guard()()
	if err := store.hook("DebitAccount"); err != nil {
		return err
	}
	points, ok := store.state.accounts[userID]
	if !ok {
		return WrapError("store", "account", "debit", ErrNotFound)
	}
	if points < amount.ToPoints() {
		return WrapError("store", "account", "debit", ErrInsufficientPoints)
	}
	store.state.accounts[userID] = points - amount.ToPoints()
	return nil
}

func (store *stubStore) DeleteAccount(ctx context.Context, userID UserID) error {
	defer store.guard()()
	if _, ok := store.state.accounts[userID]; !ok {
		return WrapError("store", "account", "delete", ErrNotFound)
	}
	delete(store.state.accounts, userID)
	return nil
}

func (store *stubStore) GetSpot(ctx context.Context, spotID SpotID) (Spot, error) {
	defer store.guard()()
	if err := store.hook("GetSpot"); err != nil {
		return Spot{}, err
	}
	spot, ok := store.state.spots[spotID]
	if !ok {
		return Spot{}, WrapError("store", "spot", "get", ErrNotFound)
	}
	return spot, nil
}

func (store *stubStore) CreateSpot(ctx context.Context, spot Spot) error {
	defer store.guard()()
	if _, ok := store.state.spots[spot.ID]; ok {
		return WrapError("store", "spot", "duplicate", fmt.Errorf("spot %s exists", spot.ID))
	}
	store.state.spots[spot.ID] = spot
	return nil
}

func (store *stubStore) UpdateSpotPrice(ctx context.Context, spotID SpotID, price PositivePoints) error {
	defer store.guard()()
	spot, ok := store.state.spots[spotID]
	if !ok {
		return WrapError("store", "spot", "update_price", ErrNotFound)
	}
	spot.Price = price
	store.state.spots[spotID] = spot
	return nil
}

func (store *stubStore) SetSpotBookable(ctx context.Context, spotID SpotID, from bool, to bool) error {
	defer store.guard()()
	spot, ok := store.state.spots[spotID]
	if !ok {
		return WrapError("store", "spot", "set_bookable", ErrNotFound)
	}
	if spot.Bookable != from {
		return WrapError("store", "spot", "set_bookable", ErrTransientStore)
	}
	spot.Bookable = to
	store.state.spots[spotID] = spot
	return nil
}

func (store *stubStore) DeleteSpot(ctx context.Context, spotID SpotID) error {
	defer store.guard()()
	if _, ok := store.state.spots[spotID]; !ok {
		return WrapError("store", "spot", "delete", ErrNotFound)
	}
	delete(store.state.spots, spotID)
	return nil
}

func (store *stubStore) ListSpots(ctx context.Context, filter SpotFilter) ([]Spot, error) {
	defer store.guard()()
	spots := make([]Spot, 0)
	for _, spot := range store.state.spots {
		if !filter.OwnerID.IsZero() && spot.OwnerID != filter.OwnerID {
			continue
		}
		if !filter.AfterSpotID.IsZero() && spot.ID.String() <= filter.AfterSpotID.String() {
			continue
		}
		spots = append(spots, spot)
	}
	sort.Slice(spots, func(left, right int) bool { return spots[left].ID.String() < spots[right].ID.String() })
	if filter.Limit > 0 && len(spots) > filter.Limit {
		spots = spots[:filter.Limit]
	}
	return spots, nil
}

func (store *stubStore) CreateBooking(ctx context.Context, booking Booking) error {
	defer store.guard()()
	if err := store.hook("CreateBooking"); err != nil {
		return err
	}
	if _, ok := store.state.bookings[booking.ID]; ok {
		return WrapError("store", "booking", "duplicate", ErrDuplicateBooking)
	}
	for _, existing := range store.state.bookings {
		if existing.SpotID == booking.SpotID && existing.IsActive() && booking.IsActive() {
			return WrapError("store", "booking", "active_spot", ErrTransientStore)
		}
	}
	store.state.bookings[booking.ID] = booking
	return nil
}

func (store *stubStore) GetBooking(ctx context.Context, bookingID BookingID) (Booking, error) {
	defer store.guard()()
	if err := store.hook("GetBooking"); err != nil {
		return Booking{}, err
	}
	booking, ok := store.state.bookings[bookingID]
	if !ok {
		return Booking{}, WrapError("store", "booking", "get", ErrNotFound)
	}
	return booking, nil
}

func (store *stubStore) UpdateBookingStatus(ctx context.Context, bookingID BookingID, from BookingStatus, to BookingStatus, atUnixUTC int64) error {
	defer store.guard()()
	if err := store.hook("UpdateBookingStatus"); err != nil {
		return err
	}
	booking, ok := store.state.bookings[bookingID]
	if !ok {
		return WrapError("store", "booking", "update_status", ErrNotFound)
	}
	if booking.Status != from {
		return WrapError("store", "booking", "update_status", ErrTransientStore)
	}
	booking.Status = to
	booking.UpdatedUnixUTC = atUnixUTC
	store.state.bookings[bookingID] = booking
	return nil
}

func (store *stubStore) ListBookings(ctx context.Context, filter BookingFilter) ([]Booking, error) {
	defer store.guard()()
	bookings := make([]Booking, 0)
	for _, booking := range store.state.bookings {
		if !filter.UserID.IsZero() && booking.UserID != filter.UserID {
			continue
		}
		if !filter.SpotID.IsZero() && booking.SpotID != filter.SpotID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, booking.Status) {
			continue
		}
		if !filter.AfterBookingID.IsZero() && booking.ID.String() <= filter.AfterBookingID.String() {
			continue
		}
		bookings = append(bookings, booking)
	}
	sort.Slice(bookings, func(left, right int) bool {
		if filter.NewestFirst {
			if bookings[left].CreatedUnixUTC != bookings[right].CreatedUnixUTC {
				return bookings[left].CreatedUnixUTC > bookings[right].CreatedUnixUTC
			}
			return bookings[left].ID.String() > bookings[right].ID.String()
		}
		return bookings[left].ID.String() < bookings[right].ID.String()
	})
	if filter.Limit > 0 && len(bookings) > filter.Limit {
		bookings = bookings[:filter.Limit]
	}
	return bookings, nil
}

func containsStatus(statuses []BookingStatus, status BookingStatus) bool {
	for _, candidate := range statuses {
		if candidate == status {
			return true
		}
	}
	return false
}

func (store *stubStore) seedAccount(test *testing.T, raw string, points int64) UserID {
	test.Helper()
	userID := mustUserID(test, raw)
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.state.accounts[userID] = mustPoints(test, points)
	return userID
}

func (store *stubStore) seedSpot(test *testing.T, raw string, ownerID UserID, price int64) SpotID {
	test.Helper()
	spotID := mustSpotID(test, raw)
	spot, err := NewSpot(spotID, ownerID, "12 "+raw+" street", mustPositivePoints(test, price), true)
	if err != nil {
		test.Fatalf("spot: %v", err)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.state.spots[spotID] = spot
	return spotID
}

func (store *stubStore) points(test *testing.T, userID UserID) Points {
	test.Helper()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	points, ok := store.state.accounts[userID]
	if !ok {
		test.Fatalf("account %s not found", userID)
	}
	return points
}

func (store *stubStore) hasAccount(userID UserID) bool {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	_, ok := store.state.accounts[userID]
	return ok
}

func (store *stubStore) spot(test *testing.T, spotID SpotID) (Spot, bool) {
	test.Helper()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	spot, ok := store.state.spots[spotID]
	return spot, ok
}

func (store *stubStore) booking(test *testing.T, bookingID BookingID) Booking {
	test.Helper()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	booking, ok := store.state.bookings[bookingID]
	if !ok {
		test.Fatalf("booking %s not found", bookingID)
	}
	return booking
}

func (store *stubStore) totalPoints() Points {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var total Points
	for _, points := range store.state.accounts {
		total += points
	}
	return total
}

func (store *stubStore) transactionCount() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return *store.transactions
}

// assertMutexInvariant checks that every spot is non-bookable exactly when one
// active booking references it.
func (store *stubStore) assertMutexInvariant(test *testing.T) {
	test.Helper()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	activeBySpot := map[SpotID]int{}
	for _, booking := range store.state.bookings {
		if booking.IsActive() {
			activeBySpot[booking.SpotID]++
		}
	}
	for spotID, spot := range store.state.spots {
		active := activeBySpot[spotID]
		if active > 1 {
			test.Fatalf("spot %s has %d active bookings", spotID, active)
		}
		if spot.Bookable == (active == 1) {
			test.Fatalf("spot %s bookable=%t with %d active bookings", spotID, spot.Bookable, active)
		}
	}
}

func failTimes(count int, err error) func() error {
	var mutex sync.Mutex
	remaining := count
	return func() error {
		mutex.Lock()
		defer mutex.Unlock()
		if remaining == 0 {
			return nil
		}
		remaining--
		return err
	}
}

type sequenceIDs struct {
	mutex sync.Mutex
	next  int
}

func (ids *sequenceIDs) generate() string {
	ids.mutex.Lock()
	defer ids.mutex.Unlock()
	ids.next++
	return fmt.Sprintf("bk-%04d", ids.next)
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	ids := &sequenceIDs{}
	base := []ServiceOption{WithIDGenerator(ids.generate), WithRetry(3, 0)}
	service, err := NewService(store, func() int64 { return 100 }, append(base, options...)...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	value, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func mustSpotID(test *testing.T, raw string) SpotID {
	test.Helper()
	value, err := NewSpotID(raw)
	if err != nil {
		test.Fatalf("spot id: %v", err)
	}
	return value
}

func mustBookingID(test *testing.T, raw string) BookingID {
	test.Helper()
	value, err := NewBookingID(raw)
	if err != nil {
		test.Fatalf("booking id: %v", err)
	}
	return value
}

func mustPoints(test *testing.T, raw int64) Points {
	test.Helper()
	value, err := NewPoints(raw)
	if err != nil {
		test.Fatalf("points: %v", err)
	}
	return value
}

func mustPositivePoints(test *testing.T, raw int64) PositivePoints {
	test.Helper()
	value, err := NewPositivePoints(raw)
	if err != nil {
		test.Fatalf("positive points: %v", err)
	}
	return value
}

func expectPoints(test *testing.T, store *stubStore, userID UserID, want int64) {
	test.Helper()
	if got := store.points(test, userID); got.Int64() != want {
		test.Fatalf("expected %s to hold %d points, got %d", userID, want, got)
	}
}

func expectErrorIs(test *testing.T, err error, target error) {
	test.Helper()
	if !errors.Is(err, target) {
		test.Fatalf("expected %v, got %v", target, err)
	}
}

var idComparer = cmp.AllowUnexported(UserID{}, SpotID{}, BookingID{})
